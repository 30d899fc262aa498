// Package audit relays security events (logins, rotations, reuse, resets)
// to a sink off the request path.
//
// The engine decides which events to emit. This package only buffers them
// and hands them to a [Sink]; a full buffer drops the event and counts it.
package audit
