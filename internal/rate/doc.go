// Package rate throttles login attempts with Redis fixed-window counters.
//
// # Window semantics
//
// INCR plus EXPIRE on the first hit of a window. Keys are
// <prefix>al:<normalized email>. A successful login clears the counter.
package rate
