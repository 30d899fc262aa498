// Package flows implements every engine operation as a Run* function over
// an explicit [Deps] value.
//
// Flows coordinate the token codec, the refresh, OTP and account stores, the
// credential verifier, the notification dispatcher and the login throttle.
// They own none of them; the root engine builds Deps once and delegates.
//
// Every mutation of an account generation or a refresh revocation flag is a
// single conditional store update. Flows never read-modify-write those
// fields across two round trips.
package flows
