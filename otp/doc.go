// Package otp stores time-boxed, attempt-limited six digit codes per
// (account, purpose).
//
// Per (account, purpose) a code moves none -> pending -> consumed, superseded
// or expired. Creating a code supersedes the pending one in the same Lua
// step, attempts are counted with HINCRBY and consumption is a conditional
// flip. Codes are stored as SHA-256 digests salted with the record id.
package otp
