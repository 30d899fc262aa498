// Package authcore is the account and token lifecycle engine of the shop
// backend: registration gated by emailed one-time codes, password, admin and
// external-identity sign-in, rotating single-use refresh tokens with reuse
// detection, and generation-counter invalidation of outstanding access
// tokens.
//
// Engine methods are safe to call from multiple goroutines after
// [Builder.Build].
//
// # Architecture boundaries
//
// authcore is the public surface. It exposes [Engine], [Builder], [Config]
// and value types. Flow orchestration, rate limiting and audit dispatch live
// under internal/. Storage (account, refresh, otp), signing (jwt), hashing
// (password), delivery (notify) and external identity (identity) are
// importable packages so a process can swap implementations.
//
// # Concurrency contract
//
// No operation takes a global lock. Every change to an account generation
// or a refresh credential's revoked flag is a single conditional store
// update; two concurrent rotations of one refresh token yield exactly one
// success, and the loser is treated as reuse.
package authcore
