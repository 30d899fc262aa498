// Package refresh is the refresh credential store.
//
// Every issued refresh token has one record keyed by its token id holding
// the SHA-256 digest of the raw token, the account generation at issuance,
// the device it was issued to and its expiry. Revocation is a conditional
// Lua update so that exactly one concurrent caller observes the flip; the
// rotation policy built on top of that lives in the engine.
//
// # What this package must NOT do
//
//   - Store raw refresh tokens.
//   - Sign or parse tokens.
//   - Decide what a revoked-token presentation means.
package refresh
