// Package jwt is the access token codec: it signs and verifies short-lived
// access tokens and the signed envelope of refresh tokens, each tagged with a
// typ claim so neither can stand in for the other.
package jwt
