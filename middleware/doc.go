// Package middleware exposes HTTP guards built on authcore access token
// validation.
//
// # Guards
//
//   - [Guard] validates the bearer token and stores the [authcore.Principal]
//     in the request context.
//   - [RequireRole] is Guard plus a role check, used for admin routes.
//
// Rejections are 401, except backend outages which are 503 so clients do not
// discard valid credentials.
//
// # Architecture boundaries
//
// This package translates HTTP semantics into Engine calls. It does not parse
// tokens or touch storage itself.
package middleware
