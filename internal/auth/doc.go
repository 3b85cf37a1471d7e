// Package auth verifies the bearer tokens presented by relay clients.
//
// # Tokens
//
// Clients authenticate with HMAC-signed JWTs issued by an external service.
// The relay only verifies them. Required claims:
//
//   - sub: the user id
//   - exp: expiry (unix seconds)
//
// Optional claims:
//
//   - username: display name (defaults to sub)
//   - isAdmin or roles ["admin"]: exempts the client from rate limiting
//
// Verification failures are returned as *Error with a Kind of NoToken,
// Expired, Invalid or MalformedPayload.
//
// # Handshake
//
// ExtractToken looks for a token in the connect frame's auth field, then the
// Authorization bearer header, then the token query parameter.
//
// # HTTP
//
// HTTPAuthMiddleware and RequireAdminHTTP guard the JSON API endpoints:
//
//	mux.Handle("/api/stats", auth.HTTPAuthMiddleware(verifier, logger)(handler))
package auth
