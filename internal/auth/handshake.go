// ABOUTME: Token extraction from a connection handshake
// ABOUTME: Checks the explicit auth field, then the bearer header, then the query string

package auth

import (
	"net/url"
	"strings"
)

// TokenSource records where a handshake token was found.
type TokenSource string

const (
	SourceNone      TokenSource = ""
	SourceAuthField TokenSource = "auth_field"
	SourceHeader    TokenSource = "authorization_header"
	SourceQuery     TokenSource = "query"
)

// Handshake carries the credential locations a client can use when connecting.
type Handshake struct {
	AuthField     string     // token from the connect frame
	Authorization string     // raw Authorization header
	Query         url.Values // upgrade request query parameters
}

// ExtractToken returns the first token found in priority order: explicit
// auth field, bearer authorization header, token query parameter.
func ExtractToken(hs Handshake) (string, TokenSource) {
	if tok := strings.TrimSpace(hs.AuthField); tok != "" {
		return tok, SourceAuthField
	}
	if tok, errMsg := extractBearerToken(hs.Authorization); errMsg == "" {
		return tok, SourceHeader
	}
	if hs.Query != nil {
		if tok := strings.TrimSpace(hs.Query.Get("token")); tok != "" {
			return tok, SourceQuery
		}
	}
	return "", SourceNone
}
