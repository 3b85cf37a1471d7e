// ABOUTME: JWT token verification for authenticating relay connections
// ABOUTME: HMAC-signed tokens carrying sub, optional username, exp and admin claims

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors. Every verification failure is returned as an *Error whose
// Unwrap yields one of these.
var (
	ErrNoToken          = errors.New("no token provided")
	ErrInvalidToken     = errors.New("invalid token")
	ErrExpiredToken     = errors.New("token expired")
	ErrMalformedPayload = errors.New("malformed token payload")
)

// ErrorKind tags why authentication failed.
type ErrorKind int

const (
	KindNoToken ErrorKind = iota + 1
	KindExpired
	KindInvalid
	KindMalformedPayload
)

// String returns the wire code for the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindNoToken:
		return "NO_TOKEN"
	case KindExpired:
		return "TOKEN_EXPIRED"
	case KindInvalid:
		return "INVALID_TOKEN"
	case KindMalformedPayload:
		return "MALFORMED_PAYLOAD"
	default:
		return "AUTH_ERROR"
	}
}

// Error is the tagged authentication failure.
type Error struct {
	Kind   ErrorKind
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.sentinel().Error()
	}
	return fmt.Sprintf("%s: %s", e.sentinel(), e.Detail)
}

// Unwrap lets errors.Is match the package sentinels.
func (e *Error) Unwrap() error {
	return e.sentinel()
}

// Code returns the client-facing error code.
func (e *Error) Code() string {
	return e.Kind.String()
}

func (e *Error) sentinel() error {
	switch e.Kind {
	case KindNoToken:
		return ErrNoToken
	case KindExpired:
		return ErrExpiredToken
	case KindMalformedPayload:
		return ErrMalformedPayload
	default:
		return ErrInvalidToken
	}
}

func newError(kind ErrorKind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Claims is the verified identity carried by a token.
type Claims struct {
	Subject   string
	Username  string
	ExpiresAt time.Time
	Admin     bool
}

// DisplayName returns the username claim, falling back to the subject.
func (c *Claims) DisplayName() string {
	if c.Username != "" {
		return c.Username
	}
	return c.Subject
}

// TokenVerifier defines the interface for token verification
type TokenVerifier interface {
	Verify(tokenString string) (*Claims, error)
}

// JWTVerifier implements TokenVerifier using HMAC signed JWTs
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

// NewJWTVerifier creates a new JWT verifier with the given secret
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret, now: time.Now}
}

// Verify checks signature and expiry and extracts the claims.
// The returned error is always an *Error.
func (v *JWTVerifier) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, newError(KindNoToken, "")
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithTimeFunc(v.now),
	)

	claims := jwt.MapClaims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, newError(KindExpired, "")
		}
		return nil, newError(KindInvalid, err.Error())
	}

	if !token.Valid {
		return nil, newError(KindInvalid, "")
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, newError(KindMalformedPayload, "missing sub claim")
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, newError(KindMalformedPayload, "missing exp claim")
	}

	username, _ := claims["username"].(string)

	return &Claims{
		Subject:   sub,
		Username:  username,
		ExpiresAt: exp.Time,
		Admin:     adminClaim(claims),
	}, nil
}

// adminClaim accepts either an isAdmin boolean or an "admin" entry in roles.
func adminClaim(claims jwt.MapClaims) bool {
	if admin, ok := claims["isAdmin"].(bool); ok && admin {
		return true
	}
	roles, ok := claims["roles"].([]interface{})
	if !ok {
		return false
	}
	for _, r := range roles {
		if s, ok := r.(string); ok && (s == "admin" || s == "owner") {
			return true
		}
	}
	return false
}

// TokenOptions customizes a generated token.
type TokenOptions struct {
	Username string
	Admin    bool
}

// Generate creates a new HS256 token for the given subject with expiration
func (v *JWTVerifier) Generate(subject string, expiresIn time.Duration, opts TokenOptions) (string, error) {
	now := v.now()
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}
	if opts.Username != "" {
		claims["username"] = opts.Username
	}
	if opts.Admin {
		claims["isAdmin"] = true
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
