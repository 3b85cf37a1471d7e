// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithClaims/FromContext for propagating verified claims via context

package auth

import (
	"context"
)

// claimsContextKey is the key type for storing Claims in context.Context.
type claimsContextKey struct{}

// WithClaims returns a new context with the verified claims attached.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// FromContext retrieves the Claims from the context, returning nil if not present.
func FromContext(ctx context.Context) *Claims {
	claims, ok := ctx.Value(claimsContextKey{}).(*Claims)
	if !ok {
		return nil
	}
	return claims
}

// MustFromContext retrieves the Claims from the context, panicking if not present.
func MustFromContext(ctx context.Context) *Claims {
	claims := FromContext(ctx)
	if claims == nil {
		panic("auth: Claims not found in context")
	}
	return claims
}
