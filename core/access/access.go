/*
Package access provides utilities for access control

An identity is established by a signed JWT. It is added to a request context with

	ctx = access.ContextWithIdentity(ctx, identity)

and retrieved with

	identity := access.IdentityFromContext(ctx)
*/
package access

import (
	"context"
)

// contextKey is the type for context keys. Go linter does not like plain strings
type contextKey string

// the predefined context key
const (
	contextKeyIdentity contextKey = "_identity_"
)

// Identity is the verified user behind a token
type Identity struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
}

// ContextWithIdentity returns a new context with the identity added
func ContextWithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, contextKeyIdentity, identity)
}

// IdentityFromContext returns the identity of the context, or nil
func IdentityFromContext(ctx context.Context) *Identity {
	identity, _ := ctx.Value(contextKeyIdentity).(*Identity)
	return identity
}
