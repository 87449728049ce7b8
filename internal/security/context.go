package security

import "context"

type contextKey struct{}

// ContextWithClaims returns a child context carrying the validated claims.
// Set by the auth middleware after token validation.
func ContextWithClaims(ctx context.Context, claims Claims) context.Context {
	return context.WithValue(ctx, contextKey{}, claims)
}

// ClaimsFromContext extracts the validated claims, if present.
func ClaimsFromContext(ctx context.Context) (Claims, bool) {
	claims, ok := ctx.Value(contextKey{}).(Claims)
	return claims, ok
}
