package auth

import "context"

type authContextKey struct{}
type claimsContextKey struct{}

// ContextWith attaches the resolved authorization context.
func ContextWith(ctx context.Context, c Context) context.Context {
	return context.WithValue(ctx, authContextKey{}, &c)
}

// FromContext extracts the resolved authorization context.
func FromContext(ctx context.Context) (Context, bool) {
	if ctx == nil {
		return Context{}, false
	}
	v, ok := ctx.Value(authContextKey{}).(*Context)
	if !ok || v == nil {
		return Context{}, false
	}
	return *v, true
}

// ContextWithClaims stores the verified access-token claims alongside
// the resolved context for handlers that need token metadata.
func ContextWithClaims(ctx context.Context, claims *AccessClaims) context.Context {
	if claims == nil {
		return ctx
	}
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// ClaimsFromContext returns the verified claims if attached.
func ClaimsFromContext(ctx context.Context) (*AccessClaims, bool) {
	v, ok := ctx.Value(claimsContextKey{}).(*AccessClaims)
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}
