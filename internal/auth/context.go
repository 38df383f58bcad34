package auth

import (
	"context"

	"github.com/odin-gateway/realtime-gateway/internal/gateway"
)

type contextKey string

const principalContextKey contextKey = "principal"

// WithPrincipal attaches principal to ctx.
func WithPrincipal(ctx context.Context, principal gateway.Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, principal)
}

// PrincipalFromContext retrieves the Principal attached by Middleware.
func PrincipalFromContext(ctx context.Context) (gateway.Principal, bool) {
	principal, ok := ctx.Value(principalContextKey).(gateway.Principal)
	return principal, ok
}
