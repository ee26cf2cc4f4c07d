package authmesh

import (
	"context"

	"github.com/MrEthical07/authmesh/token"
)

type authResultContextKey struct{}

// WithAuthResult attaches an accepted result to ctx. Middleware calls this after
// validation; handlers read it back with [AuthResultFromContext] or
// [IdentityFromContext].
func WithAuthResult(ctx context.Context, res *AuthResult) context.Context {
	return context.WithValue(ctx, authResultContextKey{}, res)
}

// AuthResultFromContext returns the result stored by [WithAuthResult].
func AuthResultFromContext(ctx context.Context) (*AuthResult, bool) {
	if ctx == nil {
		return nil, false
	}
	res, ok := ctx.Value(authResultContextKey{}).(*AuthResult)
	return res, ok && res != nil
}

// IdentityFromContext returns the canonical identity of the authenticated caller.
func IdentityFromContext(ctx context.Context) (token.Identity, bool) {
	res, ok := AuthResultFromContext(ctx)
	if !ok {
		return token.Identity{}, false
	}
	return res.Identity, true
}
