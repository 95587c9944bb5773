package auth

import "context"

type contextKey string

const authContextKey contextKey = "auth_context"

// AuthContext holds the authenticated principal for a request.
type AuthContext struct {
	ClientID string
	TokenID  string // jti
	Scopes   []string
}

func (a *AuthContext) HasScope(scope string) bool {
	for _, s := range a.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

func GetAuthContext(ctx context.Context) (*AuthContext, bool) {
	val, ok := ctx.Value(authContextKey).(*AuthContext)
	return val, ok
}

func WithAuthContext(ctx context.Context, ac *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey, ac)
}
