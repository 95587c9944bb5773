package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/technosupport/ts-mediagw/internal/api"
	"github.com/technosupport/ts-mediagw/internal/auth"
	"github.com/technosupport/ts-mediagw/internal/tokens"
)

type TokenValidator interface {
	ValidateToken(tokenString string) (*tokens.Claims, error)
}

type JWTAuth struct {
	tokens    TokenValidator
	blacklist auth.TokenBlacklist
}

func NewJWTAuth(t TokenValidator, b auth.TokenBlacklist) *JWTAuth {
	return &JWTAuth{tokens: t, blacklist: b}
}

// Middleware verifies the bearer token and injects the AuthContext.
// HLS players that cannot set headers may pass the token as ?token=.
func (m *JWTAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := bearerToken(r)
		if tokenString == "" {
			api.WriteError(w, r, http.StatusUnauthorized, api.CodeInvalidToken, "missing bearer token", nil)
			return
		}

		claims, err := m.tokens.ValidateToken(tokenString)
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				api.WriteError(w, r, http.StatusUnauthorized, api.CodeTokenExpired, "access token has expired", nil)
				return
			}
			api.WriteError(w, r, http.StatusUnauthorized, api.CodeInvalidToken, "invalid access token", nil)
			return
		}

		if claims.TokenType != "access" {
			api.WriteError(w, r, http.StatusUnauthorized, api.CodeInvalidToken, "invalid token type", nil)
			return
		}

		// Blacklist check fails closed.
		blacklisted, err := m.blacklist.IsBlacklisted(r.Context(), claims.ClientID, claims.ID)
		if err != nil || blacklisted {
			api.WriteError(w, r, http.StatusUnauthorized, api.CodeInvalidToken, "access token revoked", nil)
			return
		}

		ac := &auth.AuthContext{
			ClientID: claims.ClientID,
			TokenID:  claims.ID,
			Scopes:   claims.Scopes,
		}

		ctx := auth.WithAuthContext(r.Context(), ac)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireScope guards a route subtree with a single scope.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac, ok := auth.GetAuthContext(r.Context())
			if !ok {
				api.WriteError(w, r, http.StatusUnauthorized, api.CodeInvalidToken, "missing authentication", nil)
				return
			}
			if !ac.HasScope(scope) {
				api.WriteError(w, r, http.StatusForbidden, api.CodeInsufficientScope,
					"token lacks required scope", map[string]any{"required_scope": scope})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
