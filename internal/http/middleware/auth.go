package middleware

import (
	"context"
	"net/http"
	"strings"

	"vendpoint/internal/token"
)

type contextKey string

const adminUserKey contextKey = "adminUser"

// AdminAuth validates admin JWT bearer tokens.
func AdminAuth(tokens *token.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "missing authorization header", http.StatusUnauthorized)
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				http.Error(w, "invalid authorization header", http.StatusUnauthorized)
				return
			}
			claims, err := tokens.Validate(strings.TrimSpace(parts[1]))
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), adminUserKey, claims.Username)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminFromContext retrieves the authenticated admin username.
func AdminFromContext(ctx context.Context) (string, bool) {
	val := ctx.Value(adminUserKey)
	if val == nil {
		return "", false
	}
	name, ok := val.(string)
	return name, ok
}
