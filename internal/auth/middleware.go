package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/phan28395/PDFTEXT-sub002/internal/httputil"
)

type contextKey string

const claimsKey contextKey = "operator-claims"

// RequireToken rejects requests without a valid bearer token. When roles
// are given the token must carry at least one of them.
func (tm *TokenManager) RequireToken(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				httputil.WriteError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				httputil.WriteError(w, http.StatusUnauthorized, "invalid authorization header")
				return
			}

			claims, err := tm.Validate(parts[1])
			if err != nil {
				httputil.WriteError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}
			if len(roles) > 0 && !hasAnyRole(claims, roles) {
				httputil.WriteError(w, http.StatusForbidden, "insufficient role")
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext returns the operator claims set by RequireToken.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*Claims)
	return c, ok
}

// Operator returns the operator name from ctx, or "unknown".
func Operator(ctx context.Context) string {
	if c, ok := ClaimsFromContext(ctx); ok && c.Operator != "" {
		return c.Operator
	}
	return "unknown"
}

func hasAnyRole(c *Claims, roles []string) bool {
	for _, r := range roles {
		if c.HasRole(r) {
			return true
		}
	}
	return false
}
