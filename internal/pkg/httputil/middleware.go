package httputil

import (
	"context"
	"net/http"
	"strings"

	"github.com/bissquit/incident-escalation/internal/domain"
	"github.com/bissquit/incident-escalation/internal/pkg/ctxlog"
)

// Headers set by the upstream gateway after it has authenticated the caller.
const (
	UserIDHeader = "X-User-ID"
	RoleHeader   = "X-User-Role"
)

// CORSMiddleware creates CORS middleware that handles preflight requests
// and adds appropriate CORS headers to responses.
func CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	originsSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originsSet[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if originsSet[origin] || originsSet["*"] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers",
					strings.Join([]string{"Content-Type", UserIDHeader, RoleHeader, "Last-Event-ID"}, ", "))
				w.Header().Set("Access-Control-Max-Age", "86400")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

type contextKey string

const principalKey contextKey = "principal"

// PrincipalMiddleware reads the acting user from gateway headers and stores
// it in the request context. Requests without a user id or with an unknown
// role are rejected with 401.
func PrincipalMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(UserIDHeader))
		if userID == "" {
			Error(w, http.StatusUnauthorized, "missing "+UserIDHeader+" header")
			return
		}

		role := domain.Role(strings.ToLower(strings.TrimSpace(r.Header.Get(RoleHeader))))
		if !role.IsValid() {
			Error(w, http.StatusUnauthorized, "missing or unknown "+RoleHeader+" header")
			return
		}

		ctx := WithPrincipal(r.Context(), domain.Principal{UserID: userID, Role: role})
		ctx = ctxlog.With(ctx, "user_id", userID, "role", role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// WithPrincipal adds the acting user to the context.
func WithPrincipal(ctx context.Context, p domain.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal extracts the acting user from context.
func GetPrincipal(ctx context.Context) (domain.Principal, bool) {
	p, ok := ctx.Value(principalKey).(domain.Principal)
	return p, ok
}
