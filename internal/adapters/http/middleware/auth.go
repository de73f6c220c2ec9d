package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/quarrylabs/quarry/internal/adapters/http/dto"
	"github.com/quarrylabs/quarry/internal/auth"
	"github.com/quarrylabs/quarry/internal/domain"
	"github.com/quarrylabs/quarry/internal/domain/models"
)

const principalContextKey contextKey = "principal"

// PrincipalResolver turns verified claims into a local principal row.
type PrincipalResolver interface {
	Resolve(ctx context.Context, claims *auth.Claims) (*models.Principal, error)
}

// TokenVerifier checks a bearer token and returns its claims.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*auth.Claims, error)
}

// Auth verifies the bearer token and attaches the resolved principal to the
// context. Paths matching a bypass prefix skip verification entirely; the
// stream endpoint relies on this because its token is the capability.
func Auth(verifier TokenVerifier, resolver PrincipalResolver, bypassPrefixes []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, prefix := range bypassPrefixes {
				if strings.HasPrefix(r.URL.Path, prefix) {
					next.ServeHTTP(w, r)
					return
				}
			}

			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				dto.WriteError(w,
					domain.NewAuth(domain.CodeInvalidCredential, "missing bearer token"),
					GetRequestID(r.Context()))
				return
			}

			claims, err := verifier.Verify(r.Context(), strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				dto.WriteError(w, err, GetRequestID(r.Context()))
				return
			}

			principal, err := resolver.Resolve(r.Context(), claims)
			if err != nil {
				dto.WriteError(w, err, GetRequestID(r.Context()))
				return
			}

			ctx := context.WithValue(r.Context(), principalContextKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin gates admin endpoints. It must run inside Auth.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := GetPrincipal(r.Context())
		if principal == nil || !principal.IsAdmin() {
			dto.WriteError(w,
				domain.NewAuth(domain.CodePermissionDenied, "admin role required"),
				GetRequestID(r.Context()))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetPrincipal returns the authenticated principal, or nil on bypassed paths.
func GetPrincipal(ctx context.Context) *models.Principal {
	principal, ok := ctx.Value(principalContextKey).(*models.Principal)
	if !ok {
		return nil
	}
	return principal
}

// WithPrincipal is a test hook for handler tests that skip the middleware.
func WithPrincipal(ctx context.Context, principal *models.Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, principal)
}
