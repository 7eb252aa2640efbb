package httpapi

import (
	"net/http"
	"strings"

	"github.com/escrow-hub/escrow-hub/internal/domain/user"
)

// Authenticator verifies a bearer token.
type Authenticator interface {
	Authenticate(token string) (user.Actor, error)
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := s.auth.Authenticate(ExtractToken(r))
		if err != nil {
			respondError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r.WithContext(withActor(r.Context(), actor)))
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorFromContext(r.Context())
		if !ok {
			respondError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing auth")
			return
		}
		if !actor.IsAdmin() {
			respondError(w, http.StatusForbidden, "ACCESS_DENIED", "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ExtractToken reads the bearer token from the Authorization header, falling
// back to the token query parameter browsers use for socket handshakes.
func ExtractToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(authz, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
