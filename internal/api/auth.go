package api

import (
	"net/http"

	"github.com/mattjoyce/paysink/internal/auth"
)

// authMiddleware resolves the bearer token to a user through the session verifier.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.ExtractBearerToken(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		user, err := s.deps.Sessions.VerifySession(r.Context(), token)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithUser(r.Context(), user)))
	})
}

func (s *Server) requireScopes(capabilities ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := auth.UserFromContext(r.Context())
			if !ok {
				s.writeError(w, http.StatusUnauthorized, "unauthenticated")
				return
			}
			for _, c := range capabilities {
				if s.deps.Authorizer.HasPermission(user, c) {
					next.ServeHTTP(w, r)
					return
				}
			}
			s.logger.Warn("permission denied", "user", user.Name, "path", r.URL.Path, "required", capabilities)
			s.writeError(w, http.StatusForbidden, "insufficient scope")
		})
	}
}

func userName(r *http.Request) string {
	if u, ok := auth.UserFromContext(r.Context()); ok {
		return u.Name
	}
	return ""
}
