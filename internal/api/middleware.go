package api

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// OperatorAuthMiddleware creates middleware that validates the operator
// token on mutating endpoints. The expected token is stored as a bcrypt
// hash; an empty hash disables authentication, which is the expected
// setup in development.
func (s *Server) OperatorAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.operatorTokenHash == "" {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				s.logger.Warn("operator auth failed: missing credentials",
					"path", r.URL.Path,
					"has_auth_header", authHeader != "",
				)
				s.writeError(w, http.StatusUnauthorized, "unauthorized: missing credentials")
				return
			}

			token := strings.TrimPrefix(authHeader, "Bearer ")
			if err := bcrypt.CompareHashAndPassword([]byte(s.operatorTokenHash), []byte(token)); err != nil {
				s.logger.Warn("operator auth failed: invalid token",
					"path", r.URL.Path,
				)
				s.writeError(w, http.StatusUnauthorized, "unauthorized: invalid token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
