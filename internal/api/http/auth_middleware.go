package httpapi

import (
	"net/http"
	"strings"
)

// IdentityHeader carries the caller identity asserted by the upstream
// identity gateway.
const IdentityHeader = "X-User-ID"

func (s *Server) requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(IdentityHeader))
		if id == "" {
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing "+IdentityHeader+" header")
			return
		}
		next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
	})
}
