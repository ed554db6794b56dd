package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// requireAuth guards mutating endpoints with a static bearer token. An empty
// configured token leaves the endpoints open.
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.AuthToken == "" {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			Unauthorised(w, r, "Missing or invalid Authorization header")
			return
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(h.AuthToken)) != 1 {
			Unauthorised(w, r, "Invalid token")
			return
		}

		next.ServeHTTP(w, r)
	})
}
