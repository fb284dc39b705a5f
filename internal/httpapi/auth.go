// ABOUTME: Bearer token middleware for the generation API
// ABOUTME: Constant-time comparison against the configured token

package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// requireBearer rejects requests whose Authorization header does not carry
// the configured bearer token. A blank configured token disables the check.
func (a *API) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		got, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(a.token)) != 1 {
			a.writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}
