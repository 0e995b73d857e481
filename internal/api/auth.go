package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// BearerAuth rejects requests that do not carry token. Browser websocket
// clients cannot set headers, so /events also accepts ?access_token=.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !validToken(r, token) {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func validToken(r *http.Request, token string) bool {
	const prefix = "Bearer "
	presented := ""
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, prefix) {
		presented = auth[len(prefix):]
	} else if r.URL.Path == "/events" {
		presented = r.URL.Query().Get("access_token")
	}
	if presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1
}
