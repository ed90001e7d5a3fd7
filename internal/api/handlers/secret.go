package handlers

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// presentedSecret extracts a shared secret from the Authorization bearer
// token, the named header, or the "secret" query parameter, in that order.
func presentedSecret(r *http.Request, header string) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if v := r.Header.Get(header); v != "" {
		return v
	}
	return r.URL.Query().Get("secret")
}

func secretMatches(expected, presented string) bool {
	return subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) == 1
}
