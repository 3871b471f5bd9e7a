package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// bearerAuth guards admin routes with the configured static tokens. An empty
// token list disables the routes entirely rather than leaving them open.
func bearerAuth(tokens []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(tokens) == 0 {
			http.Error(w, "admin interface disabled", http.StatusForbidden)
			return
		}
		header := r.Header.Get("Authorization")
		presented, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || !tokenAllowed(tokens, strings.TrimSpace(presented)) {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func tokenAllowed(tokens []string, presented string) bool {
	if presented == "" {
		return false
	}
	allowed := false
	for _, token := range tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(presented)) == 1 {
			allowed = true
		}
	}
	return allowed
}
