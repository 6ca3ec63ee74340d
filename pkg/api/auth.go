package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthConfig holds the API tokens accepted by the middleware.
type AuthConfig struct {
	Tokens []string
}

// authMiddleware checks a Bearer or X-API-Key token. /health and /metrics
// bypass authentication.
func authMiddleware(cfg AuthConfig, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		token := r.Header.Get("X-API-Key")
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
		if token != "" && validToken(cfg, token) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", `Bearer realm="netcfgd"`)
		writeError(w, http.StatusUnauthorized, "authentication required")
	})
}

func validToken(cfg AuthConfig, token string) bool {
	ok := false
	for _, t := range cfg.Tokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			ok = true
		}
	}
	return ok
}
