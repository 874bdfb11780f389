package auth

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Paths that never require a token.
var whitelist = map[string]bool{
	"/health":      true,
	"/ping":        true,
	"/favicon.ico": true,
}

// Middleware rejects requests lacking a valid proxy-layer token when auth is
// enabled for the service. Upstream credentials (non clp_ tokens) pass
// through untouched for the engine to replace.
func Middleware(m *Manager, service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.IsEnabled(service) || whitelist[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		token := ExtractToken(r)
		if token == "" || !m.VerifyToken(token) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{
				"error":   "Unauthorized",
				"message": "invalid or expired auth token",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ExtractToken pulls a proxy token from Authorization: Bearer, X-API-Key, or
// the token query parameter (websockets), in that order. Only clp_-prefixed
// values count; anything else is an upstream credential.
func ExtractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		if token := strings.TrimSpace(h[len("Bearer "):]); strings.HasPrefix(token, TokenPrefix) {
			return token
		}
	}
	if key := r.Header.Get("X-API-Key"); strings.HasPrefix(key, TokenPrefix) {
		return key
	}
	if token := r.URL.Query().Get("token"); strings.HasPrefix(token, TokenPrefix) {
		return token
	}
	return ""
}
