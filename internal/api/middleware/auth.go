package middleware

import (
	"crypto/subtle"
	"net/http"
)

// APIKeyAuth returns middleware that guards the admin API with a shared
// X-API-Key. An empty configured key rejects everything; mounting the admin
// surface without a key is a deployment mistake, not an open door.
// /health and /metrics are mounted outside the admin subrouter and never
// pass through this check.
func APIKeyAuth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := r.Header.Get("X-API-Key")
			if apiKey == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"Invalid or missing API key"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
