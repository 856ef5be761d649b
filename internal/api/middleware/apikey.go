package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// SharedSecretAuth protects the API with a single shared secret, sent by
// the host application as:
//   - Authorization: Bearer <secret>
//   - X-API-Key: <secret>
//
// An empty secret disables auth. /health, /version and /metrics are always
// public.
type SharedSecretAuth struct {
	secret []byte
}

// NewSharedSecretAuth creates the middleware for secret.
func NewSharedSecretAuth(secret string) *SharedSecretAuth {
	return &SharedSecretAuth{secret: []byte(secret)}
}

// Enabled returns whether a secret is configured.
func (a *SharedSecretAuth) Enabled() bool {
	return len(a.secret) > 0
}

// Middleware returns an http.Handler middleware that enforces the secret.
func (a *SharedSecretAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		key := extractAPIKey(r)
		if key == "" {
			respondUnauthorized(w, "Shared secret required. Set Authorization: Bearer <secret> or X-API-Key header.")
			return
		}
		if subtle.ConstantTimeCompare([]byte(key), a.secret) != 1 {
			respondUnauthorized(w, "Invalid shared secret.")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	// EventSource cannot set headers.
	if key := r.URL.Query().Get("api_key"); key != "" {
		return key
	}
	return ""
}

func isPublicPath(path string) bool {
	switch path {
	case "/health", "/version", "/metrics":
		return true
	}
	return false
}

func respondUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="toolgate"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   "unauthorized",
		"message": msg,
	})
}
