package conveyor

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authenticator checks operator API keys. With no keys configured every
// request is allowed.
type authenticator struct {
	enabled      bool
	apiKeys      []string
	readOnlyKeys []string
}

func newAuthenticator(cfg HTTPConfig) *authenticator {
	return &authenticator{
		enabled:      len(cfg.APIKeys) > 0 || len(cfg.ReadOnlyKeys) > 0,
		apiKeys:      cfg.APIKeys,
		readOnlyKeys: cfg.ReadOnlyKeys,
	}
}

// extractAPIKey reads a bearer token, then X-API-Key, then ?api_key.
func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

func keyIn(key string, keys []string) bool {
	for _, k := range keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(k)) == 1 {
			return true
		}
	}
	return false
}

// isWriteOperation reports whether r changes alert state.
func isWriteOperation(r *http.Request) bool {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch:
		return true
	}
	return false
}

// authMiddleware wraps a handler with API key authentication. /health is
// always open.
func authMiddleware(auth *authenticator, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !auth.enabled || r.URL.Path == "/health" {
			next(w, r)
			return
		}

		key := extractAPIKey(r)
		if key == "" {
			w.Header().Set("WWW-Authenticate", "Bearer")
			jsonError(w, http.StatusUnauthorized, "auth", "authentication required")
			return
		}
		if keyIn(key, auth.apiKeys) {
			next(w, r)
			return
		}
		if keyIn(key, auth.readOnlyKeys) {
			if isWriteOperation(r) {
				jsonError(w, http.StatusForbidden, "auth", "read-only API key cannot acknowledge or clear alerts")
				return
			}
			next(w, r)
			return
		}
		jsonError(w, http.StatusUnauthorized, "auth", "invalid API key")
	}
}
