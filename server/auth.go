package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/wolfeidau/image-cache/images"
)

// authMiddleware guards mutating methods with a shared-secret Bearer key.
// Reads pass untouched. The three failure modes stay distinguishable to
// callers: no keys configured on the server, credentials missing from the
// request, and credentials that match no configured key.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	keys := make([][]byte, 0, len(s.config.APIKeys))
	for _, k := range s.config.APIKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, []byte(k))
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			next.ServeHTTP(w, r)
			return
		}

		if len(keys) == 0 {
			s.logger.Error("mutating request refused, no API keys configured",
				"method", r.Method, "path", r.URL.Path)
			images.WriteError(w, r, http.StatusServiceUnavailable, "auth_not_configured",
				"server has no API keys configured")
			return
		}

		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			w.Header().Set("WWW-Authenticate", "Bearer")
			images.WriteError(w, r, http.StatusUnauthorized, "missing_credentials",
				"mutating requests require a Bearer API key")
			return
		}

		provided := []byte(strings.TrimPrefix(auth, "Bearer "))
		if !matchesAny(provided, keys) {
			w.Header().Set("WWW-Authenticate", "Bearer")
			images.WriteError(w, r, http.StatusUnauthorized, "invalid_credentials",
				"API key not recognised")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// matchesAny compares the provided key against every configured key, so the
// comparison time does not depend on which key matches.
func matchesAny(provided []byte, keys [][]byte) bool {
	ok := false
	for _, k := range keys {
		if subtle.ConstantTimeCompare(provided, k) == 1 {
			ok = true
		}
	}
	return ok
}
