package middleware

import (
	"crypto/subtle"
	"net/http"
	"spotify-time-machine-go/logcolors"
	"strings"

	log "github.com/sirupsen/logrus"
)

// APIKeyMiddleware creates middleware that requires the X-API-Key header on
// protected paths. Entries ending with * match by prefix.
// If apiKey is empty, protected paths are refused outright.
func APIKeyMiddleware(apiKey string, protectedPaths []string) func(http.Handler) http.Handler {
	exact := make(map[string]bool)
	var prefixes []string
	for _, path := range protectedPaths {
		if prefix, ok := strings.CutSuffix(path, "*"); ok {
			prefixes = append(prefixes, prefix)
			continue
		}
		exact[path] = true
	}

	isProtected := func(path string) bool {
		if exact[path] {
			return true
		}
		for _, prefix := range prefixes {
			if strings.HasPrefix(path, prefix) {
				return true
			}
		}
		return false
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			if !isProtected(path) {
				next.ServeHTTP(w, r)
				return
			}

			if apiKey == "" {
				log.Warnf("%s Admin API key not configured, refusing %s", logcolors.LogAPIKey, path)
				writeAuthError(w, http.StatusForbidden, `{"error":"Admin endpoints disabled","message":"Set ADMIN_API_KEY to enable admin endpoints"}`)
				return
			}

			providedKey := r.Header.Get("X-API-Key")
			if providedKey == "" {
				log.Warnf("%s Missing API key from %s for %s", logcolors.LogAPIKey, r.RemoteAddr, path)
				writeAuthError(w, http.StatusUnauthorized, `{"error":"API key required","message":"Provide a valid API key via X-API-Key header"}`)
				return
			}

			if subtle.ConstantTimeCompare([]byte(providedKey), []byte(apiKey)) != 1 {
				log.Warnf("%s Invalid API key from %s for %s", logcolors.LogAPIKey, r.RemoteAddr, path)
				writeAuthError(w, http.StatusUnauthorized, `{"error":"Invalid API key","message":"The provided API key is not valid"}`)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(body))
}
