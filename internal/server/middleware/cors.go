package middleware

import (
	"net/http"
	"slices"
	"strings"

	"github.com/alanyoungcy/shieldmarket/internal/crypto"
)

var (
	corsAllowHeaders  = strings.Join([]string{"Content-Type", crypto.HeaderSignature, crypto.HeaderTimestamp, HeaderRequestID}, ", ")
	corsExposeHeaders = strings.Join([]string{HeaderRequestID, "Retry-After", "X-RateLimit-Limit"}, ", ")
)

// CORS answers preflights and tags responses for allowed origins. An empty
// list or "*" allows any origin.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	anyOrigin := len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, "*")
	allowed := func(origin string) bool {
		return anyOrigin || slices.ContainsFunc(allowedOrigins, func(o string) bool { return strings.EqualFold(o, origin) })
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && allowed(origin) {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Expose-Headers", corsExposeHeaders)
				h.Add("Vary", "Origin")
				if r.Method == http.MethodOptions {
					h.Set("Access-Control-Allow-Methods", "GET, POST")
					h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
					h.Set("Access-Control-Max-Age", "86400")
				}
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
