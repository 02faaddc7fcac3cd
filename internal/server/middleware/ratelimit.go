package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/shieldmarket/internal/domain"
)

// Limits are per-client request budgets. Reads and writes are counted
// separately so a polling client cannot starve its own trades and
// attestations.
type Limits struct {
	Read   int
	Write  int
	Window time.Duration
}

// RateLimit enforces limits per client IP through limiter. A nil limiter
// disables it, as does a non-positive budget for that class of request.
func RateLimit(limiter domain.RateLimiter, limits Limits, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			class, limit := "read", limits.Read
			if r.Method != http.MethodGet && r.Method != http.MethodHead && r.Method != http.MethodOptions {
				class, limit = "write", limits.Write
			}
			if limit <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			allowed, err := limiter.Allow(r.Context(), "api:"+class+":"+clientIP(r), limit, limits.Window)
			if err != nil {
				// Fail open; a broken limiter must not take the API down.
				logger.WarnContext(r.Context(), "rate limiter unavailable", slog.String("error", err.Error()))
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
			if !allowed {
				w.Header().Set("Retry-After", strconv.Itoa(max(int(limits.Window.Seconds()), 1)))
				writeJSONError(w, http.StatusTooManyRequests, class+" rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// peer address.
func clientIP(r *http.Request) string {
	if first, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ","); strings.TrimSpace(first) != "" {
		return strings.TrimSpace(first)
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
