package middleware

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dukerupert/famtask/internal/identity"
	"github.com/dukerupert/famtask/internal/ratelimit"
)

// RealIP extracts the client's address, preferring CF-Connecting-IP, then
// the first X-Forwarded-For hop, then RemoteAddr.
func RealIP(r *http.Request) string {
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		return ip
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i > 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// CallerOrIP keys authenticated requests by member and the rest by address,
// so family members behind one home router get separate budgets.
func CallerOrIP(r *http.Request) string {
	if id, ok := identity.FromContext(r.Context()); ok {
		return "member:" + id
	}
	return "ip:" + RealIP(r)
}

// Limit is a request budget per key.
type Limit struct {
	Max    int
	Window time.Duration
}

// RateLimit rejects requests beyond limit with 429. Every response carries
// the remaining budget.
func RateLimit(limiter *ratelimit.Limiter, keyFunc func(*http.Request) string, limit Limit) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			allowed := limiter.Allow(key, limit.Max, limit.Window)

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(limit.Max))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(limiter.Remaining(key, limit.Max)))
			if allowed {
				next.ServeHTTP(w, r)
				return
			}

			retry := limit.Window
			if at, ok := limiter.ResetAt(key); ok {
				retry = time.Until(at)
			}
			h.Set("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
			h.Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
		})
	}
}
