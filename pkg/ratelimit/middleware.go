package ratelimit

import (
	"net/http"
	"strconv"
	"time"
)

// Middleware rejects requests over limit per key with 429. An empty key
// skips limiting.
func Middleware(l Limiter, limit int, key func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			if l == nil || k == "" {
				next.ServeHTTP(w, r)
				return
			}
			d := l.Allow(r.Context(), k, limit)
			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
			if !d.Allowed {
				h.Set("Retry-After", strconv.Itoa(d.RetryAfter(time.Now().UTC())))
				h.Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
