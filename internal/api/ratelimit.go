package api

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/rohit280101/AI-IDP/internal/ratelimit"
)

// RateLimit admits at most maxRequests per win for each client on endpoint.
// A nil limiter or non-positive maxRequests disables the check.
func RateLimit(l *ratelimit.Limiter, endpoint string, maxRequests int, win time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil || maxRequests <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := l.Check(ratelimit.ClientKey(r), endpoint, maxRequests, win)

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

			if !d.Allowed {
				secs := int(math.Ceil(d.RetryAfter.Seconds()))
				h.Set("Retry-After", strconv.Itoa(secs))
				httpError(w, http.StatusTooManyRequests, "rate_limit_error",
					"rate limit of %d requests per %s exceeded, retry in %ds", d.Limit, win, secs)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
