package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"
)

// ErrCodeRateLimited is returned when POSTs outpace the send limit.
const ErrCodeRateLimited = "RATE_LIMITED"

// SendLimit throttles the POST routes that put envelopes on the outbound
// queue. A zero PerSecond disables it.
type SendLimit struct {
	PerSecond float64
	Burst     int
}

// sendLimitMiddleware applies one token bucket to every POST. The API is
// loopback only, so there is no per-client bucket.
func sendLimitMiddleware(limit SendLimit) mux.MiddlewareFunc {
	if limit.PerSecond <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	burst := limit.Burst
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(limit.PerSecond), burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}
			reservation := limiter.Reserve()
			if delay := reservation.Delay(); delay > 0 {
				reservation.Cancel()
				retryAfter := int(delay/time.Second) + 1
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("X-RateLimit-Remaining", "0")
				respondError(w, r, http.StatusTooManyRequests, ErrCodeRateLimited, "too many sends, retry later")
				return
			}
			remaining := int(limiter.Tokens())
			if remaining < 0 {
				remaining = 0
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			next.ServeHTTP(w, r)
		})
	}
}
