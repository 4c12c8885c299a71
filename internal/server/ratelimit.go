package server

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/meshpay/routeguard/internal/domain"
)

// limiter is a fixed-window counter for a single caller.
type limiter struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
	rate        int
	window      time.Duration
}

func newLimiter(rate int, window time.Duration) *limiter {
	return &limiter{rate: rate, window: window, windowStart: time.Now()}
}

// allow reports whether the request fits in the current window, and how long
// until the window resets when it does not.
func (l *limiter) allow() (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if now.Sub(l.windowStart) > l.window {
		l.count = 0
		l.windowStart = now
	}
	l.count++
	if l.count <= l.rate {
		return true, 0
	}
	return false, l.window - now.Sub(l.windowStart)
}

// RateLimitMiddleware applies a per-remote fixed-window limit of
// requestsPerMinute. Limiters are kept per remote host; a zero or negative
// rate disables limiting.
func RateLimitMiddleware(requestsPerMinute int) func(http.Handler) http.Handler {
	var mu sync.Mutex
	limiters := make(map[string]*limiter)

	return func(next http.Handler) http.Handler {
		if requestsPerMinute <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}

			mu.Lock()
			lim, ok := limiters[host]
			if !ok {
				lim = newLimiter(requestsPerMinute, time.Minute)
				limiters[host] = lim
			}
			mu.Unlock()

			if ok, wait := lim.allow(); !ok {
				retryAfter := int(wait/time.Second) + 1
				writeError(w, r, domain.ErrRateLimited(retryAfter))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
