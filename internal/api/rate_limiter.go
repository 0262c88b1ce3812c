package api

import (
	"net"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// maxTrackedClients bounds the limiter map; when exceeded it starts over
const maxTrackedClients = 10000

// RateLimiter keeps a token bucket per client
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex

	limit     rate.Limit
	burstSize int
}

// NewRateLimiter creates a rate limiter allowing rps requests per second per
// client. rps <= 0 disables limiting.
func NewRateLimiter(rps, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	return &RateLimiter{
		limiters:  make(map[string]*rate.Limiter),
		limit:     limit,
		burstSize: burst,
	}
}

// getLimiter returns the limiter for a client key
func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[key]
	rl.mu.RUnlock()

	if exists {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check in case another goroutine created it
	if limiter, exists := rl.limiters[key]; exists {
		return limiter
	}
	if len(rl.limiters) >= maxTrackedClients {
		rl.limiters = make(map[string]*rate.Limiter)
	}

	limiter = rate.NewLimiter(rl.limit, rl.burstSize)
	rl.limiters[key] = limiter
	return limiter
}

// Allow reports whether the client may make a request now
func (rl *RateLimiter) Allow(key string) bool {
	return rl.getLimiter(key).Allow()
}

// clientKey identifies the caller by the first X-Forwarded-For hop or the
// remote IP
func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first := strings.TrimSpace(strings.Split(fwd, ",")[0]); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimitMiddleware creates a middleware that enforces rate limiting
func RateLimitMiddleware(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.Allow(clientKey(r)) {
				respondError(w, http.StatusTooManyRequests, ErrCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", map[string]interface{}{
					"limit": float64(rl.limit),
					"burst": rl.burstSize,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
