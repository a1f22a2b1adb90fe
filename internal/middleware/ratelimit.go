package middleware

import (
	"net/http"
	"sync"
	"time"
)

const (
	rateLimitWindow = time.Minute
	rateLimitMaxIP  = 300
)

type rateLimiter struct {
	mu     sync.Mutex
	times  map[string][]time.Time
	max    int
	window time.Duration
	now    func() time.Time
}

func newRateLimiter(max int, window time.Duration) *rateLimiter {
	return &rateLimiter{times: make(map[string][]time.Time), max: max, window: window, now: time.Now}
}

func (r *rateLimiter) allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	cutoff := now.Add(-r.window)
	slice := r.times[key]
	i := 0
	for _, t := range slice {
		if t.After(cutoff) {
			slice[i] = t
			i++
		}
	}
	slice = slice[:i]
	if len(slice) >= r.max {
		r.times[key] = slice
		return false
	}
	r.times[key] = append(slice, now)
	return true
}

// RateLimit answers 429 once a client IP exceeds max requests per minute.
// max <= 0 uses the default of 300. The IP is resolved by peers.
func RateLimit(max int, peers *Peers) func(http.Handler) http.Handler {
	if max <= 0 {
		max = rateLimitMaxIP
	}
	rl := newRateLimiter(max, rateLimitWindow)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.allow(peers.ClientIP(r)) {
				http.Error(w, "too many requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
