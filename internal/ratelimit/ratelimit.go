package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type RateLimit interface {
	Allow(addr string) bool
}

// KeyedLimiter hands out one token bucket per caller address. Each bucket
// holds maxRequests tokens and refills evenly over interval.
type KeyedLimiter struct {
	maxRequests int
	every       rate.Limit
	limiters    map[string]*rate.Limiter
	mutex       sync.Mutex
}

func New(maxRequests int, interval time.Duration) RateLimit {
	every := rate.Limit(0)
	if maxRequests > 0 && interval > 0 {
		every = rate.Every(interval / time.Duration(maxRequests))
	}
	return &KeyedLimiter{
		maxRequests: maxRequests,
		every:       every,
		limiters:    make(map[string]*rate.Limiter),
	}
}

func (kl *KeyedLimiter) Allow(addr string) bool {
	if kl.maxRequests <= 0 {
		return false
	}

	kl.mutex.Lock()
	limiter, ok := kl.limiters[addr]
	if !ok {
		limiter = rate.NewLimiter(kl.every, kl.maxRequests)
		kl.limiters[addr] = limiter
	}
	kl.mutex.Unlock()

	return limiter.Allow()
}

// Middleware rejects requests with 429 once the caller's bucket is empty.
func Middleware(rl RateLimit) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.Allow(clientAddr(r)) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "60")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "Too many requests"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
