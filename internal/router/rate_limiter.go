package router

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter hands out one token bucket per connection.
// ARCHITECTURAL DISCOVERY: Buckets are dropped on disconnect through Forget,
// so state never outlives the connection it throttles.
type RateLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	clients map[string]*rate.Limiter
}

// NewRateLimiter allows perSecond events with bursts of burst per
// connection. A non-positive perSecond disables limiting.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limit:   limit,
		burst:   burst,
		clients: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether connID may send another event now.
func (rl *RateLimiter) Allow(connID string) bool {
	if rl.limit == rate.Inf {
		return true
	}

	rl.mu.Lock()
	limiter, ok := rl.clients[connID]
	if !ok {
		limiter = rate.NewLimiter(rl.limit, rl.burst)
		rl.clients[connID] = limiter
	}
	rl.mu.Unlock()

	return limiter.Allow()
}

// Forget drops the bucket for connID.
func (rl *RateLimiter) Forget(connID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.clients, connID)
}

// Len returns the number of tracked connections.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}
