package web

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Default cleanup intervals.
const (
	cleanupInterval = 1 * time.Minute
	visitorTimeout  = 3 * time.Minute
)

// visitor tracks a single caller (IP) and their token bucket state.
type visitor struct {
	// mu protects the individual visitor's state (tokens, lastRefill).
	// This allows concurrent updates to different visitors without contention.
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// RateLimiter throttles the negotiate route per caller IP using a Token
// Bucket algorithm. Negotiation is the only unauthenticated-ish surface of
// the hub, so it is the one worth protecting from hammering.
type RateLimiter struct {
	// visitors maps IP addresses to their bucket state.
	visitors map[string]*visitor
	// mu protects the global map (adding/removing visitors).
	mu sync.RWMutex

	// rate is the number of tokens added per second.
	rate float64
	// capacity is the max burst size.
	capacity float64
}

// NewRateLimiter creates a RateLimiter and starts the background cleanup.
func NewRateLimiter(rate, capacity float64) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate,
		capacity: capacity,
	}

	go rl.cleanupVisitors()

	return rl
}

// getVisitor retrieves or creates the bucket for the given IP.
func (rl *RateLimiter) getVisitor(ip string) *visitor {
	// 1. Fast Path: Read Lock
	rl.mu.RLock()
	v, exists := rl.visitors[ip]
	rl.mu.RUnlock()

	if exists {
		return v
	}

	// 2. Slow Path: Write Lock (create new visitor)
	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check after acquiring the write lock
	if v, exists = rl.visitors[ip]; !exists {
		v = &visitor{
			tokens:     rl.capacity, // Start full
			lastRefill: time.Now(),
		}
		rl.visitors[ip] = v
	}

	return v
}

// Allow checks if a request from ip may proceed (lazy-refill token bucket).
func (rl *RateLimiter) Allow(ip string) bool {
	v := rl.getVisitor(ip)

	// Lock only this specific visitor
	v.mu.Lock()
	defer v.mu.Unlock()

	now := time.Now()

	// 1. Refill tokens based on elapsed time
	elapsed := now.Sub(v.lastRefill).Seconds()
	tokensToAdd := elapsed * rl.rate

	if tokensToAdd > 0 {
		v.tokens += tokensToAdd
		if v.tokens > rl.capacity {
			v.tokens = rl.capacity
		}
		v.lastRefill = now
	}

	// 2. Consume token
	if v.tokens >= 1.0 {
		v.tokens--
		return true
	}

	return false
}

// cleanupVisitors removes inactive visitors to prevent memory leaks.
func (rl *RateLimiter) cleanupVisitors() {
	for {
		time.Sleep(cleanupInterval)

		rl.mu.Lock()
		for ip, v := range rl.visitors {
			v.mu.Lock()
			if time.Since(v.lastRefill) > visitorTimeout {
				delete(rl.visitors, ip)
			}
			v.mu.Unlock()
		}
		rl.mu.Unlock()
	}
}

// Middleware wraps an http.Handler to enforce the rate limit.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			ip = fwd
		} else if strings.Contains(ip, ":") {
			ip = strings.Split(ip, ":")[0]
		}

		if !rl.Allow(ip) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{"error": "Too Many Requests"})
			return
		}

		next.ServeHTTP(w, r)
	})
}
