package api

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/amarcoder01/customsp/internal/config"
)

// RateLimiter applies a global bucket and one bucket per client IP. Both
// limits are expressed in requests per minute with a full-minute burst.
type RateLimiter struct {
	perMinute   int
	global      *rate.Limiter
	mu          sync.Mutex
	clients     map[string]*clientLimit
	lastCleanup time.Time
	cleanupTick time.Duration
	idleTTL     time.Duration
	resolver    *ClientIPResolver
}

type clientLimit struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(cfg *config.Config) *RateLimiter {
	return &RateLimiter{
		perMinute:   cfg.RateLimitPerIP,
		global:      rate.NewLimiter(perMinute(cfg.GlobalRateLimit), cfg.GlobalRateLimit),
		clients:     make(map[string]*clientLimit),
		lastCleanup: time.Now(),
		cleanupTick: 5 * time.Minute,
		idleTTL:     10 * time.Minute,
		resolver:    NewClientIPResolver(cfg),
	}
}

func perMinute(n int) rate.Limit {
	return rate.Limit(float64(n) / 60)
}

// SetCleanupPolicy overrides cleanup interval and TTL (mainly for tests).
func (rl *RateLimiter) SetCleanupPolicy(interval, ttl time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.cleanupTick = interval
	rl.idleTTL = ttl
	rl.lastCleanup = time.Now()
}

func (rl *RateLimiter) Allow(ip string) bool {
	return rl.allowAt(ip, time.Now())
}

func (rl *RateLimiter) allowAt(ip string, now time.Time) bool {
	rl.mu.Lock()
	if rl.cleanupTick > 0 && now.Sub(rl.lastCleanup) >= rl.cleanupTick {
		for key, c := range rl.clients {
			if now.Sub(c.lastSeen) >= rl.idleTTL {
				delete(rl.clients, key)
			}
		}
		rl.lastCleanup = now
	}
	c, ok := rl.clients[ip]
	if !ok {
		c = &clientLimit{limiter: rate.NewLimiter(perMinute(rl.perMinute), rl.perMinute)}
		rl.clients[ip] = c
	}
	c.lastSeen = now
	rl.mu.Unlock()

	// Check the client bucket first so one noisy IP cannot drain the global one.
	if !c.limiter.AllowN(now, 1) {
		return false
	}
	return rl.global.AllowN(now, 1)
}

func (rl *RateLimiter) ClientIP(r *http.Request) string {
	return rl.resolver.FromRequest(r)
}

func (rl *RateLimiter) trackedClients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// skipRateLimitPaths are high-frequency measurement endpoints.
var skipRateLimitPaths = map[string]bool{
	"/api/v1/download": true,
	"/api/v1/upload":   true,
	"/api/v1/ping":     true,
}

func applyRateLimit(limiter *RateLimiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if skipRateLimitPaths[r.URL.Path] {
			next(w, r)
			return
		}
		if !limiter.Allow(limiter.ClientIP(r)) {
			w.Header().Set("Retry-After", "60")
			respondJSON(w, map[string]string{"error": "rate limit exceeded"}, http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}
