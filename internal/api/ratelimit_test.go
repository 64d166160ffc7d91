package api

import (
	"testing"
	"time"

	"github.com/amarcoder01/customsp/internal/config"
)

func TestRateLimiterPerIPBurstAndRefill(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimitPerIP = 2
	cfg.GlobalRateLimit = 1000
	rl := NewRateLimiter(cfg)

	now := time.Now()
	if !rl.allowAt("a", now) || !rl.allowAt("a", now) {
		t.Fatalf("expected burst of 2 to be allowed")
	}
	if rl.allowAt("a", now) {
		t.Fatalf("expected third request to be limited")
	}
	if !rl.allowAt("b", now) {
		t.Fatalf("other clients must not share a bucket")
	}
	// 2 per minute refills one token every 30s.
	if !rl.allowAt("a", now.Add(31*time.Second)) {
		t.Fatalf("expected refill after 30s")
	}
}

func TestRateLimiterGlobalLimit(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimitPerIP = 100
	cfg.GlobalRateLimit = 3
	rl := NewRateLimiter(cfg)

	now := time.Now()
	for _, ip := range []string{"a", "b", "c"} {
		if !rl.allowAt(ip, now) {
			t.Fatalf("request from %s should pass", ip)
		}
	}
	if rl.allowAt("d", now) {
		t.Fatalf("expected global limit to reject fourth request")
	}
}

func TestRateLimiterCleanupDropsIdleClients(t *testing.T) {
	cfg := config.DefaultConfig()
	rl := NewRateLimiter(cfg)
	rl.SetCleanupPolicy(time.Minute, time.Minute)

	now := time.Now()
	rl.allowAt("a", now)
	rl.allowAt("b", now.Add(2*time.Minute))

	if got := rl.trackedClients(); got != 1 {
		t.Fatalf("tracked clients = %d, want 1", got)
	}
}
