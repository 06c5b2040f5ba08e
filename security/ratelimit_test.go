package security

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRateLimiter(t *testing.T, cfg RateLimitConfig) (*RateLimiter, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	cfg.Clock = clock.Now
	rl := NewRateLimiterWithConfig(cfg, nil)
	t.Cleanup(rl.Stop)
	return rl, clock
}

func TestNewRateLimiter_Defaults(t *testing.T) {
	rl := NewRateLimiter(10, 20, nil)
	defer rl.Stop()

	if rl.cfg.MaxEntries != DefaultRateLimitMaxEntries {
		t.Errorf("MaxEntries = %d, want %d", rl.cfg.MaxEntries, DefaultRateLimitMaxEntries)
	}
	if rl.cfg.CleanupInterval != DefaultRateLimitCleanupInterval {
		t.Errorf("CleanupInterval = %v", rl.cfg.CleanupInterval)
	}
	if rl.logger == nil {
		t.Error("logger should not be nil")
	}
}

func TestRateLimiter_Allow(t *testing.T) {
	rl, clock := newTestRateLimiter(t, RateLimitConfig{RequestsPerSecond: 1, Burst: 3})

	for i := 0; i < 3; i++ {
		if !rl.Allow("10.0.0.1") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if rl.Allow("10.0.0.1") {
		t.Error("request beyond burst should be limited")
	}
	if !rl.Allow("10.0.0.2") {
		t.Error("other identifiers have their own bucket")
	}

	clock.Advance(time.Second)
	if !rl.Allow("10.0.0.1") {
		t.Error("a token should be refilled after one second")
	}
}

func TestRateLimiter_LRUEviction(t *testing.T) {
	rl, _ := newTestRateLimiter(t, RateLimitConfig{RequestsPerSecond: 1, Burst: 1, MaxEntries: 2})

	rl.Allow("a")
	rl.Allow("b")
	rl.Allow("a") // b is now least recently used
	rl.Allow("c")

	stats := rl.GetStats()
	if stats.CurrentEntries != 2 {
		t.Errorf("CurrentEntries = %d, want 2", stats.CurrentEntries)
	}
	if stats.TotalEvictions != 1 {
		t.Errorf("TotalEvictions = %d, want 1", stats.TotalEvictions)
	}
	if _, ok := rl.limiters["b"]; ok {
		t.Error("least recently used identifier should be evicted")
	}
	if stats.MemoryPressure != 100 {
		t.Errorf("MemoryPressure = %v, want 100", stats.MemoryPressure)
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl, clock := newTestRateLimiter(t, RateLimitConfig{RequestsPerSecond: 1, Burst: 1})

	rl.Allow("idle")
	clock.Advance(20 * time.Minute)
	rl.Allow("active")
	clock.Advance(15 * time.Minute)

	rl.Cleanup(30 * time.Minute)

	if _, ok := rl.limiters["idle"]; ok {
		t.Error("idle identifier should be removed")
	}
	if _, ok := rl.limiters["active"]; !ok {
		t.Error("recently used identifier should be kept")
	}
	if got := rl.GetStats().TotalCleanups; got != 1 {
		t.Errorf("TotalCleanups = %d, want 1", got)
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(1, 1, nil)
	rl.Stop()
	rl.Stop()
}

func TestRateLimiter_Concurrent(t *testing.T) {
	rl, _ := newTestRateLimiter(t, RateLimitConfig{RequestsPerSecond: 100, Burst: 100, MaxEntries: 50})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				rl.Allow(fmt.Sprintf("client-%d-%d", id, j%10))
			}
		}(i)
	}
	wg.Wait()

	if got := rl.GetStats().CurrentEntries; got > 50 {
		t.Errorf("CurrentEntries = %d, exceeds MaxEntries", got)
	}
}
