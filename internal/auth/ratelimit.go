package auth

import (
	"sync"
	"time"
)

// limitTier is one fixed-window quota. Tiers are evaluated in increasing scope.
type limitTier struct {
	name   string
	limit  int
	window time.Duration
}

var defaultTiers = []limitTier{
	{name: "minute", limit: 1, window: time.Minute},
	{name: "short", limit: 3, window: 10 * time.Minute},
	{name: "daily", limit: 10, window: 24 * time.Hour},
}

type tierWindow struct {
	count    int
	resetsAt time.Time
}

// Decision is the outcome of a CheckAndRecord call. Tier and RetryAfter are
// set only on denial.
type Decision struct {
	Allowed    bool
	Tier       string
	RetryAfter time.Duration
}

// RetryAfterSeconds returns the denying window's remaining time rounded up.
func (d Decision) RetryAfterSeconds() int {
	return ceilSeconds(d.RetryAfter)
}

// RateLimiter is a process-local, multi-tier fixed-window throttle keyed by
// (client address, identifier). State lives in process memory only; loss on
// restart is accepted. The clock is injectable for deterministic tests.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string][]tierWindow
	tiers   []limitTier
	now     func() time.Time
	stop    chan struct{}
}

// NewRateLimiter creates a rate limiter with the default tiers and starts a
// background sweep that drops fully expired entries every minute. Pass nil to
// use the wall clock.
func NewRateLimiter(now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	rl := &RateLimiter{
		entries: make(map[string][]tierWindow),
		tiers:   defaultTiers,
		now:     now,
		stop:    make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

// Close stops the background sweep goroutine.
func (rl *RateLimiter) Close() {
	close(rl.stop)
}

// CheckAndRecord evaluates every tier before mutating any counter: if any
// tier denies, no quota is consumed anywhere. On allow, each tier's counter
// is incremented, or reset to 1 when its window has elapsed.
func (rl *RateLimiter) CheckAndRecord(clientAddr, identifier string) Decision {
	key := clientAddr + "|" + identifier

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windows, ok := rl.entries[key]
	if !ok {
		windows = make([]tierWindow, len(rl.tiers))
	}

	for i, tier := range rl.tiers {
		w := windows[i]
		if now.Before(w.resetsAt) && w.count >= tier.limit {
			return Decision{Tier: tier.name, RetryAfter: w.resetsAt.Sub(now)}
		}
	}

	for i, tier := range rl.tiers {
		if now.Before(windows[i].resetsAt) {
			windows[i].count++
		} else {
			windows[i] = tierWindow{count: 1, resetsAt: now.Add(tier.window)}
		}
	}
	rl.entries[key] = windows

	return Decision{Allowed: true}
}

func (rl *RateLimiter) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.sweep(rl.now())
		}
	}
}

// sweep is memory hygiene only; CheckAndRecord compares against the clock
// itself, so correctness never depends on it.
func (rl *RateLimiter) sweep(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for key, windows := range rl.entries {
		live := false
		for _, w := range windows {
			if now.Before(w.resetsAt) {
				live = true
				break
			}
		}
		if !live {
			delete(rl.entries, key)
		}
	}
}
