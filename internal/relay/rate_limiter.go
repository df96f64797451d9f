package relay

import (
	"sync"
	"time"
)

// RateLimiter is a per-identity sliding window.
type RateLimiter struct {
	mu       sync.Mutex
	history  map[string][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

func NewRateLimiter(limit int, interval time.Duration) *RateLimiter {
	return &RateLimiter{
		history:  make(map[string][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

// Allow records an attempt for identity and reports whether it fits the window.
func (rl *RateLimiter) Allow(identity string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[identity]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[identity] = fresh
		return false
	}

	rl.history[identity] = append(fresh, now)
	return true
}

// Forget drops an identity's history, e.g. once it disconnects.
func (rl *RateLimiter) Forget(identity string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.history, identity)
}
