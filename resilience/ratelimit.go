package resilience

import (
	"sync"
	"time"
)

// RateLimiter enforces a per-user sliding window: at most max events per
// window. Idle users are swept lazily on access.
type RateLimiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	seen   map[string][]time.Time
	now    func() time.Time
}

// NewRateLimiter builds a limiter (defaults: 30 events per minute).
func NewRateLimiter(max int, window time.Duration) *RateLimiter {
	if max <= 0 {
		max = 30
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		max:    max,
		window: window,
		seen:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Allow records one event for userID and reports whether it fits the
// window.
func (rl *RateLimiter) Allow(userID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	recent := rl.prune(userID, now)
	if len(recent) >= rl.max {
		return false
	}
	rl.seen[userID] = append(recent, now)
	return true
}

// RetryAfter reports how long until userID's oldest event leaves the
// window. Zero when the user is under the limit.
func (rl *RateLimiter) RetryAfter(userID string) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	recent := rl.prune(userID, now)
	if len(recent) < rl.max {
		return 0
	}
	return recent[0].Add(rl.window).Sub(now)
}

// prune drops events older than the window. Caller holds the lock.
func (rl *RateLimiter) prune(userID string, now time.Time) []time.Time {
	recent := rl.seen[userID]
	cutoff := now.Add(-rl.window)
	i := 0
	for i < len(recent) && !recent[i].After(cutoff) {
		i++
	}
	recent = recent[i:]
	if len(recent) == 0 {
		delete(rl.seen, userID)
	} else {
		rl.seen[userID] = recent
	}
	return recent
}
