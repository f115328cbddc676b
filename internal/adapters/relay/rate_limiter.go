package relay

import (
	"sync"
	"time"
)

// rateLimiter bounds how many frames one connection may relay within a
// sliding window. Keyed by connection, so a chatty client cannot starve
// the session.
type rateLimiter struct {
	mu       sync.Mutex
	history  map[*hubConn][]time.Time
	limit    int
	interval time.Duration
}

func newRateLimiter(limit int, interval time.Duration) *rateLimiter {
	return &rateLimiter{
		history:  make(map[*hubConn][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

func (rl *rateLimiter) allow(c *hubConn) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[c]
	fresh := make([]time.Time, 0, len(attempts))
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[c] = fresh
		return false
	}

	fresh = append(fresh, now)
	rl.history[c] = fresh
	return true
}

func (rl *rateLimiter) forget(c *hubConn) {
	rl.mu.Lock()
	delete(rl.history, c)
	rl.mu.Unlock()
}
