package broadcast

import (
	"log/slog"
	"sync"
	"time"
)

// RateLimiter caps deliveries per client over a rolling window. Each client keeps
// a log of its send times pruned to the window; there is no queue, so deliveries
// over the cap are dropped.
type RateLimiter struct {
	window      time.Duration
	clients     map[string]*clientState
	mu          sync.Mutex
	now         func() time.Time
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// clientState tracks deliveries for a single client.
type clientState struct {
	sent []time.Time // send times inside the window, oldest first
}

// prune drops send times older than window before now.
func (c *clientState) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(c.sent) && c.sent[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		c.sent = append(c.sent[:0], c.sent[i:]...)
	}
}

// NewRateLimiter creates a limiter with the given window, 60s when zero.
func NewRateLimiter(window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		window:      window,
		clients:     make(map[string]*clientState),
		now:         time.Now,
		stopCleanup: make(chan struct{}),
	}
}

// Allow consumes one delivery for clientID if fewer than limit were sent within
// the window ending now.
func (rl *RateLimiter) Allow(clientID string, limit int) bool {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	c, ok := rl.clients[clientID]
	if !ok {
		c = &clientState{}
		rl.clients[clientID] = c
	}
	c.prune(now, rl.window)
	if len(c.sent) >= limit {
		return false
	}
	c.sent = append(c.sent, now)
	return true
}

// Remaining returns how many deliveries clientID has left in its window.
func (rl *RateLimiter) Remaining(clientID string, limit int) int {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	c, ok := rl.clients[clientID]
	if !ok {
		return limit
	}
	c.prune(now, rl.window)
	return max(limit-len(c.sent), 0)
}

// Forget drops the client's state.
func (rl *RateLimiter) Forget(clientID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.clients, clientID)
}

// StartCleanup periodically removes expired client entries until Stop is called.
func (rl *RateLimiter) StartCleanup(period time.Duration) {
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				rl.cleanup()
			case <-rl.stopCleanup:
				return
			}
		}
	}()
}

// cleanup removes clients with no sends left in the window.
func (rl *RateLimiter) cleanup() int {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for id, c := range rl.clients {
		c.prune(now, rl.window)
		if len(c.sent) == 0 {
			delete(rl.clients, id)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("broadcast rate limiter cleanup", "removed", removed, "remaining", len(rl.clients))
	}
	return removed
}

// Stop stops the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}
