// Package debounce suppresses duplicate scans of the same credential at the
// same gate within a short window. The cache is process-local and does not
// survive restarts; correctness only requires that each gate's traffic is
// dispatched by a single process.
package debounce

import (
	"fmt"
	"sync"
	"time"
)

// DefaultWindow is the suppression interval when none is configured.
const DefaultWindow = 20 * time.Second

// Cache remembers the last-seen time per (gate, credential value) pair.
// Check-and-set is atomic under the mutex, so two simultaneous scans of the
// same pair can never both pass.
type Cache struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
	now    func() time.Time
}

// New creates a cache with the given window; window <= 0 uses DefaultWindow.
func New(window time.Duration) *Cache {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Cache{
		window: window,
		seen:   make(map[string]time.Time),
		now:    time.Now,
	}
}

// ShouldProcess reports whether a scan is fresh. A fresh scan records the
// current time under its key; a duplicate inside the window is rejected
// without touching the recorded time. Stale entries are purged on each call.
func (c *Cache) ShouldProcess(gateID int64, credValue string) bool {
	key := fmt.Sprintf("%d:%s", gateID, credValue)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range c.seen {
		if now.Sub(v) > c.window {
			delete(c.seen, k)
		}
	}

	if last, ok := c.seen[key]; ok && now.Sub(last) < c.window {
		return false
	}
	c.seen[key] = now
	return true
}

// Len reports the live entry count, for tests and metrics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
