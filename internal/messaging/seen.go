// ABOUTME: TTL'd claim-once cache of observed message ids.
// ABOUTME: Shields the correlator and broadcaster from at-least-once change-feed duplicates.

package messaging

import (
	"sync"
	"time"
)

// SeenCache remembers message ids for a bounded window so duplicate change
// events are processed at most once per process. Entries expire after the
// TTL; the cache is also size-capped to bound memory on busy streams.
type SeenCache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// NewSeenCache creates a cache and starts its background sweeper.
func NewSeenCache(ttl time.Duration, maxSize int) *SeenCache {
	c := &SeenCache{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// FirstSight atomically records the id and reports whether this is the first
// time it has been seen within the TTL window. Exactly one caller per id
// observes true.
func (c *SeenCache) FirstSight(id string) bool {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if at, ok := c.entries[id]; ok && now.Sub(at) < c.ttl {
		return false
	}
	if len(c.entries) >= c.maxSize {
		c.evictLocked(now)
	}
	c.entries[id] = now
	return true
}

// evictLocked frees room: expired entries first, then the oldest survivor.
func (c *SeenCache) evictLocked(now time.Time) {
	var oldestKey string
	var oldestAt time.Time
	for id, at := range c.entries {
		if now.Sub(at) >= c.ttl {
			delete(c.entries, id)
			continue
		}
		if oldestKey == "" || at.Before(oldestAt) {
			oldestKey, oldestAt = id, at
		}
	}
	if len(c.entries) >= c.maxSize && oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

func (c *SeenCache) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for id, at := range c.entries {
				if now.Sub(at) >= c.ttl {
					delete(c.entries, id)
				}
			}
			c.mu.Unlock()
		case <-c.done:
			return
		}
	}
}

// Close stops the sweeper. Safe to call more than once.
func (c *SeenCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
