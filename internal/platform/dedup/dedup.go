// Package dedup provides a fast lookaside cache of webhook dedup keys. The
// webhook_event store remains authoritative; this cache only short-circuits
// the common case of a vendor redelivering an event seconds after the first
// copy. Implementations must be safe for concurrent use.
package dedup

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL covers the vendor's redelivery window with margin. Keys older
// than this fall through to the authoritative store lookup.
const DefaultTTL = 24 * time.Hour

// Cache records dedup keys that have reached a terminal processing status.
type Cache interface {
	// Seen reports whether the key is present in the cache.
	Seen(ctx context.Context, key string) (bool, error)
	// Mark records the key.
	Mark(ctx context.Context, key string) error
}

// MemoryCache is a TTL-based in-memory Cache with background cleanup.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]time.Time // key -> expiry
	ttl     time.Duration
	nowFunc func() time.Time // for testing; defaults to time.Now
	stop    chan struct{}
}

// NewMemoryCache creates a MemoryCache with the given TTL. A background
// goroutine evicts expired keys every hour. If ttl is zero or negative,
// DefaultTTL is used.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &MemoryCache{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		nowFunc: time.Now,
		stop:    make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

func (c *MemoryCache) cleanupLoop() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.evictExpired()
		case <-c.stop:
			return
		}
	}
}

// Stop terminates the background cleanup goroutine.
func (c *MemoryCache) Stop() {
	close(c.stop)
}

func (c *MemoryCache) evictExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.nowFunc()
	for key, expiry := range c.entries {
		if now.After(expiry) {
			delete(c.entries, key)
		}
	}
}

func (c *MemoryCache) Seen(_ context.Context, key string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	expiry, ok := c.entries[key]
	if !ok {
		return false, nil
	}
	return !c.nowFunc().After(expiry), nil
}

func (c *MemoryCache) Mark(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = c.nowFunc().Add(c.ttl)
	return nil
}
