package manifest

import (
	"sync"
	"time"

	"github.com/agentauth/agentauth-go/internal/model"
)

// Cache holds verified manifests per DID for a bounded time, so resource
// servers can inspect the manifest behind a live token without re-running
// verification.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	done    chan struct{}
	once    sync.Once
}

type cacheEntry struct {
	manifest  *model.Manifest
	expiresAt time.Time
}

// NewCache builds a Cache with a background reclaim loop on the given
// interval (60s when zero).
func NewCache(reclaimInterval time.Duration) *Cache {
	if reclaimInterval <= 0 {
		reclaimInterval = time.Minute
	}
	c := &Cache{
		entries: make(map[string]cacheEntry),
		done:    make(chan struct{}),
	}
	go c.reclaimLoop(reclaimInterval)
	return c
}

// Put stores a verified manifest under its DID for ttl.
func (c *Cache) Put(didStr string, m *model.Manifest, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[didStr] = cacheEntry{manifest: m, expiresAt: time.Now().Add(ttl)}
}

// Get returns the cached manifest for a DID, or nil when absent or expired.
func (c *Cache) Get(didStr string) *model.Manifest {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[didStr]
	if !ok || time.Now().After(e.expiresAt) {
		return nil
	}
	return e.manifest
}

// Cleanup drops expired entries and returns how many were removed.
func (c *Cache) Cleanup() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Dispose stops the reclaim loop and clears all entries.
func (c *Cache) Dispose() {
	c.once.Do(func() { close(c.done) })
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}

func (c *Cache) reclaimLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Cleanup()
		case <-c.done:
			return
		}
	}
}
