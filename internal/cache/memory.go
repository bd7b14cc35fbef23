package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// MemoryCache is the default process-local Cache: a mutex-guarded map with
// TTL expiry and a janitor goroutine. Concurrent computes for the same key
// are collapsed through singleflight.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	group   singleflight.Group
	logger  *zap.Logger
	done    chan struct{}
	closed  sync.Once
}

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// janitorInterval controls how often expired entries are swept.
const janitorInterval = time.Minute

// NewMemoryCache creates a MemoryCache and starts its janitor.
func NewMemoryCache(logger *zap.Logger) *MemoryCache {
	c := &MemoryCache{
		entries: make(map[string]memoryEntry),
		logger:  logger.With(zap.String("component", "cache")),
		done:    make(chan struct{}),
	}
	go c.janitor()
	return c
}

var _ Cache = (*MemoryCache)(nil)

func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || time.Now().After(entry.expiresAt) {
		return nil, ErrCacheMiss
	}
	return entry.data, nil
}

func (c *MemoryCache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc) ([]byte, error) {
	if data, err := c.Get(ctx, key); err == nil {
		return data, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check under singleflight: a concurrent caller may have
		// populated the entry while we waited.
		if data, err := c.Get(ctx, key); err == nil {
			return data, nil
		}
		data, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = memoryEntry{data: data, expiresAt: time.Now().Add(ttl)}
		c.mu.Unlock()
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (c *MemoryCache) Delete(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
	return nil
}

// Close stops the janitor. The cache stays usable afterwards; entries simply
// stop being swept.
func (c *MemoryCache) Close() error {
	c.closed.Do(func() { close(c.done) })
	return nil
}

// Len returns the number of live entries. Used by tests.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *MemoryCache) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			c.mu.Lock()
			for k, entry := range c.entries {
				if now.After(entry.expiresAt) {
					delete(c.entries, k)
				}
			}
			c.mu.Unlock()
		}
	}
}
