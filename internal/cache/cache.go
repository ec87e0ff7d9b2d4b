package cache

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/ZanzyTHEbar/fraudscope/internal/monitoring"
	"github.com/ZanzyTHEbar/fraudscope/internal/types"
)

// CacheItem represents a cached batch with expiration
type CacheItem struct {
	Batch     types.PredictionBatch
	ExpiresAt time.Time
}

// IsExpired checks if the cache item has expired at the given instant
func (c *CacheItem) IsExpired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// DefaultMaxEntries bounds the cache when no limit is configured
const DefaultMaxEntries = 128

// BatchCache holds immutable batches keyed by owner and batch id.
// Batches never change after they are saved, so entries are never invalidated,
// only expired or evicted least-recently-used first once maxEntries is reached.
type BatchCache struct {
	mu         sync.Mutex
	items      *simplelru.LRU[string, *CacheItem]
	ttl        time.Duration
	maxEntries int
	evictions  int
	now        func() time.Time
	metrics    *monitoring.Metrics
	stop       chan struct{}
	once       sync.Once
}

// NewBatchCache creates a cache with the specified TTL holding at most
// maxEntries batches. A zero TTL disables caching; maxEntries below 1 means DefaultMaxEntries.
func NewBatchCache(ttl time.Duration, maxEntries int, metrics *monitoring.Metrics) *BatchCache {
	if maxEntries < 1 {
		maxEntries = DefaultMaxEntries
	}
	// only fails for a non-positive size
	items, _ := simplelru.NewLRU[string, *CacheItem](maxEntries, nil)

	cache := &BatchCache{
		items:      items,
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
		metrics:    metrics,
		stop:       make(chan struct{}),
	}

	if ttl > 0 {
		go cache.cleanup(cleanupInterval(ttl))
	}

	return cache
}

func cleanupInterval(ttl time.Duration) time.Duration {
	if ttl < 5*time.Minute {
		return ttl
	}
	return 5 * time.Minute
}

// cleanup removes expired items periodically
func (c *BatchCache) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if removed := c.purge(); removed > 0 {
				slog.Debug("Batch cache purged", "removed", removed)
			}
		}
	}
}

func (c *BatchCache) purge() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, key := range c.items.Keys() {
		if item, ok := c.items.Peek(key); ok && item.IsExpired(now) {
			c.items.Remove(key)
			removed++
		}
	}
	return removed
}

// key scopes entries by owner so a foreign owner can never hit another owner's batch
func key(ownerID, batchID string) string {
	return ownerID + "\x00" + batchID
}

// Get retrieves a batch from the cache
func (c *BatchCache) Get(ownerID, batchID string) (types.PredictionBatch, bool) {
	if c == nil || c.ttl <= 0 {
		return types.PredictionBatch{}, false
	}

	k := key(ownerID, batchID)
	now := c.now()

	c.mu.Lock()
	item, exists := c.items.Get(k)
	if exists && item.IsExpired(now) {
		c.items.Remove(k)
		exists = false
	}
	c.mu.Unlock()

	if !exists {
		c.metrics.RecordCacheLookup(false)
		return types.PredictionBatch{}, false
	}

	c.metrics.RecordCacheLookup(true)
	return item.Batch, true
}

// Set stores a batch in the cache, evicting the least recently used entry when full
func (c *BatchCache) Set(batch types.PredictionBatch) {
	if c == nil || c.ttl <= 0 {
		return
	}

	item := &CacheItem{
		Batch:     batch,
		ExpiresAt: c.now().Add(c.ttl),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.items.Add(key(batch.OwnerID, batch.ID), item) {
		c.evictions++
	}
}

// Clear removes all items from the cache
func (c *BatchCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items.Purge()
}

// Size returns the number of items in the cache
func (c *BatchCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.items.Len()
}

// Stats returns cache statistics
func (c *BatchCache) Stats() map[string]interface{} {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	totalItems := c.items.Len()
	expiredItems := 0

	for _, item := range c.items.Values() {
		if item.IsExpired(now) {
			expiredItems++
		}
	}

	return map[string]interface{}{
		"total_items":   totalItems,
		"expired_items": expiredItems,
		"active_items":  totalItems - expiredItems,
		"max_entries":   c.maxEntries,
		"evictions":     c.evictions,
		"ttl_seconds":   c.ttl.Seconds(),
	}
}

// Close stops the cleanup goroutine
func (c *BatchCache) Close() {
	c.once.Do(func() { close(c.stop) })
}
