// Package embedcache provides a process-wide, content-hash-keyed LRU
// cache for embedding vectors, backed by ristretto.
package embedcache

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/dgraph-io/ristretto/v2"
)

// Cache is a bounded LRU over embedding vectors keyed by content hash.
//
// ristretto serves the value reads: Get consults its sharded store
// first and only falls back to the exact map when ristretto's TinyLFU
// admission policy has rejected or dropped the entry (ristretto gives
// no admission guarantee, so the map keeps an authoritative copy).
// The mutex-guarded map+order pair also supplies the strict
// "evict the single oldest key" LRU semantics ristretto's approximate
// policy cannot: membership and eviction order are decided here, and
// ristretto is kept in sync on every insert, touch, and eviction.
type Cache struct {
	mu       sync.Mutex
	capacity int
	order    []string // most-recently-used at the end
	vectors  map[string][]float32

	store *ristretto.Cache[string, []float32]
}

// New creates a cache that holds at most capacity entries.
func New(capacity int) (*Cache, error) {
	if capacity <= 0 {
		capacity = 1000
	}
	store, err := ristretto.NewCache(&ristretto.Config[string, []float32]{
		NumCounters: int64(capacity) * 10,
		MaxCost:     int64(capacity),
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{
		capacity: capacity,
		vectors:  make(map[string][]float32, capacity),
		store:    store,
	}, nil
}

// HashContent returns the cache key for a piece of embedded text.
func HashContent(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached vector for key, promoting it to most-recently-used.
func (c *Cache) Get(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fallback, ok := c.vectors[key]
	if !ok {
		return nil, false
	}
	c.touch(key)

	if v, hit := c.store.Get(key); hit {
		return v, true
	}
	// ristretto declined or dropped the entry; re-seed it so later
	// reads hit the sharded store, and serve the exact copy.
	c.store.Set(key, fallback, 1)
	return fallback, true
}

// Put inserts or updates key's vector, evicting the least-recently-used
// entry if the cache is at capacity.
func (c *Cache) Put(key string, vector []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.vectors[key]; exists {
		c.vectors[key] = vector
		// Set is buffered; drop any admitted stale copy so a read
		// between the Del and the re-admit falls back to the exact copy.
		c.store.Del(key)
		c.store.Set(key, vector, 1)
		c.touch(key)
		return
	}

	if len(c.vectors) >= c.capacity {
		c.evictOldestLocked()
	}

	c.vectors[key] = vector
	c.store.Set(key, vector, 1)
	c.order = append(c.order, key)
}

// Len returns the number of entries currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.vectors)
}

// touch moves key to the end of the order slice (most-recently-used).
// Caller must hold c.mu.
func (c *Cache) touch(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.order = append(c.order, key)
}

// evictOldestLocked removes the least-recently-used entry. Caller must
// hold c.mu.
func (c *Cache) evictOldestLocked() {
	if len(c.order) == 0 {
		return
	}
	oldest := c.order[0]
	c.order = c.order[1:]
	delete(c.vectors, oldest)
	c.store.Del(oldest)
}
