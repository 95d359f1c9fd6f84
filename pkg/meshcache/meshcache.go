// Package meshcache is a local in-memory caching layer with TTL-based
// eviction, used to avoid re-reading rarely-changing mesh metadata from the
// store on every aggregate query.
package meshcache

import (
	"time"

	"github.com/hashicorp/golang-lru/simplelru"
)

// Cache wraps an LRU with per-entry expiry.
type Cache struct {
	simplelru.LRUCache
	TTL time.Duration
}

type entry struct {
	data        interface{}
	lastUpdated time.Time
}

// New creates a caching layer bounded by the given LRU.
func New(lru simplelru.LRUCache, ttl time.Duration) *Cache {
	return &Cache{LRUCache: lru, TTL: ttl}
}

// Get returns a cached item, ignoring expired entries.
func (c *Cache) Get(key interface{}) (interface{}, bool) {
	v, ok := c.LRUCache.Get(key)
	if !ok {
		return nil, false
	}
	e := v.(*entry)
	if time.Since(e.lastUpdated) > c.TTL {
		c.LRUCache.Remove(key)
		return nil, false
	}
	return e.data, true
}

// Add stores an item with a fresh timestamp.
func (c *Cache) Add(key, value interface{}) bool {
	return c.LRUCache.Add(key, &entry{data: value, lastUpdated: time.Now()})
}
