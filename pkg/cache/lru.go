// Package cache provides an in-memory LRU cache with TTL. The bitemporal engine
// uses it to keep the version sets of snapshots, which never change once
// written.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// entry holds a cached value with its expiration time.
type entry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
}

// Cache is a thread-safe in-memory cache with TTL and max-size eviction.
// When the cache reaches maxSize, the least recently used entry is evicted to
// make room for new entries. Expired entries are lazily evicted on Get.
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	items   map[K]*list.Element
	order   *list.List // front = most recently used
	maxSize int
	ttl     time.Duration
	now     func() time.Time

	hits   uint64
	misses uint64
}

// New creates a new cache with the given maximum size and TTL.
// maxSize must be >= 1; ttl must be > 0.
func New[K comparable, V any](maxSize int, ttl time.Duration) *Cache[K, V] {
	if maxSize < 1 {
		maxSize = 1
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Cache[K, V]{
		items:   make(map[K]*list.Element, maxSize),
		order:   list.New(),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// FromConfig builds a cache from cfg, or returns nil when caching is disabled.
// A nil *Cache is valid and behaves as an always-missing cache.
func FromConfig[K comparable, V any](cfg Config) *Cache[K, V] {
	if !cfg.Enabled {
		return nil
	}
	return New[K, V](cfg.MaxSize, cfg.TTL)
}

// Get retrieves a cached value by key. Returns the zero value and false if the
// key is missing or expired.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	var zero V
	if c == nil {
		return zero, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return zero, false
	}
	e := el.Value.(*entry[K, V])
	if c.now().After(e.expiresAt) {
		c.removeElement(el)
		c.misses++
		return zero, false
	}

	c.order.MoveToFront(el)
	c.hits++
	return e.value, true
}

// Set stores a value in the cache, evicting the least recently used entry if
// the cache is at capacity.
func (c *Cache[K, V]) Set(key K, value V) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(c.ttl)
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[K, V])
		e.value = value
		e.expiresAt = expiresAt
		c.order.MoveToFront(el)
		return
	}

	if c.order.Len() >= c.maxSize {
		if oldest := c.order.Back(); oldest != nil {
			c.removeElement(oldest)
		}
	}

	c.items[key] = c.order.PushFront(&entry[K, V]{key: key, value: value, expiresAt: expiresAt})
}

// Invalidate removes a specific key from the cache.
func (c *Cache[K, V]) Invalidate(key K) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

// InvalidateAll removes all entries from the cache.
func (c *Cache[K, V]) InvalidateAll() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[K]*list.Element, c.maxSize)
	c.order.Init()
}

// Size returns the number of entries currently in the cache (including
// potentially expired ones that haven't been lazily cleaned).
func (c *Cache[K, V]) Size() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns the hit and miss counters.
func (c *Cache[K, V]) Stats() (hits, misses uint64) {
	if c == nil {
		return 0, 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// removeElement must be called with c.mu held.
func (c *Cache[K, V]) removeElement(el *list.Element) {
	e := c.order.Remove(el).(*entry[K, V])
	delete(c.items, e.key)
}
