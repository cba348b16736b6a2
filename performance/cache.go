// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package performance

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"
)

const (
	defaultMaxEntries = 1000
	defaultMaxBytes   = 64 << 20
	defaultTTL        = 5 * time.Minute
)

// cacheItem is one LRU element; the list front is the eviction head (least
// recently used).
type cacheItem struct {
	key       string
	value     interface{}
	size      int64
	expiresAt time.Time
}

// CacheStats is a point-in-time snapshot of cache effectiveness.
type CacheStats struct {
	Entries   int     `json:"entries"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
	BytesUsed int64   `json:"bytes_used"`
}

// QueryCache is an LRU cache with per-entry TTL and a total byte cap.
type QueryCache struct {
	mu         sync.Mutex
	order      *list.List
	items      map[string]*list.Element
	maxEntries int
	maxBytes   int64
	bytesUsed  int64
	defaultTTL time.Duration
	hits       int64
	misses     int64
	evictions  int64
	now        func() time.Time
}

// CacheOption customizes a QueryCache.
type CacheOption func(*QueryCache)

// WithCacheMaxEntries caps the entry count.
func WithCacheMaxEntries(n int) CacheOption {
	return func(c *QueryCache) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// WithCacheMaxBytes caps the estimated memory footprint.
func WithCacheMaxBytes(n int64) CacheOption {
	return func(c *QueryCache) {
		if n > 0 {
			c.maxBytes = n
		}
	}
}

// WithCacheTTL sets the default entry lifetime.
func WithCacheTTL(ttl time.Duration) CacheOption {
	return func(c *QueryCache) {
		if ttl > 0 {
			c.defaultTTL = ttl
		}
	}
}

// WithCacheClock substitutes the time source for tests.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *QueryCache) {
		c.now = now
	}
}

// NewQueryCache returns an empty cache.
func NewQueryCache(opts ...CacheOption) *QueryCache {
	c := &QueryCache{
		order:      list.New(),
		items:      make(map[string]*list.Element),
		maxEntries: defaultMaxEntries,
		maxBytes:   defaultMaxBytes,
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CacheKey derives the cache key for a query under a given request context:
// SHA-256 over the SQL and the canonical JSON of the context.
func CacheKey(sql string, context interface{}) string {
	ctxJSON, err := json.Marshal(context)
	if err != nil {
		ctxJSON = nil
	}
	sum := sha256.Sum256(append([]byte(sql), ctxJSON...))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached value for key, if present and unexpired.
func (c *QueryCache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	item := el.Value.(*cacheItem)
	if c.now().After(item.expiresAt) {
		c.removeElement(el)
		c.misses++
		return nil, false
	}

	c.order.MoveToBack(el)
	c.hits++
	return item.value, true
}

// Set stores value under key with the given ttl (0 means the default).
func (c *QueryCache) Set(key string, value interface{}, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	size := estimateSize(value)
	if el, ok := c.items[key]; ok {
		item := el.Value.(*cacheItem)
		c.bytesUsed += size - item.size
		item.value = value
		item.size = size
		item.expiresAt = c.now().Add(ttl)
		c.order.MoveToBack(el)
	} else {
		item := &cacheItem{key: key, value: value, size: size, expiresAt: c.now().Add(ttl)}
		c.items[key] = c.order.PushBack(item)
		c.bytesUsed += size
	}

	c.evictExpired()
	for len(c.items) > c.maxEntries {
		c.evictHead()
	}
	for c.bytesUsed > c.maxBytes && c.order.Len() > 0 {
		c.evictHead()
	}
}

// GetOrCompute returns the cached value or computes, stores, and returns it.
func (c *QueryCache) GetOrCompute(key string, compute func() (interface{}, error), ttl time.Duration) (interface{}, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := compute()
	if err != nil {
		return nil, err
	}
	c.Set(key, v, ttl)
	return v, nil
}

// Invalidate drops one key.
func (c *QueryCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

// InvalidateAll drops every entry.
func (c *QueryCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.items = make(map[string]*list.Element)
	c.bytesUsed = 0
}

// Stats returns a snapshot of cache effectiveness.
func (c *QueryCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}
	return CacheStats{
		Entries:   len(c.items),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		HitRate:   hitRate,
		BytesUsed: c.bytesUsed,
	}
}

func (c *QueryCache) evictExpired() {
	now := c.now()
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if now.After(el.Value.(*cacheItem).expiresAt) {
			c.removeElement(el)
			c.evictions++
		}
		el = next
	}
}

func (c *QueryCache) evictHead() {
	if el := c.order.Front(); el != nil {
		c.removeElement(el)
		c.evictions++
	}
}

func (c *QueryCache) removeElement(el *list.Element) {
	item := el.Value.(*cacheItem)
	c.order.Remove(el)
	delete(c.items, item.key)
	c.bytesUsed -= item.size
}

// estimateSize approximates an entry's memory footprint via its JSON length.
func estimateSize(v interface{}) int64 {
	data, err := json.Marshal(v)
	if err != nil {
		return 64
	}
	return int64(len(data))
}
