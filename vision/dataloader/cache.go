package dataloader

import (
	"container/list"
	"sync"

	"github.com/tetralith/advpatch/tensor"
)

// Cache is an LRU cache of decoded host images keyed by path. Cached
// tensors are shared between epochs, so callers must treat them as
// read-only; compositing never writes to a host image in place.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*tensor.Tensor
	lru     *list.List
	lruMap  map[string]*list.Element
	maxSize int

	hits   int64
	misses int64
}

// CacheStats reports cache usage counters.
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

// NewCache creates a cache holding at most maxSize decoded images.
func NewCache(maxSize int) *Cache {
	return &Cache{
		entries: make(map[string]*tensor.Tensor),
		lru:     list.New(),
		lruMap:  make(map[string]*list.Element),
		maxSize: maxSize,
	}
}

// Get retrieves a decoded image from the cache.
func (c *Cache) Get(path string) (*tensor.Tensor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, exists := c.entries[path]; exists {
		if elem, ok := c.lruMap[path]; ok {
			c.lru.MoveToFront(elem)
		}
		c.hits++
		return t, true
	}

	c.misses++
	return nil, false
}

// Put adds a decoded image to the cache, evicting the least recently
// used entries when the cache is full.
func (c *Cache) Put(path string, t *tensor.Tensor) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[path]; exists {
		if elem, ok := c.lruMap[path]; ok {
			c.lru.MoveToFront(elem)
		}
		return
	}

	elem := c.lru.PushFront(path)
	c.lruMap[path] = elem
	c.entries[path] = t

	for len(c.entries) > c.maxSize && c.lru.Len() > 0 {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		key := oldest.Value.(string)
		c.lru.Remove(oldest)
		delete(c.lruMap, key)
		delete(c.entries, key)
	}
}

// Len returns the number of cached images.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns cache usage counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}
	return CacheStats{
		Size:    len(c.entries),
		MaxSize: c.maxSize,
		Hits:    c.hits,
		Misses:  c.misses,
		HitRate: hitRate,
	}
}
