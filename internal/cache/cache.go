package cache

import (
	"sort"
	"sync"

	"github.com/23skdu/longbow-quiver/internal/codec"
)

// ArrayCache stores quantized arrays by key. Cached values are immutable, so
// Get hands out the stored pointer.
type ArrayCache interface {
	// Get retrieves an array from the cache.
	Get(key string) (*codec.ScaledArray, bool)
	// Put stores an array in the cache, replacing any previous value.
	Put(key string, sa *codec.ScaledArray)
	// Delete removes key.
	Delete(key string)
	// Clear drops every entry.
	Clear()
	// Size returns the number of items in the cache.
	Size() int
	// Keys returns the stored keys in sorted order.
	Keys() []string
}

// ensure interface compliance
var _ ArrayCache = (*MapCache)(nil)

// MapCache is a simple in-memory implementation of ArrayCache.
type MapCache struct {
	data map[string]*codec.ScaledArray
	mu   sync.RWMutex
}

func NewMapCache() *MapCache {
	return &MapCache{
		data: make(map[string]*codec.ScaledArray),
	}
}

func (c *MapCache) Get(key string) (*codec.ScaledArray, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sa, ok := c.data[key]
	if ok {
		hits.Inc()
	} else {
		misses.Inc()
	}
	return sa, ok
}

func (c *MapCache) Put(key string, sa *codec.ScaledArray) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = sa
	entries.Set(float64(len(c.data)))
}

func (c *MapCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	entries.Set(float64(len(c.data)))
}

func (c *MapCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.data)
	entries.Set(0)
}

func (c *MapCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Keys returns the stored keys in sorted order.
func (c *MapCache) Keys() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.data))
	for k := range c.data {
		out = append(out, k)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}
