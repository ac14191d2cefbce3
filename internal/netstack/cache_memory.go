package netstack

import (
	"errors"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// maxMemoryEntries caps the entry count independently of the byte budget so
// a flood of tiny responses cannot grow the index without bound.
const maxMemoryEntries = 1 << 16

// MemoryCache is an in-memory ResponseCache bounded by total bytes, evicting
// least recently used entries first.
type MemoryCache struct {
	mu       sync.Mutex
	entries  *lru.Cache[string, *CachedResponse]
	maxBytes int64
	curBytes int64
}

// NewMemoryCache creates an in-memory cache holding at most maxBytes.
func NewMemoryCache(maxBytes int64) (*MemoryCache, error) {
	if maxBytes <= 0 {
		return nil, errors.New("memory cache size must be positive")
	}

	c := &MemoryCache{maxBytes: maxBytes}
	entries, err := lru.NewWithEvict(maxMemoryEntries, func(_ string, v *CachedResponse) {
		c.curBytes -= v.Size()
	})
	if err != nil {
		return nil, err
	}
	c.entries = entries
	return c, nil
}

// Get returns the entry for key and marks it as recently used.
func (c *MemoryCache) Get(key string) (*CachedResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Get(key)
}

// Put stores resp, evicting older entries until the byte budget is met.
// Entries larger than the whole budget are silently skipped.
func (c *MemoryCache) Put(key string, resp *CachedResponse) error {
	size := resp.Size()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries.Remove(key)
	if size > c.maxBytes {
		return nil
	}

	c.entries.Add(key, resp)
	c.curBytes += size
	for c.curBytes > c.maxBytes {
		if _, _, ok := c.entries.RemoveOldest(); !ok {
			break
		}
	}
	return nil
}

// Delete removes key if present.
func (c *MemoryCache) Delete(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(key)
	return nil
}

func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

func (c *MemoryCache) MaxBytes() int64 { return c.maxBytes }

// Bytes returns the current accounted size of all entries.
func (c *MemoryCache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.curBytes
}
