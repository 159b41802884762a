package imagepipeline

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// DefaultImageCacheTTL is the age past which a cached base64 rendering is
// treated as a miss even though it is still resident in the LRU.
const DefaultImageCacheTTL = time.Hour

type cacheEntry struct {
	markdown   string
	insertedAt time.Time
}

// ImageBase64Cache is a TTL-bounded LRU keyed by
// upstream image URL, holding the rendered base64 markdown so the base64
// return mode does not redownload an image it has already converted.
type ImageBase64Cache struct {
	mu  sync.Mutex
	lru *lru.Cache
	ttl time.Duration
}

// NewImageBase64Cache builds a cache bounded to maxEntries, evicting the
// least recently used entry once full (hashicorp/golang-lru's standard LRU
// policy; Get refreshes an entry's recency).
func NewImageBase64Cache(maxEntries int, ttl time.Duration) (*ImageBase64Cache, error) {
	if maxEntries <= 0 {
		maxEntries = 500
	}
	if ttl <= 0 {
		ttl = DefaultImageCacheTTL
	}

	c, err := lru.New(maxEntries)
	if err != nil {
		return nil, err
	}
	return &ImageBase64Cache{lru: c, ttl: ttl}, nil
}

// Get returns the cached markdown for url if present and not yet expired.
func (c *ImageBase64Cache) Get(url string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, ok := c.lru.Get(url)
	if !ok {
		return "", false
	}

	entry := raw.(cacheEntry)
	if time.Since(entry.insertedAt) > c.ttl {
		c.lru.Remove(url)
		return "", false
	}
	return entry.markdown, true
}

// Put inserts or refreshes the cached markdown for url.
func (c *ImageBase64Cache) Put(url, markdown string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Add(url, cacheEntry{markdown: markdown, insertedAt: time.Now()})
}

// TrimTo evicts the oldest entries until at most keep remain, used by
// housekeeping's memory-pressure response.
func (c *ImageBase64Cache) TrimTo(keep int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for c.lru.Len() > keep {
		c.lru.RemoveOldest()
		removed++
	}
	return removed
}

// Len reports the number of resident entries.
func (c *ImageBase64Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
