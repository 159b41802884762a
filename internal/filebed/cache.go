package filebed

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// DefaultURLCacheTTL is the age past which a cached upload URL is treated as
// a miss even though it is still resident in the LRU.
const DefaultURLCacheTTL = 5 * time.Minute

type urlEntry struct {
	url        string
	insertedAt time.Time
}

// URLCache is an LRU+TTL cache keyed by the SHA-256 of an uploaded payload,
// letting the translator skip re-uploading an image it has already sent.
type URLCache struct {
	mu  sync.Mutex
	lru *lru.Cache
	ttl time.Duration
}

// NewURLCache builds a cache bounded to maxEntries with the given TTL.
func NewURLCache(maxEntries int, ttl time.Duration) (*URLCache, error) {
	if maxEntries <= 0 {
		maxEntries = 500
	}
	if ttl <= 0 {
		ttl = DefaultURLCacheTTL
	}

	c, err := lru.New(maxEntries)
	if err != nil {
		return nil, err
	}
	return &URLCache{lru: c, ttl: ttl}, nil
}

// Get returns the cached URL for sha256Hex if present and not yet expired.
func (c *URLCache) Get(sha256Hex string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, ok := c.lru.Get(sha256Hex)
	if !ok {
		return "", false
	}

	entry := raw.(urlEntry)
	if time.Since(entry.insertedAt) > c.ttl {
		c.lru.Remove(sha256Hex)
		return "", false
	}
	return entry.url, true
}

// Put inserts or refreshes the cached URL for sha256Hex.
func (c *URLCache) Put(sha256Hex, url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(sha256Hex, urlEntry{url: url, insertedAt: time.Now()})
}

// Sweep drops entries older than the cache's TTL, used by housekeeping.
func (c *URLCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, key := range c.lru.Keys() {
		raw, ok := c.lru.Peek(key)
		if !ok {
			continue
		}
		if time.Since(raw.(urlEntry).insertedAt) > c.ttl {
			c.lru.Remove(key)
			removed++
		}
	}
	return removed
}

// Len reports the number of resident entries.
func (c *URLCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
