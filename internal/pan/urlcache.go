package pan

import (
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

type urlEntry struct {
	url      string
	expireAt time.Time
}

// URLCache holds signed download URLs for their short validity window.
// It is shared between the redirect endpoint and the heartbeat probes.
type URLCache struct {
	entries *xsync.MapOf[string, urlEntry]
	now     func() time.Time
}

// NewURLCache creates an empty cache.
func NewURLCache() *URLCache {
	return &URLCache{
		entries: xsync.NewMapOf[string, urlEntry](),
		now:     time.Now,
	}
}

// Get returns the cached URL for key if it has not expired.
func (c *URLCache) Get(key string) (string, bool) {
	e, ok := c.entries.Load(key)
	if !ok {
		return "", false
	}
	if c.now().After(e.expireAt) {
		c.entries.Delete(key)
		return "", false
	}
	return e.url, true
}

// Put stores url under key for ttl.
func (c *URLCache) Put(key, url string, ttl time.Duration) {
	c.entries.Store(key, urlEntry{url: url, expireAt: c.now().Add(ttl)})
}

// Delete evicts key.
func (c *URLCache) Delete(key string) {
	c.entries.Delete(key)
}

// Sweep drops expired entries. Called from the scheduler housekeeping tick.
func (c *URLCache) Sweep() {
	now := c.now()
	c.entries.Range(func(key string, e urlEntry) bool {
		if now.After(e.expireAt) {
			c.entries.Delete(key)
		}
		return true
	})
}

// Len returns the number of live entries (expired ones included until swept).
func (c *URLCache) Len() int {
	return c.entries.Size()
}
