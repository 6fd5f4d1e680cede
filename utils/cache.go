package utils

import (
	"time"

	"github.com/puzpuzpuz/xsync"
)

// Cache keys for the three hot collections.
const (
	CacheKeyChallenges     = "challenges"
	CacheKeyUserChallenges = "user_challenges"
	CacheKeyUser           = "current_user"
)

// Freshness windows. Challenges change rarely; the user profile carries a
// balance and goes stale fast.
const (
	TTLChallenges     = 10 * time.Minute
	TTLUserChallenges = 2 * time.Minute
	TTLUser           = 30 * time.Second
)

type cacheEntry struct {
	value     interface{}
	expiresAt time.Time
}

// Cache is a small TTL key/value store. Expired entries are dropped lazily
// on read.
type Cache struct {
	entries *xsync.MapOf[string, cacheEntry]
	now     func() time.Time
}

func NewCache() *Cache {
	return &Cache{
		entries: xsync.NewMapOf[cacheEntry](),
		now:     time.Now,
	}
}

// Set stores value under key for ttl.
func (c *Cache) Set(key string, value interface{}, ttl time.Duration) {
	c.entries.Store(key, cacheEntry{
		value:     value,
		expiresAt: c.now().Add(ttl),
	})
}

// Get returns the stored value, or false when the key is missing or expired.
func (c *Cache) Get(key string) (interface{}, bool) {
	e, ok := c.entries.Load(key)
	if !ok {
		return nil, false
	}
	if c.now().After(e.expiresAt) {
		c.entries.Delete(key)
		return nil, false
	}
	return e.value, true
}

// Invalidate drops the key immediately.
func (c *Cache) Invalidate(key string) {
	c.entries.Delete(key)
}

// InvalidateAll drops every entry.
func (c *Cache) InvalidateAll() {
	c.entries.Range(func(key string, _ cacheEntry) bool {
		c.entries.Delete(key)
		return true
	})
}

// CachedAs is a typed read; a value of the wrong type reads as a miss.
func CachedAs[T any](c *Cache, key string) (T, bool) {
	var zero T
	v, ok := c.Get(key)
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}
