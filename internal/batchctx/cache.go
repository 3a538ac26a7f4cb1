// Package batchctx implements the per-batch user-resolution context: a
// BatchSnapshot overlay of pinned lookups backed by a 5-minute global TTL
// cache, falling back to a network call only on a cold miss.
package batchctx

import (
	"sync"
	"time"

	"github.com/Juliovivas99/crybb/internal/mention"
)

type ttlEntry struct {
	user    mention.User
	expires time.Time
}

// TTLCache is the global user-profile cache shared across every batch
// iteration and in-flight reply pipeline. It is guarded by its own mutex;
// entries expire lazily on read.
type TTLCache struct {
	mu      sync.Mutex
	entries map[string]ttlEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewTTLCache builds an empty cache with the given entry lifetime.
func NewTTLCache(ttl time.Duration) *TTLCache {
	return &TTLCache{entries: make(map[string]ttlEntry), ttl: ttl, now: time.Now}
}

// Get returns the cached user for username if present and not expired.
func (c *TTLCache) Get(username string) (mention.User, bool) {
	key := mention.NormalizedUsername(username)
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return mention.User{}, false
	}
	if c.now().After(e.expires) {
		delete(c.entries, key)
		return mention.User{}, false
	}
	return e.user, true
}

// Set stores user under its normalized username with a fresh TTL.
func (c *TTLCache) Set(u mention.User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[mention.NormalizedUsername(u.Username)] = ttlEntry{user: u, expires: c.now().Add(c.ttl)}
}
