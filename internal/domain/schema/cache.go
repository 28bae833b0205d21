package schema

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultCacheTTL bounds how long a resolved schema is served without
// checking its nested and parent documents again.
const DefaultCacheTTL = 5 * time.Minute

type cacheEntry struct {
	schema   *Schema
	storedAt time.Time
}

// Cache memoizes resolved schemas by kind, name and root document revision.
// Concurrent requests for the same key share one resolution. Entries expire
// after the TTL, which bounds the staleness of changes made only to parent
// or nested documents.
type Cache struct {
	resolver *Resolver
	ttl      time.Duration
	now      func() time.Time

	group   singleflight.Group
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

// NewCache returns a Cache over resolver. A non-positive ttl means
// DefaultCacheTTL.
func NewCache(resolver *Resolver, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		resolver: resolver,
		ttl:      ttl,
		now:      time.Now,
		entries:  make(map[string]cacheEntry),
	}
}

// Get returns the resolved schema name of the given kind.
func (c *Cache) Get(ctx context.Context, name string, kind Kind) (*Schema, error) {
	rev, err := c.resolver.Revision(ctx, name)
	if err != nil {
		return nil, err
	}
	key := string(kind) + "|" + NormalizeURI(name) + "|" + rev

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && c.now().Sub(entry.storedAt) < c.ttl {
		return entry.schema, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		s, err := c.resolver.Resolve(ctx, name, kind)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = cacheEntry{schema: s, storedAt: c.now()}
		c.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Schema), nil
}

// Invalidate drops every cached schema.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

// Len is the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
