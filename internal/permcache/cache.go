// Package permcache memoizes per-(user, workspace) permission lookups for
// the request layer.
package permcache

import (
	"sync"
	"time"
)

// Entry is the cached permission state for a (user, workspace) pair.
type Entry struct {
	Permissions []string
	IsAdmin     bool
}

// Cache is a short-TTL read cache. Staleness past the TTL is acceptable;
// privilege-reducing writers must call Invalidate synchronously rather
// than waiting for expiry.
type Cache struct {
	ttl   time.Duration
	now   func() time.Time
	mu    sync.RWMutex
	items map[cacheKey]cacheItem
}

type cacheKey struct {
	userID      string
	workspaceID string
}

type cacheItem struct {
	entry     Entry
	expiresAt time.Time
}

// New constructs a Cache with the given TTL and clock. A nil clock uses
// time.Now.
func New(ttl time.Duration, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{
		ttl:   ttl,
		now:   now,
		items: make(map[cacheKey]cacheItem),
	}
}

// Get returns the cached entry for the pair if present and unexpired.
func (c *Cache) Get(userID, workspaceID string) (Entry, bool) {
	c.mu.RLock()
	item, ok := c.items[cacheKey{userID, workspaceID}]
	c.mu.RUnlock()
	if !ok || c.now().After(item.expiresAt) {
		return Entry{}, false
	}
	return item.entry, true
}

// Set stores the entry for the pair with a fresh TTL.
func (c *Cache) Set(userID, workspaceID string, entry Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[cacheKey{userID, workspaceID}] = cacheItem{
		entry:     entry,
		expiresAt: c.now().Add(c.ttl),
	}
}

// Invalidate drops the entry for one (user, workspace) pair.
func (c *Cache) Invalidate(userID, workspaceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, cacheKey{userID, workspaceID})
}

// InvalidateWorkspace drops every entry for the workspace. Used after
// role-table changes that can affect many members at once.
func (c *Cache) InvalidateWorkspace(workspaceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.items {
		if key.workspaceID == workspaceID {
			delete(c.items, key)
		}
	}
}
