package rbac

import (
	"sync"
	"time"
)

// DefaultCacheTTL bounds how long a resolved permission context is served
// without consulting storage.
const DefaultCacheTTL = 5 * time.Minute

type cacheEntry struct {
	ctx       UserPermissionsContext
	expiresAt time.Time
}

// ContextCache is a process-local TTL cache mapping user IDs to resolved
// permission contexts. Two independent instances exist in a full deployment:
// one in the server process and one in each client, with no synchronization
// between them. Last writer wins; growth is unbounded, Cleanup sweeps
// expired entries out-of-band.
type ContextCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewContextCache constructs a cache. A non-positive ttl falls back to
// DefaultCacheTTL. Instances are dependency-injected rather than package
// globals so tests can isolate state.
func NewContextCache(ttl time.Duration) *ContextCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &ContextCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the cached context for userID. A missing or expired entry
// reports ok=false; expired entries are evicted as a side effect.
func (c *ContextCache) Get(userID string) (UserPermissionsContext, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[userID]
	if !ok {
		return UserPermissionsContext{}, false
	}
	if c.now().After(entry.expiresAt) {
		delete(c.entries, userID)
		return UserPermissionsContext{}, false
	}
	return entry.ctx, true
}

// Set stores the context with the cache's default TTL, overwriting any
// existing entry.
func (c *ContextCache) Set(userID string, pctx UserPermissionsContext) {
	c.SetWithTTL(userID, pctx, c.ttl)
}

// SetWithTTL stores the context with an explicit TTL.
func (c *ContextCache) SetWithTTL(userID string, pctx UserPermissionsContext, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.mu.Lock()
	c.entries[userID] = cacheEntry{ctx: pctx, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
}

// Invalidate removes the entry for userID immediately.
func (c *ContextCache) Invalidate(userID string) {
	c.mu.Lock()
	delete(c.entries, userID)
	c.mu.Unlock()
}

// Clear removes every entry. Used after role-definition or catalog changes,
// which affect users whose IDs are unknown to the caller.
func (c *ContextCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

// Cleanup sweeps expired entries and returns how many were removed.
func (c *ContextCache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for id, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, id)
			removed++
		}
	}
	return removed
}

// Len reports the number of entries currently stored, expired or not.
func (c *ContextCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
