// Package agentcache caches Agent Config lookups to spare the management
// API from a round trip on every call (§4.6 step 3, §4.10).
//
// Grounded on lookatitude-beluga-ai's cache/providers/inmemory.InMemoryCache:
// the same mutex-guarded map-of-entries shape and lazy-expiration-on-Get
// behavior, narrowed from its LRU (doubly-linked list + MaxSize eviction)
// design to TTL-only, since Agent Configs are keyed by a small, bounded set
// of agent ids and call for a periodic sweep (§4.10) rather than a size
// bound.
package agentcache

import (
	"context"
	"sync"
	"time"

	"github.com/aiva-labs/voicebridge/internal/mgmtapi"
)

type entry struct {
	record    *mgmtapi.AgentRecord
	expiresAt time.Time
}

// Cache is a thread-safe, TTL-expiring Agent Config cache with a periodic
// background sweep (§4.10) in addition to lazy expiration on Get.
type Cache struct {
	mu    sync.Mutex
	items map[string]*entry
	ttl   time.Duration
	now   func() time.Time
}

// New returns a Cache with the given per-entry TTL. A non-positive ttl
// disables expiration (entries never go stale on their own).
func New(ttl time.Duration) *Cache {
	return &Cache{
		items: make(map[string]*entry),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Get returns the cached record for agentID, if present and unexpired.
func (c *Cache) Get(_ context.Context, agentID string) (*mgmtapi.AgentRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[agentID]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && c.now().After(e.expiresAt) {
		delete(c.items, agentID)
		return nil, false
	}
	return e.record, true
}

// Set stores record for agentID under the cache's configured TTL.
func (c *Cache) Set(_ context.Context, agentID string, record *mgmtapi.AgentRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = c.now().Add(c.ttl)
	}
	c.items[agentID] = &entry{record: record, expiresAt: expiresAt}
}

// Invalidate drops agentID from the cache, if present.
func (c *Cache) Invalidate(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, agentID)
}

// Sweep removes every expired entry and returns how many were evicted.
// Intended to be called periodically by the agent-cache monitor (§4.10).
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	evicted := 0
	for id, e := range c.items {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			delete(c.items, id)
			evicted++
		}
	}
	return evicted
}

// Len reports the number of entries currently held, including any not yet
// lazily or periodically swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
