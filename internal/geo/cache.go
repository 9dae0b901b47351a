package geo

import (
	"sync"
	"time"
)

// State is the outcome of a cache lookup.
type State int

const (
	Miss State = iota
	Fresh
	Stale
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "miss"
	}
}

type CacheStats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Stale   int64 `json:"stale"`
	Sets    int64 `json:"sets"`
	Entries int   `json:"entries"`
}

type entry struct {
	info      Info
	expiresAt time.Time
}

// Cache keeps resolved Info per key until its TTL passes. Expired entries
// stay readable as stale so callers can degrade to the last known answer.
type Cache struct {
	mu         sync.RWMutex
	ttl        time.Duration
	now        func() time.Time
	maxEntries int
	entries    map[string]entry
	stats      CacheStats
}

// NewCache returns a cache with the given TTL. now may be nil.
func NewCache(ttl time.Duration, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{
		ttl:        ttl,
		now:        now,
		maxEntries: 4096,
		entries:    make(map[string]entry),
	}
}

func (c *Cache) Lookup(key string) (Info, State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return Info{}, Miss
	}
	if !c.now().Before(e.expiresAt) {
		c.stats.Stale++
		return e.info, Stale
	}
	c.stats.Hits++
	return e.info, Fresh
}

// Get returns a fresh entry only.
func (c *Cache) Get(key string) (Info, bool) {
	info, state := c.Lookup(key)
	return info, state == Fresh
}

func (c *Cache) Set(key string, info Info) {
	c.SetFor(key, info, c.ttl)
}

func (c *Cache) SetFor(key string, info Info, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.pruneLocked(now)
	}
	c.entries[key] = entry{info: info, expiresAt: now.Add(ttl)}
	c.stats.Sets++
}

func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *Cache) TTL() time.Duration {
	return c.ttl
}

func (c *Cache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stats := c.stats
	stats.Entries = len(c.entries)
	return stats
}

// pruneLocked drops expired entries, or everything when none have expired.
func (c *Cache) pruneLocked(now time.Time) {
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	if len(c.entries) >= c.maxEntries {
		c.entries = make(map[string]entry)
	}
}
