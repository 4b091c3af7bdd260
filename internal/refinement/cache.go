package refinement

import (
	"context"
	"sync"
	"time"

	"speechcoach-backend/internal/shared/util"
)

// Cache stores parsed model responses keyed by CacheKey.
type Cache interface {
	Get(ctx context.Context, key string) (Response, bool)
	Set(ctx context.Context, key string, resp Response, ttl time.Duration)
}

// CacheKey identifies a refinement request by transcript and language.
func CacheKey(transcript, language string) string {
	return util.HashParts(PromptVersion, transcript, language)
}

type cacheEntry struct {
	resp      Response
	expiresAt time.Time
}

// DefaultMaxEntries bounds MemoryCache when MaxEntries is unset.
const DefaultMaxEntries = 1024

// MemoryCache is a process-local TTL cache. Expired entries are swept when
// the cache fills up; if it is still full the entry closest to expiry is
// evicted.
type MemoryCache struct {
	MaxEntries int

	mu      sync.Mutex
	entries map[string]cacheEntry
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		MaxEntries: DefaultMaxEntries,
		entries:    make(map[string]cacheEntry),
		now:        time.Now,
	}
}

func (c *MemoryCache) Get(ctx context.Context, key string) (Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return Response{}, false
	}
	if !c.now().Before(entry.expiresAt) {
		delete(c.entries, key)
		return Response{}, false
	}
	return entry.resp, true
}

func (c *MemoryCache) Set(ctx context.Context, key string, resp Response, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.limit() {
		c.sweep(now)
		if len(c.entries) >= c.limit() {
			c.evictSoonest()
		}
	}
	c.entries[key] = cacheEntry{resp: resp, expiresAt: now.Add(ttl)}
}

// Len reports the number of stored entries, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *MemoryCache) limit() int {
	if c.MaxEntries <= 0 {
		return DefaultMaxEntries
	}
	return c.MaxEntries
}

func (c *MemoryCache) sweep(now time.Time) {
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
		}
	}
}

func (c *MemoryCache) evictSoonest() {
	var victim string
	var soonest time.Time
	for k, e := range c.entries {
		if victim == "" || e.expiresAt.Before(soonest) {
			victim, soonest = k, e.expiresAt
		}
	}
	if victim != "" {
		delete(c.entries, victim)
	}
}
