package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LRU implements Cache in process memory with a bounded byte budget. Least
// recently used entries are evicted once the budget is exceeded; no Set ever
// fails because of cache pressure. It backs local development and tests, and
// stands in when no Redis address is configured.
type LRU struct {
	mu     sync.Mutex
	inner  *lru.Cache[string, lruEntry]
	budget int64
	used   int64
	now    func() time.Time

	hits   uint64
	misses uint64
}

type lruEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewLRU constructs an in-process cache bounded by budget bytes. A budget
// of zero or less selects DefaultByteBudget.
func NewLRU(budget int64) (*LRU, error) {
	if budget <= 0 {
		budget = DefaultByteBudget
	}
	c := &LRU{budget: budget, now: time.Now}
	// The entry-count cap only sizes the underlying map; the byte budget is
	// what actually bounds the cache.
	entryCap := int(budget / 256)
	if entryCap < 1024 {
		entryCap = 1024
	}
	inner, err := lru.NewWithEvict(entryCap, func(key string, e lruEntry) {
		c.used -= entrySize(key, e.value)
	})
	if err != nil {
		return nil, err
	}
	c.inner = inner
	return c, nil
}

// Get returns the value stored under key or ErrNotFound. Expired entries are
// removed on access.
func (c *LRU) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.inner.Get(key)
	if !ok {
		c.misses++
		return nil, ErrNotFound
	}
	if !e.expiresAt.IsZero() && c.now().After(e.expiresAt) {
		c.inner.Remove(key)
		c.misses++
		return nil, ErrNotFound
	}
	c.hits++
	return e.value, nil
}

// Set stores value under key, evicting oldest entries until the byte budget
// is respected. TTLs of zero or less never expire.
func (c *LRU) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var expires time.Time
	if ttl > 0 {
		expires = c.now().Add(ttl)
	}
	// Remove first so the evict callback keeps byte accounting exact on
	// overwrite.
	c.inner.Remove(key)
	c.used += entrySize(key, value)
	c.inner.Add(key, lruEntry{value: value, expiresAt: expires})
	for c.used > c.budget && c.inner.Len() > 0 {
		c.inner.RemoveOldest()
	}
	return nil
}

// Delete removes a single key.
func (c *LRU) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner.Remove(key)
	return nil
}

// DeleteNamespace removes every key under prefix.
func (c *LRU) DeleteNamespace(_ context.Context, prefix string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for _, key := range c.inner.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.inner.Remove(key)
			removed++
		}
	}
	return removed, nil
}

// Stats reports hit counters and occupancy.
func (c *LRU) Stats(context.Context) (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		HitRate:   rate(c.hits, c.misses),
		Entries:   int64(c.inner.Len()),
		UsedBytes: c.used,
	}, nil
}

// Close purges all entries.
func (c *LRU) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner.Purge()
	return nil
}

func entrySize(key string, value []byte) int64 {
	return int64(len(key) + len(value))
}
