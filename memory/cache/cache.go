// Package cache provides the disposable tier of the memory layer: a
// key-value store with per-namespace TTLs in front of the vector store.
// Implementations must tolerate being cold, stale within TTL, or gone
// entirely; callers treat every failure as a miss.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound reports a cache miss. Implementations return it from Get for
// absent and expired entries alike.
var ErrNotFound = errors.New("cache: entry not found")

// Namespaces partition keys by content kind. Each namespace carries its own
// TTL.
const (
	NamespaceEmbed   = "embed"
	NamespaceQuery   = "query"
	NamespaceSession = "session"
)

// TTLs per namespace.
const (
	EmbedTTL   = 7 * 24 * time.Hour
	QueryTTL   = time.Hour
	SessionTTL = 24 * time.Hour
)

// DefaultByteBudget bounds the in-process LRU implementation.
const DefaultByteBudget = 512 << 20

// Stats reports cache effectiveness and occupancy. Hit counters accumulate
// over the lifetime of the process, not the store.
type Stats struct {
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	HitRate   float64 `json:"hit_rate"`
	Entries   int64   `json:"entries"`
	UsedBytes int64   `json:"used_bytes"`
}

// Cache is the contract the memory layer programs against. Implementations
// must be safe for concurrent use.
type Cache interface {
	// Get returns the value stored under key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key with the given TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a single key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// DeleteNamespace removes every key under the given prefix and returns
	// the number removed. Used to invalidate a collection's query results
	// after metadata updates.
	DeleteNamespace(ctx context.Context, prefix string) (int, error)

	// Stats reports hit counters and occupancy.
	Stats(ctx context.Context) (Stats, error)

	// Close releases the underlying connection, if any.
	Close() error
}

// TTLFor returns the TTL declared for a namespace, defaulting to QueryTTL
// for unknown namespaces.
func TTLFor(namespace string) time.Duration {
	switch namespace {
	case NamespaceEmbed:
		return EmbedTTL
	case NamespaceSession:
		return SessionTTL
	default:
		return QueryTTL
	}
}

// EmbedKey builds the cache key for an embedding digest.
func EmbedKey(digest string) string {
	return fmt.Sprintf("%s:%s", NamespaceEmbed, digest)
}

// QueryKey builds the cache key for a search result digest within a
// collection. The collection segment makes namespace invalidation possible.
func QueryKey(collection, digest string) string {
	return fmt.Sprintf("%s:%s:%s", NamespaceQuery, collection, digest)
}

// QueryPrefix returns the prefix matching every query key of a collection.
func QueryPrefix(collection string) string {
	return fmt.Sprintf("%s:%s:", NamespaceQuery, collection)
}

// SessionKey builds the cache key for session state.
func SessionKey(id string) string {
	return fmt.Sprintf("%s:%s", NamespaceSession, id)
}

func rate(hits, misses uint64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
