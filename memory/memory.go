// Package memory is the durable, cache-fronted semantic memory shared by
// every agent. The vector store is the system of record; the cache tier is
// transparent and disposable, so a cold or unreachable cache changes
// latency, never results.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pomandi/mainstage/fault"
	"github.com/pomandi/mainstage/memory/cache"
	"github.com/pomandi/mainstage/memory/embed"
	"github.com/pomandi/mainstage/memory/store"
	"github.com/pomandi/mainstage/telemetry"
)

// DefaultDuplicateThreshold is the similarity above which CheckDuplicate
// reports a duplicate when the caller does not choose one.
const DefaultDuplicateThreshold = 0.90

type (
	// Item is one entry in a batch save.
	Item struct {
		Content  string
		Metadata map[string]any
	}

	// Hit is one search result.
	Hit struct {
		ID      uint64         `json:"id"`
		Score   float64        `json:"score"`
		Payload map[string]any `json:"payload"`
	}

	// DuplicateCheck reports the outcome of a similarity probe.
	DuplicateCheck struct {
		IsDuplicate bool    `json:"is_duplicate"`
		TopScore    float64 `json:"top_score"`
		MatchID     uint64  `json:"match_id,omitempty"`
	}

	// Stats aggregates cache, collection and embedding counters.
	Stats struct {
		Cache       cache.Stats                `json:"cache"`
		Collections map[string]CollectionStats `json:"collections"`
		Embeddings  EmbeddingStats             `json:"embeddings"`
	}

	// CollectionStats describes one collection.
	CollectionStats struct {
		Count int64 `json:"count"`
	}

	// EmbeddingStats tracks how many embeddings were computed versus
	// served from cache.
	EmbeddingStats struct {
		Generated      uint64  `json:"generated"`
		CachedFraction float64 `json:"cached_fraction"`
	}

	// Config configures the memory manager.
	Config struct {
		// Store is the system of record. Required.
		Store store.Store
		// Provider generates embeddings. Required.
		Provider embed.Provider
		// Cache fronts embeddings and query results. Defaults to an
		// in-process LRU with the default byte budget.
		Cache cache.Cache
		// Schemas declares the known collections. Defaults to the
		// built-in set.
		Schemas map[string]Schema
		// Logger records degradations and saves. Defaults to a no-op
		// logger.
		Logger telemetry.Logger
		// Metrics records counters. Defaults to no-op metrics.
		Metrics telemetry.Metrics
	}

	// Manager implements the memory operations over a store, an embedding
	// provider and a cache.
	Manager struct {
		store    store.Store
		cache    cache.Cache
		provider embed.Provider
		schemas  map[string]Schema
		logger   telemetry.Logger
		metrics  telemetry.Metrics

		embedsGenerated atomic.Uint64
		embedsFromCache atomic.Uint64
		cacheDegraded   atomic.Bool

		newID func() uint64
	}
)

// New builds a Manager from the provided configuration.
func New(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fault.New(fault.Internal, "memory.new", "store is required")
	}
	if cfg.Provider == nil {
		return nil, fault.New(fault.Internal, "memory.new", "embedding provider is required")
	}
	c := cfg.Cache
	if c == nil {
		lru, err := cache.NewLRU(0)
		if err != nil {
			return nil, err
		}
		c = lru
	}
	schemas := cfg.Schemas
	if schemas == nil {
		schemas = Collections()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Manager{
		store:    cfg.Store,
		cache:    c,
		provider: cfg.Provider,
		schemas:  schemas,
		logger:   logger,
		metrics:  metrics,
		newID:    randomID,
	}, nil
}

// EnsureCollections creates every known collection in the store. Safe to
// call on each startup.
func (m *Manager) EnsureCollections(ctx context.Context) error {
	for _, spec := range Specs(m.schemas) {
		if err := m.store.EnsureCollection(ctx, spec); err != nil {
			return err
		}
	}
	return nil
}

// Save embeds content, stores it with its metadata and returns the id the
// memory layer assigned. Metadata violating the collection schema rejects
// the save before anything is written.
func (m *Manager) Save(ctx context.Context, collection, content string, metadata map[string]any) (uint64, error) {
	sch, err := m.schema(collection)
	if err != nil {
		return 0, err
	}
	if content == "" {
		return 0, fault.Errorf(fault.SchemaViolation, "memory.save", "collection %q: content is required", collection)
	}
	if err := sch.Validate(metadata); err != nil {
		return 0, err
	}
	vectors, err := m.embedTexts(ctx, []string{content})
	if err != nil {
		return 0, err
	}
	id := m.newID()
	point := store.Point{
		ID:          id,
		Vector:      vectors[0],
		Payload:     metadata,
		ContentHash: contentHash(content),
	}
	if err := m.store.Upsert(ctx, collection, []store.Point{point}); err != nil {
		return 0, err
	}
	m.metrics.IncCounter("memory_saves_total", 1, "collection", collection)
	m.logger.Debug(ctx, "document saved", "collection", collection, "id", id)
	return id, nil
}

// BatchSave embeds all items in one provider pass and writes them in one
// upsert. The batch lands fully or not at all; an invalid item rejects the
// whole batch before any embedding work.
func (m *Manager) BatchSave(ctx context.Context, collection string, items []Item) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	sch, err := m.schema(collection)
	if err != nil {
		return 0, err
	}
	texts := make([]string, len(items))
	for i, item := range items {
		if item.Content == "" {
			return 0, fault.Errorf(fault.SchemaViolation, "memory.batch_save",
				"collection %q: item %d: content is required", collection, i)
		}
		if err := sch.Validate(item.Metadata); err != nil {
			return 0, err
		}
		texts[i] = item.Content
	}
	vectors, err := m.embedTexts(ctx, texts)
	if err != nil {
		return 0, err
	}
	points := make([]store.Point, len(items))
	for i, item := range items {
		points[i] = store.Point{
			ID:          m.newID(),
			Vector:      vectors[i],
			Payload:     item.Metadata,
			ContentHash: contentHash(item.Content),
		}
	}
	if err := m.store.Upsert(ctx, collection, points); err != nil {
		return 0, err
	}
	m.metrics.IncCounter("memory_saves_total", float64(len(items)), "collection", collection)
	return len(items), nil
}

// Search returns up to topK hits ranked by similarity, most similar first
// and ties broken by ascending id. Results are served from the query cache
// when a prior identical search is still fresh.
func (m *Manager) Search(ctx context.Context, collection, query string, topK int, filter *store.Filter) ([]Hit, error) {
	if _, err := m.schema(collection); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return []Hit{}, nil
	}
	key := cache.QueryKey(collection, m.queryDigest(collection, query, topK, filter))
	if data, ok := m.cacheGet(ctx, key); ok {
		var hits []Hit
		if err := json.Unmarshal(data, &hits); err == nil {
			m.metrics.IncCounter("memory_query_cache_hits_total", 1, "collection", collection)
			return hits, nil
		}
		// A corrupt entry is just a miss.
	}
	vectors, err := m.embedTexts(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	found, err := m.store.Search(ctx, collection, store.Query{Vector: vectors[0], TopK: topK, Filter: filter})
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, len(found))
	for i, h := range found {
		hits[i] = Hit{ID: h.ID, Score: h.Score, Payload: h.Payload}
	}
	if data, err := json.Marshal(hits); err == nil {
		m.cacheSet(ctx, key, data, cache.QueryTTL)
	}
	m.metrics.IncCounter("memory_searches_total", 1, "collection", collection)
	return hits, nil
}

// UpdateMetadata merges updates into a document's payload without
// re-embedding, then clears the collection's query-cache namespace so new
// searches observe the change immediately.
func (m *Manager) UpdateMetadata(ctx context.Context, collection string, id uint64, updates map[string]any) error {
	sch, err := m.schema(collection)
	if err != nil {
		return err
	}
	if len(updates) == 0 {
		return fault.Errorf(fault.SchemaViolation, "memory.update", "collection %q: updates are required", collection)
	}
	if err := sch.Validate(updates); err != nil {
		return err
	}
	if err := m.store.UpdatePayload(ctx, collection, id, updates); err != nil {
		return err
	}
	m.cacheDeleteNamespace(ctx, cache.QueryPrefix(collection))
	return nil
}

// Delete tombstones a document. Stale query-cache entries expire by TTL.
func (m *Manager) Delete(ctx context.Context, collection string, id uint64) (bool, error) {
	if _, err := m.schema(collection); err != nil {
		return false, err
	}
	n, err := m.store.Delete(ctx, collection, []uint64{id})
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CheckDuplicate embeds content and probes the collection for a close
// neighbor. A zero threshold selects DefaultDuplicateThreshold; a hit
// scoring strictly above the threshold is a duplicate.
func (m *Manager) CheckDuplicate(ctx context.Context, collection, content string, threshold float64) (DuplicateCheck, error) {
	if _, err := m.schema(collection); err != nil {
		return DuplicateCheck{}, err
	}
	if threshold <= 0 {
		threshold = DefaultDuplicateThreshold
	}
	vectors, err := m.embedTexts(ctx, []string{content})
	if err != nil {
		return DuplicateCheck{}, err
	}
	hits, err := m.store.Search(ctx, collection, store.Query{Vector: vectors[0], TopK: 1})
	if err != nil {
		return DuplicateCheck{}, err
	}
	if len(hits) == 0 {
		return DuplicateCheck{}, nil
	}
	check := DuplicateCheck{TopScore: hits[0].Score}
	if hits[0].Score > threshold {
		check.IsDuplicate = true
		check.MatchID = hits[0].ID
	}
	return check, nil
}

// Stats reports cache counters, per-collection document counts and the
// fraction of embeddings served from cache.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	if cs, err := m.cache.Stats(ctx); err == nil {
		s.Cache = cs
		m.cacheRecovered(ctx)
	} else {
		m.degradeCache(ctx, err)
	}
	s.Collections = make(map[string]CollectionStats, len(m.schemas))
	for name := range m.schemas {
		count, err := m.store.Count(ctx, name)
		if err != nil {
			return Stats{}, err
		}
		s.Collections[name] = CollectionStats{Count: count}
	}
	generated := m.embedsGenerated.Load()
	cached := m.embedsFromCache.Load()
	s.Embeddings = EmbeddingStats{Generated: generated}
	if total := generated + cached; total > 0 {
		s.Embeddings.CachedFraction = float64(cached) / float64(total)
	}
	return s, nil
}

// Embed returns one vector per text, in order, resolving each through the
// embedding cache first.
func (m *Manager) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	for i, text := range texts {
		if text == "" {
			return nil, fault.Errorf(fault.SchemaViolation, "memory.embed", "text %d is empty", i)
		}
	}
	return m.embedTexts(ctx, texts)
}

// embedTexts resolves each text through the embed cache and computes the
// misses in a single provider call, writing them through for next time.
func (m *Manager) embedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	model := m.provider.Model()
	vectors := make([][]float32, len(texts))
	missing := make([]int, 0, len(texts))
	for i, text := range texts {
		key := cache.EmbedKey(embed.CacheDigest(model, text))
		if data, ok := m.cacheGet(ctx, key); ok {
			if vec, err := decodeVector(data); err == nil {
				vectors[i] = vec
				m.embedsFromCache.Add(1)
				continue
			}
		}
		missing = append(missing, i)
	}
	if len(missing) == 0 {
		return vectors, nil
	}
	batch := make([]string, len(missing))
	for i, idx := range missing {
		batch[i] = texts[idx]
	}
	res, err := m.provider.Embed(ctx, batch)
	if err != nil {
		return nil, err
	}
	if len(res.Vectors) != len(missing) {
		return nil, fault.Errorf(fault.Internal, "memory.embed",
			"provider returned %d vectors for %d texts", len(res.Vectors), len(missing))
	}
	for i, idx := range missing {
		vectors[idx] = res.Vectors[i]
		key := cache.EmbedKey(embed.CacheDigest(model, texts[idx]))
		m.cacheSet(ctx, key, encodeVector(res.Vectors[i]), cache.EmbedTTL)
	}
	m.embedsGenerated.Add(uint64(len(missing)))
	return vectors, nil
}

func (m *Manager) schema(collection string) (Schema, error) {
	sch, ok := m.schemas[collection]
	if !ok {
		return Schema{}, fault.Errorf(fault.NotFound, "memory", "unknown collection %q", collection)
	}
	return sch, nil
}

// cacheGet treats every cache failure as a miss.
func (m *Manager) cacheGet(ctx context.Context, key string) ([]byte, bool) {
	data, err := m.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			m.degradeCache(ctx, err)
		}
		return nil, false
	}
	m.cacheRecovered(ctx)
	return data, true
}

func (m *Manager) cacheSet(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if err := m.cache.Set(ctx, key, value, ttl); err != nil {
		m.degradeCache(ctx, err)
		return
	}
	m.cacheRecovered(ctx)
}

func (m *Manager) cacheDeleteNamespace(ctx context.Context, prefix string) {
	if _, err := m.cache.DeleteNamespace(ctx, prefix); err != nil {
		m.degradeCache(ctx, err)
		return
	}
	m.cacheRecovered(ctx)
}

// degradeCache records a cache outage, logging once per outage so a long
// Redis incident does not flood the logs.
func (m *Manager) degradeCache(ctx context.Context, err error) {
	m.metrics.IncCounter("memory_cache_degraded_total", 1)
	if !m.cacheDegraded.Swap(true) {
		m.logger.Warn(ctx, "cache degraded, continuing on store alone", "error", err.Error())
	}
}

func (m *Manager) cacheRecovered(ctx context.Context) {
	if m.cacheDegraded.Swap(false) {
		m.logger.Info(ctx, "cache recovered")
	}
}

func (m *Manager) queryDigest(collection, query string, topK int, filter *store.Filter) string {
	canonical, _ := json.Marshal(struct {
		Model      string
		Collection string
		Query      string
		TopK       int
		Filter     *store.Filter
	}{m.provider.Model(), collection, query, topK, filter})
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:16])
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// randomID draws a fresh 63-bit identifier. Tombstoned ids are never
// handed out again because ids are never derived from state.
func randomID() uint64 {
	u := uuid.New()
	id := binary.BigEndian.Uint64(u[:8]) & math.MaxInt64
	if id == 0 {
		id = 1
	}
	return id
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fault.New(fault.Internal, "memory.embed", "malformed cached vector")
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec, nil
}
