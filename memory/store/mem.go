package store

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/pomandi/mainstage/fault"
)

// Mem implements Store in process memory with brute-force cosine ranking.
// It mirrors the Postgres store's semantics, including tombstone deletes, so
// tests and local runs exercise the same behavior the production store has.
type Mem struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
}

type memCollection struct {
	spec       CollectionSpec
	points     map[uint64]Point
	tombstones map[uint64]struct{}
}

// NewMem returns an empty in-process store.
func NewMem() *Mem {
	return &Mem{collections: make(map[string]*memCollection)}
}

// EnsureCollection registers a collection. Re-registering with the same
// dimensionality is a no-op; changing it is a conflict.
func (s *Mem) EnsureCollection(_ context.Context, spec CollectionSpec) error {
	spec.normalize()
	if spec.Dim <= 0 {
		return fault.Errorf(fault.SchemaViolation, "store.ensure", "collection %q: dimension must be positive", spec.Name)
	}
	if spec.Metric != MetricCosine {
		return fault.Errorf(fault.SchemaViolation, "store.ensure", "collection %q: unsupported metric %q", spec.Name, spec.Metric)
	}
	if _, err := tableName(spec.Name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.collections[spec.Name]; ok {
		if existing.spec.Dim != spec.Dim {
			return fault.Errorf(fault.Conflict, "store.ensure", "collection %q exists with dimension %d", spec.Name, existing.spec.Dim)
		}
		return nil
	}
	s.collections[spec.Name] = &memCollection{
		spec:       spec,
		points:     make(map[uint64]Point),
		tombstones: make(map[uint64]struct{}),
	}
	return nil
}

// Upsert stores points, reviving tombstoned ids. The whole batch is
// validated before any point lands so a bad point never half-applies.
func (s *Mem) Upsert(_ context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	col, err := s.collection(collection)
	if err != nil {
		return err
	}
	for _, p := range points {
		if len(p.Vector) != col.spec.Dim {
			return fault.Errorf(fault.SchemaViolation, "store.upsert",
				"point %d: vector has %d dimensions, want %d", p.ID, len(p.Vector), col.spec.Dim)
		}
	}
	for _, p := range points {
		col.points[p.ID] = clonePoint(p)
		delete(col.tombstones, p.ID)
	}
	return nil
}

// Search ranks live points by cosine similarity with the filter applied
// during the scan. Ties break by ascending id.
func (s *Mem) Search(_ context.Context, collection string, q Query) ([]Hit, error) {
	if len(q.Vector) == 0 {
		return nil, fault.New(fault.SchemaViolation, "store.search", "query vector is required")
	}
	if q.TopK <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	col, err := s.collection(collection)
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(col.points))
	for id, p := range col.points {
		if !q.Filter.Matches(p.Payload) {
			continue
		}
		score := cosine(q.Vector, p.Vector)
		if q.ScoreThreshold != nil && score < *q.ScoreThreshold {
			continue
		}
		hits = append(hits, Hit{ID: id, Score: score, Payload: clonePayload(p.Payload)})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > q.TopK {
		hits = hits[:q.TopK]
	}
	return hits, nil
}

// UpdatePayload merges fields into a live point's payload.
func (s *Mem) UpdatePayload(_ context.Context, collection string, id uint64, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, err := s.collection(collection)
	if err != nil {
		return err
	}
	p, ok := col.points[id]
	if !ok {
		return fault.Errorf(fault.NotFound, "store.update", "point %d not found in %s", id, collection)
	}
	merged := clonePayload(p.Payload)
	for k, v := range fields {
		merged[k] = v
	}
	p.Payload = merged
	col.points[id] = p
	return nil
}

// Delete tombstones ids and reports how many points flipped.
func (s *Mem) Delete(_ context.Context, collection string, ids []uint64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	col, err := s.collection(collection)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if _, ok := col.points[id]; !ok {
			continue
		}
		delete(col.points, id)
		col.tombstones[id] = struct{}{}
		n++
	}
	return n, nil
}

// List returns live points matching the filter, ordered by id. Vectors are
// not included.
func (s *Mem) List(_ context.Context, collection string, f *Filter, limit int) ([]Point, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	col, err := s.collection(collection)
	if err != nil {
		return nil, err
	}
	points := make([]Point, 0, len(col.points))
	for id, p := range col.points {
		if !f.Matches(p.Payload) {
			continue
		}
		points = append(points, Point{ID: id, Payload: clonePayload(p.Payload), ContentHash: p.ContentHash})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].ID < points[j].ID })
	if len(points) > limit {
		points = points[:limit]
	}
	return points, nil
}

// Count reports the number of live points.
func (s *Mem) Count(_ context.Context, collection string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	col, err := s.collection(collection)
	if err != nil {
		return 0, err
	}
	return int64(len(col.points)), nil
}

// Ping always succeeds.
func (s *Mem) Ping(context.Context) error { return nil }

// Close drops all collections.
func (s *Mem) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections = make(map[string]*memCollection)
	return nil
}

// collection requires s.mu held.
func (s *Mem) collection(name string) (*memCollection, error) {
	col, ok := s.collections[name]
	if !ok {
		return nil, fault.Errorf(fault.NotFound, "store", "collection %q not registered", name)
	}
	return col, nil
}

func clonePoint(p Point) Point {
	vec := make([]float32, len(p.Vector))
	copy(vec, p.Vector)
	return Point{ID: p.ID, Vector: vec, Payload: clonePayload(p.Payload), ContentHash: p.ContentHash}
}

func clonePayload(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}

func cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / math.Sqrt(na*nb)
}
