// Package store persists embedding vectors with typed payloads and serves
// similarity queries. Two implementations share the contract: a pgvector
// backed Postgres store for production and an in-process store for tests and
// local runs. Filters always execute inside the store, never as client-side
// post-processing, so results stay correct under pagination.
package store

import (
	"context"
)

// Metric names a supported distance function.
type Metric string

// MetricCosine orders results by cosine similarity. It is the only metric
// the platform uses.
const MetricCosine Metric = "cosine"

const (
	// DefaultHNSWM is the HNSW graph connectivity used when a spec leaves
	// it zero.
	DefaultHNSWM = 16
	// DefaultHNSWEfConstruction is the HNSW build-time candidate list size
	// used when a spec leaves it zero.
	DefaultHNSWEfConstruction = 100
)

type (
	// CollectionSpec declares a named collection and its index parameters.
	CollectionSpec struct {
		// Name identifies the collection. Lowercase identifier, required.
		Name string
		// Dim is the vector dimensionality. Required.
		Dim int
		// Metric selects the distance function. Defaults to MetricCosine.
		Metric Metric
		// HNSWM is the index connectivity. Defaults to DefaultHNSWM.
		HNSWM int
		// HNSWEfConstruction is the index build candidate list size.
		// Defaults to DefaultHNSWEfConstruction.
		HNSWEfConstruction int
	}

	// Point is one stored document: identifier, vector and typed payload.
	Point struct {
		ID          uint64
		Vector      []float32
		Payload     map[string]any
		ContentHash string
	}

	// Hit is one search result.
	Hit struct {
		ID      uint64
		Score   float64
		Payload map[string]any
	}

	// Query describes a similarity search.
	Query struct {
		// Vector is the query embedding. Required.
		Vector []float32
		// TopK bounds the result count. Zero yields no results.
		TopK int
		// Filter restricts candidates before ranking. Optional.
		Filter *Filter
		// ScoreThreshold drops hits scoring below it when set.
		ScoreThreshold *float64
	}

	// Store is the persistence contract shared by all backends.
	//
	// Delete writes tombstones rather than removing rows so concurrent
	// searches never observe partially removed points; Count and Search
	// exclude tombstoned points.
	Store interface {
		EnsureCollection(ctx context.Context, spec CollectionSpec) error
		Upsert(ctx context.Context, collection string, points []Point) error
		Search(ctx context.Context, collection string, q Query) ([]Hit, error)
		UpdatePayload(ctx context.Context, collection string, id uint64, fields map[string]any) error
		Delete(ctx context.Context, collection string, ids []uint64) (int, error)
		List(ctx context.Context, collection string, f *Filter, limit int) ([]Point, error)
		Count(ctx context.Context, collection string) (int64, error)
		Ping(ctx context.Context) error
		Close() error
	}
)

// Op names a filter comparison.
type Op string

const (
	// OpEq matches payloads whose field equals the value.
	OpEq Op = "eq"
	// OpNeq matches payloads whose field differs from the value, including
	// payloads missing the field.
	OpNeq Op = "neq"
	// OpIn matches payloads whose field equals any of the values.
	OpIn Op = "in"
	// OpRange matches payloads whose field falls inside the bounds.
	OpRange Op = "range"
)

type (
	// Filter is a conjunction of field conditions.
	Filter struct {
		Conditions []Condition
	}

	// Condition compares one payload field against a value, value set or
	// range.
	Condition struct {
		Field  string
		Op     Op
		Value  any
		Values []any
		Range  *Range
	}

	// Range bounds a field from either side. Nil bounds are open. Bounds
	// are numeric or string; strings compare lexically, which orders ISO
	// dates correctly.
	Range struct {
		GTE any
		LTE any
		GT  any
		LT  any
	}
)

// Eq builds an equality condition.
func Eq(field string, value any) Condition {
	return Condition{Field: field, Op: OpEq, Value: value}
}

// Neq builds an inequality condition.
func Neq(field string, value any) Condition {
	return Condition{Field: field, Op: OpNeq, Value: value}
}

// In builds a set membership condition.
func In(field string, values ...any) Condition {
	return Condition{Field: field, Op: OpIn, Values: values}
}

// InRange builds a range condition.
func InRange(field string, r Range) Condition {
	return Condition{Field: field, Op: OpRange, Range: &r}
}

// NewFilter combines conditions into a conjunction. It returns nil when no
// conditions are given so callers can pass the result straight to Query.
func NewFilter(conds ...Condition) *Filter {
	if len(conds) == 0 {
		return nil
	}
	return &Filter{Conditions: conds}
}

// normalize fills spec defaults in place.
func (s *CollectionSpec) normalize() {
	if s.Metric == "" {
		s.Metric = MetricCosine
	}
	if s.HNSWM == 0 {
		s.HNSWM = DefaultHNSWM
	}
	if s.HNSWEfConstruction == 0 {
		s.HNSWEfConstruction = DefaultHNSWEfConstruction
	}
}
