package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/sony/gobreaker"

	"github.com/pomandi/mainstage/fault"
	"github.com/pomandi/mainstage/telemetry"
)

// upsertChunk bounds the number of rows written per INSERT statement.
const upsertChunk = 100

var collectionNameRE = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

type (
	// PG implements Store on Postgres with the pgvector extension. Every
	// statement runs through a circuit breaker so a struggling database
	// surfaces as transient faults instead of pile-ups.
	PG struct {
		db      *sqlx.DB
		breaker *gobreaker.CircuitBreaker
		logger  telemetry.Logger
		metrics telemetry.Metrics
	}

	// PGConfig configures the Postgres store.
	PGConfig struct {
		// DSN is the Postgres connection string. Required.
		DSN string
		// MaxOpenConns bounds the pool. Defaults to 10.
		MaxOpenConns int
		// MaxIdleConns bounds idle connections. Defaults to 5.
		MaxIdleConns int
		// ConnMaxLifetime recycles connections. Defaults to 30m.
		ConnMaxLifetime time.Duration
		// Logger records retries and breaker transitions. Defaults to
		// a no-op logger.
		Logger telemetry.Logger
		// Metrics records operation timings. Defaults to no-op metrics.
		Metrics telemetry.Metrics
	}
)

// NewPG connects to Postgres and verifies the connection.
func NewPG(ctx context.Context, cfg PGConfig) (*PG, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen == 0 {
		maxOpen = 10
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle == 0 {
		maxIdle = 5
	}
	lifetime := cfg.ConnMaxLifetime
	if lifetime == 0 {
		lifetime = 30 * time.Minute
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(lifetime)
	return newPG(db, cfg.Logger, cfg.Metrics), nil
}

// NewPGFromDB wraps an existing connection pool. Used by tests and callers
// that manage their own pool.
func NewPGFromDB(db *sqlx.DB) *PG {
	return newPG(db, nil, nil)
}

func newPG(db *sqlx.DB, logger telemetry.Logger, metrics telemetry.Metrics) *PG {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	s := &PG{db: db, logger: logger, metrics: metrics}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "pgstore",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		// Schema and lookup faults are the caller's problem, not a sign
		// of database trouble.
		IsSuccessful: func(err error) bool {
			return err == nil || !fault.Retryable(err)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			s.logger.Warn(context.Background(), "store breaker state changed",
				"from", from.String(), "to", to.String())
		},
	})
	return s
}

// EnsureCollection creates the collection table and its HNSW index when
// absent. Safe to call on every startup.
func (s *PG) EnsureCollection(ctx context.Context, spec CollectionSpec) error {
	spec.normalize()
	if spec.Dim <= 0 {
		return fault.Errorf(fault.SchemaViolation, "store.ensure", "collection %q: dimension must be positive", spec.Name)
	}
	if spec.Metric != MetricCosine {
		return fault.Errorf(fault.SchemaViolation, "store.ensure", "collection %q: unsupported metric %q", spec.Name, spec.Metric)
	}
	table, err := tableName(spec.Name)
	if err != nil {
		return err
	}
	stmts := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGINT PRIMARY KEY,
			embedding vector(%d) NOT NULL,
			payload JSONB NOT NULL DEFAULT '{}'::jsonb,
			content_hash TEXT NOT NULL DEFAULT '',
			deleted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, table, spec.Dim),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_embedding_idx ON %s USING hnsw (embedding vector_cosine_ops) WITH (m = %d, ef_construction = %d)",
			table, table, spec.HNSWM, spec.HNSWEfConstruction),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_payload_idx ON %s USING gin (payload)", table, table),
	}
	return s.execute(ctx, "store.ensure", func() error {
		for _, stmt := range stmts {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
}

// Upsert writes points in chunks inside one transaction, so a batch either
// lands fully or not at all. Re-upserting a tombstoned id revives it.
func (s *PG) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	table, err := tableName(collection)
	if err != nil {
		return err
	}
	return s.execute(ctx, "store.upsert", func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck
		for start := 0; start < len(points); start += upsertChunk {
			end := start + upsertChunk
			if end > len(points) {
				end = len(points)
			}
			query, args, err := upsertStatement(table, points[start:end])
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

func upsertStatement(table string, points []Point) (string, []any, error) {
	var (
		tuples = make([]string, 0, len(points))
		args   = make([]any, 0, len(points)*4)
	)
	for _, p := range points {
		if len(p.Vector) == 0 {
			return "", nil, fault.Errorf(fault.SchemaViolation, "store.upsert", "point %d: vector is required", p.ID)
		}
		payload, err := json.Marshal(p.Payload)
		if err != nil {
			return "", nil, fault.Errorf(fault.SchemaViolation, "store.upsert", "point %d: encode payload: %v", p.ID, err)
		}
		base := len(args)
		tuples = append(tuples, fmt.Sprintf("($%d, $%d::vector, $%d::jsonb, $%d)",
			base+1, base+2, base+3, base+4))
		args = append(args, int64(p.ID), vectorLiteral(p.Vector), payload, p.ContentHash)
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, embedding, payload, content_hash) VALUES %s
		ON CONFLICT (id) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			payload = EXCLUDED.payload,
			content_hash = EXCLUDED.content_hash,
			deleted = FALSE,
			updated_at = now()`,
		table, strings.Join(tuples, ", "))
	return query, args, nil
}

// Search ranks non-tombstoned points by cosine similarity, applies the
// filter and threshold inside the statement, and breaks score ties by
// ascending id.
func (s *PG) Search(ctx context.Context, collection string, q Query) ([]Hit, error) {
	if len(q.Vector) == 0 {
		return nil, fault.New(fault.SchemaViolation, "store.search", "query vector is required")
	}
	if q.TopK <= 0 {
		return nil, nil
	}
	table, err := tableName(collection)
	if err != nil {
		return nil, err
	}
	args := []any{vectorLiteral(q.Vector)}
	where := []string{"deleted = FALSE"}
	conds, err := compileFilter(q.Filter, &args)
	if err != nil {
		return nil, err
	}
	where = append(where, conds...)
	if q.ScoreThreshold != nil {
		args = append(args, *q.ScoreThreshold)
		where = append(where, fmt.Sprintf("1 - (embedding <=> $1::vector) >= $%d", len(args)))
	}
	args = append(args, q.TopK)
	query := fmt.Sprintf(`SELECT id, payload, 1 - (embedding <=> $1::vector) AS score
		FROM %s WHERE %s
		ORDER BY embedding <=> $1::vector ASC, id ASC
		LIMIT $%d`,
		table, strings.Join(where, " AND "), len(args))

	var rows []struct {
		ID      int64   `db:"id"`
		Payload []byte  `db:"payload"`
		Score   float64 `db:"score"`
	}
	err = s.execute(ctx, "store.search", func() error {
		return s.db.SelectContext(ctx, &rows, query, args...)
	})
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(rows))
	for _, row := range rows {
		payload := map[string]any{}
		if len(row.Payload) > 0 {
			if err := json.Unmarshal(row.Payload, &payload); err != nil {
				return nil, fault.Errorf(fault.Internal, "store.search", "decode payload for id %d: %v", row.ID, err)
			}
		}
		hits = append(hits, Hit{ID: uint64(row.ID), Score: row.Score, Payload: payload})
	}
	return hits, nil
}

// UpdatePayload merges fields into the stored payload without touching the
// vector. Unknown ids and tombstoned points report not found.
func (s *PG) UpdatePayload(ctx context.Context, collection string, id uint64, fields map[string]any) error {
	table, err := tableName(collection)
	if err != nil {
		return err
	}
	patch, err := json.Marshal(fields)
	if err != nil {
		return fault.Errorf(fault.SchemaViolation, "store.update", "encode fields: %v", err)
	}
	query := fmt.Sprintf("UPDATE %s SET payload = payload || $2::jsonb, updated_at = now() WHERE id = $1 AND deleted = FALSE", table)
	return s.execute(ctx, "store.update", func() error {
		res, err := s.db.ExecContext(ctx, query, int64(id), patch)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fault.Errorf(fault.NotFound, "store.update", "point %d not found in %s", id, collection)
		}
		return nil
	})
}

// Delete tombstones ids and reports how many points flipped.
func (s *PG) Delete(ctx context.Context, collection string, ids []uint64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	table, err := tableName(collection)
	if err != nil {
		return 0, err
	}
	signed := make([]int64, len(ids))
	for i, id := range ids {
		signed[i] = int64(id)
	}
	query := fmt.Sprintf("UPDATE %s SET deleted = TRUE, updated_at = now() WHERE id = ANY($1) AND deleted = FALSE", table)
	var n int64
	err = s.execute(ctx, "store.delete", func() error {
		res, err := s.db.ExecContext(ctx, query, pq.Array(signed))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// List returns non-tombstoned points matching the filter, ordered by id.
// Vectors are not loaded.
func (s *PG) List(ctx context.Context, collection string, f *Filter, limit int) ([]Point, error) {
	table, err := tableName(collection)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	var args []any
	where := []string{"deleted = FALSE"}
	conds, err := compileFilter(f, &args)
	if err != nil {
		return nil, err
	}
	where = append(where, conds...)
	args = append(args, limit)
	query := fmt.Sprintf("SELECT id, payload, content_hash FROM %s WHERE %s ORDER BY id ASC LIMIT $%d",
		table, strings.Join(where, " AND "), len(args))

	var rows []struct {
		ID          int64  `db:"id"`
		Payload     []byte `db:"payload"`
		ContentHash string `db:"content_hash"`
	}
	err = s.execute(ctx, "store.list", func() error {
		return s.db.SelectContext(ctx, &rows, query, args...)
	})
	if err != nil {
		return nil, err
	}
	points := make([]Point, 0, len(rows))
	for _, row := range rows {
		payload := map[string]any{}
		if len(row.Payload) > 0 {
			if err := json.Unmarshal(row.Payload, &payload); err != nil {
				return nil, fault.Errorf(fault.Internal, "store.list", "decode payload for id %d: %v", row.ID, err)
			}
		}
		points = append(points, Point{ID: uint64(row.ID), Payload: payload, ContentHash: row.ContentHash})
	}
	return points, nil
}

// Count reports the number of non-tombstoned points.
func (s *PG) Count(ctx context.Context, collection string) (int64, error) {
	table, err := tableName(collection)
	if err != nil {
		return 0, err
	}
	var n int64
	err = s.execute(ctx, "store.count", func() error {
		return s.db.GetContext(ctx, &n, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE deleted = FALSE", table))
	})
	return n, err
}

// Ping verifies database connectivity.
func (s *PG) Ping(ctx context.Context) error {
	return s.execute(ctx, "store.ping", func() error {
		return s.db.PingContext(ctx)
	})
}

// Close releases the connection pool.
func (s *PG) Close() error { return s.db.Close() }

func (s *PG) execute(_ context.Context, op string, fn func() error) error {
	start := time.Now()
	_, err := s.breaker.Execute(func() (any, error) {
		if err := fn(); err != nil {
			return nil, wrapPGError(op, err)
		}
		return nil, nil
	})
	s.metrics.RecordTimer("store_op_duration", time.Since(start), "op", op)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fault.Wrap(fault.Transient, op, err)
		}
		return err
	}
	return nil
}

// wrapPGError maps driver errors onto the shared fault vocabulary. Faults
// pass through untouched.
func wrapPGError(op string, err error) error {
	var fe *fault.Error
	if errors.As(err, &fe) {
		return err
	}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fault.Wrap(fault.NotFound, op, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fault.Wrap(fault.Timeout, op, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "53", "57", "58":
			// Connection, resource and shutdown classes resolve on their
			// own; retrying is sound.
			return fault.Wrap(fault.Transient, op, err)
		case "23":
			return fault.Wrap(fault.Conflict, op, err)
		default:
			return fault.Wrap(fault.Internal, op, err)
		}
	}
	return fault.Wrap(fault.Transient, op, err)
}

// compileFilter renders filter conditions as SQL predicates over the JSONB
// payload, appending their arguments to args. Field names travel as bound
// parameters, never as identifiers.
func compileFilter(f *Filter, args *[]any) ([]string, error) {
	if f == nil {
		return nil, nil
	}
	conds := make([]string, 0, len(f.Conditions))
	for _, c := range f.Conditions {
		switch c.Op {
		case OpEq:
			pred, err := comparePredicate(c.Field, "=", c.Value, args)
			if err != nil {
				return nil, err
			}
			conds = append(conds, pred)
		case OpNeq:
			pred, err := comparePredicate(c.Field, "IS DISTINCT FROM", c.Value, args)
			if err != nil {
				return nil, err
			}
			conds = append(conds, pred)
		case OpIn:
			pred, err := inPredicate(c.Field, c.Values, args)
			if err != nil {
				return nil, err
			}
			conds = append(conds, pred)
		case OpRange:
			if c.Range == nil {
				return nil, fault.Errorf(fault.SchemaViolation, "store.filter", "field %q: range bounds are required", c.Field)
			}
			for _, bound := range []struct {
				op    string
				value any
			}{
				{">=", c.Range.GTE},
				{">", c.Range.GT},
				{"<=", c.Range.LTE},
				{"<", c.Range.LT},
			} {
				if bound.value == nil {
					continue
				}
				pred, err := comparePredicate(c.Field, bound.op, bound.value, args)
				if err != nil {
					return nil, err
				}
				conds = append(conds, pred)
			}
		default:
			return nil, fault.Errorf(fault.SchemaViolation, "store.filter", "field %q: unsupported operator %q", c.Field, c.Op)
		}
	}
	return conds, nil
}

func comparePredicate(field, op string, value any, args *[]any) (string, error) {
	*args = append(*args, field)
	ref := fmt.Sprintf("payload->>($%d::text)", len(*args))
	if f, ok := asFloat(value); ok {
		*args = append(*args, f)
		return fmt.Sprintf("(%s)::numeric %s $%d", ref, op, len(*args)), nil
	}
	switch v := value.(type) {
	case string:
		*args = append(*args, v)
		return fmt.Sprintf("%s %s $%d", ref, op, len(*args)), nil
	case bool:
		*args = append(*args, v)
		return fmt.Sprintf("(%s)::boolean %s $%d", ref, op, len(*args)), nil
	default:
		return "", fault.Errorf(fault.SchemaViolation, "store.filter", "field %q: unsupported value type %T", field, value)
	}
}

func inPredicate(field string, values []any, args *[]any) (string, error) {
	if len(values) == 0 {
		return "", fault.Errorf(fault.SchemaViolation, "store.filter", "field %q: in requires at least one value", field)
	}
	*args = append(*args, field)
	ref := fmt.Sprintf("payload->>($%d::text)", len(*args))
	if _, ok := asFloat(values[0]); ok {
		nums := make([]float64, len(values))
		for i, v := range values {
			f, ok := asFloat(v)
			if !ok {
				return "", fault.Errorf(fault.SchemaViolation, "store.filter", "field %q: in values must share one type", field)
			}
			nums[i] = f
		}
		*args = append(*args, pq.Array(nums))
		return fmt.Sprintf("(%s)::numeric = ANY($%d)", ref, len(*args)), nil
	}
	strs := make([]string, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			return "", fault.Errorf(fault.SchemaViolation, "store.filter", "field %q: in values must share one type", field)
		}
		strs[i] = s
	}
	*args = append(*args, pq.Array(strs))
	return fmt.Sprintf("%s = ANY($%d)", ref, len(*args)), nil
}

func tableName(collection string) (string, error) {
	if !collectionNameRE.MatchString(collection) {
		return "", fault.Errorf(fault.SchemaViolation, "store", "invalid collection name %q", collection)
	}
	return "mem_" + collection, nil
}

func vectorLiteral(vec []float32) string {
	var b strings.Builder
	b.Grow(len(vec)*10 + 2)
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
