package reports

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/pomandi/mainstage/fault"
)

const (
	defaultCollection = "agent_reports"
	defaultTimeout    = 5 * time.Second
	sinkName          = "reports-mongo"
)

// MongoOptions configures the Mongo-backed sink.
type MongoOptions struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// MongoSink stores reports in a MongoDB collection.
type MongoSink struct {
	mongo   *mongodriver.Client
	coll    collection
	timeout time.Duration
}

type reportDocument struct {
	ID        bson.ObjectID `bson:"_id,omitempty"`
	AgentName string        `bson:"agent_name"`
	Kind      string        `bson:"kind"`
	Payload   bson.M        `bson:"payload,omitempty"`
	CreatedAt time.Time     `bson:"created_at"`
}

// NewMongo returns a Sink backed by the provided MongoDB client.
func NewMongo(opts MongoOptions) (*MongoSink, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	coll := opts.Collection
	if coll == "" {
		coll = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	mcoll := opts.Client.Database(opts.Database).Collection(coll)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, mcoll); err != nil {
		return nil, err
	}
	return &MongoSink{
		mongo:   opts.Client,
		coll:    mongoCollection{coll: mcoll},
		timeout: timeout,
	}, nil
}

// Name identifies the sink for health checks.
func (s *MongoSink) Name() string { return sinkName }

// Ping verifies connectivity to the primary.
func (s *MongoSink) Ping(ctx context.Context) error {
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Save implements Sink.
func (s *MongoSink) Save(ctx context.Context, r Report) (string, error) {
	if r.AgentName == "" {
		return "", fault.New(fault.SchemaViolation, "report.save", "agent name is required")
	}
	if r.Kind == "" {
		return "", fault.New(fault.SchemaViolation, "report.save", "report kind is required")
	}
	created := r.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.coll.InsertOne(ctx, reportDocument{
		AgentName: r.AgentName,
		Kind:      r.Kind,
		Payload:   bson.M(r.Payload),
		CreatedAt: created.UTC(),
	})
	if err != nil {
		return "", fault.Wrap(fault.Transient, "report.save", err)
	}
	oid, ok := res.InsertedID.(bson.ObjectID)
	if !ok {
		return "", fault.Errorf(fault.Internal, "report.save", "unexpected inserted id type %T", res.InsertedID)
	}
	return oid.Hex(), nil
}

func (s *MongoSink) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func ensureIndexes(ctx context.Context, coll *mongodriver.Collection) error {
	index := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "agent_name", Value: 1},
			{Key: "created_at", Value: -1},
		},
	}
	if _, err := coll.Indexes().CreateOne(ctx, index); err != nil {
		return fmt.Errorf("create report index: %w", err)
	}
	return nil
}

// collection narrows the Mongo collection surface so tests can stub it.
type collection interface {
	InsertOne(ctx context.Context, document any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error)
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, document any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document, opts...)
}

func newSinkWithCollection(coll collection, timeout time.Duration) *MongoSink {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &MongoSink{coll: coll, timeout: timeout}
}
