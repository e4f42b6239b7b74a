package eval

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/pomandi/mainstage/fault"
)

// Experiment receives per-case results as they land and the final summary.
// Implementations must tolerate Finish without a prior Log (empty dataset).
type Experiment interface {
	Log(ctx context.Context, result CaseResult) error
	Finish(ctx context.Context, summary Summary) error
}

// NopExperiment discards everything. The runner's default.
type NopExperiment struct{}

// Log implements Experiment.
func (NopExperiment) Log(context.Context, CaseResult) error { return nil }

// Finish implements Experiment.
func (NopExperiment) Finish(context.Context, Summary) error { return nil }

const (
	defaultCasesCollection     = "eval_cases"
	defaultSummariesCollection = "eval_summaries"
	defaultMongoTimeout        = 5 * time.Second
)

type (
	// MongoExperimentOptions configures the Mongo-backed recorder.
	MongoExperimentOptions struct {
		// Client is the connected Mongo client. Required.
		Client *mongodriver.Client

		// Database holds the experiment collections. Required.
		Database string

		// Experiment names this run; every document carries it so
		// repeated runs against the same dataset stay comparable.
		// Required.
		Experiment string

		// CasesCollection overrides the per-case collection name.
		CasesCollection string

		// SummariesCollection overrides the summary collection name.
		SummariesCollection string

		// Timeout bounds each insert. Defaults to five seconds.
		Timeout time.Duration
	}

	// MongoExperiment records evaluation runs in MongoDB: one document per
	// case and one per run summary.
	MongoExperiment struct {
		mongo      *mongodriver.Client
		experiment string
		cases      experimentCollection
		summaries  experimentCollection
		timeout    time.Duration
	}
)

type caseDocument struct {
	Experiment string             `bson:"experiment"`
	CaseID     string             `bson:"case_id"`
	Difficulty string             `bson:"difficulty"`
	Correct    bool               `bson:"correct"`
	LatencyMS  int64              `bson:"latency_ms"`
	Error      string             `bson:"error,omitempty"`
	Metrics    map[string]float64 `bson:"metrics,omitempty"`
	CreatedAt  time.Time          `bson:"created_at"`
}

type summaryDocument struct {
	Experiment string    `bson:"experiment"`
	Summary    Summary   `bson:"summary"`
	CreatedAt  time.Time `bson:"created_at"`
}

// NewMongoExperiment returns an Experiment recording into MongoDB.
func NewMongoExperiment(opts MongoExperimentOptions) (*MongoExperiment, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	if opts.Experiment == "" {
		return nil, errors.New("experiment name is required")
	}
	casesColl := opts.CasesCollection
	if casesColl == "" {
		casesColl = defaultCasesCollection
	}
	summariesColl := opts.SummariesCollection
	if summariesColl == "" {
		summariesColl = defaultSummariesCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultMongoTimeout
	}

	db := opts.Client.Database(opts.Database)
	cases := db.Collection(casesColl)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	index := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "experiment", Value: 1},
			{Key: "created_at", Value: -1},
		},
	}
	if _, err := cases.Indexes().CreateOne(ctx, index); err != nil {
		return nil, fault.Wrap(fault.Transient, "eval.experiment", err)
	}
	return &MongoExperiment{
		mongo:      opts.Client,
		experiment: opts.Experiment,
		cases:      mongoExperimentCollection{coll: cases},
		summaries:  mongoExperimentCollection{coll: db.Collection(summariesColl)},
		timeout:    timeout,
	}, nil
}

// Ping verifies connectivity to the primary.
func (e *MongoExperiment) Ping(ctx context.Context) error {
	return e.mongo.Ping(ctx, readpref.Primary())
}

// Log implements Experiment.
func (e *MongoExperiment) Log(ctx context.Context, result CaseResult) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	_, err := e.cases.InsertOne(ctx, caseDocument{
		Experiment: e.experiment,
		CaseID:     result.CaseID,
		Difficulty: result.Difficulty,
		Correct:    result.Correct,
		LatencyMS:  result.Latency.Milliseconds(),
		Error:      result.Err,
		Metrics:    result.Metrics,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return fault.Wrap(fault.Transient, "eval.experiment", err)
	}
	return nil
}

// Finish implements Experiment.
func (e *MongoExperiment) Finish(ctx context.Context, summary Summary) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	_, err := e.summaries.InsertOne(ctx, summaryDocument{
		Experiment: e.experiment,
		Summary:    summary,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return fault.Wrap(fault.Transient, "eval.experiment", err)
	}
	return nil
}

// experimentCollection narrows the Mongo collection surface so tests can
// stub it.
type experimentCollection interface {
	InsertOne(ctx context.Context, document any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error)
}

type mongoExperimentCollection struct {
	coll *mongodriver.Collection
}

func (c mongoExperimentCollection) InsertOne(ctx context.Context, document any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document, opts...)
}

func newExperimentWithCollections(experiment string, cases, summaries experimentCollection) *MongoExperiment {
	return &MongoExperiment{
		experiment: experiment,
		cases:      cases,
		summaries:  summaries,
		timeout:    defaultMongoTimeout,
	}
}
