package eval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/pomandi/mainstage/fault"
)

type stubExperimentCollection struct {
	docs []any
	err  error
}

func (s *stubExperimentCollection) InsertOne(_ context.Context, document any, _ ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.docs = append(s.docs, document)
	return &mongodriver.InsertOneResult{InsertedID: bson.NewObjectID()}, nil
}

func TestMongoExperimentLogsCases(t *testing.T) {
	cases := &stubExperimentCollection{}
	exp := newExperimentWithCollections("invoice-matching-v3", cases, &stubExperimentCollection{})

	err := exp.Log(context.Background(), CaseResult{
		CaseID:     "easy-1",
		Difficulty: DifficultyEasy,
		Correct:    true,
		Latency:    1500 * time.Millisecond,
		Metrics:    map[string]float64{"confidence_error": 0.05},
	})
	require.NoError(t, err)

	require.Len(t, cases.docs, 1)
	doc, ok := cases.docs[0].(caseDocument)
	require.True(t, ok)
	assert.Equal(t, "invoice-matching-v3", doc.Experiment)
	assert.Equal(t, "easy-1", doc.CaseID)
	assert.True(t, doc.Correct)
	assert.Equal(t, int64(1500), doc.LatencyMS)
	assert.Equal(t, 0.05, doc.Metrics["confidence_error"])
	assert.WithinDuration(t, time.Now().UTC(), doc.CreatedAt, time.Minute)
}

func TestMongoExperimentFinishWritesSummary(t *testing.T) {
	summaries := &stubExperimentCollection{}
	exp := newExperimentWithCollections("caption-quality-v1", &stubExperimentCollection{}, summaries)

	err := exp.Finish(context.Background(), Summary{
		Dataset:  "captions",
		Total:    10,
		Correct:  8,
		Accuracy: 0.8,
	})
	require.NoError(t, err)

	require.Len(t, summaries.docs, 1)
	doc, ok := summaries.docs[0].(summaryDocument)
	require.True(t, ok)
	assert.Equal(t, "caption-quality-v1", doc.Experiment)
	assert.Equal(t, 10, doc.Summary.Total)
	assert.InDelta(t, 0.8, doc.Summary.Accuracy, 1e-9)
}

func TestMongoExperimentWrapsInsertErrors(t *testing.T) {
	exp := newExperimentWithCollections("run",
		&stubExperimentCollection{err: errors.New("socket closed")},
		&stubExperimentCollection{err: errors.New("socket closed")})

	err := exp.Log(context.Background(), CaseResult{CaseID: "a"})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Transient))
	assert.True(t, fault.Retryable(err))

	err = exp.Finish(context.Background(), Summary{})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Transient))
}

func TestNewMongoExperimentValidatesOptions(t *testing.T) {
	_, err := NewMongoExperiment(MongoExperimentOptions{})
	require.Error(t, err)

	_, err = NewMongoExperiment(MongoExperimentOptions{Client: &mongodriver.Client{}})
	require.Error(t, err)

	_, err = NewMongoExperiment(MongoExperimentOptions{Client: &mongodriver.Client{}, Database: "mainstage"})
	require.Error(t, err)
}

func TestNopExperiment(t *testing.T) {
	exp := NopExperiment{}
	assert.NoError(t, exp.Log(context.Background(), CaseResult{}))
	assert.NoError(t, exp.Finish(context.Background(), Summary{}))
}
