package eval

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pomandi/mainstage/fault"
)

type addInput struct {
	A int `json:"a"`
	B int `json:"b"`
}

func testDataset(cases ...Case[addInput, int]) Dataset[addInput, int] {
	return Dataset[addInput, int]{Name: "addition", Version: "1", Cases: cases}
}

func addCase(id, difficulty string, a, b, want int) Case[addInput, int] {
	return Case[addInput, int]{ID: id, Difficulty: difficulty, Input: addInput{A: a, B: b}, Expected: want}
}

func TestReadDataset(t *testing.T) {
	doc := `{
		"dataset_name": "addition",
		"version": "2",
		"test_cases": [
			{"id": "one", "difficulty": "easy", "input": {"a": 1, "b": 2}, "expected": 3},
			{"id": "two", "difficulty": "hard", "input": {"a": 40, "b": 2}, "expected": 42}
		]
	}`
	ds, err := ReadDataset[addInput, int](strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, "addition", ds.Name)
	assert.Equal(t, "2", ds.Version)
	require.Len(t, ds.Cases, 2)
	assert.Equal(t, addInput{A: 40, B: 2}, ds.Cases[1].Input)
	assert.Equal(t, 42, ds.Cases[1].Expected)
}

func TestReadDatasetRejectsInvalidDocuments(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing name", `{"test_cases": [{"id": "a", "difficulty": "easy"}]}`},
		{"no cases", `{"dataset_name": "d", "test_cases": []}`},
		{"missing case id", `{"dataset_name": "d", "test_cases": [{"difficulty": "easy"}]}`},
		{"duplicate ids", `{"dataset_name": "d", "test_cases": [
			{"id": "a", "difficulty": "easy"}, {"id": "a", "difficulty": "easy"}]}`},
		{"unknown difficulty", `{"dataset_name": "d", "test_cases": [{"id": "a", "difficulty": "extreme"}]}`},
		{"unknown field", `{"dataset_name": "d", "surprise": true, "test_cases": [{"id": "a", "difficulty": "easy"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadDataset[addInput, int](strings.NewReader(tt.doc))
			require.Error(t, err)
			assert.True(t, fault.Is(err, fault.SchemaViolation), "got %v", err)
		})
	}
}

func TestLoadDatasetMissingFile(t *testing.T) {
	_, err := LoadDataset[addInput, int]("testdata/does-not-exist.json")
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.NotFound))
}

func TestRunnerEvaluatesEveryCaseInOrder(t *testing.T) {
	ds := testDataset(
		addCase("easy-1", DifficultyEasy, 1, 2, 3),
		addCase("medium-1", DifficultyMedium, 10, 5, 15),
		addCase("hard-1", DifficultyHard, 2, 2, 5), // golden answer is wrong on purpose
	)
	runner := &Runner[addInput, int, int]{
		Subject: func(_ context.Context, in addInput) (int, error) { return in.A + in.B, nil },
		Judge: func(actual, expected int) Verdict {
			return Verdict{Correct: actual == expected}
		},
	}

	results, summary, err := runner.Run(context.Background(), ds)
	require.NoError(t, err)
	require.Len(t, results, 3)

	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.CaseID
	}
	assert.Equal(t, []string{"easy-1", "medium-1", "hard-1"}, ids)

	assert.True(t, results[0].Correct)
	assert.True(t, results[1].Correct)
	assert.False(t, results[2].Correct)

	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.Correct)
	assert.InDelta(t, 2.0/3.0, summary.Accuracy, 1e-9)
	assert.Equal(t, "addition", summary.Dataset)
	assert.Equal(t, 1.0, summary.ByDifficulty[DifficultyEasy].Accuracy)
	assert.Equal(t, 0.0, summary.ByDifficulty[DifficultyHard].Accuracy)
}

func TestRunnerSubjectErrorMarksCaseIncorrect(t *testing.T) {
	ds := testDataset(
		addCase("ok", DifficultyEasy, 1, 1, 2),
		addCase("boom", DifficultyEasy, 2, 2, 4),
	)
	runner := &Runner[addInput, int, int]{
		Subject: func(_ context.Context, in addInput) (int, error) {
			if in.A == 2 {
				return 0, errors.New("provider down")
			}
			return in.A + in.B, nil
		},
		Judge: func(actual, expected int) Verdict { return Verdict{Correct: actual == expected} },
	}

	results, summary, err := runner.Run(context.Background(), ds)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.False(t, results[1].Correct)
	assert.Contains(t, results[1].Err, "provider down")
	assert.Equal(t, 1, summary.Errored)
	assert.InDelta(t, 0.5, summary.Accuracy, 1e-9)
}

func TestRunnerRequiresSubjectAndJudge(t *testing.T) {
	ds := testDataset(addCase("a", DifficultyEasy, 1, 1, 2))

	_, _, err := (&Runner[addInput, int, int]{}).Run(context.Background(), ds)
	assert.True(t, fault.Is(err, fault.SchemaViolation))

	_, _, err = (&Runner[addInput, int, int]{
		Subject: func(context.Context, addInput) (int, error) { return 0, nil },
	}).Run(context.Background(), ds)
	assert.True(t, fault.Is(err, fault.SchemaViolation))
}

func TestRunnerStopsOnCanceledContext(t *testing.T) {
	ds := testDataset(
		addCase("first", DifficultyEasy, 1, 1, 2),
		addCase("second", DifficultyEasy, 2, 2, 4),
	)
	ctx, cancel := context.WithCancel(context.Background())
	runner := &Runner[addInput, int, int]{
		Subject: func(_ context.Context, in addInput) (int, error) {
			cancel() // cancel mid-run; the next case must not start
			return in.A + in.B, nil
		},
		Judge: func(actual, expected int) Verdict { return Verdict{Correct: actual == expected} },
	}

	results, _, err := runner.Run(ctx, ds)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Timeout))
	assert.Len(t, results, 1)
}

func TestRunnerRecordsPerCaseCost(t *testing.T) {
	ds := testDataset(
		addCase("a", DifficultyEasy, 1, 1, 2),
		addCase("b", DifficultyEasy, 2, 3, 5),
	)
	tracker := NewCostTracker(nil)
	runner := &Runner[addInput, int, int]{
		Subject: func(_ context.Context, in addInput) (int, error) {
			tracker.RecordEmbedding(1_000_000) // $0.02 per case
			return in.A + in.B, nil
		},
		Judge:   func(actual, expected int) Verdict { return Verdict{Correct: actual == expected} },
		Tracker: tracker,
	}

	results, summary, err := runner.Run(context.Background(), ds)
	require.NoError(t, err)
	for _, r := range results {
		assert.InDelta(t, 0.02, r.Metrics[MetricCostUSD], 1e-9)
	}
	require.NotNil(t, summary.Cost)
	assert.InDelta(t, 0.04, summary.Cost.TotalUSD, 1e-9)
	assert.Equal(t, int64(2_000_000), summary.Cost.EmbeddingTokens)
}

func TestRunnerStreamsResultsIntoExperiment(t *testing.T) {
	ds := testDataset(
		addCase("a", DifficultyEasy, 1, 1, 2),
		addCase("b", DifficultyMedium, 5, 5, 10),
	)
	exp := &recordingExperiment{}
	runner := &Runner[addInput, int, int]{
		Subject:    func(_ context.Context, in addInput) (int, error) { return in.A + in.B, nil },
		Judge:      func(actual, expected int) Verdict { return Verdict{Correct: actual == expected} },
		Experiment: exp,
	}

	_, summary, err := runner.Run(context.Background(), ds)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, exp.caseIDs)
	require.NotNil(t, exp.summary)
	assert.Equal(t, summary.Accuracy, exp.summary.Accuracy)
}

func TestRunnerFailsWhenExperimentLogFails(t *testing.T) {
	ds := testDataset(addCase("a", DifficultyEasy, 1, 1, 2))
	runner := &Runner[addInput, int, int]{
		Subject:    func(_ context.Context, in addInput) (int, error) { return in.A + in.B, nil },
		Judge:      func(actual, expected int) Verdict { return Verdict{Correct: actual == expected} },
		Experiment: &recordingExperiment{logErr: errors.New("mongo unreachable")},
	}

	_, _, err := runner.Run(context.Background(), ds)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mongo unreachable")
}

type recordingExperiment struct {
	caseIDs []string
	summary *Summary
	logErr  error
}

func (r *recordingExperiment) Log(_ context.Context, result CaseResult) error {
	if r.logErr != nil {
		return r.logErr
	}
	r.caseIDs = append(r.caseIDs, result.CaseID)
	return nil
}

func (r *recordingExperiment) Finish(_ context.Context, summary Summary) error {
	r.summary = &summary
	return nil
}

func TestRunnerLatencyIsMeasured(t *testing.T) {
	ds := testDataset(addCase("slow", DifficultyEasy, 1, 1, 2))
	runner := &Runner[addInput, int, int]{
		Subject: func(_ context.Context, in addInput) (int, error) {
			time.Sleep(5 * time.Millisecond)
			return in.A + in.B, nil
		},
		Judge: func(actual, expected int) Verdict { return Verdict{Correct: actual == expected} },
	}

	results, _, err := runner.Run(context.Background(), ds)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, results[0].Latency, 5*time.Millisecond)
}
