// Package eval drives agent graphs against golden datasets and computes
// aggregate accuracy, latency and cost metrics. A Runner pairs a Subject
// (the code under evaluation) with a Judge (the domain's correctness rule)
// and streams per-case results into an optional Experiment sink.
package eval

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pomandi/mainstage/fault"
	"github.com/pomandi/mainstage/telemetry"
)

// Recognized difficulty tiers.
const (
	DifficultyEasy   = "easy"
	DifficultyMedium = "medium"
	DifficultyHard   = "hard"
)

type (
	// Case is one golden test case. The input and expectation schemas are
	// agent-specific.
	Case[I, E any] struct {
		ID         string   `json:"id"`
		Difficulty string   `json:"difficulty"`
		Tags       []string `json:"tags,omitempty"`
		Input      I        `json:"input"`
		Expected   E        `json:"expected"`
	}

	// Dataset is an ordered collection of golden cases.
	Dataset[I, E any] struct {
		Name    string       `json:"dataset_name"`
		Version string       `json:"version"`
		Cases   []Case[I, E] `json:"test_cases"`
	}

	// Subject runs one case input and returns the actual output.
	Subject[I, A any] func(ctx context.Context, input I) (A, error)

	// Judge scores an actual output against the expectation.
	Judge[A, E any] func(actual A, expected E) Verdict

	// Verdict is a judge's ruling on one case. Metrics carry per-case
	// numeric scores folded into the summary means; the reserved names
	// false_positive and false_negative feed the aggregate rates.
	Verdict struct {
		Correct bool
		Metrics map[string]float64
	}

	// CaseResult records one evaluated case.
	CaseResult struct {
		CaseID     string             `json:"case_id"`
		Difficulty string             `json:"difficulty"`
		Correct    bool               `json:"correct"`
		Actual     any                `json:"actual,omitempty"`
		Expected   any                `json:"expected,omitempty"`
		Latency    time.Duration      `json:"latency_ns"`
		Err        string             `json:"error,omitempty"`
		Metrics    map[string]float64 `json:"metrics,omitempty"`
	}
)

// Metric names the aggregate treats specially.
const (
	MetricFalsePositive = "false_positive"
	MetricFalseNegative = "false_negative"
	MetricCostUSD       = "cost_usd"
)

// ReadDataset decodes and validates a dataset document.
func ReadDataset[I, E any](r io.Reader) (Dataset[I, E], error) {
	var ds Dataset[I, E]
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ds); err != nil {
		return Dataset[I, E]{}, fault.Wrap(fault.SchemaViolation, "eval.dataset", err)
	}
	if err := validateDataset(ds); err != nil {
		return Dataset[I, E]{}, err
	}
	return ds, nil
}

// LoadDataset reads a dataset from a JSON file.
func LoadDataset[I, E any](path string) (Dataset[I, E], error) {
	f, err := os.Open(path)
	if err != nil {
		return Dataset[I, E]{}, fault.Wrap(fault.NotFound, "eval.dataset", err)
	}
	defer f.Close()
	return ReadDataset[I, E](f)
}

func validateDataset[I, E any](ds Dataset[I, E]) error {
	if ds.Name == "" {
		return fault.New(fault.SchemaViolation, "eval.dataset", "dataset_name is required")
	}
	if len(ds.Cases) == 0 {
		return fault.New(fault.SchemaViolation, "eval.dataset", "test_cases is empty")
	}
	seen := make(map[string]bool, len(ds.Cases))
	for i, c := range ds.Cases {
		if c.ID == "" {
			return fault.Errorf(fault.SchemaViolation, "eval.dataset", "case %d has no id", i)
		}
		if seen[c.ID] {
			return fault.Errorf(fault.SchemaViolation, "eval.dataset", "duplicate case id %q", c.ID)
		}
		seen[c.ID] = true
		switch c.Difficulty {
		case DifficultyEasy, DifficultyMedium, DifficultyHard:
		default:
			return fault.Errorf(fault.SchemaViolation, "eval.dataset", "case %q has unknown difficulty %q", c.ID, c.Difficulty)
		}
	}
	return nil
}

// Runner evaluates a subject against a dataset, case by case in dataset
// order. A nil Experiment discards per-case logs; a nil Tracker skips cost
// accounting.
type Runner[I, A, E any] struct {
	Subject    Subject[I, A]
	Judge      Judge[A, E]
	Experiment Experiment
	Tracker    *CostTracker
	Logger     telemetry.Logger
}

// Run executes every case and returns the per-case results plus the
// aggregate summary. A subject error marks the case incorrect and moves on;
// only experiment plumbing failures abort the run.
func (r *Runner[I, A, E]) Run(ctx context.Context, ds Dataset[I, E]) ([]CaseResult, Summary, error) {
	if r.Subject == nil {
		return nil, Summary{}, fault.New(fault.SchemaViolation, "eval.run", "subject is required")
	}
	if r.Judge == nil {
		return nil, Summary{}, fault.New(fault.SchemaViolation, "eval.run", "judge is required")
	}
	logger := r.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	exp := r.Experiment
	if exp == nil {
		exp = NopExperiment{}
	}

	results := make([]CaseResult, 0, len(ds.Cases))
	for _, c := range ds.Cases {
		if err := ctx.Err(); err != nil {
			return results, Summary{}, fault.Wrap(fault.Timeout, "eval.run", err)
		}

		var costBefore float64
		if r.Tracker != nil {
			costBefore = r.Tracker.TotalUSD()
		}
		start := time.Now()
		actual, err := r.Subject(ctx, c.Input)
		latency := time.Since(start)

		res := CaseResult{
			CaseID:     c.ID,
			Difficulty: c.Difficulty,
			Expected:   c.Expected,
			Latency:    latency,
		}
		if err != nil {
			res.Err = err.Error()
			logger.Warn(ctx, "case failed", "case_id", c.ID, "error", err)
		} else {
			verdict := r.Judge(actual, c.Expected)
			res.Correct = verdict.Correct
			res.Actual = actual
			res.Metrics = verdict.Metrics
		}
		if r.Tracker != nil {
			if res.Metrics == nil {
				res.Metrics = make(map[string]float64, 1)
			}
			res.Metrics[MetricCostUSD] = r.Tracker.TotalUSD() - costBefore
		}

		if err := exp.Log(ctx, res); err != nil {
			return results, Summary{}, fmt.Errorf("log case %s: %w", c.ID, err)
		}
		results = append(results, res)
		logger.Info(ctx, "case evaluated",
			"case_id", c.ID,
			"correct", res.Correct,
			"latency_ms", latency.Milliseconds())
	}

	summary := Aggregate(results)
	summary.Dataset = ds.Name
	summary.Version = ds.Version
	if r.Tracker != nil {
		cost := r.Tracker.Summary()
		summary.Cost = &cost
	}
	if err := exp.Finish(ctx, summary); err != nil {
		return results, summary, fmt.Errorf("finish experiment: %w", err)
	}
	return results, summary, nil
}
