package eval

import (
	"sort"
	"time"
)

type (
	// DifficultyStats breaks accuracy down per tier.
	DifficultyStats struct {
		Count    int     `json:"count"`
		Correct  int     `json:"correct"`
		Accuracy float64 `json:"accuracy"`
	}

	// Summary is the aggregate over one evaluation run. Accuracy is
	// correct/total, so appending a failing case can only lower it.
	Summary struct {
		Dataset string `json:"dataset,omitempty"`
		Version string `json:"version,omitempty"`

		Total    int     `json:"total"`
		Correct  int     `json:"correct"`
		Errored  int     `json:"errored"`
		Accuracy float64 `json:"accuracy"`

		ByDifficulty map[string]DifficultyStats `json:"by_difficulty,omitempty"`

		LatencyP50 time.Duration `json:"latency_p50_ns"`
		LatencyP95 time.Duration `json:"latency_p95_ns"`

		FalsePositiveRate float64 `json:"false_positive_rate"`
		FalseNegativeRate float64 `json:"false_negative_rate"`

		// MeanMetrics averages each per-case metric over the cases that
		// reported it.
		MeanMetrics map[string]float64 `json:"mean_metrics,omitempty"`

		Cost *CostSummary `json:"cost,omitempty"`
	}
)

// Aggregate folds per-case results into a summary. Percentiles use the
// nearest-rank method over the observed latencies.
func Aggregate(results []CaseResult) Summary {
	s := Summary{Total: len(results)}
	if len(results) == 0 {
		return s
	}

	latencies := make([]time.Duration, 0, len(results))
	byDifficulty := make(map[string]DifficultyStats)
	metricSums := make(map[string]float64)
	metricCounts := make(map[string]int)
	var falsePositives, falseNegatives int

	for _, r := range results {
		if r.Correct {
			s.Correct++
		}
		if r.Err != "" {
			s.Errored++
		}
		latencies = append(latencies, r.Latency)

		stats := byDifficulty[r.Difficulty]
		stats.Count++
		if r.Correct {
			stats.Correct++
		}
		byDifficulty[r.Difficulty] = stats

		for name, value := range r.Metrics {
			switch name {
			case MetricFalsePositive:
				if value > 0 {
					falsePositives++
				}
			case MetricFalseNegative:
				if value > 0 {
					falseNegatives++
				}
			default:
				metricSums[name] += value
				metricCounts[name]++
			}
		}
	}

	s.Accuracy = float64(s.Correct) / float64(s.Total)
	for tier, stats := range byDifficulty {
		stats.Accuracy = float64(stats.Correct) / float64(stats.Count)
		byDifficulty[tier] = stats
	}
	s.ByDifficulty = byDifficulty
	s.FalsePositiveRate = float64(falsePositives) / float64(s.Total)
	s.FalseNegativeRate = float64(falseNegatives) / float64(s.Total)

	if len(metricSums) > 0 {
		means := make(map[string]float64, len(metricSums))
		for name, sum := range metricSums {
			means[name] = sum / float64(metricCounts[name])
		}
		s.MeanMetrics = means
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	s.LatencyP50 = percentile(latencies, 50)
	s.LatencyP95 = percentile(latencies, 95)
	return s
}

// percentile picks the nearest-rank value from sorted latencies.
func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
