// Package reports persists agent run reports: matching outcomes, publishing
// results and daily aggregates. Reports are append-only documents keyed by
// agent name and kind; Mongo is the production sink.
package reports

import (
	"context"
	"time"
)

// Report is one agent outcome record.
type Report struct {
	AgentName string         `json:"agent_name"`
	Kind      string         `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Sink stores reports and returns the assigned document id.
type Sink interface {
	Save(ctx context.Context, r Report) (string, error)
}

// NopSink discards every report. Useful when no report store is configured.
type NopSink struct{}

// Save implements Sink.
func (NopSink) Save(context.Context, Report) (string, error) { return "", nil }
