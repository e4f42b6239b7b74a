package activities

import (
	"context"
	"encoding/json"

	"github.com/pomandi/mainstage/graph"
)

// GraphActivities runs registered agent graphs by name. Workflows hold the
// state document as opaque JSON so the activity stays deterministic from the
// workflow's point of view.
type GraphActivities struct {
	reg *graph.Registry
}

// NewGraphActivities wraps a graph registry.
func NewGraphActivities(reg *graph.Registry) *GraphActivities {
	return &GraphActivities{reg: reg}
}

// Register registers the graph.run activity.
func (a *GraphActivities) Register(r Registrar) error {
	return r.RegisterActivity(GraphRun, a.Run)
}

type (
	// RunGraphInput names a registered graph and carries its initial state
	// as a JSON document.
	RunGraphInput struct {
		Graph string          `json:"graph"`
		State json.RawMessage `json:"state,omitempty"`
	}

	// RunGraphOutput carries the final state document.
	RunGraphOutput struct {
		State json.RawMessage `json:"state"`
	}
)

// Run executes the named graph to completion and returns its final state.
func (a *GraphActivities) Run(ctx context.Context, in RunGraphInput) (RunGraphOutput, error) {
	out, err := a.reg.Run(ctx, in.Graph, in.State)
	if err != nil {
		return RunGraphOutput{}, Translate(err)
	}
	return RunGraphOutput{State: out}, nil
}
