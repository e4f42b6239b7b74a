package httpapi

import (
	"context"
	"encoding/json"

	"github.com/pomandi/mainstage/engine"
)

// EngineWorkflows adapts *engine.Engine to the Workflows interface. Raw
// JSON passes through the engine's payload converter untouched, so the
// workflow decodes its own input type.
type EngineWorkflows struct {
	Engine *engine.Engine
}

var _ Workflows = EngineWorkflows{}

// Start implements Workflows.
func (w EngineWorkflows) Start(ctx context.Context, workflowType string, input json.RawMessage) (StartResult, error) {
	h, err := w.Engine.Start(ctx, engine.StartRequest{Workflow: workflowType, Input: input})
	if err != nil {
		return StartResult{}, err
	}
	return StartResult{WorkflowID: h.WorkflowID(), RunID: h.RunID()}, nil
}

// Status implements Workflows. The latest run is described when no run id
// is known.
func (w EngineWorkflows) Status(ctx context.Context, workflowID string) (engine.ExecutionStatus, error) {
	return w.Engine.QueryStatus(ctx, workflowID, "")
}

// Cancel implements Workflows.
func (w EngineWorkflows) Cancel(ctx context.Context, workflowID string) error {
	return w.Engine.CancelByID(ctx, workflowID, "")
}
