package workflows

import (
	"encoding/json"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/pomandi/mainstage/activities"
	"github.com/pomandi/mainstage/agents/invoicematcher"
	"github.com/pomandi/mainstage/engine"
)

type (
	// InvoiceMatcherInput is one transaction to reconcile, with any invoices
	// the caller already has on hand.
	InvoiceMatcherInput struct {
		Transaction invoicematcher.Transaction `json:"transaction"`
		Invoices    []invoicematcher.Invoice   `json:"invoices,omitempty"`
	}

	// InvoiceMatcherOutput carries the match outcome and the stored report.
	InvoiceMatcherOutput struct {
		Result   invoicematcher.Result `json:"result"`
		ReportID string                `json:"report_id,omitempty"`
	}
)

// InvoiceMatcher runs the invoice matching graph as one activity and persists
// a run report. The graph call retries at most once more after 20 seconds;
// matching against a half-recovered memory store is worth one retry, not a
// storm.
func InvoiceMatcher(ctx workflow.Context, in InvoiceMatcherInput) (InvoiceMatcherOutput, error) {
	logger := workflow.GetLogger(ctx)
	status := Status{Phase: "matching"}
	if err := workflow.SetQueryHandler(ctx, QueryStatus, func() (Status, error) {
		return status, nil
	}); err != nil {
		return InvoiceMatcherOutput{}, err
	}
	state, err := json.Marshal(invoicematcher.MatchState{
		Transaction: in.Transaction,
		Invoices:    in.Invoices,
	})
	if err != nil {
		return InvoiceMatcherOutput{}, err
	}
	if cancelRequested(ctx) {
		status.Phase = "canceled"
		return InvoiceMatcherOutput{}, canceledError()
	}

	graphCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: activities.DefaultStartToClose,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        20 * time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        time.Minute,
			MaximumAttempts:        2,
			NonRetryableErrorTypes: engine.NonRetryableErrorTypes(),
		},
	})
	var graphOut activities.RunGraphOutput
	err = workflow.ExecuteActivity(graphCtx, activities.GraphRun, activities.RunGraphInput{
		Graph: invoicematcher.GraphName,
		State: state,
	}).Get(ctx, &graphOut)
	if err != nil {
		return InvoiceMatcherOutput{}, err
	}

	var final invoicematcher.MatchState
	if err := json.Unmarshal(graphOut.State, &final); err != nil {
		return InvoiceMatcherOutput{}, err
	}
	result := final.Result()
	status = Status{Phase: "reporting", StepsCompleted: result.StepsCompleted, Warnings: result.Warnings}

	out := InvoiceMatcherOutput{Result: result}
	if cancelRequested(ctx) {
		status.Phase = "canceled"
		return out, canceledError()
	}

	// A failed report must not discard a finished match.
	reportCtx := workflow.WithActivityOptions(ctx, defaultOptions())
	var report activities.SaveReportOutput
	err = workflow.ExecuteActivity(reportCtx, activities.ReportSave, activities.SaveReportInput{
		AgentName: InvoiceMatcherName,
		Kind:      "invoice_match",
		Payload: map[string]any{
			"transaction_id":     in.Transaction.TransactionID,
			"matched":            result.Matched,
			"matched_invoice_id": result.InvoiceID,
			"confidence":         result.Confidence,
			"decision_type":      result.DecisionType,
			"warnings":           len(result.Warnings),
		},
	}).Get(ctx, &report)
	if err != nil {
		logger.Warn("report save failed", "error", err)
	} else {
		out.ReportID = report.ID
	}

	status.Phase = "completed"
	return out, nil
}
