// Package workflows holds the durable orchestrations: invoice matching, feed
// publishing with human review, and the daily ad report. Workflow code is
// deterministic — time comes from workflow.Now, every side effect goes
// through an activity, and replays reproduce the same decisions.
package workflows

import (
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/pomandi/mainstage/activities"
	"github.com/pomandi/mainstage/engine"
)

// Workflow type names as registered with the engine.
const (
	InvoiceMatcherName = "invoice_matcher"
	FeedPublisherName  = "feed_publisher"
	DailyAdReportName  = "daily_ad_report"
)

// Signal and query names.
const (
	// SignalCancel requests cooperative cancellation; the workflow stops
	// scheduling new activities and returns what it has.
	SignalCancel = "cancel"

	// SignalApproval resolves a feed run waiting on human review.
	SignalApproval = "approval"

	// QueryStatus returns the current Status.
	QueryStatus = "status"
)

// Approval is the human-review signal payload.
type Approval struct {
	Approved bool   `json:"approved"`
	Reviewer string `json:"reviewer,omitempty"`
}

// Status answers the status query.
type Status struct {
	Phase          string   `json:"phase"`
	StepsCompleted []string `json:"steps_completed,omitempty"`
	Warnings       []string `json:"warnings,omitempty"`
}

// Register registers every workflow with the engine.
func Register(e *engine.Engine) error {
	regs := []struct {
		name string
		fn   any
	}{
		{InvoiceMatcherName, InvoiceMatcher},
		{FeedPublisherName, FeedPublisher},
		{DailyAdReportName, DailyAdReport},
	}
	for _, reg := range regs {
		if err := e.RegisterWorkflow(reg.name, reg.fn); err != nil {
			return err
		}
	}
	return nil
}

// defaultOptions is the activity option set for short calls.
func defaultOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: activities.DefaultStartToClose,
		RetryPolicy:         engine.DefaultRetryPolicy(),
	}
}

// batchOptions covers chunked memory writes, which heartbeat per chunk.
func batchOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: activities.BatchStartToClose,
		HeartbeatTimeout:    activities.DefaultStartToClose,
		RetryPolicy:         engine.DefaultRetryPolicy(),
	}
}

// publishOptions covers social delivery calls.
func publishOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: activities.PublishStartToClose,
		RetryPolicy:         engine.DefaultRetryPolicy(),
	}
}

// cancelRequested drains a pending cancel signal, if any. Workflows call it
// before scheduling the next activity; cancellation is cooperative.
func cancelRequested(ctx workflow.Context) bool {
	return workflow.GetSignalChannel(ctx, SignalCancel).ReceiveAsync(nil)
}

func canceledError() error {
	return temporal.NewCanceledError("canceled by signal")
}
