package activities

import (
	"context"

	"github.com/pomandi/mainstage/reports"
)

// ReportActivities persists agent run reports.
type ReportActivities struct {
	sink reports.Sink
}

// NewReportActivities wraps a report sink.
func NewReportActivities(sink reports.Sink) *ReportActivities {
	if sink == nil {
		sink = reports.NopSink{}
	}
	return &ReportActivities{sink: sink}
}

// Register registers the report.save activity.
func (a *ReportActivities) Register(r Registrar) error {
	return r.RegisterActivity(ReportSave, a.Save)
}

type (
	// SaveReportInput is one agent run report.
	SaveReportInput struct {
		AgentName string         `json:"agent_name"`
		Kind      string         `json:"kind"`
		Payload   map[string]any `json:"payload,omitempty"`
	}

	// SaveReportOutput carries the stored report id.
	SaveReportOutput struct {
		ID string `json:"id"`
	}
)

// Save persists one report.
func (a *ReportActivities) Save(ctx context.Context, in SaveReportInput) (SaveReportOutput, error) {
	id, err := a.sink.Save(ctx, reports.Report{
		AgentName: in.AgentName,
		Kind:      in.Kind,
		Payload:   in.Payload,
	})
	if err != nil {
		return SaveReportOutput{}, Translate(err)
	}
	return SaveReportOutput{ID: id}, nil
}
