package workflows

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/workflow"

	"github.com/pomandi/mainstage/activities"
	"github.com/pomandi/mainstage/memory"
)

type (
	// DailyAdReportInput names the report date. Empty means yesterday
	// relative to workflow time.
	DailyAdReportInput struct {
		Date string `json:"date,omitempty"`
	}

	// DailyAdReportOutput summarizes the fetched campaigns and the totals
	// written to memory.
	DailyAdReportOutput struct {
		Date             string  `json:"date"`
		Campaigns        int     `json:"campaigns"`
		Saved            int     `json:"saved"`
		TotalSpend       float64 `json:"total_spend"`
		TotalImpressions int64   `json:"total_impressions"`
		TotalClicks      int64   `json:"total_clicks"`
		TotalConversions int64   `json:"total_conversions"`
		AverageROAS      float64 `json:"average_roas"`
		ReportID         string  `json:"report_id,omitempty"`
	}
)

// DailyAdReport pulls one day of ad campaign metrics, writes a searchable
// line per campaign into the ad_reports collection and records a summary
// report. An empty date defaults to yesterday.
func DailyAdReport(ctx workflow.Context, in DailyAdReportInput) (DailyAdReportOutput, error) {
	logger := workflow.GetLogger(ctx)
	status := Status{Phase: "fetching"}
	if err := workflow.SetQueryHandler(ctx, QueryStatus, func() (Status, error) {
		return status, nil
	}); err != nil {
		return DailyAdReportOutput{}, err
	}

	date := in.Date
	if date == "" {
		date = workflow.Now(ctx).UTC().AddDate(0, 0, -1).Format("2006-01-02")
	}
	out := DailyAdReportOutput{Date: date}

	if cancelRequested(ctx) {
		status.Phase = "canceled"
		return out, canceledError()
	}

	actCtx := workflow.WithActivityOptions(ctx, defaultOptions())
	var fetched activities.FetchAdMetricsOutput
	err := workflow.ExecuteActivity(actCtx, activities.AdsFetchMetrics, activities.FetchAdMetricsInput{
		Date: date,
	}).Get(ctx, &fetched)
	if err != nil {
		return out, err
	}
	out.Campaigns = len(fetched.Metrics)
	status = Status{Phase: "saving", StepsCompleted: []string{"fetch_metrics"}}

	if len(fetched.Metrics) == 0 {
		logger.Info("no campaign metrics for date", "date", date)
		status.Phase = "completed"
		return out, nil
	}

	if cancelRequested(ctx) {
		status.Phase = "canceled"
		return out, canceledError()
	}

	createdAt := workflow.Now(ctx).UTC().Format(time.RFC3339)
	items := make([]activities.BatchItem, 0, len(fetched.Metrics))
	for _, m := range fetched.Metrics {
		roas := m.ROAS()
		items = append(items, activities.BatchItem{
			Content: fmt.Sprintf("%s %s: spend %.2f, %d impressions, %d clicks, %d conversions, roas %.2f",
				date, m.CampaignName, m.Spend, m.Impressions, m.Clicks, m.Conversions, roas),
			Metadata: map[string]any{
				"campaign_id":   m.CampaignID,
				"campaign_name": m.CampaignName,
				"date":          date,
				"spend":         m.Spend,
				"conversions":   m.Conversions,
				"roas":          roas,
				"created_at":    createdAt,
			},
		})
		out.TotalSpend += m.Spend
		out.TotalImpressions += m.Impressions
		out.TotalClicks += m.Clicks
		out.TotalConversions += m.Conversions
		out.AverageROAS += roas
	}
	out.AverageROAS /= float64(len(fetched.Metrics))

	batchCtx := workflow.WithActivityOptions(ctx, batchOptions())
	var saved activities.BatchSaveOutput
	err = workflow.ExecuteActivity(batchCtx, activities.MemoryBatchSave, activities.BatchSaveInput{
		Collection: memory.CollectionAdReports,
		Items:      items,
	}).Get(ctx, &saved)
	if err != nil {
		return out, err
	}
	out.Saved = saved.Saved
	status = Status{Phase: "reporting", StepsCompleted: []string{"fetch_metrics", "batch_save"}}

	var report activities.SaveReportOutput
	err = workflow.ExecuteActivity(actCtx, activities.ReportSave, activities.SaveReportInput{
		AgentName: DailyAdReportName,
		Kind:      "ad_report",
		Payload: map[string]any{
			"date":              date,
			"campaigns":         out.Campaigns,
			"saved":             out.Saved,
			"total_spend":       out.TotalSpend,
			"total_impressions": out.TotalImpressions,
			"total_clicks":      out.TotalClicks,
			"total_conversions": out.TotalConversions,
			"average_roas":      out.AverageROAS,
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
