package activities

import (
	"context"

	"github.com/pomandi/mainstage/fault"
)

// AdMetricsProvider fetches one day of campaign metrics from an ads platform.
// Implementations wrap the Meta/Google reporting APIs; tests use stubs.
type AdMetricsProvider interface {
	FetchMetrics(ctx context.Context, date string) ([]AdMetric, error)
}

// AdMetric is one campaign's performance for one day.
type AdMetric struct {
	CampaignID   string  `json:"campaign_id"`
	CampaignName string  `json:"campaign_name"`
	Date         string  `json:"date"`
	Impressions  int64   `json:"impressions"`
	Clicks       int64   `json:"clicks"`
	Spend        float64 `json:"spend"`
	Conversions  int64   `json:"conversions"`
	Revenue      float64 `json:"revenue"`
}

// ROAS is revenue over spend, zero when nothing was spent.
func (m AdMetric) ROAS() float64 {
	if m.Spend <= 0 {
		return 0
	}
	return m.Revenue / m.Spend
}

// AdsActivities fetches campaign metrics through a provider.
type AdsActivities struct {
	provider AdMetricsProvider
}

// NewAdsActivities wraps a metrics provider.
func NewAdsActivities(provider AdMetricsProvider) *AdsActivities {
	return &AdsActivities{provider: provider}
}

// Register registers the ads.fetch_metrics activity.
func (a *AdsActivities) Register(r Registrar) error {
	return r.RegisterActivity(AdsFetchMetrics, a.FetchMetrics)
}

type (
	// FetchAdMetricsInput names the day to report on, as YYYY-MM-DD.
	FetchAdMetricsInput struct {
		Date string `json:"date"`
	}

	// FetchAdMetricsOutput lists per-campaign metrics for the day.
	FetchAdMetricsOutput struct {
		Metrics []AdMetric `json:"metrics,omitempty"`
	}
)

// FetchMetrics fetches one day of campaign metrics.
func (a *AdsActivities) FetchMetrics(ctx context.Context, in FetchAdMetricsInput) (FetchAdMetricsOutput, error) {
	if in.Date == "" {
		return FetchAdMetricsOutput{}, Translate(fault.New(fault.SchemaViolation, "ads.fetch_metrics", "date is required"))
	}
	metrics, err := a.provider.FetchMetrics(ctx, in.Date)
	if err != nil {
		return FetchAdMetricsOutput{}, Translate(err)
	}
	return FetchAdMetricsOutput{Metrics: metrics}, nil
}
