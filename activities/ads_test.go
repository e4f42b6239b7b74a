package activities

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pomandi/mainstage/fault"
)

type stubAdsProvider struct {
	metrics []AdMetric
	err     error
	gotDate string
}

func (p *stubAdsProvider) FetchMetrics(_ context.Context, date string) ([]AdMetric, error) {
	p.gotDate = date
	return p.metrics, p.err
}

func TestFetchAdMetrics(t *testing.T) {
	provider := &stubAdsProvider{metrics: []AdMetric{
		{CampaignID: "c-001", CampaignName: "Spring blazers", Date: "2025-03-01", Impressions: 1200, Clicks: 80, Spend: 45, Conversions: 5, Revenue: 180},
	}}
	acts := NewAdsActivities(provider)

	out, err := acts.FetchMetrics(context.Background(), FetchAdMetricsInput{Date: "2025-03-01"})
	require.NoError(t, err)
	require.Len(t, out.Metrics, 1)
	assert.Equal(t, "2025-03-01", provider.gotDate)
	assert.InDelta(t, 4.0, out.Metrics[0].ROAS(), 1e-9)
}

func TestFetchAdMetricsRequiresDate(t *testing.T) {
	acts := NewAdsActivities(&stubAdsProvider{})

	_, err := acts.FetchMetrics(context.Background(), FetchAdMetricsInput{})
	assertNonRetryable(t, err, string(fault.SchemaViolation))
}

func TestFetchAdMetricsTranslatesProviderErrors(t *testing.T) {
	acts := NewAdsActivities(&stubAdsProvider{err: fault.New(fault.RateLimited, "ads.api", "throttled")})

	_, err := acts.FetchMetrics(context.Background(), FetchAdMetricsInput{Date: "2025-03-01"})
	assertRetryable(t, err, string(fault.RateLimited))
}

func TestAdMetricROASZeroSpend(t *testing.T) {
	assert.Zero(t, AdMetric{Revenue: 100}.ROAS())
}
