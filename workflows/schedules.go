package workflows

import "github.com/pomandi/mainstage/engine"

// DefaultSchedules returns the standing production schedules. Callers
// create them with engine.Schedules().Create at deploy time; creation is
// idempotent per schedule ID.
func DefaultSchedules() []engine.Schedule {
	return []engine.Schedule{
		{
			ID:       "daily-feed-pomandi",
			Spec:     "09:00,18:00",
			Workflow: FeedPublisherName,
			Input:    FeedPublisherInput{Brand: "pomandi"},
			Note:     "twice-daily feed post for pomandi.com",
		},
		{
			ID:       "daily-feed-costume",
			Spec:     "10:00,19:00",
			Workflow: FeedPublisherName,
			Input:    FeedPublisherInput{Brand: "costume"},
			Note:     "twice-daily feed post for costume.com",
		},
		{
			ID:       "daily-ad-report",
			Spec:     "0 7 * * *",
			Workflow: DailyAdReportName,
			Input:    DailyAdReportInput{},
			Note:     "yesterday's ad campaign metrics, every morning",
		},
	}
}
