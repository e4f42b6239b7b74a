package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	enums "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"

	"github.com/pomandi/mainstage/fault"
	"github.com/pomandi/mainstage/telemetry"
)

func TestTranslateSpecCronPassthrough(t *testing.T) {
	got, err := TranslateSpec("0 7 * * *")
	require.NoError(t, err)
	assert.Equal(t, []string{"0 7 * * *"}, got)
}

func TestTranslateSpecClockList(t *testing.T) {
	cases := []struct {
		spec string
		want []string
	}{
		{"09:00", []string{"0 9 * * *"}},
		{"09:00,18:00", []string{"0 9,18 * * *"}},
		{"10:00,19:00", []string{"0 10,19 * * *"}},
		{"09:00,18:30", []string{"0 9 * * *", "30 18 * * *"}},
		{"18:00,09:00", []string{"0 9,18 * * *"}},
		{"09:00,09:00", []string{"0 9 * * *"}},
		{"7:15", []string{"15 7 * * *"}},
		{"23:59,00:00", []string{"0 0 * * *", "59 23 * * *"}},
	}
	for _, tc := range cases {
		t.Run(tc.spec, func(t *testing.T) {
			got, err := TranslateSpec(tc.spec)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestTranslateSpecRejectsMalformed(t *testing.T) {
	for _, spec := range []string{"", "24:00", "12:60", "12:5", "banana:00", "* * *", "not a cron"} {
		t.Run(spec, func(t *testing.T) {
			_, err := TranslateSpec(spec)
			require.Error(t, err)
			assert.True(t, fault.Is(err, fault.SchemaViolation))
		})
	}
}

func TestOverlapPolicyMapping(t *testing.T) {
	cases := []struct {
		in   OverlapPolicy
		want enums.ScheduleOverlapPolicy
	}{
		{"", enums.SCHEDULE_OVERLAP_POLICY_SKIP},
		{OverlapSkip, enums.SCHEDULE_OVERLAP_POLICY_SKIP},
		{OverlapBufferOne, enums.SCHEDULE_OVERLAP_POLICY_BUFFER_ONE},
		{OverlapAllowAll, enums.SCHEDULE_OVERLAP_POLICY_ALLOW_ALL},
	}
	for _, tc := range cases {
		got, err := overlapPolicy(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}

	_, err := overlapPolicy("sometimes")
	assert.True(t, fault.Is(err, fault.SchemaViolation))
}

func TestScheduleOptionsDefaults(t *testing.T) {
	s := &Schedules{defaultQueue: "agent-tasks", logger: telemetry.NewNoopLogger()}

	opts, err := s.scheduleOptions(Schedule{
		ID:       "daily-feed-pomandi",
		Spec:     "09:00,18:00",
		Workflow: "feed_publisher",
		Input:    map[string]any{"brand": "pomandi"},
	})
	require.NoError(t, err)

	assert.Equal(t, "daily-feed-pomandi", opts.ID)
	assert.Equal(t, []string{"0 9,18 * * *"}, opts.Spec.CronExpressions)
	assert.Equal(t, "UTC", opts.Spec.TimeZoneName)
	assert.Equal(t, enums.SCHEDULE_OVERLAP_POLICY_SKIP, opts.Overlap)
	assert.Equal(t, DefaultCatchupWindow, opts.CatchupWindow)

	action, ok := opts.Action.(*client.ScheduleWorkflowAction)
	require.True(t, ok)
	assert.Equal(t, "daily-feed-pomandi", action.ID)
	assert.Equal(t, "feed_publisher", action.Workflow)
	assert.Equal(t, "agent-tasks", action.TaskQueue)
	require.Len(t, action.Args, 1)
	require.NotNil(t, action.RetryPolicy)
	assert.Equal(t, int32(3), action.RetryPolicy.MaximumAttempts)
}

func TestScheduleOptionsValidates(t *testing.T) {
	s := &Schedules{defaultQueue: "agent-tasks", logger: telemetry.NewNoopLogger()}

	_, err := s.scheduleOptions(Schedule{Spec: "09:00", Workflow: "feed_publisher"})
	assert.True(t, fault.Is(err, fault.SchemaViolation))

	_, err = s.scheduleOptions(Schedule{ID: "x", Spec: "09:00"})
	assert.True(t, fault.Is(err, fault.SchemaViolation))

	_, err = s.scheduleOptions(Schedule{ID: "x", Spec: "nope", Workflow: "w"})
	assert.True(t, fault.Is(err, fault.SchemaViolation))
}
