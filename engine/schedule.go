package engine

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron"
	enums "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"

	"github.com/pomandi/mainstage/fault"
	"github.com/pomandi/mainstage/telemetry"
)

// DefaultCatchupWindow is how far back a recovering scheduler fires missed
// runs.
const DefaultCatchupWindow = 10 * time.Minute

// OverlapPolicy decides what happens when a schedule fires while the previous
// run is still going.
type OverlapPolicy string

const (
	// OverlapSkip drops the firing. The default.
	OverlapSkip OverlapPolicy = "skip"
	// OverlapBufferOne queues at most one firing behind the running one.
	OverlapBufferOne OverlapPolicy = "buffer_one"
	// OverlapAllowAll starts every firing regardless.
	OverlapAllowAll OverlapPolicy = "allow_all"
)

// Schedule declares a recurring workflow. Spec accepts a POSIX five-field
// cron expression or a comma-separated HH:MM list; both translate to cron
// expressions, UTC unless TimeZone says otherwise.
type Schedule struct {
	ID        string        `json:"id"`
	Spec      string        `json:"spec"`
	Workflow  string        `json:"workflow"`
	Input     any           `json:"input,omitempty"`
	TaskQueue string        `json:"task_queue,omitempty"`
	Overlap   OverlapPolicy `json:"overlap,omitempty"`
	TimeZone  string        `json:"time_zone,omitempty"`
	Paused    bool          `json:"paused,omitempty"`
	Note      string        `json:"note,omitempty"`
}

// ScheduleInfo summarizes one registered schedule.
type ScheduleInfo struct {
	ID       string      `json:"id"`
	Workflow string      `json:"workflow"`
	Paused   bool        `json:"paused"`
	Note     string      `json:"note,omitempty"`
	NextRuns []time.Time `json:"next_runs,omitempty"`
}

// Schedules manages recurring workflows through Temporal's schedule service.
// Each firing starts a workflow whose id is the schedule id with the fire
// time appended.
type Schedules struct {
	client       client.ScheduleClient
	defaultQueue string
	logger       telemetry.Logger
}

// Schedules returns the schedule manager backed by this engine's client.
func (e *Engine) Schedules() *Schedules {
	return &Schedules{
		client:       e.client.ScheduleClient(),
		defaultQueue: e.defaultQueue,
		logger:       e.logger,
	}
}

// Create registers a schedule. An existing schedule with the same id is a
// conflict.
func (s *Schedules) Create(ctx context.Context, sched Schedule) error {
	opts, err := s.scheduleOptions(sched)
	if err != nil {
		return err
	}
	if _, err := s.client.Create(ctx, opts); err != nil {
		return classifyService("schedule.create", err)
	}
	s.logger.Info(ctx, "schedule created", "schedule_id", sched.ID, "workflow", sched.Workflow, "spec", sched.Spec)
	return nil
}

// Update replaces the schedule's spec, action, and policies.
func (s *Schedules) Update(ctx context.Context, sched Schedule) error {
	opts, err := s.scheduleOptions(sched)
	if err != nil {
		return err
	}
	handle := s.client.GetHandle(ctx, sched.ID)
	err = handle.Update(ctx, client.ScheduleUpdateOptions{
		DoUpdate: func(in client.ScheduleUpdateInput) (*client.ScheduleUpdate, error) {
			upd := in.Description.Schedule
			upd.Spec = &opts.Spec
			upd.Action = opts.Action
			if upd.Policy == nil {
				upd.Policy = &client.SchedulePolicies{}
			}
			upd.Policy.Overlap = opts.Overlap
			upd.Policy.CatchupWindow = opts.CatchupWindow
			if upd.State == nil {
				upd.State = &client.ScheduleState{}
			}
			upd.State.Note = opts.Note
			return &client.ScheduleUpdate{Schedule: &upd}, nil
		},
	})
	if err != nil {
		return classifyService("schedule.update", err)
	}
	return nil
}

// Delete removes a schedule. Running executions keep running.
func (s *Schedules) Delete(ctx context.Context, id string) error {
	if id == "" {
		return fault.New(fault.SchemaViolation, "schedule.delete", "schedule id is required")
	}
	if err := s.client.GetHandle(ctx, id).Delete(ctx); err != nil {
		return classifyService("schedule.delete", err)
	}
	return nil
}

// Pause stops future firings. Executions already running are untouched.
func (s *Schedules) Pause(ctx context.Context, id string) error {
	if id == "" {
		return fault.New(fault.SchemaViolation, "schedule.pause", "schedule id is required")
	}
	err := s.client.GetHandle(ctx, id).Pause(ctx, client.SchedulePauseOptions{Note: "paused via api"})
	if err != nil {
		return classifyService("schedule.pause", err)
	}
	return nil
}

// Unpause resumes future firings.
func (s *Schedules) Unpause(ctx context.Context, id string) error {
	if id == "" {
		return fault.New(fault.SchemaViolation, "schedule.unpause", "schedule id is required")
	}
	err := s.client.GetHandle(ctx, id).Unpause(ctx, client.ScheduleUnpauseOptions{Note: "unpaused via api"})
	if err != nil {
		return classifyService("schedule.unpause", err)
	}
	return nil
}

// Trigger fires the schedule once immediately, regardless of overlap policy.
func (s *Schedules) Trigger(ctx context.Context, id string) error {
	if id == "" {
		return fault.New(fault.SchemaViolation, "schedule.trigger", "schedule id is required")
	}
	err := s.client.GetHandle(ctx, id).Trigger(ctx, client.ScheduleTriggerOptions{
		Overlap: enums.SCHEDULE_OVERLAP_POLICY_ALLOW_ALL,
	})
	if err != nil {
		return classifyService("schedule.trigger", err)
	}
	return nil
}

// List returns all registered schedules.
func (s *Schedules) List(ctx context.Context) ([]ScheduleInfo, error) {
	iter, err := s.client.List(ctx, client.ScheduleListOptions{PageSize: 100})
	if err != nil {
		return nil, classifyService("schedule.list", err)
	}
	var infos []ScheduleInfo
	for iter.HasNext() {
		entry, err := iter.Next()
		if err != nil {
			return nil, classifyService("schedule.list", err)
		}
		infos = append(infos, ScheduleInfo{
			ID:       entry.ID,
			Workflow: entry.WorkflowType.Name,
			Paused:   entry.Paused,
			Note:     entry.Note,
			NextRuns: entry.NextActionTimes,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos, nil
}

func (s *Schedules) scheduleOptions(sched Schedule) (client.ScheduleOptions, error) {
	if sched.ID == "" {
		return client.ScheduleOptions{}, fault.New(fault.SchemaViolation, "schedule.spec", "schedule id is required")
	}
	if sched.Workflow == "" {
		return client.ScheduleOptions{}, fault.New(fault.SchemaViolation, "schedule.spec", "workflow name is required")
	}
	crons, err := TranslateSpec(sched.Spec)
	if err != nil {
		return client.ScheduleOptions{}, err
	}
	overlap, err := overlapPolicy(sched.Overlap)
	if err != nil {
		return client.ScheduleOptions{}, err
	}
	queue := sched.TaskQueue
	if queue == "" {
		queue = s.defaultQueue
	}
	tz := sched.TimeZone
	if tz == "" {
		tz = "UTC"
	}
	var args []any
	if sched.Input != nil {
		args = []any{sched.Input}
	}
	return client.ScheduleOptions{
		ID:   sched.ID,
		Spec: client.ScheduleSpec{CronExpressions: crons, TimeZoneName: tz},
		Action: &client.ScheduleWorkflowAction{
			// Temporal appends the fire time, so each run's workflow id is
			// "<schedule id>-<fire time>".
			ID:          sched.ID,
			Workflow:    sched.Workflow,
			Args:        args,
			TaskQueue:   queue,
			RetryPolicy: DefaultRetryPolicy(),
		},
		Overlap:       overlap,
		CatchupWindow: DefaultCatchupWindow,
		Paused:        sched.Paused,
		Note:          sched.Note,
	}, nil
}

// TranslateSpec turns a schedule spec into cron expressions. A five-field
// cron expression passes through validated; a comma-separated HH:MM list
// becomes one expression per distinct minute, hours grouped:
// "09:00,18:00" is "0 9,18 * * *".
func TranslateSpec(spec string) ([]string, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fault.New(fault.SchemaViolation, "schedule.spec", "schedule spec is empty")
	}
	if !strings.Contains(spec, " ") && strings.Contains(spec, ":") {
		return translateClockList(spec)
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fault.Errorf(fault.SchemaViolation, "schedule.spec", "invalid cron expression %q: %v", spec, err)
	}
	return []string{spec}, nil
}

func translateClockList(spec string) ([]string, error) {
	hoursByMinute := make(map[int]map[int]bool)
	for _, part := range strings.Split(spec, ",") {
		hour, minute, err := parseClock(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		if hoursByMinute[minute] == nil {
			hoursByMinute[minute] = make(map[int]bool)
		}
		hoursByMinute[minute][hour] = true
	}
	minutes := make([]int, 0, len(hoursByMinute))
	for minute := range hoursByMinute {
		minutes = append(minutes, minute)
	}
	sort.Ints(minutes)

	exprs := make([]string, 0, len(minutes))
	for _, minute := range minutes {
		hours := make([]int, 0, len(hoursByMinute[minute]))
		for hour := range hoursByMinute[minute] {
			hours = append(hours, hour)
		}
		sort.Ints(hours)
		parts := make([]string, len(hours))
		for i, hour := range hours {
			parts[i] = strconv.Itoa(hour)
		}
		exprs = append(exprs, fmt.Sprintf("%d %s * * *", minute, strings.Join(parts, ",")))
	}
	return exprs, nil
}

func parseClock(s string) (hour, minute int, err error) {
	before, after, found := strings.Cut(s, ":")
	if !found {
		return 0, 0, fault.Errorf(fault.SchemaViolation, "schedule.spec", "%q is not a HH:MM time", s)
	}
	hour, herr := strconv.Atoi(before)
	minute, merr := strconv.Atoi(after)
	if herr != nil || merr != nil || len(after) != 2 || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fault.Errorf(fault.SchemaViolation, "schedule.spec", "%q is not a HH:MM time", s)
	}
	return hour, minute, nil
}

func overlapPolicy(p OverlapPolicy) (enums.ScheduleOverlapPolicy, error) {
	switch p {
	case "", OverlapSkip:
		return enums.SCHEDULE_OVERLAP_POLICY_SKIP, nil
	case OverlapBufferOne:
		return enums.SCHEDULE_OVERLAP_POLICY_BUFFER_ONE, nil
	case OverlapAllowAll:
		return enums.SCHEDULE_OVERLAP_POLICY_ALLOW_ALL, nil
	default:
		return 0, fault.Errorf(fault.SchemaViolation, "schedule.spec", "unknown overlap policy %q", p)
	}
}
