package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pomandi/mainstage/engine"
	"github.com/pomandi/mainstage/fault"
)

type stubWorkflows struct {
	startType  string
	startInput json.RawMessage
	startErr   error
	status     engine.ExecutionStatus
	statusErr  error
	cancelErr  error
	cancelled  []string
}

func (s *stubWorkflows) Start(_ context.Context, workflowType string, input json.RawMessage) (StartResult, error) {
	s.startType = workflowType
	s.startInput = input
	if s.startErr != nil {
		return StartResult{}, s.startErr
	}
	return StartResult{WorkflowID: "wf-123", RunID: "run-456"}, nil
}

func (s *stubWorkflows) Status(_ context.Context, workflowID string) (engine.ExecutionStatus, error) {
	if s.statusErr != nil {
		return engine.ExecutionStatus{}, s.statusErr
	}
	st := s.status
	st.WorkflowID = workflowID
	return st, nil
}

func (s *stubWorkflows) Cancel(_ context.Context, workflowID string) error {
	if s.cancelErr != nil {
		return s.cancelErr
	}
	s.cancelled = append(s.cancelled, workflowID)
	return nil
}

type stubSchedules struct {
	infos      []engine.ScheduleInfo
	listErr    error
	pauseErr   error
	unpauseErr error
	paused     []string
	unpaused   []string
}

func (s *stubSchedules) List(context.Context) ([]engine.ScheduleInfo, error) {
	return s.infos, s.listErr
}

func (s *stubSchedules) Pause(_ context.Context, id string) error {
	if s.pauseErr != nil {
		return s.pauseErr
	}
	s.paused = append(s.paused, id)
	return nil
}

func (s *stubSchedules) Unpause(_ context.Context, id string) error {
	if s.unpauseErr != nil {
		return s.unpauseErr
	}
	s.unpaused = append(s.unpaused, id)
	return nil
}

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	if opts.Workflows == nil {
		opts.Workflows = &stubWorkflows{}
	}
	if opts.Schedules == nil {
		opts.Schedules = &stubSchedules{}
	}
	s, err := NewServer(opts)
	require.NoError(t, err)
	return s
}

func perform(s *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestNewServerValidates(t *testing.T) {
	_, err := NewServer(Options{Schedules: &stubSchedules{}})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.SchemaViolation))

	_, err = NewServer(Options{Workflows: &stubWorkflows{}})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.SchemaViolation))
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, Options{})

	w := perform(s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decodeBody(t, w)["status"])
}

func TestStartWorkflow(t *testing.T) {
	wf := &stubWorkflows{}
	s := newTestServer(t, Options{Workflows: wf})

	w := perform(s, http.MethodPost, "/workflows/invoice_matcher",
		`{"transaction": {"amount": 88.20}}`)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, "wf-123", body["workflow_id"])
	assert.Equal(t, "run-456", body["run_id"])
	assert.Equal(t, "invoice_matcher", wf.startType)
	assert.JSONEq(t, `{"transaction": {"amount": 88.20}}`, string(wf.startInput))
}

func TestStartWorkflowEmptyBodyBecomesEmptyObject(t *testing.T) {
	wf := &stubWorkflows{}
	s := newTestServer(t, Options{Workflows: wf})

	w := perform(s, http.MethodPost, "/workflows/daily_ad_report", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{}`, string(wf.startInput))
}

func TestStartWorkflowRejectsMalformedJSON(t *testing.T) {
	s := newTestServer(t, Options{})

	w := perform(s, http.MethodPost, "/workflows/invoice_matcher", `{"broken":`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(fault.SchemaViolation), decodeBody(t, w)["kind"])
}

func TestStartWorkflowUnknownType(t *testing.T) {
	wf := &stubWorkflows{startErr: fault.Errorf(fault.NotFound, "engine.start", "workflow %q is not registered", "mystery")}
	s := newTestServer(t, Options{Workflows: wf})

	w := perform(s, http.MethodPost, "/workflows/mystery", `{}`)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(fault.NotFound), decodeBody(t, w)["kind"])
}

func TestGetWorkflow(t *testing.T) {
	wf := &stubWorkflows{status: engine.ExecutionStatus{
		RunID:         "run-9",
		Workflow:      "feed_publisher",
		Status:        "running",
		StartTime:     time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
		HistoryLength: 17,
	}}
	s := newTestServer(t, Options{Workflows: wf})

	w := perform(s, http.MethodGet, "/workflows/wf-9", "")
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, "wf-9", body["workflow_id"])
	assert.Equal(t, "running", body["status"])
	assert.Equal(t, float64(17), body["history_length"])
}

func TestGetWorkflowNotFound(t *testing.T) {
	wf := &stubWorkflows{statusErr: fault.New(fault.NotFound, "engine.status", "no such execution")}
	s := newTestServer(t, Options{Workflows: wf})

	w := perform(s, http.MethodGet, "/workflows/ghost", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelWorkflow(t *testing.T) {
	wf := &stubWorkflows{}
	s := newTestServer(t, Options{Workflows: wf})

	w := perform(s, http.MethodPost, "/workflows/wf-7/cancel", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decodeBody(t, w)["cancelled"])
	assert.Equal(t, []string{"wf-7"}, wf.cancelled)
}

func TestListSchedules(t *testing.T) {
	sch := &stubSchedules{infos: []engine.ScheduleInfo{
		{ID: "daily-feed-pomandi", Workflow: "feed_publisher"},
		{ID: "daily-ad-report", Workflow: "daily_ad_report", Paused: true},
	}}
	s := newTestServer(t, Options{Schedules: sch})

	w := perform(s, http.MethodGet, "/schedules", "")
	require.Equal(t, http.StatusOK, w.Code)

	var infos []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &infos))
	require.Len(t, infos, 2)
	assert.Equal(t, "daily-feed-pomandi", infos[0]["id"])
	assert.Equal(t, true, infos[1]["paused"])
}

func TestListSchedulesEmptyIsNotNull(t *testing.T) {
	s := newTestServer(t, Options{})

	w := perform(s, http.MethodGet, "/schedules", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]", strings.TrimSpace(w.Body.String()))
}

func TestPauseAndUnpauseSchedule(t *testing.T) {
	sch := &stubSchedules{}
	s := newTestServer(t, Options{Schedules: sch})

	w := perform(s, http.MethodPost, "/schedules/daily-feed-pomandi/pause", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decodeBody(t, w)["paused"])

	w = perform(s, http.MethodPost, "/schedules/daily-feed-pomandi/unpause", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decodeBody(t, w)["paused"])

	assert.Equal(t, []string{"daily-feed-pomandi"}, sch.paused)
	assert.Equal(t, []string{"daily-feed-pomandi"}, sch.unpaused)
}

func TestPauseUnknownSchedule(t *testing.T) {
	sch := &stubSchedules{pauseErr: fault.New(fault.NotFound, "engine.schedule", "no such schedule")}
	s := newTestServer(t, Options{Schedules: sch})

	w := perform(s, http.MethodPost, "/schedules/ghost/pause", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestErrorKindStatusMapping(t *testing.T) {
	tests := []struct {
		kind fault.Kind
		want int
	}{
		{fault.SchemaViolation, http.StatusBadRequest},
		{fault.NotFound, http.StatusNotFound},
		{fault.Conflict, http.StatusConflict},
		{fault.RateLimited, http.StatusTooManyRequests},
		{fault.Transient, http.StatusServiceUnavailable},
		{fault.Internal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			wf := &stubWorkflows{statusErr: fault.New(tt.kind, "engine.status", "boom")}
			s := newTestServer(t, Options{Workflows: wf})

			w := perform(s, http.MethodGet, "/workflows/any", "")
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestUnclassifiedErrorIs500(t *testing.T) {
	wf := &stubWorkflows{statusErr: errors.New("plain failure")}
	s := newTestServer(t, Options{Workflows: wf})

	w := perform(s, http.MethodGet, "/workflows/any", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, string(fault.Internal), decodeBody(t, w)["kind"])
}
