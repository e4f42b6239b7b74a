package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	enums "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/workflow"

	"github.com/pomandi/mainstage/fault"
)

// newOfflineEngine builds an engine on a lazy client that never dials.
// Registration and validation paths are exercised without a server.
func newOfflineEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(Options{
		ClientOptions:          &client.Options{},
		DisableWorkerAutoStart: true,
		Instrumentation:        InstrumentationOptions{DisableTracing: true, DisableMetrics: true},
	})
	require.NoError(t, err)
	return e
}

func noopWorkflow(workflow.Context) error { return nil }

func noopActivity(context.Context) error { return nil }

func TestNewRequiresClientConfig(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.SchemaViolation))
}

func TestNewDefaultsQueueAndConcurrency(t *testing.T) {
	e := newOfflineEngine(t)
	assert.Equal(t, DefaultTaskQueue, e.defaultQueue)
	assert.Equal(t, DefaultMaxConcurrentActivities, e.workerOpts.MaxConcurrentActivityExecutionSize)
}

func TestRegisterWorkflowRejectsDuplicates(t *testing.T) {
	e := newOfflineEngine(t)
	require.NoError(t, e.RegisterWorkflow("invoice_matcher", noopWorkflow))

	err := e.RegisterWorkflow("invoice_matcher", noopWorkflow)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Conflict))
}

func TestRegisterActivityRejectsDuplicates(t *testing.T) {
	e := newOfflineEngine(t)
	require.NoError(t, e.RegisterActivity("memory.save", noopActivity))

	err := e.RegisterActivity("memory.save", noopActivity)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Conflict))
}

func TestRegisterRequiresName(t *testing.T) {
	e := newOfflineEngine(t)
	assert.True(t, fault.Is(e.RegisterWorkflow("", noopWorkflow), fault.SchemaViolation))
	assert.True(t, fault.Is(e.RegisterActivity("", noopActivity), fault.SchemaViolation))
}

func TestStartValidatesBeforeDialing(t *testing.T) {
	e := newOfflineEngine(t)

	_, err := e.Start(context.Background(), StartRequest{})
	assert.True(t, fault.Is(err, fault.SchemaViolation))

	_, err = e.Start(context.Background(), StartRequest{Workflow: "never_registered"})
	assert.True(t, fault.Is(err, fault.NotFound))
}

func TestByIDOperationsRequireWorkflowID(t *testing.T) {
	e := newOfflineEngine(t)
	ctx := context.Background()

	assert.True(t, fault.Is(e.SignalByID(ctx, "", "", "cancel", nil), fault.SchemaViolation))
	assert.True(t, fault.Is(e.CancelByID(ctx, "", ""), fault.SchemaViolation))
	_, err := e.QueryStatus(ctx, "", "")
	assert.True(t, fault.Is(err, fault.SchemaViolation))
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, time.Second, p.InitialInterval)
	assert.Equal(t, 2.0, p.BackoffCoefficient)
	assert.Equal(t, time.Minute, p.MaximumInterval)
	assert.Equal(t, int32(3), p.MaximumAttempts)
	assert.ElementsMatch(t, []string{
		string(fault.SchemaViolation), string(fault.NotFound), string(fault.Conflict),
		string(fault.DeterminismViolation), string(fault.Internal),
	}, p.NonRetryableErrorTypes)
}

func TestExecutionStatusStrings(t *testing.T) {
	cases := map[enums.WorkflowExecutionStatus]string{
		enums.WORKFLOW_EXECUTION_STATUS_RUNNING:          "running",
		enums.WORKFLOW_EXECUTION_STATUS_COMPLETED:        "completed",
		enums.WORKFLOW_EXECUTION_STATUS_FAILED:           "failed",
		enums.WORKFLOW_EXECUTION_STATUS_CANCELED:         "canceled",
		enums.WORKFLOW_EXECUTION_STATUS_TERMINATED:       "terminated",
		enums.WORKFLOW_EXECUTION_STATUS_CONTINUED_AS_NEW: "continued_as_new",
		enums.WORKFLOW_EXECUTION_STATUS_TIMED_OUT:        "timed_out",
		enums.WORKFLOW_EXECUTION_STATUS_UNSPECIFIED:      "unspecified",
	}
	for status, want := range cases {
		assert.Equal(t, want, executionStatus(status))
	}
}

func TestClassifyService(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind fault.Kind
	}{
		{"not found", serviceerror.NewNotFound("no such execution"), fault.NotFound},
		{"already exists", serviceerror.NewAlreadyExists("schedule taken"), fault.Conflict},
		{"invalid argument", serviceerror.NewInvalidArgument("bad request"), fault.SchemaViolation},
		{"deadline", context.DeadlineExceeded, fault.Timeout},
		{"unknown", errors.New("connection refused"), fault.Transient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classifyService("engine.test", tc.err)
			assert.True(t, fault.Is(err, tc.kind), "got kind %v", fault.KindOf(err))
		})
	}
}
