// Package engine wraps the Temporal client and workers behind the platform's
// workflow runtime surface: registration, execution handles, signals, queries,
// schedules, and worker lifecycle. It owns the retry-policy defaults that keep
// fault kinds and Temporal error types aligned.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	enums "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/pomandi/mainstage/fault"
	"github.com/pomandi/mainstage/telemetry"
)

// DefaultTaskQueue is the queue workers poll when the configuration does not
// name one.
const DefaultTaskQueue = "agent-tasks"

// DefaultMaxConcurrentActivities bounds parallel activity executions per
// worker when the worker options leave it unset.
const DefaultMaxConcurrentActivities = 10

// Options configures the engine. Either a pre-configured Client or
// ClientOptions must be provided; with ClientOptions the engine creates a
// lazy client and wires OTEL instrumentation into it.
type Options struct {
	// Client is an optional pre-configured Temporal client. Provide one when
	// you need custom interceptors; the engine then never closes it.
	Client client.Client

	// ClientOptions describe how to construct the client when Client is nil.
	ClientOptions *client.Options

	// WorkerOptions configure the workers the engine creates.
	WorkerOptions WorkerOptions

	// Instrumentation toggles OTEL tracing and metrics on the client and
	// workers. Both are on by default.
	Instrumentation InstrumentationOptions

	// DisableWorkerAutoStart keeps workers idle until Worker().Start() is
	// called. By default the first workflow start launches them.
	DisableWorkerAutoStart bool

	// Logger, Metrics and Tracer default to no-ops when nil.
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer
}

// WorkerOptions configures the shared worker settings. One worker is created
// per task queue; all of them share Options.
type WorkerOptions struct {
	// TaskQueue is the default queue. Empty means DefaultTaskQueue.
	TaskQueue string

	// Options are forwarded to Temporal's worker constructor.
	Options worker.Options
}

// InstrumentationOptions controls the OTEL wiring.
type InstrumentationOptions struct {
	// DisableTracing skips the OTEL tracing interceptor.
	DisableTracing bool

	// DisableMetrics skips the OTEL metrics handler.
	DisableMetrics bool

	// TracerOptions customize the tracing interceptor.
	TracerOptions temporalotel.TracerOptions

	// MetricsOptions customize the metrics handler.
	MetricsOptions temporalotel.MetricsHandlerOptions
}

// Engine manages workflow and activity registration, worker lifecycle, and
// workflow execution handles on Temporal.
//
// All methods are safe for concurrent use. Construct via New, register
// workflows and activities, then either let workers auto-start on the first
// Start call or drive them through Worker().
type Engine struct {
	client      client.Client
	closeClient bool

	defaultQueue      string
	workerOpts        worker.Options
	autoStartDisabled bool

	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer

	mu             sync.Mutex
	workers        map[string]*workerBundle
	workersStarted bool
	workflows      map[string]bool
	activities     map[string]bool
}

// New constructs an engine. Either Client or ClientOptions must be set.
func New(opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	queue := opts.WorkerOptions.TaskQueue
	if queue == "" {
		queue = DefaultTaskQueue
	}

	inst, err := configureInstrumentation(opts.Instrumentation)
	if err != nil {
		return nil, err
	}

	cli := opts.Client
	closeClient := false
	if cli == nil {
		if opts.ClientOptions == nil {
			return nil, fault.New(fault.SchemaViolation, "engine.new", "client options are required when no client is provided")
		}
		clientOpts := *opts.ClientOptions
		applyClientInstrumentation(&clientOpts, inst)
		cli, err = client.NewLazyClient(clientOpts)
		if err != nil {
			return nil, fault.Wrap(fault.Transient, "engine.new", err)
		}
		closeClient = true
	}

	workerOpts := opts.WorkerOptions.Options
	if workerOpts.MaxConcurrentActivityExecutionSize == 0 {
		workerOpts.MaxConcurrentActivityExecutionSize = DefaultMaxConcurrentActivities
	}
	applyWorkerInstrumentation(&workerOpts, inst)

	return &Engine{
		client:            cli,
		closeClient:       closeClient,
		defaultQueue:      queue,
		workerOpts:        workerOpts,
		autoStartDisabled: opts.DisableWorkerAutoStart,
		logger:            logger,
		metrics:           metrics,
		tracer:            tracer,
		workers:           make(map[string]*workerBundle),
		workflows:         make(map[string]bool),
		activities:        make(map[string]bool),
	}, nil
}

// RegisterWorkflow registers a workflow function under an explicit name on
// the default queue's worker. Registration must complete before Start.
func (e *Engine) RegisterWorkflow(name string, fn any) error {
	if name == "" {
		return fault.New(fault.SchemaViolation, "engine.register_workflow", "workflow name cannot be empty")
	}
	bundle, err := e.workerForQueue(e.defaultQueue)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.workflows[name] {
		e.mu.Unlock()
		return fault.Errorf(fault.Conflict, "engine.register_workflow", "workflow %q already registered", name)
	}
	e.workflows[name] = true
	e.mu.Unlock()

	bundle.registerWorkflow(name, fn)
	return nil
}

// RegisterActivity registers an activity function under an explicit name on
// the default queue's worker. It implements the activity library's Registrar.
func (e *Engine) RegisterActivity(name string, fn any) error {
	if name == "" {
		return fault.New(fault.SchemaViolation, "engine.register_activity", "activity name cannot be empty")
	}
	bundle, err := e.workerForQueue(e.defaultQueue)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.activities[name] {
		e.mu.Unlock()
		return fault.Errorf(fault.Conflict, "engine.register_activity", "activity %q already registered", name)
	}
	e.activities[name] = true
	e.mu.Unlock()

	bundle.registerActivity(name, fn)
	return nil
}

// StartRequest launches one workflow execution.
type StartRequest struct {
	// Workflow is the registered workflow name. Required.
	Workflow string

	// ID is the workflow id. Empty lets Temporal assign one. Starting a
	// second execution with a running id is a conflict.
	ID string

	// TaskQueue overrides the default queue.
	TaskQueue string

	// Input is the workflow argument.
	Input any

	// RetryPolicy overrides the workflow-level retry policy.
	RetryPolicy *temporal.RetryPolicy
}

// Start launches a workflow execution and returns its handle. Workers are
// started first unless auto-start is disabled.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*Handle, error) {
	if req.Workflow == "" {
		return nil, fault.New(fault.SchemaViolation, "engine.start", "workflow name is required")
	}
	e.mu.Lock()
	registered := e.workflows[req.Workflow]
	e.mu.Unlock()
	if !registered {
		return nil, fault.Errorf(fault.NotFound, "engine.start", "workflow %q is not registered", req.Workflow)
	}

	if !e.autoStartDisabled {
		e.ensureWorkersStarted()
	}

	queue := req.TaskQueue
	if queue == "" {
		queue = e.defaultQueue
	}
	opts := client.StartWorkflowOptions{
		ID:                                       req.ID,
		TaskQueue:                                queue,
		RetryPolicy:                              req.RetryPolicy,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
	}

	run, err := e.client.ExecuteWorkflow(ctx, opts, req.Workflow, req.Input)
	if err != nil {
		return nil, classifyService("engine.start", err)
	}
	e.logger.Info(ctx, "workflow started",
		"workflow", req.Workflow, "workflow_id", run.GetID(), "run_id", run.GetRunID(), "queue", queue)
	e.metrics.IncCounter("workflow_started", 1, "workflow", req.Workflow)
	return &Handle{run: run, client: e.client}, nil
}

// SignalByID delivers a signal to a workflow by id. An empty run id targets
// the latest execution.
func (e *Engine) SignalByID(ctx context.Context, workflowID, runID, name string, payload any) error {
	if workflowID == "" {
		return fault.New(fault.SchemaViolation, "engine.signal", "workflow id is required")
	}
	if err := e.client.SignalWorkflow(ctx, workflowID, runID, name, payload); err != nil {
		return classifyService("engine.signal", err)
	}
	return nil
}

// CancelByID requests cooperative cancellation of a workflow by id.
func (e *Engine) CancelByID(ctx context.Context, workflowID, runID string) error {
	if workflowID == "" {
		return fault.New(fault.SchemaViolation, "engine.cancel", "workflow id is required")
	}
	if err := e.client.CancelWorkflow(ctx, workflowID, runID); err != nil {
		return classifyService("engine.cancel", err)
	}
	return nil
}

// ExecutionStatus summarizes one workflow execution.
type ExecutionStatus struct {
	WorkflowID    string    `json:"workflow_id"`
	RunID         string    `json:"run_id"`
	Workflow      string    `json:"workflow"`
	Status        string    `json:"status"`
	StartTime     time.Time `json:"start_time"`
	CloseTime     time.Time `json:"close_time,omitzero"`
	HistoryLength int64     `json:"history_length"`
}

// QueryStatus describes a workflow execution: lifecycle status plus a history
// summary.
func (e *Engine) QueryStatus(ctx context.Context, workflowID, runID string) (ExecutionStatus, error) {
	if workflowID == "" {
		return ExecutionStatus{}, fault.New(fault.SchemaViolation, "engine.query_status", "workflow id is required")
	}
	desc, err := e.client.DescribeWorkflowExecution(ctx, workflowID, runID)
	if err != nil {
		return ExecutionStatus{}, classifyService("engine.query_status", err)
	}
	info := desc.GetWorkflowExecutionInfo()
	status := ExecutionStatus{
		WorkflowID:    workflowID,
		RunID:         runID,
		Status:        executionStatus(info.GetStatus()),
		HistoryLength: info.GetHistoryLength(),
	}
	if exec := info.GetExecution(); exec != nil {
		status.WorkflowID = exec.GetWorkflowId()
		status.RunID = exec.GetRunId()
	}
	if t := info.GetType(); t != nil {
		status.Workflow = t.GetName()
	}
	if ts := info.GetStartTime(); ts != nil {
		status.StartTime = ts.AsTime()
	}
	if ts := info.GetCloseTime(); ts != nil {
		status.CloseTime = ts.AsTime()
	}
	return status, nil
}

// Health verifies connectivity to the Temporal frontend.
func (e *Engine) Health(ctx context.Context) error {
	if _, err := e.client.CheckHealth(ctx, &client.CheckHealthRequest{}); err != nil {
		return classifyService("engine.health", err)
	}
	return nil
}

// Worker returns the lifecycle controller for all workers managed by the
// engine. Needed only when auto-start is disabled.
func (e *Engine) Worker() *WorkerController {
	return &WorkerController{engine: e}
}

// Close shuts down the Temporal client if the engine created it. Stop workers
// first via Worker().Stop().
func (e *Engine) Close() {
	if e.closeClient && e.client != nil {
		e.client.Close()
	}
}

// Handle refers to one workflow execution.
type Handle struct {
	run    client.WorkflowRun
	client client.Client
}

// WorkflowID returns the execution's workflow id.
func (h *Handle) WorkflowID() string { return h.run.GetID() }

// RunID returns the execution's run id.
func (h *Handle) RunID() string { return h.run.GetRunID() }

// Wait blocks until the workflow completes and decodes its result.
func (h *Handle) Wait(ctx context.Context, result any) error {
	return h.run.Get(ctx, result)
}

// Signal delivers a signal to this execution.
func (h *Handle) Signal(ctx context.Context, name string, payload any) error {
	if err := h.client.SignalWorkflow(ctx, h.run.GetID(), h.run.GetRunID(), name, payload); err != nil {
		return classifyService("engine.signal", err)
	}
	return nil
}

// Query evaluates a read-only query against this execution's current state.
func (h *Handle) Query(ctx context.Context, query string, result any, args ...any) error {
	val, err := h.client.QueryWorkflow(ctx, h.run.GetID(), h.run.GetRunID(), query, args...)
	if err != nil {
		return classifyService("engine.query", err)
	}
	if result == nil {
		return nil
	}
	return val.Get(result)
}

// Cancel requests cooperative cancellation of this execution.
func (h *Handle) Cancel(ctx context.Context) error {
	if err := h.client.CancelWorkflow(ctx, h.run.GetID(), h.run.GetRunID()); err != nil {
		return classifyService("engine.cancel", err)
	}
	return nil
}

// DefaultRetryPolicy is the platform activity retry policy: 1s initial, 2x
// backoff capped at 60s, 3 attempts, with the non-retryable fault kinds
// excluded so schema violations and friends fail fast.
func DefaultRetryPolicy() *temporal.RetryPolicy {
	return &temporal.RetryPolicy{
		InitialInterval:        time.Second,
		BackoffCoefficient:     2.0,
		MaximumInterval:        time.Minute,
		MaximumAttempts:        3,
		NonRetryableErrorTypes: NonRetryableErrorTypes(),
	}
}

// NonRetryableErrorTypes lists the fault kinds that stop retries, in the
// string form activity errors carry as their type.
func NonRetryableErrorTypes() []string {
	kinds := fault.NonRetryableKinds()
	types := make([]string, len(kinds))
	for i, k := range kinds {
		types[i] = string(k)
	}
	return types
}

func (e *Engine) workerForQueue(queue string) (*workerBundle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if bundle, ok := e.workers[queue]; ok {
		return bundle, nil
	}
	w := worker.New(e.client, queue, e.workerOpts)
	bundle := &workerBundle{queue: queue, worker: w, logger: e.logger}
	e.workers[queue] = bundle
	if e.workersStarted {
		bundle.start()
	}
	return bundle, nil
}

func (e *Engine) ensureWorkersStarted() {
	e.mu.Lock()
	if e.workersStarted {
		e.mu.Unlock()
		return
	}
	e.workersStarted = true
	bundles := make([]*workerBundle, 0, len(e.workers))
	for _, b := range e.workers {
		bundles = append(bundles, b)
	}
	e.mu.Unlock()
	for _, b := range bundles {
		b.start()
	}
}

// WorkerController starts and stops every worker the engine manages.
type WorkerController struct {
	engine *Engine
}

// Start launches all registered workers. Workers registered afterwards start
// as they are created.
func (c *WorkerController) Start() {
	c.engine.ensureWorkersStarted()
}

// Stop drains and stops all workers.
func (c *WorkerController) Stop() {
	c.engine.mu.Lock()
	bundles := make([]*workerBundle, 0, len(c.engine.workers))
	for _, b := range c.engine.workers {
		bundles = append(bundles, b)
	}
	c.engine.mu.Unlock()
	for _, b := range bundles {
		b.stop()
	}
}

type workerBundle struct {
	queue  string
	worker worker.Worker
	logger telemetry.Logger

	startOnce sync.Once
}

func (b *workerBundle) start() {
	b.startOnce.Do(func() {
		go func() {
			if err := b.worker.Run(worker.InterruptCh()); err != nil {
				b.logger.Error(context.Background(), "worker exited", "queue", b.queue, "err", err)
			}
		}()
	})
}

func (b *workerBundle) stop() {
	b.worker.Stop()
}

func (b *workerBundle) registerWorkflow(name string, fn any) {
	b.worker.RegisterWorkflowWithOptions(fn, workflow.RegisterOptions{Name: name})
}

func (b *workerBundle) registerActivity(name string, fn any) {
	b.worker.RegisterActivityWithOptions(fn, activity.RegisterOptions{Name: name})
}

type instrumentation struct {
	tracer  interceptor.Interceptor
	metrics client.MetricsHandler
}

func configureInstrumentation(opts InstrumentationOptions) (*instrumentation, error) {
	inst := &instrumentation{}
	if !opts.DisableTracing {
		tracer, err := temporalotel.NewTracingInterceptor(opts.TracerOptions)
		if err != nil {
			return nil, fault.Wrap(fault.Internal, "engine.new", err)
		}
		inst.tracer = tracer
	}
	if !opts.DisableMetrics {
		inst.metrics = temporalotel.NewMetricsHandler(opts.MetricsOptions)
	}
	if inst.tracer == nil && inst.metrics == nil {
		return nil, nil
	}
	return inst, nil
}

func applyClientInstrumentation(opts *client.Options, inst *instrumentation) {
	if inst == nil {
		return
	}
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
	if inst.metrics != nil && opts.MetricsHandler == nil {
		opts.MetricsHandler = inst.metrics
	}
}

func applyWorkerInstrumentation(opts *worker.Options, inst *instrumentation) {
	if inst == nil {
		return
	}
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
}

func executionStatus(s enums.WorkflowExecutionStatus) string {
	switch s {
	case enums.WORKFLOW_EXECUTION_STATUS_RUNNING:
		return "running"
	case enums.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		return "completed"
	case enums.WORKFLOW_EXECUTION_STATUS_FAILED:
		return "failed"
	case enums.WORKFLOW_EXECUTION_STATUS_CANCELED:
		return "canceled"
	case enums.WORKFLOW_EXECUTION_STATUS_TERMINATED:
		return "terminated"
	case enums.WORKFLOW_EXECUTION_STATUS_CONTINUED_AS_NEW:
		return "continued_as_new"
	case enums.WORKFLOW_EXECUTION_STATUS_TIMED_OUT:
		return "timed_out"
	default:
		return "unspecified"
	}
}

func classifyService(op string, err error) error {
	var notFound *serviceerror.NotFound
	if errors.As(err, &notFound) {
		return fault.Wrap(fault.NotFound, op, err)
	}
	var alreadyStarted *serviceerror.WorkflowExecutionAlreadyStarted
	if errors.As(err, &alreadyStarted) {
		return fault.Wrap(fault.Conflict, op, err)
	}
	var alreadyExists *serviceerror.AlreadyExists
	if errors.As(err, &alreadyExists) {
		return fault.Wrap(fault.Conflict, op, err)
	}
	var invalid *serviceerror.InvalidArgument
	if errors.As(err, &invalid) {
		return fault.Wrap(fault.SchemaViolation, op, err)
	}
	var exhausted *serviceerror.ResourceExhausted
	if errors.As(err, &exhausted) {
		return fault.Wrap(fault.RateLimited, op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fault.Wrap(fault.Timeout, op, err)
	}
	return fault.Wrap(fault.Transient, op, err)
}
