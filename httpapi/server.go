// Package httpapi is the HTTP facade over the platform: workflow triggers,
// execution queries, schedule control and component health. It speaks JSON
// and maps error kinds onto status codes, so callers can distinguish bad
// requests from missing entities from backend outages.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pomandi/mainstage/engine"
	"github.com/pomandi/mainstage/fault"
	"github.com/pomandi/mainstage/telemetry"
)

type (
	// StartResult identifies a started workflow execution.
	StartResult struct {
		WorkflowID string `json:"workflow_id"`
		RunID      string `json:"run_id"`
	}

	// Workflows is the engine subset the facade drives.
	Workflows interface {
		Start(ctx context.Context, workflowType string, input json.RawMessage) (StartResult, error)
		Status(ctx context.Context, workflowID string) (engine.ExecutionStatus, error)
		Cancel(ctx context.Context, workflowID string) error
	}

	// Schedules is the schedule-manager subset the facade drives.
	// *engine.Schedules satisfies it.
	Schedules interface {
		List(ctx context.Context) ([]engine.ScheduleInfo, error)
		Pause(ctx context.Context, id string) error
		Unpause(ctx context.Context, id string) error
	}

	// Options configures the server.
	Options struct {
		// Workflows drives executions. Required.
		Workflows Workflows
		// Schedules drives schedule control. Required.
		Schedules Schedules
		// Actors are the components surfaced by GET /actors/status.
		Actors []Actor
		// Logger records requests. Defaults to a no-op logger.
		Logger telemetry.Logger
		// Metrics records request counters. Defaults to no-op metrics.
		Metrics telemetry.Metrics
	}

	// Server is the HTTP facade.
	Server struct {
		router    *gin.Engine
		server    *http.Server
		workflows Workflows
		schedules Schedules
		actors    []Actor
		logger    telemetry.Logger
		metrics   telemetry.Metrics

		mu       sync.Mutex
		lastSeen map[string]time.Time
	}
)

// NewServer builds the facade and its routes.
func NewServer(opts Options) (*Server, error) {
	if opts.Workflows == nil {
		return nil, fault.New(fault.SchemaViolation, "httpapi.new", "workflows backend is required")
	}
	if opts.Schedules == nil {
		return nil, fault.New(fault.SchemaViolation, "httpapi.new", "schedules backend is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	s := &Server{
		router:    router,
		workflows: opts.Workflows,
		schedules: opts.Schedules,
		actors:    opts.Actors,
		logger:    logger,
		metrics:   metrics,
		lastSeen:  make(map[string]time.Time),
	}
	router.Use(gin.Recovery())
	router.Use(s.requestLogger())
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.router.GET("/health", s.health)
	s.router.GET("/actors/status", s.actorStatus)

	// One wildcard name per position: the :id segment carries the workflow
	// type on start and the execution id on query and cancel.
	wf := s.router.Group("/workflows")
	wf.POST("/:id", s.startWorkflow)
	wf.GET("/:id", s.getWorkflow)
	wf.POST("/:id/cancel", s.cancelWorkflow)

	sch := s.router.Group("/schedules")
	sch.GET("", s.listSchedules)
	sch.POST("/:id/pause", s.pauseSchedule)
	sch.POST("/:id/unpause", s.unpauseSchedule)
}

// Handler exposes the router, for tests and custom servers.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug(c.Request.Context(), "request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
		s.metrics.IncCounter("http_requests", 1,
			"path", c.FullPath(), "method", c.Request.Method)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) startWorkflow(c *gin.Context) {
	workflowType := c.Param("id")

	input, err := c.GetRawData()
	if err != nil {
		s.fail(c, fault.Wrap(fault.SchemaViolation, "httpapi.start", err))
		return
	}
	if len(input) == 0 {
		input = []byte("{}")
	}
	if !json.Valid(input) {
		s.fail(c, fault.New(fault.SchemaViolation, "httpapi.start", "request body is not valid JSON"))
		return
	}

	started, err := s.workflows.Start(c.Request.Context(), workflowType, input)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, started)
}

func (s *Server) getWorkflow(c *gin.Context) {
	status, err := s.workflows.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) cancelWorkflow(c *gin.Context) {
	if err := s.workflows.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

func (s *Server) listSchedules(c *gin.Context) {
	infos, err := s.schedules.List(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if infos == nil {
		infos = []engine.ScheduleInfo{}
	}
	c.JSON(http.StatusOK, infos)
}

func (s *Server) pauseSchedule(c *gin.Context) {
	if err := s.schedules.Pause(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (s *Server) unpauseSchedule(c *gin.Context) {
	if err := s.schedules.Unpause(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": false})
}

func (s *Server) fail(c *gin.Context, err error) {
	status := fault.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(c.Request.Context(), "request failed",
			"method", c.Request.Method, "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{
		"error": err.Error(),
		"kind":  string(fault.KindOf(err)),
	})
}
