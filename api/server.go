// Package api contains the HTTP handlers of the execution service.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/songzhibin97/genflow/graph"
	"github.com/songzhibin97/genflow/schema"
	"github.com/songzhibin97/genflow/storage"
	"github.com/songzhibin97/genflow/types"
	"github.com/songzhibin97/genflow/workflow"
)

// UserHeader carries the caller identity when the body does not.
const UserHeader = "X-User-ID"

// Server holds the dependencies for the API server.
type Server struct {
	Engine *workflow.Engine
	Logger *slog.Logger
}

// NewServer creates a new Server.
func NewServer(engine *workflow.Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{Engine: engine, Logger: logger}
}

// NewEcho builds an echo instance with middleware and routes mounted.
func NewEcho(s *Server, serviceName string) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware(serviceName))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.Logger.Info("request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))

	s.Register(e)
	return e
}

// Register mounts the routes on e.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/health", s.Health)
	e.PUT("/workflows", s.PutWorkflow)
	e.GET("/workflows/:id", s.GetWorkflow)
	e.POST("/run", s.StartRun)
	e.GET("/run/:runId", s.GetRun)
	e.GET("/run/:runId/logs", s.GetRunLogs)
}

// HealthStatus represents the health check response
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
}

// Health returns basic health status (always returns 200 OK)
// (GET /health)
func (s *Server) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Service:   "genflow",
	})
}

// PutWorkflow creates or replaces a workflow definition
// (PUT /workflows)
func (s *Server) PutWorkflow(c echo.Context) error {
	ctx := c.Request().Context()

	var wf types.Workflow
	if err := c.Bind(&wf); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if wf.UserID == "" {
		wf.UserID = c.Request().Header.Get(UserHeader)
	}
	if wf.UserID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id is required")
	}

	if existing, err := s.Engine.GetWorkflow(ctx, wf.ID); err == nil && existing.UserID != "" && existing.UserID != wf.UserID {
		return echo.NewHTTPError(http.StatusForbidden, workflow.ErrForbidden.Error())
	}

	stored, err := s.Engine.RegisterWorkflow(ctx, wf)
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusOK, stored)
}

// GetWorkflow returns a stored workflow
// (GET /workflows/:id)
func (s *Server) GetWorkflow(c echo.Context) error {
	wf, err := s.Engine.GetWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusOK, wf)
}

// RunRequest is the body of POST /run.
type RunRequest struct {
	WorkflowID string                 `json:"workflowId"`
	InputData  map[string]interface{} `json:"inputData"`
	UserID     string                 `json:"userId"`
}

// RunResponse is the body returned by POST /run.
type RunResponse struct {
	RunID          uint64       `json:"runId,string"`
	Status         types.Status `json:"status"`
	TotalNodes     int          `json:"totalNodes"`
	CompletedNodes int          `json:"completedNodes"`
}

// StartRun executes a workflow
// (POST /run)
func (s *Server) StartRun(c echo.Context) error {
	var req RunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}

	summary, err := s.Engine.StartRun(c.Request().Context(), workflow.RunRequest{
		WorkflowID: req.WorkflowID,
		UserID:     req.UserID,
		InputData:  req.InputData,
	})
	if err != nil {
		return s.httpError(err)
	}

	return c.JSON(http.StatusCreated, RunResponse{
		RunID:          summary.RunID,
		Status:         summary.Status,
		TotalNodes:     summary.TotalNodes,
		CompletedNodes: summary.CompletedNodes,
	})
}

// GetRun returns a run
// (GET /run/:runId)
func (s *Server) GetRun(c echo.Context) error {
	runID, err := parseRunID(c)
	if err != nil {
		return err
	}
	run, err := s.Engine.GetRun(c.Request().Context(), runID)
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusOK, run)
}

// GetRunLogs returns the run progress with its execution logs
// (GET /run/:runId/logs)
func (s *Server) GetRunLogs(c echo.Context) error {
	runID, err := parseRunID(c)
	if err != nil {
		return err
	}
	view, err := s.Engine.RunLogs(c.Request().Context(), runID)
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func parseRunID(c echo.Context) (uint64, error) {
	runID, err := strconv.ParseUint(c.Param("runId"), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid run id: "+c.Param("runId"))
	}
	return runID, nil
}

// httpError maps engine errors to HTTP responses.
func (s *Server) httpError(err error) error {
	var cycle *graph.CycleError
	switch {
	case errors.As(err, &cycle):
		return echo.NewHTTPError(http.StatusBadRequest, map[string]interface{}{
			"message": err.Error(),
			"nodes":   cycle.Remaining,
		})
	case errors.Is(err, workflow.ErrMissingField), errors.Is(err, schema.ErrInvalidWorkflow):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, workflow.ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	default:
		s.Logger.Error("request failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
