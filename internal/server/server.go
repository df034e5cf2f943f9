// Package server exposes the gate engine as an HTTP decision service.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/steveyegge/stagegate/internal/audit"
	"github.com/steveyegge/stagegate/internal/config"
	"github.com/steveyegge/stagegate/internal/engine"
	"github.com/steveyegge/stagegate/internal/labels"
	"github.com/steveyegge/stagegate/internal/tracker"
	"github.com/steveyegge/stagegate/internal/types"
)

// Server provides the HTTP endpoints for stagegate
type Server struct {
	echo      *echo.Echo
	engine    *engine.Engine
	validator *labels.Validator
	recorder  audit.Recorder
	logger    *slog.Logger
	config    config.ServerConfig
}

// New creates a server. validator may be nil, in which case the transitions
// endpoint answers 503.
func New(eng *engine.Engine, validator *labels.Validator, recorder audit.Recorder, cfg config.ServerConfig, logger *slog.Logger) (*Server, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if recorder == nil {
		return nil, fmt.Errorf("audit recorder cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				// let the error handler set the status before logging it
				c.Error(err)
			}
			logger.Info("http request",
				"method", c.Request().Method,
				"uri", c.Request().RequestURI,
				"status", c.Response().Status,
				"duration", time.Since(start),
				"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
			)
			return nil
		}
	})

	s := &Server{
		echo:      e,
		engine:    eng,
		validator: validator,
		recorder:  recorder,
		logger:    logger,
		config:    cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/evaluate", s.handleEvaluate)
	v1.POST("/transitions", s.handleTransition)
	v1.GET("/audit/:trace_id", s.handleAudit)
}

// ServeHTTP lets the server be mounted or exercised with httptest
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// EvaluateRequest is the request body for POST /api/v1/evaluate
type EvaluateRequest struct {
	Context types.StageContext   `json:"context"`
	Change  *types.ChangeContext `json:"change,omitempty"`
}

// TransitionRequest is the request body for POST /api/v1/transitions
type TransitionRequest struct {
	ItemID  string `json:"item_id"`
	From    string `json:"from"`
	To      string `json:"to"`
	Trigger string `json:"trigger"`
	TraceID string `json:"trace_id"`
	Reason  string `json:"reason,omitempty"`
}

// TransitionResponse is the response body for POST /api/v1/transitions
type TransitionResponse struct {
	Transition types.Transition `json:"transition"`
	Error      string           `json:"error,omitempty"`
}

// AuditResponse is the response body for GET /api/v1/audit/:trace_id
type AuditResponse struct {
	TraceID string         `json:"trace_id" yaml:"trace_id"`
	Entries []*audit.Entry `json:"entries" yaml:"entries"`
}

// HealthResponse is the response body for GET /health
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleEvaluate returns the decision with status 200 whatever its kind.
// A decision that could not be recorded is a 500.
func (s *Server) handleEvaluate(c echo.Context) error {
	var req EvaluateRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid evaluate request", "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	d, err := s.engine.Evaluate(c.Request().Context(), req.Context, req.Change)
	if errors.Is(err, engine.ErrMissingTraceID) {
		return echo.NewHTTPError(http.StatusBadRequest, "context.trace_id is required")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "decision could not be recorded").SetInternal(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (s *Server) handleTransition(c echo.Context) error {
	if s.validator == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "no tracker configured")
	}

	var body TransitionRequest
	if err := c.Bind(&body); err != nil {
		s.logger.Warn("invalid transition request", "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req, err := body.toRequest()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	gate := types.Transition{ItemID: req.ItemID, TraceID: req.TraceID, From: req.From, To: req.To, Trigger: req.Trigger}
	if err := s.engine.CheckTransition(ctx, gate); err != nil {
		if errors.Is(err, engine.ErrChangeReviewRequired) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "checking transition gate").SetInternal(err)
	}

	t, err := s.validator.ApplyWithRetry(ctx, req)
	if err != nil {
		return c.JSON(transitionStatus(err), TransitionResponse{Transition: t, Error: err.Error()})
	}
	return c.JSON(http.StatusOK, TransitionResponse{Transition: t})
}

func (r TransitionRequest) toRequest() (labels.Request, error) {
	from, err := types.ParseStage(r.From)
	if err != nil {
		return labels.Request{}, fmt.Errorf("from: %w", err)
	}
	to, err := types.ParseStage(r.To)
	if err != nil {
		return labels.Request{}, fmt.Errorf("to: %w", err)
	}
	req := labels.Request{
		ItemID:  r.ItemID,
		From:    from,
		To:      to,
		Trigger: r.Trigger,
		TraceID: r.TraceID,
		Reason:  r.Reason,
	}
	if err := req.Validate(); err != nil {
		return labels.Request{}, err
	}
	return req, nil
}

// transitionStatus maps validator errors to HTTP status codes
func transitionStatus(err error) int {
	var (
		illegal    *labels.IllegalTransitionError
		concurrent *labels.ConcurrentStateError
		labelErr   *tracker.StageLabelError
	)
	switch {
	case errors.Is(err, tracker.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &illegal), errors.As(err, &labelErr):
		return http.StatusUnprocessableEntity
	case errors.As(err, &concurrent):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleAudit(c echo.Context) error {
	traceID := c.Param("trace_id")
	entries, err := s.recorder.Query(c.Request().Context(), traceID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "querying audit trail").SetInternal(err)
	}
	if len(entries) == 0 {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("no audit entries for trace %s", traceID))
	}
	return c.JSON(http.StatusOK, AuditResponse{TraceID: traceID, Entries: entries})
}

// Start listens on the configured address and blocks until Shutdown
func (s *Server) Start() error {
	addr := s.config.Addr()
	s.logger.Info("starting http server", "addr", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the bound listener address, or nil before Start has bound it
func (s *Server) Addr() net.Addr {
	return s.echo.ListenerAddr()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
