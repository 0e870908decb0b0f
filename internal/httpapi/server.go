// Package httpapi exposes the pipeline over HTTP: run intake, run and
// spec inspection, manual gate triggers, and event ingestion for external
// systems (CI webhooks).
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipd/internal/eventstore"
	"github.com/fyrsmithlabs/shipd/internal/ledger"
	"github.com/fyrsmithlabs/shipd/internal/pipeline"
)

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Server provides the pipeline HTTP API.
type Server struct {
	echo   *echo.Echo
	events eventstore.Store
	store  ledger.Store
	logger *zap.Logger
	config *Config
	newID  func() string
	now    func() time.Time
}

// NewServer creates the API server.
func NewServer(events eventstore.Store, store ledger.Store, logger *zap.Logger, cfg *Config) (*Server, error) {
	if events == nil || store == nil {
		return nil, fmt.Errorf("event store and ledger are required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 8080}
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
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:   e,
		events: events,
		store:  store,
		logger: logger,
		config: cfg,
		newID:  uuid.NewString,
		now:    time.Now,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	s.echo.POST("/runs/:id/start", s.handleStartRun)
	s.echo.GET("/runs", s.handleListRuns)
	s.echo.GET("/runs/:id", s.handleGetRun)
	s.echo.POST("/runs/:id/validate", s.handleRequestValidation)
	s.echo.POST("/runs/:id/verify", s.handleRequestVerification)
	s.echo.GET("/runs/:id/events", s.handleRunEvents)
	s.echo.GET("/spec/:id", s.handleGetSpec)

	s.echo.POST("/events", s.handleIngestEvent)
}

// envelope is the uniform response wrapper.
type envelope struct {
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

func ok(c echo.Context, status int, data any) error {
	return c.JSON(status, envelope{OK: true, Data: data})
}

func fail(c echo.Context, status int, code, message string) error {
	return c.JSON(status, envelope{OK: false, Code: code, Error: message})
}

// StartRunRequest is the body for POST /runs/:id/start.
type StartRunRequest struct {
	VTID        string   `json:"vtid"`
	Title       string   `json:"title"`
	SpecText    string   `json:"spec_text"`
	Domain      string   `json:"domain,omitempty"`
	TargetPaths []string `json:"target_paths,omitempty"`
}

// handleStartRun allocates a run: ledger row, frozen spec snapshot, and
// the run.allocated event that sets the pipeline in motion.
func (s *Server) handleStartRun(c echo.Context) error {
	runID := c.Param("id")
	var req StartRunRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "bad_request", "invalid request body")
	}
	if req.SpecText == "" {
		return fail(c, http.StatusBadRequest, "bad_request", "spec_text is required")
	}
	if req.Title == "" {
		return fail(c, http.StatusBadRequest, "bad_request", "title is required")
	}

	ctx := c.Request().Context()
	now := s.now().UTC()

	run := ledger.NewRun(runID, req.VTID, now)
	if err := s.store.CreateRun(ctx, run); err != nil {
		if errors.Is(err, ledger.ErrRunExists) {
			return fail(c, http.StatusConflict, "run_exists", "run already allocated")
		}
		return s.internal(c, "create run", err)
	}

	snap, err := s.store.CreateSnapshot(ctx, ledger.NewSnapshot(runID, req.Title, req.SpecText, req.Domain, req.TargetPaths, now))
	if err != nil {
		return s.internal(c, "freeze spec", err)
	}

	if err := s.events.Append(ctx, eventstore.Event{
		ID:        s.newID(),
		Type:      eventstore.TypeRunAllocated,
		RunID:     runID,
		Status:    eventstore.StatusInfo,
		Message:   "run allocated: " + req.Title,
		Timestamp: now,
	}); err != nil {
		return s.internal(c, "append allocation event", err)
	}

	return ok(c, http.StatusCreated, map[string]any{
		"run":      run,
		"checksum": snap.Checksum,
	})
}

func (s *Server) handleGetRun(c echo.Context) error {
	run, err := s.store.GetRun(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ledger.ErrRunNotFound) {
			return fail(c, http.StatusNotFound, "run_not_found", "no such run")
		}
		return s.internal(c, "get run", err)
	}
	return ok(c, http.StatusOK, run)
}

func (s *Server) handleListRuns(c echo.Context) error {
	runs, err := s.store.ListRuns(c.Request().Context())
	if err != nil {
		return s.internal(c, "list runs", err)
	}
	if want := c.QueryParam("state"); want != "" {
		state := pipeline.State(want)
		if !state.Valid() {
			return fail(c, http.StatusBadRequest, "bad_state", "unknown state "+want)
		}
		filtered := runs[:0]
		for _, r := range runs {
			if r.State == state {
				filtered = append(filtered, r)
			}
		}
		runs = filtered
	}
	return ok(c, http.StatusOK, runs)
}

// handleRequestValidation re-triggers the validator gate for a run stuck
// in reviewing after a gate failure.
func (s *Server) handleRequestValidation(c echo.Context) error {
	return s.requestGate(c, eventstore.TypeValidationReq, "validation re-run requested",
		pipeline.StateReviewing)
}

// handleRequestVerification re-probes a deployment: either one stuck in
// deploying whose completion event was lost, or one held in verifying by
// failing acceptance assertions.
func (s *Server) handleRequestVerification(c echo.Context) error {
	return s.requestGate(c, eventstore.TypeDeployCompleted, "verification re-run requested",
		pipeline.StateDeploying, pipeline.StateVerifying)
}

func (s *Server) requestGate(c echo.Context, typ eventstore.Type, message string, wantStates ...pipeline.State) error {
	ctx := c.Request().Context()
	runID := c.Param("id")

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, ledger.ErrRunNotFound) {
			return fail(c, http.StatusNotFound, "run_not_found", "no such run")
		}
		return s.internal(c, "get run", err)
	}
	allowed := false
	for _, want := range wantStates {
		if run.State == want {
			allowed = true
			break
		}
	}
	if !allowed {
		return fail(c, http.StatusConflict, "wrong_state",
			fmt.Sprintf("run is %s, expected %s", run.State, wantStates))
	}

	if err := s.events.Append(ctx, eventstore.Event{
		ID:        s.newID(),
		Type:      typ,
		RunID:     runID,
		Status:    eventstore.StatusInfo,
		Message:   message,
		Timestamp: s.now().UTC(),
	}); err != nil {
		return s.internal(c, "append event", err)
	}
	return ok(c, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (s *Server) handleRunEvents(c echo.Context) error {
	events, err := s.events.Query(c.Request().Context(), eventstore.QueryOpts{RunID: c.Param("id")})
	if err != nil {
		return s.internal(c, "query events", err)
	}
	return ok(c, http.StatusOK, events)
}

func (s *Server) handleGetSpec(c echo.Context) error {
	snap, err := s.store.GetSnapshot(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ledger.ErrSnapshotNotFound) {
			return fail(c, http.StatusNotFound, "spec_not_found", "no spec snapshot for run")
		}
		return s.internal(c, "get snapshot", err)
	}
	return ok(c, http.StatusOK, snap)
}

// IngestEventRequest is the body for POST /events, the ingress external
// systems (CI, deploy infra) report through.
type IngestEventRequest struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	RunID   string `json:"run_id"`
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

func (s *Server) handleIngestEvent(c echo.Context) error {
	var req IngestEventRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "bad_request", "invalid request body")
	}
	// Action lifecycle events carry the started-before-terminal audit
	// trail and are only ever written by the dispatcher itself.
	if strings.HasPrefix(req.Type, "action.") {
		return fail(c, http.StatusBadRequest, "reserved_event_type",
			"action lifecycle events cannot be ingested externally")
	}

	ev := eventstore.Event{
		ID:        req.ID,
		Type:      eventstore.Type(req.Type),
		RunID:     req.RunID,
		Status:    eventstore.Status(req.Status),
		Message:   req.Message,
		Timestamp: s.now().UTC(),
	}
	if ev.ID == "" {
		ev.ID = s.newID()
	}
	if ev.Status == "" {
		ev.Status = eventstore.StatusInfo
	}
	if req.Payload != nil {
		data, err := json.Marshal(req.Payload)
		if err != nil {
			return fail(c, http.StatusBadRequest, "bad_payload", err.Error())
		}
		ev.Payload = data
	}

	if err := ev.Validate(); err != nil {
		return fail(c, http.StatusBadRequest, "invalid_event", err.Error())
	}
	if err := s.events.Append(c.Request().Context(), ev); err != nil {
		return s.internal(c, "append event", err)
	}
	return ok(c, http.StatusAccepted, map[string]string{"id": ev.ID})
}

type healthResponse struct {
	Status string `json:"status"`
	Loop   bool   `json:"loop_running"`
}

func (s *Server) handleHealth(c echo.Context) error {
	state, err := s.store.GetLoopState(c.Request().Context())
	if err != nil {
		return s.internal(c, "loop state", err)
	}
	return c.JSON(http.StatusOK, healthResponse{Status: "ok", Loop: state.Running})
}

func (s *Server) internal(c echo.Context, what string, err error) error {
	s.logger.Error("request failed", zap.String("op", what), zap.Error(err))
	return fail(c, http.StatusInternalServerError, "internal", what+" failed")
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
