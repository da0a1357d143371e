// Package http serves the governance engines over a JSON API.
//
// Handlers bind and validate input, call one engine operation and map its
// typed error to a status code. Governance outcomes are data: a rejected
// finalize is a 422 response body, not an error.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/peoplemerit/pmerit-technologies-sub002/internal/contract"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/escalation"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/gates"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/logging"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/model"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/readiness"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/transition"
)

// HeaderActor carries the id of the acting user. Authentication happens
// upstream; this service trusts the header.
const HeaderActor = "X-Actor-ID"

// ProjectStore is the direct store access the API needs.
type ProjectStore interface {
	CreateProject(ctx context.Context, p *model.Project) error
	GetProject(ctx context.Context, id string) (*model.Project, error)
	GetGateMap(ctx context.Context, projectID string) (model.GateMap, error)
	ListDecisions(ctx context.Context, projectID string, limit int) ([]*model.DecisionEntry, error)
	ListWUAudit(ctx context.Context, projectID string, limit int) ([]*model.WUAuditEntry, error)
	ListEscalations(ctx context.Context, projectID string, limit int) ([]*model.EscalationEvent, error)
}

// ReadinessService is the readiness engine surface.
type ReadinessService interface {
	readiness.Computer
	ComputeScopeReadiness(ctx context.Context, scopeID string) (*readiness.ScopeReadiness, error)
	ConservationSnapshot(ctx context.Context, projectID string) (model.Conservation, error)
	InitializeWorkUnits(ctx context.Context, projectID string, total float64, actor string) (model.Conservation, error)
	AllocateWorkUnits(ctx context.Context, scopeID string, amount float64, actor string) (*readiness.AllocationResult, error)
	TransferWorkUnits(ctx context.Context, scopeID, actor string) (*readiness.TransferResult, error)
}

// GateService is the gate engine surface.
type GateService interface {
	EvaluateAllGates(ctx context.Context, projectID, actor string) (*gates.Result, error)
	SetGate(ctx context.Context, t gates.Toggle) (*gates.ToggleResult, error)
	Trigger(projectID, actor string)
}

// EscalationService is the escalation monitor surface.
type EscalationService interface {
	CheckReadinessEscalation(ctx context.Context, projectID, actor string) (*escalation.CheckResult, error)
	GetEscalationStatus(ctx context.Context, projectID string) (*escalation.Status, error)
}

// ContractService validates phase boundaries.
type ContractService interface {
	ValidatePhaseTransition(ctx context.Context, projectID string, from, to model.Phase) (*contract.Result, error)
}

// TransitionService moves projects between phases.
type TransitionService interface {
	Finalize(ctx context.Context, req transition.FinalizeRequest) (*transition.FinalizeResult, error)
	Reassess(ctx context.Context, req transition.ReassessRequest) (*transition.ReassessResult, error)
}

// Services bundles the engines the API serves. All fields are required.
type Services struct {
	Store      ProjectStore
	Readiness  ReadinessService
	Gates      GateService
	Escalation EscalationService
	Contract   ContractService
	Transition TransitionService
}

func (s Services) validate() error {
	switch {
	case s.Store == nil:
		return errors.New("store is required")
	case s.Readiness == nil:
		return errors.New("readiness service is required")
	case s.Gates == nil:
		return errors.New("gate service is required")
	case s.Escalation == nil:
		return errors.New("escalation service is required")
	case s.Contract == nil:
		return errors.New("contract service is required")
	case s.Transition == nil:
		return errors.New("transition service is required")
	}
	return nil
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// MetricsHandler is mounted on GET /metrics when non-nil.
	MetricsHandler http.Handler
	// Health reports extra component status on GET /health.
	Health func() map[string]any
}

// Server is the governance API server.
type Server struct {
	echo     *echo.Echo
	svc      Services
	logger   *logging.Logger
	config   *Config
	validate *validator.Validate
}

// NewServer builds the server and registers its routes.
func NewServer(svc Services, logger *logging.Logger, metrics *HTTPMetrics, cfg *Config) (*Server, error) {
	if err := svc.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 8470}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		svc:      svc,
		logger:   logger.Named("http"),
		config:   cfg,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	e.Validator = s
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.requestContext)
	if metrics != nil {
		e.Use(metrics.MetricsMiddleware())
	}
	e.Use(s.requestLog)

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	if s.config.MetricsHandler != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.config.MetricsHandler))
	}

	v1 := s.echo.Group("/api/v1")
	v1.POST("/projects", s.handleCreateProject)

	p := v1.Group("/projects/:id")
	p.GET("", s.handleGetProject)
	p.GET("/readiness", s.handleReadiness)
	p.GET("/conservation", s.handleConservation)
	p.GET("/reconciliation", s.handleReconciliation)
	p.GET("/gates", s.handleGetGates)
	p.POST("/gates/evaluate", s.handleEvaluateGates)
	p.POST("/gates/trigger", s.handleTriggerGates)
	p.PUT("/gates/:gate", s.handleSetGate)
	p.GET("/escalation", s.handleEscalationStatus)
	p.POST("/escalation/check", s.handleEscalationCheck)
	p.GET("/transitions/validate", s.handleValidateTransition)
	p.POST("/finalize", s.handleFinalize)
	p.POST("/reassess", s.handleReassess)
	p.POST("/wu/initialize", s.handleInitializeWU)
	p.GET("/decisions", s.handleDecisions)
	p.GET("/wu-audit", s.handleWUAudit)
	p.GET("/escalations", s.handleEscalations)

	sc := v1.Group("/scopes/:scope")
	sc.GET("/readiness", s.handleScopeReadiness)
	sc.POST("/wu/allocate", s.handleAllocateWU)
	sc.POST("/wu/transfer", s.handleTransferWU)
}

// ServeHTTP lets the server be driven directly by tests and embedders.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	err := s.echo.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
