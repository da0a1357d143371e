// Package transition moves projects through their phases.
//
// Finalize advances a project one phase forward after authority, phase,
// exit-gate, law and artifact checks. Its outcome is one of REJECTED,
// WARNINGS or APPROVED, decided by the pure function Decide. Every attempt
// that resolves a project appends exactly one decision-ledger row, whether
// it is approved, soft-stopped, rejected, denied or fails internally.
//
// Reassess moves a project backwards. It skips contract checks but
// demands a written reason, and a review summary when the regression
// crosses a kingdom boundary or repeats.
package transition

import (
	"context"

	"go.uber.org/zap"

	"github.com/peoplemerit/pmerit-technologies-sub002/internal/contract"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/events"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/gates"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/model"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/readiness"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/store"
)

// Store is the persistence the orchestrator needs.
type Store interface {
	GetProject(ctx context.Context, id string) (*model.Project, error)
	UpdatePhaseState(ctx context.Context, u store.PhaseUpdate) error
	ListScopes(ctx context.Context, projectID string) ([]*model.Scope, error)
	SetScopeStatus(ctx context.Context, scopeID string, status model.ScopeStatus) error
	ListDeliverables(ctx context.Context, projectID string) ([]*model.Deliverable, error)
	UpdateDeliverableStatus(ctx context.Context, id string, status model.DeliverableStatus) error
	ListBrainstorms(ctx context.Context, projectID string) ([]*model.BrainstormArtifact, error)
	UpdateBrainstormStatus(ctx context.Context, id string, status model.ArtifactStatus) error
	CreateTaskAssignment(ctx context.Context, a *model.TaskAssignment) error
	ListTaskAssignments(ctx context.Context, projectID string) ([]*model.TaskAssignment, error)
	CountMessages(ctx context.Context, projectID string, f model.MessageFilter) (int, error)
	GetGateMap(ctx context.Context, projectID string) (model.GateMap, error)
	AppendDecision(ctx context.Context, e *model.DecisionEntry) error
}

// GateEvaluator re-evaluates gates before exit gates are read.
type GateEvaluator interface {
	EvaluateAllGates(ctx context.Context, projectID, actor string) (*gates.Result, error)
	Trigger(projectID, actor string)
}

// LawValidator checks the laws of a phase boundary.
type LawValidator interface {
	ValidatePhaseTransition(ctx context.Context, projectID string, from, to model.Phase) (*contract.Result, error)
}

// WorkUnits is the readiness engine surface finalize uses.
type WorkUnits interface {
	readiness.Computer
	TransferWorkUnits(ctx context.Context, scopeID, actor string) (*readiness.TransferResult, error)
}

// Config holds the artifact-check thresholds.
type Config struct {
	MinObjectiveLength   int
	BriefObjectiveLength int
	MinReviewMessages    int
	MinReassessReason    int
	MinReassessSummary   int
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		MinObjectiveLength:   20,
		BriefObjectiveLength: 50,
		MinReviewMessages:    3,
		MinReassessReason:    20,
		MinReassessSummary:   50,
	}
}

// Orchestrator runs finalize and reassess.
type Orchestrator struct {
	store     Store
	gates     GateEvaluator
	laws      LawValidator
	wu        WorkUnits
	cfg       Config
	logger    *Logger
	metrics   *Metrics
	publisher events.Publisher
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = NewLogger(l) }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithPublisher sets the event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithConfig overrides the thresholds. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) {
		if cfg.MinObjectiveLength > 0 {
			o.cfg.MinObjectiveLength = cfg.MinObjectiveLength
		}
		if cfg.BriefObjectiveLength > 0 {
			o.cfg.BriefObjectiveLength = cfg.BriefObjectiveLength
		}
		if cfg.MinReviewMessages > 0 {
			o.cfg.MinReviewMessages = cfg.MinReviewMessages
		}
		if cfg.MinReassessReason > 0 {
			o.cfg.MinReassessReason = cfg.MinReassessReason
		}
		if cfg.MinReassessSummary > 0 {
			o.cfg.MinReassessSummary = cfg.MinReassessSummary
		}
	}
}

// New creates an orchestrator.
func New(s Store, g GateEvaluator, laws LawValidator, wu WorkUnits, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     s,
		gates:     g,
		laws:      laws,
		wu:        wu,
		cfg:       DefaultConfig(),
		logger:    NewLogger(nil),
		publisher: events.Nop{},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics, _ = NewMetrics(nil)
	}
	return o
}
