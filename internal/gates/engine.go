// Package gates evaluates the project gate map.
//
// Gates are boolean preconditions over project state. EvaluateAllGates runs
// every rule and flips gates forward only: a satisfied gate goes from false
// to true, and nothing here ever moves a gate back to false. Resets happen
// only through SetGate with false. The gate map is written only when at
// least one gate changed, so re-evaluating unchanged state performs no
// writes.
package gates

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/peoplemerit/pmerit-technologies-sub002/internal/events"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/model"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/readiness"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/store"
)

// Store is the persistence the gate engine needs.
type Store interface {
	store.GateStore
	GetProject(ctx context.Context, id string) (*model.Project, error)
	ListScopes(ctx context.Context, projectID string) ([]*model.Scope, error)
	ListDeliverables(ctx context.Context, projectID string) ([]*model.Deliverable, error)
	ListExecutionLayers(ctx context.Context, projectID string) ([]*model.ExecutionLayer, error)
	LatestIntegrityReport(ctx context.Context, projectID string) (*model.IntegrityReport, error)
	CountMessages(ctx context.Context, projectID string, f model.MessageFilter) (int, error)
	AppendDecision(ctx context.Context, e *model.DecisionEntry) error
}

// Change is one gate flip.
type Change struct {
	Gate   model.GateID `json:"gate"`
	From   bool         `json:"from"`
	To     bool         `json:"to"`
	Reason string       `json:"reason"`
}

// Result is the outcome of evaluating every gate of a project.
type Result struct {
	ProjectID string                `json:"project_id"`
	Evaluated []model.GateID        `json:"evaluated"`
	Skipped   []model.GateID        `json:"skipped,omitempty"`
	Changes   []Change              `json:"changes"`
	Gates     map[model.GateID]bool `json:"gates"`
}

// Defaults for the fire-and-forget trigger.
const (
	DefaultTriggerTimeout = 10 * time.Second
	DefaultTriggerRate    = rate.Limit(5)
	DefaultTriggerBurst   = 10
)

// Engine evaluates and toggles gates.
type Engine struct {
	store      Store
	readiness  readiness.Computer
	escalation EscalationChecker
	rules      []Rule
	logger     *zap.Logger
	metrics    *Metrics
	publisher  events.Publisher

	triggerTimeout time.Duration
	triggerRate    rate.Limit
	triggerBurst   int

	now       func() time.Time
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	lastSweep time.Time
	wg        sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l.Named("gates")
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithPublisher sets the event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithRules replaces the gate table.
func WithRules(rules ...Rule) Option {
	return func(e *Engine) { e.rules = rules }
}

// WithEscalation sets the checker run after triggered evaluations of
// projects in mathematical governance.
func WithEscalation(c EscalationChecker) Option {
	return func(e *Engine) { e.escalation = c }
}

// WithTrigger configures the background trigger. Zero values keep the
// defaults.
func WithTrigger(timeout time.Duration, perSecond float64, burst int) Option {
	return func(e *Engine) {
		if timeout > 0 {
			e.triggerTimeout = timeout
		}
		if perSecond > 0 {
			e.triggerRate = rate.Limit(perSecond)
		}
		if burst > 0 {
			e.triggerBurst = burst
		}
	}
}

// New creates a gate engine.
func New(s Store, rc readiness.Computer, opts ...Option) *Engine {
	e := &Engine{
		store:          s,
		readiness:      rc,
		rules:          DefaultRules(),
		logger:         zap.NewNop(),
		publisher:      events.Nop{},
		triggerTimeout: DefaultTriggerTimeout,
		triggerRate:    DefaultTriggerRate,
		triggerBurst:   DefaultTriggerBurst,
		now:            time.Now,
		limiters:       make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics, _ = NewMetrics(nil)
	}
	return e
}

// Rules returns the configured gate table.
func (e *Engine) Rules() []Rule {
	return append([]Rule(nil), e.rules...)
}

// EvaluateAllGates evaluates every gate of the project. A failing or
// panicking evaluator leaves its gate unchanged and is reported in
// Result.Skipped; the other gates are still evaluated.
func (e *Engine) EvaluateAllGates(ctx context.Context, projectID, actor string) (*Result, error) {
	ctx, span := startSpan(ctx, "gates.EvaluateAllGates", attribute.String("project.id", projectID))
	defer span.End()

	p, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, lookupErr(err)
	}
	current, err := e.store.GetGateMap(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("get gate map: %w", err)
	}
	ec, err := e.loadContext(ctx, p)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	res := &Result{ProjectID: projectID, Evaluated: []model.GateID{}, Changes: []Change{}}
	next := current.Clone()
	for _, r := range e.rules {
		ev, err := e.evaluate(ctx, r, ec)
		if err != nil {
			res.Skipped = append(res.Skipped, r.ID())
			e.metrics.RecordEvaluatorError(ctx, r.ID())
			e.logger.Warn("gate evaluator failed",
				zap.String("project.id", projectID),
				zap.String("gate", string(r.ID())),
				zap.Error(err),
			)
			continue
		}
		res.Evaluated = append(res.Evaluated, r.ID())
		if ev.Satisfied && !current.Get(r.ID()) {
			next = next.Set(r.ID(), true)
			res.Changes = append(res.Changes, Change{Gate: r.ID(), From: false, To: true, Reason: ev.Reason})
		}
	}

	if len(res.Changes) > 0 {
		if err := e.store.ReplaceGateMap(ctx, projectID, next); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("replace gate map: %w", err)
		}
		for _, c := range res.Changes {
			e.metrics.RecordChange(ctx, c.Gate)
			e.logger.Info("gate opened",
				zap.String("project.id", projectID),
				zap.String("gate", string(c.Gate)),
				zap.String("reason", c.Reason),
			)
		}
		events.Emit(ctx, e.publisher, e.logger, events.New(events.KindGatesChanged, projectID, actor, res.Changes))
	}
	res.Gates = next.Values()
	e.metrics.RecordEvaluation(ctx, len(res.Changes))
	return res, nil
}

// Evaluate runs a single gate rule without persisting anything.
func (e *Engine) Evaluate(ctx context.Context, projectID string, gate model.GateID) (Evaluation, error) {
	r, ok := e.rule(gate)
	if !ok {
		return Evaluation{}, unknownGate(gate)
	}
	p, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		return Evaluation{}, lookupErr(err)
	}
	ec, err := e.loadContext(ctx, p)
	if err != nil {
		return Evaluation{}, err
	}
	return e.evaluate(ctx, r, ec)
}

func (e *Engine) evaluate(ctx context.Context, r Rule, ec *EvalContext) (ev Evaluation, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("gate %s panicked: %v", r.ID(), rec)
			e.logger.Error("gate evaluator panic",
				zap.String("gate", string(r.ID())),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()
	return r.Evaluate(ctx, ec)
}

func (e *Engine) rule(id model.GateID) (Rule, bool) {
	for _, r := range e.rules {
		if r.ID() == id {
			return r, true
		}
	}
	return nil, false
}
