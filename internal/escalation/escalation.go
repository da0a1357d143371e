// Package escalation maps project readiness to an escalation level and
// records level transitions.
//
// A check that lands on the stored level is a pure read. A check that moves
// the level persists it, opens the validation gate on entering STAGING or
// READY, opens the verification gate on entering READY and appends one
// escalation-log row. A transition that fails part way is rolled back.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/peoplemerit/pmerit-technologies-sub002/internal/apperr"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/events"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/model"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/readiness"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/store"
)

// Auto-actions recorded on an escalation-log row.
const (
	ActionOpenValidation   = "open_validation_gate"
	ActionOpenVerification = "open_verification_gate"
)

// recentLimit bounds the escalation history returned by GetEscalationStatus.
const recentLimit = 10

// Store is the persistence the monitor needs.
type Store interface {
	GetProject(ctx context.Context, id string) (*model.Project, error)
	SetEscalationLevel(ctx context.Context, projectID string, level model.Level) error
	GetGateMap(ctx context.Context, projectID string) (model.GateMap, error)
	SetGate(ctx context.Context, projectID string, gate model.GateID, value bool) error
	AppendEscalation(ctx context.Context, e *model.EscalationEvent) error
	ListEscalations(ctx context.Context, projectID string, limit int) ([]*model.EscalationEvent, error)
}

// Bottleneck is the weakest readiness dimension of one scope.
type Bottleneck struct {
	ScopeID   string  `json:"scope_id"`
	Title     string  `json:"title"`
	Dimension string  `json:"dimension"`
	Score     float64 `json:"score"`
}

// CheckResult is the outcome of one escalation check.
type CheckResult struct {
	ProjectID    string                 `json:"project_id"`
	Changed      bool                   `json:"changed"`
	Previous     model.Level            `json:"previous"`
	Level        model.Level            `json:"level"`
	ProjectR     float64                `json:"project_r"`
	AutoActions  []string               `json:"auto_actions"`
	GatesFlipped []model.GateID         `json:"gates_flipped"`
	Bottlenecks  []Bottleneck           `json:"bottlenecks"`
	Message      string                 `json:"message"`
	Event        *model.EscalationEvent `json:"event,omitempty"`
}

// Status is a read-only view of a project's escalation state.
type Status struct {
	ProjectID     string                   `json:"project_id"`
	Level         model.Level              `json:"level"`
	ComputedLevel model.Level              `json:"computed_level"`
	InSync        bool                     `json:"in_sync"`
	ProjectR      float64                  `json:"project_r"`
	Bottlenecks   []Bottleneck             `json:"bottlenecks"`
	Recent        []*model.EscalationEvent `json:"recent"`
}

// Monitor is the escalation monitor.
type Monitor struct {
	store     Store
	readiness readiness.Computer
	logger    *zap.Logger
	metrics   *Metrics
	publisher events.Publisher
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l.Named("escalation")
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(mt *Metrics) Option {
	return func(m *Monitor) { m.metrics = mt }
}

// WithPublisher sets the event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(m *Monitor) { m.publisher = p }
}

// New creates a monitor reading readiness from rc.
func New(s Store, rc readiness.Computer, opts ...Option) *Monitor {
	m := &Monitor{
		store:     s,
		readiness: rc,
		logger:    zap.NewNop(),
		publisher: events.Nop{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics, _ = NewMetrics(nil)
	}
	return m
}

// CheckReadinessEscalation recomputes the project's level and applies a
// transition if the level moved.
func (m *Monitor) CheckReadinessEscalation(ctx context.Context, projectID, actor string) (*CheckResult, error) {
	ctx, span := startSpan(ctx, "escalation.CheckReadinessEscalation", attribute.String("project.id", projectID))
	defer span.End()

	p, err := m.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, lookupErr(err)
	}
	pr, err := m.readiness.ComputeProjectReadiness(ctx, projectID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("compute readiness: %w", err)
	}

	level := model.LevelForScore(pr.ProjectR)
	res := &CheckResult{
		ProjectID:    projectID,
		Previous:     p.EscalationLevel,
		Level:        level,
		ProjectR:     pr.ProjectR,
		AutoActions:  []string{},
		GatesFlipped: []model.GateID{},
		Bottlenecks:  Bottlenecks(pr),
	}
	if level == p.EscalationLevel {
		res.Message = message(res)
		return res, nil
	}

	if err := m.store.SetEscalationLevel(ctx, projectID, level); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("set escalation level: %w", err)
	}
	res.Changed = true

	if err := m.autoFlip(ctx, projectID, res); err != nil {
		span.RecordError(err)
		m.rollback(ctx, projectID, res)
		return nil, err
	}

	entry := &model.EscalationEvent{
		ProjectID:    projectID,
		Actor:        actor,
		FromLevel:    res.Previous,
		ToLevel:      level,
		ProjectR:     pr.ProjectR,
		AutoActions:  res.AutoActions,
		GatesFlipped: res.GatesFlipped,
	}
	if err := m.store.AppendEscalation(ctx, entry); err != nil {
		span.RecordError(err)
		m.rollback(ctx, projectID, res)
		return nil, fmt.Errorf("append escalation: %w", err)
	}
	res.Event = entry
	res.Message = message(res)

	m.metrics.RecordTransition(ctx, res.Previous, level)
	events.Emit(ctx, m.publisher, m.logger, events.New(events.KindEscalation, projectID, actor, entry))
	m.logger.Info("escalation level changed",
		zap.String("project.id", projectID),
		zap.String("from", string(res.Previous)),
		zap.String("to", string(level)),
		zap.Float64("project_r", pr.ProjectR),
		zap.Strings("auto_actions", res.AutoActions),
	)
	return res, nil
}

func (m *Monitor) autoFlip(ctx context.Context, projectID string, res *CheckResult) error {
	var open []model.GateID
	switch res.Level {
	case model.LevelReady:
		open = []model.GateID{model.GateValidation, model.GateVerification}
	case model.LevelStaging:
		open = []model.GateID{model.GateValidation}
	default:
		return nil
	}

	gates, err := m.store.GetGateMap(ctx, projectID)
	if err != nil {
		return fmt.Errorf("get gate map: %w", err)
	}
	for _, g := range open {
		if gates.Get(g) {
			continue
		}
		if err := m.store.SetGate(ctx, projectID, g, true); err != nil {
			return fmt.Errorf("open gate %s: %w", g, err)
		}
		res.GatesFlipped = append(res.GatesFlipped, g)
		res.AutoActions = append(res.AutoActions, autoAction(g))
	}
	return nil
}

// rollback undoes a partially applied transition so the next check sees
// the move again. Gates opened by this check are closed before the level
// is restored.
func (m *Monitor) rollback(ctx context.Context, projectID string, res *CheckResult) {
	ctx = context.WithoutCancel(ctx)
	for _, g := range res.GatesFlipped {
		if err := m.store.SetGate(ctx, projectID, g, false); err != nil {
			m.logger.Error("escalation rollback: close gate failed",
				zap.String("project.id", projectID),
				zap.String("gate", string(g)),
				zap.Error(err),
			)
		}
	}
	if err := m.store.SetEscalationLevel(ctx, projectID, res.Previous); err != nil {
		m.logger.Error("escalation rollback: restore level failed",
			zap.String("project.id", projectID),
			zap.String("level", string(res.Previous)),
			zap.Error(err),
		)
	}
}

func autoAction(g model.GateID) string {
	if g == model.GateVerification {
		return ActionOpenVerification
	}
	return ActionOpenValidation
}

// GetEscalationStatus reports the stored and computed level without
// applying any transition.
func (m *Monitor) GetEscalationStatus(ctx context.Context, projectID string) (*Status, error) {
	p, err := m.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, lookupErr(err)
	}
	pr, err := m.readiness.ComputeProjectReadiness(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("compute readiness: %w", err)
	}
	recent, err := m.store.ListEscalations(ctx, projectID, recentLimit)
	if err != nil {
		return nil, fmt.Errorf("list escalations: %w", err)
	}
	computed := model.LevelForScore(pr.ProjectR)
	return &Status{
		ProjectID:     projectID,
		Level:         p.EscalationLevel,
		ComputedLevel: computed,
		InSync:        computed == p.EscalationLevel,
		ProjectR:      pr.ProjectR,
		Bottlenecks:   Bottlenecks(pr),
		Recent:        recent,
	}, nil
}

// Bottlenecks returns the weakest of L, P and V for every scope. Ties
// resolve in L, P, V order.
func Bottlenecks(pr *readiness.ProjectReadiness) []Bottleneck {
	out := make([]Bottleneck, 0, len(pr.Scopes))
	for _, s := range pr.Scopes {
		b := Bottleneck{ScopeID: s.ScopeID, Title: s.Title, Dimension: "logic", Score: s.L}
		if s.P < b.Score {
			b.Dimension, b.Score = "procedural", s.P
		}
		if s.V < b.Score {
			b.Dimension, b.Score = "validation", s.V
		}
		out = append(out, b)
	}
	return out
}

func message(res *CheckResult) string {
	var sb strings.Builder
	switch {
	case !res.Changed:
		fmt.Fprintf(&sb, "readiness %s (R=%.3f)", res.Level, res.ProjectR)
	case res.Level.Rank() > res.Previous.Rank():
		fmt.Fprintf(&sb, "readiness rose from %s to %s (R=%.3f)", res.Previous, res.Level, res.ProjectR)
	default:
		fmt.Fprintf(&sb, "readiness fell from %s to %s (R=%.3f)", res.Previous, res.Level, res.ProjectR)
	}
	if w, ok := weakest(res.Bottlenecks); ok {
		fmt.Fprintf(&sb, "; weakest: %s of %q at %.3f", w.Dimension, w.Title, w.Score)
	}
	return sb.String()
}

func weakest(bs []Bottleneck) (Bottleneck, bool) {
	if len(bs) == 0 {
		return Bottleneck{}, false
	}
	w := bs[0]
	for _, b := range bs[1:] {
		if b.Score < w.Score {
			w = b
		}
	}
	return w, true
}

func lookupErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.Wrap(apperr.KindNotFound, apperr.CodeProjectNotFound, "project not found", err)
	}
	return fmt.Errorf("load project: %w", err)
}
