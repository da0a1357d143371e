// Package readiness computes the L/P/V/R readiness scores of scopes and
// projects and owns the work-unit ledger: initialization, allocation,
// transfer and reconciliation.
//
// R = L × P × V is a weakest-link score: any dimension at zero forces R to
// zero. Every score is rounded to three decimals.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/peoplemerit/pmerit-technologies-sub002/internal/apperr"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/events"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/model"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/store"
)

// Store is the persistence the readiness engine needs.
type Store interface {
	store.ProjectStore
	store.ScopeStore
	store.DeliverableStore
	LatestIntegrityReport(ctx context.Context, projectID string) (*model.IntegrityReport, error)
	AppendWUAudit(ctx context.Context, e *model.WUAuditEntry) error
}

// ScopeReadiness is the readiness of one scope.
type ScopeReadiness struct {
	ScopeID          string            `json:"scope_id"`
	Title            string            `json:"title"`
	Tier             int               `json:"tier"`
	Status           model.ScopeStatus `json:"status"`
	L                float64           `json:"l"`
	P                float64           `json:"p"`
	V                float64           `json:"v"`
	R                float64           `json:"r"`
	AllocatedWU      float64           `json:"allocated_wu"`
	VerifiedWU       float64           `json:"verified_wu"`
	DeliverableCount int               `json:"deliverable_count"`
	DeliverablesDone int               `json:"deliverables_done"`
}

// ProjectReadiness is the readiness of every tier-1 scope plus the
// WU-weighted project score.
type ProjectReadiness struct {
	ProjectID    string             `json:"project_id"`
	ProjectR     float64            `json:"project_r"`
	Scopes       []ScopeReadiness   `json:"scopes"`
	Conservation model.Conservation `json:"conservation"`
}

// Scope returns the readiness of the scope with the given id.
func (p *ProjectReadiness) Scope(id string) (ScopeReadiness, bool) {
	for _, s := range p.Scopes {
		if s.ScopeID == id {
			return s, true
		}
	}
	return ScopeReadiness{}, false
}

// AnyAllocated reports whether at least one scope carries WU.
func (p *ProjectReadiness) AnyAllocated() bool {
	for _, s := range p.Scopes {
		if s.AllocatedWU > 0 {
			return true
		}
	}
	return false
}

// Computer is the read side other engines depend on.
type Computer interface {
	ComputeProjectReadiness(ctx context.Context, projectID string) (*ProjectReadiness, error)
	ComputeReconciliation(ctx context.Context, projectID string) (*Reconciliation, error)
}

// Engine is the readiness engine.
type Engine struct {
	store     Store
	logger    *zap.Logger
	metrics   *Metrics
	publisher events.Publisher
}

var _ Computer = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l.Named("readiness")
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

// New creates a readiness engine.
func New(s Store, opts ...Option) *Engine {
	e := &Engine{
		store:     s,
		logger:    zap.NewNop(),
		publisher: events.Nop{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics, _ = NewMetrics(nil)
	}
	return e
}

// snapshot is the project state one computation reads.
type snapshot struct {
	project      *model.Project
	scopes       []*model.Scope
	children     map[string][]*model.Scope
	deliverables map[string][]*model.Deliverable
	integrity    *model.IntegrityReport
}

func (e *Engine) load(ctx context.Context, projectID string) (*snapshot, error) {
	p, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, lookupErr(err, apperr.CodeProjectNotFound, "project")
	}
	scopes, err := e.store.ListScopes(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list scopes: %w", err)
	}
	deliverables, err := e.store.ListDeliverables(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list deliverables: %w", err)
	}
	integrity, err := e.store.LatestIntegrityReport(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("latest integrity report: %w", err)
	}

	snap := &snapshot{
		project:      p,
		scopes:       scopes,
		children:     make(map[string][]*model.Scope),
		deliverables: make(map[string][]*model.Deliverable),
		integrity:    integrity,
	}
	for _, s := range scopes {
		if !s.TopLevel() {
			snap.children[*s.ParentID] = append(snap.children[*s.ParentID], s)
		}
	}
	for _, d := range deliverables {
		snap.deliverables[d.ScopeID] = append(snap.deliverables[d.ScopeID], d)
	}
	return snap, nil
}

// scopeDeliverables returns the deliverables of s and its non-cancelled
// tier-2 children.
func (s *snapshot) scopeDeliverables(sc *model.Scope) []*model.Deliverable {
	out := append([]*model.Deliverable(nil), s.deliverables[sc.ID]...)
	for _, child := range s.children[sc.ID] {
		if child.Status == model.ScopeCancelled {
			continue
		}
		out = append(out, s.deliverables[child.ID]...)
	}
	return out
}

// Score computes L, P, V and R of a scope from its deliverables. It is a
// pure function of its inputs.
func Score(sc *model.Scope, deliverables []*model.Deliverable, integrity *model.IntegrityReport) ScopeReadiness {
	res := ScopeReadiness{
		ScopeID:          sc.ID,
		Title:            sc.Title,
		Tier:             sc.Tier(),
		Status:           sc.Status,
		AllocatedWU:      sc.AllocatedWU,
		VerifiedWU:       sc.VerifiedWU,
		DeliverableCount: len(deliverables),
	}

	var l float64
	hasPurpose := strings.TrimSpace(sc.Purpose) != ""
	hasBoundary := strings.TrimSpace(sc.Boundary) != ""
	switch {
	case hasPurpose && hasBoundary:
		l = 0.5
	case hasPurpose:
		l = 0.25
	}

	var withDoD, done int
	var weights float64
	for _, d := range deliverables {
		if d.HasDefinitionOfDone() {
			withDoD++
		}
		if d.Status.Done() {
			done++
		}
		weights += d.DMAICPhase.Weight()
	}
	res.DeliverablesDone = done

	if n := len(deliverables); n > 0 {
		l += 0.25 * float64(withDoD) / float64(n)
		res.P = model.Round3(float64(done) / float64(n))
		res.V = model.Round3(weights / float64(n))
	}
	if integrity != nil && integrity.Passed {
		l += 0.25
	}
	if l > 1 {
		l = 1
	}
	res.L = model.Round3(l)
	res.R = model.Round3(res.L * res.P * res.V)
	return res
}

// WeightedProjectR averages scope R weighted by allocated WU, falling back
// to an unweighted mean when no scope carries WU.
func WeightedProjectR(scopes []ScopeReadiness) float64 {
	if len(scopes) == 0 {
		return 0
	}
	var weighted, weight, plain float64
	for _, s := range scopes {
		weighted += s.R * s.AllocatedWU
		weight += s.AllocatedWU
		plain += s.R
	}
	if weight > 0 {
		return model.Round3(weighted / weight)
	}
	return model.Round3(plain / float64(len(scopes)))
}

// persistScores writes L/P/V back onto the scope when they changed.
func (e *Engine) persistScores(ctx context.Context, sc *model.Scope, r ScopeReadiness) error {
	if sc.LogicScore == r.L && sc.ProceduralScore == r.P && sc.ValidationScore == r.V {
		return nil
	}
	if err := e.store.UpdateScopeScores(ctx, sc.ID, r.L, r.P, r.V); err != nil {
		return fmt.Errorf("persist scores of scope %s: %w", sc.ID, err)
	}
	sc.LogicScore, sc.ProceduralScore, sc.ValidationScore = r.L, r.P, r.V
	return nil
}

// ComputeScopeReadiness computes and persists the readiness of one scope.
func (e *Engine) ComputeScopeReadiness(ctx context.Context, scopeID string) (*ScopeReadiness, error) {
	sc, err := e.store.GetScope(ctx, scopeID)
	if err != nil {
		return nil, lookupErr(err, apperr.CodeScopeNotFound, "scope")
	}
	snap, err := e.load(ctx, sc.ProjectID)
	if err != nil {
		return nil, err
	}
	r := Score(sc, snap.scopeDeliverables(sc), snap.integrity)
	if err := e.persistScores(ctx, sc, r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ComputeProjectReadiness computes every active tier-1 scope and the
// WU-weighted project R. Cancelled scopes are excluded.
func (e *Engine) ComputeProjectReadiness(ctx context.Context, projectID string) (*ProjectReadiness, error) {
	ctx, span := startSpan(ctx, "readiness.ComputeProjectReadiness", attribute.String("project.id", projectID))
	defer span.End()

	snap, err := e.load(ctx, projectID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return e.computeProject(ctx, snap)
}

func (e *Engine) computeProject(ctx context.Context, snap *snapshot) (*ProjectReadiness, error) {
	out := &ProjectReadiness{
		ProjectID:    snap.project.ID,
		Scopes:       []ScopeReadiness{},
		Conservation: model.ConservationOf(snap.project),
	}
	for _, sc := range snap.scopes {
		if !sc.TopLevel() || sc.Status == model.ScopeCancelled {
			continue
		}
		r := Score(sc, snap.scopeDeliverables(sc), snap.integrity)
		if err := e.persistScores(ctx, sc, r); err != nil {
			return nil, err
		}
		out.Scopes = append(out.Scopes, r)
	}
	out.ProjectR = WeightedProjectR(out.Scopes)
	e.metrics.RecordProjectScore(ctx, out.ProjectR)
	return out, nil
}

// ConservationSnapshot returns the project's WU conservation snapshot.
func (e *Engine) ConservationSnapshot(ctx context.Context, projectID string) (model.Conservation, error) {
	p, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		return model.Conservation{}, lookupErr(err, apperr.CodeProjectNotFound, "project")
	}
	return model.ConservationOf(p), nil
}

func lookupErr(err error, code apperr.Code, kind string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.Wrap(apperr.KindNotFound, code, kind+" not found", err)
	}
	return fmt.Errorf("load %s: %w", kind, err)
}
