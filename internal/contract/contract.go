// Package contract validates phase transitions against named governance
// laws.
//
// Each law inspects one aspect of project state and returns violations
// classified as BLOCKING or WARNING. ValidatePhaseTransition composes the
// laws that apply to a phase boundary. Degraded dependencies (an absent
// defect registry, a failing readiness computation) are logged and treated
// as no additional violations.
package contract

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/peoplemerit/pmerit-technologies-sub002/internal/apperr"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/model"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/readiness"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/store"
)

// Severity classifies a violation.
type Severity string

const (
	Blocking Severity = "BLOCKING"
	Warning  Severity = "WARNING"
)

// LawID names a law.
type LawID string

const (
	LawBrainstorm       LawID = "brainstorm"
	LawPlanning         LawID = "planning"
	LawExecution        LawID = "execution"
	LawIntegration      LawID = "integration_validation"
	LawReadiness        LawID = "readiness_tollgate"
	LawTerminal         LawID = "terminal_tollgate"
	LawRecurringDefects LawID = "recurring_defect"
)

// Thresholds.
const (
	MinBrainstormOptions   = 3
	ReviewTollgateR        = 0.6
	ReviewTollgateScopeR   = 0.4
	TerminalTollgateR      = 0.8
	RecurringDefectMinimum = 2
)

// Violation is one failed law check.
type Violation struct {
	LawID       LawID    `json:"law_id"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
}

// Result is the outcome of validating a phase transition.
type Result struct {
	From       model.Phase `json:"from"`
	To         model.Phase `json:"to"`
	Allowed    bool        `json:"allowed"`
	Laws       []LawID     `json:"laws"`
	Violations []Violation `json:"violations"`
}

// Blocking returns the BLOCKING violations.
func (r *Result) Blocking() []Violation { return filter(r.Violations, Blocking) }

// Warnings returns the WARNING violations.
func (r *Result) Warnings() []Violation { return filter(r.Violations, Warning) }

func filter(vs []Violation, sev Severity) []Violation {
	out := []Violation{}
	for _, v := range vs {
		if v.Severity == sev {
			out = append(out, v)
		}
	}
	return out
}

// Store is the persistence the validator reads.
type Store interface {
	GetProject(ctx context.Context, id string) (*model.Project, error)
	ListScopes(ctx context.Context, projectID string) ([]*model.Scope, error)
	ListDeliverables(ctx context.Context, projectID string) ([]*model.Deliverable, error)
	ListBrainstorms(ctx context.Context, projectID string) ([]*model.BrainstormArtifact, error)
	LatestIntegrityReport(ctx context.Context, projectID string) (*model.IntegrityReport, error)
	ListOpenDefects(ctx context.Context, projectID string) ([]*model.Defect, error)
}

// Validator evaluates laws.
type Validator struct {
	store     Store
	readiness readiness.Computer
	logger    *zap.Logger
	metrics   *Metrics
}

// Option configures a Validator.
type Option func(*Validator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(v *Validator) {
		if l != nil {
			v.logger = l.Named("contract")
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *Metrics) Option {
	return func(v *Validator) { v.metrics = m }
}

// New creates a validator reading readiness from rc.
func New(s Store, rc readiness.Computer, opts ...Option) *Validator {
	v := &Validator{store: s, readiness: rc, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(v)
	}
	if v.metrics == nil {
		v.metrics, _ = NewMetrics(nil)
	}
	return v
}

type law func(ctx context.Context, projectID string) ([]Violation, error)

// LawsFor returns the laws applied when leaving from for to. An unsupported
// pair has no laws.
func LawsFor(from, to model.Phase) []LawID {
	switch {
	case from == model.PhaseIdeation && to == model.PhasePlanning:
		return []LawID{LawBrainstorm}
	case from == model.PhasePlanning && to == model.PhaseExecution:
		return []LawID{LawPlanning, LawIntegration}
	case from == model.PhaseExecution && to == model.PhaseReview:
		return []LawID{LawExecution, LawIntegration, LawReadiness, LawRecurringDefects}
	case from == model.PhaseReview && to == model.PhaseComplete:
		return []LawID{LawIntegration, LawTerminal, LawRecurringDefects}
	}
	return nil
}

func (v *Validator) law(id LawID) law {
	switch id {
	case LawBrainstorm:
		return v.BrainstormLaw
	case LawPlanning:
		return v.PlanningLaw
	case LawExecution:
		return v.ExecutionLaw
	case LawIntegration:
		return v.IntegrationLaw
	case LawReadiness:
		return v.ReadinessTollgate
	case LawTerminal:
		return v.TerminalTollgate
	case LawRecurringDefects:
		return v.RecurringDefectLaw
	}
	return nil
}

// ValidatePhaseTransition runs every law of the from→to boundary.
// Transitions other than a single forward step are rejected.
func (v *Validator) ValidatePhaseTransition(ctx context.Context, projectID string, from, to model.Phase) (*Result, error) {
	ctx, span := startSpan(ctx, "contract.ValidatePhaseTransition",
		attribute.String("project.id", projectID),
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	)
	defer span.End()

	if next, ok := from.Next(); !ok || next != to {
		return nil, apperr.Validation(apperr.CodeInvalidTransition,
			fmt.Sprintf("no forward transition from %s to %s", from, to))
	}
	if _, err := v.store.GetProject(ctx, projectID); err != nil {
		return nil, lookupErr(err)
	}

	res := &Result{From: from, To: to, Laws: LawsFor(from, to), Violations: []Violation{}}
	for _, id := range res.Laws {
		vs, err := v.law(id)(ctx, projectID)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("law %s: %w", id, err)
		}
		res.Violations = append(res.Violations, vs...)
	}
	res.Allowed = len(res.Blocking()) == 0
	for _, vl := range res.Violations {
		v.metrics.RecordViolation(ctx, vl)
	}
	return res, nil
}

// BrainstormLaw requires a non-superseded brainstorm artifact with at least
// three options.
func (v *Validator) BrainstormLaw(ctx context.Context, projectID string) ([]Violation, error) {
	artifacts, err := v.store.ListBrainstorms(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list brainstorms: %w", err)
	}
	best := -1
	for _, a := range artifacts {
		if a.Status == model.ArtifactSuperseded {
			continue
		}
		if len(a.Options) > best {
			best = len(a.Options)
		}
	}
	switch {
	case best < 0:
		return []Violation{blocking(LawBrainstorm, "no brainstorm artifact")}, nil
	case best < MinBrainstormOptions:
		return []Violation{blocking(LawBrainstorm,
			fmt.Sprintf("brainstorm explores %d options, at least %d required", best, MinBrainstormOptions))}, nil
	}
	return nil, nil
}

// PlanningLaw requires at least one top-level scope and one deliverable.
func (v *Validator) PlanningLaw(ctx context.Context, projectID string) ([]Violation, error) {
	scopes, err := v.store.ListScopes(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list scopes: %w", err)
	}
	deliverables, err := v.store.ListDeliverables(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list deliverables: %w", err)
	}
	var out []Violation
	if len(activeTopLevel(scopes)) == 0 {
		out = append(out, blocking(LawPlanning, "no top-level scope defined"))
	}
	if len(deliverables) == 0 {
		out = append(out, blocking(LawPlanning, "no deliverable defined"))
	}
	return out, nil
}

// ExecutionLaw requires every deliverable of a live scope to be done. A
// project without deliverables only warns.
func (v *Validator) ExecutionLaw(ctx context.Context, projectID string) ([]Violation, error) {
	scopes, err := v.store.ListScopes(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list scopes: %w", err)
	}
	deliverables, err := v.store.ListDeliverables(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list deliverables: %w", err)
	}
	cancelled := make(map[string]bool)
	for _, sc := range scopes {
		if sc.Status == model.ScopeCancelled {
			cancelled[sc.ID] = true
		}
	}
	total, incomplete := 0, 0
	for _, d := range deliverables {
		if cancelled[d.ScopeID] {
			continue
		}
		total++
		if !d.Status.Done() {
			incomplete++
		}
	}
	switch {
	case total == 0:
		return []Violation{warning(LawExecution, "no deliverables to complete")}, nil
	case incomplete > 0:
		return []Violation{blocking(LawExecution,
			fmt.Sprintf("%d of %d deliverables are not done", incomplete, total))}, nil
	}
	return nil, nil
}

// IntegrationLaw requires the latest integrity report to have passed.
func (v *Validator) IntegrationLaw(ctx context.Context, projectID string) ([]Violation, error) {
	report, err := v.store.LatestIntegrityReport(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("latest integrity report: %w", err)
	}
	switch {
	case report == nil:
		return []Violation{warning(LawIntegration, "no integrity validation has run")}, nil
	case !report.Passed:
		return []Violation{blocking(LawIntegration,
			fmt.Sprintf("latest integrity validation passed %d of %d checks", report.ChecksPassed, report.ChecksTotal))}, nil
	}
	return nil, nil
}

// ReadinessTollgate requires project R >= 0.6 and no scope below R 0.4.
// It applies only once some scope carries allocated WU.
func (v *Validator) ReadinessTollgate(ctx context.Context, projectID string) ([]Violation, error) {
	pr, ok := v.projectReadiness(ctx, projectID, LawReadiness)
	if !ok || !pr.AnyAllocated() {
		return nil, nil
	}
	var out []Violation
	if pr.ProjectR < ReviewTollgateR {
		out = append(out, blocking(LawReadiness,
			fmt.Sprintf("project R %.3f below %.1f", pr.ProjectR, ReviewTollgateR)))
	}
	for _, s := range pr.Scopes {
		if s.R < ReviewTollgateScopeR {
			out = append(out, blocking(LawReadiness,
				fmt.Sprintf("scope %q R %.3f below %.1f", s.Title, s.R, ReviewTollgateScopeR)))
		}
	}
	return out, nil
}

// TerminalTollgate requires project R >= 0.8, verified WU on every
// allocated scope and a conserved WU ledger.
func (v *Validator) TerminalTollgate(ctx context.Context, projectID string) ([]Violation, error) {
	pr, ok := v.projectReadiness(ctx, projectID, LawTerminal)
	if !ok {
		return nil, nil
	}
	var out []Violation
	if pr.ProjectR < TerminalTollgateR {
		out = append(out, blocking(LawTerminal,
			fmt.Sprintf("project R %.3f below %.1f", pr.ProjectR, TerminalTollgateR)))
	}
	for _, s := range pr.Scopes {
		if s.AllocatedWU > 0 && s.VerifiedWU <= 0 {
			out = append(out, blocking(LawTerminal, fmt.Sprintf("scope %q has no verified WU", s.Title)))
		}
	}
	if !pr.Conservation.Valid {
		out = append(out, blocking(LawTerminal,
			fmt.Sprintf("WU conservation violated: delta %.6f", pr.Conservation.Delta)))
	}
	return out, nil
}

func (v *Validator) projectReadiness(ctx context.Context, projectID string, id LawID) (*readiness.ProjectReadiness, bool) {
	if v.readiness == nil {
		v.logger.Warn("readiness unavailable, skipping tollgate", zap.String("project.id", projectID), zap.String("law", string(id)))
		return nil, false
	}
	pr, err := v.readiness.ComputeProjectReadiness(ctx, projectID)
	if err != nil {
		v.logger.Warn("readiness computation failed, skipping tollgate",
			zap.String("project.id", projectID),
			zap.String("law", string(id)),
			zap.Error(err),
		)
		return nil, false
	}
	return pr, true
}

// RecurringDefectLaw blocks when an open CRITICAL or HIGH root cause occurs
// at least twice. A missing defect registry is not a violation.
func (v *Validator) RecurringDefectLaw(ctx context.Context, projectID string) ([]Violation, error) {
	defects, err := v.store.ListOpenDefects(ctx, projectID)
	if errors.Is(err, store.ErrRegistryUnavailable) {
		v.logger.Warn("defect registry unavailable, skipping recurring defect law", zap.String("project.id", projectID))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list open defects: %w", err)
	}

	counts := make(map[string]int)
	for _, d := range defects {
		if d.Severity != model.DefectCritical && d.Severity != model.DefectHigh {
			continue
		}
		counts[d.RootCause]++
	}
	causes := make([]string, 0, len(counts))
	for cause, n := range counts {
		if n >= RecurringDefectMinimum {
			causes = append(causes, cause)
		}
	}
	sort.Strings(causes)

	var out []Violation
	for _, cause := range causes {
		out = append(out, blocking(LawRecurringDefects,
			fmt.Sprintf("root cause %q recurs in %d open defects", cause, counts[cause])))
	}
	return out, nil
}

func activeTopLevel(scopes []*model.Scope) []*model.Scope {
	var out []*model.Scope
	for _, sc := range scopes {
		if sc.TopLevel() && sc.Status != model.ScopeCancelled {
			out = append(out, sc)
		}
	}
	return out
}

func blocking(id LawID, desc string) Violation {
	return Violation{LawID: id, Description: desc, Severity: Blocking}
}

func warning(id LawID, desc string) Violation {
	return Violation{LawID: id, Description: desc, Severity: Warning}
}

func lookupErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.Wrap(apperr.KindNotFound, apperr.CodeProjectNotFound, "project not found", err)
	}
	return fmt.Errorf("load project: %w", err)
}
