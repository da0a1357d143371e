package transition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/peoplemerit/pmerit-technologies-sub002/internal/apperr"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/contract"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/events"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/model"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/store"
)

// maxStackBytes caps the stack carried in internal-failure diagnostics.
const maxStackBytes = 2048

// FinalizeRequest asks to finalize the project's current phase.
type FinalizeRequest struct {
	ProjectID      string      `json:"project_id"`
	Phase          model.Phase `json:"phase"`
	Actor          string      `json:"actor"`
	OverrideReason string      `json:"override_reason,omitempty"`
	ReviewSummary  string      `json:"review_summary,omitempty"`
}

// FinalizeResult is a decided finalize attempt.
type FinalizeResult struct {
	ProjectID      string                `json:"project_id"`
	Outcome        Outcome               `json:"result"`
	HTTPStatus     int                   `json:"http_status"`
	FromPhase      model.Phase           `json:"from_phase"`
	TargetPhase    model.Phase           `json:"target_phase"`
	Phase          model.Phase           `json:"phase"`
	PhaseLocked    bool                  `json:"phase_locked"`
	MissingGates   []model.GateID        `json:"missing_gates"`
	Blocking       []Check               `json:"blocking"`
	Warnings       []Check               `json:"warnings"`
	OverrideReason string                `json:"override_reason,omitempty"`
	Governance     *Governance           `json:"governance,omitempty"`
	SideEffects    *SideEffects          `json:"side_effects,omitempty"`
	Gates          map[model.GateID]bool `json:"gates"`
	DecisionID     string                `json:"decision_id,omitempty"`
}

// snapshot is stored on the decision-ledger row.
type snapshot struct {
	Gates          map[model.GateID]bool `json:"gates,omitempty"`
	MissingGates   []model.GateID        `json:"missing_gates,omitempty"`
	Laws           []contract.LawID      `json:"laws,omitempty"`
	Blocking       []Check               `json:"blocking,omitempty"`
	Warnings       []Check               `json:"warnings,omitempty"`
	OverrideReason string                `json:"override_reason,omitempty"`
	ReviewSummary  string                `json:"review_summary,omitempty"`
	Governance     *Governance           `json:"governance,omitempty"`
	Code           apperr.Code           `json:"code,omitempty"`
	Diagnostics    *apperr.Diagnostics   `json:"diagnostics,omitempty"`
}

// attempt tracks one finalize call so that exactly one ledger row is
// written for it.
type attempt struct {
	req      FinalizeRequest
	project  *model.Project
	recorded bool
}

// Finalize runs the finalize transaction. Governance outcomes are returned
// as a FinalizeResult; only authority, phase, validation and internal
// failures are errors. Internal failures, panics included, carry
// apperr.Diagnostics and are recorded with outcome ERROR.
func (o *Orchestrator) Finalize(ctx context.Context, req FinalizeRequest) (res *FinalizeResult, err error) {
	ctx, span := startSpan(ctx, "transition.Finalize",
		attribute.String("project.id", req.ProjectID),
		attribute.String("phase", string(req.Phase)),
	)
	defer span.End()

	start := time.Now()
	a := &attempt{req: req}
	defer func() {
		if rec := recover(); rec != nil {
			res, err = nil, o.fail(ctx, a, "panic", fmt.Errorf("panic: %v", rec), debug.Stack())
		}
		outcome := OutcomeError
		switch {
		case res != nil:
			outcome = res.Outcome
		case apperr.KindOf(err) != apperr.KindInternal:
			outcome = OutcomeDenied
		}
		if err != nil {
			span.RecordError(err)
		}
		span.SetAttributes(attribute.String("outcome", string(outcome)))
		o.metrics.RecordFinalize(ctx, outcome, time.Since(start))
	}()

	res, err = o.finalize(ctx, a)
	if err != nil && apperr.KindOf(err) == apperr.KindInternal {
		return nil, o.fail(ctx, a, errorClass(err), err, debug.Stack())
	}
	return res, err
}

func (o *Orchestrator) finalize(ctx context.Context, a *attempt) (*FinalizeResult, error) {
	req := a.req
	if strings.TrimSpace(req.Actor) == "" {
		return nil, apperr.Validation(apperr.CodeInvalidInput, "actor is required")
	}
	if !req.Phase.Valid() {
		return nil, apperr.Validation(apperr.CodeInvalidPhase, fmt.Sprintf("invalid phase %q", req.Phase))
	}
	p, err := o.store.GetProject(ctx, req.ProjectID)
	if err != nil {
		return nil, lookupErr(err)
	}
	a.project = p

	switch {
	case p.OwnerID != req.Actor:
		return nil, o.deny(ctx, a, apperr.Unauthorized(apperr.CodeNotProjectOwner, "only the project owner may finalize"))
	case p.Phase != req.Phase:
		return nil, o.deny(ctx, a, apperr.Conflict(apperr.CodePhaseMismatch,
			fmt.Sprintf("project is in %s, not %s", p.Phase, req.Phase)).
			WithMetadata("current_phase", string(p.Phase), "requested_phase", string(req.Phase)))
	case p.PhaseLocked:
		return nil, o.deny(ctx, a, apperr.Conflict(apperr.CodePhaseLocked, "project phase is locked"))
	}
	target, _ := p.Phase.Next()

	var c checks
	snap := &snapshot{OverrideReason: req.OverrideReason, ReviewSummary: req.ReviewSummary}

	gateMap, err := o.currentGates(ctx, p.ID, req.Actor)
	if err != nil {
		return nil, err
	}
	snap.Gates = gateMap.Values()
	snap.MissingGates = gateMap.Missing(model.ExitGates(p.Phase))
	for _, g := range snap.MissingGates {
		c.gate(g)
	}

	laws, err := o.laws.ValidatePhaseTransition(ctx, p.ID, p.Phase, target)
	if err != nil {
		return nil, fmt.Errorf("validate laws: %w", err)
	}
	snap.Laws = laws.Laws
	c.violations(laws.Violations)

	gov, err := o.checkArtifacts(ctx, p, req, &c)
	if err != nil {
		return nil, err
	}
	snap.Governance = gov
	snap.Blocking, snap.Warnings = c.blocking, c.warnings

	outcome := Decide(c.blocking, c.warnings, req.OverrideReason)
	res := &FinalizeResult{
		ProjectID:    p.ID,
		Outcome:      outcome,
		HTTPStatus:   outcome.HTTPStatus(),
		FromPhase:    p.Phase,
		TargetPhase:  target,
		Phase:        p.Phase,
		PhaseLocked:  p.PhaseLocked,
		MissingGates: nonNil(snap.MissingGates),
		Blocking:     nonNil(c.blocking),
		Warnings:     nonNil(c.warnings),
		Governance:   gov,
		Gates:        snap.Gates,
	}
	o.logger.FinalizeDecided(ctx, p.ID, p.Phase, outcome, len(c.blocking), len(c.warnings))

	if outcome != OutcomeApproved {
		id, err := o.record(ctx, a, outcome, rationale(outcome, c, req.OverrideReason), snap)
		if err != nil {
			return nil, err
		}
		res.DecisionID = id
		events.Emit(ctx, o.publisher, o.logger.zap(), events.New(events.KindFinalize, p.ID, req.Actor, res))
		return res, nil
	}

	res.OverrideReason = req.OverrideReason
	update := store.PhaseUpdate{
		ProjectID:     p.ID,
		ExpectedPhase: p.Phase,
		Phase:         target,
		ReassessCount: p.ReassessCount,
	}
	if p.Phase == model.PhaseReview {
		update.Phase, update.PhaseLocked = model.PhaseReview, true
	}
	if err := o.store.UpdatePhaseState(ctx, update); err != nil {
		if errors.Is(err, store.ErrConcurrentUpdate) {
			return nil, o.deny(ctx, a, apperr.Wrap(apperr.KindConflict, apperr.CodeConcurrentUpdate,
				"project phase changed during finalize", err))
		}
		return nil, fmt.Errorf("advance phase: %w", err)
	}
	res.Phase, res.PhaseLocked = update.Phase, update.PhaseLocked
	o.logger.PhaseAdvanced(ctx, p.ID, p.Phase, update.Phase, update.PhaseLocked)

	id, err := o.record(ctx, a, OutcomeApproved, rationale(outcome, c, req.OverrideReason), snap)
	if err != nil {
		o.logger.Error(ctx, "approved finalize not recorded", err, projectField(p.ID))
	}
	res.DecisionID = id

	res.SideEffects = o.applySideEffects(ctx, p, req.Actor, gov)
	events.Emit(ctx, o.publisher, o.logger.zap(), events.New(events.KindFinalize, p.ID, req.Actor, res))
	if o.gates != nil {
		o.gates.Trigger(p.ID, req.Actor)
	}
	return res, nil
}

// currentGates re-evaluates the gate map and falls back to the stored map
// when evaluation fails.
func (o *Orchestrator) currentGates(ctx context.Context, projectID, actor string) (model.GateMap, error) {
	if o.gates != nil {
		res, err := o.gates.EvaluateAllGates(ctx, projectID, actor)
		if err == nil {
			m := model.NewGateMap()
			for g, v := range res.Gates {
				m = m.Set(g, v)
			}
			return m, nil
		}
		o.logger.Warn(ctx, "gate re-evaluation failed, using stored gates", projectField(projectID), errField(err))
	}
	m, err := o.store.GetGateMap(ctx, projectID)
	if err != nil {
		return model.GateMap{}, fmt.Errorf("get gate map: %w", err)
	}
	return m, nil
}

func (o *Orchestrator) record(ctx context.Context, a *attempt, outcome Outcome, why string, snap *snapshot) (string, error) {
	body, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	target, _ := a.project.Phase.Next()
	entry := &model.DecisionEntry{
		ProjectID:   a.project.ID,
		Actor:       a.req.Actor,
		Kind:        model.DecisionFinalize,
		Phase:       a.project.Phase,
		TargetPhase: target,
		Outcome:     string(outcome),
		Rationale:   why,
		Snapshot:    body,
	}
	if err := o.store.AppendDecision(ctx, entry); err != nil {
		return "", fmt.Errorf("append decision: %w", err)
	}
	a.recorded = true
	return entry.ID, nil
}

func (o *Orchestrator) deny(ctx context.Context, a *attempt, e *apperr.Error) error {
	o.logger.FinalizeDenied(ctx, a.project.ID, e.Code, a.req.Actor)
	if _, err := o.record(ctx, a, OutcomeDenied, e.Message, &snapshot{Code: e.Code}); err != nil {
		o.logger.Error(ctx, "denied finalize not recorded", err, projectField(a.project.ID))
	}
	return e
}

func (o *Orchestrator) fail(ctx context.Context, a *attempt, class string, cause error, stack []byte) error {
	if len(stack) > maxStackBytes {
		stack = stack[:maxStackBytes]
	}
	diag := &apperr.Diagnostics{
		ErrorClass: class,
		Message:    cause.Error(),
		Stack:      string(stack),
		Phase:      string(a.req.Phase),
		ProjectID:  a.req.ProjectID,
	}
	o.logger.FinalizeFailed(ctx, a.req.ProjectID, a.req.Phase, class, cause)
	if a.project != nil && !a.recorded {
		if _, err := o.record(ctx, a, OutcomeError, cause.Error(), &snapshot{Code: apperr.CodeFinalizeInternal, Diagnostics: diag}); err != nil {
			o.logger.Error(ctx, "failed finalize not recorded", err, projectField(a.project.ID))
		}
	}
	e := apperr.Internal(apperr.CodeFinalizeInternal, "finalize failed", cause)
	e.Diagnostics = diag
	return e
}

func rationale(outcome Outcome, c checks, override string) string {
	switch outcome {
	case OutcomeRejected:
		return fmt.Sprintf("%d blocking checks failed", len(c.blocking))
	case OutcomeWarnings:
		return fmt.Sprintf("%d warnings require an override reason", len(c.warnings))
	}
	if len(c.warnings) > 0 {
		return "warnings overridden: " + strings.TrimSpace(override)
	}
	return "all checks passed"
}

func errorClass(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return fmt.Sprintf("%T", err)
		}
		err = next
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func lookupErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.Wrap(apperr.KindNotFound, apperr.CodeProjectNotFound, "project not found", err)
	}
	return fmt.Errorf("load project: %w", err)
}
