package transition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/peoplemerit/pmerit-technologies-sub002/internal/apperr"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/events"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/model"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/store"
)

// escalatedRegression is the regression count from which every reassess
// needs a review summary.
const escalatedRegression = 3

// ReassessRequest asks to move a project back to an earlier phase.
type ReassessRequest struct {
	ProjectID     string      `json:"project_id"`
	Actor         string      `json:"actor"`
	FromPhase     model.Phase `json:"from_phase,omitempty"`
	TargetPhase   model.Phase `json:"target_phase"`
	Reason        string      `json:"reassess_reason"`
	ReviewSummary string      `json:"review_summary,omitempty"`
}

// ReassessResult is an applied regression.
type ReassessResult struct {
	ProjectID           string      `json:"project_id"`
	FromPhase           model.Phase `json:"from_phase"`
	Phase               model.Phase `json:"phase"`
	ReassessCount       int         `json:"reassess_count"`
	SummaryRequired     bool        `json:"summary_required"`
	SupersededArtifacts []string    `json:"superseded_artifacts,omitempty"`
	DecisionID          string      `json:"decision_id,omitempty"`
}

type reassessSnapshot struct {
	Reason              string   `json:"reassess_reason"`
	ReviewSummary       string   `json:"review_summary,omitempty"`
	WasLocked           bool     `json:"was_locked"`
	SupersededArtifacts []string `json:"superseded_artifacts,omitempty"`
}

// Reassess regresses the project to an earlier phase. It clears the phase
// lock and increments the regression count. Regressions that cross a
// kingdom boundary, and every regression from the third on, require a
// review summary and supersede in-flight brainstorm artifacts.
func (o *Orchestrator) Reassess(ctx context.Context, req ReassessRequest) (*ReassessResult, error) {
	ctx, span := startSpan(ctx, "transition.Reassess",
		attribute.String("project.id", req.ProjectID),
		attribute.String("target_phase", string(req.TargetPhase)),
	)
	defer span.End()

	res, err := o.reassess(ctx, req)
	if err != nil {
		span.RecordError(err)
	}
	return res, err
}

func (o *Orchestrator) reassess(ctx context.Context, req ReassessRequest) (*ReassessResult, error) {
	if strings.TrimSpace(req.Actor) == "" {
		return nil, apperr.Validation(apperr.CodeInvalidInput, "actor is required")
	}
	if !req.TargetPhase.Valid() {
		return nil, apperr.Validation(apperr.CodeInvalidPhase, fmt.Sprintf("invalid target phase %q", req.TargetPhase))
	}
	if req.FromPhase != "" && !req.FromPhase.Valid() {
		return nil, apperr.Validation(apperr.CodeInvalidPhase, fmt.Sprintf("invalid from phase %q", req.FromPhase))
	}

	p, err := o.store.GetProject(ctx, req.ProjectID)
	if err != nil {
		return nil, lookupErr(err)
	}
	if p.OwnerID != req.Actor {
		return nil, apperr.Unauthorized(apperr.CodeNotProjectOwner, "only the project owner may reassess")
	}
	if req.FromPhase != "" && req.FromPhase != p.Phase {
		return nil, apperr.Conflict(apperr.CodePhaseMismatch,
			fmt.Sprintf("project is in %s, not %s", p.Phase, req.FromPhase)).
			WithMetadata("current_phase", string(p.Phase), "requested_phase", string(req.FromPhase))
	}
	if !req.TargetPhase.Before(p.Phase) {
		return nil, apperr.Validation(apperr.CodeInvalidTransition,
			fmt.Sprintf("cannot reassess from %s to %s", p.Phase, req.TargetPhase))
	}
	if n := utf8.RuneCountInString(strings.TrimSpace(req.Reason)); n < o.cfg.MinReassessReason {
		return nil, apperr.Validation(apperr.CodeReassessReasonRequired,
			fmt.Sprintf("reassess reason needs at least %d characters, got %d", o.cfg.MinReassessReason, n))
	}

	count := p.ReassessCount + 1
	escalated := p.Phase.Kingdom() != req.TargetPhase.Kingdom() || count >= escalatedRegression
	if escalated {
		if n := utf8.RuneCountInString(strings.TrimSpace(req.ReviewSummary)); n < o.cfg.MinReassessSummary {
			return nil, apperr.Validation(apperr.CodeReassessSummaryRequired,
				fmt.Sprintf("this regression needs a review summary of at least %d characters, got %d", o.cfg.MinReassessSummary, n))
		}
	}

	err = o.store.UpdatePhaseState(ctx, store.PhaseUpdate{
		ProjectID:     p.ID,
		ExpectedPhase: p.Phase,
		Phase:         req.TargetPhase,
		PhaseLocked:   false,
		ReassessCount: count,
	})
	if err != nil {
		if errors.Is(err, store.ErrConcurrentUpdate) {
			return nil, apperr.Wrap(apperr.KindConflict, apperr.CodeConcurrentUpdate, "project phase changed during reassess", err)
		}
		return nil, fmt.Errorf("regress phase: %w", err)
	}

	res := &ReassessResult{
		ProjectID:       p.ID,
		FromPhase:       p.Phase,
		Phase:           req.TargetPhase,
		ReassessCount:   count,
		SummaryRequired: escalated,
	}
	if escalated {
		res.SupersededArtifacts = o.supersedeArtifacts(ctx, p.ID)
	}

	body, err := json.Marshal(reassessSnapshot{
		Reason:              strings.TrimSpace(req.Reason),
		ReviewSummary:       strings.TrimSpace(req.ReviewSummary),
		WasLocked:           p.PhaseLocked,
		SupersededArtifacts: res.SupersededArtifacts,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	entry := &model.DecisionEntry{
		ProjectID:   p.ID,
		Actor:       req.Actor,
		Kind:        model.DecisionReassess,
		Phase:       p.Phase,
		TargetPhase: req.TargetPhase,
		Outcome:     string(OutcomeApproved),
		Rationale:   strings.TrimSpace(req.Reason),
		Snapshot:    body,
	}
	if err := o.store.AppendDecision(ctx, entry); err != nil {
		o.logger.Error(ctx, "reassess not recorded", err, projectField(p.ID))
	} else {
		res.DecisionID = entry.ID
	}

	o.logger.Reassessed(ctx, p.ID, p.Phase, req.TargetPhase, count, escalated)
	o.metrics.RecordReassess(ctx, p.Phase, req.TargetPhase, escalated)
	events.Emit(ctx, o.publisher, o.logger.zap(), events.New(events.KindReassess, p.ID, req.Actor, res))
	if o.gates != nil {
		o.gates.Trigger(p.ID, req.Actor)
	}
	return res, nil
}

func (o *Orchestrator) supersedeArtifacts(ctx context.Context, projectID string) []string {
	artifacts, err := o.store.ListBrainstorms(ctx, projectID)
	if err != nil {
		o.logger.Warn(ctx, "list brainstorms for supersede failed", projectField(projectID), errField(err))
		return nil
	}
	var out []string
	for _, a := range artifacts {
		if !a.Status.InFlight() {
			continue
		}
		if err := o.store.UpdateBrainstormStatus(ctx, a.ID, model.ArtifactSuperseded); err != nil {
			o.logger.Warn(ctx, "supersede brainstorm failed", projectField(projectID), zap.String("artifact.id", a.ID), errField(err))
			continue
		}
		out = append(out, a.ID)
	}
	return out
}
