package transition

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/peoplemerit/pmerit-technologies-sub002/internal/model"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/readiness"
)

// Readiness thresholds applied by the artifact checks.
const (
	ExecutionMinProjectR = 0.6
	ReviewMinProjectR    = 0.8
)

// Artifact check ids.
const (
	CheckObjective        = "objective"
	CheckBrainstorm       = "validated_brainstorm"
	CheckScopes           = "top_level_scopes"
	CheckBoundary         = "scope_boundary"
	CheckDefinitionOfDone = "definition_of_done"
	CheckOrphans          = "orphan_deliverables"
	CheckAssistant        = "assistant_activity"
	CheckAssignments      = "assignments_resolved"
	CheckAccepted         = "deliverable_accepted"
	CheckEvidence         = "submission_evidence"
	CheckConservation     = "conservation"
	CheckReadiness        = "project_readiness"
	CheckDivergence       = "reconciliation"
	CheckReviewActivity   = "review_activity"
	CheckReviewSummary    = "review_summary"
	CheckVerified         = "scopes_verified"
)

// Governance is the readiness state captured while checking Execution and
// Review, kept for the ledger snapshot.
type Governance struct {
	ProjectR       float64                   `json:"project_r"`
	Conservation   model.Conservation        `json:"conservation"`
	Reconciliation *readiness.Reconciliation `json:"reconciliation,omitempty"`

	scopes []readiness.ScopeReadiness
}

func (o *Orchestrator) checkArtifacts(ctx context.Context, p *model.Project, req FinalizeRequest, c *checks) (*Governance, error) {
	switch p.Phase {
	case model.PhaseIdeation:
		return nil, o.checkIdeation(ctx, p, c)
	case model.PhasePlanning:
		return nil, o.checkPlanning(ctx, p, c)
	case model.PhaseExecution:
		return o.checkExecution(ctx, p, c)
	case model.PhaseReview:
		return o.checkReview(ctx, p, req, c)
	}
	return nil, fmt.Errorf("no artifact checks for phase %s", p.Phase)
}

func (o *Orchestrator) checkIdeation(ctx context.Context, p *model.Project, c *checks) error {
	n := utf8.RuneCountInString(strings.TrimSpace(p.Objective))
	switch {
	case n < o.cfg.MinObjectiveLength:
		c.block(CheckObjective, fmt.Sprintf("objective has %d characters, at least %d required", n, o.cfg.MinObjectiveLength))
	case n < o.cfg.BriefObjectiveLength:
		c.warn(CheckObjective, fmt.Sprintf("objective is brief (%d characters)", n))
	}

	artifacts, err := o.store.ListBrainstorms(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("list brainstorms: %w", err)
	}
	for _, a := range artifacts {
		if a.Validated && a.Status != model.ArtifactSuperseded {
			return nil
		}
	}
	c.block(CheckBrainstorm, "no validated brainstorm artifact")
	return nil
}

func (o *Orchestrator) checkPlanning(ctx context.Context, p *model.Project, c *checks) error {
	scopes, err := o.store.ListScopes(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("list scopes: %w", err)
	}
	deliverables, err := o.store.ListDeliverables(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("list deliverables: %w", err)
	}

	live := make(map[string]bool)
	topLevel := 0
	for _, sc := range scopes {
		if sc.Status == model.ScopeCancelled {
			continue
		}
		live[sc.ID] = true
		if !sc.TopLevel() {
			continue
		}
		topLevel++
		if strings.TrimSpace(sc.Boundary) == "" {
			c.block(CheckBoundary, fmt.Sprintf("scope %q has no boundary", sc.Title))
		}
	}
	if topLevel == 0 {
		c.block(CheckScopes, "no top-level scope")
	}

	missingDoD, orphans := 0, 0
	for _, d := range deliverables {
		if !live[d.ScopeID] {
			orphans++
			continue
		}
		if !d.HasDefinitionOfDone() {
			missingDoD++
		}
	}
	if missingDoD > 0 {
		c.block(CheckDefinitionOfDone, fmt.Sprintf("%d deliverables lack a Definition of Done", missingDoD))
	}
	if orphans > 0 {
		c.warn(CheckOrphans, fmt.Sprintf("%d deliverables belong to no live scope", orphans))
	}
	return nil
}

func (o *Orchestrator) checkExecution(ctx context.Context, p *model.Project, c *checks) (*Governance, error) {
	assistant, err := o.store.CountMessages(ctx, p.ID, model.MessageFilter{Role: model.RoleAssistant, Phase: model.PhaseExecution})
	if err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}
	if assistant == 0 {
		c.warn(CheckAssistant, "no assistant activity during execution")
	}

	assignments, err := o.store.ListTaskAssignments(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("list task assignments: %w", err)
	}
	unresolved, accepted, evidenced := 0, 0, 0
	for _, a := range assignments {
		if !a.Status.Resolved() {
			unresolved++
		}
		if a.Status == model.AssignmentAccepted {
			accepted++
		}
		if strings.TrimSpace(a.Evidence) != "" {
			evidenced++
		}
	}
	if unresolved > 0 {
		c.block(CheckAssignments, fmt.Sprintf("%d task assignments are unresolved", unresolved))
	}
	if accepted == 0 {
		c.block(CheckAccepted, "no deliverable has been accepted")
	}
	if evidenced == 0 {
		c.warn(CheckEvidence, "no submission evidence recorded")
	}

	if !p.WUInitialized() {
		return nil, nil
	}
	g, err := o.governance(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if !g.Conservation.Valid {
		c.block(CheckConservation, fmt.Sprintf("WU conservation violated: delta %.6f", g.Conservation.Delta))
	}
	if g.ProjectR < ExecutionMinProjectR {
		c.block(CheckReadiness, fmt.Sprintf("project R %.3f below %.1f", g.ProjectR, ExecutionMinProjectR))
	}
	divergence(g, c)
	return g, nil
}

func (o *Orchestrator) checkReview(ctx context.Context, p *model.Project, req FinalizeRequest, c *checks) (*Governance, error) {
	n, err := o.store.CountMessages(ctx, p.ID, model.MessageFilter{Phase: model.PhaseReview})
	if err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}
	if n < o.cfg.MinReviewMessages {
		c.warn(CheckReviewActivity, fmt.Sprintf("%d review messages, %d expected", n, o.cfg.MinReviewMessages))
	}
	if strings.TrimSpace(req.ReviewSummary) == "" {
		c.block(CheckReviewSummary, "review summary is missing")
	}

	g, err := o.governance(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if g.ProjectR < ReviewMinProjectR {
		c.block(CheckReadiness, fmt.Sprintf("project R %.3f below %.1f", g.ProjectR, ReviewMinProjectR))
	}
	for _, s := range g.scopes {
		if s.AllocatedWU > 0 && s.VerifiedWU <= 0 {
			c.block(CheckVerified, fmt.Sprintf("scope %q has no verified WU", s.Title))
		}
	}
	if !g.Conservation.Valid {
		c.block(CheckConservation, fmt.Sprintf("final WU conservation violated: delta %.6f", g.Conservation.Delta))
	}
	divergence(g, c)
	return g, nil
}

func (o *Orchestrator) governance(ctx context.Context, projectID string) (*Governance, error) {
	pr, err := o.wu.ComputeProjectReadiness(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("compute readiness: %w", err)
	}
	rec, err := o.wu.ComputeReconciliation(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("compute reconciliation: %w", err)
	}
	return &Governance{ProjectR: pr.ProjectR, Conservation: pr.Conservation, Reconciliation: rec, scopes: pr.Scopes}, nil
}

func divergence(g *Governance, c *checks) {
	for _, e := range g.Reconciliation.Entries {
		if e.RequiresAttention {
			c.warn(CheckDivergence, fmt.Sprintf("scope %q verified WU diverges %.2f%% from plan", e.Title, e.DivergencePct))
		}
	}
}
