package transition

import (
	"context"
	"fmt"

	"github.com/peoplemerit/pmerit-technologies-sub002/internal/model"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/readiness"
)

// SideEffects reports the work done after an approved finalize. Each
// effect is best effort; failures are listed in Errors and never undo the
// phase change.
type SideEffects struct {
	PromotedArtifacts   []string                    `json:"promoted_artifacts,omitempty"`
	FrozenArtifacts     []string                    `json:"frozen_artifacts,omitempty"`
	CreatedAssignments  []string                    `json:"created_assignments,omitempty"`
	StartedDeliverables []string                    `json:"started_deliverables,omitempty"`
	Transfers           []*readiness.TransferResult `json:"transfers,omitempty"`
	LockedScopes        []string                    `json:"locked_scopes,omitempty"`
	Reconciliation      *readiness.Reconciliation   `json:"reconciliation,omitempty"`
	Errors              []string                    `json:"errors,omitempty"`
}

func (fx *SideEffects) failed(effect string, err error) {
	fx.Errors = append(fx.Errors, fmt.Sprintf("%s: %v", effect, err))
}

func (o *Orchestrator) applySideEffects(ctx context.Context, p *model.Project, actor string, gov *Governance) *SideEffects {
	fx := &SideEffects{}
	switch p.Phase {
	case model.PhaseIdeation:
		o.promoteBrainstorm(ctx, p, fx)
	case model.PhasePlanning:
		o.startDeliverables(ctx, p, fx)
	case model.PhaseExecution:
		o.transferWorkUnits(ctx, p, actor, gov, fx)
	case model.PhaseReview:
		o.closeReview(ctx, p, gov, fx)
	}
	for _, e := range fx.Errors {
		o.logger.SideEffectFailed(ctx, p.ID, p.Phase, e)
		o.metrics.RecordSideEffectFailure(ctx, p.Phase)
	}
	return fx
}

// promoteBrainstorm moves validated draft artifacts to ACTIVE.
func (o *Orchestrator) promoteBrainstorm(ctx context.Context, p *model.Project, fx *SideEffects) {
	artifacts, err := o.store.ListBrainstorms(ctx, p.ID)
	if err != nil {
		fx.failed("list brainstorms", err)
		return
	}
	for _, a := range artifacts {
		if a.Status != model.ArtifactDraft || !a.Validated {
			continue
		}
		if err := o.store.UpdateBrainstormStatus(ctx, a.ID, model.ArtifactActive); err != nil {
			fx.failed("promote brainstorm "+a.ID, err)
			continue
		}
		fx.PromotedArtifacts = append(fx.PromotedArtifacts, a.ID)
	}
}

// startDeliverables assigns every READY deliverable of a live scope to the
// project owner and marks it IN_PROGRESS.
func (o *Orchestrator) startDeliverables(ctx context.Context, p *model.Project, fx *SideEffects) {
	scopes, err := o.store.ListScopes(ctx, p.ID)
	if err != nil {
		fx.failed("list scopes", err)
		return
	}
	deliverables, err := o.store.ListDeliverables(ctx, p.ID)
	if err != nil {
		fx.failed("list deliverables", err)
		return
	}
	existing, err := o.store.ListTaskAssignments(ctx, p.ID)
	if err != nil {
		fx.failed("list task assignments", err)
		return
	}

	live := make(map[string]bool, len(scopes))
	for _, sc := range scopes {
		live[sc.ID] = sc.Status != model.ScopeCancelled
	}
	assigned := make(map[string]bool, len(existing))
	for _, a := range existing {
		assigned[a.DeliverableID] = true
	}

	for _, d := range deliverables {
		if d.Status != model.DeliverableReady || !live[d.ScopeID] {
			continue
		}
		if !assigned[d.ID] {
			a := &model.TaskAssignment{
				ProjectID:     p.ID,
				DeliverableID: d.ID,
				AssigneeID:    p.OwnerID,
				Status:        model.AssignmentInProgress,
			}
			if err := o.store.CreateTaskAssignment(ctx, a); err != nil {
				fx.failed("assign deliverable "+d.ID, err)
				continue
			}
			fx.CreatedAssignments = append(fx.CreatedAssignments, a.ID)
		}
		if err := o.store.UpdateDeliverableStatus(ctx, d.ID, model.DeliverableInProgress); err != nil {
			fx.failed("start deliverable "+d.ID, err)
			continue
		}
		fx.StartedDeliverables = append(fx.StartedDeliverables, d.ID)
	}
}

// transferWorkUnits runs a WU transfer for every active scope with
// allocation and positive readiness.
func (o *Orchestrator) transferWorkUnits(ctx context.Context, p *model.Project, actor string, gov *Governance, fx *SideEffects) {
	if !p.WUInitialized() {
		return
	}
	scopes := []readiness.ScopeReadiness(nil)
	if gov != nil {
		scopes = gov.scopes
	} else {
		pr, err := o.wu.ComputeProjectReadiness(ctx, p.ID)
		if err != nil {
			fx.failed("compute readiness", err)
			return
		}
		scopes = pr.Scopes
	}
	for _, s := range scopes {
		if s.Status != model.ScopeActive || s.AllocatedWU <= 0 || s.R <= 0 {
			continue
		}
		res, err := o.wu.TransferWorkUnits(ctx, s.ScopeID, actor)
		if err != nil {
			fx.failed("transfer "+s.ScopeID, err)
			continue
		}
		fx.Transfers = append(fx.Transfers, res)
	}
}

// closeReview freezes active brainstorm artifacts, locks fully ready
// scopes and keeps the final reconciliation.
func (o *Orchestrator) closeReview(ctx context.Context, p *model.Project, gov *Governance, fx *SideEffects) {
	artifacts, err := o.store.ListBrainstorms(ctx, p.ID)
	if err != nil {
		fx.failed("list brainstorms", err)
	}
	for _, a := range artifacts {
		if a.Status != model.ArtifactActive {
			continue
		}
		if err := o.store.UpdateBrainstormStatus(ctx, a.ID, model.ArtifactFrozen); err != nil {
			fx.failed("freeze brainstorm "+a.ID, err)
			continue
		}
		fx.FrozenArtifacts = append(fx.FrozenArtifacts, a.ID)
	}

	if gov == nil {
		return
	}
	for _, s := range gov.scopes {
		if s.Status != model.ScopeActive || s.R < 1.0 {
			continue
		}
		if err := o.store.SetScopeStatus(ctx, s.ScopeID, model.ScopeLocked); err != nil {
			fx.failed("lock scope "+s.ScopeID, err)
			continue
		}
		fx.LockedScopes = append(fx.LockedScopes, s.ScopeID)
	}
	fx.Reconciliation = gov.Reconciliation
}
