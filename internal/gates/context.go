package gates

import (
	"context"
	"fmt"

	"github.com/peoplemerit/pmerit-technologies-sub002/internal/model"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/readiness"
)

// EvalContext is the project state gate evaluators read. Readiness and
// reconciliation are computed at most once per evaluation batch.
type EvalContext struct {
	Project      *model.Project
	Scopes       []*model.Scope
	Deliverables []*model.Deliverable
	Layers       []*model.ExecutionLayer
	Integrity    *model.IntegrityReport
	UserMessages int

	computer       readiness.Computer
	readiness      *readiness.ProjectReadiness
	readinessErr   error
	reconciliation *readiness.Reconciliation
	reconcileErr   error
}

// TopLevelScopes returns the tier-1 scopes that are not cancelled.
func (ec *EvalContext) TopLevelScopes() []*model.Scope {
	var out []*model.Scope
	for _, sc := range ec.Scopes {
		if sc.TopLevel() && sc.Status != model.ScopeCancelled {
			out = append(out, sc)
		}
	}
	return out
}

// Readiness returns the project readiness, computing it on first use.
func (ec *EvalContext) Readiness(ctx context.Context) (*readiness.ProjectReadiness, error) {
	if ec.readiness == nil && ec.readinessErr == nil {
		if ec.computer == nil {
			ec.readinessErr = fmt.Errorf("readiness engine not configured")
		} else {
			ec.readiness, ec.readinessErr = ec.computer.ComputeProjectReadiness(ctx, ec.Project.ID)
		}
	}
	return ec.readiness, ec.readinessErr
}

// Reconciliation returns the reconciliation triad, computing it on first use.
func (ec *EvalContext) Reconciliation(ctx context.Context) (*readiness.Reconciliation, error) {
	if ec.reconciliation == nil && ec.reconcileErr == nil {
		if ec.computer == nil {
			ec.reconcileErr = fmt.Errorf("readiness engine not configured")
		} else {
			ec.reconciliation, ec.reconcileErr = ec.computer.ComputeReconciliation(ctx, ec.Project.ID)
		}
	}
	return ec.reconciliation, ec.reconcileErr
}

func (e *Engine) loadContext(ctx context.Context, p *model.Project) (*EvalContext, error) {
	scopes, err := e.store.ListScopes(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("list scopes: %w", err)
	}
	deliverables, err := e.store.ListDeliverables(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("list deliverables: %w", err)
	}
	layers, err := e.store.ListExecutionLayers(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("list execution layers: %w", err)
	}
	integrity, err := e.store.LatestIntegrityReport(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("latest integrity report: %w", err)
	}
	users, err := e.store.CountMessages(ctx, p.ID, model.MessageFilter{Role: model.RoleUser})
	if err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}
	return &EvalContext{
		Project:      p,
		Scopes:       scopes,
		Deliverables: deliverables,
		Layers:       layers,
		Integrity:    integrity,
		UserMessages: users,
		computer:     e.readiness,
	}, nil
}
