package readiness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/peoplemerit/pmerit-technologies-sub002/internal/apperr"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/events"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/model"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/store"
)

// transferAttempts bounds compare-and-swap retries on a contended scope.
const transferAttempts = 3

// Transfer outcome reasons.
const (
	ReasonTransferred      = "transferred"
	ReasonScopeFrozen      = "scope_frozen"
	ReasonNothingToVerify  = "nothing_to_transfer"
	ReasonFormulaExhausted = "formula_exhausted"
)

// TransferResult reports a WU transfer. A zero Transferred with a Reason
// other than ReasonTransferred is an ordinary no-op, not an error.
type TransferResult struct {
	ProjectID    string             `json:"project_id"`
	ScopeID      string             `json:"scope_id"`
	Transferred  float64            `json:"transferred"`
	Candidate    float64            `json:"candidate"`
	R            float64            `json:"r"`
	VerifiedWU   float64            `json:"verified_wu"`
	Reason       string             `json:"reason"`
	Conservation model.Conservation `json:"conservation"`
}

// AllocationResult reports a WU allocation. Capacity violations are
// returned as Success=false with a Reason rather than as errors.
type AllocationResult struct {
	Success   bool    `json:"success"`
	ProjectID string  `json:"project_id"`
	ScopeID   string  `json:"scope_id"`
	Previous  float64 `json:"previous"`
	Allocated float64 `json:"allocated"`
	Capacity  float64 `json:"capacity"`
	Remaining float64 `json:"remaining"`
	Reason    string  `json:"reason,omitempty"`
}

type ledgerState struct {
	Total         float64 `json:"execution_total_wu"`
	Formula       float64 `json:"formula_execution_wu"`
	Verified      float64 `json:"verified_reality_wu"`
	ScopeAlloc    float64 `json:"scope_allocated_wu,omitempty"`
	ScopeVerified float64 `json:"scope_verified_wu,omitempty"`
}

func stateJSON(s ledgerState) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func (e *Engine) audit(ctx context.Context, entry *model.WUAuditEntry) {
	if err := e.store.AppendWUAudit(ctx, entry); err != nil {
		e.logger.Error("wu audit append failed",
			zap.String("project.id", entry.ProjectID),
			zap.String("action", string(entry.Action)),
			zap.Error(err),
		)
	}
}

// InitializeWorkUnits sets the project's WU budget. The formula pool is
// set to total minus already verified WU so conservation holds.
func (e *Engine) InitializeWorkUnits(ctx context.Context, projectID string, total float64, actor string) (model.Conservation, error) {
	if total < 0 {
		return model.Conservation{}, apperr.Validation(apperr.CodeNegativeTotal, "execution_total_wu must not be negative")
	}
	p, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		return model.Conservation{}, lookupErr(err, apperr.CodeProjectNotFound, "project")
	}
	if total < p.VerifiedRealityWU {
		return model.Conservation{}, apperr.Validation(apperr.CodeInvalidInput,
			fmt.Sprintf("execution_total_wu %.3f is below already verified %.3f", total, p.VerifiedRealityWU))
	}
	scopes, err := e.store.ListScopes(ctx, projectID)
	if err != nil {
		return model.Conservation{}, fmt.Errorf("list scopes: %w", err)
	}
	if allocated := allocatedTopLevel(scopes, ""); total < model.Round(allocated, 6) {
		return model.Conservation{}, apperr.Validation(apperr.CodeInvalidInput,
			fmt.Sprintf("execution_total_wu %.3f is below allocated %.3f", total, allocated))
	}

	before := ledgerState{Total: p.ExecutionTotalWU, Formula: p.FormulaExecutionWU, Verified: p.VerifiedRealityWU}
	formula := model.Round(total-p.VerifiedRealityWU, 6)
	if err := e.store.InitializeWU(ctx, projectID, total, formula); err != nil {
		return model.Conservation{}, fmt.Errorf("initialize wu: %w", err)
	}
	p.ExecutionTotalWU, p.FormulaExecutionWU = total, formula
	after := ledgerState{Total: total, Formula: formula, Verified: p.VerifiedRealityWU}

	e.audit(ctx, &model.WUAuditEntry{
		ProjectID: projectID,
		Actor:     actor,
		Action:    model.WUInitialize,
		Amount:    total,
		Before:    stateJSON(before),
		After:     stateJSON(after),
	})
	snap := model.ConservationOf(p)
	events.Emit(ctx, e.publisher, e.logger, events.New(events.KindWUInitialized, projectID, actor, snap))
	e.logger.Info("wu initialized", zap.String("project.id", projectID), zap.Float64("total", total))
	return snap, nil
}

// allocatedTopLevel sums the allocations of active tier-1 scopes, skipping
// the scope with id skip.
func allocatedTopLevel(scopes []*model.Scope, skip string) float64 {
	var sum float64
	for _, sc := range scopes {
		if sc.ID == skip || !sc.TopLevel() || sc.Status == model.ScopeCancelled {
			continue
		}
		sum += sc.AllocatedWU
	}
	return sum
}

// AllocateWorkUnits sets a tier-1 scope's allocation. The allocation plus
// every other active tier-1 allocation must fit in execution_total_wu.
func (e *Engine) AllocateWorkUnits(ctx context.Context, scopeID string, amount float64, actor string) (*AllocationResult, error) {
	if amount < 0 {
		return nil, apperr.Validation(apperr.CodeNegativeAllocation, "allocation must not be negative")
	}
	sc, err := e.store.GetScope(ctx, scopeID)
	if err != nil {
		return nil, lookupErr(err, apperr.CodeScopeNotFound, "scope")
	}
	p, err := e.store.GetProject(ctx, sc.ProjectID)
	if err != nil {
		return nil, lookupErr(err, apperr.CodeProjectNotFound, "project")
	}
	scopes, err := e.store.ListScopes(ctx, sc.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("list scopes: %w", err)
	}

	others := allocatedTopLevel(scopes, sc.ID)
	res := &AllocationResult{
		ProjectID: sc.ProjectID,
		ScopeID:   sc.ID,
		Previous:  sc.AllocatedWU,
		Allocated: sc.AllocatedWU,
		Capacity:  p.ExecutionTotalWU,
		Remaining: model.Round(p.ExecutionTotalWU-others-sc.AllocatedWU, 6),
	}

	switch {
	case !sc.TopLevel():
		res.Reason = "allocations apply to top-level scopes only"
	case sc.Status.Frozen():
		res.Reason = fmt.Sprintf("scope is %s", sc.Status)
	case amount < sc.VerifiedWU:
		res.Reason = fmt.Sprintf("allocation %.3f is below verified %.3f", amount, sc.VerifiedWU)
	case amount+others > p.ExecutionTotalWU+1e-9:
		res.Reason = fmt.Sprintf("allocation %.3f exceeds remaining capacity %.3f", amount, model.Round(p.ExecutionTotalWU-others, 6))
	}
	if res.Reason != "" {
		e.metrics.RecordAllocation(ctx, false)
		return res, nil
	}

	if err := e.store.SetScopeAllocation(ctx, sc.ID, amount); err != nil {
		return nil, fmt.Errorf("set allocation: %w", err)
	}
	res.Success = true
	res.Allocated = amount
	res.Remaining = model.Round(p.ExecutionTotalWU-others-amount, 6)

	e.audit(ctx, &model.WUAuditEntry{
		ProjectID: sc.ProjectID,
		ScopeID:   sc.ID,
		Actor:     actor,
		Action:    model.WUAllocate,
		Amount:    amount,
		Before:    stateJSON(ledgerState{Total: p.ExecutionTotalWU, Formula: p.FormulaExecutionWU, Verified: p.VerifiedRealityWU, ScopeAlloc: sc.AllocatedWU}),
		After:     stateJSON(ledgerState{Total: p.ExecutionTotalWU, Formula: p.FormulaExecutionWU, Verified: p.VerifiedRealityWU, ScopeAlloc: amount}),
	})
	e.metrics.RecordAllocation(ctx, true)
	events.Emit(ctx, e.publisher, e.logger, events.New(events.KindWUAllocated, sc.ProjectID, actor, res))
	return res, nil
}

// TransferWorkUnits moves the scope's readiness-weighted WU not yet
// verified from the formula pool into the verified pools. Already
// verified WU is never transferred twice, and the amount is capped at the
// remaining formula pool.
func (e *Engine) TransferWorkUnits(ctx context.Context, scopeID, actor string) (*TransferResult, error) {
	ctx, span := startSpan(ctx, "readiness.TransferWorkUnits", attribute.String("scope.id", scopeID))
	defer span.End()

	for attempt := 1; ; attempt++ {
		res, err := e.transferOnce(ctx, scopeID, actor)
		if errors.Is(err, store.ErrConcurrentUpdate) && attempt < transferAttempts {
			e.logger.Debug("wu transfer retry", zap.String("scope.id", scopeID), zap.Int("attempt", attempt))
			continue
		}
		if errors.Is(err, store.ErrConcurrentUpdate) {
			e.metrics.RecordTransfer(ctx, "conflict", 0)
			return nil, apperr.Wrap(apperr.KindConflict, apperr.CodeConcurrentUpdate, "scope changed during transfer", err)
		}
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		e.metrics.RecordTransfer(ctx, res.Reason, res.Transferred)
		return res, nil
	}
}

func (e *Engine) transferOnce(ctx context.Context, scopeID, actor string) (*TransferResult, error) {
	sc, err := e.store.GetScope(ctx, scopeID)
	if err != nil {
		return nil, lookupErr(err, apperr.CodeScopeNotFound, "scope")
	}
	snap, err := e.load(ctx, sc.ProjectID)
	if err != nil {
		return nil, err
	}
	p := snap.project
	r := Score(sc, snap.scopeDeliverables(sc), snap.integrity)
	if err := e.persistScores(ctx, sc, r); err != nil {
		return nil, err
	}

	res := &TransferResult{
		ProjectID:    sc.ProjectID,
		ScopeID:      sc.ID,
		R:            r.R,
		VerifiedWU:   sc.VerifiedWU,
		Conservation: model.ConservationOf(p),
	}
	if sc.Status.Frozen() {
		res.Reason = ReasonScopeFrozen
		return res, nil
	}
	res.Candidate = model.Round(model.Round3(sc.AllocatedWU*r.R)-sc.VerifiedWU, 6)
	if res.Candidate <= 0 {
		res.Candidate = 0
		res.Reason = ReasonNothingToVerify
		return res, nil
	}
	amount := res.Candidate
	if amount > p.FormulaExecutionWU {
		amount = model.Round(p.FormulaExecutionWU, 6)
	}
	if amount <= 0 {
		res.Reason = ReasonFormulaExhausted
		return res, nil
	}

	if err := e.store.TransferWorkUnits(ctx, store.Transfer{
		ProjectID:             p.ID,
		ScopeID:               sc.ID,
		Amount:                amount,
		ExpectedScopeVerified: sc.VerifiedWU,
	}); err != nil {
		return nil, err
	}

	before := ledgerState{Total: p.ExecutionTotalWU, Formula: p.FormulaExecutionWU, Verified: p.VerifiedRealityWU, ScopeAlloc: sc.AllocatedWU, ScopeVerified: sc.VerifiedWU}
	p.FormulaExecutionWU = model.Round(p.FormulaExecutionWU-amount, 6)
	p.VerifiedRealityWU = model.Round(p.VerifiedRealityWU+amount, 6)
	after := ledgerState{Total: p.ExecutionTotalWU, Formula: p.FormulaExecutionWU, Verified: p.VerifiedRealityWU, ScopeAlloc: sc.AllocatedWU, ScopeVerified: model.Round(sc.VerifiedWU+amount, 6)}

	res.Transferred = amount
	res.VerifiedWU = after.ScopeVerified
	res.Reason = ReasonTransferred
	res.Conservation = model.ConservationOf(p)

	e.audit(ctx, &model.WUAuditEntry{
		ProjectID: p.ID,
		ScopeID:   sc.ID,
		Actor:     actor,
		Action:    model.WUTransfer,
		Amount:    amount,
		Before:    stateJSON(before),
		After:     stateJSON(after),
	})
	events.Emit(ctx, e.publisher, e.logger, events.New(events.KindWUTransferred, p.ID, actor, res))
	e.logger.Info("wu transferred",
		zap.String("project.id", p.ID),
		zap.String("scope.id", sc.ID),
		zap.Float64("amount", amount),
		zap.Float64("r", r.R),
	)
	return res, nil
}
