package readiness

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peoplemerit/pmerit-technologies-sub002/internal/apperr"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/model"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/store/memory"
)

type fixture struct {
	t       *testing.T
	ctx     context.Context
	store   *memory.Store
	engine  *Engine
	project *model.Project
}

func newFixture(t *testing.T, p *model.Project) *fixture {
	t.Helper()
	s := memory.New()
	if p == nil {
		p = &model.Project{}
	}
	p.OwnerID = "owner"
	require.NoError(t, s.CreateProject(context.Background(), p))
	return &fixture{t: t, ctx: context.Background(), store: s, engine: New(s), project: p}
}

func (f *fixture) scope(sc *model.Scope) *model.Scope {
	f.t.Helper()
	sc.ProjectID = f.project.ID
	require.NoError(f.t, f.store.CreateScope(f.ctx, sc))
	return sc
}

func (f *fixture) deliverable(scopeID string, status model.DeliverableStatus, dmaic model.DMAICPhase, dod bool) {
	f.t.Helper()
	d := &model.Deliverable{ProjectID: f.project.ID, ScopeID: scopeID, Title: "d", Status: status, DMAICPhase: dmaic}
	if dod {
		d.EvidenceSpec, d.VerificationMethod = "report", "review"
	}
	require.NoError(f.t, f.store.CreateDeliverable(f.ctx, d))
}

func (f *fixture) integrityPassed() {
	f.t.Helper()
	require.NoError(f.t, f.store.CreateIntegrityReport(f.ctx, &model.IntegrityReport{ProjectID: f.project.ID, ChecksTotal: 3, ChecksPassed: 3, Passed: true}))
}

// readyScope builds a scope with R = 0.9: L = 1, P = 1, V = 0.9.
func (f *fixture) readyScope(alloc, verified float64) *model.Scope {
	sc := f.scope(&model.Scope{Title: "core", Purpose: "p", Boundary: "b", AllocatedWU: alloc, VerifiedWU: verified})
	f.deliverable(sc.ID, model.DeliverableDone, model.DMAICImprove, true)
	f.deliverable(sc.ID, model.DeliverableVerified, model.DMAICControl, true)
	return sc
}

func TestScore_FullyReadyScope(t *testing.T) {
	f := newFixture(t, nil)
	f.integrityPassed()
	sc := f.readyScope(0, 0)

	r, err := f.engine.ComputeScopeReadiness(f.ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, r.L)
	assert.Equal(t, 1.0, r.P)
	assert.Equal(t, 0.9, r.V)
	assert.Equal(t, 0.9, r.R)
	assert.Equal(t, 2, r.DeliverablesDone)

	stored, err := f.store.GetScope(f.ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.9, stored.ValidationScore)
}

func TestScore_WeakestLink(t *testing.T) {
	sc := &model.Scope{ID: "s", Purpose: "only purpose"}
	r := Score(sc, nil, &model.IntegrityReport{Passed: true})
	assert.Equal(t, 0.5, r.L)
	assert.Equal(t, 0.0, r.P)
	assert.Equal(t, 0.0, r.V)
	assert.Equal(t, 0.0, r.R)
}

func TestScore_IncludesChildDeliverables(t *testing.T) {
	f := newFixture(t, nil)
	parent := f.scope(&model.Scope{Title: "parent", Purpose: "p", Boundary: "b"})
	child := f.scope(&model.Scope{Title: "child", ParentID: &parent.ID})
	f.deliverable(parent.ID, model.DeliverableDone, model.DMAICControl, true)
	f.deliverable(child.ID, model.DeliverableDraft, model.DMAICControl, false)

	r, err := f.engine.ComputeScopeReadiness(f.ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, r.DeliverableCount)
	assert.Equal(t, 0.5, r.P)
	assert.Equal(t, 0.625, r.L)
}

func TestScore_Bounds(t *testing.T) {
	statuses := []model.DeliverableStatus{model.DeliverableDraft, model.DeliverableDone, model.DeliverableFailing, model.DeliverableLocked}
	phases := []model.DMAICPhase{"", model.DMAICDefine, model.DMAICMeasure, model.DMAICAnalyze, model.DMAICImprove, model.DMAICControl}

	for n := 0; n < 7; n++ {
		for _, integrity := range []*model.IntegrityReport{nil, {Passed: false}, {Passed: true}} {
			var ds []*model.Deliverable
			for i := 0; i < n; i++ {
				d := &model.Deliverable{Status: statuses[i%len(statuses)], DMAICPhase: phases[(i*5)%len(phases)]}
				if i%2 == 0 {
					d.EvidenceSpec, d.VerificationMethod = "e", "v"
				}
				ds = append(ds, d)
			}
			r := Score(&model.Scope{Purpose: "p", Boundary: "b"}, ds, integrity)
			for _, v := range []float64{r.L, r.P, r.V, r.R} {
				assert.GreaterOrEqual(t, v, 0.0)
				assert.LessOrEqual(t, v, 1.0)
			}
			assert.Equal(t, model.Round3(r.L*r.P*r.V), r.R)
		}
	}
}

func TestWeightedProjectR(t *testing.T) {
	got := WeightedProjectR([]ScopeReadiness{{R: 0.5, AllocatedWU: 10}, {R: 0.9, AllocatedWU: 30}})
	assert.Equal(t, 0.8, got)

	got = WeightedProjectR([]ScopeReadiness{{R: 0.5}, {R: 0.9}})
	assert.Equal(t, 0.7, got)

	assert.Equal(t, 0.0, WeightedProjectR(nil))
}

func TestComputeProjectReadiness_ExcludesCancelledAndIsWriteFreeOnRepeat(t *testing.T) {
	f := newFixture(t, nil)
	f.integrityPassed()
	f.readyScope(40, 0)
	cancelled := f.scope(&model.Scope{Title: "dropped", Status: model.ScopeCancelled, AllocatedWU: 60})
	f.deliverable(cancelled.ID, model.DeliverableDraft, "", false)

	pr, err := f.engine.ComputeProjectReadiness(f.ctx, f.project.ID)
	require.NoError(t, err)
	require.Len(t, pr.Scopes, 1)
	assert.Equal(t, 0.9, pr.ProjectR)

	writes := f.store.Writes()
	again, err := f.engine.ComputeProjectReadiness(f.ctx, f.project.ID)
	require.NoError(t, err)
	assert.Equal(t, pr, again)
	assert.Equal(t, writes, f.store.Writes())
}

func TestComputeProjectReadiness_NotFound(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.engine.ComputeProjectReadiness(f.ctx, "missing")
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	assert.Equal(t, apperr.CodeProjectNotFound, apperr.CodeOf(err))
}

func TestTransferWorkUnits_CappedByFormulaPool(t *testing.T) {
	f := newFixture(t, &model.Project{ExecutionTotalWU: 80, FormulaExecutionWU: 30, VerifiedRealityWU: 50})
	f.integrityPassed()
	sc := f.readyScope(100, 50)

	res, err := f.engine.TransferWorkUnits(f.ctx, sc.ID, "owner")
	require.NoError(t, err)
	assert.Equal(t, ReasonTransferred, res.Reason)
	assert.Equal(t, 40.0, res.Candidate)
	assert.Equal(t, 30.0, res.Transferred)
	assert.Equal(t, 80.0, res.VerifiedWU)
	assert.True(t, res.Conservation.Valid)

	p, err := f.store.GetProject(f.ctx, f.project.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, p.FormulaExecutionWU)
	assert.Equal(t, 80.0, p.VerifiedRealityWU)

	audit, err := f.store.ListWUAudit(f.ctx, f.project.ID, 0)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, model.WUTransfer, audit[0].Action)

	res, err = f.engine.TransferWorkUnits(f.ctx, sc.ID, "owner")
	require.NoError(t, err)
	assert.Equal(t, ReasonFormulaExhausted, res.Reason)
	assert.Zero(t, res.Transferred)
}

func TestTransferWorkUnits_NeverRetransfers(t *testing.T) {
	f := newFixture(t, &model.Project{ExecutionTotalWU: 200, FormulaExecutionWU: 200})
	f.integrityPassed()
	sc := f.readyScope(100, 0)

	res, err := f.engine.TransferWorkUnits(f.ctx, sc.ID, "owner")
	require.NoError(t, err)
	assert.Equal(t, 90.0, res.Transferred)

	res, err = f.engine.TransferWorkUnits(f.ctx, sc.ID, "owner")
	require.NoError(t, err)
	assert.Equal(t, ReasonNothingToVerify, res.Reason)
	assert.Zero(t, res.Transferred)
}

func TestTransferWorkUnits_FrozenScopeIsNoOp(t *testing.T) {
	f := newFixture(t, &model.Project{ExecutionTotalWU: 100, FormulaExecutionWU: 100})
	f.integrityPassed()
	sc := f.readyScope(50, 0)
	require.NoError(t, f.store.SetScopeStatus(f.ctx, sc.ID, model.ScopeLocked))

	res, err := f.engine.TransferWorkUnits(f.ctx, sc.ID, "owner")
	require.NoError(t, err)
	assert.Equal(t, ReasonScopeFrozen, res.Reason)

	p, _ := f.store.GetProject(f.ctx, f.project.ID)
	assert.Equal(t, 100.0, p.FormulaExecutionWU)
}

func TestAllocateWorkUnits(t *testing.T) {
	f := newFixture(t, &model.Project{ExecutionTotalWU: 100, FormulaExecutionWU: 100})
	a := f.scope(&model.Scope{Title: "a"})
	b := f.scope(&model.Scope{Title: "b", AllocatedWU: 70})
	child := f.scope(&model.Scope{Title: "c", ParentID: &a.ID})

	_, err := f.engine.AllocateWorkUnits(f.ctx, a.ID, -1, "owner")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeNegativeAllocation, apperr.CodeOf(err))

	res, err := f.engine.AllocateWorkUnits(f.ctx, a.ID, 40, "owner")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Reason, "exceeds remaining capacity")

	res, err = f.engine.AllocateWorkUnits(f.ctx, child.ID, 5, "owner")
	require.NoError(t, err)
	assert.False(t, res.Success)

	res, err = f.engine.AllocateWorkUnits(f.ctx, a.ID, 30, "owner")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0.0, res.Remaining)

	// Reallocating the same scope does not count its own previous value.
	res, err = f.engine.AllocateWorkUnits(f.ctx, b.ID, 70, "owner")
	require.NoError(t, err)
	assert.True(t, res.Success)

	_, err = f.engine.AllocateWorkUnits(f.ctx, "missing", 1, "owner")
	assert.Equal(t, apperr.CodeScopeNotFound, apperr.CodeOf(err))
}

func TestConservation_HoldsAcrossSequence(t *testing.T) {
	f := newFixture(t, nil)
	f.integrityPassed()
	_, err := f.engine.InitializeWorkUnits(f.ctx, f.project.ID, 150, "owner")
	require.NoError(t, err)

	s1 := f.readyScope(0, 0)
	s2 := f.scope(&model.Scope{Title: "half", Purpose: "p", Boundary: "b"})
	f.deliverable(s2.ID, model.DeliverableDone, model.DMAICControl, true)
	f.deliverable(s2.ID, model.DeliverableInProgress, model.DMAICControl, true)

	check := func() {
		p, err := f.store.GetProject(f.ctx, f.project.ID)
		require.NoError(t, err)
		assert.True(t, model.ConservationOf(p).Valid, "conservation broken: %+v", model.ConservationOf(p))
	}

	steps := []func() error{
		func() error { _, err := f.engine.AllocateWorkUnits(f.ctx, s1.ID, 80, "o"); return err },
		func() error { _, err := f.engine.AllocateWorkUnits(f.ctx, s2.ID, 60, "o"); return err },
		func() error { _, err := f.engine.TransferWorkUnits(f.ctx, s1.ID, "o"); return err },
		func() error { _, err := f.engine.TransferWorkUnits(f.ctx, s2.ID, "o"); return err },
		func() error { _, err := f.engine.AllocateWorkUnits(f.ctx, s2.ID, 70, "o"); return err },
		func() error { _, err := f.engine.TransferWorkUnits(f.ctx, s2.ID, "o"); return err },
		func() error { _, err := f.engine.TransferWorkUnits(f.ctx, s1.ID, "o"); return err },
	}
	for _, step := range steps {
		require.NoError(t, step())
		check()
	}
}

func TestInitializeWorkUnits(t *testing.T) {
	f := newFixture(t, &model.Project{ExecutionTotalWU: 40, FormulaExecutionWU: 20, VerifiedRealityWU: 20})

	snap, err := f.engine.InitializeWorkUnits(f.ctx, f.project.ID, 100, "owner")
	require.NoError(t, err)
	assert.Equal(t, 80.0, snap.Formula)
	assert.True(t, snap.Valid)

	_, err = f.engine.InitializeWorkUnits(f.ctx, f.project.ID, 10, "owner")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = f.engine.InitializeWorkUnits(f.ctx, f.project.ID, -5, "owner")
	assert.Equal(t, apperr.CodeNegativeTotal, apperr.CodeOf(err))
}

func TestInitializeWorkUnits_BelowAllocated(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.engine.InitializeWorkUnits(f.ctx, f.project.ID, 100, "owner")
	require.NoError(t, err)
	a := f.scope(&model.Scope{Title: "a"})
	f.scope(&model.Scope{Title: "child", ParentID: &a.ID, AllocatedWU: 500})
	f.scope(&model.Scope{Title: "dropped", AllocatedWU: 500, Status: model.ScopeCancelled})

	res, err := f.engine.AllocateWorkUnits(f.ctx, a.ID, 80, "owner")
	require.NoError(t, err)
	require.True(t, res.Success)

	_, err = f.engine.InitializeWorkUnits(f.ctx, f.project.ID, 10, "owner")
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.ErrorContains(t, err, "below allocated")

	p, err := f.store.GetProject(f.ctx, f.project.ID)
	require.NoError(t, err)
	assert.Equal(t, 100.0, p.ExecutionTotalWU, "rejected re-initialization leaves the budget alone")

	// Child and cancelled allocations do not count against the total.
	snap, err := f.engine.InitializeWorkUnits(f.ctx, f.project.ID, 80, "owner")
	require.NoError(t, err)
	assert.Equal(t, 80.0, snap.Total)
}

func TestComputeReconciliation(t *testing.T) {
	f := newFixture(t, nil)
	sc := f.scope(&model.Scope{Title: "api", AllocatedWU: 100, VerifiedWU: 50})
	for _, st := range []model.DeliverableStatus{model.DeliverableDone, model.DeliverableVerified, model.DeliverableDraft, model.DeliverableReady} {
		f.deliverable(sc.ID, st, "", false)
	}
	f.scope(&model.Scope{Title: "unplanned"})
	f.scope(&model.Scope{Title: "nearly", AllocatedWU: 10, VerifiedWU: 9})

	rec, err := f.engine.ComputeReconciliation(f.ctx, f.project.ID)
	require.NoError(t, err)
	require.Len(t, rec.Entries, 3)

	api := rec.Entries[0]
	assert.Equal(t, 50.0, api.Claimed)
	assert.Equal(t, 50.0, api.DivergencePct)
	assert.True(t, api.RequiresAttention)

	assert.Equal(t, 0.0, rec.Entries[1].DivergencePct)
	assert.False(t, rec.Entries[1].RequiresAttention)
	assert.Equal(t, 10.0, rec.Entries[2].DivergencePct)

	assert.True(t, rec.HasDivergences)
	assert.Equal(t, 50.0, rec.MaxDivergencePct)
}
