package gates

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peoplemerit/pmerit-technologies-sub002/internal/apperr"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/escalation"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/model"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/readiness"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/store/memory"
)

type fixture struct {
	t       *testing.T
	ctx     context.Context
	store   *memory.Store
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
	return &fixture{t: t, ctx: context.Background(), store: s, project: p}
}

func (f *fixture) engine(opts ...Option) *Engine {
	return New(f.store, readiness.New(f.store), opts...)
}

func (f *fixture) userMessage() {
	f.t.Helper()
	require.NoError(f.t, f.store.AddMessage(f.ctx, &model.Message{
		ProjectID: f.project.ID, Role: model.RoleUser, Phase: f.project.Phase, Content: "I accept",
	}))
}

func (f *fixture) gates() model.GateMap {
	f.t.Helper()
	m, err := f.store.GetGateMap(f.ctx, f.project.ID)
	require.NoError(f.t, err)
	return m
}

// executionReady builds a project state in which every execution gate
// holds: R = 0.9, 90 of 100 WU verified, one passed layer.
func (f *fixture) executionReady() {
	f.t.Helper()
	require.NoError(f.t, f.store.CreateIntegrityReport(f.ctx, &model.IntegrityReport{
		ProjectID: f.project.ID, ChecksTotal: 2, ChecksPassed: 2, Passed: true,
	}))
	sc := &model.Scope{ProjectID: f.project.ID, Title: "core", Purpose: "p", Boundary: "b", AllocatedWU: 100, VerifiedWU: 90}
	require.NoError(f.t, f.store.CreateScope(f.ctx, sc))
	for _, st := range []model.DeliverableStatus{model.DeliverableDone, model.DeliverableVerified} {
		require.NoError(f.t, f.store.CreateDeliverable(f.ctx, &model.Deliverable{
			ProjectID: f.project.ID, ScopeID: sc.ID, Title: "d", Status: st,
			DMAICPhase: model.DMAICControl, EvidenceSpec: "report", VerificationMethod: "review",
		}))
	}
	require.NoError(f.t, f.store.CreateExecutionLayer(f.ctx, &model.ExecutionLayer{
		ProjectID: f.project.ID, Name: "build", Status: model.LayerPassed,
	}))
}

func TestEvaluateAllGates_SetupGates(t *testing.T) {
	f := newFixture(t, &model.Project{LicenseActive: true, Environment: "staging", WorkspaceFolder: "/srv/app"})
	f.userMessage()
	e := f.engine()

	res, err := e.EvaluateAllGates(f.ctx, f.project.ID, "owner")
	require.NoError(t, err)
	assert.Len(t, res.Evaluated, len(model.AllGates()))
	assert.Empty(t, res.Skipped)

	var flipped []model.GateID
	for _, c := range res.Changes {
		assert.False(t, c.From)
		assert.True(t, c.To)
		assert.NotEmpty(t, c.Reason)
		flipped = append(flipped, c.Gate)
	}
	assert.ElementsMatch(t, []model.GateID{model.GateLicense, model.GateDisclaimer, model.GateEnvironment, model.GateFolder}, flipped)

	m := f.gates()
	assert.True(t, m.Get(model.GateLicense))
	assert.False(t, m.Get(model.GateBlueprint))
	assert.False(t, m.Get(model.GateIntegrity))
}

func TestEvaluateAllGates_Idempotent(t *testing.T) {
	f := newFixture(t, &model.Project{Phase: model.PhaseExecution, LicenseActive: true, ExecutionTotalWU: 100, FormulaExecutionWU: 10, VerifiedRealityWU: 90})
	f.executionReady()
	e := f.engine()

	_, err := e.EvaluateAllGates(f.ctx, f.project.ID, "owner")
	require.NoError(t, err)

	writes, gateWrites := f.store.Writes(), f.store.GateWrites()
	second, err := e.EvaluateAllGates(f.ctx, f.project.ID, "owner")
	require.NoError(t, err)
	third, err := e.EvaluateAllGates(f.ctx, f.project.ID, "owner")
	require.NoError(t, err)

	assert.Equal(t, writes, f.store.Writes())
	assert.Equal(t, gateWrites, f.store.GateWrites())
	assert.Empty(t, second.Changes)
	assert.Equal(t, second, third)
}

func TestEvaluateAllGates_ExecutionGates(t *testing.T) {
	f := newFixture(t, &model.Project{Phase: model.PhaseExecution, ExecutionTotalWU: 100, FormulaExecutionWU: 10, VerifiedRealityWU: 90})
	f.executionReady()

	res, err := f.engine().EvaluateAllGates(f.ctx, f.project.ID, "owner")
	require.NoError(t, err)
	assert.True(t, res.Gates[model.GateIntegrity])
	assert.True(t, res.Gates[model.GateBlueprint])
	assert.True(t, res.Gates[model.GatePreExecution])
	assert.True(t, res.Gates[model.GateValidation])
	assert.True(t, res.Gates[model.GateVerification])
}

func TestEvaluateAllGates_ConservationBlocksVerification(t *testing.T) {
	f := newFixture(t, &model.Project{Phase: model.PhaseReview, ExecutionTotalWU: 100, FormulaExecutionWU: 50, VerifiedRealityWU: 90})
	f.executionReady()

	res, err := f.engine().EvaluateAllGates(f.ctx, f.project.ID, "owner")
	require.NoError(t, err)
	assert.True(t, res.Gates[model.GateValidation])
	assert.False(t, res.Gates[model.GatePreExecution])
	assert.False(t, res.Gates[model.GateVerification])
}

func TestEvaluateAllGates_MonotoneForward(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.store.SetGate(f.ctx, f.project.ID, model.GateLicense, true))

	res, err := f.engine().EvaluateAllGates(f.ctx, f.project.ID, "owner")
	require.NoError(t, err)
	assert.Empty(t, res.Changes)
	assert.True(t, f.gates().Get(model.GateLicense))
}

func TestEvaluateAllGates_BlueprintNeedsDefinitionOfDone(t *testing.T) {
	f := newFixture(t, nil)
	sc := &model.Scope{ProjectID: f.project.ID, Title: "core"}
	require.NoError(t, f.store.CreateScope(f.ctx, sc))
	require.NoError(t, f.store.CreateDeliverable(f.ctx, &model.Deliverable{ProjectID: f.project.ID, ScopeID: sc.ID, Title: "d"}))
	e := f.engine()

	ev, err := e.Evaluate(f.ctx, f.project.ID, model.GateBlueprint)
	require.NoError(t, err)
	assert.False(t, ev.Satisfied)
	assert.Contains(t, ev.Reason, "Definition of Done")
}

func TestEvaluateAllGates_IsolatesFailingEvaluators(t *testing.T) {
	f := newFixture(t, &model.Project{LicenseActive: true})
	panics := NewRule(model.GateBlueprint, "panics", func(context.Context, *EvalContext) (Evaluation, error) {
		panic("boom")
	})
	fails := NewRule(model.GateIntegrity, "fails", func(context.Context, *EvalContext) (Evaluation, error) {
		return Evaluation{}, errors.New("lookup failed")
	})
	e := f.engine(WithRules(panics, fails, NewRule(model.GateLicense, "license", evalLicense)))

	res, err := e.EvaluateAllGates(f.ctx, f.project.ID, "owner")
	require.NoError(t, err)
	assert.Equal(t, []model.GateID{model.GateBlueprint, model.GateIntegrity}, res.Skipped)
	assert.Equal(t, []model.GateID{model.GateLicense}, res.Evaluated)
	require.Len(t, res.Changes, 1)
	assert.Equal(t, model.GateLicense, res.Changes[0].Gate)
}

func TestEvaluateAllGates_ReadinessUnavailable(t *testing.T) {
	f := newFixture(t, &model.Project{LicenseActive: true})
	e := New(f.store, nil)

	res, err := e.EvaluateAllGates(f.ctx, f.project.ID, "owner")
	require.NoError(t, err)
	assert.ElementsMatch(t, []model.GateID{model.GateValidation, model.GateVerification}, res.Skipped)
	assert.True(t, res.Gates[model.GateLicense])
}

func TestEvaluateAllGates_UnknownProject(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.engine().EvaluateAllGates(f.ctx, "missing", "owner")
	assert.Equal(t, apperr.CodeProjectNotFound, apperr.CodeOf(err))
}

func TestSetGate(t *testing.T) {
	f := newFixture(t, nil)
	e := f.engine()

	t.Run("unknown gate", func(t *testing.T) {
		_, err := e.SetGate(f.ctx, Toggle{ProjectID: f.project.ID, Gate: "bogus", Value: true, Actor: "owner"})
		assert.Equal(t, apperr.CodeUnknownGate, apperr.CodeOf(err))
		assert.Equal(t, 400, apperr.HTTPStatus(err))
	})

	t.Run("not owner", func(t *testing.T) {
		_, err := e.SetGate(f.ctx, Toggle{ProjectID: f.project.ID, Gate: model.GateLicense, Value: true, Actor: "intruder"})
		assert.Equal(t, apperr.CodeNotProjectOwner, apperr.CodeOf(err))
		assert.Equal(t, 403, apperr.HTTPStatus(err))
	})

	t.Run("structural precondition", func(t *testing.T) {
		_, err := e.SetGate(f.ctx, Toggle{ProjectID: f.project.ID, Gate: model.GateBlueprint, Value: true, Actor: "owner"})
		assert.Equal(t, apperr.CodeGatePreconditionFailed, apperr.CodeOf(err))
		assert.False(t, f.gates().Get(model.GateBlueprint))
	})

	t.Run("toggle and reset", func(t *testing.T) {
		res, err := e.SetGate(f.ctx, Toggle{ProjectID: f.project.ID, Gate: model.GateLicense, Value: true, Actor: "owner", Reason: "offline licence"})
		require.NoError(t, err)
		assert.True(t, res.Changed)
		assert.True(t, f.gates().Get(model.GateLicense))

		before := f.store.GateWrites()
		res, err = e.SetGate(f.ctx, Toggle{ProjectID: f.project.ID, Gate: model.GateLicense, Value: true, Actor: "owner"})
		require.NoError(t, err)
		assert.False(t, res.Changed)
		assert.Equal(t, before, f.store.GateWrites())

		res, err = e.SetGate(f.ctx, Toggle{ProjectID: f.project.ID, Gate: model.GateLicense, Value: false, Actor: "owner"})
		require.NoError(t, err)
		assert.True(t, res.Changed)
		assert.False(t, f.gates().Get(model.GateLicense))

		decisions, err := f.store.ListDecisions(f.ctx, f.project.ID, 10)
		require.NoError(t, err)
		require.Len(t, decisions, 2)
		assert.Equal(t, model.DecisionGateToggle, decisions[0].Kind)
		assert.Equal(t, "license=false", decisions[0].Outcome)
		assert.Equal(t, "offline licence", decisions[1].Rationale)
	})
}

type recordingChecker struct {
	calls atomic.Int32
}

func (c *recordingChecker) CheckReadinessEscalation(context.Context, string, string) (*escalation.CheckResult, error) {
	c.calls.Add(1)
	return &escalation.CheckResult{}, nil
}

func TestTrigger(t *testing.T) {
	t.Run("evaluates in background", func(t *testing.T) {
		f := newFixture(t, &model.Project{LicenseActive: true})
		checker := &recordingChecker{}
		e := f.engine(WithEscalation(checker))

		e.Trigger(f.project.ID, "owner")
		e.Wait()

		assert.True(t, f.gates().Get(model.GateLicense))
		assert.Zero(t, checker.calls.Load(), "escalation runs only in execution and review")
	})

	t.Run("checks escalation in execution", func(t *testing.T) {
		f := newFixture(t, &model.Project{Phase: model.PhaseExecution})
		checker := &recordingChecker{}
		e := f.engine(WithEscalation(checker))

		e.Trigger(f.project.ID, "owner")
		e.Wait()
		assert.Equal(t, int32(1), checker.calls.Load())
	})

	t.Run("swallows failures", func(t *testing.T) {
		f := newFixture(t, nil)
		e := f.engine()
		assert.NotPanics(t, func() {
			e.Trigger("missing", "owner")
			e.Wait()
		})
	})

	t.Run("rate limited per project", func(t *testing.T) {
		f := newFixture(t, nil)
		var runs atomic.Int32
		counting := NewRule(model.GateLicense, "counts", func(context.Context, *EvalContext) (Evaluation, error) {
			runs.Add(1)
			return Evaluation{}, nil
		})
		e := f.engine(WithRules(counting), WithTrigger(time.Second, 0.001, 1))

		for i := 0; i < 5; i++ {
			e.Trigger(f.project.ID, "owner")
		}
		e.Wait()
		assert.Equal(t, int32(1), runs.Load())
	})

	t.Run("evicts refilled limiters", func(t *testing.T) {
		f := newFixture(t, nil)
		e := f.engine(WithRules(), WithTrigger(time.Second, 1, 2))
		start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		clock := start
		e.now = func() time.Time { return clock }

		assert.True(t, e.allow("a"))
		clock = start.Add(30 * time.Second)
		assert.True(t, e.allow("c"))

		clock = start.Add(59 * time.Second)
		assert.True(t, e.allow("b"))
		assert.True(t, e.allow("b"))
		assert.False(t, e.allow("b"))
		assert.Len(t, e.limiters, 3, "no sweep within the interval")

		clock = start.Add(limiterSweepInterval)
		assert.True(t, e.allow("b"))
		assert.Len(t, e.limiters, 1, "a and c refilled and were evicted")
		assert.False(t, e.allow("b"), "b kept its drained bucket")
	})
}
