package transition

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/peoplemerit/pmerit-technologies-sub002/internal/apperr"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/contract"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/gates"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/model"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/readiness"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/store/memory"
)

const longObjective = "Build a governed billing pipeline for the finance team"

type stubGates struct {
	mu       sync.Mutex
	values   map[model.GateID]bool
	err      error
	triggers []string
}

func (s *stubGates) EvaluateAllGates(ctx context.Context, projectID, actor string) (*gates.Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &gates.Result{ProjectID: projectID, Gates: s.values}, nil
}

func (s *stubGates) Trigger(projectID, actor string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers = append(s.triggers, projectID)
}

func allTrue(ids ...model.GateID) map[model.GateID]bool {
	m := make(map[model.GateID]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

type stubLaws struct {
	violations []contract.Violation
	panicWith  any
}

func (s *stubLaws) ValidatePhaseTransition(ctx context.Context, projectID string, from, to model.Phase) (*contract.Result, error) {
	if s.panicWith != nil {
		panic(s.panicWith)
	}
	return &contract.Result{From: from, To: to, Allowed: true, Laws: contract.LawsFor(from, to), Violations: s.violations}, nil
}

type stubWU struct {
	pr        *readiness.ProjectReadiness
	rec       *readiness.Reconciliation
	err       error
	transfers []string
}

func (s *stubWU) ComputeProjectReadiness(ctx context.Context, projectID string) (*readiness.ProjectReadiness, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.pr, nil
}

func (s *stubWU) ComputeReconciliation(ctx context.Context, projectID string) (*readiness.Reconciliation, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.rec == nil {
		return &readiness.Reconciliation{ProjectID: projectID}, nil
	}
	return s.rec, nil
}

func (s *stubWU) TransferWorkUnits(ctx context.Context, scopeID, actor string) (*readiness.TransferResult, error) {
	s.transfers = append(s.transfers, scopeID)
	return &readiness.TransferResult{ScopeID: scopeID, Transferred: 1}, nil
}

func validConservation() model.Conservation {
	return model.Conservation{Total: 100, Formula: 10, Verified: 90, Valid: true}
}

type fixture struct {
	t       *testing.T
	ctx     context.Context
	store   *memory.Store
	project *model.Project
	gates   *stubGates
	laws    *stubLaws
	wu      *stubWU
}

func newFixture(t *testing.T, p *model.Project) *fixture {
	t.Helper()
	s := memory.New()
	p.OwnerID = "owner"
	require.NoError(t, s.CreateProject(context.Background(), p))
	return &fixture{
		t:       t,
		ctx:     context.Background(),
		store:   s,
		project: p,
		gates:   &stubGates{values: allTrue(model.AllGates()...)},
		laws:    &stubLaws{},
		wu:      &stubWU{pr: &readiness.ProjectReadiness{ProjectR: 0.9, Conservation: validConservation()}},
	}
}

func (f *fixture) orchestrator(opts ...Option) *Orchestrator {
	return New(f.store, f.gates, f.laws, f.wu, opts...)
}

func (f *fixture) finalize(o *Orchestrator, req FinalizeRequest) (*FinalizeResult, error) {
	if req.ProjectID == "" {
		req.ProjectID = f.project.ID
	}
	if req.Actor == "" {
		req.Actor = "owner"
	}
	if req.Phase == "" {
		req.Phase = f.project.Phase
	}
	return o.Finalize(f.ctx, req)
}

func (f *fixture) reload() *model.Project {
	f.t.Helper()
	p, err := f.store.GetProject(f.ctx, f.project.ID)
	require.NoError(f.t, err)
	return p
}

func (f *fixture) decisions() []*model.DecisionEntry {
	f.t.Helper()
	rows, err := f.store.ListDecisions(f.ctx, f.project.ID, 0)
	require.NoError(f.t, err)
	return rows
}

func (f *fixture) brainstorm(status model.ArtifactStatus, validated bool) *model.BrainstormArtifact {
	f.t.Helper()
	a := &model.BrainstormArtifact{
		ProjectID: f.project.ID, Status: status, Validated: validated,
		Options: []string{"buy", "build", "partner"},
	}
	require.NoError(f.t, f.store.CreateBrainstorm(f.ctx, a))
	return a
}

func (f *fixture) messages(role model.MessageRole, phase model.Phase, n int) {
	f.t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(f.t, f.store.AddMessage(f.ctx, &model.Message{
			ProjectID: f.project.ID, Role: role, Phase: phase, Content: "status update",
		}))
	}
}

func brainstormStatus(t *testing.T, f *fixture, id string) model.ArtifactStatus {
	t.Helper()
	list, err := f.store.ListBrainstorms(f.ctx, f.project.ID)
	require.NoError(t, err)
	for _, a := range list {
		if a.ID == id {
			return a.Status
		}
	}
	t.Fatalf("brainstorm %s not found", id)
	return ""
}

func TestDecide(t *testing.T) {
	block := []Check{{Source: SourceGate, ID: "license", Severity: contract.Blocking}}
	warn := []Check{{Source: SourceArtifact, ID: CheckObjective, Severity: contract.Warning}}

	tests := []struct {
		name     string
		blocking []Check
		warnings []Check
		override string
		want     Outcome
	}{
		{name: "clean", want: OutcomeApproved},
		{name: "blocking", blocking: block, want: OutcomeRejected},
		{name: "blocking ignores override", blocking: block, warnings: warn, override: "ship it anyway", want: OutcomeRejected},
		{name: "warnings soft stop", warnings: warn, want: OutcomeWarnings},
		{name: "blank override", warnings: warn, override: "   ", want: OutcomeWarnings},
		{name: "override", warnings: warn, override: "accepted by owner", want: OutcomeApproved},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.blocking, tt.warnings, tt.override))
		})
	}

	assert.Equal(t, http.StatusUnprocessableEntity, OutcomeRejected.HTTPStatus())
	assert.Equal(t, http.StatusOK, OutcomeWarnings.HTTPStatus())
	assert.Equal(t, http.StatusOK, OutcomeApproved.HTTPStatus())
}

func TestFinalize_MissingExitGatesReject(t *testing.T) {
	f := newFixture(t, &model.Project{Phase: model.PhasePlanning})
	f.gates.values = allTrue(model.GateEnvironment)

	res, err := f.finalize(f.orchestrator(), FinalizeRequest{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Equal(t, http.StatusUnprocessableEntity, res.HTTPStatus)
	assert.ElementsMatch(t, []model.GateID{model.GateBlueprint, model.GateFolder, model.GateIntegrity}, res.MissingGates)
	assert.Equal(t, model.PhasePlanning, f.reload().Phase)

	var gateChecks []string
	for _, c := range res.Blocking {
		if c.Source == SourceGate {
			gateChecks = append(gateChecks, c.ID)
		}
	}
	assert.Len(t, gateChecks, 3)

	rows := f.decisions()
	require.Len(t, rows, 1)
	assert.Equal(t, string(OutcomeRejected), rows[0].Outcome)
	assert.Equal(t, model.DecisionFinalize, rows[0].Kind)
	assert.Equal(t, model.PhaseExecution, rows[0].TargetPhase)
	assert.Equal(t, res.DecisionID, rows[0].ID)

	var snap snapshot
	require.NoError(t, json.Unmarshal(rows[0].Snapshot, &snap))
	assert.Len(t, snap.MissingGates, 3)
	assert.Empty(t, f.gates.triggers)
}

func TestFinalize_LawViolationsJoinChecks(t *testing.T) {
	f := newFixture(t, &model.Project{Phase: model.PhaseIdeation, Objective: longObjective})
	f.brainstorm(model.ArtifactDraft, true)
	f.laws.violations = []contract.Violation{
		{LawID: contract.LawBrainstorm, Description: "brainstorm explores 2 options", Severity: contract.Blocking},
	}

	res, err := f.finalize(f.orchestrator(), FinalizeRequest{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, res.Outcome)
	require.Len(t, res.Blocking, 1)
	assert.Equal(t, SourceLaw, res.Blocking[0].Source)
	assert.Equal(t, string(contract.LawBrainstorm), res.Blocking[0].ID)
}

func TestFinalize_WarningsSoftStop(t *testing.T) {
	f := newFixture(t, &model.Project{Phase: model.PhaseIdeation, Objective: "Build the billing pipeline now"})
	f.brainstorm(model.ArtifactDraft, true)

	res, err := f.finalize(f.orchestrator(), FinalizeRequest{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeWarnings, res.Outcome)
	assert.Equal(t, http.StatusOK, res.HTTPStatus)
	assert.Empty(t, res.Blocking)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, CheckObjective, res.Warnings[0].ID)
	assert.Equal(t, model.PhaseIdeation, res.Phase)
	assert.Equal(t, model.PhaseIdeation, f.reload().Phase)
	assert.Nil(t, res.SideEffects)

	rows := f.decisions()
	require.Len(t, rows, 1)
	assert.Equal(t, string(OutcomeWarnings), rows[0].Outcome)
}

func TestFinalize_OverrideApproves(t *testing.T) {
	f := newFixture(t, &model.Project{Phase: model.PhaseIdeation, Objective: "Build the billing pipeline now"})
	draft := f.brainstorm(model.ArtifactDraft, true)
	unvalidated := f.brainstorm(model.ArtifactDraft, false)

	res, err := f.finalize(f.orchestrator(), FinalizeRequest{OverrideReason: "objective reviewed with sponsor"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApproved, res.Outcome)
	assert.Equal(t, model.PhasePlanning, res.Phase)
	assert.Equal(t, "objective reviewed with sponsor", res.OverrideReason)
	assert.Equal(t, model.PhasePlanning, f.reload().Phase)

	require.NotNil(t, res.SideEffects)
	assert.Equal(t, []string{draft.ID}, res.SideEffects.PromotedArtifacts)
	assert.Equal(t, model.ArtifactActive, brainstormStatus(t, f, draft.ID))
	assert.Equal(t, model.ArtifactDraft, brainstormStatus(t, f, unvalidated.ID))

	rows := f.decisions()
	require.Len(t, rows, 1)
	assert.Equal(t, string(OutcomeApproved), rows[0].Outcome)
	assert.Contains(t, rows[0].Rationale, "objective reviewed with sponsor")
	assert.Equal(t, []string{f.project.ID}, f.gates.triggers)
}

func TestFinalize_IdeationArtifactChecks(t *testing.T) {
	f := newFixture(t, &model.Project{Phase: model.PhaseIdeation, Objective: "too short"})
	f.brainstorm(model.ArtifactSuperseded, true)

	res, err := f.finalize(f.orchestrator(), FinalizeRequest{OverrideReason: "ignored"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, res.Outcome)

	ids := make([]string, 0, len(res.Blocking))
	for _, c := range res.Blocking {
		ids = append(ids, c.ID)
	}
	assert.ElementsMatch(t, []string{CheckObjective, CheckBrainstorm}, ids)
}

func TestFinalize_Authority(t *testing.T) {
	t.Run("non-owner is denied and recorded", func(t *testing.T) {
		f := newFixture(t, &model.Project{Phase: model.PhaseIdeation})

		_, err := f.finalize(f.orchestrator(), FinalizeRequest{Actor: "intruder"})
		require.Error(t, err)
		assert.Equal(t, apperr.KindAuthorization, apperr.KindOf(err))
		assert.Equal(t, apperr.CodeNotProjectOwner, apperr.CodeOf(err))

		rows := f.decisions()
		require.Len(t, rows, 1)
		assert.Equal(t, string(OutcomeDenied), rows[0].Outcome)
		assert.Equal(t, "intruder", rows[0].Actor)
	})

	t.Run("phase mismatch is a conflict", func(t *testing.T) {
		f := newFixture(t, &model.Project{Phase: model.PhasePlanning})

		_, err := f.finalize(f.orchestrator(), FinalizeRequest{Phase: model.PhaseIdeation})
		require.Error(t, err)
		assert.Equal(t, http.StatusConflict, apperr.HTTPStatus(err))
		assert.Equal(t, apperr.CodePhaseMismatch, apperr.CodeOf(err))
		require.Len(t, f.decisions(), 1)
		assert.Equal(t, model.PhasePlanning, f.reload().Phase)
	})

	t.Run("invalid phase is rejected before lookup", func(t *testing.T) {
		f := newFixture(t, &model.Project{Phase: model.PhasePlanning})

		_, err := f.finalize(f.orchestrator(), FinalizeRequest{Phase: model.PhaseComplete})
		assert.Equal(t, apperr.CodeInvalidPhase, apperr.CodeOf(err))
		assert.Empty(t, f.decisions())
	})

	t.Run("unknown project", func(t *testing.T) {
		f := newFixture(t, &model.Project{Phase: model.PhasePlanning})

		_, err := f.finalize(f.orchestrator(), FinalizeRequest{ProjectID: "missing"})
		assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
		assert.Equal(t, apperr.CodeProjectNotFound, apperr.CodeOf(err))
	})
}

func TestFinalize_PlanningStartsDeliverables(t *testing.T) {
	f := newFixture(t, &model.Project{Phase: model.PhasePlanning})
	sc := &model.Scope{ProjectID: f.project.ID, Title: "core", Purpose: "p", Boundary: "billing only"}
	require.NoError(t, f.store.CreateScope(f.ctx, sc))

	ready := &model.Deliverable{ProjectID: f.project.ID, ScopeID: sc.ID, Title: "invoice", Status: model.DeliverableReady,
		EvidenceSpec: "report", VerificationMethod: "review"}
	draft := &model.Deliverable{ProjectID: f.project.ID, ScopeID: sc.ID, Title: "ledger", Status: model.DeliverableDraft,
		EvidenceSpec: "report", VerificationMethod: "review"}
	require.NoError(t, f.store.CreateDeliverable(f.ctx, ready))
	require.NoError(t, f.store.CreateDeliverable(f.ctx, draft))

	res, err := f.finalize(f.orchestrator(), FinalizeRequest{})
	require.NoError(t, err)
	require.Equal(t, OutcomeApproved, res.Outcome, "blocking: %+v warnings: %+v", res.Blocking, res.Warnings)
	assert.Equal(t, model.PhaseExecution, f.reload().Phase)

	require.NotNil(t, res.SideEffects)
	assert.Equal(t, []string{ready.ID}, res.SideEffects.StartedDeliverables)
	require.Len(t, res.SideEffects.CreatedAssignments, 1)

	assignments, err := f.store.ListTaskAssignments(f.ctx, f.project.ID)
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	assert.Equal(t, ready.ID, assignments[0].DeliverableID)
	assert.Equal(t, "owner", assignments[0].AssigneeID)
	assert.Equal(t, model.AssignmentInProgress, assignments[0].Status)

	list, err := f.store.ListDeliverables(f.ctx, f.project.ID)
	require.NoError(t, err)
	for _, d := range list {
		if d.ID == ready.ID {
			assert.Equal(t, model.DeliverableInProgress, d.Status)
		} else {
			assert.Equal(t, model.DeliverableDraft, d.Status)
		}
	}
}

func TestFinalize_PlanningArtifactChecks(t *testing.T) {
	f := newFixture(t, &model.Project{Phase: model.PhasePlanning})
	sc := &model.Scope{ProjectID: f.project.ID, Title: "core", Purpose: "p"}
	require.NoError(t, f.store.CreateScope(f.ctx, sc))
	require.NoError(t, f.store.CreateDeliverable(f.ctx, &model.Deliverable{ProjectID: f.project.ID, ScopeID: sc.ID, Title: "d"}))
	require.NoError(t, f.store.CreateDeliverable(f.ctx, &model.Deliverable{ProjectID: f.project.ID, ScopeID: "gone", Title: "orphan",
		EvidenceSpec: "e", VerificationMethod: "v"}))

	res, err := f.finalize(f.orchestrator(), FinalizeRequest{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, res.Outcome)

	blocking := map[string]bool{}
	for _, c := range res.Blocking {
		blocking[c.ID] = true
	}
	assert.True(t, blocking[CheckBoundary])
	assert.True(t, blocking[CheckDefinitionOfDone])
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, CheckOrphans, res.Warnings[0].ID)
}

func executionFixture(t *testing.T) *fixture {
	f := newFixture(t, &model.Project{Phase: model.PhaseExecution, ExecutionTotalWU: 100, FormulaExecutionWU: 10, VerifiedRealityWU: 90})
	f.messages(model.RoleAssistant, model.PhaseExecution, 1)
	require.NoError(t, f.store.CreateTaskAssignment(f.ctx, &model.TaskAssignment{
		ProjectID: f.project.ID, DeliverableID: "d1", AssigneeID: "owner",
		Status: model.AssignmentAccepted, Evidence: "test report",
	}))
	f.wu.pr = &readiness.ProjectReadiness{
		ProjectID: f.project.ID,
		ProjectR:  0.7,
		Scopes: []readiness.ScopeReadiness{
			{ScopeID: "s1", Title: "core", Status: model.ScopeActive, R: 0.7, AllocatedWU: 50},
			{ScopeID: "s2", Title: "docs", Status: model.ScopeActive, R: 0.5},
			{ScopeID: "s3", Title: "ops", Status: model.ScopeLocked, R: 0.9, AllocatedWU: 50},
		},
		Conservation: validConservation(),
	}
	return f
}

func TestFinalize_ExecutionTransfersWorkUnits(t *testing.T) {
	f := executionFixture(t)

	res, err := f.finalize(f.orchestrator(), FinalizeRequest{})
	require.NoError(t, err)
	require.Equal(t, OutcomeApproved, res.Outcome, "blocking: %+v warnings: %+v", res.Blocking, res.Warnings)
	assert.Equal(t, model.PhaseReview, f.reload().Phase)

	require.NotNil(t, res.Governance)
	assert.InDelta(t, 0.7, res.Governance.ProjectR, 1e-9)
	assert.Equal(t, []string{"s1"}, f.wu.transfers)
	require.Len(t, res.SideEffects.Transfers, 1)
}

func TestFinalize_ExecutionGovernance(t *testing.T) {
	t.Run("low readiness and broken conservation block", func(t *testing.T) {
		f := executionFixture(t)
		f.wu.pr.ProjectR = 0.5
		f.wu.pr.Conservation.Valid = false

		res, err := f.finalize(f.orchestrator(), FinalizeRequest{})
		require.NoError(t, err)
		assert.Equal(t, OutcomeRejected, res.Outcome)

		ids := map[string]bool{}
		for _, c := range res.Blocking {
			ids[c.ID] = true
		}
		assert.True(t, ids[CheckReadiness])
		assert.True(t, ids[CheckConservation])
		assert.Empty(t, f.wu.transfers)
	})

	t.Run("divergence warns", func(t *testing.T) {
		f := executionFixture(t)
		f.wu.rec = &readiness.Reconciliation{
			HasDivergences: true,
			Entries:        []readiness.ReconciliationEntry{{ScopeID: "s1", Title: "core", DivergencePct: 35, RequiresAttention: true}},
		}

		res, err := f.finalize(f.orchestrator(), FinalizeRequest{})
		require.NoError(t, err)
		assert.Equal(t, OutcomeWarnings, res.Outcome)
		require.Len(t, res.Warnings, 1)
		assert.Equal(t, CheckDivergence, res.Warnings[0].ID)
	})

	t.Run("unresolved assignments block", func(t *testing.T) {
		f := executionFixture(t)
		require.NoError(t, f.store.CreateTaskAssignment(f.ctx, &model.TaskAssignment{
			ProjectID: f.project.ID, DeliverableID: "d2", Status: model.AssignmentSubmitted,
		}))

		res, err := f.finalize(f.orchestrator(), FinalizeRequest{})
		require.NoError(t, err)
		assert.Equal(t, OutcomeRejected, res.Outcome)
		assert.Equal(t, CheckAssignments, res.Blocking[0].ID)
	})
}

func reviewFixture(t *testing.T) (*fixture, *model.Scope) {
	f := newFixture(t, &model.Project{Phase: model.PhaseReview, ExecutionTotalWU: 100, FormulaExecutionWU: 0, VerifiedRealityWU: 100})
	f.messages(model.RoleUser, model.PhaseReview, 3)
	sc := &model.Scope{ProjectID: f.project.ID, Title: "core", Purpose: "p", Boundary: "b", AllocatedWU: 100, VerifiedWU: 100}
	require.NoError(t, f.store.CreateScope(f.ctx, sc))
	f.wu.pr = &readiness.ProjectReadiness{
		ProjectID: f.project.ID,
		ProjectR:  1.0,
		Scopes: []readiness.ScopeReadiness{
			{ScopeID: sc.ID, Title: "core", Status: model.ScopeActive, R: 1.0, AllocatedWU: 100, VerifiedWU: 100},
		},
		Conservation: model.Conservation{Total: 100, Verified: 100, Valid: true},
	}
	return f, sc
}

func TestFinalize_ReviewLocksPhase(t *testing.T) {
	f, sc := reviewFixture(t)
	active := f.brainstorm(model.ArtifactActive, true)
	o := f.orchestrator()

	res, err := f.finalize(o, FinalizeRequest{ReviewSummary: "all scopes verified and accepted by the sponsor"})
	require.NoError(t, err)
	require.Equal(t, OutcomeApproved, res.Outcome, "blocking: %+v warnings: %+v", res.Blocking, res.Warnings)
	assert.Equal(t, model.PhaseComplete, res.TargetPhase)
	assert.Equal(t, model.PhaseReview, res.Phase)
	assert.True(t, res.PhaseLocked)

	p := f.reload()
	assert.Equal(t, model.PhaseReview, p.Phase)
	assert.True(t, p.PhaseLocked)

	assert.Equal(t, []string{sc.ID}, res.SideEffects.LockedScopes)
	assert.Equal(t, []string{active.ID}, res.SideEffects.FrozenArtifacts)
	assert.Equal(t, model.ArtifactFrozen, brainstormStatus(t, f, active.ID))
	assert.NotNil(t, res.SideEffects.Reconciliation)

	_, err = f.finalize(o, FinalizeRequest{ReviewSummary: "again"})
	require.Error(t, err)
	assert.Equal(t, apperr.CodePhaseLocked, apperr.CodeOf(err))

	rows := f.decisions()
	require.Len(t, rows, 2)
	assert.Equal(t, string(OutcomeDenied), rows[0].Outcome)
	assert.Equal(t, string(OutcomeApproved), rows[1].Outcome)
}

func TestFinalize_ReviewChecks(t *testing.T) {
	f, _ := reviewFixture(t)
	f.wu.pr.ProjectR = 0.75
	f.wu.pr.Scopes[0].VerifiedWU = 0

	res, err := f.finalize(f.orchestrator(), FinalizeRequest{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, res.Outcome)

	ids := map[string]bool{}
	for _, c := range res.Blocking {
		ids[c.ID] = true
	}
	assert.True(t, ids[CheckReviewSummary])
	assert.True(t, ids[CheckReadiness])
	assert.True(t, ids[CheckVerified])
	assert.False(t, f.reload().PhaseLocked)
}

func TestFinalize_InternalFailures(t *testing.T) {
	t.Run("panic is recorded once with diagnostics", func(t *testing.T) {
		f := newFixture(t, &model.Project{Phase: model.PhaseIdeation, Objective: longObjective})
		f.laws.panicWith = "law table corrupted"
		core, logs := observer.New(zap.ErrorLevel)

		res, err := f.finalize(f.orchestrator(WithLogger(zap.New(core))), FinalizeRequest{})
		require.Error(t, err)
		assert.Nil(t, res)
		assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))
		assert.Equal(t, apperr.CodeFinalizeInternal, apperr.CodeOf(err))

		var ae *apperr.Error
		require.True(t, errors.As(err, &ae))
		require.NotNil(t, ae.Diagnostics)
		assert.Equal(t, "panic", ae.Diagnostics.ErrorClass)
		assert.Contains(t, ae.Diagnostics.Message, "law table corrupted")
		assert.NotEmpty(t, ae.Diagnostics.Stack)
		assert.LessOrEqual(t, len(ae.Diagnostics.Stack), maxStackBytes)
		assert.Equal(t, string(model.PhaseIdeation), ae.Diagnostics.Phase)

		rows := f.decisions()
		require.Len(t, rows, 1)
		assert.Equal(t, string(OutcomeError), rows[0].Outcome)
		assert.Equal(t, model.PhaseIdeation, f.reload().Phase)
		assert.Equal(t, 1, logs.FilterMessage("finalize failed").Len())
	})

	t.Run("readiness failure is an internal error", func(t *testing.T) {
		f, _ := reviewFixture(t)
		f.wu.err = errors.New("readiness store offline")

		_, err := f.finalize(f.orchestrator(), FinalizeRequest{ReviewSummary: "summary"})
		require.Error(t, err)
		assert.Equal(t, apperr.CodeFinalizeInternal, apperr.CodeOf(err))
		rows := f.decisions()
		require.Len(t, rows, 1)
		assert.Equal(t, string(OutcomeError), rows[0].Outcome)
	})

	t.Run("gate evaluation failure falls back to stored gates", func(t *testing.T) {
		f := newFixture(t, &model.Project{Phase: model.PhaseIdeation, Objective: longObjective})
		f.brainstorm(model.ArtifactDraft, true)
		f.gates.err = errors.New("evaluator down")
		require.NoError(t, f.store.ReplaceGateMap(f.ctx, f.project.ID, model.NewGateMap().Set(model.GateLicense, true)))

		res, err := f.finalize(f.orchestrator(), FinalizeRequest{})
		require.NoError(t, err)
		assert.Equal(t, OutcomeRejected, res.Outcome)
		assert.Equal(t, []model.GateID{model.GateDisclaimer}, res.MissingGates)
	})
}

func TestFinalize_OneRowPerAttempt(t *testing.T) {
	f := newFixture(t, &model.Project{Phase: model.PhaseIdeation, Objective: "Build the billing pipeline now"})
	f.brainstorm(model.ArtifactDraft, true)
	o := f.orchestrator()

	_, err := f.finalize(o, FinalizeRequest{Actor: "intruder"})
	require.Error(t, err)
	_, err = f.finalize(o, FinalizeRequest{})
	require.NoError(t, err)
	_, err = f.finalize(o, FinalizeRequest{OverrideReason: "accepted"})
	require.NoError(t, err)
	_, err = f.finalize(o, FinalizeRequest{Phase: model.PhaseIdeation})
	require.Error(t, err)

	rows := f.decisions()
	require.Len(t, rows, 4)
	var outcomes []string
	for i := len(rows) - 1; i >= 0; i-- {
		outcomes = append(outcomes, rows[i].Outcome)
	}
	assert.Equal(t, []string{"DENIED", "WARNINGS", "APPROVED", "DENIED"}, outcomes)
}

func TestFinalize_WithRealEngines(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	p := &model.Project{OwnerID: "owner", Objective: longObjective, LicenseActive: true}
	require.NoError(t, s.CreateProject(ctx, p))
	require.NoError(t, s.AddMessage(ctx, &model.Message{ProjectID: p.ID, Role: model.RoleUser, Phase: model.PhaseIdeation, Content: "I accept"}))
	a := &model.BrainstormArtifact{ProjectID: p.ID, Status: model.ArtifactDraft, Validated: true, Options: []string{"a", "b", "c"}}
	require.NoError(t, s.CreateBrainstorm(ctx, a))

	rc := readiness.New(s)
	g := gates.New(s, rc)
	o := New(s, g, contract.New(s, rc), rc)

	res, err := o.Finalize(ctx, FinalizeRequest{ProjectID: p.ID, Phase: model.PhaseIdeation, Actor: "owner"})
	require.NoError(t, err)
	g.Wait()

	require.Equal(t, OutcomeApproved, res.Outcome, "blocking: %+v warnings: %+v", res.Blocking, res.Warnings)
	assert.True(t, res.Gates[model.GateLicense])
	assert.True(t, res.Gates[model.GateDisclaimer])
	assert.Equal(t, []string{a.ID}, res.SideEffects.PromotedArtifacts)

	got, err := s.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PhasePlanning, got.Phase)
}

func reassessRequest(f *fixture, target model.Phase) ReassessRequest {
	return ReassessRequest{
		ProjectID:   f.project.ID,
		Actor:       "owner",
		TargetPhase: target,
		Reason:      "integration tests exposed a design flaw",
	}
}

func TestReassess(t *testing.T) {
	const summary = "the data model cannot support multi-currency invoices, replanning scopes"

	t.Run("short reason is rejected", func(t *testing.T) {
		f := newFixture(t, &model.Project{Phase: model.PhaseExecution})
		req := reassessRequest(f, model.PhasePlanning)
		req.Reason = "too hard"

		_, err := f.orchestrator().Reassess(f.ctx, req)
		require.Error(t, err)
		assert.Equal(t, apperr.CodeReassessReasonRequired, apperr.CodeOf(err))
		assert.Equal(t, http.StatusBadRequest, apperr.HTTPStatus(err))
		assert.Equal(t, model.PhaseExecution, f.reload().Phase)
		assert.Empty(t, f.decisions())
	})

	t.Run("kingdom crossing needs a summary", func(t *testing.T) {
		f := newFixture(t, &model.Project{Phase: model.PhaseExecution})

		_, err := f.orchestrator().Reassess(f.ctx, reassessRequest(f, model.PhasePlanning))
		assert.Equal(t, apperr.CodeReassessSummaryRequired, apperr.CodeOf(err))
	})

	t.Run("kingdom crossing supersedes artifacts", func(t *testing.T) {
		f := newFixture(t, &model.Project{Phase: model.PhaseExecution})
		draft := f.brainstorm(model.ArtifactDraft, false)
		active := f.brainstorm(model.ArtifactActive, true)
		frozen := f.brainstorm(model.ArtifactFrozen, true)
		req := reassessRequest(f, model.PhasePlanning)
		req.ReviewSummary = summary

		res, err := f.orchestrator().Reassess(f.ctx, req)
		require.NoError(t, err)
		assert.True(t, res.SummaryRequired)
		assert.Equal(t, 1, res.ReassessCount)
		assert.ElementsMatch(t, []string{draft.ID, active.ID}, res.SupersededArtifacts)
		assert.Equal(t, model.ArtifactSuperseded, brainstormStatus(t, f, draft.ID))
		assert.Equal(t, model.ArtifactFrozen, brainstormStatus(t, f, frozen.ID))

		p := f.reload()
		assert.Equal(t, model.PhasePlanning, p.Phase)
		assert.Equal(t, 1, p.ReassessCount)

		rows := f.decisions()
		require.Len(t, rows, 1)
		assert.Equal(t, model.DecisionReassess, rows[0].Kind)
		assert.Equal(t, model.PhaseExecution, rows[0].Phase)
		assert.Equal(t, model.PhasePlanning, rows[0].TargetPhase)
		assert.Equal(t, res.DecisionID, rows[0].ID)
		assert.Equal(t, []string{f.project.ID}, f.gates.triggers)
	})

	t.Run("within a kingdom clears the lock without a summary", func(t *testing.T) {
		f := newFixture(t, &model.Project{Phase: model.PhaseReview, PhaseLocked: true})
		active := f.brainstorm(model.ArtifactActive, true)

		res, err := f.orchestrator().Reassess(f.ctx, reassessRequest(f, model.PhaseExecution))
		require.NoError(t, err)
		assert.False(t, res.SummaryRequired)
		assert.Empty(t, res.SupersededArtifacts)
		assert.Equal(t, model.ArtifactActive, brainstormStatus(t, f, active.ID))

		p := f.reload()
		assert.Equal(t, model.PhaseExecution, p.Phase)
		assert.False(t, p.PhaseLocked)
	})

	t.Run("third regression needs a summary", func(t *testing.T) {
		f := newFixture(t, &model.Project{Phase: model.PhaseReview, ReassessCount: 2})

		_, err := f.orchestrator().Reassess(f.ctx, reassessRequest(f, model.PhaseExecution))
		assert.Equal(t, apperr.CodeReassessSummaryRequired, apperr.CodeOf(err))

		req := reassessRequest(f, model.PhaseExecution)
		req.ReviewSummary = summary
		res, err := f.orchestrator().Reassess(f.ctx, req)
		require.NoError(t, err)
		assert.Equal(t, 3, res.ReassessCount)
	})

	t.Run("target must be earlier", func(t *testing.T) {
		f := newFixture(t, &model.Project{Phase: model.PhasePlanning})

		_, err := f.orchestrator().Reassess(f.ctx, reassessRequest(f, model.PhaseExecution))
		assert.Equal(t, apperr.CodeInvalidTransition, apperr.CodeOf(err))
		_, err = f.orchestrator().Reassess(f.ctx, reassessRequest(f, model.PhasePlanning))
		assert.Equal(t, apperr.CodeInvalidTransition, apperr.CodeOf(err))
	})

	t.Run("authority and expected phase", func(t *testing.T) {
		f := newFixture(t, &model.Project{Phase: model.PhaseExecution})

		req := reassessRequest(f, model.PhasePlanning)
		req.Actor = "intruder"
		_, err := f.orchestrator().Reassess(f.ctx, req)
		assert.Equal(t, apperr.KindAuthorization, apperr.KindOf(err))

		req = reassessRequest(f, model.PhasePlanning)
		req.FromPhase = model.PhaseReview
		_, err = f.orchestrator().Reassess(f.ctx, req)
		assert.Equal(t, http.StatusConflict, apperr.HTTPStatus(err))
		assert.Equal(t, apperr.CodePhaseMismatch, apperr.CodeOf(err))
	})
}
