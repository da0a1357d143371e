package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peoplemerit/pmerit-technologies-sub002/internal/model"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/store"
)

func seedProject(t *testing.T, s *Store) *model.Project {
	t.Helper()
	p := &model.Project{OwnerID: "owner", Name: "demo", ExecutionTotalWU: 100, FormulaExecutionWU: 100}
	require.NoError(t, s.CreateProject(context.Background(), p))
	return p
}

func TestStore_CreateProjectDefaults(t *testing.T) {
	s := New()
	p := seedProject(t, s)

	got, err := s.GetProject(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseIdeation, got.Phase)
	assert.Equal(t, model.LevelCritical, got.EscalationLevel)

	gm, err := s.GetGateMap(context.Background(), p.ID)
	require.NoError(t, err)
	assert.True(t, gm.Equal(model.NewGateMap()))
}

func TestStore_GetReturnsCopy(t *testing.T) {
	s := New()
	p := seedProject(t, s)

	got, err := s.GetProject(context.Background(), p.ID)
	require.NoError(t, err)
	got.Phase = model.PhaseReview

	again, err := s.GetProject(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseIdeation, again.Phase)
}

func TestStore_UpdatePhaseStateCAS(t *testing.T) {
	ctx := context.Background()
	s := New()
	p := seedProject(t, s)

	err := s.UpdatePhaseState(ctx, store.PhaseUpdate{ProjectID: p.ID, ExpectedPhase: model.PhasePlanning, Phase: model.PhaseExecution})
	assert.ErrorIs(t, err, store.ErrConcurrentUpdate)

	require.NoError(t, s.UpdatePhaseState(ctx, store.PhaseUpdate{ProjectID: p.ID, ExpectedPhase: model.PhaseIdeation, Phase: model.PhasePlanning}))
	got, _ := s.GetProject(ctx, p.ID)
	assert.Equal(t, model.PhasePlanning, got.Phase)
}

func TestStore_TransferWorkUnits(t *testing.T) {
	ctx := context.Background()
	s := New()
	p := seedProject(t, s)
	sc := &model.Scope{ProjectID: p.ID, Title: "core", AllocatedWU: 50}
	require.NoError(t, s.CreateScope(ctx, sc))

	require.NoError(t, s.TransferWorkUnits(ctx, store.Transfer{ProjectID: p.ID, ScopeID: sc.ID, Amount: 20, ExpectedScopeVerified: 0}))

	got, _ := s.GetProject(ctx, p.ID)
	assert.Equal(t, 80.0, got.FormulaExecutionWU)
	assert.Equal(t, 20.0, got.VerifiedRealityWU)
	assert.True(t, model.ConservationOf(got).Valid)

	// Stale expectation loses the race.
	err := s.TransferWorkUnits(ctx, store.Transfer{ProjectID: p.ID, ScopeID: sc.ID, Amount: 5, ExpectedScopeVerified: 0})
	assert.ErrorIs(t, err, store.ErrConcurrentUpdate)

	require.NoError(t, s.SetScopeStatus(ctx, sc.ID, model.ScopeLocked))
	err = s.TransferWorkUnits(ctx, store.Transfer{ProjectID: p.ID, ScopeID: sc.ID, Amount: 5, ExpectedScopeVerified: 20})
	assert.ErrorIs(t, err, store.ErrConcurrentUpdate)
}

func TestStore_DefectRegistryUnavailable(t *testing.T) {
	ctx := context.Background()
	s := New(WithoutDefectRegistry())
	p := seedProject(t, s)

	_, err := s.ListOpenDefects(ctx, p.ID)
	assert.ErrorIs(t, err, store.ErrRegistryUnavailable)
}

func TestStore_WriteCounters(t *testing.T) {
	ctx := context.Background()
	s := New()
	p := seedProject(t, s)
	before := s.Writes()

	_, err := s.GetGateMap(ctx, p.ID)
	require.NoError(t, err)
	_, err = s.ListScopes(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, before, s.Writes())

	require.NoError(t, s.SetGate(ctx, p.ID, model.GateLicense, true))
	assert.Equal(t, before+1, s.Writes())
	assert.Equal(t, int64(1), s.GateWrites())
}

func TestStore_ListsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := New()
	p := seedProject(t, s)

	for _, outcome := range []string{"REJECTED", "WARNINGS", "APPROVED"} {
		require.NoError(t, s.AppendDecision(ctx, &model.DecisionEntry{ProjectID: p.ID, Kind: model.DecisionFinalize, Outcome: outcome}))
	}
	rows, err := s.ListDecisions(ctx, p.ID, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "APPROVED", rows[0].Outcome)
	assert.Equal(t, "WARNINGS", rows[1].Outcome)
}

func TestStore_CountMessages(t *testing.T) {
	ctx := context.Background()
	s := New()
	p := seedProject(t, s)

	require.NoError(t, s.AddMessage(ctx, &model.Message{ProjectID: p.ID, Role: model.RoleUser, Phase: model.PhaseIdeation}))
	require.NoError(t, s.AddMessage(ctx, &model.Message{ProjectID: p.ID, Role: model.RoleAssistant, Phase: model.PhaseReview}))
	require.NoError(t, s.AddMessage(ctx, &model.Message{ProjectID: p.ID, Role: model.RoleUser, Phase: model.PhaseReview}))

	n, err := s.CountMessages(ctx, p.ID, model.MessageFilter{Role: model.RoleUser})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.CountMessages(ctx, p.ID, model.MessageFilter{Phase: model.PhaseReview})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
