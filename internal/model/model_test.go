package model

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePhase_Aliases(t *testing.T) {
	tests := []struct {
		in   string
		want Phase
	}{
		{"IDEATION", PhaseIdeation},
		{"brainstorm", PhaseIdeation},
		{"PLAN", PhasePlanning},
		{" planning ", PhasePlanning},
		{"EXECUTE", PhaseExecution},
		{"review", PhaseReview},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePhase(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParsePhase("deploy")
	assert.Error(t, err)
}

func TestPhase_NextAndKingdom(t *testing.T) {
	next, ok := PhaseReview.Next()
	require.True(t, ok)
	assert.Equal(t, PhaseComplete, next)
	assert.False(t, PhaseComplete.Valid())

	assert.True(t, PhasePlanning.Before(PhaseExecution))
	assert.False(t, PhaseReview.Before(PhaseExecution))

	assert.Equal(t, PhaseExecution.Kingdom(), PhaseReview.Kingdom())
	assert.NotEqual(t, PhasePlanning.Kingdom(), PhaseExecution.Kingdom())
}

func TestGateMap_UnknownKeysDetected(t *testing.T) {
	raw := []byte(`{"schema_version":1,"gates":{"license":true,"legacy_flag":true,"blueprint":false}}`)

	var m GateMap
	err := json.Unmarshal(raw, &m)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownGateKeys))
	assert.Contains(t, err.Error(), "legacy_flag")

	// Known keys survive and the unknown key is dropped on re-encode.
	assert.True(t, m.Get(GateLicense))
	out, err := json.Marshal(m)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "legacy_flag")
}

func TestGateMap_SetIsCopy(t *testing.T) {
	m := NewGateMap()
	updated := m.Set(GateBlueprint, true)

	assert.False(t, m.Get(GateBlueprint))
	assert.True(t, updated.Get(GateBlueprint))
	assert.False(t, m.Equal(updated))
	assert.Equal(t, []GateID{GateEnvironment, GateFolder, GateIntegrity}, updated.Missing(ExitGates(PhasePlanning)))
}

func TestLevelForScore_Bands(t *testing.T) {
	tests := []struct {
		r    float64
		want Level
	}{
		{0, LevelCritical},
		{0.199, LevelCritical},
		{0.2, LevelAtRisk},
		{0.4, LevelProgressing},
		{0.65, LevelStaging},
		{0.8, LevelReady},
		{1.0, LevelReady},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LevelForScore(tt.r), "r=%v", tt.r)
	}
}

func TestDMAICWeights(t *testing.T) {
	assert.Equal(t, 0.2, DMAICPhase("").Weight())
	assert.Equal(t, 0.2, DMAICDefine.Weight())
	assert.Equal(t, 0.6, DMAICAnalyze.Weight())
	assert.Equal(t, 1.0, DMAICControl.Weight())
}

func TestConservationOf(t *testing.T) {
	p := &Project{ExecutionTotalWU: 100, FormulaExecutionWU: 70, VerifiedRealityWU: 30}
	c := ConservationOf(p)
	assert.True(t, c.Valid)
	assert.Equal(t, 0.0, c.Delta)

	p.VerifiedRealityWU = 31
	c = ConservationOf(p)
	assert.False(t, c.Valid)
	assert.Equal(t, -1.0, c.Delta)
}
