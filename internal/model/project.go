package model

import (
	"math"
	"time"
)

// ConservationTolerance bounds |total - (formula + verified)|.
const ConservationTolerance = 0.01

// Project is the unit of governance.
type Project struct {
	ID              string    `json:"id"`
	OwnerID         string    `json:"owner_id"`
	Name            string    `json:"name"`
	Objective       string    `json:"objective"`
	Phase           Phase     `json:"phase"`
	PhaseLocked     bool      `json:"phase_locked"`
	ReassessCount   int       `json:"reassess_count"`
	EscalationLevel Level     `json:"escalation_level"`
	LicenseActive   bool      `json:"license_active"`
	Environment     string    `json:"environment,omitempty"`
	WorkspaceFolder string    `json:"workspace_folder,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`

	// Work-unit ledger.
	ExecutionTotalWU   float64 `json:"execution_total_wu"`
	FormulaExecutionWU float64 `json:"formula_execution_wu"`
	VerifiedRealityWU  float64 `json:"verified_reality_wu"`
}

// WUInitialized reports whether the project carries a WU budget.
func (p *Project) WUInitialized() bool {
	return p.ExecutionTotalWU > 0
}

// Conservation is a snapshot of the WU ledger.
type Conservation struct {
	Total    float64 `json:"total"`
	Formula  float64 `json:"formula"`
	Verified float64 `json:"verified"`
	Delta    float64 `json:"delta"`
	Valid    bool    `json:"valid"`
}

// ConservationOf computes the conservation snapshot of p.
func ConservationOf(p *Project) Conservation {
	delta := p.ExecutionTotalWU - (p.FormulaExecutionWU + p.VerifiedRealityWU)
	return Conservation{
		Total:    p.ExecutionTotalWU,
		Formula:  p.FormulaExecutionWU,
		Verified: p.VerifiedRealityWU,
		Delta:    Round(delta, 6),
		Valid:    math.Abs(delta) < ConservationTolerance,
	}
}

// Round rounds x to the given number of decimals.
func Round(x float64, decimals int) float64 {
	pow := math.Pow(10, float64(decimals))
	return math.Round(x*pow) / pow
}

// Round3 rounds x to three decimals, the precision of every readiness score.
func Round3(x float64) float64 {
	return Round(x, 3)
}
