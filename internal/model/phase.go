// Package model defines the closed governance vocabulary and the entities
// the workflow engine reads and writes.
package model

import (
	"fmt"
	"strings"
)

// Phase is one of the four ordered project phases.
type Phase string

const (
	PhaseIdeation  Phase = "IDEATION"
	PhasePlanning  Phase = "PLANNING"
	PhaseExecution Phase = "EXECUTION"
	PhaseReview    Phase = "REVIEW"

	// PhaseComplete is the pseudo-phase targeted by a Review finalize.
	// It is never stored on a project; a completed project stays in
	// REVIEW with PhaseLocked set.
	PhaseComplete Phase = "COMPLETE"
)

// AllPhases returns the storable phases in order.
func AllPhases() []Phase {
	return []Phase{PhaseIdeation, PhasePlanning, PhaseExecution, PhaseReview}
}

var phaseAliases = map[string]Phase{
	"IDEATION":   PhaseIdeation,
	"BRAINSTORM": PhaseIdeation,
	"PLANNING":   PhasePlanning,
	"PLAN":       PhasePlanning,
	"EXECUTION":  PhaseExecution,
	"EXECUTE":    PhaseExecution,
	"REVIEW":     PhaseReview,
	"COMPLETE":   PhaseComplete,
}

// ParsePhase accepts canonical names and the legacy aliases
// BRAINSTORM, PLAN and EXECUTE, case-insensitively.
func ParsePhase(s string) (Phase, error) {
	p, ok := phaseAliases[strings.ToUpper(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("unknown phase %q", s)
	}
	return p, nil
}

// Index returns the ordinal of the phase, or -1 for unknown phases.
// PhaseComplete sorts after Review.
func (p Phase) Index() int {
	switch p {
	case PhaseIdeation:
		return 0
	case PhasePlanning:
		return 1
	case PhaseExecution:
		return 2
	case PhaseReview:
		return 3
	case PhaseComplete:
		return 4
	}
	return -1
}

// Valid reports whether p is a storable phase.
func (p Phase) Valid() bool {
	i := p.Index()
	return i >= 0 && i <= 3
}

// Next returns the phase a finalize of p advances to.
func (p Phase) Next() (Phase, bool) {
	switch p {
	case PhaseIdeation:
		return PhasePlanning, true
	case PhasePlanning:
		return PhaseExecution, true
	case PhaseExecution:
		return PhaseReview, true
	case PhaseReview:
		return PhaseComplete, true
	}
	return "", false
}

// Before reports whether p comes strictly before other.
func (p Phase) Before(other Phase) bool {
	return p.Index() >= 0 && other.Index() >= 0 && p.Index() < other.Index()
}

// Kingdom is a coarse grouping of phases used to size regressions.
type Kingdom string

const (
	KingdomIdeation Kingdom = "IDEATION"
	KingdomPlanning Kingdom = "PLANNING"
	KingdomDelivery Kingdom = "DELIVERY"
)

// Kingdom returns the kingdom p belongs to.
func (p Phase) Kingdom() Kingdom {
	switch p {
	case PhaseIdeation:
		return KingdomIdeation
	case PhasePlanning:
		return KingdomPlanning
	default:
		return KingdomDelivery
	}
}

// InMathematicalGovernance reports whether readiness math applies to p.
func (p Phase) InMathematicalGovernance() bool {
	return p == PhaseExecution || p == PhaseReview
}
