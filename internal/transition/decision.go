package transition

import (
	"net/http"
	"strings"

	"github.com/peoplemerit/pmerit-technologies-sub002/internal/contract"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/model"
)

// Outcome is the result of a finalize attempt.
type Outcome string

const (
	OutcomeRejected Outcome = "REJECTED"
	OutcomeWarnings Outcome = "WARNINGS"
	OutcomeApproved Outcome = "APPROVED"

	// Ledger-only outcomes for attempts that never reach a decision.
	OutcomeDenied Outcome = "DENIED"
	OutcomeError  Outcome = "ERROR"
)

// HTTPStatus maps a decided outcome to its response status. A rejection is
// 422; a soft stop and an approval are both 200.
func (o Outcome) HTTPStatus() int {
	if o == OutcomeRejected {
		return http.StatusUnprocessableEntity
	}
	return http.StatusOK
}

// Source names where a check came from.
type Source string

const (
	SourceGate     Source = "gate"
	SourceLaw      Source = "law"
	SourceArtifact Source = "artifact"
)

// Check is one failed finalize check.
type Check struct {
	Source      Source            `json:"source"`
	ID          string            `json:"id"`
	Description string            `json:"description"`
	Severity    contract.Severity `json:"severity"`
}

// Decide is the finalize decision. Any blocking check rejects. Warnings
// soft-stop unless overridden with a non-blank reason.
func Decide(blocking, warnings []Check, overrideReason string) Outcome {
	switch {
	case len(blocking) > 0:
		return OutcomeRejected
	case len(warnings) > 0 && strings.TrimSpace(overrideReason) == "":
		return OutcomeWarnings
	}
	return OutcomeApproved
}

type checks struct {
	blocking []Check
	warnings []Check
}

func (c *checks) add(src Source, id string, sev contract.Severity, desc string) {
	ch := Check{Source: src, ID: id, Description: desc, Severity: sev}
	if sev == contract.Blocking {
		c.blocking = append(c.blocking, ch)
	} else {
		c.warnings = append(c.warnings, ch)
	}
}

func (c *checks) block(id, desc string) { c.add(SourceArtifact, id, contract.Blocking, desc) }
func (c *checks) warn(id, desc string) { c.add(SourceArtifact, id, contract.Warning, desc) }

func (c *checks) gate(g model.GateID) {
	c.add(SourceGate, string(g), contract.Blocking, "exit gate "+string(g)+" is not satisfied")
}

func (c *checks) violations(vs []contract.Violation) {
	for _, v := range vs {
		c.add(SourceLaw, string(v.LawID), v.Severity, v.Description)
	}
}
