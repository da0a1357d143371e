package model

import (
	"strings"
	"time"
)

// DeliverableStatus is the lifecycle state of a deliverable.
type DeliverableStatus string

const (
	DeliverableDraft      DeliverableStatus = "DRAFT"
	DeliverableReady      DeliverableStatus = "READY"
	DeliverableInProgress DeliverableStatus = "IN_PROGRESS"
	DeliverableDone       DeliverableStatus = "DONE"
	DeliverableVerified   DeliverableStatus = "VERIFIED"
	DeliverableLocked     DeliverableStatus = "LOCKED"
	DeliverableFailing    DeliverableStatus = "FAILING"
)

// Done reports whether the status counts as completed work.
func (s DeliverableStatus) Done() bool {
	switch s {
	case DeliverableDone, DeliverableVerified, DeliverableLocked:
		return true
	}
	return false
}

// DMAICPhase is the quality-improvement stage of a deliverable.
type DMAICPhase string

const (
	DMAICDefine  DMAICPhase = "DEFINE"
	DMAICMeasure DMAICPhase = "MEASURE"
	DMAICAnalyze DMAICPhase = "ANALYZE"
	DMAICImprove DMAICPhase = "IMPROVE"
	DMAICControl DMAICPhase = "CONTROL"
)

// Weight maps the DMAIC phase to its validation weight. An empty or
// unknown phase weighs the same as DEFINE.
func (d DMAICPhase) Weight() float64 {
	switch d {
	case DMAICMeasure:
		return 0.4
	case DMAICAnalyze:
		return 0.6
	case DMAICImprove:
		return 0.8
	case DMAICControl:
		return 1.0
	}
	return 0.2
}

// Deliverable is a unit of work owned by exactly one scope.
type Deliverable struct {
	ID                 string            `json:"id"`
	ProjectID          string            `json:"project_id"`
	ScopeID            string            `json:"scope_id"`
	Title              string            `json:"title"`
	Status             DeliverableStatus `json:"status"`
	EvidenceSpec       string            `json:"evidence_spec,omitempty"`
	VerificationMethod string            `json:"verification_method,omitempty"`
	DMAICPhase         DMAICPhase        `json:"dmaic_phase,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// HasDefinitionOfDone reports whether both DoD fields are filled in.
func (d *Deliverable) HasDefinitionOfDone() bool {
	return strings.TrimSpace(d.EvidenceSpec) != "" && strings.TrimSpace(d.VerificationMethod) != ""
}
