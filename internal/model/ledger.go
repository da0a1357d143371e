package model

import (
	"encoding/json"
	"time"
)

// Level is a discrete readiness band derived from project R.
type Level string

const (
	LevelCritical    Level = "CRITICAL"
	LevelAtRisk      Level = "AT_RISK"
	LevelProgressing Level = "PROGRESSING"
	LevelStaging     Level = "STAGING"
	LevelReady       Level = "READY"
)

// LevelForScore maps a project R score to its band:
// CRITICAL [0,0.2), AT_RISK [0.2,0.4), PROGRESSING [0.4,0.6),
// STAGING [0.6,0.8), READY [0.8,1].
func LevelForScore(r float64) Level {
	switch {
	case r >= 0.8:
		return LevelReady
	case r >= 0.6:
		return LevelStaging
	case r >= 0.4:
		return LevelProgressing
	case r >= 0.2:
		return LevelAtRisk
	default:
		return LevelCritical
	}
}

// Rank orders levels from CRITICAL (0) to READY (4).
func (l Level) Rank() int {
	switch l {
	case LevelAtRisk:
		return 1
	case LevelProgressing:
		return 2
	case LevelStaging:
		return 3
	case LevelReady:
		return 4
	}
	return 0
}

// DecisionKind classifies a decision-ledger row.
type DecisionKind string

const (
	DecisionFinalize     DecisionKind = "finalize"
	DecisionReassess     DecisionKind = "reassess"
	DecisionGateToggle   DecisionKind = "gate_toggle"
	DecisionWUInitialize DecisionKind = "wu_initialize"
)

// DecisionEntry is an append-only decision-ledger row.
type DecisionEntry struct {
	ID          string          `json:"id"`
	ProjectID   string          `json:"project_id"`
	Actor       string          `json:"actor"`
	Kind        DecisionKind    `json:"kind"`
	Phase       Phase           `json:"phase"`
	TargetPhase Phase           `json:"target_phase,omitempty"`
	Outcome     string          `json:"outcome"`
	Rationale   string          `json:"rationale,omitempty"`
	Snapshot    json.RawMessage `json:"snapshot,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// WUAction names the kind of WU ledger movement.
type WUAction string

const (
	WUInitialize WUAction = "initialize"
	WUAllocate   WUAction = "allocate"
	WUTransfer   WUAction = "transfer"
)

// WUAuditEntry is an append-only WU-audit row.
type WUAuditEntry struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"project_id"`
	ScopeID   string          `json:"scope_id,omitempty"`
	Actor     string          `json:"actor"`
	Action    WUAction        `json:"action"`
	Amount    float64         `json:"amount"`
	Before    json.RawMessage `json:"before,omitempty"`
	After     json.RawMessage `json:"after,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// EscalationEvent is an append-only escalation-log row.
type EscalationEvent struct {
	ID           string    `json:"id"`
	ProjectID    string    `json:"project_id"`
	Actor        string    `json:"actor"`
	FromLevel    Level     `json:"from_level"`
	ToLevel      Level     `json:"to_level"`
	ProjectR     float64   `json:"project_r"`
	AutoActions  []string  `json:"auto_actions"`
	GatesFlipped []GateID  `json:"gates_flipped"`
	CreatedAt    time.Time `json:"created_at"`
}
