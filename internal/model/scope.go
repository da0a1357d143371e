package model

import "time"

// ScopeStatus is the lifecycle state of a scope.
type ScopeStatus string

const (
	ScopeActive    ScopeStatus = "ACTIVE"
	ScopeLocked    ScopeStatus = "LOCKED"
	ScopeCancelled ScopeStatus = "CANCELLED"
)

// Frozen reports whether WU may no longer move in or out of the scope.
func (s ScopeStatus) Frozen() bool {
	return s == ScopeLocked || s == ScopeCancelled
}

// Scope is a node of the project's scope tree. Tier-1 scopes have no parent.
type Scope struct {
	ID              string      `json:"id"`
	ProjectID       string      `json:"project_id"`
	ParentID        *string     `json:"parent_id,omitempty"`
	Title           string      `json:"title"`
	Purpose         string      `json:"purpose"`
	Boundary        string      `json:"boundary"`
	AllocatedWU     float64     `json:"allocated_wu"`
	VerifiedWU      float64     `json:"verified_wu"`
	LogicScore      float64     `json:"logic_score"`
	ProceduralScore float64     `json:"procedural_score"`
	ValidationScore float64     `json:"validation_score"`
	Status          ScopeStatus `json:"status"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// TopLevel reports whether s is a tier-1 scope.
func (s *Scope) TopLevel() bool {
	return s.ParentID == nil || *s.ParentID == ""
}

// Tier returns 1 for top-level scopes and 2 for children.
func (s *Scope) Tier() int {
	if s.TopLevel() {
		return 1
	}
	return 2
}
