package model

import "time"

// LayerStatus is the state of an execution layer.
type LayerStatus string

const (
	LayerPending LayerStatus = "PENDING"
	LayerRunning LayerStatus = "RUNNING"
	LayerPassed  LayerStatus = "PASSED"
	LayerFailed  LayerStatus = "FAILED"
)

// ExecutionLayer is a stage of the execution plan.
type ExecutionLayer struct {
	ID        string      `json:"id"`
	ProjectID string      `json:"project_id"`
	Name      string      `json:"name"`
	Status    LayerStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
}

// IntegrityReport records one run of the project's integrity checks.
type IntegrityReport struct {
	ID           string    `json:"id"`
	ProjectID    string    `json:"project_id"`
	ChecksTotal  int       `json:"checks_total"`
	ChecksPassed int       `json:"checks_passed"`
	Passed       bool      `json:"passed"`
	CreatedAt    time.Time `json:"created_at"`
}

// ArtifactStatus is the lifecycle of a brainstorm artifact.
type ArtifactStatus string

const (
	ArtifactDraft      ArtifactStatus = "DRAFT"
	ArtifactActive     ArtifactStatus = "ACTIVE"
	ArtifactFrozen     ArtifactStatus = "FROZEN"
	ArtifactSuperseded ArtifactStatus = "SUPERSEDED"
)

// InFlight reports whether the artifact is still being worked on.
func (s ArtifactStatus) InFlight() bool {
	return s == ArtifactDraft || s == ArtifactActive
}

// BrainstormArtifact captures the options explored during ideation.
type BrainstormArtifact struct {
	ID        string         `json:"id"`
	ProjectID string         `json:"project_id"`
	Status    ArtifactStatus `json:"status"`
	Options   []string       `json:"options"`
	Validated bool           `json:"validated"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// AssignmentStatus is the state of a task assignment.
type AssignmentStatus string

const (
	AssignmentPending    AssignmentStatus = "PENDING"
	AssignmentInProgress AssignmentStatus = "IN_PROGRESS"
	AssignmentSubmitted  AssignmentStatus = "SUBMITTED"
	AssignmentAccepted   AssignmentStatus = "ACCEPTED"
	AssignmentRejected   AssignmentStatus = "REJECTED"
)

// Resolved reports whether review of the assignment is finished.
func (s AssignmentStatus) Resolved() bool {
	return s == AssignmentAccepted || s == AssignmentRejected
}

// TaskAssignment links a deliverable to the person delivering it.
type TaskAssignment struct {
	ID            string           `json:"id"`
	ProjectID     string           `json:"project_id"`
	DeliverableID string           `json:"deliverable_id"`
	AssigneeID    string           `json:"assignee_id"`
	Status        AssignmentStatus `json:"status"`
	Evidence      string           `json:"evidence,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// DefectSeverity ranks a registered defect.
type DefectSeverity string

const (
	DefectCritical DefectSeverity = "CRITICAL"
	DefectHigh     DefectSeverity = "HIGH"
	DefectMedium   DefectSeverity = "MEDIUM"
	DefectLow      DefectSeverity = "LOW"
)

// Defect is an entry of the project's defect registry.
type Defect struct {
	ID        string         `json:"id"`
	ProjectID string         `json:"project_id"`
	RootCause string         `json:"root_cause"`
	Severity  DefectSeverity `json:"severity"`
	Open      bool           `json:"open"`
	CreatedAt time.Time      `json:"created_at"`
}

// MessageRole identifies who wrote a conversation message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is one conversation turn recorded against a project.
type Message struct {
	ID        string      `json:"id"`
	ProjectID string      `json:"project_id"`
	Role      MessageRole `json:"role"`
	Phase     Phase       `json:"phase"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"created_at"`
}

// MessageFilter narrows a message count. Empty fields match everything.
type MessageFilter struct {
	Role  MessageRole
	Phase Phase
}
