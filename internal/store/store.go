// Package store declares the persistence contracts of the governance engine.
//
// Each concern gets its own narrow interface so that engines depend only on
// what they read and write. Implementations live in the memory and sqlite
// subpackages.
package store

import (
	"context"
	"errors"

	"github.com/peoplemerit/pmerit-technologies-sub002/internal/model"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConcurrentUpdate is returned when a compare-and-swap update lost
	// a race with another writer.
	ErrConcurrentUpdate = errors.New("concurrent update")

	// ErrRegistryUnavailable is returned by optional registries that have
	// not been provisioned for the deployment.
	ErrRegistryUnavailable = errors.New("registry unavailable")

	// ErrAlreadyExists is returned when creating a row whose id is taken.
	ErrAlreadyExists = errors.New("already exists")
)

// PhaseUpdate changes a project's phase state. The update only applies if
// the stored phase still equals ExpectedPhase.
type PhaseUpdate struct {
	ProjectID     string
	ExpectedPhase model.Phase
	Phase         model.Phase
	PhaseLocked   bool
	ReassessCount int
}

// Transfer moves Amount from the project's formula pool into the verified
// pool and the scope's verified_wu in one atomic step. The step fails with
// ErrConcurrentUpdate if the scope's verified_wu no longer equals
// ExpectedScopeVerified, the scope is frozen, or the formula pool cannot
// cover Amount.
type Transfer struct {
	ProjectID             string
	ScopeID               string
	Amount                float64
	ExpectedScopeVerified float64
}

// ProjectStore reads and writes project rows.
type ProjectStore interface {
	CreateProject(ctx context.Context, p *model.Project) error
	GetProject(ctx context.Context, id string) (*model.Project, error)
	UpdatePhaseState(ctx context.Context, u PhaseUpdate) error
	SetEscalationLevel(ctx context.Context, projectID string, level model.Level) error
	// InitializeWU sets the total and formula pools. The verified pool is
	// left untouched.
	InitializeWU(ctx context.Context, projectID string, total, formula float64) error
}

// ScopeStore reads and writes the scope tree.
type ScopeStore interface {
	CreateScope(ctx context.Context, s *model.Scope) error
	GetScope(ctx context.Context, id string) (*model.Scope, error)
	ListScopes(ctx context.Context, projectID string) ([]*model.Scope, error)
	UpdateScopeScores(ctx context.Context, scopeID string, logic, procedural, validation float64) error
	SetScopeAllocation(ctx context.Context, scopeID string, amount float64) error
	SetScopeStatus(ctx context.Context, scopeID string, status model.ScopeStatus) error
	TransferWorkUnits(ctx context.Context, t Transfer) error
}

// DeliverableStore reads deliverables and applies workflow status changes.
type DeliverableStore interface {
	CreateDeliverable(ctx context.Context, d *model.Deliverable) error
	ListDeliverables(ctx context.Context, projectID string) ([]*model.Deliverable, error)
	UpdateDeliverableStatus(ctx context.Context, id string, status model.DeliverableStatus) error
}

// ArtifactStore covers the read-mostly collaborator tables.
type ArtifactStore interface {
	CreateExecutionLayer(ctx context.Context, l *model.ExecutionLayer) error
	ListExecutionLayers(ctx context.Context, projectID string) ([]*model.ExecutionLayer, error)

	CreateIntegrityReport(ctx context.Context, r *model.IntegrityReport) error
	// LatestIntegrityReport returns nil without error when no report exists.
	LatestIntegrityReport(ctx context.Context, projectID string) (*model.IntegrityReport, error)

	CreateBrainstorm(ctx context.Context, a *model.BrainstormArtifact) error
	ListBrainstorms(ctx context.Context, projectID string) ([]*model.BrainstormArtifact, error)
	UpdateBrainstormStatus(ctx context.Context, id string, status model.ArtifactStatus) error

	CreateTaskAssignment(ctx context.Context, a *model.TaskAssignment) error
	ListTaskAssignments(ctx context.Context, projectID string) ([]*model.TaskAssignment, error)

	CreateDefect(ctx context.Context, d *model.Defect) error
	// ListOpenDefects returns ErrRegistryUnavailable when the defect
	// registry has not been provisioned.
	ListOpenDefects(ctx context.Context, projectID string) ([]*model.Defect, error)

	AddMessage(ctx context.Context, m *model.Message) error
	CountMessages(ctx context.Context, projectID string, f model.MessageFilter) (int, error)
}

// GateStore persists the gate map with replace-whole-map semantics.
type GateStore interface {
	GetGateMap(ctx context.Context, projectID string) (model.GateMap, error)
	ReplaceGateMap(ctx context.Context, projectID string, m model.GateMap) error
	SetGate(ctx context.Context, projectID string, gate model.GateID, value bool) error
}

// LedgerStore appends and lists audit rows. Rows are never updated.
type LedgerStore interface {
	AppendDecision(ctx context.Context, e *model.DecisionEntry) error
	ListDecisions(ctx context.Context, projectID string, limit int) ([]*model.DecisionEntry, error)
	AppendWUAudit(ctx context.Context, e *model.WUAuditEntry) error
	ListWUAudit(ctx context.Context, projectID string, limit int) ([]*model.WUAuditEntry, error)
	AppendEscalation(ctx context.Context, e *model.EscalationEvent) error
	ListEscalations(ctx context.Context, projectID string, limit int) ([]*model.EscalationEvent, error)
}

// Store is the full persistence surface.
type Store interface {
	ProjectStore
	ScopeStore
	DeliverableStore
	ArtifactStore
	GateStore
	LedgerStore
	Close() error
}
