// Package memory provides a thread-safe in-memory store.
//
// It is used by tests and single-instance development servers. Every read
// returns a copy so callers cannot mutate stored state, and every mutating
// call bumps a write counter that tests use to assert idempotence.
package memory

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/peoplemerit/pmerit-technologies-sub002/internal/model"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/store"
)

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	projects     map[string]*model.Project
	scopes       map[string]*model.Scope
	deliverables map[string]*model.Deliverable
	layers       map[string][]*model.ExecutionLayer
	integrity    map[string][]*model.IntegrityReport
	brainstorms  map[string]*model.BrainstormArtifact
	assignments  map[string][]*model.TaskAssignment
	defects      map[string][]*model.Defect
	messages     map[string][]*model.Message
	gates        map[string]model.GateMap
	decisions    map[string][]*model.DecisionEntry
	wuAudit      map[string][]*model.WUAuditEntry
	escalations  map[string][]*model.EscalationEvent

	// Insertion order for deterministic listing.
	scopeOrder       []string
	deliverableOrder []string
	brainstormOrder  []string

	defectRegistry bool
	writes         atomic.Int64
	gateWrites     atomic.Int64
	now            func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithoutDefectRegistry makes ListOpenDefects report the registry as
// unavailable.
func WithoutDefectRegistry() Option {
	return func(s *Store) { s.defectRegistry = false }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		projects:       make(map[string]*model.Project),
		scopes:         make(map[string]*model.Scope),
		deliverables:   make(map[string]*model.Deliverable),
		layers:         make(map[string][]*model.ExecutionLayer),
		integrity:      make(map[string][]*model.IntegrityReport),
		brainstorms:    make(map[string]*model.BrainstormArtifact),
		assignments:    make(map[string][]*model.TaskAssignment),
		defects:        make(map[string][]*model.Defect),
		messages:       make(map[string][]*model.Message),
		gates:          make(map[string]model.GateMap),
		decisions:      make(map[string][]*model.DecisionEntry),
		wuAudit:        make(map[string][]*model.WUAuditEntry),
		escalations:    make(map[string][]*model.EscalationEvent),
		defectRegistry: true,
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ store.Store = (*Store)(nil)

// Writes returns the number of mutating calls that changed state.
func (s *Store) Writes() int64 { return s.writes.Load() }

// GateWrites returns the number of gate map writes.
func (s *Store) GateWrites() int64 { return s.gateWrites.Load() }

// Close is a no-op.
func (s *Store) Close() error { return nil }

func (s *Store) wrote() { s.writes.Add(1) }

func newID(id string) string {
	if id == "" {
		return uuid.NewString()
	}
	return id
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, store.ErrNotFound)
}

// --- projects ---

// CreateProject stores a new project with an all-false gate map.
func (s *Store) CreateProject(ctx context.Context, p *model.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p.ID = newID(p.ID)
	if _, exists := s.projects[p.ID]; exists {
		return fmt.Errorf("project %s: %w", p.ID, store.ErrAlreadyExists)
	}
	if p.Phase == "" {
		p.Phase = model.PhaseIdeation
	}
	if p.EscalationLevel == "" {
		p.EscalationLevel = model.LevelCritical
	}
	now := s.now()
	p.CreatedAt, p.UpdatedAt = now, now

	stored := *p
	s.projects[p.ID] = &stored
	s.gates[p.ID] = model.NewGateMap()
	s.wrote()
	return nil
}

// GetProject returns a copy of the project.
func (s *Store) GetProject(ctx context.Context, id string) (*model.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.projects[id]
	if !ok {
		return nil, notFound("project", id)
	}
	out := *p
	return &out, nil
}

// UpdatePhaseState applies u if the stored phase matches u.ExpectedPhase.
func (s *Store) UpdatePhaseState(ctx context.Context, u store.PhaseUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[u.ProjectID]
	if !ok {
		return notFound("project", u.ProjectID)
	}
	if p.Phase != u.ExpectedPhase {
		return fmt.Errorf("project %s phase is %s not %s: %w", p.ID, p.Phase, u.ExpectedPhase, store.ErrConcurrentUpdate)
	}
	p.Phase = u.Phase
	p.PhaseLocked = u.PhaseLocked
	p.ReassessCount = u.ReassessCount
	p.UpdatedAt = s.now()
	s.wrote()
	return nil
}

// SetEscalationLevel persists the escalation band.
func (s *Store) SetEscalationLevel(ctx context.Context, projectID string, level model.Level) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[projectID]
	if !ok {
		return notFound("project", projectID)
	}
	p.EscalationLevel = level
	p.UpdatedAt = s.now()
	s.wrote()
	return nil
}

// InitializeWU sets the total and formula pools.
func (s *Store) InitializeWU(ctx context.Context, projectID string, total, formula float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[projectID]
	if !ok {
		return notFound("project", projectID)
	}
	p.ExecutionTotalWU = total
	p.FormulaExecutionWU = formula
	p.UpdatedAt = s.now()
	s.wrote()
	return nil
}

// --- scopes ---

// CreateScope stores a new scope.
func (s *Store) CreateScope(ctx context.Context, sc *model.Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[sc.ProjectID]; !ok {
		return notFound("project", sc.ProjectID)
	}
	sc.ID = newID(sc.ID)
	if _, exists := s.scopes[sc.ID]; exists {
		return fmt.Errorf("scope %s: %w", sc.ID, store.ErrAlreadyExists)
	}
	if sc.Status == "" {
		sc.Status = model.ScopeActive
	}
	now := s.now()
	sc.CreatedAt, sc.UpdatedAt = now, now

	s.scopes[sc.ID] = copyScope(sc)
	s.scopeOrder = append(s.scopeOrder, sc.ID)
	s.wrote()
	return nil
}

// GetScope returns a copy of the scope.
func (s *Store) GetScope(ctx context.Context, id string) (*model.Scope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sc, ok := s.scopes[id]
	if !ok {
		return nil, notFound("scope", id)
	}
	return copyScope(sc), nil
}

// ListScopes returns every scope of the project in creation order.
func (s *Store) ListScopes(ctx context.Context, projectID string) ([]*model.Scope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Scope
	for _, id := range s.scopeOrder {
		if sc := s.scopes[id]; sc.ProjectID == projectID {
			out = append(out, copyScope(sc))
		}
	}
	return out, nil
}

// UpdateScopeScores persists computed L/P/V values.
func (s *Store) UpdateScopeScores(ctx context.Context, scopeID string, logic, procedural, validation float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.scopes[scopeID]
	if !ok {
		return notFound("scope", scopeID)
	}
	sc.LogicScore, sc.ProceduralScore, sc.ValidationScore = logic, procedural, validation
	sc.UpdatedAt = s.now()
	s.wrote()
	return nil
}

// SetScopeAllocation sets allocated_wu.
func (s *Store) SetScopeAllocation(ctx context.Context, scopeID string, amount float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.scopes[scopeID]
	if !ok {
		return notFound("scope", scopeID)
	}
	sc.AllocatedWU = amount
	sc.UpdatedAt = s.now()
	s.wrote()
	return nil
}

// SetScopeStatus changes the scope lifecycle status.
func (s *Store) SetScopeStatus(ctx context.Context, scopeID string, status model.ScopeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.scopes[scopeID]
	if !ok {
		return notFound("scope", scopeID)
	}
	sc.Status = status
	sc.UpdatedAt = s.now()
	s.wrote()
	return nil
}

// TransferWorkUnits applies t atomically under the store lock.
func (s *Store) TransferWorkUnits(ctx context.Context, t store.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[t.ProjectID]
	if !ok {
		return notFound("project", t.ProjectID)
	}
	sc, ok := s.scopes[t.ScopeID]
	if !ok || sc.ProjectID != t.ProjectID {
		return notFound("scope", t.ScopeID)
	}
	if sc.Status.Frozen() || sc.VerifiedWU != t.ExpectedScopeVerified || p.FormulaExecutionWU+1e-9 < t.Amount {
		return fmt.Errorf("transfer on scope %s: %w", sc.ID, store.ErrConcurrentUpdate)
	}
	now := s.now()
	p.FormulaExecutionWU = roundWU(p.FormulaExecutionWU - t.Amount)
	p.VerifiedRealityWU = roundWU(p.VerifiedRealityWU + t.Amount)
	p.UpdatedAt = now
	sc.VerifiedWU = roundWU(sc.VerifiedWU + t.Amount)
	sc.UpdatedAt = now
	s.wrote()
	return nil
}

func roundWU(x float64) float64 {
	return math.Round(x*1e6) / 1e6
}

func copyScope(sc *model.Scope) *model.Scope {
	out := *sc
	if sc.ParentID != nil {
		parent := *sc.ParentID
		out.ParentID = &parent
	}
	return &out
}

// --- deliverables ---

// CreateDeliverable stores a new deliverable.
func (s *Store) CreateDeliverable(ctx context.Context, d *model.Deliverable) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d.ID = newID(d.ID)
	if _, exists := s.deliverables[d.ID]; exists {
		return fmt.Errorf("deliverable %s: %w", d.ID, store.ErrAlreadyExists)
	}
	if d.Status == "" {
		d.Status = model.DeliverableDraft
	}
	now := s.now()
	d.CreatedAt, d.UpdatedAt = now, now

	stored := *d
	s.deliverables[d.ID] = &stored
	s.deliverableOrder = append(s.deliverableOrder, d.ID)
	s.wrote()
	return nil
}

// ListDeliverables returns every deliverable of the project.
func (s *Store) ListDeliverables(ctx context.Context, projectID string) ([]*model.Deliverable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Deliverable
	for _, id := range s.deliverableOrder {
		if d := s.deliverables[id]; d.ProjectID == projectID {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

// UpdateDeliverableStatus changes a deliverable's status.
func (s *Store) UpdateDeliverableStatus(ctx context.Context, id string, status model.DeliverableStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deliverables[id]
	if !ok {
		return notFound("deliverable", id)
	}
	d.Status = status
	d.UpdatedAt = s.now()
	s.wrote()
	return nil
}

// --- artifacts ---

// CreateExecutionLayer stores an execution layer.
func (s *Store) CreateExecutionLayer(ctx context.Context, l *model.ExecutionLayer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l.ID = newID(l.ID)
	l.CreatedAt = s.now()
	cp := *l
	s.layers[l.ProjectID] = append(s.layers[l.ProjectID], &cp)
	s.wrote()
	return nil
}

// ListExecutionLayers returns the project's execution layers.
func (s *Store) ListExecutionLayers(ctx context.Context, projectID string) ([]*model.ExecutionLayer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.ExecutionLayer, 0, len(s.layers[projectID]))
	for _, l := range s.layers[projectID] {
		cp := *l
		out = append(out, &cp)
	}
	return out, nil
}

// CreateIntegrityReport stores an integrity report.
func (s *Store) CreateIntegrityReport(ctx context.Context, r *model.IntegrityReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r.ID = newID(r.ID)
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	cp := *r
	s.integrity[r.ProjectID] = append(s.integrity[r.ProjectID], &cp)
	s.wrote()
	return nil
}

// LatestIntegrityReport returns the most recent report, or nil.
func (s *Store) LatestIntegrityReport(ctx context.Context, projectID string) (*model.IntegrityReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *model.IntegrityReport
	for _, r := range s.integrity[projectID] {
		if latest == nil || !r.CreatedAt.Before(latest.CreatedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

// CreateBrainstorm stores a brainstorm artifact.
func (s *Store) CreateBrainstorm(ctx context.Context, a *model.BrainstormArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a.ID = newID(a.ID)
	if a.Status == "" {
		a.Status = model.ArtifactDraft
	}
	now := s.now()
	a.CreatedAt, a.UpdatedAt = now, now
	s.brainstorms[a.ID] = copyBrainstorm(a)
	s.brainstormOrder = append(s.brainstormOrder, a.ID)
	s.wrote()
	return nil
}

// ListBrainstorms returns the project's brainstorm artifacts.
func (s *Store) ListBrainstorms(ctx context.Context, projectID string) ([]*model.BrainstormArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.BrainstormArtifact
	for _, id := range s.brainstormOrder {
		if a := s.brainstorms[id]; a.ProjectID == projectID {
			out = append(out, copyBrainstorm(a))
		}
	}
	return out, nil
}

// UpdateBrainstormStatus changes an artifact's status.
func (s *Store) UpdateBrainstormStatus(ctx context.Context, id string, status model.ArtifactStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.brainstorms[id]
	if !ok {
		return notFound("brainstorm artifact", id)
	}
	a.Status = status
	a.UpdatedAt = s.now()
	s.wrote()
	return nil
}

func copyBrainstorm(a *model.BrainstormArtifact) *model.BrainstormArtifact {
	out := *a
	out.Options = append([]string(nil), a.Options...)
	return &out
}

// CreateTaskAssignment stores a task assignment.
func (s *Store) CreateTaskAssignment(ctx context.Context, a *model.TaskAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a.ID = newID(a.ID)
	if a.Status == "" {
		a.Status = model.AssignmentPending
	}
	now := s.now()
	a.CreatedAt, a.UpdatedAt = now, now
	cp := *a
	s.assignments[a.ProjectID] = append(s.assignments[a.ProjectID], &cp)
	s.wrote()
	return nil
}

// ListTaskAssignments returns the project's task assignments.
func (s *Store) ListTaskAssignments(ctx context.Context, projectID string) ([]*model.TaskAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.TaskAssignment, 0, len(s.assignments[projectID]))
	for _, a := range s.assignments[projectID] {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

// CreateDefect registers a defect.
func (s *Store) CreateDefect(ctx context.Context, d *model.Defect) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.defectRegistry {
		return store.ErrRegistryUnavailable
	}
	d.ID = newID(d.ID)
	d.CreatedAt = s.now()
	cp := *d
	s.defects[d.ProjectID] = append(s.defects[d.ProjectID], &cp)
	s.wrote()
	return nil
}

// ListOpenDefects returns the project's open defects.
func (s *Store) ListOpenDefects(ctx context.Context, projectID string) ([]*model.Defect, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.defectRegistry {
		return nil, store.ErrRegistryUnavailable
	}
	var out []*model.Defect
	for _, d := range s.defects[projectID] {
		if d.Open {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

// AddMessage records a conversation message.
func (s *Store) AddMessage(ctx context.Context, m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.ID = newID(m.ID)
	m.CreatedAt = s.now()
	cp := *m
	s.messages[m.ProjectID] = append(s.messages[m.ProjectID], &cp)
	s.wrote()
	return nil
}

// CountMessages counts the project's messages matching f.
func (s *Store) CountMessages(ctx context.Context, projectID string, f model.MessageFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, m := range s.messages[projectID] {
		if f.Role != "" && m.Role != f.Role {
			continue
		}
		if f.Phase != "" && m.Phase != f.Phase {
			continue
		}
		n++
	}
	return n, nil
}

// --- gates ---

// GetGateMap returns the project's gate map.
func (s *Store) GetGateMap(ctx context.Context, projectID string) (model.GateMap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.gates[projectID]
	if !ok {
		return model.GateMap{}, notFound("gate map", projectID)
	}
	return m.Clone(), nil
}

// ReplaceGateMap overwrites the whole gate map.
func (s *Store) ReplaceGateMap(ctx context.Context, projectID string, m model.GateMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[projectID]; !ok {
		return notFound("project", projectID)
	}
	s.gates[projectID] = m.Clone()
	s.gateWrites.Add(1)
	s.wrote()
	return nil
}

// SetGate sets a single gate.
func (s *Store) SetGate(ctx context.Context, projectID string, gate model.GateID, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.gates[projectID]
	if !ok {
		return notFound("gate map", projectID)
	}
	if !gate.Known() {
		return fmt.Errorf("gate %q: %w", gate, store.ErrNotFound)
	}
	s.gates[projectID] = m.Set(gate, value)
	s.gateWrites.Add(1)
	s.wrote()
	return nil
}

// --- ledgers ---

// AppendDecision appends a decision-ledger row.
func (s *Store) AppendDecision(ctx context.Context, e *model.DecisionEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.ID = newID(e.ID)
	e.CreatedAt = s.now()
	cp := *e
	cp.Snapshot = append([]byte(nil), e.Snapshot...)
	s.decisions[e.ProjectID] = append(s.decisions[e.ProjectID], &cp)
	s.wrote()
	return nil
}

// ListDecisions returns the most recent decisions first.
func (s *Store) ListDecisions(ctx context.Context, projectID string, limit int) ([]*model.DecisionEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.decisions[projectID]
	out := make([]*model.DecisionEntry, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		cp := *rows[i]
		out = append(out, &cp)
	}
	return truncate(out, limit), nil
}

// AppendWUAudit appends a WU-audit row.
func (s *Store) AppendWUAudit(ctx context.Context, e *model.WUAuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.ID = newID(e.ID)
	e.CreatedAt = s.now()
	cp := *e
	s.wuAudit[e.ProjectID] = append(s.wuAudit[e.ProjectID], &cp)
	s.wrote()
	return nil
}

// ListWUAudit returns the most recent WU-audit rows first.
func (s *Store) ListWUAudit(ctx context.Context, projectID string, limit int) ([]*model.WUAuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.wuAudit[projectID]
	out := make([]*model.WUAuditEntry, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		cp := *rows[i]
		out = append(out, &cp)
	}
	return truncate(out, limit), nil
}

// AppendEscalation appends an escalation-log row.
func (s *Store) AppendEscalation(ctx context.Context, e *model.EscalationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.ID = newID(e.ID)
	e.CreatedAt = s.now()
	cp := *e
	cp.AutoActions = append([]string(nil), e.AutoActions...)
	cp.GatesFlipped = append([]model.GateID(nil), e.GatesFlipped...)
	s.escalations[e.ProjectID] = append(s.escalations[e.ProjectID], &cp)
	s.wrote()
	return nil
}

// ListEscalations returns the most recent escalation rows first.
func (s *Store) ListEscalations(ctx context.Context, projectID string, limit int) ([]*model.EscalationEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.escalations[projectID]
	out := make([]*model.EscalationEvent, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		cp := *rows[i]
		out = append(out, &cp)
	}
	return truncate(out, limit), nil
}

func truncate[T any](rows []T, limit int) []T {
	if limit > 0 && len(rows) > limit {
		return rows[:limit]
	}
	return rows
}
