// Package sqlite persists governance state in SQLite via modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/peoplemerit/pmerit-technologies-sub002/internal/model"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/store"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/store/sqlite/migrations"
)

// Store is a SQLite implementation of store.Store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open opens the database at path and applies embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("store path is required")
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func newID(id string) string {
	if id == "" {
		return uuid.NewString()
	}
	return id
}

func isConstraint(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return false
}

func isMissingTable(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "no such table")
}

func requireOne(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, store.ErrNotFound)
	}
	return nil
}

// --- projects ---

const projectColumns = `id, owner_id, name, objective, phase, phase_locked, reassess_count,
	escalation_level, license_active, environment, workspace_folder,
	execution_total_wu, formula_execution_wu, verified_reality_wu, created_at, updated_at`

// CreateProject inserts a project and its all-false gate row.
func (s *Store) CreateProject(ctx context.Context, p *model.Project) error {
	p.ID = newID(p.ID)
	if p.Phase == "" {
		p.Phase = model.PhaseIdeation
	}
	if p.EscalationLevel == "" {
		p.EscalationLevel = model.LevelCritical
	}
	now := s.now()
	p.CreatedAt, p.UpdatedAt = now, now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create project: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `INSERT INTO projects (`+projectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OwnerID, p.Name, p.Objective, string(p.Phase), boolInt(p.PhaseLocked), p.ReassessCount,
		string(p.EscalationLevel), boolInt(p.LicenseActive), p.Environment, p.WorkspaceFolder,
		p.ExecutionTotalWU, p.FormulaExecutionWU, p.VerifiedRealityWU, toMillis(now), toMillis(now),
	)
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("project %s: %w", p.ID, store.ErrAlreadyExists)
		}
		return fmt.Errorf("insert project: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO project_gates (project_id, schema_version) VALUES (?, ?)`,
		p.ID, model.GateSchemaVersion,
	); err != nil {
		return fmt.Errorf("insert gate row: %w", err)
	}
	return tx.Commit()
}

// GetProject loads a project.
func (s *Store) GetProject(ctx context.Context, id string) (*model.Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	var (
		p                    model.Project
		phase, level         string
		locked, license      int
		createdAt, updatedAt int64
	)
	err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &p.Objective, &phase, &locked, &p.ReassessCount,
		&level, &license, &p.Environment, &p.WorkspaceFolder,
		&p.ExecutionTotalWU, &p.FormulaExecutionWU, &p.VerifiedRealityWU, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	p.Phase = model.Phase(phase)
	p.EscalationLevel = model.Level(level)
	p.PhaseLocked = locked != 0
	p.LicenseActive = license != 0
	p.CreatedAt, p.UpdatedAt = fromMillis(createdAt), fromMillis(updatedAt)
	return &p, nil
}

// UpdatePhaseState applies u only if the stored phase still matches.
func (s *Store) UpdatePhaseState(ctx context.Context, u store.PhaseUpdate) error {
	res, err := s.db.ExecContext(ctx, `UPDATE projects
		SET phase = ?, phase_locked = ?, reassess_count = ?, updated_at = ?
		WHERE id = ? AND phase = ?`,
		string(u.Phase), boolInt(u.PhaseLocked), u.ReassessCount, toMillis(s.now()),
		u.ProjectID, string(u.ExpectedPhase),
	)
	if err != nil {
		return fmt.Errorf("update phase: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetProject(ctx, u.ProjectID); err != nil {
			return err
		}
		return fmt.Errorf("project %s phase is not %s: %w", u.ProjectID, u.ExpectedPhase, store.ErrConcurrentUpdate)
	}
	return nil
}

// SetEscalationLevel persists the escalation band.
func (s *Store) SetEscalationLevel(ctx context.Context, projectID string, level model.Level) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET escalation_level = ?, updated_at = ? WHERE id = ?`,
		string(level), toMillis(s.now()), projectID)
	if err != nil {
		return fmt.Errorf("set escalation level: %w", err)
	}
	return requireOne(res, "project", projectID)
}

// InitializeWU sets the total and formula pools.
func (s *Store) InitializeWU(ctx context.Context, projectID string, total, formula float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET execution_total_wu = ?, formula_execution_wu = ?, updated_at = ? WHERE id = ?`,
		total, formula, toMillis(s.now()), projectID)
	if err != nil {
		return fmt.Errorf("initialize wu: %w", err)
	}
	return requireOne(res, "project", projectID)
}

// --- scopes ---

const scopeColumns = `id, project_id, parent_id, title, purpose, boundary, allocated_wu, verified_wu,
	logic_score, procedural_score, validation_score, status, created_at, updated_at`

// CreateScope inserts a scope.
func (s *Store) CreateScope(ctx context.Context, sc *model.Scope) error {
	sc.ID = newID(sc.ID)
	if sc.Status == "" {
		sc.Status = model.ScopeActive
	}
	now := s.now()
	sc.CreatedAt, sc.UpdatedAt = now, now

	var parent any
	if !sc.TopLevel() {
		parent = *sc.ParentID
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO scopes (`+scopeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.ID, sc.ProjectID, parent, sc.Title, sc.Purpose, sc.Boundary, sc.AllocatedWU, sc.VerifiedWU,
		sc.LogicScore, sc.ProceduralScore, sc.ValidationScore, string(sc.Status), toMillis(now), toMillis(now),
	)
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("scope %s: %w", sc.ID, store.ErrAlreadyExists)
		}
		return fmt.Errorf("insert scope: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScope(r rowScanner) (*model.Scope, error) {
	var (
		sc                   model.Scope
		parent               sql.NullString
		status               string
		createdAt, updatedAt int64
	)
	if err := r.Scan(&sc.ID, &sc.ProjectID, &parent, &sc.Title, &sc.Purpose, &sc.Boundary,
		&sc.AllocatedWU, &sc.VerifiedWU, &sc.LogicScore, &sc.ProceduralScore, &sc.ValidationScore,
		&status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if parent.Valid {
		p := parent.String
		sc.ParentID = &p
	}
	sc.Status = model.ScopeStatus(status)
	sc.CreatedAt, sc.UpdatedAt = fromMillis(createdAt), fromMillis(updatedAt)
	return &sc, nil
}

// GetScope loads a scope.
func (s *Store) GetScope(ctx context.Context, id string) (*model.Scope, error) {
	sc, err := scanScope(s.db.QueryRowContext(ctx, `SELECT `+scopeColumns+` FROM scopes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("scope %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get scope: %w", err)
	}
	return sc, nil
}

// ListScopes returns the project's scopes in creation order.
func (s *Store) ListScopes(ctx context.Context, projectID string) ([]*model.Scope, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scopeColumns+` FROM scopes WHERE project_id = ? ORDER BY created_at, rowid`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list scopes: %w", err)
	}
	defer rows.Close()

	var out []*model.Scope
	for rows.Next() {
		sc, err := scanScope(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scope: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// UpdateScopeScores persists computed L/P/V values.
func (s *Store) UpdateScopeScores(ctx context.Context, scopeID string, logic, procedural, validation float64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE scopes
		SET logic_score = ?, procedural_score = ?, validation_score = ?, updated_at = ?
		WHERE id = ?`, logic, procedural, validation, toMillis(s.now()), scopeID)
	if err != nil {
		return fmt.Errorf("update scope scores: %w", err)
	}
	return requireOne(res, "scope", scopeID)
}

// SetScopeAllocation sets allocated_wu.
func (s *Store) SetScopeAllocation(ctx context.Context, scopeID string, amount float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scopes SET allocated_wu = ?, updated_at = ? WHERE id = ?`,
		amount, toMillis(s.now()), scopeID)
	if err != nil {
		return fmt.Errorf("set scope allocation: %w", err)
	}
	return requireOne(res, "scope", scopeID)
}

// SetScopeStatus changes the scope lifecycle status.
func (s *Store) SetScopeStatus(ctx context.Context, scopeID string, status model.ScopeStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scopes SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), toMillis(s.now()), scopeID)
	if err != nil {
		return fmt.Errorf("set scope status: %w", err)
	}
	return requireOne(res, "scope", scopeID)
}

// TransferWorkUnits moves WU from the formula pool to the verified pools in
// a single transaction. Both updates are guarded so a concurrent transfer
// on the same scope or an exhausted formula pool aborts the whole step.
func (s *Store) TransferWorkUnits(ctx context.Context, t store.Transfer) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transfer: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := toMillis(s.now())
	res, err := tx.ExecContext(ctx, `UPDATE scopes
		SET verified_wu = ROUND(verified_wu + ?, 6), updated_at = ?
		WHERE id = ? AND project_id = ? AND verified_wu = ? AND status = ?`,
		t.Amount, now, t.ScopeID, t.ProjectID, t.ExpectedScopeVerified, string(model.ScopeActive))
	if err != nil {
		return fmt.Errorf("credit scope: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("transfer on scope %s: %w", t.ScopeID, store.ErrConcurrentUpdate)
	}

	res, err = tx.ExecContext(ctx, `UPDATE projects
		SET formula_execution_wu = ROUND(formula_execution_wu - ?, 6),
		    verified_reality_wu = ROUND(verified_reality_wu + ?, 6),
		    updated_at = ?
		WHERE id = ? AND formula_execution_wu + 0.000000001 >= ?`,
		t.Amount, t.Amount, now, t.ProjectID, t.Amount)
	if err != nil {
		return fmt.Errorf("debit formula pool: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("transfer on project %s: %w", t.ProjectID, store.ErrConcurrentUpdate)
	}
	return tx.Commit()
}

// --- deliverables ---

const deliverableColumns = `id, project_id, scope_id, title, status, evidence_spec,
	verification_method, dmaic_phase, created_at, updated_at`

// CreateDeliverable inserts a deliverable.
func (s *Store) CreateDeliverable(ctx context.Context, d *model.Deliverable) error {
	d.ID = newID(d.ID)
	if d.Status == "" {
		d.Status = model.DeliverableDraft
	}
	now := s.now()
	d.CreatedAt, d.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `INSERT INTO deliverables (`+deliverableColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.ProjectID, d.ScopeID, d.Title, string(d.Status), d.EvidenceSpec,
		d.VerificationMethod, string(d.DMAICPhase), toMillis(now), toMillis(now))
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("deliverable %s: %w", d.ID, store.ErrAlreadyExists)
		}
		return fmt.Errorf("insert deliverable: %w", err)
	}
	return nil
}

// ListDeliverables returns the project's deliverables.
func (s *Store) ListDeliverables(ctx context.Context, projectID string) ([]*model.Deliverable, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deliverableColumns+` FROM deliverables WHERE project_id = ? ORDER BY created_at, rowid`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list deliverables: %w", err)
	}
	defer rows.Close()

	var out []*model.Deliverable
	for rows.Next() {
		var (
			d                    model.Deliverable
			status, dmaic        string
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.ScopeID, &d.Title, &status, &d.EvidenceSpec,
			&d.VerificationMethod, &dmaic, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan deliverable: %w", err)
		}
		d.Status = model.DeliverableStatus(status)
		d.DMAICPhase = model.DMAICPhase(dmaic)
		d.CreatedAt, d.UpdatedAt = fromMillis(createdAt), fromMillis(updatedAt)
		out = append(out, &d)
	}
	return out, rows.Err()
}

// UpdateDeliverableStatus changes a deliverable's status.
func (s *Store) UpdateDeliverableStatus(ctx context.Context, id string, status model.DeliverableStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE deliverables SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), toMillis(s.now()), id)
	if err != nil {
		return fmt.Errorf("update deliverable status: %w", err)
	}
	return requireOne(res, "deliverable", id)
}
