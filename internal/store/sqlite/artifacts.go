package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/peoplemerit/pmerit-technologies-sub002/internal/model"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/store"
)

// CreateExecutionLayer inserts an execution layer.
func (s *Store) CreateExecutionLayer(ctx context.Context, l *model.ExecutionLayer) error {
	l.ID = newID(l.ID)
	l.CreatedAt = s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_layers (id, project_id, name, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		l.ID, l.ProjectID, l.Name, string(l.Status), toMillis(l.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert execution layer: %w", err)
	}
	return nil
}

// ListExecutionLayers returns the project's execution layers.
func (s *Store) ListExecutionLayers(ctx context.Context, projectID string) ([]*model.ExecutionLayer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, name, status, created_at FROM execution_layers WHERE project_id = ? ORDER BY created_at, rowid`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("list execution layers: %w", err)
	}
	defer rows.Close()

	var out []*model.ExecutionLayer
	for rows.Next() {
		var (
			l         model.ExecutionLayer
			status    string
			createdAt int64
		)
		if err := rows.Scan(&l.ID, &l.ProjectID, &l.Name, &status, &createdAt); err != nil {
			return nil, fmt.Errorf("scan execution layer: %w", err)
		}
		l.Status = model.LayerStatus(status)
		l.CreatedAt = fromMillis(createdAt)
		out = append(out, &l)
	}
	return out, rows.Err()
}

// CreateIntegrityReport inserts an integrity report.
func (s *Store) CreateIntegrityReport(ctx context.Context, r *model.IntegrityReport) error {
	r.ID = newID(r.ID)
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO integrity_reports
		(id, project_id, checks_total, checks_passed, passed, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.ProjectID, r.ChecksTotal, r.ChecksPassed, boolInt(r.Passed), toMillis(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert integrity report: %w", err)
	}
	return nil
}

// LatestIntegrityReport returns the most recent report, or nil.
func (s *Store) LatestIntegrityReport(ctx context.Context, projectID string) (*model.IntegrityReport, error) {
	var (
		r         model.IntegrityReport
		passed    int
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, project_id, checks_total, checks_passed, passed, created_at
		FROM integrity_reports WHERE project_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, projectID,
	).Scan(&r.ID, &r.ProjectID, &r.ChecksTotal, &r.ChecksPassed, &passed, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest integrity report: %w", err)
	}
	r.Passed = passed != 0
	r.CreatedAt = fromMillis(createdAt)
	return &r, nil
}

// CreateBrainstorm inserts a brainstorm artifact.
func (s *Store) CreateBrainstorm(ctx context.Context, a *model.BrainstormArtifact) error {
	a.ID = newID(a.ID)
	if a.Status == "" {
		a.Status = model.ArtifactDraft
	}
	now := s.now()
	a.CreatedAt, a.UpdatedAt = now, now
	options, err := json.Marshal(a.Options)
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO brainstorm_artifacts
		(id, project_id, status, options_json, validated, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ProjectID, string(a.Status), string(options), boolInt(a.Validated), toMillis(now), toMillis(now))
	if err != nil {
		return fmt.Errorf("insert brainstorm artifact: %w", err)
	}
	return nil
}

// ListBrainstorms returns the project's brainstorm artifacts.
func (s *Store) ListBrainstorms(ctx context.Context, projectID string) ([]*model.BrainstormArtifact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, project_id, status, options_json, validated, created_at, updated_at
		FROM brainstorm_artifacts WHERE project_id = ? ORDER BY created_at, rowid`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list brainstorm artifacts: %w", err)
	}
	defer rows.Close()

	var out []*model.BrainstormArtifact
	for rows.Next() {
		var (
			a                    model.BrainstormArtifact
			status, options      string
			validated            int
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&a.ID, &a.ProjectID, &status, &options, &validated, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan brainstorm artifact: %w", err)
		}
		if err := json.Unmarshal([]byte(options), &a.Options); err != nil {
			return nil, fmt.Errorf("decode options of %s: %w", a.ID, err)
		}
		a.Status = model.ArtifactStatus(status)
		a.Validated = validated != 0
		a.CreatedAt, a.UpdatedAt = fromMillis(createdAt), fromMillis(updatedAt)
		out = append(out, &a)
	}
	return out, rows.Err()
}

// UpdateBrainstormStatus changes an artifact's status.
func (s *Store) UpdateBrainstormStatus(ctx context.Context, id string, status model.ArtifactStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE brainstorm_artifacts SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), toMillis(s.now()), id)
	if err != nil {
		return fmt.Errorf("update brainstorm status: %w", err)
	}
	return requireOne(res, "brainstorm artifact", id)
}

// CreateTaskAssignment inserts a task assignment.
func (s *Store) CreateTaskAssignment(ctx context.Context, a *model.TaskAssignment) error {
	a.ID = newID(a.ID)
	if a.Status == "" {
		a.Status = model.AssignmentPending
	}
	now := s.now()
	a.CreatedAt, a.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `INSERT INTO task_assignments
		(id, project_id, deliverable_id, assignee_id, status, evidence, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ProjectID, a.DeliverableID, a.AssigneeID, string(a.Status), a.Evidence, toMillis(now), toMillis(now))
	if err != nil {
		return fmt.Errorf("insert task assignment: %w", err)
	}
	return nil
}

// ListTaskAssignments returns the project's task assignments.
func (s *Store) ListTaskAssignments(ctx context.Context, projectID string) ([]*model.TaskAssignment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, project_id, deliverable_id, assignee_id, status, evidence, created_at, updated_at
		FROM task_assignments WHERE project_id = ? ORDER BY created_at, rowid`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list task assignments: %w", err)
	}
	defer rows.Close()

	var out []*model.TaskAssignment
	for rows.Next() {
		var (
			a                    model.TaskAssignment
			status               string
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.DeliverableID, &a.AssigneeID, &status, &a.Evidence,
			&createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan task assignment: %w", err)
		}
		a.Status = model.AssignmentStatus(status)
		a.CreatedAt, a.UpdatedAt = fromMillis(createdAt), fromMillis(updatedAt)
		out = append(out, &a)
	}
	return out, rows.Err()
}

// CreateDefect registers a defect.
func (s *Store) CreateDefect(ctx context.Context, d *model.Defect) error {
	d.ID = newID(d.ID)
	d.CreatedAt = s.now()
	_, err := s.db.ExecContext(ctx, `INSERT INTO defect_registry
		(id, project_id, root_cause, severity, open, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		d.ID, d.ProjectID, d.RootCause, string(d.Severity), boolInt(d.Open), toMillis(d.CreatedAt))
	if isMissingTable(err) {
		return store.ErrRegistryUnavailable
	}
	if err != nil {
		return fmt.Errorf("insert defect: %w", err)
	}
	return nil
}

// ListOpenDefects returns the project's open defects. A database without
// the defect_registry table reports store.ErrRegistryUnavailable.
func (s *Store) ListOpenDefects(ctx context.Context, projectID string) ([]*model.Defect, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, project_id, root_cause, severity, open, created_at
		FROM defect_registry WHERE project_id = ? AND open = 1 ORDER BY created_at, rowid`, projectID)
	if isMissingTable(err) {
		return nil, store.ErrRegistryUnavailable
	}
	if err != nil {
		return nil, fmt.Errorf("list defects: %w", err)
	}
	defer rows.Close()

	var out []*model.Defect
	for rows.Next() {
		var (
			d         model.Defect
			severity  string
			open      int
			createdAt int64
		)
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.RootCause, &severity, &open, &createdAt); err != nil {
			return nil, fmt.Errorf("scan defect: %w", err)
		}
		d.Severity = model.DefectSeverity(severity)
		d.Open = open != 0
		d.CreatedAt = fromMillis(createdAt)
		out = append(out, &d)
	}
	return out, rows.Err()
}

// AddMessage records a conversation message.
func (s *Store) AddMessage(ctx context.Context, m *model.Message) error {
	m.ID = newID(m.ID)
	m.CreatedAt = s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, project_id, role, phase, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.ProjectID, string(m.Role), string(m.Phase), m.Content, toMillis(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// CountMessages counts the project's messages matching f.
func (s *Store) CountMessages(ctx context.Context, projectID string, f model.MessageFilter) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages
		WHERE project_id = ? AND (? = '' OR role = ?) AND (? = '' OR phase = ?)`,
		projectID, string(f.Role), string(f.Role), string(f.Phase), string(f.Phase),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}
