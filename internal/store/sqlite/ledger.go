package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/peoplemerit/pmerit-technologies-sub002/internal/model"
)

const defaultListLimit = 100

func listLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}

func rawOrEmpty(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	return string(raw)
}

func rawFrom(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

// AppendDecision appends a decision-ledger row.
func (s *Store) AppendDecision(ctx context.Context, e *model.DecisionEntry) error {
	e.ID = newID(e.ID)
	e.CreatedAt = s.now()
	_, err := s.db.ExecContext(ctx, `INSERT INTO decision_ledger
		(id, project_id, actor, kind, phase, target_phase, outcome, rationale, snapshot_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProjectID, e.Actor, string(e.Kind), string(e.Phase), string(e.TargetPhase),
		e.Outcome, e.Rationale, rawOrEmpty(e.Snapshot), toMillis(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("append decision: %w", err)
	}
	return nil
}

// ListDecisions returns the most recent decisions first.
func (s *Store) ListDecisions(ctx context.Context, projectID string, limit int) ([]*model.DecisionEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, project_id, actor, kind, phase, target_phase, outcome,
		rationale, snapshot_json, created_at
		FROM decision_ledger WHERE project_id = ? ORDER BY seq DESC LIMIT ?`, projectID, listLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []*model.DecisionEntry
	for rows.Next() {
		var (
			e                         model.DecisionEntry
			kind, phase, target, snap string
			createdAt                 int64
		)
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Actor, &kind, &phase, &target, &e.Outcome,
			&e.Rationale, &snap, &createdAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		e.Kind = model.DecisionKind(kind)
		e.Phase = model.Phase(phase)
		e.TargetPhase = model.Phase(target)
		e.Snapshot = rawFrom(snap)
		e.CreatedAt = fromMillis(createdAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// AppendWUAudit appends a WU-audit row.
func (s *Store) AppendWUAudit(ctx context.Context, e *model.WUAuditEntry) error {
	e.ID = newID(e.ID)
	e.CreatedAt = s.now()
	_, err := s.db.ExecContext(ctx, `INSERT INTO wu_audit_log
		(id, project_id, scope_id, actor, action, amount, before_json, after_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProjectID, e.ScopeID, e.Actor, string(e.Action), e.Amount,
		rawOrEmpty(e.Before), rawOrEmpty(e.After), toMillis(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("append wu audit: %w", err)
	}
	return nil
}

// ListWUAudit returns the most recent WU-audit rows first.
func (s *Store) ListWUAudit(ctx context.Context, projectID string, limit int) ([]*model.WUAuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, project_id, scope_id, actor, action, amount,
		before_json, after_json, created_at
		FROM wu_audit_log WHERE project_id = ? ORDER BY seq DESC LIMIT ?`, projectID, listLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list wu audit: %w", err)
	}
	defer rows.Close()

	var out []*model.WUAuditEntry
	for rows.Next() {
		var (
			e                     model.WUAuditEntry
			action, before, after string
			createdAt             int64
		)
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.ScopeID, &e.Actor, &action, &e.Amount,
			&before, &after, &createdAt); err != nil {
			return nil, fmt.Errorf("scan wu audit: %w", err)
		}
		e.Action = model.WUAction(action)
		e.Before, e.After = rawFrom(before), rawFrom(after)
		e.CreatedAt = fromMillis(createdAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// AppendEscalation appends an escalation-log row.
func (s *Store) AppendEscalation(ctx context.Context, e *model.EscalationEvent) error {
	e.ID = newID(e.ID)
	e.CreatedAt = s.now()
	actions, err := json.Marshal(nonNil(e.AutoActions))
	if err != nil {
		return fmt.Errorf("encode auto actions: %w", err)
	}
	flipped, err := json.Marshal(nonNil(e.GatesFlipped))
	if err != nil {
		return fmt.Errorf("encode flipped gates: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO escalation_log
		(id, project_id, actor, from_level, to_level, project_r, auto_actions_json, gates_flipped_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProjectID, e.Actor, string(e.FromLevel), string(e.ToLevel), e.ProjectR,
		string(actions), string(flipped), toMillis(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("append escalation: %w", err)
	}
	return nil
}

// ListEscalations returns the most recent escalation rows first.
func (s *Store) ListEscalations(ctx context.Context, projectID string, limit int) ([]*model.EscalationEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, project_id, actor, from_level, to_level, project_r,
		auto_actions_json, gates_flipped_json, created_at
		FROM escalation_log WHERE project_id = ? ORDER BY seq DESC LIMIT ?`, projectID, listLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list escalations: %w", err)
	}
	defer rows.Close()

	var out []*model.EscalationEvent
	for rows.Next() {
		var (
			e                          model.EscalationEvent
			from, to, actions, flipped string
			createdAt                  int64
		)
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Actor, &from, &to, &e.ProjectR,
			&actions, &flipped, &createdAt); err != nil {
			return nil, fmt.Errorf("scan escalation: %w", err)
		}
		if err := json.Unmarshal([]byte(actions), &e.AutoActions); err != nil {
			return nil, fmt.Errorf("decode auto actions: %w", err)
		}
		if err := json.Unmarshal([]byte(flipped), &e.GatesFlipped); err != nil {
			return nil, fmt.Errorf("decode flipped gates: %w", err)
		}
		e.FromLevel, e.ToLevel = model.Level(from), model.Level(to)
		e.CreatedAt = fromMillis(createdAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
