package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/peoplemerit/pmerit-technologies-sub002/internal/model"
	"github.com/peoplemerit/pmerit-technologies-sub002/internal/store"
)

// setGateSQL maps each gate to a fixed UPDATE statement. Gate ids never
// reach the SQL text.
var setGateSQL = map[model.GateID]string{
	model.GateLicense:      `UPDATE project_gates SET gate_license = ? WHERE project_id = ?`,
	model.GateDisclaimer:   `UPDATE project_gates SET gate_disclaimer = ? WHERE project_id = ?`,
	model.GateEnvironment:  `UPDATE project_gates SET gate_environment = ? WHERE project_id = ?`,
	model.GateFolder:       `UPDATE project_gates SET gate_folder = ? WHERE project_id = ?`,
	model.GateBlueprint:    `UPDATE project_gates SET gate_blueprint = ? WHERE project_id = ?`,
	model.GateIntegrity:    `UPDATE project_gates SET gate_integrity = ? WHERE project_id = ?`,
	model.GatePreExecution: `UPDATE project_gates SET gate_pre_execution = ? WHERE project_id = ?`,
	model.GateValidation:   `UPDATE project_gates SET gate_validation = ? WHERE project_id = ?`,
	model.GateVerification: `UPDATE project_gates SET gate_verification = ? WHERE project_id = ?`,
}

// gateColumnOrder lists gates in the column order of the statements below.
var gateColumnOrder = []model.GateID{
	model.GateLicense,
	model.GateDisclaimer,
	model.GateEnvironment,
	model.GateFolder,
	model.GateBlueprint,
	model.GateIntegrity,
	model.GatePreExecution,
	model.GateValidation,
	model.GateVerification,
}

const selectGatesSQL = `SELECT schema_version, gate_license, gate_disclaimer, gate_environment, gate_folder,
	gate_blueprint, gate_integrity, gate_pre_execution, gate_validation, gate_verification
	FROM project_gates WHERE project_id = ?`

const replaceGatesSQL = `UPDATE project_gates SET schema_version = ?, gate_license = ?, gate_disclaimer = ?,
	gate_environment = ?, gate_folder = ?, gate_blueprint = ?, gate_integrity = ?,
	gate_pre_execution = ?, gate_validation = ?, gate_verification = ?
	WHERE project_id = ?`

// GetGateMap loads the project's gate map.
func (s *Store) GetGateMap(ctx context.Context, projectID string) (model.GateMap, error) {
	var (
		version int
		values  = make([]int, len(gateColumnOrder))
	)
	dest := []any{&version}
	for i := range values {
		dest = append(dest, &values[i])
	}
	err := s.db.QueryRowContext(ctx, selectGatesSQL, projectID).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return model.GateMap{}, fmt.Errorf("gate map %s: %w", projectID, store.ErrNotFound)
	}
	if err != nil {
		return model.GateMap{}, fmt.Errorf("get gate map: %w", err)
	}
	m := model.NewGateMap()
	m.SchemaVersion = version
	for i, g := range gateColumnOrder {
		m = m.Set(g, values[i] != 0)
	}
	return m, nil
}

// ReplaceGateMap overwrites every gate column in one statement.
func (s *Store) ReplaceGateMap(ctx context.Context, projectID string, m model.GateMap) error {
	version := m.SchemaVersion
	if version == 0 {
		version = model.GateSchemaVersion
	}
	args := []any{version}
	for _, g := range gateColumnOrder {
		args = append(args, boolInt(m.Get(g)))
	}
	args = append(args, projectID)
	res, err := s.db.ExecContext(ctx, replaceGatesSQL, args...)
	if err != nil {
		return fmt.Errorf("replace gate map: %w", err)
	}
	return requireOne(res, "gate map", projectID)
}

// SetGate updates one gate column.
func (s *Store) SetGate(ctx context.Context, projectID string, gate model.GateID, value bool) error {
	query, ok := setGateSQL[gate]
	if !ok {
		return fmt.Errorf("gate %q: %w", gate, store.ErrNotFound)
	}
	res, err := s.db.ExecContext(ctx, query, boolInt(value), projectID)
	if err != nil {
		return fmt.Errorf("set gate %s: %w", gate, err)
	}
	return requireOne(res, "gate map", projectID)
}
