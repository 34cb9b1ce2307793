package statedb

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// RoutingRow mirrors one routing snapshot for readers in other processes.
type RoutingRow struct {
	ProjectPath string
	TargetKind  string
	TargetValue string
	Status      string
	ReasonCode  string
	ComputedAt  time.Time
	Detail      json.RawMessage
}

// SaveRoutingSnapshot replaces the row for row.ProjectPath wholesale. A row
// computed earlier than the stored one is ignored.
func (s *StateDB) SaveRoutingSnapshot(row *RoutingRow) error {
	detail := string(row.Detail)
	if detail == "" {
		detail = "{}"
	}
	_, err := s.db.Exec(`
		INSERT INTO routing_snapshots
			(project_path, target_kind, target_value, status, reason_code, computed_at, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_path) DO UPDATE SET
			target_kind  = excluded.target_kind,
			target_value = excluded.target_value,
			status       = excluded.status,
			reason_code  = excluded.reason_code,
			computed_at  = excluded.computed_at,
			detail       = excluded.detail
		WHERE excluded.computed_at >= routing_snapshots.computed_at
	`, row.ProjectPath, row.TargetKind, row.TargetValue, row.Status, row.ReasonCode,
		toMillis(row.ComputedAt), detail)
	if err != nil {
		return fmt.Errorf("statedb: save routing snapshot: %w", err)
	}
	return nil
}

// LoadRoutingSnapshot returns the row for projectPath, or nil.
func (s *StateDB) LoadRoutingSnapshot(projectPath string) (*RoutingRow, error) {
	row := s.db.QueryRow(`
		SELECT project_path, target_kind, target_value, status, reason_code, computed_at, detail
		FROM routing_snapshots WHERE project_path = ?`, projectPath)
	r, err := scanRouting(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// LoadRoutingSnapshots returns every row ordered by project path.
func (s *StateDB) LoadRoutingSnapshots() ([]*RoutingRow, error) {
	rows, err := s.db.Query(`
		SELECT project_path, target_kind, target_value, status, reason_code, computed_at, detail
		FROM routing_snapshots ORDER BY project_path`)
	if err != nil {
		return nil, fmt.Errorf("statedb: query routing snapshots: %w", err)
	}
	defer rows.Close()

	var result []*RoutingRow
	for rows.Next() {
		r, err := scanRouting(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// DeleteRoutingSnapshot drops the row for projectPath.
func (s *StateDB) DeleteRoutingSnapshot(projectPath string) error {
	_, err := s.db.Exec("DELETE FROM routing_snapshots WHERE project_path = ?", projectPath)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRouting(sc scanner) (*RoutingRow, error) {
	r := &RoutingRow{}
	var computedAt int64
	var detail string
	if err := sc.Scan(&r.ProjectPath, &r.TargetKind, &r.TargetValue, &r.Status, &r.ReasonCode, &computedAt, &detail); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("statedb: scan routing snapshot: %w", err)
	}
	r.ComputedAt = fromMillis(computedAt)
	r.Detail = json.RawMessage(detail)
	return r, nil
}
