package statedb

import (
	"fmt"
	"strings"
	"time"
)

// TelemetryRow is the last heartbeat seen from one shell process.
type TelemetryRow struct {
	TTY         string
	PID         int
	ParentApp   string
	TmuxSession string
	ProjectPath string
	LastSeen    time.Time
}

// UpsertTelemetry overwrites the row keyed by (tty, pid). An older
// heartbeat never replaces a newer one.
func (s *StateDB) UpsertTelemetry(row *TelemetryRow) error {
	_, err := s.db.Exec(`
		INSERT INTO shell_telemetry (tty, pid, parent_app, tmux_session, project_path, last_seen)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tty, pid) DO UPDATE SET
			parent_app   = excluded.parent_app,
			tmux_session = excluded.tmux_session,
			project_path = excluded.project_path,
			last_seen    = excluded.last_seen
		WHERE excluded.last_seen >= shell_telemetry.last_seen
	`, row.TTY, row.PID, row.ParentApp, row.TmuxSession, row.ProjectPath, toMillis(row.LastSeen))
	if err != nil {
		return fmt.Errorf("statedb: upsert telemetry: %w", err)
	}
	return nil
}

// TelemetryForProject returns rows whose project path is projectPath or a
// directory below it, ordered by tty then pid.
func (s *StateDB) TelemetryForProject(projectPath string) ([]*TelemetryRow, error) {
	prefix := strings.TrimSuffix(projectPath, "/") + "/"
	return s.queryTelemetry(
		"WHERE project_path = ? OR substr(project_path, 1, ?) = ?",
		projectPath, len(prefix), prefix,
	)
}

// AllTelemetry returns every row ordered by tty then pid.
func (s *StateDB) AllTelemetry() ([]*TelemetryRow, error) {
	return s.queryTelemetry("")
}

func (s *StateDB) queryTelemetry(where string, args ...any) ([]*TelemetryRow, error) {
	rows, err := s.db.Query(`
		SELECT tty, pid, parent_app, tmux_session, project_path, last_seen
		FROM shell_telemetry `+where+`
		ORDER BY tty, pid`, args...)
	if err != nil {
		return nil, fmt.Errorf("statedb: query telemetry: %w", err)
	}
	defer rows.Close()

	var result []*TelemetryRow
	for rows.Next() {
		r := &TelemetryRow{}
		var lastSeen int64
		if err := rows.Scan(&r.TTY, &r.PID, &r.ParentApp, &r.TmuxSession, &r.ProjectPath, &lastSeen); err != nil {
			return nil, fmt.Errorf("statedb: scan telemetry: %w", err)
		}
		r.LastSeen = fromMillis(lastSeen)
		result = append(result, r)
	}
	return result, rows.Err()
}

// DeleteTelemetryBefore removes rows last seen before cutoff and returns how
// many were deleted.
func (s *StateDB) DeleteTelemetryBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM shell_telemetry WHERE last_seen < ?", toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("statedb: gc telemetry: %w", err)
	}
	return res.RowsAffected()
}
