package statedb

import (
	"encoding/json"
	"fmt"
	"time"
)

// HookEventRow is one accepted hook event in the journal.
type HookEventRow struct {
	Seq         int64
	ID          string
	ProjectPath string
	EventType   string
	Subtype     string
	SessionID   string
	ToolName    string
	Message     string
	EventAt     time.Time // zero when the hook carried no timestamp
	ReceivedAt  time.Time
	Payload     json.RawMessage
}

// AppendHookEvent adds row to the journal and returns its sequence number.
// Appending an ID that is already journaled is a no-op that returns 0.
func (s *StateDB) AppendHookEvent(row *HookEventRow) (int64, error) {
	payload := string(row.Payload)
	if payload == "" {
		payload = "{}"
	}
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO hook_events
			(id, project_path, event_type, subtype, session_id, tool_name, message, event_at, received_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, row.ID, row.ProjectPath, row.EventType, row.Subtype, row.SessionID, row.ToolName,
		row.Message, toMillis(row.EventAt), toMillis(row.ReceivedAt), payload)
	if err != nil {
		return 0, fmt.Errorf("statedb: append hook event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, nil
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("statedb: hook event seq: %w", err)
	}
	row.Seq = seq
	return seq, nil
}

// HookEvents returns the journaled events for projectPath in arrival order.
// An empty projectPath returns every project. limit <= 0 means no limit;
// otherwise the newest limit events are returned, still oldest first.
func (s *StateDB) HookEvents(projectPath string, limit int) ([]*HookEventRow, error) {
	query := `
		SELECT seq, id, project_path, event_type, subtype, session_id, tool_name, message, event_at, received_at, payload
		FROM hook_events`
	var args []any
	if projectPath != "" {
		query += " WHERE project_path = ?"
		args = append(args, projectPath)
	}
	query += " ORDER BY seq DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("statedb: query hook events: %w", err)
	}
	defer rows.Close()

	var result []*HookEventRow
	for rows.Next() {
		r := &HookEventRow{}
		var eventAt, receivedAt int64
		var payload string
		if err := rows.Scan(&r.Seq, &r.ID, &r.ProjectPath, &r.EventType, &r.Subtype, &r.SessionID,
			&r.ToolName, &r.Message, &eventAt, &receivedAt, &payload); err != nil {
			return nil, fmt.Errorf("statedb: scan hook event: %w", err)
		}
		r.EventAt = fromMillis(eventAt)
		r.ReceivedAt = fromMillis(receivedAt)
		r.Payload = json.RawMessage(payload)
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return result, nil
}

// PruneHookEvents keeps only the newest keep events and returns how many
// were deleted.
func (s *StateDB) PruneHookEvents(keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := s.db.Exec(`
		DELETE FROM hook_events
		WHERE seq <= (SELECT seq FROM hook_events ORDER BY seq DESC LIMIT 1 OFFSET ?)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("statedb: prune hook events: %w", err)
	}
	return res.RowsAffected()
}
