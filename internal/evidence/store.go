package evidence

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/asheshgoplani/agent-hud/internal/logging"
	"github.com/asheshgoplani/agent-hud/internal/session"
	"github.com/asheshgoplani/agent-hud/internal/statedb"
)

var evidenceLog = logging.ForComponent(logging.CompEvidence)

// Store is the append-only evidence store backed by statedb.
type Store struct {
	db  *statedb.StateDB
	now func() time.Time
}

// NewStore wraps db.
func NewStore(db *statedb.StateDB) *Store {
	return &Store{db: db, now: time.Now}
}

// SetClock replaces time.Now for ingestion and GC timestamps.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// AppendHook journals an accepted event. id identifies the delivery so a
// re-delivered inbox file is not journaled twice; an empty id gets a fresh
// UUID. It reports false when the id was already journaled.
func (s *Store) AppendHook(id string, ev session.HookEvent) (bool, error) {
	if id == "" {
		id = uuid.NewString()
	}
	seq, err := s.db.AppendHookEvent(&statedb.HookEventRow{
		ID:          id,
		ProjectPath: ev.ProjectPath,
		EventType:   string(ev.Type),
		Subtype:     ev.Subtype,
		SessionID:   ev.SessionID,
		ToolName:    ev.ToolName,
		Message:     ev.Message,
		EventAt:     ev.Timestamp,
		ReceivedAt:  s.now(),
		Payload:     ev.Payload,
	})
	if err != nil {
		return false, err
	}
	return seq != 0, nil
}

// Journal returns journaled events for projectPath in arrival order.
func (s *Store) Journal(projectPath string, limit int) ([]session.HookEvent, error) {
	rows, err := s.db.HookEvents(projectPath, limit)
	if err != nil {
		return nil, err
	}
	out := make([]session.HookEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, session.HookEvent{
			Type:        session.EventType(r.EventType),
			Subtype:     r.Subtype,
			ProjectPath: r.ProjectPath,
			Timestamp:   r.EventAt,
			SessionID:   r.SessionID,
			ToolName:    r.ToolName,
			Message:     r.Message,
			Payload:     r.Payload,
		})
	}
	return out, nil
}

// RecordShell overwrites the heartbeat for (tty, pid).
func (s *Store) RecordShell(rec ShellRecord) error {
	if err := s.db.UpsertTelemetry(&statedb.TelemetryRow{
		TTY:         rec.TTY,
		PID:         rec.PID,
		ParentApp:   rec.ParentAppName,
		TmuxSession: rec.TmuxSessionName,
		ProjectPath: rec.ProjectPath,
		LastSeen:    rec.LastSeenAt,
	}); err != nil {
		return err
	}
	logging.Aggregate(logging.CompEvidence, "shell_heartbeat", slog.String("tty", rec.TTY))
	return nil
}

// ShellRecords returns heartbeats for projectPath and its subdirectories.
func (s *Store) ShellRecords(projectPath string) ([]ShellRecord, error) {
	rows, err := s.db.TelemetryForProject(projectPath)
	if err != nil {
		return nil, err
	}
	return toShellRecords(rows), nil
}

// AllShellRecords returns every stored heartbeat.
func (s *Store) AllShellRecords() ([]ShellRecord, error) {
	rows, err := s.db.AllTelemetry()
	if err != nil {
		return nil, err
	}
	return toShellRecords(rows), nil
}

func toShellRecords(rows []*statedb.TelemetryRow) []ShellRecord {
	out := make([]ShellRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, ShellRecord{
			TTY:             r.TTY,
			PID:             r.PID,
			ParentAppName:   r.ParentApp,
			TmuxSessionName: r.TmuxSession,
			ProjectPath:     r.ProjectPath,
			LastSeenAt:      r.LastSeen,
		})
	}
	return out
}

// Maintain drops heartbeats older than gcAfter and trims the journal to
// keep events.
func (s *Store) Maintain(gcAfter time.Duration, keep int) error {
	gone, err := s.db.DeleteTelemetryBefore(s.now().Add(-gcAfter))
	if err != nil {
		return fmt.Errorf("telemetry gc: %w", err)
	}
	pruned, err := s.db.PruneHookEvents(keep)
	if err != nil {
		return fmt.Errorf("journal prune: %w", err)
	}
	if gone > 0 || pruned > 0 {
		evidenceLog.Info("evidence_maintenance",
			slog.Int64("telemetry_removed", gone),
			slog.Int64("journal_pruned", pruned))
	}
	return nil
}
