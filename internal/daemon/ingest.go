package daemon

import (
	"fmt"
	"log/slog"

	"github.com/asheshgoplani/agent-hud/internal/evidence"
	"github.com/asheshgoplani/agent-hud/internal/logging"
	"github.com/asheshgoplani/agent-hud/internal/session"
)

var hookLog = logging.ForComponent(logging.CompHook)

// IngestHook validates, journals and applies one hook payload. id names
// the delivery; a delivery already journaled is not applied again. A
// malformed payload returns an error wrapping evidence.ErrMalformedEvent
// and changes nothing.
func (d *Daemon) IngestHook(id string, data []byte) error {
	ev, err := evidence.DecodeHook(data)
	if err != nil {
		hookLog.Warn("hook_event_rejected",
			slog.String("delivery", id),
			slog.String("error", err.Error()))
		return err
	}

	fresh, err := d.evidence.AppendHook(id, ev)
	switch {
	case err != nil:
		// The journal is an audit trail; the state machine stays authoritative.
		hookLog.Warn("hook_journal_failed",
			slog.String("project", ev.ProjectPath),
			slog.String("error", err.Error()))
	case !fresh:
		hookLog.Debug("hook_event_duplicate", slog.String("delivery", id))
		return nil
	}

	d.machine.RecordEvent(ev)
	return nil
}

// IngestTelemetry validates and stores one shell heartbeat.
func (d *Daemon) IngestTelemetry(data []byte) error {
	rec, err := evidence.DecodeTelemetry(data, d.now())
	if err != nil {
		logging.Aggregate(logging.CompEvidence, "telemetry_rejected", slog.String("error", err.Error()))
		return err
	}
	if err := d.evidence.RecordShell(rec); err != nil {
		return fmt.Errorf("store heartbeat: %w", err)
	}
	return nil
}

// handleInbox routes an inbox file to its ingester.
func (d *Daemon) handleInbox(kind evidence.Kind, id string, data []byte) error {
	switch kind {
	case evidence.KindHook:
		return d.IngestHook(id, data)
	case evidence.KindTelemetry:
		return d.IngestTelemetry(data)
	default:
		return fmt.Errorf("%w: unknown inbox kind %q", evidence.ErrMalformedEvent, kind)
	}
}

// Replay rebuilds projectPath's record from the journal on a fresh machine
// and returns it with the number of state changes the replay produced.
func (d *Daemon) Replay(projectPath string) (session.Record, int, error) {
	path := session.NormalizePath(projectPath)
	events, err := d.evidence.Journal(path, 0)
	if err != nil {
		return session.Record{}, 0, err
	}
	m := session.NewMachine(session.WithClock(d.now))
	changes := 0
	for _, ev := range events {
		if _, transitioned := m.RecordEvent(ev); transitioned {
			changes++
		}
	}
	rec, _ := m.Get(path)
	return rec, changes, nil
}
