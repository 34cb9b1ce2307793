package session

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/asheshgoplani/agent-hud/internal/logging"
)

var stateLog = logging.ForComponent(logging.CompState)

// ChangeFunc is called after a record changes, outside the machine's locks.
type ChangeFunc func(rec Record, transitioned bool)

// Machine owns the authoritative session record of every project.
// Events for one project are applied strictly one at a time; events for
// different projects may be applied concurrently.
type Machine struct {
	keys keyedMutex

	mu      sync.RWMutex
	records map[string]Record

	now      func() time.Time
	onChange ChangeFunc
	log      *slog.Logger
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithClock replaces time.Now for ingestion timestamps.
func WithClock(now func() time.Time) MachineOption {
	return func(m *Machine) { m.now = now }
}

// WithOnChange registers a callback invoked after every applied event.
func WithOnChange(fn ChangeFunc) MachineOption {
	return func(m *Machine) { m.onChange = fn }
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) MachineOption {
	return func(m *Machine) { m.log = l }
}

// NewMachine returns an empty machine.
func NewMachine(opts ...MachineOption) *Machine {
	m := &Machine{
		records: make(map[string]Record),
		now:     time.Now,
		log:     stateLog,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RecordEvent applies ev to its project's record and returns the resulting
// state. transitioned is true only when the state actually changed.
// ev must already be validated; an event without a usable project path or
// with an unknown type is ignored.
func (m *Machine) RecordEvent(ev HookEvent) (State, bool) {
	path := NormalizePath(ev.ProjectPath)
	if path == "" || !ev.Type.Valid() {
		m.log.Warn("event_ignored", slog.String("type", string(ev.Type)), slog.String("project", ev.ProjectPath))
		return StateIdle, false
	}

	unlock := m.keys.Lock(path)
	rec, next, transitioned := m.apply(path, ev)
	unlock()

	if transitioned {
		m.log.Info("state_changed",
			slog.String("project", path),
			slog.String("event", string(ev.Type)),
			slog.String("state", string(next)))
	} else {
		m.log.Debug("event_recorded",
			slog.String("project", path),
			slog.String("event", string(ev.Type)),
			slog.String("state", string(next)))
	}
	if m.onChange != nil {
		m.onChange(rec, transitioned)
	}
	return next, transitioned
}

// apply runs with the project's key held.
func (m *Machine) apply(path string, ev HookEvent) (Record, State, bool) {
	m.mu.RLock()
	rec, ok := m.records[path]
	m.mu.RUnlock()
	if !ok {
		rec = Record{ProjectPath: path, State: StateIdle}
	}

	ingested := m.now()
	firstSight := rec.SessionID == "" || (ev.SessionID != "" && ev.SessionID != rec.SessionID)
	next, _ := Transition(rec.State, ev.Type, ev.Subtype, firstSight)
	transitioned := next != rec.State

	if transitioned {
		rec.StateChangedAt = changeTime(ev.Timestamp, ingested, rec.StateChangedAt)
		if next == StateWaiting {
			rec.Blocker = blockerFor(ev)
		} else {
			rec.Blocker = ""
		}
		rec.State = next
	}

	switch {
	case ev.Type == EventSessionEnd:
		rec.SessionID = ""
	case ev.SessionID != "":
		rec.SessionID = ev.SessionID
	}

	if ts := ev.Timestamp; !ts.IsZero() && ts.After(rec.LastHookEventAt) {
		rec.LastHookEventAt = ts
	} else if ts.IsZero() && ingested.After(rec.LastHookEventAt) {
		rec.LastHookEventAt = ingested
	}

	m.mu.Lock()
	m.records[path] = rec
	m.mu.Unlock()
	return rec, next, transitioned
}

// changeTime picks the event's own timestamp when it keeps stateChangedAt
// monotonic, else the ingestion time, never earlier than prev.
func changeTime(eventAt, ingested, prev time.Time) time.Time {
	if !eventAt.IsZero() && !eventAt.Before(prev) {
		return eventAt
	}
	if ingested.Before(prev) {
		return prev
	}
	return ingested
}

func blockerFor(ev HookEvent) string {
	if ev.Message != "" {
		return ev.Message
	}
	if ev.ToolName != "" {
		return "permission requested: " + ev.ToolName
	}
	return "permission requested"
}

// Get returns a copy of the record for path.
func (m *Machine) Get(path string) (Record, bool) {
	path = NormalizePath(path)
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[path]
	return rec, ok
}

// All returns copies of every record sorted by project path.
func (m *Machine) All() []Record {
	m.mu.RLock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectPath < out[j].ProjectPath })
	return out
}

// Snapshot returns a copy of the record map, keyed by project path.
func (m *Machine) Snapshot() map[string]Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Record, len(m.records))
	for k, v := range m.records {
		out[k] = v
	}
	return out
}

// Load replaces every record with recs. Records with an invalid path or
// state are dropped.
func (m *Machine) Load(recs map[string]Record) {
	clean := make(map[string]Record, len(recs))
	for key, rec := range recs {
		path := NormalizePath(key)
		if path == "" || !rec.State.Valid() {
			m.log.Warn("record_dropped", slog.String("project", key), slog.String("state", string(rec.State)))
			continue
		}
		rec.ProjectPath = path
		clean[path] = rec
	}
	m.mu.Lock()
	m.records = clean
	m.mu.Unlock()
}

// Projects returns the known project paths, sorted.
func (m *Machine) Projects() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.records))
	for path := range m.records {
		out = append(out, path)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}
