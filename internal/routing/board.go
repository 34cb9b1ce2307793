package routing

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/asheshgoplani/agent-hud/internal/statedb"
)

// Board holds the latest snapshot per project for consumers.
type Board struct {
	db *statedb.StateDB

	mu    sync.RWMutex
	snaps map[string]Snapshot

	subscribersMu sync.Mutex
	subscribers   map[chan struct{}]struct{}
}

// NewBoard returns an empty board. A non-nil db receives a copy of every
// published snapshot for readers in other processes.
func NewBoard(db *statedb.StateDB) *Board {
	return &Board{
		db:          db,
		snaps:       make(map[string]Snapshot),
		subscribers: make(map[chan struct{}]struct{}),
	}
}

// Publish replaces the project's snapshot and reports whether the decision
// changed. Subscribers are only signalled on a change.
func (b *Board) Publish(s Snapshot) bool {
	b.mu.Lock()
	prev, had := b.snaps[s.ProjectPath]
	if had && s.ComputedAt.Before(prev.ComputedAt) {
		b.mu.Unlock()
		return false
	}
	b.snaps[s.ProjectPath] = s
	b.mu.Unlock()

	changed := !had || !SameRoute(prev, s)
	if changed {
		routingLog.Info("routing_changed",
			slog.String("project", s.ProjectPath),
			slog.String("kind", string(s.Target.Kind)),
			slog.String("value", s.Target.Value),
			slog.String("status", string(s.Status)),
			slog.String("reason", s.ReasonCode))
	}
	b.mirror(s, changed)
	if changed {
		b.notify()
	}
	return changed
}

func (b *Board) mirror(s Snapshot, changed bool) {
	if b.db == nil {
		return
	}
	if err := b.db.SaveRoutingSnapshot(toRow(s)); err != nil {
		routingLog.Warn("routing_mirror_failed",
			slog.String("project", s.ProjectPath),
			slog.String("error", err.Error()))
		return
	}
	if changed {
		_ = b.db.Touch()
	}
}

// Get returns the snapshot for projectPath.
func (b *Board) Get(projectPath string) (Snapshot, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.snaps[projectPath]
	return s, ok
}

// All returns every snapshot sorted by project path.
func (b *Board) All() []Snapshot {
	b.mu.RLock()
	out := make([]Snapshot, 0, len(b.snaps))
	for _, s := range b.snaps {
		out = append(out, s)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectPath < out[j].ProjectPath })
	return out
}

// Remove drops projectPath from the board and its mirror.
func (b *Board) Remove(projectPath string) {
	b.mu.Lock()
	_, had := b.snaps[projectPath]
	delete(b.snaps, projectPath)
	b.mu.Unlock()
	if !had {
		return
	}
	if b.db != nil {
		_ = b.db.DeleteRoutingSnapshot(projectPath)
	}
	b.notify()
}

// Subscribe returns a channel signalled after each change. Signals coalesce
// while the reader is busy.
func (b *Board) Subscribe() chan struct{} {
	ch := make(chan struct{}, 1)
	b.subscribersMu.Lock()
	b.subscribers[ch] = struct{}{}
	b.subscribersMu.Unlock()
	return ch
}

// Unsubscribe stops and closes ch.
func (b *Board) Unsubscribe(ch chan struct{}) {
	if ch == nil {
		return
	}
	b.subscribersMu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	b.subscribersMu.Unlock()
}

func (b *Board) notify() {
	b.subscribersMu.Lock()
	for ch := range b.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	b.subscribersMu.Unlock()
}
