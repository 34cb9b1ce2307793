// Package daemon owns the running agent-hud process: it builds every
// component from one Config, feeds hook events and heartbeats into them,
// and runs the scheduled tasks (routing polls, persistence, maintenance).
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"github.com/asheshgoplani/agent-hud/internal/config"
	"github.com/asheshgoplani/agent-hud/internal/evidence"
	"github.com/asheshgoplani/agent-hud/internal/logging"
	"github.com/asheshgoplani/agent-hud/internal/procinfo"
	"github.com/asheshgoplani/agent-hud/internal/routing"
	"github.com/asheshgoplani/agent-hud/internal/session"
	"github.com/asheshgoplani/agent-hud/internal/staleness"
	"github.com/asheshgoplani/agent-hud/internal/statedb"
	"github.com/asheshgoplani/agent-hud/internal/tmux"
	"github.com/asheshgoplani/agent-hud/internal/web"
)

var daemonLog = logging.ForComponent(logging.CompDaemon)

// AliveTimeout is how long a silent daemon counts as alive.
const AliveTimeout = 30 * time.Second

const (
	heartbeatInterval = 5 * time.Second
	persistDelay      = 250 * time.Millisecond
)

// Option customizes a Daemon. Used by tests to fake external processes.
type Option func(*options)

type options struct {
	runner    tmux.Runner
	inspector procinfo.Inspector
	now       func() time.Time
}

// WithTmuxRunner replaces the tmux subprocess runner.
func WithTmuxRunner(r tmux.Runner) Option {
	return func(o *options) { o.runner = r }
}

// WithInspector replaces the process inspector.
func WithInspector(i procinfo.Inspector) Option {
	return func(o *options) { o.inspector = i }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Daemon is the explicit context shared by every component. Nothing in it
// is global.
type Daemon struct {
	cfg    config.Config
	policy staleness.Policy
	now    func() time.Time

	db       *statedb.StateDB
	store    *session.Store
	machine  *session.Machine
	evidence *evidence.Store
	tmux     *tmux.Client
	resolver *routing.Resolver
	board    *routing.Board
	web      *web.Server

	dirty   chan struct{}
	pending atomic.Bool
}

// New opens the data directory and builds every component. A corrupt state
// store is logged and replaced by an empty one.
func New(cfg config.Config, opts ...Option) (*Daemon, error) {
	o := options{inspector: procinfo.System{}, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	db, err := statedb.Open(cfg.DBPath())
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	db.SetClock(o.now)

	d := &Daemon{
		cfg: cfg,
		policy: staleness.Policy{
			ReadyStaleAfter:      cfg.Staleness.ReadyStaleAfter.Duration,
			TelemetryFreshWithin: cfg.Staleness.TelemetryFreshWithin.Duration,
		},
		now:      o.now,
		db:       db,
		store:    session.NewStore(cfg.StatePath()),
		evidence: evidence.NewStore(db),
		board:    routing.NewBoard(db),
		dirty:    make(chan struct{}, 1),
	}
	d.evidence.SetClock(o.now)
	d.machine = session.NewMachine(
		session.WithClock(o.now),
		session.WithOnChange(d.recordChanged),
	)

	recs, err := d.store.Load()
	if err != nil {
		daemonLog.Warn("state_store_unreadable",
			slog.String("path", d.store.Path()),
			slog.String("error", err.Error()))
	}
	d.machine.Load(recs)

	d.tmux = tmux.New(tmux.Config{
		Binary:  cfg.Tmux.Binary,
		Timeout: cfg.Tmux.QueryTimeout.Duration,
		Sockets: cfg.Tmux.Sockets,
	}, o.runner)
	d.resolver = routing.NewResolver(routing.Config{
		Tmux:      d.tmux,
		Shells:    d.evidence,
		Inspector: o.inspector,
		Policy:    d.policy,
		Projects:  d.Projects,
		Now:       o.now,
	})

	if cfg.Daemon.ListenAddr != "" {
		d.web = web.NewServer(web.Config{
			ListenAddr: cfg.Daemon.ListenAddr,
			Token:      cfg.Daemon.Token,
			IngestRate: cfg.Daemon.IngestRate,
			Policy:     d.policy,
			Backend:    d,
			Now:        o.now,
		})
	}
	return d, nil
}

// Close flushes pending state and closes the database.
func (d *Daemon) Close() error {
	d.flush()
	return d.db.Close()
}

// Config returns the configuration the daemon was built from.
func (d *Daemon) Config() config.Config { return d.cfg }

// Records returns every session record sorted by project path.
func (d *Daemon) Records() []session.Record { return d.machine.All() }

// Record returns one project's session record.
func (d *Daemon) Record(projectPath string) (session.Record, bool) {
	return d.machine.Get(session.NormalizePath(projectPath))
}

// Shells returns every stored shell heartbeat.
func (d *Daemon) Shells() ([]evidence.ShellRecord, error) { return d.evidence.AllShellRecords() }

// RoutingSnapshots returns the latest published snapshot of every project.
func (d *Daemon) RoutingSnapshots() []routing.Snapshot { return d.board.All() }

// Route resolves projectPath now. Known projects also get the result
// published to the feed.
func (d *Daemon) Route(ctx context.Context, projectPath string) (routing.Snapshot, error) {
	snap, err := d.resolver.Snapshot(ctx, projectPath)
	if err != nil {
		return routing.Snapshot{}, err
	}
	for _, p := range d.Projects() {
		if p == snap.ProjectPath {
			d.board.Publish(snap)
			break
		}
	}
	return snap, nil
}

// Projects lists every project seen in a hook event or configured
// explicitly, sorted.
func (d *Daemon) Projects() []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range d.machine.Projects() {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, p := range d.cfg.Daemon.Projects {
		if p = session.NormalizePath(p); p != "" && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// recordChanged runs after every applied hook event.
func (d *Daemon) recordChanged(_ session.Record, _ bool) {
	d.markDirty()
	if d.web != nil {
		d.web.NotifyChanged()
	}
}

func (d *Daemon) markDirty() {
	d.pending.Store(true)
	select {
	case d.dirty <- struct{}{}:
	default:
	}
}

// flush writes the state store if anything changed since the last write.
func (d *Daemon) flush() {
	if !d.pending.Swap(false) {
		return
	}
	if err := d.store.Save(d.machine.Snapshot()); err != nil {
		d.pending.Store(true)
		daemonLog.Error("state_store_write_failed",
			slog.String("path", d.store.Path()),
			slog.String("error", err.Error()))
	}
}
