package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/asheshgoplani/agent-hud/internal/evidence"
	"github.com/asheshgoplani/agent-hud/internal/logging"
)

// Run serves until ctx is cancelled. It returns statedb.ErrDaemonRunning
// when another daemon already owns the data directory.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.acquire(); err != nil {
		return err
	}
	defer d.release()

	inbox, err := evidence.NewInboxWatcher(d.cfg.InboxDir(), d.handleInbox)
	if err != nil {
		return fmt.Errorf("watch inbox: %w", err)
	}

	daemonLog.Info("daemon_started",
		slog.String("home", d.cfg.Home),
		slog.Int("projects", len(d.Projects())),
		slog.String("config", d.cfg.String()))

	g, gctx := errgroup.WithContext(ctx)
	d.spawn(g, "inbox", func() error {
		inbox.Run(gctx)
		return nil
	})
	d.spawn(g, "heartbeat", func() error { return d.runHeartbeat(gctx) })
	d.spawn(g, "routing", func() error { return d.runRoutingLoop(gctx) })
	d.spawn(g, "persister", func() error { return d.runPersister(gctx) })
	d.spawn(g, "maintenance", func() error { return d.runMaintenance(gctx) })
	if d.web != nil {
		d.spawn(g, "web", func() error { return d.runWeb(gctx) })
	}

	err = g.Wait()
	d.flush()
	daemonLog.Info("daemon_stopped")
	return err
}

// RunOnce drains the inbox, resolves every project once and writes the
// state store. Used by `agent-hud daemon --once`. Like Run it refuses to
// touch the data directory while another daemon owns it.
func (d *Daemon) RunOnce(ctx context.Context) error {
	if err := d.acquire(); err != nil {
		return err
	}
	defer d.release()

	inbox, err := evidence.NewInboxWatcher(d.cfg.InboxDir(), d.handleInbox)
	if err != nil {
		return fmt.Errorf("watch inbox: %w", err)
	}
	defer inbox.Close()
	inbox.Scan()
	d.routingPass(ctx)
	d.flush()
	return ctx.Err()
}

func (d *Daemon) acquire() error {
	return d.db.AcquireDaemon(AliveTimeout)
}

func (d *Daemon) release() {
	if err := d.db.ReleaseDaemon(); err != nil {
		daemonLog.Warn("daemon_release_failed", slog.String("error", err.Error()))
	}
}

// spawn runs fn in g. A panic is logged, dumped to the crash log and turned
// into an error that stops the daemon.
func (d *Daemon) spawn(g *errgroup.Group, name string, fn func() error) {
	g.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				daemonLog.Error("task_panicked",
					slog.String("task", name),
					slog.String("panic", fmt.Sprintf("%v", r)),
					slog.String("stack", string(debug.Stack())))
				if dumpErr := logging.DumpRingBuffer(d.cfg.CrashDumpPath()); dumpErr != nil {
					daemonLog.Error("crash_dump_failed", slog.String("error", dumpErr.Error()))
				}
				err = fmt.Errorf("%s panicked: %v", name, r)
			}
		}()
		return fn()
	})
}

func (d *Daemon) runHeartbeat(ctx context.Context) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := d.db.Heartbeat(); err != nil {
				daemonLog.Warn("heartbeat_failed", slog.String("error", err.Error()))
			}
		}
	}
}

// runRoutingLoop recomputes every project's snapshot each poll interval and
// forwards board changes to the web feed.
func (d *Daemon) runRoutingLoop(ctx context.Context) error {
	changes := d.board.Subscribe()
	defer d.board.Unsubscribe(changes)

	d.routingPass(ctx)
	ticker := time.NewTicker(d.cfg.Daemon.PollInterval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.routingPass(ctx)
		case <-changes:
			if d.web != nil {
				d.web.NotifyChanged()
			}
		}
	}
}

// routingPass resolves all known projects concurrently. A computation cut
// short by cancellation publishes nothing. Projects no longer known are
// dropped from the board.
func (d *Daemon) routingPass(ctx context.Context) {
	d.tmux.Invalidate()
	projects := d.Projects()
	d.pruneRoutes(projects)

	var g errgroup.Group
	g.SetLimit(d.cfg.Daemon.Concurrency)
	for _, path := range projects {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			snap, err := d.resolver.Snapshot(ctx, path)
			if err != nil {
				if ctx.Err() == nil {
					daemonLog.Warn("routing_failed",
						slog.String("project", path),
						slog.String("error", err.Error()))
				}
				return nil
			}
			d.board.Publish(snap)
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Daemon) pruneRoutes(projects []string) {
	known := make(map[string]bool, len(projects))
	for _, p := range projects {
		known[p] = true
	}
	for _, snap := range d.board.All() {
		if known[snap.ProjectPath] {
			continue
		}
		d.board.Remove(snap.ProjectPath)
		d.resolver.Forget(snap.ProjectPath)
		daemonLog.Info("routing_pruned", slog.String("project", snap.ProjectPath))
	}
}

// runPersister coalesces state store writes to at most one per persistDelay
// and flushes once more on shutdown.
func (d *Daemon) runPersister(ctx context.Context) error {
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			d.flush()
			return nil
		case <-d.dirty:
			if pending == nil {
				pending = time.After(persistDelay)
			}
		case <-pending:
			pending = nil
			d.flush()
		}
	}
}

func (d *Daemon) runMaintenance(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Daemon.MaintenanceInterval.Duration)
	defer ticker.Stop()
	for {
		d.maintain()
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (d *Daemon) maintain() {
	if err := d.evidence.Maintain(d.cfg.Staleness.TelemetryGCAfter.Duration, d.cfg.Daemon.JournalKeep); err != nil {
		daemonLog.Warn("maintenance_failed", slog.String("error", err.Error()))
	}
	if err := d.db.CleanDeadDaemons(AliveTimeout); err != nil {
		daemonLog.Warn("heartbeat_cleanup_failed", slog.String("error", err.Error()))
	}
}

func (d *Daemon) runWeb(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- d.web.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("web server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := d.web.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		daemonLog.Warn("web_shutdown_failed", slog.String("error", err.Error()))
	}
	return <-errCh
}
