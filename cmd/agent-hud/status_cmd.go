package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/asheshgoplani/agent-hud/internal/config"
	"github.com/asheshgoplani/agent-hud/internal/daemon"
	"github.com/asheshgoplani/agent-hud/internal/routing"
	"github.com/asheshgoplani/agent-hud/internal/session"
	"github.com/asheshgoplani/agent-hud/internal/staleness"
)

// routesPollInterval is how often `status --watch` checks the database for
// routing changes. State changes arrive through the file watcher.
var routesPollInterval = time.Second

// statusRow is one project as shown by `agent-hud status`.
type statusRow struct {
	session.Record
	Stale bool              `json:"stale"`
	Route *routing.Snapshot `json:"route,omitempty"`
}

func handleStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	jsonFlag := fs.Bool("json", false, "Output as JSON")
	watch := fs.Bool("watch", false, "Re-print whenever the state store changes")

	fs.Usage = func() {
		fmt.Println("Usage: agent-hud status [--json] [--watch]")
		fmt.Println()
		fmt.Println("Show the state and route of every known project.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}

	cfg := mustLoadConfig()
	asJSON := jsonOutput(*jsonFlag)
	store := session.NewStore(cfg.StatePath())
	if !asJSON && !daemonAlive(cfg) {
		fmt.Fprintln(os.Stderr, "Warning: daemon not running, states and routes may be out of date (start it with 'agent-hud daemon')")
	}

	if *watch {
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		if err := watchStatus(ctx, cfg, store, asJSON, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	recs, err := store.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to read state store: %v\n", err)
		os.Exit(1)
	}
	if err := printStatus(os.Stdout, statusRows(recs, loadRoutes(cfg), policyFor(cfg), time.Now()), asJSON); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// watchStatus re-prints on every state store change and whenever the daemon
// publishes a routing change.
func watchStatus(ctx context.Context, cfg config.Config, store *session.Store, asJSON bool, w io.Writer) error {
	if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
		return err
	}
	policy := policyFor(cfg)
	var mu sync.Mutex
	render := func(recs map[string]session.Record) {
		mu.Lock()
		defer mu.Unlock()
		if !asJSON {
			fmt.Fprintf(w, "\n--- %s ---\n", time.Now().Format(time.TimeOnly))
		}
		_ = printStatus(w, statusRows(recs, loadRoutes(cfg), policy, time.Now()), asJSON)
	}
	watcher, err := session.NewStoreWatcher(store, render)
	if err != nil {
		return fmt.Errorf("watch state store: %w", err)
	}
	done := make(chan struct{})
	go func() {
		watcher.Run(ctx)
		close(done)
	}()

	last := routesVersion(cfg)
	ticker := time.NewTicker(routesPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			<-done
			return nil
		case <-ticker.C:
			v := routesVersion(cfg)
			if v == last {
				continue
			}
			last = v
			recs, err := store.Load()
			if err != nil {
				continue
			}
			render(recs)
		}
	}
}

// routesVersion returns the time of the daemon's last routing change, or 0.
func routesVersion(cfg config.Config) int64 {
	db, err := openStateDB(cfg)
	if err != nil || db == nil {
		return 0
	}
	defer db.Close()
	v, _ := db.LastModified()
	return v
}

// daemonAlive reports whether a daemon heartbeated recently.
func daemonAlive(cfg config.Config) bool {
	db, err := openStateDB(cfg)
	if err != nil || db == nil {
		return false
	}
	defer db.Close()
	n, err := db.AliveDaemonCount(daemon.AliveTimeout)
	return err == nil && n > 0
}

// statusRows joins records with their routes, flags stale records and sorts
// by project path. The records are not modified.
func statusRows(recs map[string]session.Record, routes map[string]routing.Snapshot, policy staleness.Policy, now time.Time) []statusRow {
	rows := make([]statusRow, 0, len(recs))
	for path, rec := range recs {
		row := statusRow{
			Record: rec,
			Stale:  policy.RecordStale(string(rec.State), rec.StateChangedAt, now),
		}
		if snap, ok := routes[path]; ok {
			row.Route = &snap
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ProjectPath < rows[j].ProjectPath })
	return rows
}

func printStatus(w io.Writer, rows []statusRow, asJSON bool) error {
	if asJSON {
		return printJSON(w, rows)
	}
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, "No projects yet. Run 'agent-hud hooks install' and start an agent.")
		return err
	}

	now := time.Now()
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PROJECT\tSTATE\tSINCE\tROUTE\tREASON")
	for _, r := range rows {
		state := string(r.State)
		if r.Blocker != "" {
			state += " (" + r.Blocker + ")"
		}
		if r.Stale {
			state += " [stale]"
		}
		route, reason := "-", "-"
		if r.Route != nil {
			route = describeTarget(*r.Route)
			reason = r.Route.ReasonCode
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ProjectPath, state, formatAge(r.StateChangedAt, now), route, reason)
	}
	return tw.Flush()
}

// describeTarget renders a route target for humans.
func describeTarget(s routing.Snapshot) string {
	if !s.Target.Known() {
		return "unknown"
	}
	out := fmt.Sprintf("%s %s", s.Target.Kind, s.Target.Value)
	if s.Status != "" {
		out += " (" + string(s.Status) + ")"
	}
	return out
}
