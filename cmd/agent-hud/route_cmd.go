package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/asheshgoplani/agent-hud/internal/config"
	"github.com/asheshgoplani/agent-hud/internal/evidence"
	"github.com/asheshgoplani/agent-hud/internal/procinfo"
	"github.com/asheshgoplani/agent-hud/internal/routing"
	"github.com/asheshgoplani/agent-hud/internal/session"
	"github.com/asheshgoplani/agent-hud/internal/statedb"
	"github.com/asheshgoplani/agent-hud/internal/tmux"
)

func handleRoute(args []string) {
	fs := flag.NewFlagSet("route", flag.ExitOnError)
	jsonFlag := fs.Bool("json", false, "Output as JSON")
	live := fs.Bool("live", false, "Resolve now instead of reading the daemon's last snapshot")

	fs.Usage = func() {
		fmt.Println("Usage: agent-hud route <project-path> [--json] [--live]")
		fmt.Println()
		fmt.Println("Show the terminal target a project's session should be routed to.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}

	path, err := projectArg(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	cfg := mustLoadConfig()
	snap, found := routing.Snapshot{}, false
	if !*live {
		snap, found, err = storedRoute(cfg, path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}
	if !found {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		snap, err = resolveNow(ctx, cfg, path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	if jsonOutput(*jsonFlag) {
		err = printJSON(os.Stdout, snap)
	} else {
		err = printRoute(os.Stdout, snap, time.Now())
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// projectArg turns a command-line path into a normalized project path.
func projectArg(arg string) (string, error) {
	if strings.HasPrefix(arg, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		arg = filepath.Join(home, arg[2:])
	}
	abs, err := filepath.Abs(arg)
	if err != nil {
		return "", err
	}
	return session.NormalizePath(abs), nil
}

// openStateDB opens the daemon database, or returns nil when the daemon has
// never run.
func openStateDB(cfg config.Config) (*statedb.StateDB, error) {
	if _, err := os.Stat(cfg.DBPath()); os.IsNotExist(err) {
		return nil, nil
	}
	db, err := statedb.Open(cfg.DBPath())
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// storedRoute reads the snapshot the daemon last published for path.
func storedRoute(cfg config.Config, path string) (routing.Snapshot, bool, error) {
	db, err := openStateDB(cfg)
	if err != nil || db == nil {
		return routing.Snapshot{}, false, err
	}
	defer db.Close()

	row, err := db.LoadRoutingSnapshot(path)
	if err != nil || row == nil {
		return routing.Snapshot{}, false, err
	}
	return routing.FromRow(row), true, nil
}

// loadRoutes returns every published snapshot keyed by project. Errors
// leave the map empty: routes are an annotation in status output.
func loadRoutes(cfg config.Config) map[string]routing.Snapshot {
	out := make(map[string]routing.Snapshot)
	db, err := openStateDB(cfg)
	if err != nil || db == nil {
		return out
	}
	defer db.Close()

	rows, err := db.LoadRoutingSnapshots()
	if err != nil {
		return out
	}
	for _, row := range rows {
		out[row.ProjectPath] = routing.FromRow(row)
	}
	return out
}

// resolveNow computes a snapshot in this process from tmux and whatever
// shell telemetry the daemon has stored.
func resolveNow(ctx context.Context, cfg config.Config, path string) (routing.Snapshot, error) {
	var shells routing.ShellSource
	db, err := openStateDB(cfg)
	if err != nil {
		return routing.Snapshot{}, err
	}
	if db != nil {
		defer db.Close()
		shells = evidence.NewStore(db)
	}

	resolver := routing.NewResolver(routing.Config{
		Tmux: tmux.New(tmux.Config{
			Binary:  cfg.Tmux.Binary,
			Timeout: cfg.Tmux.QueryTimeout.Duration,
			Sockets: cfg.Tmux.Sockets,
		}, nil),
		Shells:    shells,
		Inspector: procinfo.System{},
		Policy:    policyFor(cfg),
		Projects:  func() []string { return cfg.Daemon.Projects },
	})
	return resolver.Snapshot(ctx, path)
}

func printRoute(w io.Writer, s routing.Snapshot, now time.Time) error {
	fmt.Fprintln(w, s.ProjectPath)
	fmt.Fprintf(w, "  target:    %s\n", describeTarget(s))
	fmt.Fprintf(w, "  reason:    %s\n", s.ReasonCode)
	if s.UsingLastKnown {
		fmt.Fprintln(w, "  note:      using last known target")
	}
	if s.TTY != "" {
		fmt.Fprintf(w, "  tty:       %s (pid %d)\n", s.TTY, s.PID)
	}
	if len(s.Candidates) > 0 {
		fmt.Fprintf(w, "  candidates: %s\n", strings.Join(s.Candidates, ", "))
	}
	_, err := fmt.Fprintf(w, "  computed:  %s ago\n", formatAge(s.ComputedAt, now))
	return err
}
