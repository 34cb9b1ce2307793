package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/asheshgoplani/agent-hud/internal/config"
	"github.com/asheshgoplani/agent-hud/internal/daemon"
	"github.com/asheshgoplani/agent-hud/internal/logging"
	"github.com/asheshgoplani/agent-hud/internal/statedb"
)

// handleDaemon runs the agent-hud daemon in the foreground.
func handleDaemon(args []string) {
	fs := flag.NewFlagSet("daemon", flag.ExitOnError)
	once := fs.Bool("once", false, "Drain the inbox, run one routing pass and exit")
	logStderr := fs.Bool("log-stderr", false, "Mirror log output to stderr")

	fs.Usage = func() {
		fmt.Println("Usage: agent-hud daemon [--once] [--log-stderr]")
		fmt.Println()
		fmt.Println("Ingest hook events and shell heartbeats, keep per-project state")
		fmt.Println("and serve the routing feed until interrupted.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}

	cfg := mustLoadConfig()
	if err := runDaemon(cfg, *once, *logStderr); err != nil {
		if errors.Is(err, statedb.ErrDaemonRunning) {
			fmt.Fprintln(os.Stderr, "Error: an agent-hud daemon is already running for", cfg.Home)
		} else {
			fmt.Fprintf(os.Stderr, "daemon error: %v\n", err)
		}
		os.Exit(1)
	}
}

func runDaemon(cfg config.Config, once, logStderr bool) error {
	logging.Init(logging.Config{
		LogDir:     cfg.Home,
		Level:      cfg.Logs.Level,
		Format:     cfg.Logs.Format,
		MaxSizeMB:  cfg.Logs.MaxSizeMB,
		MaxBackups: cfg.Logs.MaxBackups,
		MaxAgeDays: cfg.Logs.MaxAgeDays,
		Compress:   cfg.Logs.Compress,
		Stderr:     logStderr,
	})
	defer logging.Shutdown()

	d, err := daemon.New(cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if once {
		err = d.RunOnce(ctx)
	} else {
		err = d.Run(ctx)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
