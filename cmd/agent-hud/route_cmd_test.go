package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agent-hud/internal/config"
	"github.com/asheshgoplani/agent-hud/internal/routing"
	"github.com/asheshgoplani/agent-hud/internal/statedb"
)

// publishRoutes writes snapshots the way a running daemon does.
func publishRoutes(t *testing.T, cfg config.Config, snaps ...routing.Snapshot) {
	t.Helper()
	db, err := statedb.Open(cfg.DBPath())
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Migrate())

	board := routing.NewBoard(db)
	for _, s := range snaps {
		board.Publish(s)
	}
}

func TestStoredRoute(t *testing.T) {
	cfg := config.Default(t.TempDir())
	computed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	publishRoutes(t, cfg, routing.Snapshot{
		ProjectPath: "/src/app",
		Target:      routing.Target{Kind: routing.KindTmuxSession, Value: "app"},
		Status:      routing.StatusDetached,
		ReasonCode:  routing.ReasonConflict,
		ComputedAt:  computed,
		Candidates:  []string{"app", "app-2"},
	})

	snap, found, err := storedRoute(cfg, "/src/app")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, routing.Target{Kind: routing.KindTmuxSession, Value: "app"}, snap.Target)
	assert.Equal(t, routing.ReasonConflict, snap.ReasonCode)
	assert.Equal(t, []string{"app", "app-2"}, snap.Candidates)
	assert.True(t, snap.ComputedAt.Equal(computed))

	_, found, err = storedRoute(cfg, "/src/other")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStoredRouteWithoutDaemon(t *testing.T) {
	cfg := config.Default(t.TempDir())
	_, found, err := storedRoute(cfg, "/src/app")
	require.NoError(t, err)
	assert.False(t, found)

	_, statErr := os.Stat(cfg.DBPath())
	assert.True(t, os.IsNotExist(statErr), "reading must not create the database")
}

func TestLoadRoutes(t *testing.T) {
	cfg := config.Default(t.TempDir())
	assert.Empty(t, loadRoutes(cfg))

	publishRoutes(t, cfg,
		routing.Snapshot{ProjectPath: "/src/a", Target: routing.Target{Kind: routing.KindUnknown}, Status: routing.StatusUnavailable, ReasonCode: routing.ReasonNoEvidence, ComputedAt: time.Now()},
		routing.Snapshot{ProjectPath: "/src/b", Target: routing.Target{Kind: routing.KindTerminalApp, Value: "iTerm.app"}, Status: routing.StatusDetached, ReasonCode: routing.ReasonShellActive, ComputedAt: time.Now()},
	)

	routes := loadRoutes(cfg)
	require.Len(t, routes, 2)
	assert.Equal(t, routing.ReasonNoEvidence, routes["/src/a"].ReasonCode)
	assert.Equal(t, "iTerm.app", routes["/src/b"].Target.Value)
}

func TestResolveNowRejectsRelativePath(t *testing.T) {
	cfg := config.Default(t.TempDir())
	_, err := resolveNow(t.Context(), cfg, "relative/dir")
	assert.ErrorIs(t, err, routing.ErrInvalidProject)
}

func TestProjectArg(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)

	got, err := projectArg("sub/../dir/")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(wd, "dir"), got)

	got, err = projectArg("/src/app/")
	require.NoError(t, err)
	assert.Equal(t, "/src/app", got)
}

func TestPrintRoute(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	require.NoError(t, printRoute(&buf, routing.Snapshot{
		ProjectPath:    "/src/app",
		Target:         routing.Target{Kind: routing.KindTerminalApp, Value: "iTerm.app"},
		Status:         routing.StatusUnavailable,
		ReasonCode:     routing.ReasonShellStale,
		ComputedAt:     now.Add(-5 * time.Second),
		UsingLastKnown: true,
		TTY:            "/dev/ttys003",
		PID:            77,
	}, now))

	out := buf.String()
	assert.Contains(t, out, "/src/app\n")
	assert.Contains(t, out, "terminal_app iTerm.app (unavailable)")
	assert.Contains(t, out, routing.ReasonShellStale)
	assert.Contains(t, out, "using last known target")
	assert.Contains(t, out, "/dev/ttys003 (pid 77)")
	assert.Contains(t, out, "5s ago")
}
