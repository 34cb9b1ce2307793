package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agent-hud/internal/evidence"
	"github.com/asheshgoplani/agent-hud/internal/session"
)

func inboxFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names
}

func TestForwardHook(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "inbox")
	payload := `{"hook_event_name":"Stop","cwd":"/src/app","session_id":"s1"}`

	require.NoError(t, forwardHook(dir, strings.NewReader(payload+"\n")))

	names := inboxFiles(t, dir)
	require.Len(t, names, 1)
	assert.True(t, strings.HasSuffix(names[0], ".hook.json"), names[0])

	data, err := os.ReadFile(filepath.Join(dir, names[0]))
	require.NoError(t, err)
	ev, err := evidence.DecodeHook(data)
	require.NoError(t, err)
	assert.Equal(t, session.EventStop, ev.Type)
	assert.Equal(t, "/src/app", ev.ProjectPath)
}

func TestForwardHookIgnoresEmptyInput(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "inbox")
	require.NoError(t, forwardHook(dir, strings.NewReader("  \n")))
	assert.Empty(t, inboxFiles(t, dir))
}

func TestForwardHookKeepsMalformedForTheDaemon(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "inbox")
	require.NoError(t, forwardHook(dir, strings.NewReader("not json")))
	assert.Len(t, inboxFiles(t, dir), 1)
}

func TestBuildHeartbeat(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	data, err := buildHeartbeat(" /dev/ttys001 ", 4242, "iTerm.app", "", "/src/app", now)
	require.NoError(t, err)

	rec, err := evidence.DecodeTelemetry(data, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttys001", rec.TTY)
	assert.Equal(t, 4242, rec.PID)
	assert.Equal(t, "iTerm.app", rec.ParentAppName)
	assert.Equal(t, "/src/app", rec.ProjectPath)
	assert.True(t, rec.LastSeenAt.Equal(now), "lastSeenAt = %v", rec.LastSeenAt)
}

func TestBuildHeartbeatRequiresTTY(t *testing.T) {
	for _, tty := range []string{"", "  ", "not a tty"} {
		_, err := buildHeartbeat(tty, 1, "", "", "/src/app", time.Now())
		assert.ErrorIs(t, err, errNoTTY, "tty %q", tty)
	}
}
