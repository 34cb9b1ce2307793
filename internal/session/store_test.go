package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreRoundTrip(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "state.json"))
	changed := time.Date(2026, 3, 1, 9, 30, 0, 123, time.UTC)
	recs := map[string]Record{
		"/src/app": {
			ProjectPath:     "/src/app",
			State:           StateWaiting,
			StateChangedAt:  changed,
			LastHookEventAt: changed.Add(time.Second),
			SessionID:       "abc",
			Blocker:         "permission requested: Bash",
		},
		"/src/lib": {ProjectPath: "/src/lib", State: StateIdle},
	}

	require.NoError(t, store.Save(recs))
	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, recs, loaded)
}

func TestStoreFileLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store := NewStore(path)
	require.NoError(t, store.Save(map[string]Record{
		"/src/app": {State: StateReady, StateChangedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"version": 1,
		"projects": {
			"/src/app": {"state": "ready", "stateChangedAt": "2026-01-02T03:04:05Z"}
		}
	}`, string(data))

	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(path), "*.tmp"))
	assert.Empty(t, matches, "temp files must not linger")
}

func TestStoreLoadMissingIsEmpty(t *testing.T) {
	recs, err := NewStore(filepath.Join(t.TempDir(), "state.json")).Load()
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestStoreLoadCorrupt(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"truncated", `{"version":1,"projects":{"/src/app":{"state":"rea`},
		{"bad time", `{"version":1,"projects":{"/src/app":{"state":"ready","stateChangedAt":"yesterday"}}}`},
		{"future version", `{"version":9,"projects":{}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "state.json")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))

			recs, err := NewStore(path).Load()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrCorruptStore))
			assert.NotNil(t, recs)
			assert.Empty(t, recs)
		})
	}
}

func TestStoreSaveOverwritesWholesale(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "nested", "state.json"))
	require.NoError(t, store.Save(map[string]Record{"/a": {State: StateReady}, "/b": {State: StateIdle}}))
	require.NoError(t, store.Save(map[string]Record{"/b": {State: StateWorking}}))

	recs, err := store.Load()
	require.NoError(t, err)
	assert.Len(t, recs, 1)
	assert.Equal(t, StateWorking, recs["/b"].State)
}

func TestStoreWatcherSeesReplacement(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, store.Save(map[string]Record{"/a": {State: StateIdle}}))

	var (
		mu   sync.Mutex
		seen []State
	)
	w, err := NewStoreWatcher(store, func(recs map[string]Record) {
		mu.Lock()
		seen = append(seen, recs["/a"].State)
		mu.Unlock()
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, store.Save(map[string]Record{"/a": {State: StateReady}}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 2 && seen[len(seen)-1] == StateReady
	}, 2*time.Second, 10*time.Millisecond)
}
