package statedb

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *StateDB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "hud.db")
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenCloseReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "hud.db")

	db1, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db1.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := db1.UpsertTelemetry(&TelemetryRow{TTY: "/dev/ttys001", PID: 42, LastSeen: time.Now()}); err != nil {
		t.Fatalf("UpsertTelemetry: %v", err)
	}
	db1.Close()

	db2, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	defer db2.Close()
	// Migrating an up-to-date database is a no-op.
	if err := db2.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	rows, err := db2.AllTelemetry()
	if err != nil {
		t.Fatalf("AllTelemetry: %v", err)
	}
	if len(rows) != 1 || rows[0].PID != 42 {
		t.Fatalf("AllTelemetry = %+v, want one row for pid 42", rows)
	}

	version, _ := db2.GetMeta("schema_version")
	if version != fmt.Sprint(SchemaVersion) {
		t.Errorf("schema_version = %q, want %d", version, SchemaVersion)
	}
}

func TestMigrateRejectsNewerSchema(t *testing.T) {
	db := newTestDB(t)
	if err := db.SetMeta("schema_version", "99"); err != nil {
		t.Fatalf("SetMeta: %v", err)
	}
	if err := db.Migrate(); err == nil {
		t.Fatal("Migrate should refuse a newer schema")
	}
}

func TestHookJournalAppendAndRead(t *testing.T) {
	db := newTestDB(t)
	received := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, typ := range []string{"UserPromptSubmit", "PreToolUse", "Stop"} {
		row := &HookEventRow{
			ID:          fmt.Sprintf("ev-%d", i),
			ProjectPath: "/src/app",
			EventType:   typ,
			SessionID:   "s1",
			ReceivedAt:  received.Add(time.Duration(i) * time.Second),
			Payload:     json.RawMessage(`{"n":` + fmt.Sprint(i) + `}`),
		}
		seq, err := db.AppendHookEvent(row)
		if err != nil {
			t.Fatalf("AppendHookEvent: %v", err)
		}
		if seq == 0 || row.Seq != seq {
			t.Fatalf("seq = %d, row.Seq = %d", seq, row.Seq)
		}
	}
	if _, err := db.AppendHookEvent(&HookEventRow{ID: "other", ProjectPath: "/src/lib", EventType: "Stop", ReceivedAt: received}); err != nil {
		t.Fatalf("AppendHookEvent: %v", err)
	}

	rows, err := db.HookEvents("/src/app", 0)
	if err != nil {
		t.Fatalf("HookEvents: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("HookEvents len = %d, want 3", len(rows))
	}
	if rows[0].EventType != "UserPromptSubmit" || rows[2].EventType != "Stop" {
		t.Errorf("events out of order: %s .. %s", rows[0].EventType, rows[2].EventType)
	}
	if !rows[1].ReceivedAt.Equal(received.Add(time.Second)) {
		t.Errorf("ReceivedAt = %v", rows[1].ReceivedAt)
	}
	if !rows[0].EventAt.IsZero() {
		t.Errorf("EventAt should stay zero, got %v", rows[0].EventAt)
	}
	if string(rows[2].Payload) != `{"n":2}` {
		t.Errorf("Payload = %s", rows[2].Payload)
	}

	newest, err := db.HookEvents("/src/app", 2)
	if err != nil {
		t.Fatalf("HookEvents limit: %v", err)
	}
	if len(newest) != 2 || newest[0].EventType != "PreToolUse" {
		t.Errorf("limited HookEvents = %+v", newest)
	}

	all, _ := db.HookEvents("", 0)
	if len(all) != 4 {
		t.Errorf("all HookEvents len = %d, want 4", len(all))
	}
}

func TestHookJournalDuplicateID(t *testing.T) {
	db := newTestDB(t)
	row := &HookEventRow{ID: "dup", ProjectPath: "/src/app", EventType: "Stop", ReceivedAt: time.Now()}
	if _, err := db.AppendHookEvent(row); err != nil {
		t.Fatalf("AppendHookEvent: %v", err)
	}
	seq, err := db.AppendHookEvent(&HookEventRow{ID: "dup", ProjectPath: "/src/app", EventType: "Stop", ReceivedAt: time.Now()})
	if err != nil {
		t.Fatalf("AppendHookEvent duplicate: %v", err)
	}
	if seq != 0 {
		t.Errorf("duplicate seq = %d, want 0", seq)
	}
}

func TestPruneHookEvents(t *testing.T) {
	db := newTestDB(t)
	for i := 0; i < 10; i++ {
		if _, err := db.AppendHookEvent(&HookEventRow{
			ID: fmt.Sprintf("ev-%d", i), ProjectPath: "/src/app", EventType: "PreToolUse", ReceivedAt: time.Now(),
		}); err != nil {
			t.Fatalf("AppendHookEvent: %v", err)
		}
	}

	deleted, err := db.PruneHookEvents(4)
	if err != nil {
		t.Fatalf("PruneHookEvents: %v", err)
	}
	if deleted != 6 {
		t.Errorf("deleted = %d, want 6", deleted)
	}
	rows, _ := db.HookEvents("", 0)
	if len(rows) != 4 || rows[0].ID != "ev-6" {
		t.Errorf("remaining = %d rows starting at %v", len(rows), rows[0].ID)
	}

	deleted, _ = db.PruneHookEvents(100)
	if deleted != 0 {
		t.Errorf("prune under limit deleted %d", deleted)
	}
}

func TestTelemetryUpsertKeepsNewest(t *testing.T) {
	db := newTestDB(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rows := []*TelemetryRow{
		{TTY: "/dev/ttys001", PID: 100, ParentApp: "iTerm2", ProjectPath: "/src/app", LastSeen: now},
		{TTY: "/dev/ttys001", PID: 100, ParentApp: "Terminal", ProjectPath: "/src/app", LastSeen: now.Add(-time.Minute)},
	}
	for _, r := range rows {
		if err := db.UpsertTelemetry(r); err != nil {
			t.Fatalf("UpsertTelemetry: %v", err)
		}
	}

	got, err := db.AllTelemetry()
	if err != nil {
		t.Fatalf("AllTelemetry: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("AllTelemetry len = %d, want 1", len(got))
	}
	if got[0].ParentApp != "iTerm2" || !got[0].LastSeen.Equal(now) {
		t.Errorf("older heartbeat overwrote newer: %+v", got[0])
	}
}

func TestTelemetryForProjectMatchesSubdirs(t *testing.T) {
	db := newTestDB(t)
	now := time.Now()
	for i, path := range []string{"/src/app", "/src/app/cmd", "/src/application", "/src/lib"} {
		if err := db.UpsertTelemetry(&TelemetryRow{
			TTY: fmt.Sprintf("/dev/ttys%03d", i), PID: 100 + i, ProjectPath: path, LastSeen: now,
		}); err != nil {
			t.Fatalf("UpsertTelemetry: %v", err)
		}
	}

	got, err := db.TelemetryForProject("/src/app")
	if err != nil {
		t.Fatalf("TelemetryForProject: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("TelemetryForProject len = %d, want 2", len(got))
	}
	if got[0].ProjectPath != "/src/app" || got[1].ProjectPath != "/src/app/cmd" {
		t.Errorf("TelemetryForProject = %s, %s", got[0].ProjectPath, got[1].ProjectPath)
	}
}

func TestDeleteTelemetryBefore(t *testing.T) {
	db := newTestDB(t)
	now := time.Now()
	_ = db.UpsertTelemetry(&TelemetryRow{TTY: "a", PID: 1, LastSeen: now.Add(-time.Hour)})
	_ = db.UpsertTelemetry(&TelemetryRow{TTY: "b", PID: 2, LastSeen: now})

	deleted, err := db.DeleteTelemetryBefore(now.Add(-15 * time.Minute))
	if err != nil {
		t.Fatalf("DeleteTelemetryBefore: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	rows, _ := db.AllTelemetry()
	if len(rows) != 1 || rows[0].TTY != "b" {
		t.Errorf("remaining = %+v", rows)
	}
}

func TestRoutingSnapshotReplace(t *testing.T) {
	db := newTestDB(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := db.SaveRoutingSnapshot(&RoutingRow{
		ProjectPath: "/src/app", TargetKind: "tmux_session", TargetValue: "app",
		Status: "attached", ReasonCode: "TMUX_CLIENT_ATTACHED", ComputedAt: at,
		Detail: json.RawMessage(`{"candidates":1}`),
	}); err != nil {
		t.Fatalf("SaveRoutingSnapshot: %v", err)
	}
	if err := db.SaveRoutingSnapshot(&RoutingRow{
		ProjectPath: "/src/app", TargetKind: "unknown",
		Status: "unavailable", ReasonCode: "NO_TRUSTED_EVIDENCE", ComputedAt: at.Add(time.Second),
	}); err != nil {
		t.Fatalf("SaveRoutingSnapshot: %v", err)
	}

	got, err := db.LoadRoutingSnapshot("/src/app")
	if err != nil {
		t.Fatalf("LoadRoutingSnapshot: %v", err)
	}
	if got.ReasonCode != "NO_TRUSTED_EVIDENCE" || got.TargetValue != "" || string(got.Detail) != "{}" {
		t.Errorf("snapshot not replaced wholesale: %+v", got)
	}

	missing, err := db.LoadRoutingSnapshot("/nope")
	if err != nil || missing != nil {
		t.Errorf("LoadRoutingSnapshot(missing) = %v, %v", missing, err)
	}

	all, _ := db.LoadRoutingSnapshots()
	if len(all) != 1 {
		t.Errorf("LoadRoutingSnapshots len = %d", len(all))
	}
	if err := db.DeleteRoutingSnapshot("/src/app"); err != nil {
		t.Fatalf("DeleteRoutingSnapshot: %v", err)
	}
	all, _ = db.LoadRoutingSnapshots()
	if len(all) != 0 {
		t.Errorf("snapshot not deleted")
	}
}

func TestRoutingSnapshotOlderDoesNotReplaceNewer(t *testing.T) {
	db := newTestDB(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	newer := &RoutingRow{
		ProjectPath: "/src/app", TargetKind: "tmux_session", TargetValue: "app",
		Status: "attached", ReasonCode: "TMUX_CLIENT_ATTACHED", ComputedAt: at.Add(time.Second),
	}
	older := &RoutingRow{
		ProjectPath: "/src/app", TargetKind: "unknown",
		Status: "unavailable", ReasonCode: "NO_TRUSTED_EVIDENCE", ComputedAt: at,
	}
	if err := db.SaveRoutingSnapshot(newer); err != nil {
		t.Fatalf("SaveRoutingSnapshot(newer): %v", err)
	}
	if err := db.SaveRoutingSnapshot(older); err != nil {
		t.Fatalf("SaveRoutingSnapshot(older): %v", err)
	}

	got, err := db.LoadRoutingSnapshot("/src/app")
	if err != nil {
		t.Fatalf("LoadRoutingSnapshot: %v", err)
	}
	if got.ReasonCode != "TMUX_CLIENT_ATTACHED" || !got.ComputedAt.Equal(newer.ComputedAt) {
		t.Errorf("older snapshot replaced newer one: %+v", got)
	}

	// Same computation time still rewrites the row.
	same := *newer
	same.Status = "detached"
	if err := db.SaveRoutingSnapshot(&same); err != nil {
		t.Fatalf("SaveRoutingSnapshot(same): %v", err)
	}
	got, _ = db.LoadRoutingSnapshot("/src/app")
	if got.Status != "detached" {
		t.Errorf("equal computedAt not written: %+v", got)
	}
}

func TestTouchAndLastModified(t *testing.T) {
	db := newTestDB(t)
	clock := time.Unix(1_700_000_000, 0)
	db.SetClock(func() time.Time { return clock })

	ts0, err := db.LastModified()
	if err != nil {
		t.Fatalf("LastModified: %v", err)
	}
	if ts0 != 0 {
		t.Errorf("Expected 0 before any touch, got %d", ts0)
	}

	if err := db.Touch(); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	ts1, _ := db.LastModified()

	clock = clock.Add(time.Millisecond)
	if err := db.Touch(); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	ts2, _ := db.LastModified()
	if ts2 <= ts1 {
		t.Errorf("Expected ts2 > ts1: %d <= %d", ts2, ts1)
	}
}

func TestHeartbeat(t *testing.T) {
	db := newTestDB(t)

	if err := db.RegisterDaemon(); err != nil {
		t.Fatalf("RegisterDaemon: %v", err)
	}
	if err := db.Heartbeat(); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	count, err := db.AliveDaemonCount(30 * time.Second)
	if err != nil {
		t.Fatalf("AliveDaemonCount: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 alive, got %d", count)
	}

	if err := db.UnregisterDaemon(); err != nil {
		t.Fatalf("UnregisterDaemon: %v", err)
	}
	count, _ = db.AliveDaemonCount(30 * time.Second)
	if count != 0 {
		t.Errorf("Expected 0 alive after unregister, got %d", count)
	}
}

func TestHeartbeatCleanup(t *testing.T) {
	db := newTestDB(t)

	stale := time.Now().Add(-2 * time.Minute).Unix()
	if _, err := db.DB().Exec(
		"INSERT INTO daemon_heartbeats (pid, started, heartbeat, is_primary) VALUES (?, ?, ?, ?)",
		99999, stale, stale, 0,
	); err != nil {
		t.Fatalf("Insert stale: %v", err)
	}
	if err := db.RegisterDaemon(); err != nil {
		t.Fatalf("RegisterDaemon: %v", err)
	}
	if err := db.CleanDeadDaemons(30 * time.Second); err != nil {
		t.Fatalf("CleanDeadDaemons: %v", err)
	}

	var rows int
	if err := db.DB().QueryRow("SELECT COUNT(*) FROM daemon_heartbeats").Scan(&rows); err != nil {
		t.Fatalf("count: %v", err)
	}
	if rows != 1 {
		t.Errorf("Expected 1 row after cleanup, got %d", rows)
	}
}

func TestElectPrimary(t *testing.T) {
	tests := []struct {
		name        string
		otherAge    time.Duration
		otherIsPrim bool
		want        bool
	}{
		{name: "no other daemon", want: true},
		{name: "live primary elsewhere", otherAge: time.Second, otherIsPrim: true, want: false},
		{name: "stale primary elsewhere", otherAge: 2 * time.Minute, otherIsPrim: true, want: true},
		{name: "live non-primary elsewhere", otherAge: time.Second, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := newTestDB(t)
			if tt.otherAge > 0 {
				hb := time.Now().Add(-tt.otherAge).Unix()
				prim := 0
				if tt.otherIsPrim {
					prim = 1
				}
				if _, err := db.DB().Exec(
					"INSERT INTO daemon_heartbeats (pid, started, heartbeat, is_primary) VALUES (?, ?, ?, ?)",
					10001, hb, hb, prim,
				); err != nil {
					t.Fatalf("Insert other: %v", err)
				}
			}
			if err := db.RegisterDaemon(); err != nil {
				t.Fatalf("RegisterDaemon: %v", err)
			}
			got, err := db.ElectPrimary(30 * time.Second)
			if err != nil {
				t.Fatalf("ElectPrimary: %v", err)
			}
			if got != tt.want {
				t.Errorf("ElectPrimary = %v, want %v", got, tt.want)
			}
			// Repeat election is stable.
			again, _ := db.ElectPrimary(30 * time.Second)
			if again != tt.want {
				t.Errorf("repeat ElectPrimary = %v, want %v", again, tt.want)
			}
		})
	}
}

func TestAcquireDaemon(t *testing.T) {
	db := newTestDB(t)
	if err := db.AcquireDaemon(30 * time.Second); err != nil {
		t.Fatalf("AcquireDaemon: %v", err)
	}

	// A second process sharing the same database.
	other := &StateDB{db: db.DB(), pid: db.pid + 1, now: time.Now}
	if err := other.AcquireDaemon(30 * time.Second); !errors.Is(err, ErrDaemonRunning) {
		t.Fatalf("second AcquireDaemon = %v, want ErrDaemonRunning", err)
	}

	if err := db.ReleaseDaemon(); err != nil {
		t.Fatalf("ReleaseDaemon: %v", err)
	}
	if err := other.AcquireDaemon(30 * time.Second); err != nil {
		t.Fatalf("AcquireDaemon after release: %v", err)
	}
}

func TestConcurrentTelemetryWrites(t *testing.T) {
	db := newTestDB(t)
	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- db.UpsertTelemetry(&TelemetryRow{TTY: fmt.Sprintf("tty%d", i%4), PID: i, LastSeen: time.Now()})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("concurrent upsert: %v", err)
		}
	}
	rows, _ := db.AllTelemetry()
	if len(rows) != 40 {
		t.Errorf("rows = %d, want 40", len(rows))
	}
}
