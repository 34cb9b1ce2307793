package statedb

import (
	"fmt"
	"strconv"
)

// SchemaVersion tracks the current database schema version.
// Bump this when adding migrations.
const SchemaVersion = 2

// migrations[i] upgrades a database from version i to i+1.
var migrations = [][]string{
	// v1: evidence tables and daemon heartbeats.
	{
		`CREATE TABLE IF NOT EXISTS hook_events (
			seq          INTEGER PRIMARY KEY AUTOINCREMENT,
			id           TEXT NOT NULL UNIQUE,
			project_path TEXT NOT NULL,
			event_type   TEXT NOT NULL,
			subtype      TEXT NOT NULL DEFAULT '',
			session_id   TEXT NOT NULL DEFAULT '',
			tool_name    TEXT NOT NULL DEFAULT '',
			message      TEXT NOT NULL DEFAULT '',
			event_at     INTEGER NOT NULL DEFAULT 0,
			received_at  INTEGER NOT NULL,
			payload      TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_hook_events_project ON hook_events(project_path, seq)`,
		`CREATE TABLE IF NOT EXISTS shell_telemetry (
			tty          TEXT NOT NULL,
			pid          INTEGER NOT NULL,
			parent_app   TEXT NOT NULL DEFAULT '',
			tmux_session TEXT NOT NULL DEFAULT '',
			project_path TEXT NOT NULL DEFAULT '',
			last_seen    INTEGER NOT NULL,
			PRIMARY KEY (tty, pid)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_shell_telemetry_project ON shell_telemetry(project_path)`,
		`CREATE TABLE IF NOT EXISTS daemon_heartbeats (
			pid        INTEGER PRIMARY KEY,
			started    INTEGER NOT NULL,
			heartbeat  INTEGER NOT NULL,
			is_primary INTEGER NOT NULL DEFAULT 0
		)`,
	},
	// v2: routing snapshot mirror for CLI readers.
	{
		`CREATE TABLE IF NOT EXISTS routing_snapshots (
			project_path TEXT PRIMARY KEY,
			target_kind  TEXT NOT NULL,
			target_value TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL,
			reason_code  TEXT NOT NULL,
			computed_at  INTEGER NOT NULL,
			detail       TEXT NOT NULL DEFAULT '{}'
		)`,
	},
}

// Migrate creates the metadata table and applies every pending migration in
// one transaction.
func (s *StateDB) Migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("statedb: create metadata: %w", err)
	}

	current := 0
	var raw string
	if err := tx.QueryRow("SELECT value FROM metadata WHERE key = 'schema_version'").Scan(&raw); err == nil {
		if current, err = strconv.Atoi(raw); err != nil {
			return fmt.Errorf("statedb: bad schema_version %q", raw)
		}
	}
	if current > SchemaVersion {
		return fmt.Errorf("statedb: schema version %d is newer than supported %d", current, SchemaVersion)
	}

	for v := current; v < SchemaVersion; v++ {
		for _, stmt := range migrations[v] {
			if _, err := tx.Exec(stmt); err != nil {
				return fmt.Errorf("statedb: migrate to v%d: %w", v+1, err)
			}
		}
	}

	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)",
		strconv.Itoa(SchemaVersion),
	); err != nil {
		return fmt.Errorf("statedb: set schema version: %w", err)
	}

	return tx.Commit()
}
