package statedb

import (
	"errors"
	"fmt"
	"time"
)

// ErrDaemonRunning is returned by AcquireDaemon when another live daemon
// holds the primary role.
var ErrDaemonRunning = errors.New("another agent-hud daemon is running")

// RegisterDaemon records this process as a running daemon.
func (s *StateDB) RegisterDaemon() error {
	now := s.now().Unix()
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO daemon_heartbeats (pid, started, heartbeat, is_primary)
		VALUES (?, ?, ?, 0)
	`, s.pid, now, now)
	return err
}

// Heartbeat updates the heartbeat timestamp for this process.
func (s *StateDB) Heartbeat() error {
	_, err := s.db.Exec(
		"UPDATE daemon_heartbeats SET heartbeat = ? WHERE pid = ?",
		s.now().Unix(), s.pid,
	)
	return err
}

// UnregisterDaemon removes this process from the heartbeat table.
func (s *StateDB) UnregisterDaemon() error {
	_, err := s.db.Exec("DELETE FROM daemon_heartbeats WHERE pid = ?", s.pid)
	return err
}

// CleanDeadDaemons removes heartbeat entries that haven't been updated within timeout.
func (s *StateDB) CleanDeadDaemons(timeout time.Duration) error {
	cutoff := s.now().Add(-timeout).Unix()
	_, err := s.db.Exec("DELETE FROM daemon_heartbeats WHERE heartbeat < ?", cutoff)
	return err
}

// AliveDaemonCount returns how many daemons heartbeated within timeout.
func (s *StateDB) AliveDaemonCount(timeout time.Duration) (int, error) {
	var count int
	cutoff := s.now().Add(-timeout).Unix()
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM daemon_heartbeats WHERE heartbeat >= ?", cutoff,
	).Scan(&count)
	return count, err
}

// ElectPrimary attempts to make this daemon the primary.
// Returns true if this process is now (or already was) the primary.
func (s *StateDB) ElectPrimary(timeout time.Duration) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("statedb: begin elect: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := s.now().Add(-timeout).Unix()

	if _, err := tx.Exec(
		"UPDATE daemon_heartbeats SET is_primary = 0 WHERE heartbeat < ? AND is_primary = 1",
		cutoff,
	); err != nil {
		return false, fmt.Errorf("statedb: clear stale primary: %w", err)
	}

	var existingPID int
	err = tx.QueryRow(
		"SELECT pid FROM daemon_heartbeats WHERE is_primary = 1 AND heartbeat >= ? LIMIT 1",
		cutoff,
	).Scan(&existingPID)
	if err == nil {
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("statedb: commit elect: %w", err)
		}
		return existingPID == s.pid, nil
	}

	res, err := tx.Exec("UPDATE daemon_heartbeats SET is_primary = 1 WHERE pid = ?", s.pid)
	if err != nil {
		return false, fmt.Errorf("statedb: claim primary: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, fmt.Errorf("statedb: claim primary: pid %d not registered", s.pid)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("statedb: commit elect: %w", err)
	}
	return true, nil
}

// ResignPrimary clears the is_primary flag for this process.
func (s *StateDB) ResignPrimary() error {
	_, err := s.db.Exec("UPDATE daemon_heartbeats SET is_primary = 0 WHERE pid = ?", s.pid)
	return err
}

// AcquireDaemon registers this process and claims the primary role. It
// returns ErrDaemonRunning, after unregistering, when another daemon is
// alive.
func (s *StateDB) AcquireDaemon(timeout time.Duration) error {
	if err := s.CleanDeadDaemons(timeout); err != nil {
		return fmt.Errorf("statedb: clean heartbeats: %w", err)
	}
	if err := s.RegisterDaemon(); err != nil {
		return fmt.Errorf("statedb: register daemon: %w", err)
	}
	primary, err := s.ElectPrimary(timeout)
	if err != nil {
		return err
	}
	if !primary {
		_ = s.UnregisterDaemon()
		return ErrDaemonRunning
	}
	return nil
}

// ReleaseDaemon resigns and unregisters this process.
func (s *StateDB) ReleaseDaemon() error {
	if err := s.ResignPrimary(); err != nil {
		return err
	}
	return s.UnregisterDaemon()
}
