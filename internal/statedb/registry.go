package statedb

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// The coordinators table holds one row per live tmux-collab server sharing
// this database. At most one row with a fresh seen stamp is primary; only
// the primary is allowed to serve.

// RegisterInstance adds this process to the coordinators table.
func (s *StateDB) RegisterInstance(isPrimary bool) error {
	now := time.Now().Unix()
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO coordinators (pid, started, seen, is_primary) VALUES (?, ?, ?, ?)",
		s.pid, now, now, boolInt(isPrimary),
	)
	if err != nil {
		return fmt.Errorf("statedb: register pid %d: %w", s.pid, err)
	}
	return nil
}

// Heartbeat stamps this process as still alive.
func (s *StateDB) Heartbeat() error {
	_, err := s.db.Exec("UPDATE coordinators SET seen = ? WHERE pid = ?", time.Now().Unix(), s.pid)
	return err
}

// UnregisterInstance drops this process's row.
func (s *StateDB) UnregisterInstance() error {
	_, err := s.db.Exec("DELETE FROM coordinators WHERE pid = ?", s.pid)
	return err
}

// CleanDeadInstances forgets rows not seen within timeout.
func (s *StateDB) CleanDeadInstances(timeout time.Duration) error {
	_, err := s.db.Exec("DELETE FROM coordinators WHERE seen < ?", staleBefore(timeout))
	return err
}

// ElectPrimary reports whether this process is the primary coordinator,
// promoting it when no other fresh primary exists.
func (s *StateDB) ElectPrimary(timeout time.Duration) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("statedb: elect: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := staleBefore(timeout)
	if _, err := tx.Exec("UPDATE coordinators SET is_primary = 0 WHERE is_primary = 1 AND seen < ?", cutoff); err != nil {
		return false, fmt.Errorf("statedb: demote stale primary: %w", err)
	}

	var holder int
	switch err := tx.QueryRow(
		"SELECT pid FROM coordinators WHERE is_primary = 1 AND seen >= ? LIMIT 1", cutoff,
	).Scan(&holder); {
	case err == nil:
		// Someone, possibly us, already holds it.
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.Exec("UPDATE coordinators SET is_primary = 1 WHERE pid = ?", s.pid); err != nil {
			return false, fmt.Errorf("statedb: promote pid %d: %w", s.pid, err)
		}
		holder = s.pid
	default:
		return false, fmt.Errorf("statedb: look up primary: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("statedb: elect commit: %w", err)
	}
	return holder == s.pid, nil
}

// SetMeta stores value under key.
func (s *StateDB) SetMeta(key, value string) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)", key, value)
	return err
}

// GetMeta returns the value stored under key, or "" if there is none.
func (s *StateDB) GetMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

func staleBefore(timeout time.Duration) int64 {
	return time.Now().Add(-timeout).Unix()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
