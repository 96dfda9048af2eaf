package statedb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tchow-twistedxcom/tmux-collab/internal/claims"
	"github.com/tchow-twistedxcom/tmux-collab/internal/logging"
)

var stateLog = logging.ForComponent(logging.CompState)

// SchemaVersion tracks the current database schema version.
// Bump this when adding migrations.
const SchemaVersion = 1

// StateDB is the coordinator's SQLite store: the claim audit log and the
// process registry that keeps a second coordinator off the same state.
// Safe for concurrent use; WAL mode plus a busy timeout lets other
// processes (the CLI) read while the server writes.
type StateDB struct {
	db  *sql.DB
	pid int
}

var _ claims.AuditSink = (*StateDB)(nil)

// ClaimEventRow is one audited claim change.
type ClaimEventRow struct {
	ID       int64
	Session  string
	UserID   string
	UserName string
	Action   string
	ActorID  string
	At       time.Time
}

// schema is applied in order by Migrate. Every statement is idempotent.
var schema = []struct {
	name string
	stmt string
}{
	{"metadata", `CREATE TABLE IF NOT EXISTS metadata (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`},
	{"claim_events", `CREATE TABLE IF NOT EXISTS claim_events (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		session   TEXT NOT NULL,
		user_id   TEXT NOT NULL,
		user_name TEXT NOT NULL DEFAULT '',
		action    TEXT NOT NULL,
		actor_id  TEXT NOT NULL DEFAULT '',
		at        INTEGER NOT NULL
	)`},
	{"claim_events index", `CREATE INDEX IF NOT EXISTS idx_claim_events_session
		ON claim_events (session, id)`},
	{"coordinators", `CREATE TABLE IF NOT EXISTS coordinators (
		pid        INTEGER PRIMARY KEY,
		started    INTEGER NOT NULL,
		seen       INTEGER NOT NULL,
		is_primary INTEGER NOT NULL DEFAULT 0
	)`},
}

// pragmas run on every Open. WAL keeps CLI readers unblocked while the
// server appends.
var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
}

// Open opens (creating if needed) the database at dbPath.
func Open(dbPath string) (*StateDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("statedb: mkdir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("statedb: open %s: %w", dbPath, err)
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("statedb: %s: %w", p, err)
		}
	}
	stateLog.Debug("statedb_opened", slog.String("path", dbPath))
	return &StateDB{db: db, pid: os.Getpid()}, nil
}

// Close truncates the WAL and releases the handle.
func (s *StateDB) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// DB exposes the handle to tests in this package and its callers.
func (s *StateDB) DB() *sql.DB { return s.db }

// Migrate brings the schema up to SchemaVersion in one transaction.
func (s *StateDB) Migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, step := range schema {
		if _, err := tx.Exec(step.stmt); err != nil {
			return fmt.Errorf("statedb: migrate %s: %w", step.name, err)
		}
	}
	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)",
		strconv.Itoa(SchemaVersion),
	); err != nil {
		return fmt.Errorf("statedb: record schema version: %w", err)
	}
	return tx.Commit()
}

// RecordClaimEvent appends ev to the audit log.
func (s *StateDB) RecordClaimEvent(ctx context.Context, ev claims.Event) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO claim_events (session, user_id, user_name, action, actor_id, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ev.Session, ev.UserID, ev.UserName, ev.Action, ev.ActorID, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("statedb: record claim event: %w", err)
	}
	return nil
}

// ClaimHistory returns the newest events first. An empty session returns
// events for every session. limit <= 0 means 100.
func (s *StateDB) ClaimHistory(ctx context.Context, session string, limit int) ([]ClaimEventRow, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, session, user_id, user_name, action, actor_id, at
		FROM claim_events`
	args := []any{}
	if session != "" {
		query += " WHERE session = ?"
		args = append(args, session)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("statedb: claim history: %w", err)
	}
	defer rows.Close()

	var result []ClaimEventRow
	for rows.Next() {
		var r ClaimEventRow
		var atMillis int64
		if err := rows.Scan(&r.ID, &r.Session, &r.UserID, &r.UserName, &r.Action, &r.ActorID, &atMillis); err != nil {
			return nil, err
		}
		r.At = time.UnixMilli(atMillis)
		result = append(result, r)
	}
	return result, rows.Err()
}

// PruneClaimEvents deletes events older than before and returns how many
// were removed.
func (s *StateDB) PruneClaimEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM claim_events WHERE at < ?", before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("statedb: prune claim events: %w", err)
	}
	return res.RowsAffected()
}
