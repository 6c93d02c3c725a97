// Package sqlitestore is a durable checkpoint backend on SQLite. The same
// database also keeps the guard rail violation audit trail.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/graphd/pkg/checkpoint"
	"github.com/fyrsmithlabs/graphd/pkg/guard"
	"github.com/fyrsmithlabs/graphd/pkg/state"
)

// Store implements checkpoint.Backend, guard.Recorder and guard.Lister.
type Store struct {
	conn *sql.DB
	path string
	mu   sync.RWMutex
}

var (
	_ checkpoint.Backend = (*Store)(nil)
	_ guard.Recorder     = (*Store)(nil)
	_ guard.Lister       = (*Store)(nil)
)

// Open opens or creates the database at path and applies pending
// migrations. Parent directories are created as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection serializes writers; SQLite allows only one anyway.
	conn.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &Store{conn: conn, path: path}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn.PingContext(ctx)
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

func (s *Store) migrate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var current int
	if err := s.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Checkpoints},
		{2, migrationV2Violations},
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}
	return nil
}

const migrationV1Checkpoints = `
CREATE TABLE IF NOT EXISTS checkpoints (
	run_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	id TEXT NOT NULL UNIQUE,
	version INTEGER NOT NULL,
	status TEXT NOT NULL,
	snapshot BLOB NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (run_id, sequence)
);
`

const migrationV2Violations = `
CREATE TABLE IF NOT EXISTS violations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	requested_by TEXT NOT NULL,
	target_domain TEXT NOT NULL,
	action TEXT NOT NULL,
	reason TEXT NOT NULL,
	timestamp TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_violations_run_id ON violations(run_id);
`

// Put implements checkpoint.Backend. The successor check and the insert
// run in one transaction.
func (s *Store) Put(ctx context.Context, cp checkpoint.Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return fmt.Errorf("invalid checkpoint: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var last int64
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(sequence), 0) FROM checkpoints WHERE run_id = ?", cp.RunID,
	).Scan(&last); err != nil {
		return fmt.Errorf("read last sequence: %w", err)
	}
	if cp.Sequence != last+1 {
		return fmt.Errorf("%w: run %s expects sequence %d, got %d", checkpoint.ErrSequenceConflict, cp.RunID, last+1, cp.Sequence)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO checkpoints (run_id, sequence, id, version, status, snapshot, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cp.RunID, cp.Sequence, cp.ID, cp.Version, string(cp.Status), cp.Snapshot,
		cp.CreatedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

const selectCheckpoint = `SELECT run_id, sequence, id, version, status, snapshot, created_at FROM checkpoints`

type scanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row scanner) (checkpoint.Checkpoint, error) {
	var (
		cp        checkpoint.Checkpoint
		status    string
		createdAt string
	)
	if err := row.Scan(&cp.RunID, &cp.Sequence, &cp.ID, &cp.Version, &status, &cp.Snapshot, &createdAt); err != nil {
		return checkpoint.Checkpoint{}, err
	}
	cp.Status = state.Status(status)
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("parse created_at: %w", err)
	}
	cp.CreatedAt = t
	return cp, nil
}

// Last implements checkpoint.Backend.
func (s *Store) Last(ctx context.Context, runID string) (checkpoint.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, err := scanCheckpoint(s.conn.QueryRowContext(ctx,
		selectCheckpoint+" WHERE run_id = ? ORDER BY sequence DESC LIMIT 1", runID))
	if errors.Is(err, sql.ErrNoRows) {
		return checkpoint.Checkpoint{}, fmt.Errorf("%w: run %s", checkpoint.ErrNotFound, runID)
	}
	if err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("query last checkpoint: %w", err)
	}
	return cp, nil
}

// Get implements checkpoint.Backend.
func (s *Store) Get(ctx context.Context, runID string, seq int64) (checkpoint.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, err := scanCheckpoint(s.conn.QueryRowContext(ctx,
		selectCheckpoint+" WHERE run_id = ? AND sequence = ?", runID, seq))
	if errors.Is(err, sql.ErrNoRows) {
		return checkpoint.Checkpoint{}, fmt.Errorf("%w: run %s sequence %d", checkpoint.ErrNotFound, runID, seq)
	}
	if err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("query checkpoint: %w", err)
	}
	return cp, nil
}

// List implements checkpoint.Backend.
func (s *Store) List(ctx context.Context, runID string, after int64, limit int) ([]checkpoint.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.conn.QueryContext(ctx,
		selectCheckpoint+" WHERE run_id = ? AND sequence > ? ORDER BY sequence LIMIT ?", runID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	var out []checkpoint.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// RunIDs implements checkpoint.Backend.
func (s *Store) RunIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.conn.QueryContext(ctx, "SELECT DISTINCT run_id FROM checkpoints ORDER BY run_id")
	if err != nil {
		return nil, fmt.Errorf("query run ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Record implements guard.Recorder.
func (s *Store) Record(ctx context.Context, v guard.Violation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO violations (run_id, requested_by, target_domain, action, reason, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		v.RunID, v.RequestedBy, v.TargetDomain, v.Action, v.Reason,
		v.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert violation: %w", err)
	}
	return nil
}

// Violations implements guard.Lister.
func (s *Store) Violations(ctx context.Context, runID string) ([]guard.Violation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT run_id, requested_by, target_domain, action, reason, timestamp FROM violations"
	var args []any
	if runID != "" {
		query += " WHERE run_id = ?"
		args = append(args, runID)
	}
	query += " ORDER BY id"

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query violations: %w", err)
	}
	defer rows.Close()

	var out []guard.Violation
	for rows.Next() {
		var (
			v  guard.Violation
			ts string
		)
		if err := rows.Scan(&v.RunID, &v.RequestedBy, &v.TargetDomain, &v.Action, &v.Reason, &ts); err != nil {
			return nil, fmt.Errorf("scan violation: %w", err)
		}
		if v.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parse violation timestamp: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
