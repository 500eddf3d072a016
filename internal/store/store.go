// Package store is the durable key-value layer shared by all owning
// actors. It exposes named logical tables over a single SQLite file
// with atomic single-key writes and transactional multi-key batches.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersion  = 1
	schemaChecksum = "ac-v1-kv-tables"
)

// Well-known table names. One writer actor per table.
const (
	TableTasks       = "tasks"
	TableDeadLetters = "dead_letters"
	TableGoals       = "goals"
	TableEndpoints   = "endpoints"
	TableRepos       = "repos"
	TableAuth        = "auth"
)

// ErrNotFound is returned when a key does not exist in a table.
var ErrNotFound = errors.New("store: key not found")

// ErrCorrupt marks unrecoverable storage failures. main exits 1 on it.
var ErrCorrupt = errors.New("store: unrecoverable corruption")

// Store is a durable KV store over SQLite. All writes are serialized by
// SQLite's single-writer model; multi-key batches run in one tx.
type Store struct {
	db   *sql.DB
	path string
}

// DefaultDBPath returns <homeDir>/data/hub.db.
func DefaultDBPath(homeDir string) string {
	return filepath.Join(homeDir, "data", "hub.db")
}

// Open opens (creating if needed) the store at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, path: path}
	if err := s.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS kv (
			tbl        TEXT NOT NULL,
			k          TEXT NOT NULL,
			v          BLOB NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (tbl, k)
		);
		CREATE TABLE IF NOT EXISTS schema_meta (
			version  INTEGER NOT NULL,
			checksum TEXT NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}

	var version int
	var checksum string
	err := s.db.QueryRowContext(ctx, `SELECT version, checksum FROM schema_meta LIMIT 1;`).Scan(&version, &checksum)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_meta (version, checksum) VALUES (?, ?);`, schemaVersion, schemaChecksum); err != nil {
			return fmt.Errorf("record schema: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read schema: %w", err)
	case version != schemaVersion || checksum != schemaChecksum:
		return fmt.Errorf("%w: schema mismatch (have v%d %s)", ErrCorrupt, version, checksum)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put writes value under (table, key), replacing any existing value.
func (s *Store) Put(ctx context.Context, table, key string, value []byte) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO kv (tbl, k, v, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT (tbl, k) DO UPDATE SET v = excluded.v, updated_at = CURRENT_TIMESTAMP;
		`, table, key, value)
		if err != nil {
			return fmt.Errorf("put %s/%s: %w", table, key, err)
		}
		return nil
	})
}

// Get reads the value under (table, key). Returns ErrNotFound if absent.
func (s *Store) Get(ctx context.Context, table, key string) ([]byte, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT v FROM kv WHERE tbl = ? AND k = ?;`, table, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", table, key, err)
	}
	return v, nil
}

// Delete removes (table, key). Deleting a missing key is a no-op.
func (s *Store) Delete(ctx context.Context, table, key string) error {
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE tbl = ? AND k = ?;`, table, key); err != nil {
			return fmt.Errorf("delete %s/%s: %w", table, key, err)
		}
		return nil
	})
}

// Scan visits every key in a table in key order.
func (s *Store) Scan(ctx context.Context, table string, fn func(key string, value []byte) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT k, v FROM kv WHERE tbl = ? ORDER BY k;`, table)
	if err != nil {
		return fmt.Errorf("scan %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return fmt.Errorf("scan row: %w", err)
		}
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Count returns the number of keys in a table.
func (s *Store) Count(ctx context.Context, table string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM kv WHERE tbl = ?;`, table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// Op is a single write inside a Batch.
type Op struct {
	Table  string
	Key    string
	Value  []byte // written unless Delete is set
	Delete bool
}

// Batch applies all ops in a single transaction. Used for moves that
// must be atomic across tables, e.g. dead-lettering a task.
func (s *Store) Batch(ctx context.Context, ops []Op) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin batch tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, op := range ops {
			if op.Delete {
				if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE tbl = ? AND k = ?;`, op.Table, op.Key); err != nil {
					return fmt.Errorf("batch delete %s/%s: %w", op.Table, op.Key, err)
				}
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO kv (tbl, k, v, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
				ON CONFLICT (tbl, k) DO UPDATE SET v = excluded.v, updated_at = CURRENT_TIMESTAMP;
			`, op.Table, op.Key, op.Value); err != nil {
				return fmt.Errorf("batch put %s/%s: %w", op.Table, op.Key, err)
			}
		}
		return tx.Commit()
	})
}

// Backup writes a consistent snapshot of the database to destPath.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}
	// VACUUM INTO refuses to overwrite an existing file.
	if err := os.Remove(destPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear previous backup: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, destPath); err != nil {
		return fmt.Errorf("vacuum into %s: %w", destPath, err)
	}
	return nil
}

// retryOnBusy retries f on transient SQLite BUSY/LOCKED errors with
// exponential backoff and jitter.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks for SQLite BUSY (5) or LOCKED (6) errors by
// message, avoiding a direct dependency on the driver's error type.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}
