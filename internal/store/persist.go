package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionLatest  = 1
	schemaChecksumLatest = "ec-v1-2026-08-entries-pending-clock"

	busyMaxRetries = 5
)

// dbHandle wraps the sqlite connection and owns all SQL. Per-key locking
// and listener fan-out live in Store; nothing here blocks on channels.
type dbHandle struct {
	db *sql.DB
}

// DefaultDBPath is the store location when config names none.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".extcore", "extcore.db")
}

func openDB(path string) (*dbHandle, string, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, "", fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, "", fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	h := &dbHandle{db: db}
	ctx := context.Background()
	if err := h.configurePragmas(ctx); err != nil {
		_ = db.Close()
		return nil, "", err
	}
	if err := h.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, "", err
	}
	writerID, err := h.ensureWriterID(ctx)
	if err != nil {
		_ = db.Close()
		return nil, "", err
	}
	return h, writerID, nil
}

func (h *dbHandle) Close() error {
	return h.db.Close()
}

func (h *dbHandle) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := h.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (h *dbHandle) initSchema(ctx context.Context) error {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	statements := []string{
		// Tombstone rows (deleted=1, value NULL) keep the per-key version
		// counter strictly increasing across remove and re-set.
		`CREATE TABLE IF NOT EXISTS entries (
			scope TEXT NOT NULL CHECK(scope IN ('local', 'synced')),
			key TEXT NOT NULL,
			value BLOB,
			deleted INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL,
			lamport INTEGER NOT NULL DEFAULT 0,
			last_writer TEXT NOT NULL DEFAULT '',
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (scope, key)
		);`,
		// One row per dirty key: rapid successive writes collapse to the
		// latest state before anything is pushed.
		`CREATE TABLE IF NOT EXISTS pending_sync (
			key TEXT PRIMARY KEY,
			value BLOB,
			deleted INTEGER NOT NULL DEFAULT 0,
			lamport INTEGER NOT NULL,
			writer TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS sync_clock (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			counter INTEGER NOT NULL DEFAULT 0,
			writer_id TEXT NOT NULL
		);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`,
		schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func (h *dbHandle) ensureWriterID(ctx context.Context) (string, error) {
	var writerID string
	err := h.db.QueryRowContext(ctx, `SELECT writer_id FROM sync_clock WHERE id = 1;`).Scan(&writerID)
	if err == nil {
		return writerID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("read writer id: %w", err)
	}
	writerID = uuid.NewString()
	if _, err := h.db.ExecContext(ctx,
		`INSERT INTO sync_clock (id, counter, writer_id) VALUES (1, 0, ?);`, writerID); err != nil {
		return "", fmt.Errorf("seed sync clock: %w", err)
	}
	return writerID, nil
}

// retryOnBusy retries f when sqlite reports BUSY or LOCKED, with
// exponential backoff and bounded jitter on top of the driver's
// busy_timeout.
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
		jitter := time.Duration(rand.Intn(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (h *dbHandle) readEntry(ctx context.Context, scope Scope, key string) (*Entry, error) {
	var (
		value   []byte
		deleted int
		entry   Entry
	)
	err := h.db.QueryRowContext(ctx, `
		SELECT value, deleted, version, lamport, last_writer
		FROM entries WHERE scope = ? AND key = ?;`, string(scope), key).
		Scan(&value, &deleted, &entry.Version, &entry.Lamport, &entry.LastWriter)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read entry %s/%s: %w", scope, key, err)
	}
	entry.Key = key
	entry.Scope = scope
	if deleted == 0 {
		entry.Value = json.RawMessage(value)
	}
	return &entry, nil
}

// writeLocal commits a local-scope write (or tombstone).
func (h *dbHandle) writeLocal(ctx context.Context, scope Scope, key string, value []byte, deleted bool, version int64, writer string) error {
	return retryOnBusy(ctx, busyMaxRetries, func() error {
		_, err := h.db.ExecContext(ctx, `
			INSERT INTO entries (scope, key, value, deleted, version, last_writer, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(scope, key) DO UPDATE SET
				value = excluded.value,
				deleted = excluded.deleted,
				version = excluded.version,
				last_writer = excluded.last_writer,
				updated_at = CURRENT_TIMESTAMP;`,
			string(scope), key, value, boolInt(deleted), version, writer)
		if err != nil {
			return fmt.Errorf("write entry %s/%s: %w", scope, key, err)
		}
		return nil
	})
}

// writeSynced commits a synced-scope write, ticks the persisted logical
// clock, and upserts the pending sync op, all in one transaction. The
// entry and the queued op are both stamped with the device writer ID so
// conflict resolution orders them identically on every replica. It
// returns the logical timestamp stamped on the write.
func (h *dbHandle) writeSynced(ctx context.Context, key string, value []byte, deleted bool, version int64) (uint64, error) {
	var lamport uint64
	err := retryOnBusy(ctx, busyMaxRetries, func() error {
		tx, err := h.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin synced write tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := tx.QueryRowContext(ctx, `
			UPDATE sync_clock SET counter = counter + 1 WHERE id = 1
			RETURNING counter;`).Scan(&lamport); err != nil {
			return fmt.Errorf("tick sync clock: %w", err)
		}

		var writerID string
		if err := tx.QueryRowContext(ctx, `SELECT writer_id FROM sync_clock WHERE id = 1;`).Scan(&writerID); err != nil {
			return fmt.Errorf("read writer id: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO entries (scope, key, value, deleted, version, lamport, last_writer, updated_at)
			VALUES ('synced', ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(scope, key) DO UPDATE SET
				value = excluded.value,
				deleted = excluded.deleted,
				version = excluded.version,
				lamport = excluded.lamport,
				last_writer = excluded.last_writer,
				updated_at = CURRENT_TIMESTAMP;`,
			key, value, boolInt(deleted), version, lamport, writerID); err != nil {
			return fmt.Errorf("write entry synced/%s: %w", key, err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pending_sync (key, value, deleted, lamport, writer, attempts, updated_at)
			VALUES (?, ?, ?, ?, ?, 0, CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET
				value = excluded.value,
				deleted = excluded.deleted,
				lamport = excluded.lamport,
				writer = excluded.writer,
				attempts = 0,
				updated_at = CURRENT_TIMESTAMP;`,
			key, value, boolInt(deleted), lamport, writerID); err != nil {
			return fmt.Errorf("enqueue pending sync for %s: %w", key, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit synced write tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return lamport, nil
}

func (h *dbHandle) liveKeys(ctx context.Context, scope Scope) ([]string, error) {
	rows, err := h.db.QueryContext(ctx,
		`SELECT key FROM entries WHERE scope = ? AND deleted = 0 ORDER BY key;`, string(scope))
	if err != nil {
		return nil, fmt.Errorf("list keys for %s: %w", scope, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (h *dbHandle) scopeUsage(ctx context.Context) (map[Scope]int64, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT scope, COALESCE(SUM(LENGTH(key) + LENGTH(value)), 0)
		FROM entries WHERE deleted = 0 GROUP BY scope;`)
	if err != nil {
		return nil, fmt.Errorf("read scope usage: %w", err)
	}
	defer rows.Close()

	usage := map[Scope]int64{ScopeLocal: 0, ScopeSynced: 0}
	for rows.Next() {
		var scope string
		var bytes int64
		if err := rows.Scan(&scope, &bytes); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		usage[Scope(scope)] = bytes
	}
	return usage, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
