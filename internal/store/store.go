// Package store persists the local snapshot and sync index in an embedded
// SQLite database with WAL mode. It implements the sync engine's local
// persistence boundary; the storage medium is an implementation detail and
// nothing above this package depends on SQL.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".

	"github.com/juholehto/taskvault/internal/sync"
)

// metaSnapshotModified is the meta-table key for the whole-snapshot
// modification time, stored as Unix nanoseconds.
const metaSnapshotModified = "snapshot_modified"

// SQLiteStore implements sync.Store on an embedded SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path, applies pragmas and
// migrations, and returns the store.
func Open(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening database %s: %w", path, err)
	}

	// Single writer: the engine serializes all mutation, and SQLite locks
	// whole-database anyway. One connection avoids SQLITE_BUSY entirely.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: applying %q: %w", pragma, err)
		}
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// LoadSnapshot reads every entity row into a snapshot. An empty database
// yields an empty snapshot, never an error.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context) (*sync.Snapshot, error) {
	snap := sync.NewSnapshot()

	rows, err := s.db.QueryContext(ctx, `SELECT key, body FROM entities`)
	if err != nil {
		return nil, fmt.Errorf("store: loading snapshot: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key  string
			body []byte
		)

		if err := rows.Scan(&key, &body); err != nil {
			return nil, fmt.Errorf("store: scanning entity row: %w", err)
		}

		snap.Entities[sync.Key(key)] = json.RawMessage(body)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: reading entity rows: %w", err)
	}

	modified, err := s.loadMetaTime(ctx, metaSnapshotModified)
	if err != nil {
		return nil, err
	}

	snap.Modified = modified

	return snap, nil
}

// SaveSnapshot rewrites the entity table from the snapshot in one
// transaction. Snapshots are small (thousands of rows at most) so a full
// rewrite is simpler and safer than diffing against the previous contents.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap *sync.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: beginning snapshot save: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM entities`); err != nil {
		return fmt.Errorf("store: clearing entities: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO entities (key, kind, body) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: preparing entity insert: %w", err)
	}
	defer stmt.Close()

	for key, body := range snap.Entities {
		if _, err := stmt.ExecContext(ctx, string(key), key.Kind(), []byte(body)); err != nil {
			return fmt.Errorf("store: inserting entity %s: %w", key, err)
		}
	}

	if err := saveMetaTime(ctx, tx, metaSnapshotModified, snap.Modified); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: committing snapshot save: %w", err)
	}

	return nil
}

// LoadIndex reads the local sync index. An empty database yields an empty
// index.
func (s *SQLiteStore) LoadIndex(ctx context.Context) (*sync.Index, error) {
	idx := sync.NewIndex()

	rows, err := s.db.QueryContext(ctx, `SELECT key, ts, tombstone FROM sync_index`)
	if err != nil {
		return nil, fmt.Errorf("store: loading index: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key       string
			tsNano    int64
			tombstone bool
		)

		if err := rows.Scan(&key, &tsNano, &tombstone); err != nil {
			return nil, fmt.Errorf("store: scanning index row: %w", err)
		}

		ts := time.Unix(0, tsNano).UTC()
		if tombstone {
			idx.Deletions[sync.Key(key)] = ts
		} else {
			idx.Entities[sync.Key(key)] = ts
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: reading index rows: %w", err)
	}

	return idx, nil
}

// SaveIndex rewrites the sync_index table from the index in one transaction.
func (s *SQLiteStore) SaveIndex(ctx context.Context, idx *sync.Index) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: beginning index save: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_index`); err != nil {
		return fmt.Errorf("store: clearing index: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO sync_index (key, ts, tombstone) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: preparing index insert: %w", err)
	}
	defer stmt.Close()

	for key, ts := range idx.Entities {
		if _, err := stmt.ExecContext(ctx, string(key), ts.UnixNano(), 0); err != nil {
			return fmt.Errorf("store: inserting index entry %s: %w", key, err)
		}
	}

	for key, ts := range idx.Deletions {
		if _, err := stmt.ExecContext(ctx, string(key), ts.UnixNano(), 1); err != nil {
			return fmt.Errorf("store: inserting tombstone %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: committing index save: %w", err)
	}

	return nil
}

// loadMetaTime reads a nanosecond timestamp from the meta table; missing
// keys yield the zero time.
func (s *SQLiteStore) loadMetaTime(ctx context.Context, key string) (time.Time, error) {
	var value string

	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}

	if err != nil {
		return time.Time{}, fmt.Errorf("store: loading meta %s: %w", key, err)
	}

	nano, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("store: parsing meta %s: %w", key, err)
	}

	if nano == 0 {
		return time.Time{}, nil
	}

	return time.Unix(0, nano).UTC(), nil
}

// saveMetaTime upserts a nanosecond timestamp into the meta table.
func saveMetaTime(ctx context.Context, tx *sql.Tx, key string, t time.Time) error {
	var nano int64
	if !t.IsZero() {
		nano = t.UnixNano()
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		key, strconv.FormatInt(nano, 10),
	)
	if err != nil {
		return fmt.Errorf("store: saving meta %s: %w", key, err)
	}

	return nil
}
