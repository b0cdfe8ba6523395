package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"ex-kagura/pkg/kagura"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at TEXT NOT NULL
)`

// SQLite is a backend persisted to one SQLite database file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("open sqlite: empty path")
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One writer connection keeps transactions from racing on the file lock.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Get returns the stored value of key.
func (s *SQLite) Get(ctx context.Context, key string) ([]byte, error) {
	return sqliteGet(ctx, s.db, key)
}

// Set upserts key.
func (s *SQLite) Set(ctx context.Context, key string, value []byte) error {
	return sqliteSet(ctx, s.db, key, value)
}

// Delete removes key.
func (s *SQLite) Delete(ctx context.Context, key string) error {
	return sqliteDelete(ctx, s.db, key)
}

// List returns entries whose key starts with prefix, sorted by key.
func (s *SQLite) List(ctx context.Context, prefix string) ([]kagura.Entry, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT key, value FROM kv WHERE key LIKE ? ESCAPE '\' ORDER BY key`,
		escapeLike(prefix)+"%",
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite list %s: %w", prefix, err)
	}
	defer rows.Close()

	entries := make([]kagura.Entry, 0)
	for rows.Next() {
		var entry kagura.Entry
		if err := rows.Scan(&entry.Key, &entry.Value); err != nil {
			return nil, fmt.Errorf("sqlite list %s scan: %w", prefix, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite list %s: %w", prefix, err)
	}

	return entries, nil
}

// Update runs fn inside one database transaction.
func (s *SQLite) Update(ctx context.Context, fn func(tx kagura.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}
	if err := fn(sqliteTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("sqlite update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite commit: %w", err)
	}

	return nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

type sqlExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t sqliteTx) Get(ctx context.Context, key string) ([]byte, error) {
	return sqliteGet(ctx, t.tx, key)
}

func (t sqliteTx) Set(ctx context.Context, key string, value []byte) error {
	return sqliteSet(ctx, t.tx, key, value)
}

func (t sqliteTx) Delete(ctx context.Context, key string) error {
	return sqliteDelete(ctx, t.tx, key)
}

func sqliteGet(ctx context.Context, db sqlExecutor, key string) ([]byte, error) {
	var value []byte
	err := db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite get %s: %w", key, kagura.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get %s: %w", key, err)
	}

	return value, nil
}

func sqliteSet(ctx context.Context, db sqlExecutor, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return fmt.Errorf("sqlite set: %w", err)
	}
	if value == nil {
		value = []byte{}
	}
	_, err := db.ExecContext(
		ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("sqlite set %s: %w", key, err)
	}

	return nil
}

func sqliteDelete(ctx context.Context, db sqlExecutor, key string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("sqlite delete %s: %w", key, err)
	}

	return nil
}

func escapeLike(prefix string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(prefix)
}

var _ kagura.Store = (*SQLite)(nil)
