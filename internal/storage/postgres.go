package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"ex-kagura/pkg/kagura"
)

const postgresSchema = `CREATE TABLE IF NOT EXISTS kagura_kv (
	key        TEXT PRIMARY KEY,
	value      BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Postgres is a backend persisted to PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects, verifies the connection and ensures the schema.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("open postgres: empty dsn")
	}

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create postgres schema: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

// Get returns the stored value of key.
func (p *Postgres) Get(ctx context.Context, key string) ([]byte, error) {
	return postgresGet(ctx, p.pool, key)
}

// Set upserts key.
func (p *Postgres) Set(ctx context.Context, key string, value []byte) error {
	return postgresSet(ctx, p.pool, key, value)
}

// Delete removes key.
func (p *Postgres) Delete(ctx context.Context, key string) error {
	return postgresDelete(ctx, p.pool, key)
}

// List returns entries whose key starts with prefix, sorted by key.
func (p *Postgres) List(ctx context.Context, prefix string) ([]kagura.Entry, error) {
	rows, err := p.pool.Query(
		ctx,
		`SELECT key, value FROM kagura_kv WHERE key LIKE $1 ESCAPE '\' ORDER BY key`,
		escapeLike(prefix)+"%",
	)
	if err != nil {
		return nil, fmt.Errorf("postgres list %s: %w", prefix, err)
	}
	defer rows.Close()

	entries := make([]kagura.Entry, 0)
	for rows.Next() {
		var entry kagura.Entry
		if err := rows.Scan(&entry.Key, &entry.Value); err != nil {
			return nil, fmt.Errorf("postgres list %s scan: %w", prefix, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres list %s: %w", prefix, err)
	}

	return entries, nil
}

// Update runs fn inside one serializable transaction.
func (p *Postgres) Update(ctx context.Context, fn func(tx kagura.Tx) error) error {
	err := pgx.BeginTxFunc(ctx, p.pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(tx pgx.Tx) error {
		return fn(postgresTx{tx: tx})
	})
	if err != nil {
		return fmt.Errorf("postgres update: %w", err)
	}

	return nil
}

// Close closes the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

type pgExecutor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type postgresTx struct {
	tx pgx.Tx
}

func (t postgresTx) Get(ctx context.Context, key string) ([]byte, error) {
	return postgresGet(ctx, t.tx, key)
}

func (t postgresTx) Set(ctx context.Context, key string, value []byte) error {
	return postgresSet(ctx, t.tx, key, value)
}

func (t postgresTx) Delete(ctx context.Context, key string) error {
	return postgresDelete(ctx, t.tx, key)
}

func postgresGet(ctx context.Context, db pgExecutor, key string) ([]byte, error) {
	var value []byte
	err := db.QueryRow(ctx, `SELECT value FROM kagura_kv WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres get %s: %w", key, kagura.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres get %s: %w", key, err)
	}

	return value, nil
}

func postgresSet(ctx context.Context, db pgExecutor, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return fmt.Errorf("postgres set: %w", err)
	}
	if value == nil {
		value = []byte{}
	}
	_, err := db.Exec(
		ctx,
		`INSERT INTO kagura_kv (key, value, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("postgres set %s: %w", key, err)
	}

	return nil
}

func postgresDelete(ctx context.Context, db pgExecutor, key string) error {
	if _, err := db.Exec(ctx, `DELETE FROM kagura_kv WHERE key = $1`, key); err != nil {
		return fmt.Errorf("postgres delete %s: %w", key, err)
	}

	return nil
}

var _ kagura.Store = (*Postgres)(nil)
