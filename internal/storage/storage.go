package storage

import (
	"context"
	"fmt"
	"strings"

	"ex-kagura/pkg/kagura"
)

const (
	// DriverMemory keeps data in process memory.
	DriverMemory = "memory"
	// DriverSQLite persists data to one SQLite file.
	DriverSQLite = "sqlite"
	// DriverPostgres persists data to PostgreSQL.
	DriverPostgres = "postgres"
)

// Config selects and configures one backend.
type Config struct {
	// Driver is memory, sqlite or postgres.
	Driver string
	// DSN is the SQLite path or the PostgreSQL connection string.
	DSN string
}

// Open builds the configured backend.
func Open(ctx context.Context, cfg Config) (kagura.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverMemory:
		return NewMemory(), nil
	case DriverSQLite:
		store, err := OpenSQLite(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		return store, nil
	case DriverPostgres:
		store, err := OpenPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("open storage: unsupported driver %q", cfg.Driver)
	}
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("empty key")
	}

	return nil
}
