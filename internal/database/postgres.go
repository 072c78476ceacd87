package database

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Pool limits for the relay. Each worker holds at most one connection while
// it records a turn, and HTTP handlers only touch threads and chat_jobs briefly.
const (
	poolMaxConns        = 20
	poolMinConns        = 2
	poolMaxConnLifetime = 30 * time.Minute
	poolMaxConnIdle     = 5 * time.Minute
	connectTimeout      = 10 * time.Second
	migrateTimeout      = 30 * time.Second
)

// migrationLockID serialises schema changes when several relays start at once.
const migrationLockID int64 = 0x50554b43

// NewPostgresPool opens the relay's thread store and verifies it is reachable.
func NewPostgresPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = poolMaxConns
	cfg.MinConns = poolMinConns
	cfg.MaxConnLifetime = poolMaxConnLifetime
	cfg.MaxConnIdleTime = poolMaxConnIdle

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// RunMigrations applies the schema files in fsys that schema_migrations has
// not seen yet. Each file runs in its own transaction, under an advisory lock
// so concurrent relays apply it once.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, fsys fs.FS, logger zerolog.Logger) error {
	migrations, err := LoadMigrations(fsys)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, migrateTimeout)
	defer cancel()

	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := 0
	for _, m := range migrations {
		ok, err := applyMigration(ctx, pool, m)
		if err != nil {
			return err
		}
		if ok {
			applied++
			logger.Info().Int("version", m.Version).Str("file", m.Name).Msg("applied migration")
		}
	}
	logger.Debug().Int("applied", applied).Int("known", len(migrations)).Msg("schema up to date")
	return nil
}

func applyMigration(ctx context.Context, pool *pgxpool.Pool, m Migration) (bool, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("migration %d: begin: %w", m.Version, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", migrationLockID); err != nil {
		return false, fmt.Errorf("migration %d: lock: %w", m.Version, err)
	}

	var version int
	err = tx.QueryRow(ctx, "SELECT version FROM schema_migrations WHERE version = $1", m.Version).Scan(&version)
	switch {
	case err == nil:
		return false, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return false, fmt.Errorf("migration %d: check: %w", m.Version, err)
	}

	if _, err := tx.Exec(ctx, m.SQL); err != nil {
		return false, fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
	}
	if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version, name) VALUES ($1, $2)", m.Version, m.Name); err != nil {
		return false, fmt.Errorf("migration %d: record: %w", m.Version, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("migration %d: commit: %w", m.Version, err)
	}
	return true, nil
}
