package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const usersSchema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	api_key TEXT NOT NULL UNIQUE,
	usage_count INTEGER NOT NULL DEFAULT 0,
	usage_cycle_start TIMESTAMPTZ NOT NULL,
	usage_cycle_end TIMESTAMPTZ NOT NULL,
	monthly_quota INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS users_api_key_idx ON users (api_key);
`

// MigratePostgres applies the users schema. It is safe to run repeatedly.
func MigratePostgres(ctx context.Context, dsn string) error {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("parse postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("open postgres pool: %w", err)
	}
	defer pool.Close()
	if _, err := pool.Exec(ctx, usersSchema); err != nil {
		return fmt.Errorf("apply users schema: %w", err)
	}
	return nil
}
