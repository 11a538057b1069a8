package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

var postgresDialect = dialect{
	name:   "postgres",
	insert: `INSERT INTO %s (user_id, stable_fingerprint, unstable_metrics, noise_report) VALUES ($1, $2, $3, $4)`,
}

// OpenPostgres connects to PostgreSQL through lib/pq and ensures the schema.
func OpenPostgres(ctx context.Context, dsn, table string) (Store, error) {
	if table == "" {
		table = DefaultTable
	}
	if err := validateTableName(table); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, unavailable("ping database", err)
	}
	return newPostgresStore(ctx, db, table)
}

func newPostgresStore(ctx context.Context, db *sql.DB, table string) (*sqlStore, error) {
	if err := migratePostgres(ctx, db, table); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqlStore{db: db, table: table, d: postgresDialect}, nil
}

// migratePostgres mirrors migrateSQLite using JSONB columns. The composite
// index serves the MAX(id) per user_id lookup.
func migratePostgres(ctx context.Context, db *sql.DB, table string) error {
	if _, err := db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id BIGSERIAL PRIMARY KEY,
		user_id TEXT NOT NULL,
		stable_fingerprint JSONB NOT NULL,
		unstable_metrics JSONB NOT NULL,
		noise_report JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, table)); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf(
		`ALTER TABLE %s ADD COLUMN IF NOT EXISTS noise_report JSONB NOT NULL DEFAULT '{}'::jsonb`, table)); err != nil {
		return fmt.Errorf("failed to add noise_report column: %w", err)
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS idx_%[1]s_user_id ON %[1]s (user_id, id DESC)`, table)); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}
