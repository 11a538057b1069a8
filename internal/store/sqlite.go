package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

var sqliteDialect = dialect{
	name:   "sqlite",
	insert: `INSERT INTO %s (user_id, stable_fingerprint, unstable_metrics, noise_report) VALUES (?, ?, ?, ?)`,
}

// OpenSQLite opens (creating if needed) the SQLite database at path and
// brings its schema up to date. Use a file path: every pooled connection to
// ":memory:" would see its own empty database.
func OpenSQLite(ctx context.Context, path, table string) (Store, error) {
	if table == "" {
		table = DefaultTable
	}
	if err := validateTableName(table); err != nil {
		return nil, err
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}

	if err := migrateSQLite(ctx, db, table); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqlStore{db: db, table: table, d: sqliteDialect}, nil
}

// migrateSQLite creates the table, adds noise_report to tables written before
// noise reports existed, and ensures the identity index.
func migrateSQLite(ctx context.Context, db *sql.DB, table string) error {
	if _, err := db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		stable_fingerprint TEXT NOT NULL,
		unstable_metrics TEXT NOT NULL,
		noise_report TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`, table)); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	hasNoise, err := sqliteHasColumn(ctx, db, table, "noise_report")
	if err != nil {
		return err
	}
	if !hasNoise {
		if _, err := db.ExecContext(ctx, fmt.Sprintf(
			`ALTER TABLE %s ADD COLUMN noise_report TEXT DEFAULT '{}'`, table)); err != nil {
			return fmt.Errorf("failed to add noise_report column: %w", err)
		}
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS idx_%[1]s_user_id ON %[1]s(user_id)`, table)); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

func sqliteHasColumn(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("inspect table: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return false, fmt.Errorf("inspect table: %w", err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
