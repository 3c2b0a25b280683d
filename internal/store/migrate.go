package store

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"
)

const sqliteMigrationSQL = `
CREATE TABLE IF NOT EXISTS executed_scripts (
    id TEXT PRIMARY KEY,
    identifier TEXT NOT NULL,
    started_at TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'running'
        CHECK (status IN ('running', 'success', 'failed', 'skipped')),
    output TEXT,
    duration_seconds REAL,
    timeout_seconds REAL CHECK (timeout_seconds IS NULL OR timeout_seconds > 0),
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_executed_scripts_identifier ON executed_scripts(identifier);
CREATE INDEX IF NOT EXISTS idx_executed_scripts_status ON executed_scripts(status);
CREATE INDEX IF NOT EXISTS idx_executed_scripts_started_at ON executed_scripts(started_at);
`

const postgresMigrationSQL = `
CREATE TABLE IF NOT EXISTS executed_scripts (
    id TEXT PRIMARY KEY,
    identifier TEXT NOT NULL,
    started_at TIMESTAMPTZ NOT NULL,
    status TEXT NOT NULL DEFAULT 'running'
        CHECK (status IN ('running', 'success', 'failed', 'skipped')),
    output TEXT,
    duration_seconds DOUBLE PRECISION,
    timeout_seconds DOUBLE PRECISION CHECK (timeout_seconds IS NULL OR timeout_seconds > 0),
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_executed_scripts_identifier ON executed_scripts(identifier);
CREATE INDEX IF NOT EXISTS idx_executed_scripts_status ON executed_scripts(status);
CREATE INDEX IF NOT EXISTS idx_executed_scripts_started_at ON executed_scripts(started_at);
`

// RunMigrations creates the executed_scripts table and its indexes.
// It is safe to run repeatedly.
func RunMigrations(ctx context.Context, db *sql.DB, dialect Dialect) error {
	schema := sqliteMigrationSQL
	if dialect == DialectPostgres {
		schema = postgresMigrationSQL
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return errors.Wrapf(err, "migrate %s schema", dialect)
	}
	return nil
}
