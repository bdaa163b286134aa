package history

import (
	"context"
	"database/sql"
)

// schema contains the DDL for the run history tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id          TEXT PRIMARY KEY,
		state       TEXT NOT NULL DEFAULT 'RUNNING',
		input_dir   TEXT NOT NULL,
		out_dir     TEXT NOT NULL,
		samples     INTEGER NOT NULL DEFAULT 0,
		threads     INTEGER NOT NULL DEFAULT 0,
		jobs        INTEGER NOT NULL DEFAULT 0,
		error       TEXT NOT NULL DEFAULT '',
		started_at  TEXT NOT NULL,
		finished_at TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS invocations (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		stage       TEXT NOT NULL,
		sample      TEXT NOT NULL,
		state       TEXT NOT NULL,
		duration_ns INTEGER NOT NULL DEFAULT 0,
		error       TEXT NOT NULL DEFAULT '',
		started_at  TEXT NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at)`,
	`CREATE INDEX IF NOT EXISTS idx_invocations_run_id ON invocations(run_id)`,
	// Lookup of one sample's history across runs
	`CREATE INDEX IF NOT EXISTS idx_invocations_stage_sample ON invocations(stage, sample)`,
}

// migrate executes all schema DDL statements.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
