// Package history keeps an audit trail of pipeline runs in SQLite.
//
// The trail is write-only from the pipeline's point of view: completion is
// always decided from published artifacts, never from this database.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/rnapipe/internal/logging"
	"github.com/me/rnapipe/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore records runs and invocations in a SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// ListOptions restricts ListRuns.
type ListOptions struct {
	State model.RunState
	Limit int
}

const defaultListLimit = 20

// timeFormat is fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// NewSQLiteStore opens (or creates) a SQLite database at dbPath.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	// Concurrent stage invocations write through one connection; this also
	// keeps ":memory:" databases from splitting across pool connections.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logging.OrDiscard(logger).With("component", "history"),
	}, nil
}

// Open opens the database at dbPath and applies the schema.
func Open(ctx context.Context, dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(dbPath, logger)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("migrate %s: %w", dbPath, err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// BeginRun inserts a new run.
func (s *SQLiteStore) BeginRun(ctx context.Context, run *model.RunRecord) error {
	s.logger.Debug("sql", "op", "insert", "table", "runs", "id", run.ID)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, state, input_dir, out_dir, samples, threads, jobs, error, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.State), run.InputDir, run.OutDir, run.Samples, run.Threads, run.Jobs,
		run.Error, run.StartedAt.UTC().Format(timeFormat), formatTime(run.FinishedAt),
	)
	return err
}

// FinishRun updates the final state of a run.
func (s *SQLiteStore) FinishRun(ctx context.Context, run *model.RunRecord) error {
	s.logger.Debug("sql", "op", "update", "table", "runs", "id", run.ID, "state", run.State)

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET state=?, samples=?, error=?, finished_at=? WHERE id=?`,
		string(run.State), run.Samples, run.Error, formatTime(run.FinishedAt), run.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %s not found", run.ID)
	}
	return nil
}

// RecordInvocation appends one invocation outcome.
func (s *SQLiteStore) RecordInvocation(ctx context.Context, rec *model.InvocationRecord) error {
	s.logger.Debug("sql", "op", "insert", "table", "invocations", "run_id", rec.RunID, "stage", rec.Stage, "sample", rec.Sample)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invocations (run_id, stage, sample, state, duration_ns, error, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Stage, rec.Sample, string(rec.State), int64(rec.Duration),
		rec.Error, rec.StartedAt.UTC().Format(timeFormat),
	)
	return err
}

// GetRun returns the run with id, or nil if there is none.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.RunRecord, error) {
	s.logger.Debug("sql", "op", "select", "table", "runs", "id", id)

	row := s.db.QueryRowContext(ctx,
		`SELECT id, state, input_dir, out_dir, samples, threads, jobs, error, started_at, finished_at
		 FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// ListRuns returns runs, most recent first.
func (s *SQLiteStore) ListRuns(ctx context.Context, opts ListOptions) ([]*model.RunRecord, error) {
	if opts.Limit <= 0 {
		opts.Limit = defaultListLimit
	}
	s.logger.Debug("sql", "op", "list", "table", "runs", "state", opts.State, "limit", opts.Limit)

	query := `SELECT id, state, input_dir, out_dir, samples, threads, jobs, error, started_at, finished_at FROM runs`
	var args []any
	if opts.State != "" {
		query += ` WHERE state = ?`
		args = append(args, string(opts.State))
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, opts.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*model.RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListInvocations returns the invocations of a run in the order they started.
func (s *SQLiteStore) ListInvocations(ctx context.Context, runID string) ([]*model.InvocationRecord, error) {
	s.logger.Debug("sql", "op", "list", "table", "invocations", "run_id", runID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, stage, sample, state, duration_ns, error, started_at
		 FROM invocations WHERE run_id = ? ORDER BY started_at, id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.InvocationRecord
	for rows.Next() {
		var rec model.InvocationRecord
		var state, startedAt string
		var duration int64
		if err := rows.Scan(&rec.RunID, &rec.Stage, &rec.Sample, &state, &duration, &rec.Error, &startedAt); err != nil {
			return nil, err
		}
		rec.State = model.StageState(state)
		rec.Duration = time.Duration(duration)
		rec.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*model.RunRecord, error) {
	var run model.RunRecord
	var state, startedAt string
	var finishedAt *string
	if err := sc.Scan(&run.ID, &state, &run.InputDir, &run.OutDir, &run.Samples, &run.Threads, &run.Jobs,
		&run.Error, &startedAt, &finishedAt); err != nil {
		return nil, err
	}
	run.State = model.RunState(state)
	run.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	if finishedAt != nil {
		t, _ := time.Parse(time.RFC3339Nano, *finishedAt)
		run.FinishedAt = &t
	}
	return &run, nil
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(timeFormat)
	return &s
}
