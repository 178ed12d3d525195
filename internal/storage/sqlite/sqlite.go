// Package sqlite provides a single-node Store backed by SQLite via the
// pure-Go modernc driver. It is the default backend for local and
// single-process deployments; production multi-writer setups use the
// postgres backend.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashita-ai/naze/internal/model"
	"github.com/ashita-ai/naze/internal/storage"
)

// Store is a SQLite-backed implementation of storage.Store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New opens (or creates) the database at path and runs schema setup.
// The special value ":memory:" creates a transient in-memory database.
func New(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite: database path is required")
	}

	// WAL mode lets readers proceed while an ingest transaction commits.
	connStr := path
	if path != ":memory:" {
		connStr += "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// Single writer; WAL still allows concurrent readers.
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id        TEXT PRIMARY KEY,
			pipeline      TEXT NOT NULL,
			status        TEXT NOT NULL,
			started_at_ms INTEGER NOT NULL,
			ended_at_ms   INTEGER,
			duration_ms   INTEGER,
			step_count    INTEGER NOT NULL,
			payload_hash  TEXT NOT NULL,
			payload       TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_pipeline ON runs(pipeline)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at_ms DESC)`,
		`CREATE TABLE IF NOT EXISTS steps (
			run_id    TEXT NOT NULL REFERENCES runs(run_id),
			seq       INTEGER NOT NULL,
			step_type TEXT NOT NULL,
			payload   TEXT NOT NULL,
			PRIMARY KEY (run_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_type ON steps(step_type)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// InsertRun stores a finalized run atomically, idempotent on run_id.
func (s *Store) InsertRun(ctx context.Context, run model.Run, payloadHash string) (storage.InsertResult, error) {
	payload, err := json.Marshal(run)
	if err != nil {
		return "", fmt.Errorf("sqlite: marshal run: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO runs
		 (run_id, pipeline, status, started_at_ms, ended_at_ms, duration_ms, step_count, payload_hash, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.Pipeline, string(run.Status),
		run.StartedAt.UnixMilli(), endedAtMS(run.EndedAt), run.DurationMS,
		len(run.Steps), payloadHash, string(payload),
	)
	if err != nil {
		return "", fmt.Errorf("sqlite: insert run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("sqlite: rows affected: %w", err)
	}

	if affected == 0 {
		var storedHash string
		if err := tx.QueryRowContext(ctx,
			`SELECT payload_hash FROM runs WHERE run_id = ?`, run.RunID,
		).Scan(&storedHash); err != nil {
			return "", fmt.Errorf("sqlite: lookup existing run: %w", err)
		}
		if storedHash == payloadHash {
			return storage.InsertExists, nil
		}
		return storage.InsertConflict, nil
	}

	for i, st := range run.Steps {
		stepPayload, err := json.Marshal(st)
		if err != nil {
			return "", fmt.Errorf("sqlite: marshal step %d: %w", i, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO steps (run_id, seq, step_type, payload) VALUES (?, ?, ?, ?)`,
			run.RunID, i, string(st.StepType), string(stepPayload),
		); err != nil {
			return "", fmt.Errorf("sqlite: insert step %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("sqlite: commit: %w", err)
	}
	return storage.InsertCreated, nil
}

// GetRun retrieves a run with all nested steps.
func (s *Store) GetRun(ctx context.Context, runID string) (model.Run, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM runs WHERE run_id = ?`, runID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Run{}, storage.ErrNotFound
	}
	if err != nil {
		return model.Run{}, fmt.Errorf("sqlite: get run: %w", err)
	}

	var run model.Run
	if err := json.Unmarshal([]byte(payload), &run); err != nil {
		return model.Run{}, fmt.Errorf("sqlite: unmarshal run %s: %w", runID, err)
	}
	return run, nil
}

// ListRuns returns run summaries matching the filter, newest first.
func (s *Store) ListRuns(ctx context.Context, f model.RunFilter) ([]model.RunSummary, int, error) {
	where, args := runFilterClauses(f)

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs`+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("sqlite: count runs: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, pipeline, status, started_at_ms, ended_at_ms, duration_ms, step_count
		 FROM runs`+where+` ORDER BY started_at_ms DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("sqlite: list runs: %w", err)
	}
	defer rows.Close()

	var summaries []model.RunSummary
	for rows.Next() {
		var (
			sum       model.RunSummary
			status    string
			startedMS int64
			endedMS   sql.NullInt64
			duration  sql.NullInt64
		)
		if err := rows.Scan(&sum.RunID, &sum.Pipeline, &status, &startedMS, &endedMS, &duration, &sum.StepCount); err != nil {
			return nil, 0, fmt.Errorf("sqlite: scan run: %w", err)
		}
		sum.Status = model.RunStatus(status)
		sum.StartedAt = time.UnixMilli(startedMS).UTC()
		if endedMS.Valid {
			t := time.UnixMilli(endedMS.Int64).UTC()
			sum.EndedAt = &t
		}
		if duration.Valid {
			d := duration.Int64
			sum.DurationMS = &d
		}
		summaries = append(summaries, sum)
	}
	return summaries, total, rows.Err()
}

// ScanSteps streams stored steps joined with run identity, newest run first.
func (s *Store) ScanSteps(ctx context.Context, stepType *model.StepType, fn func(model.StepEnvelope) error) error {
	query := `SELECT s.run_id, r.pipeline, s.payload
	          FROM steps s JOIN runs r ON r.run_id = s.run_id`
	var args []any
	if stepType != nil {
		query += ` WHERE s.step_type = ?`
		args = append(args, string(*stepType))
	}
	query += ` ORDER BY r.started_at_ms DESC, s.seq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("sqlite: scan steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			runID    string
			pipeline string
			payload  string
		)
		if err := rows.Scan(&runID, &pipeline, &payload); err != nil {
			return fmt.Errorf("sqlite: scan step row: %w", err)
		}
		var st model.Step
		if err := json.Unmarshal([]byte(payload), &st); err != nil {
			s.logger.Warn("sqlite: skipping undecodable step", "run_id", runID, "error", err)
			continue
		}
		if err := fn(model.StepEnvelope{RunID: runID, Pipeline: pipeline, Step: st}); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database handle.
func (s *Store) Close(context.Context) error {
	return s.db.Close()
}

func runFilterClauses(f model.RunFilter) (string, []any) {
	var clauses []string
	var args []any
	if f.Pipeline != nil {
		clauses = append(clauses, "pipeline = ?")
		args = append(args, *f.Pipeline)
	}
	if f.Status != nil {
		clauses = append(clauses, "status = ?")
		args = append(args, string(*f.Status))
	}
	if f.From != nil {
		clauses = append(clauses, "started_at_ms >= ?")
		args = append(args, f.From.UnixMilli())
	}
	if f.To != nil {
		clauses = append(clauses, "started_at_ms <= ?")
		args = append(args, f.To.UnixMilli())
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func endedAtMS(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}
