package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/naze/internal/model"
	"github.com/ashita-ai/naze/internal/storage"
)

// InsertRun stores a finalized run atomically, idempotent on run_id.
// Concurrent inserts of the same run_id resolve via ON CONFLICT DO
// NOTHING: exactly one caller creates, the rest compare payload hashes.
func (s *Store) InsertRun(ctx context.Context, run model.Run, payloadHash string) (storage.InsertResult, error) {
	payload, err := json.Marshal(run)
	if err != nil {
		return "", fmt.Errorf("postgres: marshal run: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`INSERT INTO runs (run_id, pipeline, status, started_at, ended_at, duration_ms, step_count, payload_hash, payload)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb)
		 ON CONFLICT (run_id) DO NOTHING`,
		run.RunID, run.Pipeline, string(run.Status), run.StartedAt, run.EndedAt,
		run.DurationMS, len(run.Steps), payloadHash, payload,
	)
	if err != nil {
		return "", fmt.Errorf("postgres: insert run: %w", err)
	}

	if tag.RowsAffected() == 0 {
		var storedHash string
		if err := tx.QueryRow(ctx,
			`SELECT payload_hash FROM runs WHERE run_id = $1`, run.RunID,
		).Scan(&storedHash); err != nil {
			return "", fmt.Errorf("postgres: lookup existing run: %w", err)
		}
		if storedHash == payloadHash {
			return storage.InsertExists, nil
		}
		return storage.InsertConflict, nil
	}

	for i, st := range run.Steps {
		stepPayload, err := json.Marshal(st)
		if err != nil {
			return "", fmt.Errorf("postgres: marshal step %d: %w", i, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO steps (run_id, seq, step_type, payload) VALUES ($1, $2, $3, $4::jsonb)`,
			run.RunID, i, string(st.StepType), stepPayload,
		); err != nil {
			return "", fmt.Errorf("postgres: insert step %d: %w", i, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("postgres: commit: %w", err)
	}
	return storage.InsertCreated, nil
}

// GetRun retrieves a run with all nested steps.
func (s *Store) GetRun(ctx context.Context, runID string) (model.Run, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM runs WHERE run_id = $1`, runID,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Run{}, storage.ErrNotFound
	}
	if err != nil {
		return model.Run{}, fmt.Errorf("postgres: get run: %w", err)
	}

	var run model.Run
	if err := json.Unmarshal(payload, &run); err != nil {
		return model.Run{}, fmt.Errorf("postgres: unmarshal run %s: %w", runID, err)
	}
	return run, nil
}

// ListRuns returns run summaries matching the filter, newest first.
func (s *Store) ListRuns(ctx context.Context, f model.RunFilter) ([]model.RunSummary, int, error) {
	where, args := runFilterClauses(f)

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM runs`+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("postgres: count runs: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT run_id, pipeline, status, started_at, ended_at, duration_ms, step_count
	          FROM runs` + where +
		` ORDER BY started_at DESC LIMIT $` + strconv.Itoa(len(args)+1) +
		` OFFSET $` + strconv.Itoa(len(args)+2)

	rows, err := s.pool.Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("postgres: list runs: %w", err)
	}
	defer rows.Close()

	var summaries []model.RunSummary
	for rows.Next() {
		var (
			sum    model.RunSummary
			status string
		)
		if err := rows.Scan(&sum.RunID, &sum.Pipeline, &status, &sum.StartedAt,
			&sum.EndedAt, &sum.DurationMS, &sum.StepCount); err != nil {
			return nil, 0, fmt.Errorf("postgres: scan run: %w", err)
		}
		sum.Status = model.RunStatus(status)
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
		query += ` WHERE s.step_type = $1`
		args = append(args, string(*stepType))
	}
	query += ` ORDER BY r.started_at DESC, s.seq ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: scan steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			runID    string
			pipeline string
			payload  []byte
		)
		if err := rows.Scan(&runID, &pipeline, &payload); err != nil {
			return fmt.Errorf("postgres: scan step row: %w", err)
		}
		var st model.Step
		if err := json.Unmarshal(payload, &st); err != nil {
			s.logger.Warn("postgres: skipping undecodable step", "run_id", runID, "error", err)
			continue
		}
		if err := fn(model.StepEnvelope{RunID: runID, Pipeline: pipeline, Step: st}); err != nil {
			return err
		}
	}
	return rows.Err()
}

func runFilterClauses(f model.RunFilter) (string, []any) {
	var clauses []string
	var args []any
	add := func(expr string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(expr, len(args)))
	}
	if f.Pipeline != nil {
		add("pipeline = $%d", *f.Pipeline)
	}
	if f.Status != nil {
		add("status = $%d", string(*f.Status))
	}
	if f.From != nil {
		add("started_at >= $%d", f.From.UTC())
	}
	if f.To != nil {
		add("started_at <= $%d", f.To.UTC())
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
