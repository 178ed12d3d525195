package naze

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// offlineQueue is the durable local buffer backing ModeBuffer. It is an
// append-only SQLite table keyed by run_id: INSERT OR IGNORE means a
// run already queued (or racing with a concurrent sync pass) is never
// duplicated, and the idempotent server makes at-least-once replay safe.
type offlineQueue struct {
	db *sql.DB
}

const queueSchema = `
CREATE TABLE IF NOT EXISTS offline_runs (
	run_id    TEXT PRIMARY KEY,
	payload   TEXT NOT NULL,
	queued_at INTEGER NOT NULL
);
`

func openOfflineQueue(path string) (*offlineQueue, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("naze: open offline queue: %w", err)
	}
	// Single writer; the queue is tiny and contention-free at one conn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(queueSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("naze: init offline queue: %w", err)
	}
	return &offlineQueue{db: db}, nil
}

func (q *offlineQueue) enqueue(ctx context.Context, runID string, payload []byte) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO offline_runs (run_id, payload, queued_at) VALUES (?, ?, ?)`,
		runID, string(payload), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("naze: enqueue run %s: %w", runID, err)
	}
	return nil
}

// list returns the queued run IDs in enqueue order. Snapshotting IDs
// rather than streaming rows lets a sync pass delete entries as it goes
// without holding a read open.
func (q *offlineQueue) list(ctx context.Context) ([]string, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT run_id FROM offline_runs ORDER BY queued_at, run_id`)
	if err != nil {
		return nil, fmt.Errorf("naze: list offline queue: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("naze: scan offline queue: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (q *offlineQueue) get(ctx context.Context, runID string) ([]byte, error) {
	var payload string
	err := q.db.QueryRowContext(ctx,
		`SELECT payload FROM offline_runs WHERE run_id = ?`, runID).Scan(&payload)
	if err != nil {
		return nil, err
	}
	return []byte(payload), nil
}

func (q *offlineQueue) remove(ctx context.Context, runID string) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM offline_runs WHERE run_id = ?`, runID)
	return err
}

func (q *offlineQueue) purgeAll(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM offline_runs`)
	if err != nil {
		return 0, fmt.Errorf("naze: purge offline queue: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (q *offlineQueue) count(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM offline_runs`).Scan(&n)
	return n, err
}

func (q *offlineQueue) close() error {
	return q.db.Close()
}
