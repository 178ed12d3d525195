// Package storage defines the persistence contract the ingestion service
// and query engine depend on.
//
// The contract is deliberately narrow: upsert-by-id with existence check
// (idempotent ingestion), filtered run listing, and a streaming step scan
// for cross-pipeline queries. Concrete backends live in subpackages
// (memory, sqlite, postgres); nothing above this package knows which one
// is wired in.
package storage

import (
	"context"
	"errors"

	"github.com/ashita-ai/naze/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// InsertResult is the outcome of an InsertRun call.
type InsertResult string

const (
	// InsertCreated means the run was stored for the first time.
	InsertCreated InsertResult = "created"
	// InsertExists means an identical payload for this run_id is already
	// stored; the call was a no-op.
	InsertExists InsertResult = "already_exists"
	// InsertConflict means a different payload is already stored under
	// this run_id. The stored copy is never overwritten.
	InsertConflict InsertResult = "conflict"
)

// Store is the persistence backend for finalized runs.
//
// InsertRun must be atomic: two concurrent inserts of the same run_id
// resolve to exactly one InsertCreated. payloadHash is the canonical
// content hash of the run payload; it decides InsertExists vs
// InsertConflict on replay.
//
// ScanSteps streams every stored step joined with its run identity, in
// run recency order. stepType, when non-nil, is the only predicate a
// backend may push down; derived metrics are computed by the caller.
// The callback returning an error stops the scan and propagates it.
type Store interface {
	InsertRun(ctx context.Context, run model.Run, payloadHash string) (InsertResult, error)
	GetRun(ctx context.Context, runID string) (model.Run, error)
	ListRuns(ctx context.Context, f model.RunFilter) ([]model.RunSummary, int, error)
	ScanSteps(ctx context.Context, stepType *model.StepType, fn func(model.StepEnvelope) error) error
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
