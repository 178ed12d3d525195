// Package ingest implements the run ingestion service: validation,
// taxonomy normalization, and idempotent persistence.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/naze/internal/model"
	"github.com/ashita-ai/naze/internal/storage"
)

// ErrConflict is returned when a run_id is replayed with a different
// payload. Distinct from idempotent success so operators can detect
// run_id collisions or client bugs.
var ErrConflict = errors.New("ingest: run_id already exists with a different payload")

// ValidationError reports a payload that violates structural invariants.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "ingest: invalid run payload: " + e.Reason
}

var ingestMeter = otel.GetMeterProvider().Meter("naze/ingest")

// Service validates and persists finalized runs.
type Service struct {
	store  storage.Store
	logger *slog.Logger
	// strictReconcile promotes count-reconciliation discrepancies from
	// advisory log lines to validation errors.
	strictReconcile bool
}

// New creates an ingestion service backed by the given store.
func New(store storage.Store, logger *slog.Logger, strictReconcile bool) *Service {
	return &Service{store: store, logger: logger, strictReconcile: strictReconcile}
}

// Ingest normalizes, validates, and stores one finalized run.
//
// Unknown step types are mapped to "other" rather than rejecting the run.
// Ingestion is idempotent on run_id: replaying an identical payload
// returns already_exists; a differing payload returns ErrConflict and the
// stored copy is untouched.
func (s *Service) Ingest(ctx context.Context, run model.Run) (model.IngestRunResponse, error) {
	run = Normalize(run)

	if err := model.ValidateRun(run); err != nil {
		return model.IngestRunResponse{}, &ValidationError{Reason: err.Error()}
	}

	if err := model.ReconcileCounts(run); err != nil {
		if s.strictReconcile {
			return model.IngestRunResponse{}, &ValidationError{Reason: err.Error()}
		}
		s.logger.Warn("ingest: count reconciliation mismatch (advisory)",
			"run_id", run.RunID, "detail", err.Error())
	}

	hash, err := payloadHash(run)
	if err != nil {
		return model.IngestRunResponse{}, fmt.Errorf("ingest: hash payload: %w", err)
	}

	result, err := s.store.InsertRun(ctx, run, hash)
	if err != nil {
		return model.IngestRunResponse{}, fmt.Errorf("ingest: store run: %w", err)
	}

	recordIngest(ctx, run, result)

	switch result {
	case storage.InsertCreated:
		s.logger.Info("ingest: run stored",
			"run_id", run.RunID, "pipeline", run.Pipeline,
			"status", run.Status, "steps", len(run.Steps))
		return model.IngestRunResponse{RunID: run.RunID, Status: model.IngestCreated}, nil
	case storage.InsertExists:
		return model.IngestRunResponse{RunID: run.RunID, Status: model.IngestAlreadyExists}, nil
	case storage.InsertConflict:
		return model.IngestRunResponse{}, ErrConflict
	default:
		return model.IngestRunResponse{}, fmt.Errorf("ingest: unexpected insert result %q", result)
	}
}

// Normalize maps unknown step types to "other" and fills defaulted
// capture levels. It never removes or reorders anything.
func Normalize(run model.Run) model.Run {
	for i := range run.Steps {
		run.Steps[i].StepType = model.NormalizeStepType(run.Steps[i].StepType)
		if run.Steps[i].CaptureLevel == "" {
			run.Steps[i].CaptureLevel = model.CaptureSample
		}
	}
	return run
}

// payloadHash is the canonical content hash used for idempotency
// comparisons. Computed over the normalized payload so a replayed run
// hashes identically regardless of which server normalized it first.
func payloadHash(run model.Run) (string, error) {
	b, err := json.Marshal(run)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

func recordIngest(ctx context.Context, run model.Run, result storage.InsertResult) {
	if counter, err := ingestMeter.Int64Counter("naze.ingest.runs"); err == nil {
		counter.Add(ctx, 1, otelmetric.WithAttributes(
			attribute.String("pipeline", run.Pipeline),
			attribute.String("result", string(result)),
		))
	}
}
