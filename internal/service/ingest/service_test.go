package ingest_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/naze/internal/model"
	"github.com/ashita-ai/naze/internal/service/ingest"
	"github.com/ashita-ai/naze/internal/storage/memory"
)

func ptr[T any](v T) *T { return &v }

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func completedRun(id string) model.Run {
	start := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(time.Second)
	return model.Run{
		RunID:     id,
		Pipeline:  "product_search",
		Status:    model.RunStatusCompleted,
		StartedAt: start,
		EndedAt:   &end,
		Steps: []model.Step{
			{
				Name:            "filter_by_price",
				StepType:        model.StepTypeFilter,
				CaptureLevel:    model.CaptureSample,
				InputCount:      ptr(500),
				OutputCount:     ptr(31),
				RejectionCounts: map[string]int{"price_too_high": 469},
				StartedAt:       start,
			},
		},
	}
}

func TestIngestIdempotency(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := ingest.New(store, discard(), false)

	resp, err := svc.Ingest(ctx, completedRun("r1"))
	require.NoError(t, err)
	assert.Equal(t, model.IngestCreated, resp.Status)
	assert.Equal(t, "r1", resp.RunID)

	// Identical replay is a no-op.
	resp, err = svc.Ingest(ctx, completedRun("r1"))
	require.NoError(t, err)
	assert.Equal(t, model.IngestAlreadyExists, resp.Status)
	assert.Equal(t, 1, store.Len())

	// Same run_id, different payload is a conflict, not an overwrite.
	changed := completedRun("r1")
	changed.Steps[0].RejectionCounts["price_too_high"] = 470
	changed.Steps[0].OutputCount = ptr(30)
	_, err = svc.Ingest(ctx, changed)
	assert.ErrorIs(t, err, ingest.ErrConflict)

	stored, err := store.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 469, stored.Steps[0].RejectionCounts["price_too_high"])
}

func TestIngestNormalizesUnknownStepType(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := ingest.New(store, discard(), false)

	run := completedRun("r1")
	run.Steps[0].StepType = "summarize"
	run.Steps[0].CaptureLevel = ""

	resp, err := svc.Ingest(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, model.IngestCreated, resp.Status)

	stored, err := store.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.StepTypeOther, stored.Steps[0].StepType)
	assert.Equal(t, model.CaptureSample, stored.Steps[0].CaptureLevel)
}

func TestIngestRejectsMalformedRun(t *testing.T) {
	ctx := context.Background()
	svc := ingest.New(memory.New(), discard(), false)

	var verr *ingest.ValidationError

	run := completedRun("")
	_, err := svc.Ingest(ctx, run)
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reason, "run_id")

	running := completedRun("r2")
	running.Status = model.RunStatusRunning
	_, err = svc.Ingest(ctx, running)
	require.ErrorAs(t, err, &verr)
}

func TestIngestReconcileAdvisoryByDefault(t *testing.T) {
	ctx := context.Background()
	svc := ingest.New(memory.New(), discard(), false)

	run := completedRun("r1")
	run.Steps[0].OutputCount = ptr(40) // 40 + 469 != 500

	resp, err := svc.Ingest(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, model.IngestCreated, resp.Status)
}

func TestIngestReconcileStrictRejects(t *testing.T) {
	ctx := context.Background()
	svc := ingest.New(memory.New(), discard(), true)

	run := completedRun("r1")
	run.Steps[0].OutputCount = ptr(40)

	var verr *ingest.ValidationError
	_, err := svc.Ingest(ctx, run)
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reason, "input_count")
}

func TestIngestHashInsensitiveToNormalization(t *testing.T) {
	// A producer that sends "summarize" and one that sends the normalized
	// "other" must hash identically, or replays would miscount as conflicts.
	ctx := context.Background()
	store := memory.New()
	svc := ingest.New(store, discard(), false)

	raw := completedRun("r1")
	raw.Steps[0].StepType = "summarize"
	_, err := svc.Ingest(ctx, raw)
	require.NoError(t, err)

	normalized := completedRun("r1")
	normalized.Steps[0].StepType = model.StepTypeOther
	resp, err := svc.Ingest(ctx, normalized)
	require.NoError(t, err)
	assert.Equal(t, model.IngestAlreadyExists, resp.Status)
}
