package memory_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/naze/internal/model"
	"github.com/ashita-ai/naze/internal/storage"
	"github.com/ashita-ai/naze/internal/storage/memory"
)

func ptr[T any](v T) *T { return &v }

func testRun(id, pipeline string, startedAt time.Time) model.Run {
	end := startedAt.Add(time.Second)
	return model.Run{
		RunID:     id,
		Pipeline:  pipeline,
		Status:    model.RunStatusCompleted,
		StartedAt: startedAt,
		EndedAt:   &end,
		Steps: []model.Step{
			{
				Name:         "filter_items",
				StepType:     model.StepTypeFilter,
				CaptureLevel: model.CaptureSample,
				InputCount:   ptr(100),
				OutputCount:  ptr(60),
				RejectionCounts: map[string]int{
					"bad": 40,
				},
				StartedAt: startedAt,
			},
		},
	}
}

func TestInsertRunIdempotency(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	run := testRun("r1", "p", time.Now().UTC())

	res, err := s.InsertRun(ctx, run, "hash-a")
	require.NoError(t, err)
	assert.Equal(t, storage.InsertCreated, res)

	res, err = s.InsertRun(ctx, run, "hash-a")
	require.NoError(t, err)
	assert.Equal(t, storage.InsertExists, res)

	res, err = s.InsertRun(ctx, run, "hash-b")
	require.NoError(t, err)
	assert.Equal(t, storage.InsertConflict, res)

	// Conflict leaves the stored copy untouched.
	assert.Equal(t, 1, s.Len())
}

func TestGetRunNotFound(t *testing.T) {
	s := memory.New()
	_, err := s.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListRunsFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		run := testRun(fmt.Sprintf("r%d", i), "search", base.Add(time.Duration(i)*time.Hour))
		_, err := s.InsertRun(ctx, run, fmt.Sprintf("h%d", i))
		require.NoError(t, err)
	}
	other := testRun("other", "checkout", base)
	other.Status = model.RunStatusFailed
	other.Error = ptr("boom")
	_, err := s.InsertRun(ctx, other, "ho")
	require.NoError(t, err)

	// Pipeline filter.
	got, total, err := s.ListRuns(ctx, model.RunFilter{Pipeline: ptr("search")})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, got, 5)
	// Newest first.
	assert.Equal(t, "r4", got[0].RunID)
	assert.Equal(t, "r0", got[4].RunID)

	// Status filter.
	failed := model.RunStatusFailed
	got, total, err = s.ListRuns(ctx, model.RunFilter{Status: &failed})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "other", got[0].RunID)

	// Time range.
	from := base.Add(90 * time.Minute)
	to := base.Add(200 * time.Minute)
	got, total, err = s.ListRuns(ctx, model.RunFilter{From: &from, To: &to})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, "r3", got[0].RunID)
	assert.Equal(t, "r2", got[1].RunID)

	// Pagination: total reflects all matches, page is bounded.
	got, total, err = s.ListRuns(ctx, model.RunFilter{Pipeline: ptr("search"), Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, got, 2)
	assert.Equal(t, "r3", got[0].RunID)
}

func TestScanStepsPushesDownStepType(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	base := time.Now().UTC()

	run := testRun("r1", "p", base)
	run.Steps = append(run.Steps, model.Step{
		Name:         "pick_best",
		StepType:     model.StepTypeSelect,
		CaptureLevel: model.CaptureSample,
		StartedAt:    base,
	})
	_, err := s.InsertRun(ctx, run, "h1")
	require.NoError(t, err)

	var seen []string
	filter := model.StepTypeFilter
	err = s.ScanSteps(ctx, &filter, func(e model.StepEnvelope) error {
		seen = append(seen, e.Step.Name)
		assert.Equal(t, "r1", e.RunID)
		assert.Equal(t, "p", e.Pipeline)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"filter_items"}, seen)
}

func TestScanStepsStopsOnCallbackError(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	_, err := s.InsertRun(ctx, testRun("r1", "p", time.Now().UTC()), "h1")
	require.NoError(t, err)

	sentinel := fmt.Errorf("stop")
	err = s.ScanSteps(ctx, nil, func(model.StepEnvelope) error { return sentinel })
	assert.ErrorIs(t, err, sentinel)
}
