package query_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/naze/internal/model"
	"github.com/ashita-ai/naze/internal/service/query"
	"github.com/ashita-ai/naze/internal/storage"
	"github.com/ashita-ai/naze/internal/storage/memory"
)

func ptr[T any](v T) *T { return &v }

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// seedStore loads two pipelines that name their filtering step differently
// but tag it with the same step_type. Cross-pipeline queries must group on
// the type, never the name.
func seedStore(t *testing.T) *memory.Store {
	t.Helper()
	ctx := context.Background()
	s := memory.New()
	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

	mk := func(id, pipeline, stepName string, startedAt time.Time, in, out int, rejections map[string]int) model.Run {
		end := startedAt.Add(time.Second)
		dur := int64(120)
		return model.Run{
			RunID:     id,
			Pipeline:  pipeline,
			Status:    model.RunStatusCompleted,
			StartedAt: startedAt,
			EndedAt:   &end,
			Steps: []model.Step{
				{
					Name:            stepName,
					StepType:        model.StepTypeFilter,
					CaptureLevel:    model.CaptureSample,
					InputCount:      &in,
					OutputCount:     &out,
					RejectionCounts: rejections,
					DurationMS:      &dur,
					StartedAt:       startedAt,
				},
			},
		}
	}

	runs := []model.Run{
		// High rejection rate: 469/500 = 0.938.
		mk("r1", "product_search", "filter_products", base, 500, 31,
			map[string]int{"price_too_high": 469}),
		// Different pipeline and name, same step_type, 95/100 = 0.95.
		mk("r2", "listing_cleanup", "remove_bad_items", base.Add(time.Hour), 100, 5,
			map[string]int{"spam": 95}),
		// Low rejection rate: 10/200 = 0.05.
		mk("r3", "product_search", "filter_products", base.Add(2*time.Hour), 200, 190,
			map[string]int{"out_of_stock": 10}),
	}
	for i, r := range runs {
		_, err := s.InsertRun(ctx, r, r.RunID+"-hash")
		require.NoError(t, err, "seed run %d", i)
	}
	return s
}

func TestSearchStepsCrossPipeline(t *testing.T) {
	eng := query.New(seedStore(t), discard())

	// step_type + rejection_rate_gt finds the offending steps in BOTH
	// pipelines regardless of their names.
	ft := model.StepTypeFilter
	hits, total, err := eng.SearchSteps(context.Background(), model.StepFilter{
		StepType:        &ft,
		RejectionRateGT: ptr(0.9),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	names := map[string]string{}
	for _, h := range hits {
		names[h.StepName] = h.Pipeline
	}
	assert.Equal(t, "product_search", names["filter_products"])
	assert.Equal(t, "listing_cleanup", names["remove_bad_items"])
}

func TestSearchStepsRejectionRateDerived(t *testing.T) {
	eng := query.New(seedStore(t), discard())

	hits, _, err := eng.SearchSteps(context.Background(), model.StepFilter{
		RejectionRateLT: ptr(0.1),
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "r3", hits[0].RunID)
	assert.InDelta(t, 0.05, hits[0].RejectionRate, 1e-9)
}

func TestSearchStepsNameSubstring(t *testing.T) {
	eng := query.New(seedStore(t), discard())

	hits, _, err := eng.SearchSteps(context.Background(), model.StepFilter{
		Name: ptr("BAD_items"),
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "remove_bad_items", hits[0].StepName)
}

func TestSearchStepsZeroInputRate(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	start := time.Now().UTC()
	run := model.Run{
		RunID:     "empty",
		Pipeline:  "p",
		Status:    model.RunStatusCompleted,
		StartedAt: start,
		Steps: []model.Step{
			{
				Name:            "filter_nothing",
				StepType:        model.StepTypeFilter,
				CaptureLevel:    model.CaptureSample,
				InputCount:      ptr(0),
				OutputCount:     ptr(0),
				RejectionCounts: map[string]int{},
				StartedAt:       start,
			},
		},
	}
	_, err := s.InsertRun(ctx, run, "h")
	require.NoError(t, err)

	eng := query.New(s, discard())

	// rejection_rate is defined as 0 for zero input, so the step matches
	// a low-rate filter and never a high-rate one.
	hits, _, err := eng.SearchSteps(ctx, model.StepFilter{RejectionRateLT: ptr(0.5)})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Zero(t, hits[0].RejectionRate)

	hits, _, err = eng.SearchSteps(ctx, model.StepFilter{RejectionRateGT: ptr(0.0)})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearchStepsMinScore(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	start := time.Now().UTC()
	run := model.Run{
		RunID:     "r1",
		Pipeline:  "p",
		Status:    model.RunStatusCompleted,
		StartedAt: start,
		Steps: []model.Step{
			{
				Name: "pick_case", StepType: model.StepTypeSelect,
				CaptureLevel: model.CaptureSample, StartedAt: start,
				Decision: &model.Decision{Selected: "c1", Score: ptr(0.91)},
			},
			{
				Name: "pick_cheap", StepType: model.StepTypeSelect,
				CaptureLevel: model.CaptureSample, StartedAt: start,
				Decision: &model.Decision{Selected: "c2", Score: ptr(0.4)},
			},
			{
				Name: "no_decision", StepType: model.StepTypeSelect,
				CaptureLevel: model.CaptureSample, StartedAt: start,
			},
		},
	}
	_, err := s.InsertRun(ctx, run, "h")
	require.NoError(t, err)

	eng := query.New(s, discard())
	hits, _, err := eng.SearchSteps(ctx, model.StepFilter{MinScore: ptr(0.9)})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "pick_case", hits[0].StepName)
}

func TestSearchStepsRejectsMalformedPredicates(t *testing.T) {
	eng := query.New(seedStore(t), discard())
	ctx := context.Background()

	var qerr *query.Error

	unknown := model.StepType("summarize")
	_, _, err := eng.SearchSteps(ctx, model.StepFilter{StepType: &unknown})
	require.ErrorAs(t, err, &qerr)

	_, _, err = eng.SearchSteps(ctx, model.StepFilter{RejectionRateGT: ptr(1.5)})
	require.ErrorAs(t, err, &qerr)

	_, _, err = eng.SearchSteps(ctx, model.StepFilter{Limit: query.MaxPageSize + 1})
	require.ErrorAs(t, err, &qerr)

	_, _, err = eng.SearchSteps(ctx, model.StepFilter{Offset: -1})
	require.ErrorAs(t, err, &qerr)
}

func TestListRunsValidation(t *testing.T) {
	eng := query.New(seedStore(t), discard())
	ctx := context.Background()

	var qerr *query.Error

	bad := model.RunStatus("paused")
	_, _, err := eng.ListRuns(ctx, model.RunFilter{Status: &bad})
	require.ErrorAs(t, err, &qerr)

	from := time.Now()
	to := from.Add(-time.Hour)
	_, _, err = eng.ListRuns(ctx, model.RunFilter{From: &from, To: &to})
	require.ErrorAs(t, err, &qerr)
	assert.Contains(t, qerr.Reason, "inverted")
}

func TestGetRun(t *testing.T) {
	eng := query.New(seedStore(t), discard())
	ctx := context.Background()

	run, err := eng.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "product_search", run.Pipeline)
	require.Len(t, run.Steps, 1)

	_, err = eng.GetRun(ctx, "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	var qerr *query.Error
	_, err = eng.GetRun(ctx, "  ")
	require.ErrorAs(t, err, &qerr)
}
