package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/naze/internal/model"
	"github.com/ashita-ai/naze/internal/storage"
	"github.com/ashita-ai/naze/internal/storage/postgres"
	"github.com/ashita-ai/naze/internal/testutil"
)

// testStore holds a shared test database connection for all tests in this
// package. Tests use unique run IDs and pipelines so they can share it.
var testStore *postgres.Store

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testStore, err = tc.NewTestStore(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test store: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()
	_ = testStore.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

func ptr[T any](v T) *T { return &v }

func testRun(pipeline string, startedAt time.Time) model.Run {
	end := startedAt.Add(2 * time.Second)
	dur := int64(2000)
	return model.Run{
		RunID:      uuid.NewString(),
		Pipeline:   pipeline,
		Status:     model.RunStatusCompleted,
		StartedAt:  startedAt,
		EndedAt:    &end,
		DurationMS: &dur,
		Steps: []model.Step{
			{
				Name:            "filter_candidates",
				StepType:        model.StepTypeFilter,
				CaptureLevel:    model.CaptureSample,
				InputCount:      ptr(100),
				OutputCount:     ptr(60),
				RejectionCounts: map[string]int{"low_score": 40},
				RejectionSamples: map[string][]model.RejectionRecord{
					"low_score": {{ItemID: "p7", Reason: "low_score"}},
				},
				StartedAt: startedAt,
			},
			{
				Name:         "rank_results",
				StepType:     model.StepTypeRank,
				CaptureLevel: model.CaptureMinimal,
				StartedAt:    startedAt.Add(time.Second),
			},
		},
	}
}

func TestInsertRunIdempotency(t *testing.T) {
	ctx := context.Background()
	run := testRun("pg_idempotency", time.Now().UTC().Truncate(time.Millisecond))

	res, err := testStore.InsertRun(ctx, run, "hash-a")
	require.NoError(t, err)
	assert.Equal(t, storage.InsertCreated, res)

	res, err = testStore.InsertRun(ctx, run, "hash-a")
	require.NoError(t, err)
	assert.Equal(t, storage.InsertExists, res)

	res, err = testStore.InsertRun(ctx, run, "hash-b")
	require.NoError(t, err)
	assert.Equal(t, storage.InsertConflict, res)
}

func TestGetRunRoundTrip(t *testing.T) {
	ctx := context.Background()
	run := testRun("pg_roundtrip", time.Now().UTC().Truncate(time.Millisecond))

	_, err := testStore.InsertRun(ctx, run, "h")
	require.NoError(t, err)

	got, err := testStore.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, run.RunID, got.RunID)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, 40, got.Steps[0].RejectionCounts["low_score"])
	require.NotEmpty(t, got.Steps[0].RejectionSamples["low_score"])
	assert.Equal(t, "p7", got.Steps[0].RejectionSamples["low_score"][0].ItemID)

	_, err = testStore.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListRunsFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	r1 := testRun("pg_list", base)
	r2 := testRun("pg_list", base.Add(time.Minute))
	r2.Status = model.RunStatusFailed
	r2.Error = ptr("upstream timeout")
	r2.Steps = r2.Steps[:1]

	for _, r := range []model.Run{r1, r2} {
		_, err := testStore.InsertRun(ctx, r, "h-"+r.RunID)
		require.NoError(t, err)
	}

	got, total, err := testStore.ListRuns(ctx, model.RunFilter{Pipeline: ptr("pg_list")})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, got, 2)
	assert.Equal(t, r2.RunID, got[0].RunID)
	assert.Equal(t, 1, got[0].StepCount)
	assert.Equal(t, r1.RunID, got[1].RunID)

	st := model.RunStatusFailed
	got, total, err = testStore.ListRuns(ctx, model.RunFilter{Pipeline: ptr("pg_list"), Status: &st})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, r2.RunID, got[0].RunID)

	from := base.Add(30 * time.Second)
	got, total, err = testStore.ListRuns(ctx, model.RunFilter{Pipeline: ptr("pg_list"), From: &from})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, r2.RunID, got[0].RunID)

	got, total, err = testStore.ListRuns(ctx, model.RunFilter{Pipeline: ptr("pg_list"), Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, got, 1)
	assert.Equal(t, r1.RunID, got[0].RunID)
}

func TestScanStepsPushesDownStepType(t *testing.T) {
	ctx := context.Background()
	run := testRun("pg_scan", time.Now().UTC().Truncate(time.Millisecond))

	_, err := testStore.InsertRun(ctx, run, "h")
	require.NoError(t, err)

	var hits []model.StepEnvelope
	st := model.StepTypeFilter
	err = testStore.ScanSteps(ctx, &st, func(env model.StepEnvelope) error {
		if env.Pipeline == "pg_scan" {
			hits = append(hits, env)
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, run.RunID, hits[0].RunID)
	assert.Equal(t, "filter_candidates", hits[0].Step.Name)
	assert.Equal(t, model.StepTypeFilter, hits[0].Step.StepType)
}

func TestScanStepsStopsOnCallbackError(t *testing.T) {
	ctx := context.Background()
	run := testRun("pg_scan_stop", time.Now().UTC().Truncate(time.Millisecond))

	_, err := testStore.InsertRun(ctx, run, "h")
	require.NoError(t, err)

	sentinel := errors.New("stop")
	err = testStore.ScanSteps(ctx, nil, func(model.StepEnvelope) error {
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
}

func TestPing(t *testing.T) {
	require.NoError(t, testStore.Ping(context.Background()))
}
