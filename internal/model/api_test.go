package model_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/naze/internal/model"
)

// ptr is a convenience helper for pointer literals in test cases.
func ptr[T any](v T) *T { return &v }

func validRun() model.Run {
	start := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(2 * time.Second)
	return model.Run{
		RunID:     "run-1",
		Pipeline:  "product_search",
		Status:    model.RunStatusCompleted,
		StartedAt: start,
		EndedAt:   &end,
		Steps: []model.Step{
			{
				Name:         "filter_by_price",
				StepType:     model.StepTypeFilter,
				CaptureLevel: model.CaptureSample,
				InputCount:   ptr(500),
				OutputCount:  ptr(31),
				RejectionCounts: map[string]int{
					"price_too_high": 469,
				},
				StartedAt: start,
			},
		},
	}
}

// ---- ValidateRun ----------------------------------------------------------

func TestValidateRun_HappyPath(t *testing.T) {
	assert.NoError(t, model.ValidateRun(validRun()))
}

func TestValidateRun_MissingRunID(t *testing.T) {
	r := validRun()
	r.RunID = ""
	err := model.ValidateRun(r)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run_id")
}

func TestValidateRun_MissingPipeline(t *testing.T) {
	r := validRun()
	r.Pipeline = ""
	err := model.ValidateRun(r)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipeline")
}

func TestValidateRun_PipelineOverMax(t *testing.T) {
	r := validRun()
	r.Pipeline = strings.Repeat("x", model.MaxPipelineLen+1)
	require.Error(t, model.ValidateRun(r))
}

func TestValidateRun_RunningRejected(t *testing.T) {
	r := validRun()
	r.Status = model.RunStatusRunning
	err := model.ValidateRun(r)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "finalized")
}

func TestValidateRun_UnknownStatus(t *testing.T) {
	r := validRun()
	r.Status = "paused"
	require.Error(t, model.ValidateRun(r))
}

func TestValidateRun_EndedBeforeStarted(t *testing.T) {
	r := validRun()
	early := r.StartedAt.Add(-time.Second)
	r.EndedAt = &early
	err := model.ValidateRun(r)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ended_at")
}

func TestValidateRun_FailedRequiresError(t *testing.T) {
	r := validRun()
	r.Status = model.RunStatusFailed
	r.Error = nil
	require.Error(t, model.ValidateRun(r))

	r.Error = ptr("upstream timeout")
	assert.NoError(t, model.ValidateRun(r))
}

func TestValidateRun_CompletedMustNotCarryError(t *testing.T) {
	r := validRun()
	r.Error = ptr("leftover")
	require.Error(t, model.ValidateRun(r))
}

func TestValidateRun_StepUnnormalizedType(t *testing.T) {
	r := validRun()
	r.Steps[0].StepType = "summarize"
	err := model.ValidateRun(r)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step_type")
}

func TestValidateRun_StepNegativeCount(t *testing.T) {
	r := validRun()
	r.Steps[0].InputCount = ptr(-1)
	require.Error(t, model.ValidateRun(r))
}

func TestValidateRun_SamplesExceedCount(t *testing.T) {
	r := validRun()
	r.Steps[0].RejectionCounts = map[string]int{"bad": 1}
	r.Steps[0].RejectionSamples = map[string][]model.RejectionRecord{
		"bad": {{ItemID: "a", Reason: "bad"}, {ItemID: "b", Reason: "bad"}},
	}
	err := model.ValidateRun(r)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejection_samples")
}

func TestValidateRun_EmptyRejectionReason(t *testing.T) {
	r := validRun()
	r.Steps[0].RejectionCounts = map[string]int{"": 3}
	require.Error(t, model.ValidateRun(r))
}

// ---- NormalizeStepType ----------------------------------------------------

func TestNormalizeStepType_KnownTypesPassThrough(t *testing.T) {
	for _, st := range []model.StepType{
		model.StepTypeGenerate, model.StepTypeRetrieve, model.StepTypeFilter,
		model.StepTypeRank, model.StepTypeSelect, model.StepTypeTransform, model.StepTypeOther,
	} {
		assert.Equal(t, st, model.NormalizeStepType(st))
	}
}

func TestNormalizeStepType_UnknownMapsToOther(t *testing.T) {
	assert.Equal(t, model.StepTypeOther, model.NormalizeStepType("summarize"))
	assert.Equal(t, model.StepTypeOther, model.NormalizeStepType(""))
}

// ---- RejectionRate --------------------------------------------------------

func TestRejectionRate_Basic(t *testing.T) {
	s := model.Step{
		InputCount:      ptr(500),
		RejectionCounts: map[string]int{"price_too_high": 469},
	}
	assert.InDelta(t, 0.938, s.RejectionRate(), 1e-9)
}

func TestRejectionRate_ZeroInputIsZero(t *testing.T) {
	s := model.Step{
		InputCount:      ptr(0),
		RejectionCounts: map[string]int{"bad": 3},
	}
	assert.Zero(t, s.RejectionRate())
}

func TestRejectionRate_NilInputIsZero(t *testing.T) {
	s := model.Step{RejectionCounts: map[string]int{"bad": 3}}
	assert.Zero(t, s.RejectionRate())
}

func TestRejectionRate_SumsAcrossReasons(t *testing.T) {
	s := model.Step{
		InputCount: ptr(100),
		RejectionCounts: map[string]int{
			"too_expensive": 30,
			"out_of_stock":  20,
		},
	}
	assert.InDelta(t, 0.5, s.RejectionRate(), 1e-9)
}

// ---- ReconcileCounts ------------------------------------------------------

func TestReconcileCounts_Consistent(t *testing.T) {
	assert.NoError(t, model.ReconcileCounts(validRun()))
}

func TestReconcileCounts_Mismatch(t *testing.T) {
	r := validRun()
	r.Steps[0].OutputCount = ptr(40)
	err := model.ReconcileCounts(r)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "filter_by_price")
}

func TestReconcileCounts_SkipsWhenNoRejectionsRecorded(t *testing.T) {
	// Steps may legitimately expand data; without recorded rejections the
	// check stays silent.
	r := validRun()
	r.Steps[0].RejectionCounts = nil
	r.Steps[0].InputCount = ptr(10)
	r.Steps[0].OutputCount = ptr(300)
	assert.NoError(t, model.ReconcileCounts(r))
}

func TestReconcileCounts_SkipsWhenCountsMissing(t *testing.T) {
	r := validRun()
	r.Steps[0].InputCount = nil
	assert.NoError(t, model.ReconcileCounts(r))
}

// ---- Summary --------------------------------------------------------------

func TestRunSummaryProjection(t *testing.T) {
	r := validRun()
	s := r.Summary()
	assert.Equal(t, r.RunID, s.RunID)
	assert.Equal(t, r.Pipeline, s.Pipeline)
	assert.Equal(t, 1, s.StepCount)
}
