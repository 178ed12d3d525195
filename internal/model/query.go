package model

import (
	"time"
)

// RunFilter holds the filter parameters for listing runs.
// All fields compose conjunctively; nil means "no constraint".
type RunFilter struct {
	Pipeline *string
	Status   *RunStatus
	From     *time.Time
	To       *time.Time
	Limit    int
	Offset   int
}

// StepFilter holds the filter parameters for cross-run step search.
// StepType is the only taxonomy field; Name is a case-insensitive
// substring match on the developer-chosen name and never a grouping key.
// Rate, duration, and score thresholds apply to derived metrics computed
// at query time, not stored values.
type StepFilter struct {
	StepType        *StepType
	Name            *string
	RejectionRateGT *float64
	RejectionRateLT *float64
	MinDurationMS   *int64
	MinScore        *float64
	Limit           int
	Offset          int
}

// StepEnvelope is a step joined with its parent run's identity, as
// produced by the storage scan contract.
type StepEnvelope struct {
	RunID    string
	Pipeline string
	Step     Step
}

// Hit projects the envelope into a search result row.
func (e StepEnvelope) Hit() StepHit {
	h := StepHit{
		RunID:         e.RunID,
		Pipeline:      e.Pipeline,
		StepName:      e.Step.Name,
		StepType:      e.Step.StepType,
		InputCount:    e.Step.InputCount,
		OutputCount:   e.Step.OutputCount,
		RejectionRate: e.Step.RejectionRate(),
		DurationMS:    e.Step.DurationMS,
	}
	if e.Step.Decision != nil {
		h.Score = e.Step.Decision.Score
	}
	return h
}
