package model

import (
	"fmt"
	"time"
)

// MaxPipelineLen bounds the developer-supplied pipeline name.
// MaxStepNameLen bounds developer-chosen step names. Both protect TEXT
// columns from caller-controlled garbage; neither is part of the taxonomy.
const (
	MaxPipelineLen = 200
	MaxStepNameLen = 200
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data   any          `json:"data"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
	Meta   ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeInvalidQuery  = "INVALID_QUERY"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// IngestStatus is the idempotency outcome of a run ingestion.
type IngestStatus string

const (
	IngestCreated       IngestStatus = "created"
	IngestAlreadyExists IngestStatus = "already_exists"
	IngestConflict      IngestStatus = "conflict"
)

// IngestRunResponse is the response body for POST /v1/runs.
type IngestRunResponse struct {
	RunID  string       `json:"run_id"`
	Status IngestStatus `json:"status"`
}

// RunSummary is the list-view projection of a run.
type RunSummary struct {
	RunID      string     `json:"run_id"`
	Pipeline   string     `json:"pipeline"`
	Status     RunStatus  `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	DurationMS *int64     `json:"duration_ms,omitempty"`
	StepCount  int        `json:"step_count"`
}

// Summary projects a run into its list view.
func (r Run) Summary() RunSummary {
	return RunSummary{
		RunID:      r.RunID,
		Pipeline:   r.Pipeline,
		Status:     r.Status,
		StartedAt:  r.StartedAt,
		EndedAt:    r.EndedAt,
		DurationMS: r.DurationMS,
		StepCount:  len(r.Steps),
	}
}

// StepHit is one step in a cross-run step search result, joined with the
// identity of its parent run.
type StepHit struct {
	RunID         string   `json:"run_id"`
	Pipeline      string   `json:"pipeline"`
	StepName      string   `json:"step_name"`
	StepType      StepType `json:"step_type"`
	InputCount    *int     `json:"input_count,omitempty"`
	OutputCount   *int     `json:"output_count,omitempty"`
	RejectionRate float64  `json:"rejection_rate"`
	DurationMS    *int64   `json:"duration_ms,omitempty"`
	Score         *float64 `json:"score,omitempty"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Storage string `json:"storage"`
	Uptime  int64  `json:"uptime_seconds"`
}

// ValidateRun checks the structural invariants of a finalized run payload.
// Taxonomy normalization is NOT done here — callers normalize first, then
// validate. Count reconciliation lives in ReconcileCounts because it is an
// operator toggle, not a hard invariant.
func ValidateRun(r Run) error {
	if r.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	if r.Pipeline == "" {
		return fmt.Errorf("pipeline is required")
	}
	if len(r.Pipeline) > MaxPipelineLen {
		return fmt.Errorf("pipeline exceeds maximum length of %d characters", MaxPipelineLen)
	}
	if !ValidStatus(r.Status) {
		return fmt.Errorf("unknown status %q", r.Status)
	}
	if r.Status == RunStatusRunning {
		return fmt.Errorf("only finalized runs can be ingested (status is %q)", r.Status)
	}
	if r.StartedAt.IsZero() {
		return fmt.Errorf("started_at is required")
	}
	if r.EndedAt != nil && r.EndedAt.Before(r.StartedAt) {
		return fmt.Errorf("ended_at precedes started_at")
	}
	if r.Status == RunStatusFailed && r.Error == nil {
		return fmt.Errorf("failed run must carry an error")
	}
	if r.Status == RunStatusCompleted && r.Error != nil {
		return fmt.Errorf("completed run must not carry an error")
	}
	for i, s := range r.Steps {
		if err := validateStep(s); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(s Step) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Name) > MaxStepNameLen {
		return fmt.Errorf("name exceeds maximum length of %d characters", MaxStepNameLen)
	}
	if !KnownStepType(s.StepType) {
		return fmt.Errorf("step_type %q not normalized", s.StepType)
	}
	if !ValidCaptureLevel(s.CaptureLevel) {
		return fmt.Errorf("unknown capture_level %q", s.CaptureLevel)
	}
	if s.InputCount != nil && *s.InputCount < 0 {
		return fmt.Errorf("input_count must be non-negative")
	}
	if s.OutputCount != nil && *s.OutputCount < 0 {
		return fmt.Errorf("output_count must be non-negative")
	}
	for reason, n := range s.RejectionCounts {
		if reason == "" {
			return fmt.Errorf("rejection reason must not be empty")
		}
		if n < 0 {
			return fmt.Errorf("rejection_counts[%q] must be non-negative", reason)
		}
	}
	// Samples are a subset of counts; a sample for a reason with no count
	// means the producer is broken.
	for reason, samples := range s.RejectionSamples {
		if len(samples) > s.RejectionCounts[reason] {
			return fmt.Errorf("rejection_samples[%q] has %d records but count is %d",
				reason, len(samples), s.RejectionCounts[reason])
		}
	}
	return nil
}

// ReconcileCounts checks that input_count = output_count + total rejections
// for each step where both counts are supplied. Returns the first
// discrepancy found, or nil. The caller decides whether this is fatal
// (strict mode) or advisory: the reference pipeline corpus contains steps
// that legitimately expand data, so the check only fires when rejections
// were actually recorded.
func ReconcileCounts(r Run) error {
	for i, s := range r.Steps {
		if s.InputCount == nil || s.OutputCount == nil || len(s.RejectionCounts) == 0 {
			continue
		}
		rejected := s.TotalRejections()
		if *s.OutputCount+rejected != *s.InputCount {
			return fmt.Errorf(
				"steps[%d] %q: input_count %d != output_count %d + rejections %d",
				i, s.Name, *s.InputCount, *s.OutputCount, rejected)
		}
	}
	return nil
}
