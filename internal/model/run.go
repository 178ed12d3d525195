// Package model defines the core domain types for Naze.
//
// Types mirror the persisted record layout exactly: the storage layer adds
// no implicit fields, and a finalized Run round-trips through JSON without
// loss. Payload fields (input, output, details) are opaque nested
// key/value data with no schema enforced here.
package model

import (
	"time"
)

// RunStatus represents the lifecycle state of a pipeline run.
// Transitions are monotonic: running → completed | failed, nothing after.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// ValidStatus reports whether s is a known run status.
func ValidStatus(s RunStatus) bool {
	switch s {
	case RunStatusRunning, RunStatusCompleted, RunStatusFailed:
		return true
	}
	return false
}

// StepType is the fixed taxonomy label for cross-pipeline step queries.
// Developer-chosen step names are free-form; step_type is the only field
// the query engine trusts for semantic grouping.
type StepType string

const (
	StepTypeGenerate  StepType = "generate"
	StepTypeRetrieve  StepType = "retrieve"
	StepTypeFilter    StepType = "filter"
	StepTypeRank      StepType = "rank"
	StepTypeSelect    StepType = "select"
	StepTypeTransform StepType = "transform"
	StepTypeOther     StepType = "other"
)

// KnownStepType reports whether t belongs to the taxonomy.
func KnownStepType(t StepType) bool {
	switch t {
	case StepTypeGenerate, StepTypeRetrieve, StepTypeFilter, StepTypeRank,
		StepTypeSelect, StepTypeTransform, StepTypeOther:
		return true
	}
	return false
}

// NormalizeStepType maps unknown or empty step types to StepTypeOther.
// Ingestion never rejects a run over an unrecognized step kind; new
// producers must keep working against old servers.
func NormalizeStepType(t StepType) StepType {
	if KnownStepType(t) {
		return t
	}
	return StepTypeOther
}

// CaptureLevel controls how much per-item detail a step retains.
type CaptureLevel string

const (
	// CaptureMinimal keeps exact counts only, no per-item samples.
	CaptureMinimal CaptureLevel = "minimal"
	// CaptureSample keeps a bounded uniform random subset per reason.
	CaptureSample CaptureLevel = "sample"
	// CaptureFull keeps every record. Explicit high-cost opt-in.
	CaptureFull CaptureLevel = "full"
)

// ValidCaptureLevel reports whether c is a known capture level.
func ValidCaptureLevel(c CaptureLevel) bool {
	switch c {
	case CaptureMinimal, CaptureSample, CaptureFull:
		return true
	}
	return false
}

// Run is one end-to-end execution of an instrumented pipeline.
// Immutable once status leaves running; the store rejects, never merges.
type Run struct {
	RunID      string         `json:"run_id"`
	Pipeline   string         `json:"pipeline"`
	Status     RunStatus      `json:"status"`
	Input      map[string]any `json:"input,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	Error      *string        `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	EndedAt    *time.Time     `json:"ended_at,omitempty"`
	DurationMS *int64         `json:"duration_ms,omitempty"`
	Steps      []Step         `json:"steps"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Step is one instrumented stage within a Run. Insertion order in
// Run.Steps is execution (completion) order and is significant for
// trace-back.
type Step struct {
	Name         string         `json:"name"`
	StepType     StepType       `json:"step_type"`
	Input        map[string]any `json:"input,omitempty"`
	Output       map[string]any `json:"output,omitempty"`
	InputCount   *int           `json:"input_count,omitempty"`
	OutputCount  *int           `json:"output_count,omitempty"`
	CaptureLevel CaptureLevel   `json:"capture_level"`
	// RejectionCounts is exact, never sampled.
	RejectionCounts map[string]int `json:"rejection_counts,omitempty"`
	// RejectionSamples holds a bounded subset per reason; counts are the
	// source of truth, samples are illustrative.
	RejectionSamples map[string][]RejectionRecord `json:"rejection_samples,omitempty"`
	Acceptances      []AcceptanceRecord           `json:"acceptances,omitempty"`
	Decision         *Decision                    `json:"decision,omitempty"`
	CaptureErrors    int                          `json:"capture_errors,omitempty"`
	StartedAt        time.Time                    `json:"started_at"`
	EndedAt          *time.Time                   `json:"ended_at,omitempty"`
	DurationMS       *int64                       `json:"duration_ms,omitempty"`
	Error            *string                      `json:"error,omitempty"`
	Metadata         map[string]any               `json:"metadata,omitempty"`
}

// RejectionRecord is one sampled per-item rejection.
type RejectionRecord struct {
	ItemID  string         `json:"item_id"`
	Reason  string         `json:"reason"`
	Details map[string]any `json:"details,omitempty"`
}

// AcceptanceRecord is one retained accepted item.
type AcceptanceRecord struct {
	ItemID  string         `json:"item_id"`
	Details map[string]any `json:"details,omitempty"`
}

// Decision is the structured outcome of a select-type step.
type Decision struct {
	Selected     string         `json:"selected,omitempty"`
	Score        *float64       `json:"score,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	Alternatives []Alternative  `json:"alternatives,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

// Alternative is an option considered but not selected.
type Alternative struct {
	Label    string   `json:"label"`
	Score    *float64 `json:"score,omitempty"`
	Selected bool     `json:"selected"`
}

// TotalRejections returns the exact number of rejections recorded on s.
func (s Step) TotalRejections() int {
	total := 0
	for _, n := range s.RejectionCounts {
		total += n
	}
	return total
}

// RejectionRate is total rejections / input_count. Defined as 0 when
// input_count is unset or zero: "nothing to reject" is a valid state,
// not a division error.
func (s Step) RejectionRate() float64 {
	if s.InputCount == nil || *s.InputCount == 0 {
		return 0
	}
	return float64(s.TotalRejections()) / float64(*s.InputCount)
}
