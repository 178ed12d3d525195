package naze

import "time"

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// StepType is the fixed taxonomy of step kinds. Cross-pipeline queries
// group on this field, never on the developer-chosen step name.
type StepType string

const (
	StepGenerate  StepType = "generate"
	StepRetrieve  StepType = "retrieve"
	StepFilter    StepType = "filter"
	StepRank      StepType = "rank"
	StepSelect    StepType = "select"
	StepTransform StepType = "transform"
	StepOther     StepType = "other"
)

// CaptureLevel controls how much per-item detail a step retains.
// Counts are always exact regardless of level; the level only governs
// sample retention.
type CaptureLevel string

const (
	CaptureMinimal CaptureLevel = "minimal"
	CaptureSample  CaptureLevel = "sample"
	CaptureFull    CaptureLevel = "full"
)

// DeliverMode selects the failure behavior of Deliver.
type DeliverMode string

const (
	// ModeFail returns a DeliveryError to the caller on failure.
	ModeFail DeliverMode = "fail"
	// ModeDrop discards the run silently on failure.
	ModeDrop DeliverMode = "drop"
	// ModeBuffer enqueues the run to the durable offline queue and
	// reports success. This is the default.
	ModeBuffer DeliverMode = "buffer"
)

// RunPayload is the wire form of one finalized run, as accepted by
// POST /v1/runs.
type RunPayload struct {
	RunID      string         `json:"run_id"`
	Pipeline   string         `json:"pipeline"`
	Status     RunStatus      `json:"status"`
	Input      map[string]any `json:"input,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	Error      *string        `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	EndedAt    *time.Time     `json:"ended_at,omitempty"`
	DurationMS *int64         `json:"duration_ms,omitempty"`
	Steps      []StepPayload  `json:"steps"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// StepPayload is the wire form of one finalized step.
type StepPayload struct {
	Name         string         `json:"name"`
	StepType     StepType       `json:"step_type"`
	Input        map[string]any `json:"input,omitempty"`
	Output       map[string]any `json:"output,omitempty"`
	InputCount   *int           `json:"input_count,omitempty"`
	OutputCount  *int           `json:"output_count,omitempty"`
	CaptureLevel CaptureLevel   `json:"capture_level"`

	RejectionCounts  map[string]int               `json:"rejection_counts,omitempty"`
	RejectionSamples map[string][]RejectionRecord `json:"rejection_samples,omitempty"`
	Acceptances      []AcceptanceRecord           `json:"acceptances,omitempty"`
	Decision         *Decision                    `json:"decision,omitempty"`
	CaptureErrors    int                          `json:"capture_errors,omitempty"`

	StartedAt  time.Time      `json:"started_at"`
	EndedAt    *time.Time     `json:"ended_at,omitempty"`
	DurationMS *int64         `json:"duration_ms,omitempty"`
	Error      *string        `json:"error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// RejectionRecord is one sampled per-item rejection.
type RejectionRecord struct {
	ItemID  string         `json:"item_id"`
	Reason  string         `json:"reason"`
	Details map[string]any `json:"details,omitempty"`
}

// AcceptanceRecord is one sampled per-item acceptance.
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

// Alternative is one candidate considered by a decision.
type Alternative struct {
	Label    string   `json:"label"`
	Score    *float64 `json:"score,omitempty"`
	Selected bool     `json:"selected"`
}

// IngestResult is the server's response to a delivered run.
type IngestResult struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"` // "created" or "already_exists"
}

// SyncResult reports the outcome of one SyncOffline pass.
type SyncResult struct {
	Synced int
	Failed int
}
