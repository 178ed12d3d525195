package naze

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Run assembles finalized steps into one trace and owns the run
// lifecycle. A Run is created in running state and finalized exactly
// once, on every exit path: Complete, Fail, End, or Abandon. A failed
// run keeps every step finalized before the failure; the partial trace
// is exactly what locates the failing step.
type Run struct {
	mu     sync.Mutex
	client *Client
	data   RunPayload

	finalized bool
	deadline  *time.Timer
}

// RunOption configures StartRun.
type RunOption func(*Run)

// WithRunID overrides the generated run_id. Useful when the pipeline
// already carries a correlation ID.
func WithRunID(id string) RunOption {
	return func(r *Run) { r.data.RunID = id }
}

// WithMetadata attaches initial run metadata.
func WithMetadata(md map[string]any) RunOption {
	return func(r *Run) { r.data.Metadata = md }
}

// WithDeadline arms an auto-abandon timer: if the run is not finalized
// within d, it is abandoned (finalized as failed) and delivered, so an
// externally killed pipeline never leaves a permanently running run.
func WithDeadline(d time.Duration) RunOption {
	return func(r *Run) {
		r.deadline = time.AfterFunc(d, func() {
			_ = r.Abandon(context.Background(), "deadline exceeded")
		})
	}
}

// StartRun opens a new run for the named pipeline in running state with
// a generated run_id and start timestamp.
func (c *Client) StartRun(pipeline string, input map[string]any, opts ...RunOption) *Run {
	r := &Run{
		client: c,
		data: RunPayload{
			RunID:     uuid.New().String(),
			Pipeline:  pipeline,
			Status:    StatusRunning,
			Input:     input,
			StartedAt: time.Now().UTC(),
			Steps:     []StepPayload{},
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunID returns the run's identifier.
func (r *Run) RunID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data.RunID
}

// Step opens a new capture buffer owned by the caller. Concurrent
// branches each open their own Step; appending the finalized step back
// into the run is serialized.
func (r *Run) Step(name string, stepType StepType, level CaptureLevel) *Step {
	if level == "" {
		level = CaptureSample
	}
	return &Step{
		run: r,
		data: StepPayload{
			Name:         name,
			StepType:     stepType,
			CaptureLevel: level,
			StartedAt:    time.Now().UTC(),
		},
		sampleCap: r.client.sampleCap,
		acceptCap: r.client.acceptCap,
	}
}

// SetOutput attaches the run's final output payload.
func (r *Run) SetOutput(output map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return &FinalizationError{Op: "SetOutput"}
	}
	r.data.Output = output
	return nil
}

// SetMetadata sets one metadata key on the run.
func (r *Run) SetMetadata(key string, value any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return &FinalizationError{Op: "SetMetadata"}
	}
	if r.data.Metadata == nil {
		r.data.Metadata = make(map[string]any)
	}
	r.data.Metadata[key] = value
	return nil
}

// appendStep records a finalized step in completion order. Steps that
// finish after the run was finalized are dropped; the trace was already
// handed off.
func (r *Run) appendStep(sp StepPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return
	}
	r.data.Steps = append(r.data.Steps, sp)
}

// Complete finalizes the run as completed and delivers it.
func (r *Run) Complete(ctx context.Context) error {
	payload, ok := r.finalize(StatusCompleted, nil)
	if !ok {
		return &FinalizationError{Op: "Complete"}
	}
	return r.client.deliverPayload(ctx, payload)
}

// Fail finalizes the run as failed, recording err, and delivers it.
// All previously finalized steps are kept.
func (r *Run) Fail(ctx context.Context, err error) error {
	var msg *string
	if err != nil {
		m := err.Error()
		msg = &m
	} else {
		m := "unknown failure"
		msg = &m
	}
	payload, ok := r.finalize(StatusFailed, msg)
	if !ok {
		return &FinalizationError{Op: "Fail"}
	}
	return r.client.deliverPayload(ctx, payload)
}

// End is the defer-friendly finalizer:
//
//	defer run.End(ctx, &err)
//
// It completes the run when *errp is nil and fails it otherwise. Unlike
// Complete and Fail, a second End is a no-op so it can back up an
// explicit finalization on the happy path.
func (r *Run) End(ctx context.Context, errp *error) error {
	r.mu.Lock()
	done := r.finalized
	r.mu.Unlock()
	if done {
		return nil
	}
	if errp != nil && *errp != nil {
		return r.Fail(ctx, *errp)
	}
	return r.Complete(ctx)
}

// Abandon finalizes an orphaned run as failed with the given reason and
// delivers whatever steps were captured. Used by the deadline timer and
// by external cleanup paths.
func (r *Run) Abandon(ctx context.Context, reason string) error {
	msg := "abandoned: " + reason
	payload, ok := r.finalize(StatusFailed, &msg)
	if !ok {
		return nil
	}
	return r.client.deliverPayload(ctx, payload)
}

// finalize transitions the run out of running state exactly once,
// stamping the end time and duration. Returns the immutable payload and
// whether this call performed the transition.
func (r *Run) finalize(status RunStatus, errMsg *string) (RunPayload, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return RunPayload{}, false
	}
	r.finalized = true
	if r.deadline != nil {
		r.deadline.Stop()
	}

	now := time.Now().UTC()
	r.data.Status = status
	r.data.Error = errMsg
	r.data.EndedAt = &now
	dur := now.Sub(r.data.StartedAt).Milliseconds()
	r.data.DurationMS = &dur
	return r.data, true
}

// Payload returns the run's current wire form. Mainly useful in tests.
func (r *Run) Payload() RunPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data
}
