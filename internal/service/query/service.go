// Package query implements the read side: predicate queries over stored
// runs and steps, including derived metrics that are never stored.
//
// All filters compose conjunctively. Evaluation is read-only: the engine
// sees runs and steps only through the storage scan contract and never
// mutates them. Cross-pipeline step queries key on step_type alone —
// developer-chosen names are matched only by explicit substring filter,
// never used for semantic grouping.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashita-ai/naze/internal/model"
	"github.com/ashita-ai/naze/internal/storage"
)

// MaxPageSize caps limit parameters on all query operations.
// DefaultPageSize applies when the caller supplies no limit.
const (
	MaxPageSize     = 1000
	DefaultPageSize = 50
)

// Error reports a malformed predicate. Raised before any scan executes.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return "query: " + e.Reason
}

// Engine answers predicate queries over the Store.
type Engine struct {
	store  storage.Store
	logger *slog.Logger
}

// New creates a query engine over the given store.
func New(store storage.Store, logger *slog.Logger) *Engine {
	return &Engine{store: store, logger: logger}
}

// ListRuns returns run summaries matching the filter, newest first.
func (e *Engine) ListRuns(ctx context.Context, f model.RunFilter) ([]model.RunSummary, int, error) {
	if err := validateRunFilter(f); err != nil {
		return nil, 0, err
	}
	f.Limit = clampLimit(f.Limit)
	return e.store.ListRuns(ctx, f)
}

// GetRun fetches one run with all nested steps.
func (e *Engine) GetRun(ctx context.Context, runID string) (model.Run, error) {
	if strings.TrimSpace(runID) == "" {
		return model.Run{}, &Error{Reason: "run_id must not be empty"}
	}
	return e.store.GetRun(ctx, runID)
}

// SearchSteps evaluates a cross-run step query. step_type is pushed down
// to the store; derived-metric thresholds (rejection rate, duration,
// decision score) are evaluated here against each scanned step.
func (e *Engine) SearchSteps(ctx context.Context, f model.StepFilter) ([]model.StepHit, int, error) {
	if err := validateStepFilter(f); err != nil {
		return nil, 0, err
	}
	limit := clampLimit(f.Limit)
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	var hits []model.StepHit
	err := e.store.ScanSteps(ctx, f.StepType, func(env model.StepEnvelope) error {
		if matchStep(env, f) {
			hits = append(hits, env.Hit())
		}
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("query: step scan: %w", err)
	}

	total := len(hits)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return hits[offset:end], total, nil
}

func matchStep(env model.StepEnvelope, f model.StepFilter) bool {
	st := env.Step
	if f.StepType != nil && st.StepType != *f.StepType {
		return false
	}
	if f.Name != nil && !strings.Contains(strings.ToLower(st.Name), strings.ToLower(*f.Name)) {
		return false
	}
	if f.RejectionRateGT != nil && !(st.RejectionRate() > *f.RejectionRateGT) {
		return false
	}
	if f.RejectionRateLT != nil && !(st.RejectionRate() < *f.RejectionRateLT) {
		return false
	}
	if f.MinDurationMS != nil {
		if st.DurationMS == nil || *st.DurationMS < *f.MinDurationMS {
			return false
		}
	}
	if f.MinScore != nil {
		if st.Decision == nil || st.Decision.Score == nil || *st.Decision.Score < *f.MinScore {
			return false
		}
	}
	return true
}

func validateRunFilter(f model.RunFilter) error {
	if f.Status != nil && !model.ValidStatus(*f.Status) {
		return &Error{Reason: fmt.Sprintf("unknown status %q", *f.Status)}
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return &Error{Reason: "time range is inverted (to precedes from)"}
	}
	if f.Limit < 0 || f.Limit > MaxPageSize {
		return &Error{Reason: fmt.Sprintf("limit must be between 0 and %d", MaxPageSize)}
	}
	if f.Offset < 0 {
		return &Error{Reason: "offset must be non-negative"}
	}
	return nil
}

func validateStepFilter(f model.StepFilter) error {
	if f.StepType != nil && !model.KnownStepType(*f.StepType) {
		return &Error{Reason: fmt.Sprintf("unknown step_type %q", *f.StepType)}
	}
	if f.RejectionRateGT != nil && (*f.RejectionRateGT < 0 || *f.RejectionRateGT > 1) {
		return &Error{Reason: "rejection_rate_gt must be within [0, 1]"}
	}
	if f.RejectionRateLT != nil && (*f.RejectionRateLT < 0 || *f.RejectionRateLT > 1) {
		return &Error{Reason: "rejection_rate_lt must be within [0, 1]"}
	}
	if f.MinDurationMS != nil && *f.MinDurationMS < 0 {
		return &Error{Reason: "min_duration_ms must be non-negative"}
	}
	if f.Limit < 0 || f.Limit > MaxPageSize {
		return &Error{Reason: fmt.Sprintf("limit must be between 0 and %d", MaxPageSize)}
	}
	if f.Offset < 0 {
		return &Error{Reason: "offset must be non-negative"}
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}
