// Package naze instruments multi-step decision pipelines: it captures
// per-item accept/reject evidence with bounded-cost sampling, assembles
// finalized runs, and delivers them to a Naze server without ever
// blocking or breaking the instrumented pipeline.
package naze

import (
	"errors"
	"fmt"
)

// FinalizationError reports a mutation attempted on an already-finalized
// run or step. It indicates a usage bug in the instrumenting code, not a
// runtime condition.
type FinalizationError struct {
	Op string
}

func (e *FinalizationError) Error() string {
	return fmt.Sprintf("naze: %s called after finalization", e.Op)
}

// DeliveryError reports that the server was unreachable, timed out, or
// answered with a retryable status. It is only returned to callers in
// ModeFail; the other modes absorb it.
type DeliveryError struct {
	RunID string
	Err   error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("naze: deliver run %s: %v", e.RunID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// APIError is a non-retryable error response from the server, such as a
// validation rejection or a payload conflict. Returned in every mode:
// buffering a payload the server has permanently refused would retry it
// forever.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("naze: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsFinalized returns true if the error is a FinalizationError.
func IsFinalized(err error) bool {
	var e *FinalizationError
	return errors.As(err, &e)
}

// IsDeliveryFailure returns true if the error is a DeliveryError.
func IsDeliveryFailure(err error) bool {
	var e *DeliveryError
	return errors.As(err, &e)
}

// IsConflict returns true if the server rejected the run because its
// run_id already exists with a different payload.
func IsConflict(err error) bool {
	var e *APIError
	if errors.As(err, &e) {
		return e.StatusCode == 409
	}
	return false
}

// IsInvalid returns true if the server rejected the run as malformed.
func IsInvalid(err error) bool {
	var e *APIError
	if errors.As(err, &e) {
		return e.StatusCode == 400
	}
	return false
}
