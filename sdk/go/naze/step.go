package naze

import (
	"encoding/json"
	"math/rand/v2"
	"sync"
	"time"
)

// Default sample retention caps. Counts are never capped.
const (
	DefaultSampleCap = 20
	DefaultAcceptCap = 1000
)

// Step is the capture buffer for one pipeline step. It bounds the cost of
// per-item capture independent of input volume: rejection counts are
// always exact, while sample retention follows the step's capture level.
//
// A Step is owned by the code executing that step. Concurrent pipeline
// branches must each own their own Step; the Step itself serializes its
// mutations so a single branch may still fan out item processing.
// Capture methods (Reject, Accept) never return an error into pipeline
// code: malformed captures are swallowed and counted in CaptureErrors.
type Step struct {
	mu   sync.Mutex
	run  *Run
	data StepPayload

	sampleCap int
	acceptCap int

	// acceptSeen counts every Accept call, including those whose sample
	// was evicted by the reservoir.
	acceptSeen int

	frozen bool
	ended  bool
}

// Reject records one rejected item under the given reason. The reason's
// count is always incremented; whether the record itself is retained
// depends on the capture level: minimal keeps nothing, sample keeps a
// uniform reservoir of at most the configured cap per reason, full keeps
// everything.
func (s *Step) Reject(itemID, reason string, details map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return
	}

	if reason == "" {
		reason = "unspecified"
		s.data.CaptureErrors++
	}
	if details != nil {
		if _, err := json.Marshal(details); err != nil {
			details = nil
			s.data.CaptureErrors++
		}
	}

	if s.data.RejectionCounts == nil {
		s.data.RejectionCounts = make(map[string]int)
	}
	s.data.RejectionCounts[reason]++
	n := s.data.RejectionCounts[reason]

	if s.data.CaptureLevel == CaptureMinimal {
		return
	}

	rec := RejectionRecord{ItemID: itemID, Reason: reason, Details: details}
	if s.data.RejectionSamples == nil {
		s.data.RejectionSamples = make(map[string][]RejectionRecord)
	}
	samples := s.data.RejectionSamples[reason]

	if s.data.CaptureLevel == CaptureFull || len(samples) < s.sampleCap {
		s.data.RejectionSamples[reason] = append(samples, rec)
		return
	}

	// Reservoir step: the n-th record replaces a uniformly chosen slot
	// with probability cap/n, keeping the retained set a uniform sample
	// regardless of arrival order.
	if j := rand.IntN(n); j < s.sampleCap {
		samples[j] = rec
	}
}

// Accept records one accepted item. Acceptance sets are typically the
// small filtered-down population, so the default cap is generous; beyond
// it the same reservoir scheme applies.
func (s *Step) Accept(itemID string, details map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return
	}

	if details != nil {
		if _, err := json.Marshal(details); err != nil {
			details = nil
			s.data.CaptureErrors++
		}
	}

	s.acceptSeen++
	if s.data.CaptureLevel == CaptureMinimal {
		return
	}

	rec := AcceptanceRecord{ItemID: itemID, Details: details}
	if s.data.CaptureLevel == CaptureFull || len(s.data.Acceptances) < s.acceptCap {
		s.data.Acceptances = append(s.data.Acceptances, rec)
		return
	}
	if j := rand.IntN(s.acceptSeen); j < s.acceptCap {
		s.data.Acceptances[j] = rec
	}
}

// Decide sets the structured decision outcome. Last write wins.
func (s *Step) Decide(d Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return &FinalizationError{Op: "Decide"}
	}
	s.data.Decision = &d
	return nil
}

// SetInput attaches the step's input payload.
func (s *Step) SetInput(input map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return &FinalizationError{Op: "SetInput"}
	}
	s.data.Input = input
	return nil
}

// SetOutput attaches the step's output payload.
func (s *Step) SetOutput(output map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return &FinalizationError{Op: "SetOutput"}
	}
	s.data.Output = output
	return nil
}

// SetInputCount records the exact number of items the step received.
func (s *Step) SetInputCount(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return &FinalizationError{Op: "SetInputCount"}
	}
	s.data.InputCount = &n
	return nil
}

// SetOutputCount records the exact number of items the step emitted and
// freezes the capture buffer: counts and samples become immutable.
func (s *Step) SetOutputCount(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return &FinalizationError{Op: "SetOutputCount"}
	}
	s.data.OutputCount = &n
	s.frozen = true
	return nil
}

// SetMetadata sets one metadata key on the step.
func (s *Step) SetMetadata(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return &FinalizationError{Op: "SetMetadata"}
	}
	if s.data.Metadata == nil {
		s.data.Metadata = make(map[string]any)
	}
	s.data.Metadata[key] = value
	return nil
}

// End finalizes the step, stamps its duration, records err as the step
// error when non-nil, and appends the frozen step to its run. Appends
// are serialized by the run, so concurrent branches may End at the same
// time; the recorded order is completion order.
func (s *Step) End(err error) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return &FinalizationError{Op: "End"}
	}
	s.frozen = true
	s.ended = true

	now := time.Now().UTC()
	s.data.EndedAt = &now
	dur := now.Sub(s.data.StartedAt).Milliseconds()
	s.data.DurationMS = &dur
	if err != nil {
		msg := err.Error()
		s.data.Error = &msg
	}
	payload := s.data
	run := s.run
	s.mu.Unlock()

	run.appendStep(payload)
	return nil
}

// Payload returns a copy of the step's current wire form. Mainly useful
// in tests; live pipelines should let End hand the step to its run.
func (s *Step) Payload() StepPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}
