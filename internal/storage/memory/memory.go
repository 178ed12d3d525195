// Package memory provides an in-memory Store for tests and single-process
// development. Runs are kept as immutable values behind a single RWMutex;
// the reference system used a process-global dictionary for the same role.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/ashita-ai/naze/internal/model"
	"github.com/ashita-ai/naze/internal/storage"
)

type storedRun struct {
	run  model.Run
	hash string
}

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu   sync.RWMutex
	runs map[string]storedRun
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{runs: make(map[string]storedRun)}
}

// InsertRun stores a finalized run, idempotent on run_id + payload hash.
func (s *Store) InsertRun(_ context.Context, run model.Run, payloadHash string) (storage.InsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.runs[run.RunID]; ok {
		if existing.hash == payloadHash {
			return storage.InsertExists, nil
		}
		return storage.InsertConflict, nil
	}
	s.runs[run.RunID] = storedRun{run: run, hash: payloadHash}
	return storage.InsertCreated, nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(_ context.Context, runID string) (model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sr, ok := s.runs[runID]
	if !ok {
		return model.Run{}, storage.ErrNotFound
	}
	return sr.run, nil
}

// ListRuns returns run summaries matching the filter, newest first.
func (s *Store) ListRuns(_ context.Context, f model.RunFilter) ([]model.RunSummary, int, error) {
	s.mu.RLock()
	matched := make([]model.Run, 0, len(s.runs))
	for _, sr := range s.runs {
		if matchRun(sr.run, f) {
			matched = append(matched, sr.run)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].StartedAt.After(matched[j].StartedAt)
	})

	total := len(matched)
	page := paginate(matched, f.Limit, f.Offset)
	summaries := make([]model.RunSummary, 0, len(page))
	for _, r := range page {
		summaries = append(summaries, r.Summary())
	}
	return summaries, total, nil
}

// ScanSteps streams every stored step in run recency order.
func (s *Store) ScanSteps(_ context.Context, stepType *model.StepType, fn func(model.StepEnvelope) error) error {
	s.mu.RLock()
	runs := make([]model.Run, 0, len(s.runs))
	for _, sr := range s.runs {
		runs = append(runs, sr.run)
	}
	s.mu.RUnlock()

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})

	for _, r := range runs {
		for _, st := range r.Steps {
			if stepType != nil && st.StepType != *stepType {
				continue
			}
			if err := fn(model.StepEnvelope{RunID: r.RunID, Pipeline: r.Pipeline, Step: st}); err != nil {
				return err
			}
		}
	}
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close(context.Context) error { return nil }

// Len returns the number of stored runs. Test helper.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.runs)
}

func matchRun(r model.Run, f model.RunFilter) bool {
	if f.Pipeline != nil && !strings.EqualFold(r.Pipeline, *f.Pipeline) {
		return false
	}
	if f.Status != nil && r.Status != *f.Status {
		return false
	}
	if f.From != nil && r.StartedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && r.StartedAt.After(*f.To) {
		return false
	}
	return true
}

func paginate(runs []model.Run, limit, offset int) []model.Run {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(runs) {
		return nil
	}
	end := offset + limit
	if end > len(runs) {
		end = len(runs)
	}
	return runs[offset:end]
}
