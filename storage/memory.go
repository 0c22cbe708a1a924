package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/doxops/orchestrator/types"
)

// MemoryStore is an in-memory implementation of DurableStore. It backs
// tests and cache-less single-process deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]types.StateRecord
	steps  map[string][]types.StepResult
	events map[string][]types.Event
}

// NewMemoryStore creates a new MemoryStore instance.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: make(map[string]types.StateRecord),
		steps:  make(map[string][]types.StepResult),
		events: make(map[string][]types.Event),
	}
}

// StoreState upserts a workflow state record.
func (s *MemoryStore) StoreState(ctx context.Context, rec types.StateRecord) error {
	return withContextError(ctx, func() error {
		now := time.Now().UTC()

		s.mu.Lock()
		defer s.mu.Unlock()

		existing, ok := s.states[rec.WorkflowID]
		if ok {
			rec.CreatedAt = existing.CreatedAt
			rec.CompletedAt = existing.CompletedAt
		} else if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		rec.UpdatedAt = now
		if rec.CurrentState.Terminal() && rec.CompletedAt == nil {
			completed := now
			rec.CompletedAt = &completed
		}

		s.states[rec.WorkflowID] = rec
		return nil
	})
}

// GetState retrieves a workflow state record.
func (s *MemoryStore) GetState(ctx context.Context, workflowID string) (types.StateRecord, error) {
	return withContext(ctx, func() (types.StateRecord, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()

		rec, ok := s.states[workflowID]
		if !ok {
			return types.StateRecord{}, fmt.Errorf("%w: workflow_id=%s", ErrNotFound, workflowID)
		}
		return rec, nil
	})
}

// StoreStepResult appends a step attempt row.
func (s *MemoryStore) StoreStepResult(ctx context.Context, res types.StepResult) error {
	return withContextError(ctx, func() error {
		if res.ExecutedAt.IsZero() {
			res.ExecutedAt = time.Now().UTC()
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.steps[res.WorkflowID] = append(s.steps[res.WorkflowID], res)
		return nil
	})
}

// StoreEvent appends a workflow event row.
func (s *MemoryStore) StoreEvent(ctx context.Context, workflowID string, ev types.Event) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.events[workflowID] = append(s.events[workflowID], ev)
		return nil
	})
}

// StepResults returns the recorded step attempts for a workflow in
// execution order.
func (s *MemoryStore) StepResults(ctx context.Context, workflowID string) ([]types.StepResult, error) {
	return withContext(ctx, func() ([]types.StepResult, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.StepResult, len(s.steps[workflowID]))
		copy(out, s.steps[workflowID])
		return out, nil
	})
}

// ByState lists workflows in the given state, newest first.
func (s *MemoryStore) ByState(ctx context.Context, state types.WorkflowState, limit int) ([]types.StateRecord, error) {
	return withContext(ctx, func() ([]types.StateRecord, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()

		var out []types.StateRecord
		for _, rec := range s.states {
			if rec.CurrentState == state {
				out = append(out, rec)
			}
		}
		sort.Slice(out, func(i, j int) bool {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		})
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		return out, nil
	})
}

// CleanupOlderThan removes terminal records past retention along with
// their step and event rows.
func (s *MemoryStore) CleanupOlderThan(ctx context.Context, retention time.Duration) (int, error) {
	return withContext(ctx, func() (int, error) {
		cutoff := time.Now().UTC().Add(-retention)

		s.mu.Lock()
		defer s.mu.Unlock()

		removed := 0
		for id, rec := range s.states {
			if rec.CurrentState.Terminal() && rec.CompletedAt != nil && rec.CompletedAt.Before(cutoff) {
				delete(s.states, id)
				delete(s.steps, id)
				delete(s.events, id)
				removed++
			}
		}
		return removed, nil
	})
}

// Ping always succeeds for the in-memory store.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
