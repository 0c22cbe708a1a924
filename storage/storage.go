// Package storage provides the dual-tier persistence layer: a durable
// authoritative store and a TTL-bounded advisory cache, composed by
// StateManager.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/doxops/orchestrator/types"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// DurableStore is the authoritative persistent backend.
type DurableStore interface {
	// StoreState upserts a workflow state row keyed by workflow id.
	// Terminal states stamp the completion time.
	StoreState(ctx context.Context, rec types.StateRecord) error

	// GetState retrieves a workflow state row, ErrNotFound if absent.
	GetState(ctx context.Context, workflowID string) (types.StateRecord, error)

	// StoreStepResult appends one step attempt row.
	StoreStepResult(ctx context.Context, res types.StepResult) error

	// StoreEvent appends one workflow event row.
	StoreEvent(ctx context.Context, workflowID string, ev types.Event) error

	// ByState lists workflows in the given state, newest first.
	ByState(ctx context.Context, s types.WorkflowState, limit int) ([]types.StateRecord, error)

	// CleanupOlderThan deletes terminal records (and dependent step and
	// event rows) completed before the retention window. Returns the
	// number of workflow rows removed.
	CleanupOlderThan(ctx context.Context, retention time.Duration) (int, error)

	// Ping reports backend reachability.
	Ping(ctx context.Context) error

	Close() error
}

// Cache is the fast, TTL-bounded read-through tier. Entries are
// advisory; the durable store remains the source of truth.
type Cache interface {
	SetState(ctx context.Context, rec types.StateRecord, ttl time.Duration) error
	GetState(ctx context.Context, workflowID string) (types.StateRecord, error)
	DeleteState(ctx context.Context, workflowID string) error
	Ping(ctx context.Context) error
	Close() error
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}
