package storage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/doxops/orchestrator/types"
)

// Health classifies the availability of the persistence tiers.
type Health string

const (
	// Healthy: durable store and cache both reachable.
	Healthy Health = "healthy"
	// Degraded: durable store reachable, cache not. Reads and writes
	// stay correct, just slower.
	Degraded Health = "degraded"
	// Unhealthy: durable store unreachable.
	Unhealthy Health = "unhealthy"
)

const (
	// DefaultCacheTTL bounds cache entries written alongside a durable row.
	DefaultCacheTTL = 24 * time.Hour
	// FallbackCacheTTL applies when the durable store is down and the
	// cache is the only copy.
	FallbackCacheTTL = 7 * 24 * time.Hour
)

// StateManager composes the durable store and the cache into a single
// write-through, cache-first persistence layer. The cache is advisory;
// the durable store is authoritative.
type StateManager struct {
	durable     DurableStore
	cache       Cache
	logger      *slog.Logger
	cacheTTL    time.Duration
	fallbackTTL time.Duration
}

// ManagerOption configures a StateManager.
type ManagerOption func(*StateManager)

// WithCacheTTL overrides the default cache TTLs.
func WithCacheTTL(ttl, fallback time.Duration) ManagerOption {
	return func(m *StateManager) {
		m.cacheTTL = ttl
		m.fallbackTTL = fallback
	}
}

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *StateManager) {
		m.logger = logger
	}
}

// NewStateManager creates a StateManager. durable is required; cache
// may be nil for deployments without a cache tier.
func NewStateManager(durable DurableStore, cache Cache, opts ...ManagerOption) (*StateManager, error) {
	if durable == nil {
		return nil, errors.New("durable store is required")
	}
	m := &StateManager{
		durable:     durable,
		cache:       cache,
		logger:      slog.Default(),
		cacheTTL:    DefaultCacheTTL,
		fallbackTTL: FallbackCacheTTL,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// StoreState upserts the durable row and refreshes the cache entry.
// When the durable store is unavailable the record is written to the
// cache alone with the longer fallback TTL, so recent state survives a
// brief outage. Returns false only when neither tier accepted the write.
func (m *StateManager) StoreState(ctx context.Context, rec types.StateRecord) bool {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.CurrentState.Terminal() && rec.CompletedAt == nil {
		completed := now
		rec.CompletedAt = &completed
	}

	if err := m.durable.StoreState(ctx, rec); err != nil {
		m.logger.Error("durable state write failed, falling back to cache",
			"workflow_id", rec.WorkflowID, "error", err)
		if m.cache == nil {
			return false
		}
		if cErr := m.cache.SetState(ctx, rec, m.fallbackTTL); cErr != nil {
			m.logger.Error("fallback cache write failed",
				"workflow_id", rec.WorkflowID, "error", cErr)
			return false
		}
		return true
	}

	if m.cache != nil {
		if err := m.cache.SetState(ctx, rec, m.cacheTTL); err != nil {
			m.logger.Warn("cache refresh failed",
				"workflow_id", rec.WorkflowID, "error", err)
		}
	}
	return true
}

// GetState reads cache-first, falling back to the durable store on a
// miss or cache error.
func (m *StateManager) GetState(ctx context.Context, workflowID string) (types.StateRecord, error) {
	if m.cache != nil {
		rec, err := m.cache.GetState(ctx, workflowID)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrNotFound) {
			m.logger.Warn("cache read failed", "workflow_id", workflowID, "error", err)
		}
	}
	return m.durable.GetState(ctx, workflowID)
}

// StoreStepResult appends a step attempt row. Failures are logged, not
// fatal to the workflow.
func (m *StateManager) StoreStepResult(ctx context.Context, res types.StepResult) bool {
	if err := m.durable.StoreStepResult(ctx, res); err != nil {
		m.logger.Error("step result write failed",
			"workflow_id", res.WorkflowID, "step", res.StepName, "error", err)
		return false
	}
	return true
}

// StoreEvent appends a workflow event row.
func (m *StateManager) StoreEvent(ctx context.Context, workflowID string, ev types.Event) bool {
	if err := m.durable.StoreEvent(ctx, workflowID, ev); err != nil {
		m.logger.Error("event write failed",
			"workflow_id", workflowID, "event_type", ev.EventType, "error", err)
		return false
	}
	return true
}

// ByState lists persisted workflows in the given state.
func (m *StateManager) ByState(ctx context.Context, s types.WorkflowState, limit int) ([]types.StateRecord, error) {
	return m.durable.ByState(ctx, s, limit)
}

// CleanupOlderThan deletes terminal records past retention.
func (m *StateManager) CleanupOlderThan(ctx context.Context, retention time.Duration) (int, error) {
	return m.durable.CleanupOlderThan(ctx, retention)
}

// Health probes both tiers.
func (m *StateManager) Health(ctx context.Context) Health {
	durableOK := m.durable.Ping(ctx) == nil
	cacheOK := m.cache != nil && m.cache.Ping(ctx) == nil

	switch {
	case durableOK && (m.cache == nil || cacheOK):
		return Healthy
	case durableOK:
		return Degraded
	default:
		return Unhealthy
	}
}

// Close releases both tiers.
func (m *StateManager) Close() error {
	var errs []error
	if err := m.durable.Close(); err != nil {
		errs = append(errs, err)
	}
	if m.cache != nil {
		if err := m.cache.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
