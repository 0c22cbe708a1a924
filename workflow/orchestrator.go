package workflow

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/doxops/orchestrator/connector"
	"github.com/doxops/orchestrator/types"
)

// DefaultCoordinationRule is the well-known rule started by
// TriggerCoordination.
const DefaultCoordinationRule = "sync_team_coordination"

// Orchestrator wraps a Runner with the operational surface: listing,
// operator controls, the rule catalog, registry-wide health, and the
// coordination trigger.
type Orchestrator struct {
	runner           *Runner
	coordinationRule string
	logger           *slog.Logger
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithCoordinationRule overrides the rule started by
// TriggerCoordination.
func WithCoordinationRule(name string) OrchestratorOption {
	return func(o *Orchestrator) { o.coordinationRule = name }
}

// WithOrchestratorLogger sets the orchestrator's logger.
func WithOrchestratorLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = logger }
}

// NewOrchestrator wraps an existing Runner.
func NewOrchestrator(runner *Runner, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		runner:           runner,
		coordinationRule: DefaultCoordinationRule,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Runner exposes the wrapped execution engine.
func (o *Orchestrator) Runner() *Runner { return o.runner }

// StartWorkflow begins a run of the named rule.
func (o *Orchestrator) StartWorkflow(ctx context.Context, ruleName string, runContext map[string]interface{}) (string, error) {
	return o.runner.Start(ctx, ruleName, runContext, "")
}

// GetStatus reports the latest known state of a workflow.
func (o *Orchestrator) GetStatus(ctx context.Context, workflowID string) (*Status, error) {
	return o.runner.GetStatus(ctx, workflowID)
}

// Pause suspends a running workflow.
func (o *Orchestrator) Pause(ctx context.Context, workflowID string) error {
	return o.runner.Pause(ctx, workflowID)
}

// Resume continues a suspended workflow.
func (o *Orchestrator) Resume(ctx context.Context, workflowID string) error {
	return o.runner.Resume(ctx, workflowID)
}

// Cancel terminates a workflow.
func (o *Orchestrator) Cancel(ctx context.Context, workflowID string) error {
	return o.runner.Cancel(ctx, workflowID)
}

// ListFilter narrows List results. Zero values mean "no filter";
// Limit <= 0 means no cap.
type ListFilter struct {
	Status  types.WorkflowState
	Service string
	Limit   int
	Offset  int
}

// List merges active in-memory runs with the state machine's records,
// newest first, applying the filter after the merge.
func (o *Orchestrator) List(ctx context.Context, filter ListFilter) []*Status {
	seen := make(map[string]bool)
	out := make([]*Status, 0)

	for _, st := range o.runner.ActiveStatuses() {
		seen[st.WorkflowID] = true
		out = append(out, st)
	}

	machine := o.runner.Machine()
	for _, s := range []types.WorkflowState{
		types.StateSuccess, types.StateFailed, types.StateCancelled,
		types.StateWaitingForHuman, types.StateRetry, types.StateEscalated,
	} {
		for _, id := range machine.ByState(s) {
			if seen[id] {
				continue
			}
			seen[id] = true
			st, err := o.runner.GetStatus(ctx, id)
			if err != nil {
				continue
			}
			out = append(out, st)
		}
	}

	filtered := out[:0]
	for _, st := range out {
		if filter.Status != "" && st.Status != filter.Status {
			continue
		}
		if filter.Service != "" && st.Service != filter.Service {
			continue
		}
		filtered = append(filtered, st)
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		var ti, tj time.Time
		if filtered[i].StartTime != nil {
			ti = *filtered[i].StartTime
		}
		if filtered[j].StartTime != nil {
			tj = *filtered[j].StartTime
		}
		return ti.After(tj)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(filtered) {
			return []*Status{}
		}
		filtered = filtered[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(filtered) {
		filtered = filtered[:filter.Limit]
	}
	return filtered
}

// RuleInfo is a catalog entry for a registered rule.
type RuleInfo struct {
	Name        string            `json:"name"`
	Service     string            `json:"service"`
	Version     string            `json:"version"`
	Description string            `json:"description"`
	Priority    string            `json:"priority"`
	Trigger     types.TriggerType `json:"trigger"`
	StepCount   int               `json:"step_count"`
}

// Rules lists the registered rules, sorted by name.
func (o *Orchestrator) Rules() []RuleInfo {
	reg := o.runner.Rules()
	names := reg.Names()
	sort.Strings(names)

	out := make([]RuleInfo, 0, len(names))
	for _, name := range names {
		rule := reg.Get(name)
		if rule == nil {
			continue
		}
		out = append(out, RuleInfo{
			Name:        rule.Name,
			Service:     rule.Service,
			Version:     rule.Version,
			Description: rule.Description,
			Priority:    rule.Priority,
			Trigger:     rule.Trigger.Type,
			StepCount:   len(rule.Steps),
		})
	}
	return out
}

// ServicesHealth fans a health check out across the whole registry and
// publishes a health event for any service that is not healthy.
func (o *Orchestrator) ServicesHealth(ctx context.Context) map[string]connector.HealthResult {
	results := o.runner.Connector().CheckAllHealth(ctx)
	for name, result := range results {
		if result.Status == connector.HealthHealthy {
			continue
		}
		o.runner.Publisher().PublishServiceHealth(ctx, name, string(result.Status), result.ResponseTimeMs)
	}
	return results
}

// TriggerCoordination starts the coordination rule with a generated
// sync id and returns both ids.
func (o *Orchestrator) TriggerCoordination(ctx context.Context) (workflowID, syncID string, err error) {
	syncID = uuid.NewString()
	workflowID, err = o.runner.Start(ctx, o.coordinationRule, map[string]interface{}{
		"sync_id":      syncID,
		"triggered_at": time.Now().UTC().Format(time.RFC3339),
	}, "")
	if err != nil {
		return "", "", err
	}
	o.runner.Publisher().PublishCoordination(ctx, syncID, nil, "started")
	return workflowID, syncID, nil
}

// Metrics summarizes orchestrator activity.
type Metrics struct {
	ActiveWorkflows  int                         `json:"active_workflows"`
	TrackedWorkflows int                         `json:"tracked_workflows"`
	ByState          map[types.WorkflowState]int `json:"by_state"`
	RegisteredRules  int                         `json:"registered_rules"`
	Events           map[string]int              `json:"events"`
}

// Metrics returns a point-in-time summary.
func (o *Orchestrator) Metrics() Metrics {
	machine := o.runner.Machine()
	byState := make(map[types.WorkflowState]int)
	for _, s := range []types.WorkflowState{
		types.StatePending, types.StateRunning, types.StateSuccess,
		types.StateFailed, types.StateRetry, types.StateWaitingForHuman,
		types.StateEscalated, types.StateCancelled,
	} {
		if n := len(machine.ByState(s)); n > 0 {
			byState[s] = n
		}
	}

	stats := o.runner.Publisher().Statistics()
	return Metrics{
		ActiveWorkflows:  len(o.runner.ActiveStatuses()),
		TrackedWorkflows: machine.Len(),
		ByState:          byState,
		RegisteredRules:  o.runner.Rules().Len(),
		Events:           stats.EventTypes,
	}
}

// Cleanup removes terminal workflows past retention from both the
// in-memory state machine and the durable store. Returns how many the
// durable store deleted.
func (o *Orchestrator) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	dropped := o.runner.Machine().Cleanup(retention)
	deleted, err := o.runner.Store().CleanupOlderThan(ctx, retention)
	if err != nil {
		o.logger.Warn("durable cleanup failed", "error", err)
		return deleted, err
	}
	o.logger.Info("cleanup completed", "in_memory_dropped", dropped, "durable_deleted", deleted)
	return deleted, nil
}
