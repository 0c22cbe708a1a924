package types

import "time"

// TriggerType identifies how a workflow rule is initiated.
type TriggerType string

const (
	TriggerAPIRequest TriggerType = "api_request"
	TriggerEvent      TriggerType = "event"
	TriggerSchedule   TriggerType = "schedule"
	TriggerManual     TriggerType = "manual"
	TriggerCascade    TriggerType = "cascade"
)

// Valid reports whether t is a known trigger type.
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerAPIRequest, TriggerEvent, TriggerSchedule, TriggerManual, TriggerCascade:
		return true
	}
	return false
}

// ActionType identifies the kind of work a step performs.
type ActionType string

const (
	ActionAPICall            ActionType = "api_call"
	ActionDataTransform      ActionType = "data_transform"
	ActionStoreResult        ActionType = "store_result"
	ActionPublishEvent       ActionType = "publish_event"
	ActionUpdateMemory       ActionType = "update_memory"
	ActionNotifyTeam         ActionType = "notify_team"
	ActionValidateData       ActionType = "validate_data"
	ActionCustomLogic        ActionType = "custom_logic"
	ActionConditionalBranch  ActionType = "conditional_branch"
	ActionManualIntervention ActionType = "manual_intervention"
)

// Valid reports whether a is a known action type.
func (a ActionType) Valid() bool {
	switch a {
	case ActionAPICall, ActionDataTransform, ActionStoreResult, ActionPublishEvent,
		ActionUpdateMemory, ActionNotifyTeam, ActionValidateData, ActionCustomLogic,
		ActionConditionalBranch, ActionManualIntervention:
		return true
	}
	return false
}

// ErrorPolicy selects how the engine reacts to a failed step.
type ErrorPolicy string

const (
	PolicyRetry              ErrorPolicy = "retry"
	PolicySkipStep           ErrorPolicy = "skip_step"
	PolicyEscalate           ErrorPolicy = "escalate"
	PolicyRollback           ErrorPolicy = "rollback"
	PolicyManualIntervention ErrorPolicy = "manual_intervention"
)

// Valid reports whether p is a known error-handling policy.
func (p ErrorPolicy) Valid() bool {
	switch p {
	case PolicyRetry, PolicySkipStep, PolicyEscalate, PolicyRollback, PolicyManualIntervention:
		return true
	}
	return false
}

// WorkflowState enumerates the lifecycle states of a workflow run.
type WorkflowState string

const (
	StatePending         WorkflowState = "pending"
	StateRunning         WorkflowState = "running"
	StateSuccess         WorkflowState = "success"
	StateFailed          WorkflowState = "failed"
	StateRetry           WorkflowState = "retry"
	StateWaitingForHuman WorkflowState = "waiting_for_human"
	StateEscalated       WorkflowState = "escalated"
	StateCancelled       WorkflowState = "cancelled"
)

// Valid reports whether s is a known workflow state.
func (s WorkflowState) Valid() bool {
	switch s {
	case StatePending, StateRunning, StateSuccess, StateFailed,
		StateRetry, StateWaitingForHuman, StateEscalated, StateCancelled:
		return true
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s WorkflowState) Terminal() bool {
	switch s {
	case StateSuccess, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Trigger describes what starts a workflow rule.
type Trigger struct {
	Type   TriggerType `json:"type" yaml:"type"`
	Source string      `json:"source" yaml:"source"`
}

// Condition is a boolean gate evaluated against the run context before
// a workflow starts.
type Condition struct {
	Type  string `json:"type" yaml:"type"`
	Check string `json:"check" yaml:"check"`
}

// WorkflowStep is a single unit of work within a rule.
type WorkflowStep struct {
	Name           string                 `json:"name" yaml:"name"`
	Action         ActionType             `json:"action" yaml:"action"`
	Params         map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty"`
	OnSuccess      string                 `json:"on_success,omitempty" yaml:"on_success,omitempty"`
	OnFailure      string                 `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`
	ErrorMessage   string                 `json:"error_message,omitempty" yaml:"error_message,omitempty"`
	TimeoutSeconds int                    `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	RetryAttempts  int                    `json:"retry_attempts,omitempty" yaml:"retry_attempts,omitempty"`
}

// Timeout returns the step timeout, defaulting to 30 seconds.
func (s *WorkflowStep) Timeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// WorkflowRule is a declarative workflow definition. Rules are immutable
// once registered.
type WorkflowRule struct {
	Name              string                   `json:"name" yaml:"name"`
	Service           string                   `json:"service" yaml:"service"`
	Version           string                   `json:"version" yaml:"version"`
	Description       string                   `json:"description" yaml:"description"`
	Priority          string                   `json:"priority" yaml:"priority"`
	Trigger           Trigger                  `json:"trigger" yaml:"trigger"`
	Conditions        []Condition              `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Steps             []WorkflowStep           `json:"steps" yaml:"steps"`
	ErrorHandling     map[string]ErrorPolicy   `json:"error_handling,omitempty" yaml:"error_handling,omitempty"`
	MemoryBankUpdates []map[string]interface{} `json:"memory_bank_updates,omitempty" yaml:"memory_bank_updates,omitempty"`
	Configuration     map[string]interface{}   `json:"configuration,omitempty" yaml:"configuration,omitempty"`
}

// Step returns the step with the given name, or nil.
func (r *WorkflowRule) Step(name string) *WorkflowStep {
	for i := range r.Steps {
		if r.Steps[i].Name == name {
			return &r.Steps[i]
		}
	}
	return nil
}

// FailurePolicy returns the policy registered for the given failure
// class, defaulting to escalation.
func (r *WorkflowRule) FailurePolicy(class string) ErrorPolicy {
	if p, ok := r.ErrorHandling[class]; ok {
		return p
	}
	return PolicyEscalate
}

// StepStatus is the outcome of a single step attempt.
type StepStatus string

const (
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"
)

// StepResult records one step attempt. Rows are append-only.
type StepResult struct {
	WorkflowID   string                 `json:"workflow_id"`
	StepName     string                 `json:"step_name"`
	Action       ActionType             `json:"step_action"`
	Status       StepStatus             `json:"status"`
	Result       map[string]interface{} `json:"result,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	DurationMs   int64                  `json:"duration_ms"`
	ExecutedAt   time.Time              `json:"executed_at"`
}

// StateRecord is the persisted snapshot of a workflow run. Once a run is
// terminal and evicted from memory, this record is the source of truth.
type StateRecord struct {
	WorkflowID   string                 `json:"workflow_id"`
	RuleName     string                 `json:"rule_name"`
	Service      string                 `json:"service"`
	CurrentState WorkflowState          `json:"current_state"`
	Context      map[string]interface{} `json:"context,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
}

// Event is a published lifecycle notification.
type Event struct {
	EventType string                 `json:"event_type"`
	EventData map[string]interface{} `json:"event_data"`
	Timestamp time.Time              `json:"timestamp"`
	Publisher string                 `json:"publisher"`
}

// ServiceRegistryEntry describes a downstream service reachable through
// the connector. Entries are loaded once and never mutated.
type ServiceRegistryEntry struct {
	Name           string `json:"name" yaml:"name"`
	Host           string `json:"host" yaml:"host"`
	Port           int    `json:"port" yaml:"port"`
	HealthEndpoint string `json:"health_endpoint" yaml:"health_endpoint"`
	APIPrefix      string `json:"api_prefix" yaml:"api_prefix"`
}
