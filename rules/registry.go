package rules

import (
	"sync"

	"github.com/doxops/orchestrator/types"
)

// Registry holds the registered workflow rules. Rules are validated on
// registration and immutable afterwards.
type Registry struct {
	mu        sync.RWMutex
	rules     map[string]*types.WorkflowRule
	byService map[string][]string
}

// NewRegistry creates an empty rule registry.
func NewRegistry() *Registry {
	return &Registry{
		rules:     make(map[string]*types.WorkflowRule),
		byService: make(map[string][]string),
	}
}

// Register validates and registers a rule. Registering a name twice
// returns a RuleError; validation failures return a ConfigurationError.
func (r *Registry) Register(rule *types.WorkflowRule) error {
	if err := validateRule(rule); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rules[rule.Name]; exists {
		return &RuleError{Rule: rule.Name, Msg: "already registered"}
	}

	r.rules[rule.Name] = rule
	r.byService[rule.Service] = append(r.byService[rule.Service], rule.Name)
	return nil
}

// Unregister removes a rule by name. Returns false if the rule was not
// registered.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rule, ok := r.rules[name]
	if !ok {
		return false
	}
	delete(r.rules, name)

	names := r.byService[rule.Service]
	for i, n := range names {
		if n == name {
			r.byService[rule.Service] = append(names[:i], names[i+1:]...)
			break
		}
	}
	if len(r.byService[rule.Service]) == 0 {
		delete(r.byService, rule.Service)
	}
	return true
}

// Get returns the rule with the given name, or nil.
func (r *Registry) Get(name string) *types.WorkflowRule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rules[name]
}

// ListForService returns all rules owned by the given service.
func (r *Registry) ListForService(service string) []*types.WorkflowRule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := r.byService[service]
	out := make([]*types.WorkflowRule, 0, len(names))
	for _, n := range names {
		out = append(out, r.rules[n])
	}
	return out
}

// Names returns all registered rule names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.rules))
	for name := range r.rules {
		out = append(out, name)
	}
	return out
}

// Len returns the number of registered rules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rules)
}

// validateRule checks structural integrity of a rule before
// registration. All failures surface as ConfigurationError.
func validateRule(rule *types.WorkflowRule) error {
	if rule == nil {
		return configErr("", "", "rule is nil")
	}
	if rule.Name == "" {
		return configErr("", "name", "workflow name is required")
	}
	if rule.Service == "" {
		return configErr(rule.Name, "service", "workflow service is required")
	}
	if rule.Trigger.Type == "" {
		return configErr(rule.Name, "trigger", "workflow trigger is required")
	}
	if !rule.Trigger.Type.Valid() {
		return configErr(rule.Name, "trigger", "unknown trigger type %q", rule.Trigger.Type)
	}
	if len(rule.Steps) == 0 {
		return configErr(rule.Name, "steps", "workflow must have at least one step")
	}

	seen := make(map[string]struct{}, len(rule.Steps))
	for _, step := range rule.Steps {
		if step.Name == "" {
			return configErr(rule.Name, "steps", "step name is required")
		}
		if !step.Action.Valid() {
			return configErr(rule.Name, "steps", "step %q has unknown action %q", step.Name, step.Action)
		}
		if _, dup := seen[step.Name]; dup {
			return configErr(rule.Name, "steps", "duplicate step name %q", step.Name)
		}
		seen[step.Name] = struct{}{}
	}

	for _, step := range rule.Steps {
		if step.OnSuccess != "" {
			if _, ok := seen[step.OnSuccess]; !ok {
				return configErr(rule.Name, "steps",
					"step %q references unknown success step %q", step.Name, step.OnSuccess)
			}
		}
		if step.OnFailure != "" {
			if _, ok := seen[step.OnFailure]; !ok {
				return configErr(rule.Name, "steps",
					"step %q references unknown failure step %q", step.Name, step.OnFailure)
			}
		}
	}

	for class, policy := range rule.ErrorHandling {
		if !policy.Valid() {
			return configErr(rule.Name, "error_handling",
				"unknown policy %q for failure class %q", policy, class)
		}
	}

	return nil
}
