// Package workflow implements the execution engine. The Runner walks a
// rule's step graph, dispatches actions through the service connector,
// drives every status change through the state machine, persists
// progress via the state manager, and emits lifecycle events.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/doxops/orchestrator/connector"
	"github.com/doxops/orchestrator/events"
	"github.com/doxops/orchestrator/memorybank"
	"github.com/doxops/orchestrator/rules"
	"github.com/doxops/orchestrator/state"
	"github.com/doxops/orchestrator/storage"
	"github.com/doxops/orchestrator/types"
)

// generalFailureClass keys the rule's error-handling map for step
// failures.
const generalFailureClass = "general_failure"

// LogicFunc executes a custom_logic step.
type LogicFunc func(ctx context.Context, params, runContext map[string]interface{}) (map[string]interface{}, error)

// Runner executes workflow rules. Active runs are owned by the Runner
// instance; once a run is terminal the durable record is authoritative.
type Runner struct {
	service   string
	rules     *rules.Registry
	machine   *state.Machine
	store     *storage.StateManager
	publisher *events.Publisher
	conn      *connector.Connector
	evaluator rules.Evaluator
	bank      *memorybank.Bank
	logger    *slog.Logger

	mu     sync.Mutex
	active map[string]*run

	logicMu sync.RWMutex
	logic   map[string]LogicFunc
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithEvaluator overrides the condition evaluator.
func WithEvaluator(ev rules.Evaluator) RunnerOption {
	return func(r *Runner) { r.evaluator = ev }
}

// WithMemoryBank wires post-hoc bookkeeping.
func WithMemoryBank(bank *memorybank.Bank) RunnerOption {
	return func(r *Runner) { r.bank = bank }
}

// WithRunnerLogger sets the runner's logger.
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

// NewRunner creates a Runner.
func NewRunner(service string, reg *rules.Registry, machine *state.Machine,
	store *storage.StateManager, publisher *events.Publisher, conn *connector.Connector,
	opts ...RunnerOption) (*Runner, error) {
	if reg == nil || machine == nil || store == nil || publisher == nil {
		return nil, errors.New("registry, machine, store and publisher are required")
	}
	r := &Runner{
		service:   service,
		rules:     reg,
		machine:   machine,
		store:     store,
		publisher: publisher,
		conn:      conn,
		evaluator: rules.NewExprEvaluator(),
		logger:    slog.Default(),
		active:    make(map[string]*run),
		logic:     make(map[string]LogicFunc),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Rules exposes the rule registry.
func (r *Runner) Rules() *rules.Registry { return r.rules }

// Machine exposes the state machine.
func (r *Runner) Machine() *state.Machine { return r.machine }

// Store exposes the persistence layer.
func (r *Runner) Store() *storage.StateManager { return r.store }

// Publisher exposes the event publisher.
func (r *Runner) Publisher() *events.Publisher { return r.publisher }

// Connector exposes the service connector.
func (r *Runner) Connector() *connector.Connector { return r.conn }

// Service returns the owning service name.
func (r *Runner) Service() string { return r.service }

// RegisterLogic registers a handler for custom_logic steps.
func (r *Runner) RegisterLogic(name string, fn LogicFunc) error {
	if name == "" || fn == nil {
		return errors.New("name and logic function are required")
	}
	r.logicMu.Lock()
	defer r.logicMu.Unlock()
	r.logic[name] = fn
	return nil
}

// Start begins a new workflow run. The rule is resolved, its conditions
// evaluated (all must pass), the state-machine record created, and the
// step graph walked from the first step. Returns the workflow id.
func (r *Runner) Start(ctx context.Context, ruleName string, runContext map[string]interface{}, workflowID string) (string, error) {
	rule := r.rules.Get(ruleName)
	if rule == nil {
		return "", &Error{Msg: fmt.Sprintf("rule %q not found", ruleName), Err: ErrRuleNotFound}
	}

	if workflowID == "" {
		workflowID = uuid.NewString()
	}
	if runContext == nil {
		runContext = make(map[string]interface{})
	}

	for _, cond := range rule.Conditions {
		ok, err := r.evaluator.Evaluate(cond.Check, copyContext(runContext))
		if err != nil {
			return "", &Error{WorkflowID: workflowID,
				Msg: fmt.Sprintf("condition %q failed to evaluate: %v", cond.Check, err), Err: err}
		}
		if !ok {
			return "", &Error{WorkflowID: workflowID,
				Msg: fmt.Sprintf("condition %q not met for rule %q", cond.Check, ruleName), Err: ErrConditionsNotMet}
		}
	}

	if !r.machine.Create(workflowID, types.StatePending) {
		return "", &Error{WorkflowID: workflowID, Msg: "workflow already exists", Err: ErrWorkflowExists}
	}

	runCtx := copyContext(runContext)
	runCtx["workflow_id"] = workflowID
	rn := newRun(workflowID, ruleName, r.service, runCtx)

	r.mu.Lock()
	r.active[workflowID] = rn
	r.mu.Unlock()

	if err := r.machine.Transition(workflowID, types.StateRunning, "workflow_started", nil); err != nil {
		r.release(workflowID)
		return "", err
	}
	rn.setStatus(types.StateRunning)
	r.persistState(ctx, rn)

	r.publisher.PublishWorkflowLifecycle(ctx, workflowID, "started", rn.contextSnapshot())
	r.store.StoreEvent(ctx, workflowID, types.Event{
		EventType: "workflow_started",
		EventData: map[string]interface{}{"rule_name": ruleName, "service": r.service},
		Timestamp: time.Now().UTC(),
		Publisher: r.service,
	})

	r.walk(ctx, rn, rule, &rule.Steps[0])
	return workflowID, nil
}

// walk executes steps strictly sequentially following on_success links.
// It returns when the workflow completes, suspends, or is cancelled.
func (r *Runner) walk(ctx context.Context, rn *run, rule *types.WorkflowRule, step *types.WorkflowStep) {
	for step != nil {
		if rn.isCancelled() {
			return
		}
		// An external pause between steps suspends the walk at the
		// next boundary; Resume re-enters at this step.
		if st, ok := r.machine.CurrentState(rn.workflowID); ok && st == types.StateWaitingForHuman {
			rn.setResume(step.Name)
			return
		} else if !ok || st != types.StateRunning {
			return
		}

		rn.setCurrentStep(step.Name)
		result, err := r.executeStep(ctx, rn, step)

		if rn.isCancelled() {
			// Result arriving after cancellation is discarded.
			return
		}
		if errors.Is(err, errManualIntervention) {
			r.suspendForHuman(ctx, rn, step, result)
			return
		}
		if err != nil {
			next, done := r.handleStepFailure(ctx, rn, rule, step, err)
			if done {
				return
			}
			step = next
			continue
		}

		rn.recordStepResult(step.Name, result)
		r.persistState(ctx, rn)

		next := step.OnSuccess
		if step.Action == types.ActionConditionalBranch {
			if pref, ok := result["next_step"].(string); ok && pref != "" {
				next = pref
			}
		}
		if next == "" {
			r.complete(ctx, rn, rule, false)
			return
		}
		nextStep := rule.Step(next)
		if nextStep == nil {
			// on_success targets are validated at load; only a branch
			// can name an unknown step.
			failNext, done := r.handleStepFailure(ctx, rn, rule, step,
				wfErr(rn.workflowID, step.Name, "branch target %q not found in rule", next))
			if done {
				return
			}
			step = failNext
			continue
		}
		step = nextStep
	}
	r.complete(ctx, rn, rule, false)
}

// executeStep runs one step with its timeout and retry budget,
// recording one step-result row per attempt.
func (r *Runner) executeStep(ctx context.Context, rn *run, step *types.WorkflowStep) (map[string]interface{}, error) {
	attempts := 1 + step.RetryAttempts

	var (
		result map[string]interface{}
		err    error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		params := substituteMap(step.Params, rn.contextSnapshot())

		stepCtx, cancel := context.WithTimeout(ctx, step.Timeout())
		start := time.Now()
		result, err = r.dispatch(stepCtx, rn, step, params)
		duration := time.Since(start)
		cancel()

		if errors.Is(err, errManualIntervention) {
			return result, err
		}

		status := types.StepSuccess
		var msg string
		if err != nil {
			status = types.StepFailed
			msg = err.Error()
			if step.ErrorMessage != "" {
				msg = step.ErrorMessage + ": " + msg
			}
			if result == nil {
				result = map[string]interface{}{"error": err.Error()}
			}
		}

		r.store.StoreStepResult(ctx, types.StepResult{
			WorkflowID:   rn.workflowID,
			StepName:     step.Name,
			Action:       step.Action,
			Status:       status,
			Result:       result,
			ErrorMessage: msg,
			DurationMs:   duration.Milliseconds(),
			ExecutedAt:   time.Now().UTC(),
		})
		r.publisher.PublishStep(ctx, rn.workflowID, step.Name, status, result, msg)

		if err == nil {
			return result, nil
		}
		// Backoff between attempts is deployment configuration, not
		// engine behavior.
	}
	return result, err
}

// dispatch executes the step's action. The switch is exhaustive over
// ActionType; rule validation guarantees no other value reaches here.
func (r *Runner) dispatch(ctx context.Context, rn *run, step *types.WorkflowStep, params map[string]interface{}) (map[string]interface{}, error) {
	switch step.Action {
	case types.ActionAPICall:
		return r.executeAPICall(ctx, rn, step, params)
	case types.ActionDataTransform:
		return r.executeDataTransform(rn, params)
	case types.ActionStoreResult:
		return r.executeStoreResult(ctx, rn, params)
	case types.ActionPublishEvent:
		return r.executePublishEvent(ctx, rn, params)
	case types.ActionUpdateMemory:
		return r.executeUpdateMemory(ctx, rn, params)
	case types.ActionNotifyTeam:
		return r.executeNotifyTeam(ctx, rn, params)
	case types.ActionValidateData:
		return r.executeValidateData(rn, params)
	case types.ActionCustomLogic:
		return r.executeCustomLogic(ctx, rn, params)
	case types.ActionConditionalBranch:
		return r.executeConditionalBranch(rn, params)
	case types.ActionManualIntervention:
		return r.executeManualIntervention(params)
	default:
		return nil, wfErr(rn.workflowID, step.Name, "unsupported action type %q", step.Action)
	}
}

func (r *Runner) executeAPICall(ctx context.Context, rn *run, step *types.WorkflowStep, params map[string]interface{}) (map[string]interface{}, error) {
	service, _ := params["service"].(string)
	method, _ := params["method"].(string)
	endpoint, _ := params["endpoint"].(string)
	if service == "" || endpoint == "" {
		return nil, wfErr(rn.workflowID, step.Name, "api_call requires service and endpoint params")
	}
	if method == "" {
		method = "GET"
	}

	body, _ := params["body"].(map[string]interface{})
	var query map[string]string
	if qp, ok := params["params"].(map[string]interface{}); ok {
		query = make(map[string]string, len(qp))
		for k, v := range qp {
			query[k] = fmt.Sprintf("%v", v)
		}
	}

	resp, err := r.conn.Call(ctx, connector.CallRequest{
		Service:  service,
		Method:   strings.ToUpper(method),
		Endpoint: endpoint,
		Body:     body,
		Params:   query,
		Timeout:  step.Timeout(),
	})
	if err != nil {
		return nil, err
	}
	if resp.Data != nil {
		return resp.Data, nil
	}
	return map[string]interface{}{
		"status_code": resp.StatusCode,
		"text":        resp.Text,
	}, nil
}

func (r *Runner) executeDataTransform(rn *run, params map[string]interface{}) (map[string]interface{}, error) {
	kind, _ := params["type"].(string)
	if kind == "" {
		kind = "identity"
	}

	assigned := []string{}
	if assign, ok := params["assign"].(map[string]interface{}); ok {
		for k, v := range assign {
			rn.setContextValue(k, v)
			assigned = append(assigned, k)
		}
	}

	result := map[string]interface{}{
		"transformed":         true,
		"transformation_type": kind,
	}
	if len(assigned) > 0 {
		result["assigned_keys"] = assigned
	}
	if output, ok := params["output"]; ok {
		result["output"] = output
	}
	return result, nil
}

func (r *Runner) executeStoreResult(ctx context.Context, rn *run, params map[string]interface{}) (map[string]interface{}, error) {
	table, _ := params["table"].(string)
	stored := r.store.StoreState(ctx, rn.stateRecord())
	return map[string]interface{}{
		"stored":    stored,
		"table":     table,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func (r *Runner) executePublishEvent(ctx context.Context, rn *run, params map[string]interface{}) (map[string]interface{}, error) {
	eventType, _ := params["event"].(string)
	if eventType == "" {
		return nil, wfErr(rn.workflowID, "", "publish_event requires an event param")
	}

	data := map[string]interface{}{"workflow_id": rn.workflowID}
	if extra, ok := params["data"].(map[string]interface{}); ok {
		for k, v := range extra {
			data[k] = v
		}
	}

	published := r.publisher.Publish(ctx, eventType, data)
	return map[string]interface{}{
		"event_published": published,
		"event_type":      eventType,
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func (r *Runner) executeUpdateMemory(ctx context.Context, rn *run, params map[string]interface{}) (map[string]interface{}, error) {
	updates, _ := params["updates"].([]interface{})

	applied := 0
	for _, raw := range updates {
		update, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		file, _ := update["file"].(string)
		fields, _ := update["fields"].(map[string]interface{})
		if r.bank == nil {
			continue
		}
		if err := r.bank.ApplyUpdate(file, fields); err != nil {
			// Bookkeeping is best effort.
			r.logger.Warn("memory bank update failed",
				"workflow_id", rn.workflowID, "file", file, "error", err)
			continue
		}
		applied++
		r.publisher.PublishMemoryBankUpdate(ctx, file, "workflow_step", fields)
	}

	return map[string]interface{}{
		"memory_updated": applied,
		"updates_count":  len(updates),
	}, nil
}

func (r *Runner) executeNotifyTeam(ctx context.Context, rn *run, params map[string]interface{}) (map[string]interface{}, error) {
	team, _ := params["team"].(string)
	message, _ := params["message"].(string)

	notified := r.publisher.Publish(ctx, "team_notification", map[string]interface{}{
		"workflow_id": rn.workflowID,
		"team":        team,
		"message":     message,
	}, "teams")

	return map[string]interface{}{
		"notified": notified,
		"team":     team,
	}, nil
}

func (r *Runner) executeValidateData(rn *run, params map[string]interface{}) (map[string]interface{}, error) {
	check, _ := params["check"].(string)
	if check == "" {
		return map[string]interface{}{"valid": true}, nil
	}

	ok, err := r.evaluator.Evaluate(check, rn.contextSnapshot())
	if err != nil {
		return nil, wfErr(rn.workflowID, "", "validation check %q failed to evaluate: %v", check, err)
	}
	if !ok {
		return map[string]interface{}{"valid": false, "check": check},
			wfErr(rn.workflowID, "", "validation check %q not satisfied", check)
	}
	return map[string]interface{}{"valid": true, "check": check}, nil
}

func (r *Runner) executeCustomLogic(ctx context.Context, rn *run, params map[string]interface{}) (map[string]interface{}, error) {
	name, _ := params["logic"].(string)

	r.logicMu.RLock()
	fn := r.logic[name]
	r.logicMu.RUnlock()

	if fn == nil {
		return nil, fmt.Errorf("%w: %s", ErrLogicNotFound, name)
	}
	return fn(ctx, params, rn.contextSnapshot())
}

func (r *Runner) executeConditionalBranch(rn *run, params map[string]interface{}) (map[string]interface{}, error) {
	condition, _ := params["condition"].(string)
	trueBranch, _ := params["true_branch"].(string)
	falseBranch, _ := params["false_branch"].(string)
	if condition == "" {
		return nil, wfErr(rn.workflowID, "", "conditional_branch requires a condition param")
	}

	result, err := r.evaluator.Evaluate(condition, rn.contextSnapshot())
	if err != nil {
		return nil, wfErr(rn.workflowID, "", "condition %q failed to evaluate: %v", condition, err)
	}

	next := falseBranch
	if result {
		next = trueBranch
	}
	return map[string]interface{}{
		"condition_evaluated": true,
		"condition":           condition,
		"result":              result,
		"next_step":           next,
	}, nil
}

func (r *Runner) executeManualIntervention(params map[string]interface{}) (map[string]interface{}, error) {
	ui, _ := params["interface"].(string)
	if ui == "" {
		ui = "dashboard"
	}
	timeoutMinutes := 30
	if v, ok := params["timeout_minutes"].(int); ok && v > 0 {
		timeoutMinutes = v
	}
	return map[string]interface{}{
		"manual_intervention_required": true,
		"interface":                    ui,
		"timeout_minutes":              timeoutMinutes,
	}, errManualIntervention
}

// suspendForHuman parks the run in waiting_for_human. The manual step
// counts as done; Resume continues at its on_success link.
func (r *Runner) suspendForHuman(ctx context.Context, rn *run, step *types.WorkflowStep, result map[string]interface{}) {
	if err := r.machine.Transition(rn.workflowID, types.StateWaitingForHuman, "manual_intervention",
		map[string]interface{}{"step": step.Name}); err != nil {
		r.logger.Error("failed to suspend workflow",
			"workflow_id", rn.workflowID, "step", step.Name, "error", err)
		return
	}

	rn.recordStepResult(step.Name, result)
	rn.setStatus(types.StateWaitingForHuman)
	rn.setResume(step.OnSuccess)
	r.persistState(ctx, rn)

	r.store.StoreStepResult(ctx, types.StepResult{
		WorkflowID: rn.workflowID,
		StepName:   step.Name,
		Action:     step.Action,
		Status:     types.StepSuccess,
		Result:     result,
		ExecutedAt: time.Now().UTC(),
	})
	r.publisher.PublishWorkflowLifecycle(ctx, rn.workflowID, "paused", rn.contextSnapshot())
}

// handleStepFailure applies the rule's declared error-handling policy.
// It returns the next step to execute, or done=true when the walk ends
// here (terminal, escalated, or suspended in retry).
func (r *Runner) handleStepFailure(ctx context.Context, rn *run, rule *types.WorkflowRule, step *types.WorkflowStep, stepErr error) (*types.WorkflowStep, bool) {
	rn.setError(stepErr)
	details := map[string]interface{}{"step": step.Name, "error": stepErr.Error()}

	switch rule.FailurePolicy(generalFailureClass) {
	case types.PolicyRetry:
		if err := r.machine.Transition(rn.workflowID, types.StateRetry, "step_failed", details); err != nil {
			r.logger.Error("retry transition failed", "workflow_id", rn.workflowID, "error", err)
			r.complete(ctx, rn, rule, true)
			return nil, true
		}
		rn.setStatus(types.StateRetry)
		rn.setResume(step.Name)
		r.persistState(ctx, rn)
		// The engine does not re-invoke the step itself; an external
		// scheduler (or operator Resume) drives retry-state workflows
		// back to running.
		return nil, true

	case types.PolicySkipStep:
		if step.OnFailure != "" {
			return rule.Step(step.OnFailure), false
		}
		r.complete(ctx, rn, rule, true)
		return nil, true

	default:
		// escalate, rollback, manual_intervention and anything
		// unrecognized all end in escalation.
		if err := r.machine.Transition(rn.workflowID, types.StateEscalated, "step_failed", details); err != nil {
			r.logger.Error("escalation transition failed", "workflow_id", rn.workflowID, "error", err)
		} else {
			rn.setStatus(types.StateEscalated)
			r.persistState(ctx, rn)
		}
		r.complete(ctx, rn, rule, true)
		return nil, true
	}
}

// complete records the final state, runs post-hoc bookkeeping, and
// releases the active run. The durable record is authoritative from
// here on.
func (r *Runner) complete(ctx context.Context, rn *run, rule *types.WorkflowRule, failed bool) {
	final := types.StateSuccess
	statusWord := "completed"
	if failed {
		final = types.StateFailed
		statusWord = "failed"
	}

	if err := r.machine.Transition(rn.workflowID, final, "workflow_completed", nil); err != nil {
		r.logger.Error("completion transition failed",
			"workflow_id", rn.workflowID, "target", final, "error", err)
	}
	rn.finish(final)
	r.persistState(ctx, rn)

	r.publisher.PublishWorkflowLifecycle(ctx, rn.workflowID, statusWord, rn.contextSnapshot())
	r.store.StoreEvent(ctx, rn.workflowID, types.Event{
		EventType: "workflow_" + statusWord,
		EventData: map[string]interface{}{"rule_name": rn.ruleName, "steps_executed": rn.stepsCompleted()},
		Timestamp: time.Now().UTC(),
		Publisher: r.service,
	})

	r.updateMemoryBanks(ctx, rn, rule, failed)
	r.release(rn.workflowID)
}

func (r *Runner) updateMemoryBanks(ctx context.Context, rn *run, rule *types.WorkflowRule, failed bool) {
	if r.bank == nil {
		return
	}

	endTime := time.Now().UTC()
	if t := rn.endTimeSnapshot(); t != nil {
		endTime = *t
	}
	entry := memorybank.ExecutionEntry{
		WorkflowID:    rn.workflowID,
		WorkflowName:  rn.ruleName,
		Service:       rn.service,
		StartTime:     rn.startTime,
		EndTime:       endTime,
		Status:        string(rn.statusSnapshot()),
		StepsExecuted: rn.stepsCompleted(),
		Failed:        failed,
	}
	if err := r.bank.AppendExecution(entry); err != nil {
		r.logger.Warn("execution log update failed", "workflow_id", rn.workflowID, "error", err)
	}

	snapshot := rn.contextSnapshot()
	for _, update := range rule.MemoryBankUpdates {
		file, _ := update["file"].(string)
		fields, _ := update["fields"].(map[string]interface{})
		if err := r.bank.ApplyUpdate(file, substituteMap(fields, snapshot)); err != nil {
			r.logger.Warn("memory bank update failed",
				"workflow_id", rn.workflowID, "file", file, "error", err)
			continue
		}
		r.publisher.PublishMemoryBankUpdate(ctx, file, "workflow_completion", fields)
	}
}

// Pause moves a running workflow to waiting_for_human. Only legal from
// running; the walk suspends at the next step boundary.
func (r *Runner) Pause(ctx context.Context, workflowID string) error {
	if err := r.machine.Transition(workflowID, types.StateWaitingForHuman, "manual_pause", nil); err != nil {
		return err
	}
	if rn := r.getRun(workflowID); rn != nil {
		rn.setStatus(types.StateWaitingForHuman)
		r.persistState(ctx, rn)
	}
	r.publisher.PublishWorkflowLifecycle(ctx, workflowID, "paused", nil)
	return nil
}

// Resume continues a suspended workflow: waiting_for_human after a
// pause or manual step, or retry after a step failure under the retry
// policy (in which case the failed step is re-invoked).
func (r *Runner) Resume(ctx context.Context, workflowID string) error {
	current, known := r.machine.CurrentState(workflowID)
	if !known {
		return &Error{WorkflowID: workflowID, Msg: "workflow not found", Err: ErrWorkflowNotFound}
	}
	if current != types.StateWaitingForHuman && current != types.StateRetry {
		return &Error{WorkflowID: workflowID,
			Msg: fmt.Sprintf("cannot resume from state %q", current), Err: ErrNotResumable}
	}

	rn := r.getRun(workflowID)
	if rn == nil {
		return &Error{WorkflowID: workflowID, Msg: "no active run to resume", Err: ErrNotResumable}
	}
	rule := r.rules.Get(rn.ruleName)
	if rule == nil {
		return &Error{WorkflowID: workflowID, Msg: fmt.Sprintf("rule %q no longer registered", rn.ruleName), Err: ErrRuleNotFound}
	}

	if err := r.machine.Transition(workflowID, types.StateRunning, "manual_resume", nil); err != nil {
		return err
	}
	rn.setStatus(types.StateRunning)
	r.persistState(ctx, rn)
	r.publisher.PublishWorkflowLifecycle(ctx, workflowID, "resumed", nil)

	resumeAt := rn.takeResume()
	var step *types.WorkflowStep
	if resumeAt != "" {
		step = rule.Step(resumeAt)
	}
	if step == nil {
		r.complete(ctx, rn, rule, false)
		return nil
	}
	r.walk(ctx, rn, rule, step)
	return nil
}

// Cancel terminates a workflow immediately from any non-terminal state.
// An in-flight step's eventual result is discarded.
func (r *Runner) Cancel(ctx context.Context, workflowID string) error {
	if err := r.machine.Transition(workflowID, types.StateCancelled, "manual_cancellation", nil); err != nil {
		return err
	}

	r.mu.Lock()
	rn := r.active[workflowID]
	delete(r.active, workflowID)
	r.mu.Unlock()

	if rn != nil {
		rn.cancel()
		rn.finish(types.StateCancelled)
		r.persistState(ctx, rn)
	} else if rec, err := r.store.GetState(ctx, workflowID); err == nil {
		rec.CurrentState = types.StateCancelled
		r.store.StoreState(ctx, rec)
	}

	r.publisher.PublishWorkflowLifecycle(ctx, workflowID, "cancelled", nil)
	return nil
}

// Status is the caller-facing view of a workflow run.
type Status struct {
	WorkflowID     string                  `json:"workflow_id"`
	Status         types.WorkflowState     `json:"status"`
	RuleName       string                  `json:"rule_name,omitempty"`
	Service        string                  `json:"service,omitempty"`
	CurrentStep    string                  `json:"current_step,omitempty"`
	StepsCompleted int                     `json:"steps_completed"`
	StartTime      *time.Time              `json:"start_time,omitempty"`
	EndTime        *time.Time              `json:"end_time,omitempty"`
	Error          string                  `json:"error,omitempty"`
	History        []state.TransitionEntry `json:"state_history,omitempty"`
	Active         bool                    `json:"active"`
}

// GetStatus returns the latest known state of a workflow: the active
// run when present, the state machine's record for completed runs still
// in memory, and finally the durable record.
func (r *Runner) GetStatus(ctx context.Context, workflowID string) (*Status, error) {
	if rn := r.getRun(workflowID); rn != nil {
		st := rn.status(workflowID)
		st.History = r.machine.History(workflowID)
		return st, nil
	}

	if current, ok := r.machine.CurrentState(workflowID); ok {
		st := &Status{
			WorkflowID: workflowID,
			Status:     current,
			History:    r.machine.History(workflowID),
		}
		if rec, err := r.store.GetState(ctx, workflowID); err == nil {
			fillFromRecord(st, rec)
		}
		return st, nil
	}

	rec, err := r.store.GetState(ctx, workflowID)
	if err != nil {
		return nil, &Error{WorkflowID: workflowID, Msg: "workflow not found", Err: ErrWorkflowNotFound}
	}
	st := &Status{WorkflowID: workflowID, Status: rec.CurrentState}
	fillFromRecord(st, rec)
	return st, nil
}

func fillFromRecord(st *Status, rec types.StateRecord) {
	st.RuleName = rec.RuleName
	st.Service = rec.Service
	if !rec.CreatedAt.IsZero() {
		t := rec.CreatedAt
		st.StartTime = &t
	}
	st.EndTime = rec.CompletedAt
	if msg, ok := rec.Context["error"].(string); ok {
		st.Error = msg
	}
}

// ActiveStatuses snapshots all in-memory runs.
func (r *Runner) ActiveStatuses() []*Status {
	r.mu.Lock()
	runs := make([]*run, 0, len(r.active))
	for _, rn := range r.active {
		runs = append(runs, rn)
	}
	r.mu.Unlock()

	out := make([]*Status, 0, len(runs))
	for _, rn := range runs {
		out = append(out, rn.status(rn.workflowID))
	}
	return out
}

func (r *Runner) getRun(workflowID string) *run {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[workflowID]
}

func (r *Runner) release(workflowID string) {
	r.mu.Lock()
	delete(r.active, workflowID)
	r.mu.Unlock()
}

func (r *Runner) persistState(ctx context.Context, rn *run) {
	r.store.StoreState(ctx, rn.stateRecord())
}

func copyContext(src map[string]interface{}) map[string]interface{} {
	dst := make(map[string]interface{}, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
