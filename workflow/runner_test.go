package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doxops/orchestrator/events"
	"github.com/doxops/orchestrator/rules"
	"github.com/doxops/orchestrator/state"
	"github.com/doxops/orchestrator/storage"
	"github.com/doxops/orchestrator/types"
)

// recordingTransport captures every published event type per channel.
type recordingTransport struct {
	mu     sync.Mutex
	events map[string][]types.Event
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{events: make(map[string][]types.Event)}
}

func (t *recordingTransport) Publish(_ context.Context, channel string, payload []byte) error {
	var ev types.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events[channel] = append(t.events[channel], ev)
	return nil
}

func (t *recordingTransport) Close() error { return nil }

func (t *recordingTransport) typesOn(channel string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.events[channel]))
	for _, ev := range t.events[channel] {
		out = append(out, ev.EventType)
	}
	return out
}

// harness wires a Runner over in-memory backends.
type harness struct {
	runner    *Runner
	registry  *rules.Registry
	machine   *state.Machine
	durable   *storage.MemoryStore
	store     *storage.StateManager
	transport *recordingTransport
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	durable := storage.NewMemoryStore()
	store, err := storage.NewStateManager(durable, nil)
	require.NoError(t, err)

	transport := newRecordingTransport()
	publisher := events.NewPublisher(transport, "dox-testing", nil)

	registry := rules.NewRegistry()
	machine := state.NewMachine()

	runner, err := NewRunner("dox-testing", registry, machine, store, publisher, nil)
	require.NoError(t, err)

	return &harness{
		runner:    runner,
		registry:  registry,
		machine:   machine,
		durable:   durable,
		store:     store,
		transport: transport,
	}
}

func logicRule(name string, steps ...types.WorkflowStep) *types.WorkflowRule {
	return &types.WorkflowRule{
		Name:        name,
		Service:     "dox-testing",
		Version:     "1.0",
		Description: "test rule",
		Priority:    "high",
		Trigger:     types.Trigger{Type: types.TriggerManual, Source: "test"},
		Steps:       steps,
	}
}

func logicStep(name, logic, onSuccess string) types.WorkflowStep {
	return types.WorkflowStep{
		Name:      name,
		Action:    types.ActionCustomLogic,
		Params:    map[string]interface{}{"logic": logic},
		OnSuccess: onSuccess,
	}
}

func TestRunnerSequentialSuccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	record := func(name string) LogicFunc {
		return func(context.Context, map[string]interface{}, map[string]interface{}) (map[string]interface{}, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return map[string]interface{}{"done": name}, nil
		}
	}
	require.NoError(t, h.runner.RegisterLogic("first", record("first")))
	require.NoError(t, h.runner.RegisterLogic("second", record("second")))

	require.NoError(t, h.registry.Register(logicRule("two_steps",
		logicStep("step_a", "first", "step_b"),
		logicStep("step_b", "second", ""),
	)))

	id, err := h.runner.Start(ctx, "two_steps", map[string]interface{}{"input": "x"}, "")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	assert.Equal(t, []string{"first", "second"}, order, "steps run strictly in on_success order")

	current, ok := h.machine.CurrentState(id)
	require.True(t, ok)
	assert.Equal(t, types.StateSuccess, current)

	rec, err := h.store.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StateSuccess, rec.CurrentState)
	require.NotNil(t, rec.CompletedAt)
	assert.Equal(t, id, rec.Context["workflow_id"])

	results, err := h.durable.StepResults(ctx, id)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "step_a", results[0].StepName)
	assert.Equal(t, types.StepSuccess, results[0].Status)
	assert.Equal(t, "step_b", results[1].StepName)

	assert.Equal(t, []string{"workflow_started", "workflow_completed"}, h.transport.typesOn("workflows"))
	assert.Equal(t, []string{"step_completed", "step_completed"}, h.transport.typesOn("workflows:steps"))
}

func TestRunnerStepResultExposedToLaterSteps(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.runner.RegisterLogic("produce", func(context.Context, map[string]interface{}, map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"value": 10}, nil
	}))

	rule := logicRule("chained",
		logicStep("produce_value", "produce", "check_value"),
		types.WorkflowStep{
			Name:   "check_value",
			Action: types.ActionValidateData,
			Params: map[string]interface{}{"check": "node_produce_value_result.value == 10"},
		},
	)
	require.NoError(t, h.registry.Register(rule))

	id, err := h.runner.Start(context.Background(), "chained", nil, "")
	require.NoError(t, err)

	current, _ := h.machine.CurrentState(id)
	assert.Equal(t, types.StateSuccess, current,
		"later steps must see earlier results under node_<step>_result")
}

func TestRunnerSkipStepPolicy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var executed []string
	require.NoError(t, h.runner.RegisterLogic("boom", func(context.Context, map[string]interface{}, map[string]interface{}) (map[string]interface{}, error) {
		executed = append(executed, "boom")
		return nil, errors.New("downstream exploded")
	}))
	require.NoError(t, h.runner.RegisterLogic("fallback", func(context.Context, map[string]interface{}, map[string]interface{}) (map[string]interface{}, error) {
		executed = append(executed, "fallback")
		return map[string]interface{}{"recovered": true}, nil
	}))

	rule := logicRule("with_fallback",
		types.WorkflowStep{
			Name:      "fragile",
			Action:    types.ActionCustomLogic,
			Params:    map[string]interface{}{"logic": "boom"},
			OnFailure: "recover",
		},
		logicStep("recover", "fallback", ""),
	)
	rule.ErrorHandling = map[string]types.ErrorPolicy{"general_failure": types.PolicySkipStep}
	require.NoError(t, h.registry.Register(rule))

	id, err := h.runner.Start(ctx, "with_fallback", nil, "")
	require.NoError(t, err)

	assert.Equal(t, []string{"boom", "fallback"}, executed)
	current, _ := h.machine.CurrentState(id)
	assert.Equal(t, types.StateSuccess, current, "a recovered failure completes the workflow")

	results, err := h.durable.StepResults(ctx, id)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, types.StepFailed, results[0].Status)
	assert.Contains(t, results[0].ErrorMessage, "downstream exploded")
}

func TestRunnerSkipStepWithoutFallbackFails(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.runner.RegisterLogic("boom", func(context.Context, map[string]interface{}, map[string]interface{}) (map[string]interface{}, error) {
		return nil, errors.New("no recovery path")
	}))

	rule := logicRule("no_fallback", logicStep("fragile", "boom", ""))
	rule.ErrorHandling = map[string]types.ErrorPolicy{"general_failure": types.PolicySkipStep}
	require.NoError(t, h.registry.Register(rule))

	id, err := h.runner.Start(context.Background(), "no_fallback", nil, "")
	require.NoError(t, err)

	current, _ := h.machine.CurrentState(id)
	assert.Equal(t, types.StateFailed, current)
}

func TestRunnerEscalationPolicy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.runner.RegisterLogic("boom", func(context.Context, map[string]interface{}, map[string]interface{}) (map[string]interface{}, error) {
		return nil, errors.New("unrecoverable")
	}))

	// No error_handling declared: the default policy is escalation.
	require.NoError(t, h.registry.Register(logicRule("fragile_rule", logicStep("fragile", "boom", ""))))

	id, err := h.runner.Start(ctx, "fragile_rule", nil, "")
	require.NoError(t, err)

	current, _ := h.machine.CurrentState(id)
	assert.Equal(t, types.StateFailed, current)

	var visited []types.WorkflowState
	for _, entry := range h.machine.History(id) {
		visited = append(visited, entry.State)
	}
	assert.Contains(t, visited, types.StateEscalated, "escalation must be recorded on the way to failed")

	assert.Equal(t, []string{"workflow_started", "workflow_failed"}, h.transport.typesOn("workflows"))

	st, err := h.runner.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, st.Status)
	assert.Contains(t, st.Error, "unrecoverable")
}

func TestRunnerRetryPolicy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	calls := 0
	require.NoError(t, h.runner.RegisterLogic("flaky", func(context.Context, map[string]interface{}, map[string]interface{}) (map[string]interface{}, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("transient")
		}
		return map[string]interface{}{"ok": true}, nil
	}))

	rule := logicRule("flaky_rule", logicStep("flaky_step", "flaky", ""))
	rule.ErrorHandling = map[string]types.ErrorPolicy{"general_failure": types.PolicyRetry}
	require.NoError(t, h.registry.Register(rule))

	id, err := h.runner.Start(ctx, "flaky_rule", nil, "")
	require.NoError(t, err)

	current, _ := h.machine.CurrentState(id)
	assert.Equal(t, types.StateRetry, current,
		"the engine parks the workflow in retry instead of looping itself")
	assert.Equal(t, 1, calls)

	require.NoError(t, h.runner.Resume(ctx, id))

	current, _ = h.machine.CurrentState(id)
	assert.Equal(t, types.StateSuccess, current)
	assert.Equal(t, 2, calls, "resume re-invokes the failed step")
}

func TestRunnerStepRetryAttempts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	calls := 0
	require.NoError(t, h.runner.RegisterLogic("flaky", func(context.Context, map[string]interface{}, map[string]interface{}) (map[string]interface{}, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("transient")
		}
		return map[string]interface{}{"ok": true}, nil
	}))

	rule := logicRule("retrying",
		types.WorkflowStep{
			Name:          "flaky_step",
			Action:        types.ActionCustomLogic,
			Params:        map[string]interface{}{"logic": "flaky"},
			RetryAttempts: 2,
		},
	)
	require.NoError(t, h.registry.Register(rule))

	id, err := h.runner.Start(ctx, "retrying", nil, "")
	require.NoError(t, err)

	assert.Equal(t, 3, calls)
	current, _ := h.machine.CurrentState(id)
	assert.Equal(t, types.StateSuccess, current)

	results, err := h.durable.StepResults(ctx, id)
	require.NoError(t, err)
	require.Len(t, results, 3, "one step-result row per attempt")
	assert.Equal(t, types.StepFailed, results[0].Status)
	assert.Equal(t, types.StepFailed, results[1].Status)
	assert.Equal(t, types.StepSuccess, results[2].Status)
}

func TestRunnerConditionalBranch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var executed []string
	record := func(name string) LogicFunc {
		return func(context.Context, map[string]interface{}, map[string]interface{}) (map[string]interface{}, error) {
			executed = append(executed, name)
			return map[string]interface{}{}, nil
		}
	}
	require.NoError(t, h.runner.RegisterLogic("approve", record("approve")))
	require.NoError(t, h.runner.RegisterLogic("reject", record("reject")))

	rule := logicRule("branching",
		types.WorkflowStep{
			Name:   "decide",
			Action: types.ActionConditionalBranch,
			Params: map[string]interface{}{
				"condition":    "score >= 80",
				"true_branch":  "approve_step",
				"false_branch": "reject_step",
			},
			OnSuccess: "reject_step",
		},
		logicStep("approve_step", "approve", ""),
		logicStep("reject_step", "reject", ""),
	)
	require.NoError(t, h.registry.Register(rule))

	id, err := h.runner.Start(ctx, "branching", map[string]interface{}{"score": 95}, "")
	require.NoError(t, err)

	assert.Equal(t, []string{"approve"}, executed,
		"branch preference overrides the static on_success link")
	current, _ := h.machine.CurrentState(id)
	assert.Equal(t, types.StateSuccess, current)

	executed = nil
	id2, err := h.runner.Start(ctx, "branching", map[string]interface{}{"score": 40}, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"reject"}, executed)
	current, _ = h.machine.CurrentState(id2)
	assert.Equal(t, types.StateSuccess, current)
}

func TestRunnerBranchToUnknownStepFails(t *testing.T) {
	h := newHarness(t)

	rule := logicRule("bad_branch",
		types.WorkflowStep{
			Name:   "decide",
			Action: types.ActionConditionalBranch,
			Params: map[string]interface{}{
				"condition":   "true",
				"true_branch": "nowhere",
			},
		},
	)
	require.NoError(t, h.registry.Register(rule))

	id, err := h.runner.Start(context.Background(), "bad_branch", nil, "")
	require.NoError(t, err)

	current, _ := h.machine.CurrentState(id)
	assert.Equal(t, types.StateFailed, current)
}

func TestRunnerManualInterventionSuspendsAndResumes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var executed []string
	require.NoError(t, h.runner.RegisterLogic("after", func(context.Context, map[string]interface{}, map[string]interface{}) (map[string]interface{}, error) {
		executed = append(executed, "after")
		return map[string]interface{}{}, nil
	}))

	rule := logicRule("needs_human",
		types.WorkflowStep{
			Name:      "wait_for_operator",
			Action:    types.ActionManualIntervention,
			Params:    map[string]interface{}{"interface": "dashboard"},
			OnSuccess: "finish",
		},
		logicStep("finish", "after", ""),
	)
	require.NoError(t, h.registry.Register(rule))

	id, err := h.runner.Start(ctx, "needs_human", nil, "")
	require.NoError(t, err)

	current, _ := h.machine.CurrentState(id)
	assert.Equal(t, types.StateWaitingForHuman, current)
	assert.Empty(t, executed, "steps after the manual gate must not run yet")
	assert.Contains(t, h.transport.typesOn("workflows:paused"), "workflow_paused")

	st, err := h.runner.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.True(t, st.Active, "a suspended run stays in memory")

	require.NoError(t, h.runner.Resume(ctx, id))

	assert.Equal(t, []string{"after"}, executed)
	current, _ = h.machine.CurrentState(id)
	assert.Equal(t, types.StateSuccess, current)
	assert.Contains(t, h.transport.typesOn("workflows:resumed"), "workflow_resumed")
}

func TestRunnerPauseOnlyFromRunning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.runner.RegisterLogic("noop", func(context.Context, map[string]interface{}, map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{}, nil
	}))
	require.NoError(t, h.registry.Register(logicRule("quick", logicStep("only", "noop", ""))))

	id, err := h.runner.Start(ctx, "quick", nil, "")
	require.NoError(t, err)

	err = h.runner.Pause(ctx, id)
	require.Error(t, err, "pause is illegal once the workflow is terminal")
	var stateErr *state.Error
	assert.ErrorAs(t, err, &stateErr)

	assert.Error(t, h.runner.Pause(ctx, "ghost"))
}

func TestRunnerPauseMidRunSuspendsAtStepBoundary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var executed []string
	require.NoError(t, h.runner.RegisterLogic("pause_self", func(_ context.Context, _ map[string]interface{}, runContext map[string]interface{}) (map[string]interface{}, error) {
		executed = append(executed, "pause_self")
		id := runContext["workflow_id"].(string)
		return map[string]interface{}{}, h.runner.Pause(ctx, id)
	}))
	require.NoError(t, h.runner.RegisterLogic("later", func(context.Context, map[string]interface{}, map[string]interface{}) (map[string]interface{}, error) {
		executed = append(executed, "later")
		return map[string]interface{}{}, nil
	}))

	require.NoError(t, h.registry.Register(logicRule("pausable",
		logicStep("first", "pause_self", "second"),
		logicStep("second", "later", ""),
	)))

	id, err := h.runner.Start(ctx, "pausable", nil, "")
	require.NoError(t, err)

	assert.Equal(t, []string{"pause_self"}, executed, "the walk suspends at the next boundary")
	current, _ := h.machine.CurrentState(id)
	assert.Equal(t, types.StateWaitingForHuman, current)

	require.NoError(t, h.runner.Resume(ctx, id))
	assert.Equal(t, []string{"pause_self", "later"}, executed)
	current, _ = h.machine.CurrentState(id)
	assert.Equal(t, types.StateSuccess, current)
}

func TestRunnerCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rule := logicRule("parked",
		types.WorkflowStep{
			Name:   "gate",
			Action: types.ActionManualIntervention,
		},
	)
	require.NoError(t, h.registry.Register(rule))

	id, err := h.runner.Start(ctx, "parked", nil, "")
	require.NoError(t, err)

	require.NoError(t, h.runner.Cancel(ctx, id))

	current, _ := h.machine.CurrentState(id)
	assert.Equal(t, types.StateCancelled, current)
	assert.Contains(t, h.transport.typesOn("workflows:cancelled"), "workflow_cancelled")

	rec, err := h.store.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StateCancelled, rec.CurrentState)
	require.NotNil(t, rec.CompletedAt)

	err = h.runner.Resume(ctx, id)
	assert.ErrorIs(t, err, ErrNotResumable, "cancelled is terminal")

	err = h.runner.Cancel(ctx, id)
	assert.Error(t, err, "no transition out of cancelled")
}

func TestRunnerCancelMidRunDiscardsLateResult(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var executed []string
	require.NoError(t, h.runner.RegisterLogic("cancel_self", func(_ context.Context, _ map[string]interface{}, runContext map[string]interface{}) (map[string]interface{}, error) {
		executed = append(executed, "cancel_self")
		id := runContext["workflow_id"].(string)
		return map[string]interface{}{}, h.runner.Cancel(ctx, id)
	}))
	require.NoError(t, h.runner.RegisterLogic("later", func(context.Context, map[string]interface{}, map[string]interface{}) (map[string]interface{}, error) {
		executed = append(executed, "later")
		return map[string]interface{}{}, nil
	}))

	require.NoError(t, h.registry.Register(logicRule("cancellable",
		logicStep("first", "cancel_self", "second"),
		logicStep("second", "later", ""),
	)))

	id, err := h.runner.Start(ctx, "cancellable", nil, "")
	require.NoError(t, err)

	assert.Equal(t, []string{"cancel_self"}, executed, "no step runs after cancellation")
	current, _ := h.machine.CurrentState(id)
	assert.Equal(t, types.StateCancelled, current)
	assert.NotContains(t, h.transport.typesOn("workflows"), "workflow_completed",
		"the in-flight step's success is discarded, not completed")
}

func TestRunnerStartErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	t.Run("unknown rule", func(t *testing.T) {
		_, err := h.runner.Start(ctx, "nothing_here", nil, "")
		assert.ErrorIs(t, err, ErrRuleNotFound)
	})

	require.NoError(t, h.runner.RegisterLogic("noop", func(context.Context, map[string]interface{}, map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{}, nil
	}))

	t.Run("conditions not met", func(t *testing.T) {
		rule := logicRule("gated", logicStep("only", "noop", ""))
		rule.Conditions = []types.Condition{{Type: "expression", Check: "score >= 80"}}
		require.NoError(t, h.registry.Register(rule))

		_, err := h.runner.Start(ctx, "gated", map[string]interface{}{"score": 10}, "")
		assert.ErrorIs(t, err, ErrConditionsNotMet)

		id, err := h.runner.Start(ctx, "gated", map[string]interface{}{"score": 90}, "")
		require.NoError(t, err)
		current, _ := h.machine.CurrentState(id)
		assert.Equal(t, types.StateSuccess, current)
	})

	t.Run("duplicate workflow id", func(t *testing.T) {
		require.NoError(t, h.registry.Register(logicRule("simple", logicStep("only", "noop", ""))))

		_, err := h.runner.Start(ctx, "simple", nil, "wf-fixed")
		require.NoError(t, err)
		_, err = h.runner.Start(ctx, "simple", nil, "wf-fixed")
		assert.ErrorIs(t, err, ErrWorkflowExists)
	})
}

func TestRunnerUnregisteredLogicEscalates(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.registry.Register(logicRule("mystery", logicStep("only", "never_registered", ""))))

	id, err := h.runner.Start(context.Background(), "mystery", nil, "")
	require.NoError(t, err)

	current, _ := h.machine.CurrentState(id)
	assert.Equal(t, types.StateFailed, current)

	st, err := h.runner.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Contains(t, st.Error, "custom logic not registered")
}

func TestRunnerGetStatusTiers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.runner.RegisterLogic("noop", func(context.Context, map[string]interface{}, map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{}, nil
	}))
	require.NoError(t, h.registry.Register(logicRule("quick", logicStep("only", "noop", ""))))

	id, err := h.runner.Start(ctx, "quick", nil, "")
	require.NoError(t, err)

	st, err := h.runner.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StateSuccess, st.Status)
	assert.False(t, st.Active, "completed runs are released from memory")
	assert.NotEmpty(t, st.History, "state machine history is attached while retained")
	assert.Equal(t, "quick", st.RuleName)

	// Drop the in-memory record; the durable store remains authoritative.
	h.machine.Cleanup(0)
	st, err = h.runner.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StateSuccess, st.Status)
	assert.Empty(t, st.History)

	_, err = h.runner.GetStatus(ctx, "ghost")
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
}

func TestRunnerSubstitutesStepParams(t *testing.T) {
	h := newHarness(t)

	var seen map[string]interface{}
	require.NoError(t, h.runner.RegisterLogic("capture", func(_ context.Context, params, _ map[string]interface{}) (map[string]interface{}, error) {
		seen = params
		return map[string]interface{}{}, nil
	}))

	rule := logicRule("templated",
		types.WorkflowStep{
			Name:   "capture_step",
			Action: types.ActionCustomLogic,
			Params: map[string]interface{}{
				"logic":    "capture",
				"document": "{{document_id}}",
				"missing":  "{{unknown_key}}",
			},
		},
	)
	require.NoError(t, h.registry.Register(rule))

	_, err := h.runner.Start(context.Background(), "templated", map[string]interface{}{"document_id": "doc-7"}, "")
	require.NoError(t, err)

	require.NotNil(t, seen)
	assert.Equal(t, "doc-7", seen["document"])
	assert.Equal(t, "{{unknown_key}}", seen["missing"], "unresolved placeholders stay verbatim")
}

func TestRunnerPublishEventStep(t *testing.T) {
	h := newHarness(t)

	rule := logicRule("announcer",
		types.WorkflowStep{
			Name:   "announce",
			Action: types.ActionPublishEvent,
			Params: map[string]interface{}{
				"event": "content_approved",
				"data":  map[string]interface{}{"document": "doc-1"},
			},
		},
	)
	require.NoError(t, h.registry.Register(rule))

	id, err := h.runner.Start(context.Background(), "announcer", nil, "")
	require.NoError(t, err)

	current, _ := h.machine.CurrentState(id)
	assert.Equal(t, types.StateSuccess, current)
	assert.Contains(t, h.transport.typesOn("workflows"), "content_approved",
		"unrouted event types land on the catch-all channel")
}

func TestRunnerDataTransformAssignsContext(t *testing.T) {
	h := newHarness(t)

	rule := logicRule("transforming",
		types.WorkflowStep{
			Name:   "assign",
			Action: types.ActionDataTransform,
			Params: map[string]interface{}{
				"type":   "assign",
				"assign": map[string]interface{}{"stage": "reviewed"},
			},
			OnSuccess: "verify",
		},
		types.WorkflowStep{
			Name:   "verify",
			Action: types.ActionValidateData,
			Params: map[string]interface{}{"check": `stage == "reviewed"`},
		},
	)
	require.NoError(t, h.registry.Register(rule))

	id, err := h.runner.Start(context.Background(), "transforming", nil, "")
	require.NoError(t, err)

	current, _ := h.machine.CurrentState(id)
	assert.Equal(t, types.StateSuccess, current)
}
