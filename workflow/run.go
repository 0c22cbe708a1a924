package workflow

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/doxops/orchestrator/types"
)

// run is the in-memory execution state of one workflow. workflowID,
// ruleName, service and startTime are set once at creation; everything
// else is guarded by mu. cancelled is checked at step boundaries
// without taking the lock.
type run struct {
	workflowID string
	ruleName   string
	service    string
	startTime  time.Time

	cancelled atomic.Bool

	mu          sync.Mutex
	ctx         map[string]interface{}
	state       types.WorkflowState
	currentStep string
	resumeStep  string
	stepOrder   []string
	stepResults map[string]map[string]interface{}
	endTime     *time.Time
	lastError   string
}

func newRun(workflowID, ruleName, service string, runContext map[string]interface{}) *run {
	return &run{
		workflowID:  workflowID,
		ruleName:    ruleName,
		service:     service,
		startTime:   time.Now().UTC(),
		ctx:         runContext,
		state:       types.StatePending,
		stepResults: make(map[string]map[string]interface{}),
	}
}

func (rn *run) isCancelled() bool { return rn.cancelled.Load() }
func (rn *run) cancel()           { rn.cancelled.Store(true) }

func (rn *run) setStatus(s types.WorkflowState) {
	rn.mu.Lock()
	rn.state = s
	rn.mu.Unlock()
}

func (rn *run) statusSnapshot() types.WorkflowState {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	return rn.state
}

func (rn *run) setCurrentStep(name string) {
	rn.mu.Lock()
	rn.currentStep = name
	rn.mu.Unlock()
}

func (rn *run) setResume(step string) {
	rn.mu.Lock()
	rn.resumeStep = step
	rn.mu.Unlock()
}

// takeResume returns the resume point and clears it.
func (rn *run) takeResume() string {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	step := rn.resumeStep
	rn.resumeStep = ""
	return step
}

func (rn *run) setError(err error) {
	rn.mu.Lock()
	rn.lastError = err.Error()
	rn.ctx["error"] = err.Error()
	rn.mu.Unlock()
}

func (rn *run) setContextValue(key string, value interface{}) {
	rn.mu.Lock()
	rn.ctx[key] = value
	rn.mu.Unlock()
}

// recordStepResult stores the step's output and exposes it to later
// steps under the node_<step>_result context key.
func (rn *run) recordStepResult(stepName string, result map[string]interface{}) {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	if _, seen := rn.stepResults[stepName]; !seen {
		rn.stepOrder = append(rn.stepOrder, stepName)
	}
	rn.stepResults[stepName] = result
	rn.ctx["node_"+stepName+"_result"] = result
}

func (rn *run) stepsCompleted() int {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	return len(rn.stepOrder)
}

func (rn *run) finish(final types.WorkflowState) {
	now := time.Now().UTC()
	rn.mu.Lock()
	rn.state = final
	rn.endTime = &now
	rn.mu.Unlock()
}

func (rn *run) endTimeSnapshot() *time.Time {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	return rn.endTime
}

func (rn *run) contextSnapshot() map[string]interface{} {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	snapshot := make(map[string]interface{}, len(rn.ctx))
	for k, v := range rn.ctx {
		snapshot[k] = v
	}
	return snapshot
}

func (rn *run) stateRecord() types.StateRecord {
	rn.mu.Lock()
	defer rn.mu.Unlock()

	ctx := make(map[string]interface{}, len(rn.ctx))
	for k, v := range rn.ctx {
		ctx[k] = v
	}
	return types.StateRecord{
		WorkflowID:   rn.workflowID,
		RuleName:     rn.ruleName,
		Service:      rn.service,
		CurrentState: rn.state,
		Context:      ctx,
		CreatedAt:    rn.startTime,
		UpdatedAt:    time.Now().UTC(),
		CompletedAt:  rn.endTime,
	}
}

func (rn *run) status(workflowID string) *Status {
	rn.mu.Lock()
	defer rn.mu.Unlock()

	start := rn.startTime
	return &Status{
		WorkflowID:     workflowID,
		Status:         rn.state,
		RuleName:       rn.ruleName,
		Service:        rn.service,
		CurrentStep:    rn.currentStep,
		StepsCompleted: len(rn.stepOrder),
		StartTime:      &start,
		EndTime:        rn.endTime,
		Error:          rn.lastError,
		Active:         true,
	}
}
