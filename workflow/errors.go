package workflow

import (
	"errors"
	"fmt"
)

// Error is the generic workflow runtime error, carrying the workflow
// and step it arose from when known.
type Error struct {
	WorkflowID string
	Step       string
	Msg        string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.WorkflowID != "" && e.Step != "":
		return fmt.Sprintf("workflow %s step %s: %s", e.WorkflowID, e.Step, e.Msg)
	case e.WorkflowID != "":
		return fmt.Sprintf("workflow %s: %s", e.WorkflowID, e.Msg)
	default:
		return e.Msg
	}
}

func (e *Error) Unwrap() error { return e.Err }

func wfErr(workflowID, step, format string, args ...interface{}) *Error {
	return &Error{WorkflowID: workflowID, Step: step, Msg: fmt.Sprintf(format, args...)}
}

// errManualIntervention signals that a step suspended the walk pending
// an external resume.
var errManualIntervention = errors.New("manual intervention required")

// Standard error definitions
var (
	ErrRuleNotFound     = errors.New("workflow rule not found")
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrWorkflowExists   = errors.New("workflow already exists")
	ErrConditionsNotMet = errors.New("workflow conditions not met")
	ErrLogicNotFound    = errors.New("custom logic not registered")
	ErrNotResumable     = errors.New("workflow is not resumable")
)
