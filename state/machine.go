// Package state implements the finite state machine governing workflow
// lifecycle. It is the single authority on transition legality; callers
// never mutate workflow status directly.
package state

import (
	"fmt"
	"sync"
	"time"

	"github.com/doxops/orchestrator/types"
)

// Error reports an illegal transition or an unknown workflow id.
type Error struct {
	WorkflowID string
	From       types.WorkflowState
	To         types.WorkflowState
	Msg        string
}

func (e *Error) Error() string {
	if e.From != "" || e.To != "" {
		return fmt.Sprintf("workflow %s: %s (%s -> %s)", e.WorkflowID, e.Msg, e.From, e.To)
	}
	return fmt.Sprintf("workflow %s: %s", e.WorkflowID, e.Msg)
}

// TransitionEntry is one row of a workflow's audit trail.
type TransitionEntry struct {
	State     types.WorkflowState    `json:"state"`
	Timestamp time.Time              `json:"timestamp"`
	Reason    string                 `json:"reason"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// validTransitions is the full legality table. States missing from a
// target list are unreachable from that source; terminal states map to
// an empty list.
var validTransitions = map[types.WorkflowState][]types.WorkflowState{
	types.StatePending: {
		types.StateRunning, types.StateCancelled,
	},
	types.StateRunning: {
		types.StateSuccess, types.StateFailed, types.StateRetry,
		types.StateWaitingForHuman, types.StateEscalated, types.StateCancelled,
	},
	types.StateRetry: {
		types.StateRunning, types.StateFailed, types.StateEscalated, types.StateCancelled,
	},
	types.StateWaitingForHuman: {
		types.StateRunning, types.StateSuccess, types.StateFailed, types.StateCancelled,
	},
	types.StateEscalated: {
		types.StateRunning, types.StateFailed, types.StateCancelled,
	},
	types.StateSuccess:   {},
	types.StateFailed:    {},
	types.StateCancelled: {},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to types.WorkflowState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Machine tracks the current state and transition history of every
// known workflow id.
type Machine struct {
	mu      sync.RWMutex
	current map[string]types.WorkflowState
	history map[string][]TransitionEntry
}

// NewMachine creates an empty state machine.
func NewMachine() *Machine {
	return &Machine{
		current: make(map[string]types.WorkflowState),
		history: make(map[string][]TransitionEntry),
	}
}

// Create registers a workflow id in its initial state. Returns false if
// the id already exists; the existing record is never overwritten.
func (m *Machine) Create(workflowID string, initial types.WorkflowState) bool {
	if initial == "" {
		initial = types.StatePending
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.current[workflowID]; exists {
		return false
	}

	m.current[workflowID] = initial
	m.history[workflowID] = []TransitionEntry{{
		State:     initial,
		Timestamp: time.Now().UTC(),
		Reason:    "workflow_created",
	}}
	return true
}

// Transition moves a workflow to a new state, appending an audit entry.
// Unknown ids and illegal moves return an *Error.
func (m *Machine) Transition(workflowID string, to types.WorkflowState, reason string, details map[string]interface{}) error {
	if reason == "" {
		reason = "state_change"
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	from, ok := m.current[workflowID]
	if !ok {
		return &Error{WorkflowID: workflowID, Msg: "workflow not found"}
	}
	if !CanTransition(from, to) {
		return &Error{WorkflowID: workflowID, From: from, To: to, Msg: "invalid state transition"}
	}

	m.current[workflowID] = to
	m.history[workflowID] = append(m.history[workflowID], TransitionEntry{
		State:     to,
		Timestamp: time.Now().UTC(),
		Reason:    reason,
		Details:   details,
	})
	return nil
}

// CurrentState returns the current state of a workflow and whether it
// is known.
func (m *Machine) CurrentState(workflowID string) (types.WorkflowState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.current[workflowID]
	return s, ok
}

// History returns the full ordered audit trail for a workflow.
func (m *Machine) History(workflowID string) []TransitionEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.history[workflowID]
	out := make([]TransitionEntry, len(entries))
	copy(out, entries)
	return out
}

// ByState returns the ids of all workflows currently in the given state.
func (m *Machine) ByState(s types.WorkflowState) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for id, cur := range m.current {
		if cur == s {
			out = append(out, id)
		}
	}
	return out
}

// Cleanup purges terminal-state workflows whose last transition
// predates the cutoff. Returns the number of records removed.
func (m *Machine) Cleanup(olderThan time.Duration) int {
	cutoff := time.Now().UTC().Add(-olderThan)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, s := range m.current {
		if !s.Terminal() {
			continue
		}
		entries := m.history[id]
		if len(entries) == 0 || entries[len(entries)-1].Timestamp.Before(cutoff) {
			delete(m.current, id)
			delete(m.history, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked workflows.
func (m *Machine) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.current)
}
