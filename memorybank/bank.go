// Package memorybank maintains the JSON memory-bank files updated as
// post-hoc bookkeeping when workflows complete. Updates are best
// effort: failures are reported as *Error and logged by callers, never
// fatal to a workflow.
package memorybank

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/doxops/orchestrator/events"
)

// executionLogFile holds the rolling workflow execution log.
const executionLogFile = "WORKFLOW_EXECUTION_LOG.json"

// eventLogFile holds the retained workflow events.
const eventLogFile = "WORKFLOW_EVENTS.json"

// maxLogEntries caps the execution log.
const maxLogEntries = 1000

// Error reports a memory-bank bookkeeping failure.
type Error struct {
	File string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("memory bank %s: %s: %v", e.File, e.Msg, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ExecutionEntry is one row of the workflow execution log.
type ExecutionEntry struct {
	WorkflowID    string    `json:"workflow_id"`
	WorkflowName  string    `json:"workflow_name"`
	Service       string    `json:"service"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	Status        string    `json:"status"`
	StepsExecuted int       `json:"steps_executed"`
	Failed        bool      `json:"failed"`
}

// Bank reads and writes memory-bank files under a base directory.
type Bank struct {
	dir string
	mu  sync.Mutex
}

// New creates a Bank rooted at dir, creating it if needed.
func New(dir string) (*Bank, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &Error{File: dir, Msg: "create directory", Err: err}
	}
	return &Bank{dir: dir}, nil
}

// AppendExecution appends one entry to the execution log, evicting the
// oldest entries past the cap.
func (b *Bank) AppendExecution(entry ExecutionEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	path := filepath.Join(b.dir, executionLogFile)

	var doc struct {
		Executions []ExecutionEntry `json:"executions"`
	}
	if data, err := os.ReadFile(path); err == nil {
		// A corrupt log starts over rather than blocking workflows.
		_ = json.Unmarshal(data, &doc)
	}

	doc.Executions = append(doc.Executions, entry)
	if len(doc.Executions) > maxLogEntries {
		doc.Executions = doc.Executions[len(doc.Executions)-maxLogEntries:]
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return &Error{File: executionLogFile, Msg: "encode log", Err: err}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return &Error{File: executionLogFile, Msg: "write log", Err: err}
	}
	return nil
}

// Executions returns the retained execution log entries.
func (b *Bank) Executions() ([]ExecutionEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	path := filepath.Join(b.dir, executionLogFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, &Error{File: executionLogFile, Msg: "read log", Err: err}
	}

	var doc struct {
		Executions []ExecutionEntry `json:"executions"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &Error{File: executionLogFile, Msg: "decode log", Err: err}
	}
	return doc.Executions, nil
}

// SaveEvents replaces the retained workflow events file with the given
// snapshot. A Bank satisfies events.LogStore, so it can back the
// publisher's bounded event log across restarts.
func (b *Bank) SaveEvents(entries []events.LogEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	path := filepath.Join(b.dir, eventLogFile)

	doc := struct {
		Events      []events.LogEntry `json:"events"`
		LastUpdated string            `json:"last_updated"`
	}{
		Events:      entries,
		LastUpdated: time.Now().UTC().Format(time.RFC3339),
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return &Error{File: eventLogFile, Msg: "encode events", Err: err}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return &Error{File: eventLogFile, Msg: "write events", Err: err}
	}
	return nil
}

// LoadEvents returns the retained workflow events, oldest first. A
// missing file is an empty log.
func (b *Bank) LoadEvents() ([]events.LogEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	path := filepath.Join(b.dir, eventLogFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, &Error{File: eventLogFile, Msg: "read events", Err: err}
	}

	var doc struct {
		Events []events.LogEntry `json:"events"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &Error{File: eventLogFile, Msg: "decode events", Err: err}
	}
	return doc.Events, nil
}

// ApplyUpdate merges the given fields into a named memory-bank JSON
// file. The file is created when absent.
func (b *Bank) ApplyUpdate(fileName string, fields map[string]interface{}) error {
	if fileName == "" {
		return &Error{File: fileName, Msg: "apply update", Err: fmt.Errorf("file name is required")}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	path := filepath.Join(b.dir, filepath.Base(fileName))

	doc := make(map[string]interface{})
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &doc)
	}

	for k, v := range fields {
		doc[k] = v
	}
	doc["last_updated"] = time.Now().UTC().Format(time.RFC3339)

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return &Error{File: fileName, Msg: "encode update", Err: err}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return &Error{File: fileName, Msg: "write update", Err: err}
	}
	return nil
}
