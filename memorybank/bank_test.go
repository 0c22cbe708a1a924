package memorybank

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doxops/orchestrator/events"
)

func TestAppendExecution(t *testing.T) {
	bank, err := New(t.TempDir())
	require.NoError(t, err)

	entries, err := bank.Executions()
	require.NoError(t, err)
	assert.Empty(t, entries, "fresh bank has no log")

	now := time.Now().UTC()
	for i, status := range []string{"success", "failed"} {
		require.NoError(t, bank.AppendExecution(ExecutionEntry{
			WorkflowID:    "wf-" + status,
			WorkflowName:  "content_review",
			Service:       "dox-testing",
			StartTime:     now,
			EndTime:       now.Add(time.Second),
			Status:        status,
			StepsExecuted: i + 1,
			Failed:        status == "failed",
		}))
	}

	entries, err = bank.Executions()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "wf-success", entries[0].WorkflowID)
	assert.True(t, entries[1].Failed)
}

func TestAppendExecutionSurvivesCorruptLog(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "WORKFLOW_EXECUTION_LOG.json"), []byte("not json"), 0o644))

	bank, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, bank.AppendExecution(ExecutionEntry{WorkflowID: "wf-1"}))

	entries, err := bank.Executions()
	require.NoError(t, err)
	require.Len(t, entries, 1, "a corrupt log starts over")
	assert.Equal(t, "wf-1", entries[0].WorkflowID)
}

func TestApplyUpdate(t *testing.T) {
	dir := t.TempDir()
	bank, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, bank.ApplyUpdate("TEAM_DOCS.json", map[string]interface{}{
		"last_release": "2.3.0",
		"owner":        "docs",
	}))
	require.NoError(t, bank.ApplyUpdate("TEAM_DOCS.json", map[string]interface{}{
		"last_release": "2.4.0",
	}))

	data, err := os.ReadFile(filepath.Join(dir, "TEAM_DOCS.json"))
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "2.4.0", doc["last_release"], "later updates win")
	assert.Equal(t, "docs", doc["owner"], "untouched fields survive the merge")
	assert.NotEmpty(t, doc["last_updated"])
}

func TestApplyUpdateValidation(t *testing.T) {
	bank, err := New(t.TempDir())
	require.NoError(t, err)

	err = bank.ApplyUpdate("", nil)
	require.Error(t, err)

	var bankErr *Error
	assert.ErrorAs(t, err, &bankErr)
}

func TestApplyUpdateStripsPathTraversal(t *testing.T) {
	dir := t.TempDir()
	bank, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, bank.ApplyUpdate("../escape.json", map[string]interface{}{"k": "v"}))

	_, err = os.Stat(filepath.Join(dir, "escape.json"))
	assert.NoError(t, err, "updates are confined to the bank directory")
	_, err = os.Stat(filepath.Join(filepath.Dir(dir), "escape.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestEventLogRoundTrip(t *testing.T) {
	dir := t.TempDir()
	bank, err := New(dir)
	require.NoError(t, err)

	entries, err := bank.LoadEvents()
	require.NoError(t, err)
	assert.Empty(t, entries, "fresh bank has no events file")

	now := time.Now().UTC()
	saved := []events.LogEntry{
		{EventID: "evt_1", EventType: "workflow_started", Timestamp: now, Publisher: "dox-testing"},
		{EventID: "evt_2", EventType: "workflow_completed", Timestamp: now.Add(time.Second), Publisher: "dox-testing",
			EventData: map[string]interface{}{"workflow_id": "wf-1"}},
	}
	require.NoError(t, bank.SaveEvents(saved))

	got, err := bank.LoadEvents()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "evt_1", got[0].EventID)
	assert.Equal(t, "workflow_completed", got[1].EventType)
	assert.Equal(t, "wf-1", got[1].EventData["workflow_id"])

	raw, err := os.ReadFile(filepath.Join(dir, "WORKFLOW_EVENTS.json"))
	require.NoError(t, err)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.NotEmpty(t, doc["last_updated"])
}

func TestEventLogSaveReplacesSnapshot(t *testing.T) {
	bank, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, bank.SaveEvents([]events.LogEntry{{EventID: "evt_old"}}))
	require.NoError(t, bank.SaveEvents([]events.LogEntry{{EventID: "evt_a"}, {EventID: "evt_b"}}))

	got, err := bank.LoadEvents()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "evt_a", got[0].EventID)
}

func TestEventLogCorruptFile(t *testing.T) {
	dir := t.TempDir()
	bank, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "WORKFLOW_EVENTS.json"), []byte("{not json"), 0o644))

	_, err = bank.LoadEvents()
	require.Error(t, err)
	var bankErr *Error
	assert.ErrorAs(t, err, &bankErr)
}
