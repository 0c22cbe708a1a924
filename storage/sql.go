package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for PostgreSQL

	"github.com/doxops/orchestrator/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS workflow_states (
	workflow_id VARCHAR(255) PRIMARY KEY,
	rule_name VARCHAR(255) NOT NULL,
	service VARCHAR(255) NOT NULL,
	current_state VARCHAR(50) NOT NULL,
	context JSONB,
	created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
	updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
	completed_at TIMESTAMP WITH TIME ZONE
);

CREATE TABLE IF NOT EXISTS workflow_step_results (
	id SERIAL PRIMARY KEY,
	workflow_id VARCHAR(255) REFERENCES workflow_states(workflow_id) ON DELETE CASCADE,
	step_name VARCHAR(255) NOT NULL,
	step_action VARCHAR(100) NOT NULL,
	status VARCHAR(50) NOT NULL,
	result JSONB,
	error_message TEXT,
	duration_ms INTEGER,
	executed_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS workflow_events (
	id SERIAL PRIMARY KEY,
	workflow_id VARCHAR(255) REFERENCES workflow_states(workflow_id) ON DELETE CASCADE,
	event_type VARCHAR(255) NOT NULL,
	event_data JSONB,
	published_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_workflow_states_status ON workflow_states(current_state);
CREATE INDEX IF NOT EXISTS idx_workflow_states_updated ON workflow_states(updated_at);
CREATE INDEX IF NOT EXISTS idx_step_results_workflow ON workflow_step_results(workflow_id);
CREATE INDEX IF NOT EXISTS idx_events_workflow ON workflow_events(workflow_id);
`

// SQLStore is a PostgreSQL-backed implementation of DurableStore.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore opens a connection pool for the given DSN, verifies
// connectivity, and ensures the schema exists.
func NewSQLStore(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	store := &SQLStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("initialize schema: %w", err)
	}
	return nil
}

// StoreState upserts a workflow state row. Terminal states stamp
// completed_at; non-terminal updates leave it untouched.
func (s *SQLStore) StoreState(ctx context.Context, rec types.StateRecord) error {
	contextJSON, err := json.Marshal(rec.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}

	query := `
		INSERT INTO workflow_states (workflow_id, rule_name, service, current_state, context, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()), NOW(),
			CASE WHEN $4 IN ('success', 'failed', 'cancelled') THEN COALESCE($7, NOW()) END)
		ON CONFLICT (workflow_id)
		DO UPDATE SET
			current_state = EXCLUDED.current_state,
			context = EXCLUDED.context,
			updated_at = NOW(),
			completed_at = CASE
				WHEN EXCLUDED.current_state IN ('success', 'failed', 'cancelled')
				THEN COALESCE(workflow_states.completed_at, EXCLUDED.completed_at, NOW())
				ELSE workflow_states.completed_at
			END
	`
	if _, err := s.db.ExecContext(ctx, query,
		rec.WorkflowID, rec.RuleName, rec.Service, string(rec.CurrentState), contextJSON,
		nullTime(&rec.CreatedAt), nullTime(rec.CompletedAt)); err != nil {
		return fmt.Errorf("store workflow state %s: %w", rec.WorkflowID, err)
	}
	return nil
}

// GetState retrieves a workflow state row, ErrNotFound if absent.
func (s *SQLStore) GetState(ctx context.Context, workflowID string) (types.StateRecord, error) {
	query := `
		SELECT workflow_id, rule_name, service, current_state, context,
		       created_at, updated_at, completed_at
		FROM workflow_states
		WHERE workflow_id = $1
	`
	var (
		rec         types.StateRecord
		stateStr    string
		contextJSON []byte
		completedAt sql.NullTime
	)
	row := s.db.QueryRowContext(ctx, query, workflowID)
	err := row.Scan(&rec.WorkflowID, &rec.RuleName, &rec.Service, &stateStr,
		&contextJSON, &rec.CreatedAt, &rec.UpdatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return types.StateRecord{}, fmt.Errorf("%w: workflow_id=%s", ErrNotFound, workflowID)
	} else if err != nil {
		return types.StateRecord{}, fmt.Errorf("get workflow state %s: %w", workflowID, err)
	}

	rec.CurrentState = types.WorkflowState(stateStr)
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &rec.Context); err != nil {
			return types.StateRecord{}, fmt.Errorf("unmarshal context for %s: %w", workflowID, err)
		}
	}
	return rec, nil
}

// StoreStepResult appends one step attempt row.
func (s *SQLStore) StoreStepResult(ctx context.Context, res types.StepResult) error {
	resultJSON, err := json.Marshal(res.Result)
	if err != nil {
		return fmt.Errorf("marshal step result: %w", err)
	}

	query := `
		INSERT INTO workflow_step_results
		(workflow_id, step_name, step_action, status, result, error_message, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err := s.db.ExecContext(ctx, query,
		res.WorkflowID, res.StepName, string(res.Action), string(res.Status),
		resultJSON, nullString(res.ErrorMessage), res.DurationMs); err != nil {
		return fmt.Errorf("store step result %s/%s: %w", res.WorkflowID, res.StepName, err)
	}
	return nil
}

// StoreEvent appends one workflow event row.
func (s *SQLStore) StoreEvent(ctx context.Context, workflowID string, ev types.Event) error {
	dataJSON, err := json.Marshal(ev.EventData)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	query := `
		INSERT INTO workflow_events (workflow_id, event_type, event_data)
		VALUES ($1, $2, $3)
	`
	if _, err := s.db.ExecContext(ctx, query, workflowID, ev.EventType, dataJSON); err != nil {
		return fmt.Errorf("store workflow event %s: %w", workflowID, err)
	}
	return nil
}

// ByState lists workflows in the given state, newest first.
func (s *SQLStore) ByState(ctx context.Context, state types.WorkflowState, limit int) ([]types.StateRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT workflow_id, rule_name, service, current_state, context,
		       created_at, updated_at, completed_at
		FROM workflow_states
		WHERE current_state = $1
		ORDER BY updated_at DESC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, string(state), limit)
	if err != nil {
		return nil, fmt.Errorf("list workflows by state %s: %w", state, err)
	}
	defer rows.Close()

	var out []types.StateRecord
	for rows.Next() {
		var (
			rec         types.StateRecord
			stateStr    string
			contextJSON []byte
			completedAt sql.NullTime
		)
		if err := rows.Scan(&rec.WorkflowID, &rec.RuleName, &rec.Service, &stateStr,
			&contextJSON, &rec.CreatedAt, &rec.UpdatedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan workflow state: %w", err)
		}
		rec.CurrentState = types.WorkflowState(stateStr)
		if completedAt.Valid {
			t := completedAt.Time
			rec.CompletedAt = &t
		}
		if len(contextJSON) > 0 {
			if err := json.Unmarshal(contextJSON, &rec.Context); err != nil {
				return nil, fmt.Errorf("unmarshal context: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CleanupOlderThan deletes terminal workflow rows completed before the
// retention cutoff. Step and event rows follow via ON DELETE CASCADE.
func (s *SQLStore) CleanupOlderThan(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-retention)
	query := `
		DELETE FROM workflow_states
		WHERE current_state IN ('success', 'failed', 'cancelled')
		AND completed_at < $1
	`
	res, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup old workflows: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup rows affected: %w", err)
	}
	return int(n), nil
}

// Ping reports backend reachability.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
