package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/songzhibin97/gkit/generator"

	"github.com/doxops/orchestrator/types"
)

// CatchAllChannel receives events whose type has no routing entry.
const CatchAllChannel = "workflows"

// defaultChannels maps event types to their logical channels. Unknown
// types fall through to the catch-all channel.
var defaultChannels = map[string][]string{
	"workflow_started":            {"workflows", "workflows:started"},
	"workflow_completed":          {"workflows", "workflows:completed"},
	"workflow_failed":             {"workflows", "workflows:failed"},
	"workflow_paused":             {"workflows", "workflows:paused"},
	"workflow_resumed":            {"workflows", "workflows:resumed"},
	"workflow_cancelled":          {"workflows", "workflows:cancelled"},
	"step_completed":              {"workflows:steps"},
	"step_failed":                 {"workflows:steps"},
	"team_coordination_started":   {"coordination", "teams"},
	"team_coordination_completed": {"coordination", "teams"},
	"memory_bank_updated":         {"memory_banks"},
	"blocking_issue_created":      {"alerts", "teams"},
	"service_health_changed":      {"services", "alerts"},
}

// loggedEventTypes are additionally retained in the bounded event log.
var loggedEventTypes = map[string]struct{}{
	"workflow_started":   {},
	"workflow_completed": {},
	"workflow_failed":    {},
}

// ChannelsFor returns the routing targets for an event type.
func ChannelsFor(eventType string) []string {
	if chs, ok := defaultChannels[eventType]; ok {
		return append([]string(nil), chs...)
	}
	return []string{CatchAllChannel}
}

// Publisher publishes typed lifecycle events over a Transport and keeps
// a bounded log of significant events. With a LogStore attached the log
// survives restarts: it is seeded from the store on construction and
// written through on every retained append.
type Publisher struct {
	transport   Transport
	identity    string
	log         *eventLog
	logCapacity int
	logStore    LogStore
	gen         generator.Generator
	logger      *slog.Logger
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the publisher's logger.
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) { p.logger = logger }
}

// WithLogCapacity overrides the retained-event capacity.
func WithLogCapacity(capacity int) PublisherOption {
	return func(p *Publisher) { p.logCapacity = capacity }
}

// WithLogStore persists the retained event log through the given store.
func WithLogStore(store LogStore) PublisherOption {
	return func(p *Publisher) { p.logStore = store }
}

// NewPublisher creates a Publisher. identity is attached to every event
// as the publisher field; gen issues event-log entry ids.
func NewPublisher(transport Transport, identity string, gen generator.Generator, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		transport:   transport,
		identity:    identity,
		logCapacity: DefaultLogCapacity,
		gen:         gen,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.log = newEventLog(p.logCapacity, p.logStore)
	if p.logStore != nil {
		// A store that cannot be read starts the log over rather
		// than blocking publishing.
		if entries, err := p.logStore.LoadEvents(); err != nil {
			p.logger.Warn("failed to load retained events", "error", err)
		} else {
			p.log.seed(entries)
		}
	}
	return p
}

// Publish delivers an event to the given channels, or to the routing
// table's channels when none are passed. A failure on one channel is
// logged and does not abort the others; the return value reports
// whether any channel succeeded. Selected lifecycle types are also
// appended to the bounded event log.
func (p *Publisher) Publish(ctx context.Context, eventType string, data map[string]interface{}, channels ...string) bool {
	ev := types.Event{
		EventType: eventType,
		EventData: data,
		Timestamp: time.Now().UTC(),
		Publisher: p.identity,
	}

	if len(channels) == 0 {
		channels = ChannelsFor(eventType)
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("failed to encode event", "event_type", eventType, "error", err)
		return false
	}

	published := false
	for _, channel := range channels {
		if err := p.transport.Publish(ctx, channel, payload); err != nil {
			p.logger.Error("failed to publish event",
				"event_type", eventType, "channel", channel, "error", err)
			continue
		}
		published = true
	}

	if _, keep := loggedEventTypes[eventType]; keep {
		if err := p.log.append(p.nextEventID(), ev); err != nil {
			p.logger.Error("failed to persist retained event",
				"event_type", eventType, "error", err)
		}
	}

	return published
}

func (p *Publisher) nextEventID() string {
	if p.gen != nil {
		if id, err := p.gen.NextID(); err == nil {
			return fmt.Sprintf("evt_%d", id)
		}
	}
	return fmt.Sprintf("evt_%d", time.Now().UTC().UnixNano())
}

// PublishWorkflowLifecycle publishes a workflow_<status> event.
func (p *Publisher) PublishWorkflowLifecycle(ctx context.Context, workflowID, status string, runContext map[string]interface{}) bool {
	data := map[string]interface{}{
		"workflow_id": workflowID,
		"status":      status,
	}
	if runContext != nil {
		data["context"] = runContext
	}
	return p.Publish(ctx, "workflow_"+status, data)
}

// PublishStep publishes a step_<status> event.
func (p *Publisher) PublishStep(ctx context.Context, workflowID, stepName string, status types.StepStatus, result map[string]interface{}, errorMessage string) bool {
	data := map[string]interface{}{
		"workflow_id": workflowID,
		"step_name":   stepName,
		"step_status": string(status),
	}
	if result != nil {
		data["result"] = result
	}
	if errorMessage != "" {
		data["error_message"] = errorMessage
	}
	eventType := "step_failed"
	if status == types.StepSuccess {
		eventType = "step_completed"
	}
	return p.Publish(ctx, eventType, data)
}

// PublishCoordination publishes a team_coordination_<status> event.
func (p *Publisher) PublishCoordination(ctx context.Context, coordinationID string, teamsUpdated []string, status string) bool {
	return p.Publish(ctx, "team_coordination_"+status, map[string]interface{}{
		"coordination_id": coordinationID,
		"teams_updated":   teamsUpdated,
		"status":          status,
	})
}

// PublishServiceHealth publishes a service_health_changed event.
func (p *Publisher) PublishServiceHealth(ctx context.Context, serviceName, healthStatus string, responseTimeMs int64) bool {
	return p.Publish(ctx, "service_health_changed", map[string]interface{}{
		"service_name":     serviceName,
		"health_status":    healthStatus,
		"response_time_ms": responseTimeMs,
	})
}

// PublishBlockingIssue publishes a blocking_issue_created event.
func (p *Publisher) PublishBlockingIssue(ctx context.Context, issueID, serviceName, severity, description string) bool {
	return p.Publish(ctx, "blocking_issue_created", map[string]interface{}{
		"issue_id":     issueID,
		"service_name": serviceName,
		"severity":     severity,
		"description":  description,
	})
}

// PublishMemoryBankUpdate publishes a memory_bank_updated event.
func (p *Publisher) PublishMemoryBankUpdate(ctx context.Context, fileName, updateType string, updateData map[string]interface{}) bool {
	return p.Publish(ctx, "memory_bank_updated", map[string]interface{}{
		"file_name":   fileName,
		"update_type": updateType,
		"update_data": updateData,
	})
}

// Recent returns up to limit retained events, newest first, optionally
// filtered by type.
func (p *Publisher) Recent(eventType string, limit int) []LogEntry {
	if limit <= 0 {
		limit = 50
	}
	return p.log.recent(eventType, limit)
}

// Statistics summarizes the retained event log.
func (p *Publisher) Statistics() Statistics {
	return p.log.statistics()
}

// Close releases the transport.
func (p *Publisher) Close() error {
	return p.transport.Close()
}

func decodeEvent(payload []byte) (types.Event, error) {
	var ev types.Event
	err := json.Unmarshal(payload, &ev)
	return ev, err
}
