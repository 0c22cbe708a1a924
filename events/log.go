package events

import (
	"sort"
	"sync"
	"time"

	"github.com/doxops/orchestrator/types"
)

// DefaultLogCapacity bounds the durable event log.
const DefaultLogCapacity = 1000

// LogEntry is one retained event, tagged with a generated id.
type LogEntry struct {
	EventID   string                 `json:"event_id"`
	EventType string                 `json:"event_type"`
	EventData map[string]interface{} `json:"event_data"`
	Timestamp time.Time              `json:"timestamp"`
	Publisher string                 `json:"publisher"`
}

// LogStore persists the retained event log so it survives restarts.
// SaveEvents replaces the stored snapshot with the given entries,
// oldest first; LoadEvents returns the stored entries, nil when none
// have been saved yet.
type LogStore interface {
	LoadEvents() ([]LogEntry, error)
	SaveEvents(entries []LogEntry) error
}

// eventLog keeps the most recent entries up to capacity, evicting the
// oldest first. When a store is attached, every append writes the
// retained snapshot through to it.
type eventLog struct {
	mu       sync.RWMutex
	entries  []LogEntry
	capacity int
	store    LogStore
}

func newEventLog(capacity int, store LogStore) *eventLog {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &eventLog{capacity: capacity, store: store}
}

// seed replaces the in-memory entries with a previously stored
// snapshot, keeping only the newest entries up to capacity.
func (l *eventLog) seed(entries []LogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(entries) > l.capacity {
		entries = entries[len(entries)-l.capacity:]
	}
	l.entries = append([]LogEntry(nil), entries...)
}

func (l *eventLog) append(id string, ev types.Event) error {
	entry := LogEntry{
		EventID:   id,
		EventType: ev.EventType,
		EventData: ev.EventData,
		Timestamp: ev.Timestamp,
		Publisher: ev.Publisher,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, entry)
	if len(l.entries) > l.capacity {
		l.entries = l.entries[len(l.entries)-l.capacity:]
	}
	if l.store == nil {
		return nil
	}
	return l.store.SaveEvents(append([]LogEntry(nil), l.entries...))
}

// recent returns up to limit entries, newest first, optionally filtered
// by event type.
func (l *eventLog) recent(eventType string, limit int) []LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]LogEntry, 0, limit)
	for i := len(l.entries) - 1; i >= 0; i-- {
		if eventType != "" && l.entries[i].EventType != eventType {
			continue
		}
		out = append(out, l.entries[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Statistics summarizes the retained event log.
type Statistics struct {
	TotalEvents int            `json:"total_events"`
	EventTypes  map[string]int `json:"event_types"`
	LatestEvent *time.Time     `json:"latest_event,omitempty"`
	TopTypes    []string       `json:"top_types,omitempty"`
}

func (l *eventLog) statistics() Statistics {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := Statistics{
		TotalEvents: len(l.entries),
		EventTypes:  make(map[string]int),
	}
	for _, e := range l.entries {
		stats.EventTypes[e.EventType]++
	}
	if n := len(l.entries); n > 0 {
		t := l.entries[n-1].Timestamp
		stats.LatestEvent = &t
	}

	for t := range stats.EventTypes {
		stats.TopTypes = append(stats.TopTypes, t)
	}
	sort.Slice(stats.TopTypes, func(i, j int) bool {
		ti, tj := stats.TopTypes[i], stats.TopTypes[j]
		if stats.EventTypes[ti] != stats.EventTypes[tj] {
			return stats.EventTypes[ti] > stats.EventTypes[tj]
		}
		return ti < tj
	})
	return stats
}
