package assets

import (
	"sync"
	"time"
)

// Source tells the host which side of the bridge produced a change.
type Source string

const (
	SourceHub   Source = "hub"
	SourceLocal Source = "local"
)

// AttributeEvent is the attribute-changed notification emitted to the host.
type AttributeEvent struct {
	RecordID   string    `json:"record_id"`
	LinkageKey string    `json:"linkage_key"`
	Name       string    `json:"name"`
	Value      Value     `json:"value"`
	Source     Source    `json:"source"`
	At         time.Time `json:"at"`
}

// Sink consumes attribute-changed notifications.
type Sink interface {
	Publish(AttributeEvent)
}

type SinkFunc func(AttributeEvent)

func (f SinkFunc) Publish(ev AttributeEvent) { f(ev) }

// EventLog keeps the most recent attribute events for inspection.
type EventLog struct {
	mu     sync.Mutex
	limit  int
	events []AttributeEvent
}

const defaultEventLogLimit = 256

func NewEventLog(limit int) *EventLog {
	if limit <= 0 {
		limit = defaultEventLogLimit
	}
	return &EventLog{limit: limit, events: make([]AttributeEvent, 0, limit)}
}

func (l *EventLog) Publish(ev AttributeEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) == l.limit {
		copy(l.events, l.events[1:])
		l.events = l.events[:l.limit-1]
	}
	l.events = append(l.events, ev)
}

// Snapshot returns events oldest first.
func (l *EventLog) Snapshot() []AttributeEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]AttributeEvent, len(l.events))
	copy(out, l.events)
	return out
}

func (l *EventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}
