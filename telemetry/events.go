// Package telemetry records structured events for every broker state
// transition. The broker treats emission as fire-and-forget: sinks own
// their failure handling and must never affect message delivery.
package telemetry

import (
	"context"
	"time"
)

// EventType identifies the state transition an event records.
type EventType string

const (
	MessageSent             EventType = "message_sent"
	MessageValidationFailed EventType = "message_validation_failed"
	MessageProcessed        EventType = "message_processed"
	MessageFailed           EventType = "message_failed"
	Retry                   EventType = "retry"
	QueueLengthChanged      EventType = "queue_length_changed"
)

// Event is a structured record of a single state transition.
type Event struct {
	Type          EventType
	Timestamp     time.Time
	CorrelationID string
	AgentID       string
	MessageID     string
	Details       map[string]any
}

// NewEvent creates an event stamped with the current time.
func NewEvent(eventType EventType) Event {
	return Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Details:   make(map[string]any),
	}
}

// Sink receives telemetry events. Record must not block indefinitely and
// must not panic; a failing sink drops events rather than surfacing errors
// into the delivery path.
type Sink interface {
	Record(ctx context.Context, event Event)
}

// NopSink discards all events. It is the default when no telemetry is
// configured.
type NopSink struct{}

// Record does nothing.
func (NopSink) Record(ctx context.Context, event Event) {}

// MultiSink fans events out to several sinks in order.
type MultiSink []Sink

// Record forwards the event to every sink.
func (m MultiSink) Record(ctx context.Context, event Event) {
	for _, s := range m {
		s.Record(ctx, event)
	}
}
