// Package events provides the generic event infrastructure for session lifecycle
// emission. It defines the Envelope type wrapping domain events with consistent
// metadata and the EventSink interface for event storage/transmission.
package events

import (
	"context"
	"encoding/json"
	"time"
)

// Envelope wraps domain events with consistent metadata for reliable event processing.
// Payload schemas vary by Type and Version; the envelope fields do not.
type Envelope struct {
	// ID uniquely identifies this event instance.
	ID string `json:"id"`

	// Type identifies the event for routing and processing.
	// Examples: "session.started", "session.restored"
	Type string `json:"type"`

	// Source identifies the component that emitted this event.
	// Examples: "dialog", "reaper", "restore"
	Source string `json:"source"`

	// Version enables schema evolution and backward compatibility.
	Version string `json:"version"`

	// Timestamp records when the event was emitted.
	Timestamp time.Time `json:"timestamp"`

	// IdempotencyKey lets consumers drop duplicates produced by retries.
	IdempotencyKey string `json:"idempotency_key"`

	// SessionID identifies the conversation session the event belongs to.
	SessionID string `json:"session_id"`

	// UserID identifies the session owner.
	UserID string `json:"user_id"`

	// Workflow identifies the workflow type of the session.
	Workflow string `json:"workflow"`

	// Payload contains the event-specific data as JSON.
	Payload json.RawMessage `json:"payload"`
}

// EventSink defines the interface for emitting events to downstream consumers.
// Implementations could include message queues, streams, or log outputs.
type EventSink interface {
	// Append adds an event to the sink with best-effort delivery.
	// Callers never fail their primary operation because of sink errors.
	Append(ctx context.Context, envelope Envelope) error
}

// NoOpEventSink is a null implementation of EventSink for testing or when events are disabled.
type NoOpEventSink struct{}

// Append implements EventSink.Append with no-op behavior.
func (n *NoOpEventSink) Append(_ context.Context, _ Envelope) error {
	return nil
}

// NewNoOpEventSink creates a new no-op event sink.
func NewNoOpEventSink() EventSink {
	return &NoOpEventSink{}
}
