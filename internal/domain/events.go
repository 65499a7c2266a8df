package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/go-parley/pkg/events"
)

// EventType represents the type of lifecycle event emitted for a session.
type EventType string

const (
	// EventSessionStarted is emitted once when a session is created.
	EventSessionStarted EventType = "session.started"

	// EventSessionAdvanced is emitted for every transition that changed the step.
	EventSessionAdvanced EventType = "session.advanced"

	// EventSessionCompleted is emitted when a session reaches a terminal step.
	EventSessionCompleted EventType = "session.completed"

	// EventSessionExpired is emitted when the reaper or apply() expires a session.
	EventSessionExpired EventType = "session.expired"

	// EventSessionRestored is emitted per session during startup restoration,
	// carrying the restoration outcome.
	EventSessionRestored EventType = "session.restored"
)

// eventVersion is the schema version of every payload in this file.
const eventVersion = "1.0.0"

// TransitionPayload describes a step change.
type TransitionPayload struct {
	From    string `json:"from" validate:"required"`
	To      string `json:"to" validate:"required"`
	Outcome string `json:"outcome" validate:"required"`
}

// CompletionPayload describes how a session ended.
type CompletionPayload struct {
	Step      string `json:"step"`
	Status    Status `json:"status" validate:"required"`
	DecidedBy string `json:"decided_by,omitempty"`
}

// RestorationPayload describes the restoration outcome of one durable session.
type RestorationPayload struct {
	Step         string `json:"step" validate:"required"`
	Outcome      string `json:"outcome" validate:"required"`
	RestartCount int    `json:"restart_count" validate:"min=0"`
	Error        string `json:"error,omitempty"`
}

// GenerateIdempotencyKey creates a deterministic key for event deduplication
// from the session id and an event-specific suffix.
func GenerateIdempotencyKey(sessionID, suffix string) string {
	hasher := sha256.New()
	hasher.Write([]byte(sessionID + suffix))
	return hex.EncodeToString(hasher.Sum(nil))
}

// NewSessionEvent wraps payload in an envelope for sess. The payload is
// validated when it carries validate tags; the suffix feeds the idempotency
// key so replays of the same logical event collapse.
func NewSessionEvent(
	eventType EventType,
	source string,
	sess *ConversationSession,
	payload any,
	suffix string,
	at time.Time,
) (events.Envelope, error) {
	if payload != nil {
		if err := validateStruct(payload); err != nil {
			return events.Envelope{}, fmt.Errorf("invalid %s payload: %w", eventType, err)
		}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return events.Envelope{}, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return events.Envelope{
		ID:             uuid.NewString(),
		Type:           string(eventType),
		Source:         source,
		Version:        eventVersion,
		Timestamp:      at,
		IdempotencyKey: GenerateIdempotencyKey(sess.ID, ":"+string(eventType)+":"+suffix),
		SessionID:      sess.ID,
		UserID:         sess.UserID,
		Workflow:       string(sess.WorkflowType),
		Payload:        raw,
	}, nil
}

// RestartSuffix builds the idempotency suffix for a restoration attempt.
func RestartSuffix(restartCount int) string { return "restart:" + strconv.Itoa(restartCount) }
