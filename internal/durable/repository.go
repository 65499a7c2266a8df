// Package durable defines the persistence contract for restart-resilient
// conversations. Approval workflows keep a Record per session so a redeploy
// can reload and resume them; memory-only workflows never touch it.
//
// Backends live in subpackages: memory for tests and development, redis and
// postgres for production. All of them honor the same rules:
//   - at most one pending record per (user, workflow type);
//   - last_activity_at never moves backwards;
//   - Complete on a terminal record is a no-op;
//   - backend failures match domain.ErrStorageUnavailable.
package durable

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ahrav/go-parley/internal/domain"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Repository persists durable conversation sessions.
type Repository interface {
	// Create inserts a pending record and returns its id. A pending record for
	// the same user and type yields domain.ErrAlreadyActive.
	Create(ctx context.Context, rec NewRecord) (string, error)

	// Get returns the record with id, whatever its status.
	Get(ctx context.Context, id string) (Record, error)

	// Update changes a pending record and touches its last activity. Terminal
	// records yield domain.ErrSessionClosed.
	Update(ctx context.Context, id string, patch Patch) (Record, error)

	// Complete moves a pending record to a terminal status. Completing a
	// terminal record is a no-op returning nil.
	Complete(ctx context.Context, id string, status domain.Status, opts ...CompleteOption) error

	// ListActive returns every pending record, oldest first.
	ListActive(ctx context.Context) ([]Record, error)

	// GetActiveByUserAndType returns the pending record of a user for a
	// workflow type, or domain.ErrSessionNotFound.
	GetActiveByUserAndType(ctx context.Context, userID string, t domain.WorkflowType) (Record, error)

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close releases resources owned by the repository.
	Close() error
}

// Record is the stored form of a durable session together with the artifact
// under approval.
type Record struct {
	ID             string              `json:"id"`
	UserID         string              `json:"user_id"`
	Type           domain.WorkflowType `json:"session_type"`
	Step           string              `json:"conversation_step"`
	Payload        domain.Payload      `json:"conversation_data"`
	Artifact       json.RawMessage     `json:"artifact_data,omitempty"`
	Target         string              `json:"target,omitempty"`
	Status         domain.Status       `json:"status"`
	CreatedAt      time.Time           `json:"created_at"`
	LastActivityAt time.Time           `json:"last_activity_at"`
	TTL            time.Duration       `json:"ttl"`
	RestartCount   int                 `json:"restart_count"`
	DecidedBy      string              `json:"decided_by,omitempty"`
	DecidedAt      *time.Time          `json:"decided_at,omitempty"`
}

// Pending reports whether the record is still active.
func (r Record) Pending() bool { return r.Status == domain.StatusPending }

// Expired reports whether the record has been idle past its TTL at now.
func (r Record) Expired(now time.Time) bool {
	return now.Sub(r.LastActivityAt) > r.TTL
}

// Session returns the memory shadow of the record.
func (r Record) Session() domain.ConversationSession {
	return domain.ConversationSession{
		ID:             r.ID,
		UserID:         r.UserID,
		WorkflowType:   r.Type,
		CurrentStep:    r.Step,
		Payload:        r.Payload,
		Target:         r.Target,
		CreatedAt:      r.CreatedAt,
		LastActivityAt: r.LastActivityAt,
		TTL:            r.TTL,
		RestartCount:   r.RestartCount,
		Origin:         domain.OriginDurable,
	}
}

// NewRecord carries the fields of a record at creation.
type NewRecord struct {
	UserID   string              `validate:"required"`
	Type     domain.WorkflowType `validate:"required"`
	Step     string              `validate:"required"`
	Payload  domain.Payload
	Artifact json.RawMessage
	Target   string
	TTL      time.Duration `validate:"gt=0"`
}

// Validate checks required fields.
func (n NewRecord) Validate() error {
	if err := validate.Struct(n); err != nil {
		return fmt.Errorf("invalid durable record: %w", err)
	}
	if len(n.Artifact) > 0 && !json.Valid(n.Artifact) {
		return fmt.Errorf("invalid durable record: artifact is not valid JSON")
	}
	return nil
}

// Patch describes an update to a pending record. Nil fields are left alone.
type Patch struct {
	Step                  *string
	Payload               *domain.Payload
	IncrementRestartCount bool
}

// Touches reports whether the patch records user activity. Only step and
// payload changes advance last_activity_at; a restart count bump leaves the
// idle clock running.
func (p Patch) Touches() bool {
	return p.Step != nil || p.Payload != nil
}

// StepPatch is a convenience for the common step and payload update.
func StepPatch(step string, payload domain.Payload) Patch {
	return Patch{Step: &step, Payload: &payload}
}

// CompleteOptions carries optional completion fields.
type CompleteOptions struct {
	DecidedBy string
	Artifact  json.RawMessage
}

// CompleteOption configures Complete.
type CompleteOption func(*CompleteOptions)

// WithDecidedBy records who made the final decision.
func WithDecidedBy(userID string) CompleteOption {
	return func(o *CompleteOptions) { o.DecidedBy = userID }
}

// WithArtifact replaces the stored artifact with its final form.
func WithArtifact(artifact json.RawMessage) CompleteOption {
	return func(o *CompleteOptions) { o.Artifact = artifact }
}

// ResolveCompleteOptions applies opts; backends call it.
func ResolveCompleteOptions(opts ...CompleteOption) CompleteOptions {
	var o CompleteOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// CheckFinalStatus rejects statuses Complete cannot record.
func CheckFinalStatus(status domain.Status) error {
	if !status.IsTerminal() {
		return fmt.Errorf("complete: %q is not a final status", status)
	}
	return nil
}

// Timestamp normalizes t to the precision every backend can store.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
