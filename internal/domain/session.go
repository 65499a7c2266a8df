// Package domain holds the conversation session model shared by the step
// engine, the session store and the durable repositories: workflow types,
// approval statuses, the copy-on-write payload, lifecycle events and the
// error taxonomy.
package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WorkflowType tags a workflow definition and every session running it.
type WorkflowType string

// Built-in workflow types. Step names of durable workflows are persisted, so
// they must stay stable once released.
const (
	WorkflowAnnouncementCreation WorkflowType = "announcement_creation"
	WorkflowTriviaSubmission     WorkflowType = "trivia_submission"
	WorkflowTriviaApproval       WorkflowType = "trivia_approval"
	WorkflowWeeklyApproval       WorkflowType = "weekly_announcement_approval"
	WorkflowGameMatchReview      WorkflowType = "game_match_review"
)

// Origin records where a session lives.
type Origin string

const (
	// OriginMemory sessions exist only in process memory and die with it.
	OriginMemory Origin = "memory"
	// OriginDurable sessions are backed by a repository record and survive restarts.
	OriginDurable Origin = "durable"
)

// SessionKey identifies the single active session a user may hold per workflow.
type SessionKey struct {
	UserID       string
	WorkflowType WorkflowType
}

// String returns "user/type" for logs.
func (k SessionKey) String() string { return k.UserID + "/" + string(k.WorkflowType) }

// ConversationSession is one user's live progress through one workflow instance.
type ConversationSession struct {
	ID             string        `json:"id" validate:"required"`
	UserID         string        `json:"user_id" validate:"required"`
	WorkflowType   WorkflowType  `json:"workflow_type" validate:"required"`
	CurrentStep    string        `json:"current_step" validate:"required"`
	Payload        Payload       `json:"payload"`
	Target         string        `json:"target,omitempty"` // Channel the conversation is bound to.
	CreatedAt      time.Time     `json:"created_at" validate:"required"`
	LastActivityAt time.Time     `json:"last_activity_at" validate:"required"`
	TTL            time.Duration `json:"ttl" validate:"gt=0"`
	RestartCount   int           `json:"restart_count" validate:"min=0"`
	Origin         Origin        `json:"origin" validate:"required,oneof=memory durable"`
}

// NewSessionID returns a fresh random session identifier.
func NewSessionID() string { return uuid.NewString() }

// Key returns the (user, workflow) key of the session.
func (s *ConversationSession) Key() SessionKey {
	return SessionKey{UserID: s.UserID, WorkflowType: s.WorkflowType}
}

// Durable reports whether the session is backed by the repository.
func (s *ConversationSession) Durable() bool { return s.Origin == OriginDurable }

// Expired reports whether the session has been idle longer than its TTL at now.
func (s *ConversationSession) Expired(now time.Time) bool {
	return now.Sub(s.LastActivityAt) > s.TTL
}

// Touch advances LastActivityAt to at. Earlier timestamps are ignored so the
// field never moves backwards.
func (s *ConversationSession) Touch(at time.Time) {
	if at.After(s.LastActivityAt) {
		s.LastActivityAt = at
	}
}

// Validate checks the structural invariants of the session.
func (s *ConversationSession) Validate() error {
	if err := validateStruct(s); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSession, err)
	}
	if s.LastActivityAt.Before(s.CreatedAt) {
		return fmt.Errorf("%w: last activity precedes creation", ErrInvalidSession)
	}
	return nil
}
