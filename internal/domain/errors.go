package domain

import (
	"errors"
	"fmt"
)

// ErrAlreadyActive indicates a session of the same workflow type is already
// active for the user. Recoverable: the user is told about the existing session.
var ErrAlreadyActive = errors.New("session already active")

// ErrStorageUnavailable indicates a durable read or write failed. It never means
// the session ended; callers keep the in-memory shadow and retry later.
var ErrStorageUnavailable = errors.New("session storage unavailable")

// ErrUnauthorizedActor indicates a user tried to advance a session they do not own.
var ErrUnauthorizedActor = errors.New("actor does not own session")

// ErrNotAuthorized indicates the authorization collaborator refused a workflow start.
var ErrNotAuthorized = errors.New("not authorized to start workflow")

// ErrSessionNotFound indicates no session exists for the given key or id.
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionClosed indicates the session already reached a terminal status.
var ErrSessionClosed = errors.New("session already closed")

// ErrSessionExpired indicates the session outlived its TTL before the input arrived.
var ErrSessionExpired = errors.New("session expired")

// ErrUnknownWorkflow indicates the workflow type is not registered in the catalog.
var ErrUnknownWorkflow = errors.New("unknown workflow type")

// ErrInvalidSession indicates a session failed structural validation.
var ErrInvalidSession = errors.New("invalid session")

// ValidationError reports input that matched no declared transition.
// The session stays on the same step and the user is re-prompted.
type ValidationError struct {
	Step    string // Step that rejected the input.
	Message string // User-facing re-prompt text.
}

// Error returns the user-facing message with the step for context.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid input at step %q: %s", e.Step, e.Message)
}

// NewValidationError creates a ValidationError for step with a user-facing message.
func NewValidationError(step, message string) *ValidationError {
	return &ValidationError{Step: step, Message: message}
}

// StorageError wraps a backend failure so it matches ErrStorageUnavailable
// while keeping the underlying cause available to errors.As.
type StorageError struct {
	Op  string // Repository operation that failed.
	Err error  // Backend error.
}

// Error returns the operation and the backend cause.
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

// Unwrap exposes the backend cause.
func (e *StorageError) Unwrap() error { return e.Err }

// Is reports ErrStorageUnavailable so callers can test with errors.Is.
func (e *StorageError) Is(target error) bool { return target == ErrStorageUnavailable }

// NewStorageError wraps err from operation op. A nil err returns nil.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}
