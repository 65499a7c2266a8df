// Package session holds the in-memory registry of live conversations.
//
// Every active session, memory-only or durable, has an entry here; durable
// sessions additionally have a repository record and their entry is called the
// memory shadow. All mutation of one user's sessions is serialized by a
// per-user lock, and the registry's own map lock is never held while callers
// perform I/O.
package session

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ahrav/go-parley/internal/domain"
)

// Action tells Apply what to do with the session after the callback returns.
type Action int

const (
	// ActionKeep leaves the stored session unchanged.
	ActionKeep Action = iota
	// ActionSave replaces the stored session with the returned one.
	ActionSave
	// ActionEnd removes the session.
	ActionEnd
)

// ApplyFunc mutates a copy of the session. Returning an error leaves the
// stored session untouched regardless of the action.
type ApplyFunc func(ctx context.Context, sess domain.ConversationSession) (domain.ConversationSession, Action, error)

// Store is the in-memory session registry.
type Store struct {
	mu       sync.RWMutex
	sessions map[domain.SessionKey]domain.ConversationSession

	locks  *KeyedMutex
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		sessions: make(map[domain.SessionKey]domain.ConversationSession),
		locks:    NewKeyedMutex(),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Lock takes the per-user lock. Components that mutate sessions outside Apply
// (start, expiry, restoration) hold it for the whole operation.
func (s *Store) Lock(ctx context.Context, userID string) (func(), error) {
	return s.locks.Lock(ctx, userID)
}

// Start registers a new session. It fails with domain.ErrAlreadyActive when the
// user already has a session of the same workflow type.
func (s *Store) Start(sess domain.ConversationSession) error {
	if err := sess.Validate(); err != nil {
		return err
	}
	key := sess.Key()

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[key]; ok {
		return fmt.Errorf("%w: %s (session %s at step %s)", domain.ErrAlreadyActive, key, existing.ID, existing.CurrentStep)
	}
	s.sessions[key] = sess
	s.logger.Debug("session started",
		"session_id", sess.ID,
		"user_id", sess.UserID,
		"workflow", sess.WorkflowType,
		"step", sess.CurrentStep)
	return nil
}

// Restore installs a memory shadow for a durable session, replacing any stale
// entry with the same key.
func (s *Store) Restore(sess domain.ConversationSession) error {
	if err := sess.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.sessions[sess.Key()] = sess
	s.mu.Unlock()
	return nil
}

// Get returns the user's session of type t.
func (s *Store) Get(userID string, t domain.WorkflowType) (domain.ConversationSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[domain.SessionKey{UserID: userID, WorkflowType: t}]
	return sess, ok
}

// Active returns the user's most recently active session. Input without an
// explicit workflow is routed to it.
func (s *Store) Active(userID string) (domain.ConversationSession, bool) {
	sessions := s.ForUser(userID)
	if len(sessions) == 0 {
		return domain.ConversationSession{}, false
	}
	return sessions[0], true
}

// ForUser returns the user's sessions, most recently active first.
func (s *Store) ForUser(userID string) []domain.ConversationSession {
	s.mu.RLock()
	var out []domain.ConversationSession
	for key, sess := range s.sessions {
		if key.UserID == userID {
			out = append(out, sess)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b domain.ConversationSession) int {
		if c := b.LastActivityAt.Compare(a.LastActivityAt); c != 0 {
			return c
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out
}

// ByTarget returns the sessions bound to channelID.
func (s *Store) ByTarget(channelID string) []domain.ConversationSession {
	if channelID == "" {
		return nil
	}
	var out []domain.ConversationSession
	for _, sess := range s.Snapshot() {
		if sess.Target == channelID {
			out = append(out, sess)
		}
	}
	return out
}

// Snapshot returns a copy of every session ordered by user then workflow.
// Callers iterate the snapshot and re-check under the user lock before mutating.
func (s *Store) Snapshot() []domain.ConversationSession {
	s.mu.RLock()
	out := make([]domain.ConversationSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b domain.ConversationSession) int {
		return cmp.Or(
			cmp.Compare(a.UserID, b.UserID),
			cmp.Compare(a.WorkflowType, b.WorkflowType),
		)
	})
	return out
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Touch advances the session's last activity to at. Earlier timestamps are
// ignored.
func (s *Store) Touch(userID string, t domain.WorkflowType, at time.Time) error {
	key := domain.SessionKey{UserID: userID, WorkflowType: t}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, key)
	}
	sess.Touch(at)
	s.sessions[key] = sess
	return nil
}

// End removes the user's session of type t and returns it.
func (s *Store) End(userID string, t domain.WorkflowType) (domain.ConversationSession, bool) {
	key := domain.SessionKey{UserID: userID, WorkflowType: t}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if ok {
		delete(s.sessions, key)
	}
	return sess, ok
}

// EndIf removes the session stored under key only if it still has id. It is
// the idempotent removal used by expiry: a session already ended, or replaced
// by a newer one, is left alone.
func (s *Store) EndIf(key domain.SessionKey, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok || sess.ID != id {
		return false
	}
	delete(s.sessions, key)
	return true
}

// Apply runs fn on the session stored under key while holding the user lock.
// It is the single entry point for step transitions.
func (s *Store) Apply(ctx context.Context, key domain.SessionKey, fn ApplyFunc) error {
	unlock, err := s.locks.Lock(ctx, key.UserID)
	if err != nil {
		return err
	}
	defer unlock()
	return s.ApplyLocked(ctx, key, fn)
}

// ApplyLocked is Apply for callers already holding the user lock.
func (s *Store) ApplyLocked(ctx context.Context, key domain.SessionKey, fn ApplyFunc) error {
	current, ok := s.Get(key.UserID, key.WorkflowType)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, key)
	}

	next, action, err := fn(ctx, current)
	if err != nil {
		return err
	}

	switch action {
	case ActionKeep:
		return nil
	case ActionEnd:
		s.EndIf(key, current.ID)
		return nil
	case ActionSave:
		if next.ID != current.ID || next.Key() != key {
			return fmt.Errorf("%w: apply may not change session identity", domain.ErrInvalidSession)
		}
		next.Touch(current.LastActivityAt)
		if err := next.Validate(); err != nil {
			return err
		}
		s.mu.Lock()
		s.sessions[key] = next
		s.mu.Unlock()
		return nil
	default:
		return fmt.Errorf("unknown session action %d", action)
	}
}

// Now returns the store's current time.
func (s *Store) Now() time.Time { return s.now() }
