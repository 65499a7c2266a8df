// Package memory implements durable.Repository in process memory. It keeps the
// full contract, including the one-pending-record rule and idempotent
// completion, and is intended for tests and local development.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ahrav/go-parley/internal/domain"
	"github.com/ahrav/go-parley/internal/durable"
)

var _ durable.Repository = (*Store)(nil)

// Store is a concurrency-safe in-memory repository.
type Store struct {
	mu      sync.RWMutex
	records map[string]durable.Record
	now     func() time.Time

	// fail, when set, is returned by every operation.
	fail error
}

// Option configures the Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{records: make(map[string]durable.Record), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetFailure makes every subsequent call fail with a storage error wrapping
// err. A nil err restores normal operation.
func (s *Store) SetFailure(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

func (s *Store) failure(op string) error {
	if s.fail == nil {
		return nil
	}
	return domain.NewStorageError(op, s.fail)
}

// Create implements durable.Repository.
func (s *Store) Create(_ context.Context, rec durable.NewRecord) (string, error) {
	if err := rec.Validate(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("create"); err != nil {
		return "", err
	}

	for _, existing := range s.records {
		if existing.Pending() && existing.UserID == rec.UserID && existing.Type == rec.Type {
			return "", fmt.Errorf("%w: %s/%s", domain.ErrAlreadyActive, rec.UserID, rec.Type)
		}
	}

	now := durable.Timestamp(s.now())
	id := domain.NewSessionID()
	s.records[id] = durable.Record{
		ID:             id,
		UserID:         rec.UserID,
		Type:           rec.Type,
		Step:           rec.Step,
		Payload:        rec.Payload,
		Artifact:       slices.Clone(rec.Artifact),
		Target:         rec.Target,
		Status:         domain.StatusPending,
		CreatedAt:      now,
		LastActivityAt: now,
		TTL:            rec.TTL,
	}
	return id, nil
}

// Get implements durable.Repository.
func (s *Store) Get(_ context.Context, id string) (durable.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure("get"); err != nil {
		return durable.Record{}, err
	}
	rec, ok := s.records[id]
	if !ok {
		return durable.Record{}, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	return clone(rec), nil
}

// Update implements durable.Repository.
func (s *Store) Update(_ context.Context, id string, patch durable.Patch) (durable.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("update"); err != nil {
		return durable.Record{}, err
	}
	rec, ok := s.records[id]
	if !ok {
		return durable.Record{}, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	if !rec.Pending() {
		return durable.Record{}, fmt.Errorf("%w: %s is %s", domain.ErrSessionClosed, id, rec.Status)
	}

	if patch.Step != nil {
		rec.Step = *patch.Step
	}
	if patch.Payload != nil {
		rec.Payload = *patch.Payload
	}
	if patch.IncrementRestartCount {
		rec.RestartCount++
	}
	if now := durable.Timestamp(s.now()); patch.Touches() && now.After(rec.LastActivityAt) {
		rec.LastActivityAt = now
	}
	s.records[id] = rec
	return clone(rec), nil
}

// Complete implements durable.Repository.
func (s *Store) Complete(_ context.Context, id string, status domain.Status, opts ...durable.CompleteOption) error {
	if err := durable.CheckFinalStatus(status); err != nil {
		return err
	}
	o := durable.ResolveCompleteOptions(opts...)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("complete"); err != nil {
		return err
	}
	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	if !rec.Pending() {
		return nil
	}

	decidedAt := durable.Timestamp(s.now())
	rec.Status = status
	rec.DecidedBy = o.DecidedBy
	rec.DecidedAt = &decidedAt
	if len(o.Artifact) > 0 {
		rec.Artifact = slices.Clone(o.Artifact)
	}
	s.records[id] = rec
	return nil
}

// ListActive implements durable.Repository.
func (s *Store) ListActive(_ context.Context) ([]durable.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure("list_active"); err != nil {
		return nil, err
	}
	var out []durable.Record
	for _, rec := range s.records {
		if rec.Pending() {
			out = append(out, clone(rec))
		}
	}
	sortRecords(out)
	return out, nil
}

// GetActiveByUserAndType implements durable.Repository.
func (s *Store) GetActiveByUserAndType(_ context.Context, userID string, t domain.WorkflowType) (durable.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure("get_active"); err != nil {
		return durable.Record{}, err
	}
	for _, rec := range s.records {
		if rec.Pending() && rec.UserID == userID && rec.Type == t {
			return clone(rec), nil
		}
	}
	return durable.Record{}, fmt.Errorf("%w: %s/%s", domain.ErrSessionNotFound, userID, t)
}

// Ping implements durable.Repository.
func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failure("ping")
}

// Close implements durable.Repository.
func (s *Store) Close() error { return nil }

func clone(rec durable.Record) durable.Record {
	rec.Artifact = slices.Clone(rec.Artifact)
	if rec.DecidedAt != nil {
		at := *rec.DecidedAt
		rec.DecidedAt = &at
	}
	return rec
}

func sortRecords(recs []durable.Record) {
	slices.SortFunc(recs, func(a, b durable.Record) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
}
