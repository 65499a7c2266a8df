// Package durabletest provides the behavioral test suite every
// durable.Repository backend must pass.
package durabletest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-parley/internal/domain"
	"github.com/ahrav/go-parley/internal/durable"
)

// Clock is a settable time source shared between a test and the backend.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at t.
func NewClock(t time.Time) *Clock { return &Clock{now: t} }

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t, backwards included.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Factory builds a fresh, empty repository reading time from clock.
type Factory func(t *testing.T, clock *Clock) durable.Repository

// Epoch is the starting time of every suite clock.
var Epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Run executes the repository suite against backends built by factory.
func Run(t *testing.T, factory Factory) {
	t.Helper()

	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, factory) })
	t.Run("CreateRejectsSecondPending", func(t *testing.T) { testCreateRejectsSecondPending(t, factory) })
	t.Run("CreateValidates", func(t *testing.T) { testCreateValidates(t, factory) })
	t.Run("UpdateTouchesMonotonically", func(t *testing.T) { testUpdateMonotonic(t, factory) })
	t.Run("UpdateIncrementsRestartCount", func(t *testing.T) { testUpdateRestartCount(t, factory) })
	t.Run("UpdateTerminalRecordFails", func(t *testing.T) { testUpdateTerminal(t, factory) })
	t.Run("CompleteIsIdempotent", func(t *testing.T) { testCompleteIdempotent(t, factory) })
	t.Run("CompleteRecordsDecision", func(t *testing.T) { testCompleteDecision(t, factory) })
	t.Run("CompleteRejectsPending", func(t *testing.T) { testCompleteRejectsPending(t, factory) })
	t.Run("ListActiveExcludesTerminal", func(t *testing.T) { testListActive(t, factory) })
	t.Run("GetActiveByUserAndType", func(t *testing.T) { testGetActiveByUserAndType(t, factory) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, factory) })
}

func approvalRecord(userID string) durable.NewRecord {
	return durable.NewRecord{
		UserID:   userID,
		Type:     domain.WorkflowTriviaApproval,
		Step:     "approval",
		Payload:  domain.NewPayload(map[string]any{"question": "Capital of France?", "answer": "Paris"}),
		Artifact: json.RawMessage(`{"question_id":"q-1"}`),
		Target:   "dm-" + userID,
		TTL:      15 * time.Minute,
	}
}

func testCreateAndGet(t *testing.T, factory Factory) {
	ctx := context.Background()
	clock := NewClock(Epoch)
	repo := factory(t, clock)

	id, err := repo.Create(ctx, approvalRecord("u1"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	rec, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, rec.ID)
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, domain.WorkflowTriviaApproval, rec.Type)
	assert.Equal(t, "approval", rec.Step)
	assert.Equal(t, "Paris", rec.Payload.String("answer"))
	assert.JSONEq(t, `{"question_id":"q-1"}`, string(rec.Artifact))
	assert.Equal(t, "dm-u1", rec.Target)
	assert.Equal(t, domain.StatusPending, rec.Status)
	assert.Equal(t, 15*time.Minute, rec.TTL)
	assert.Equal(t, 0, rec.RestartCount)
	assert.True(t, Epoch.Equal(rec.CreatedAt), "created_at %v", rec.CreatedAt)
	assert.True(t, Epoch.Equal(rec.LastActivityAt), "last_activity_at %v", rec.LastActivityAt)
	assert.Nil(t, rec.DecidedAt)

	shadow := rec.Session()
	assert.Equal(t, domain.OriginDurable, shadow.Origin)
	assert.NoError(t, shadow.Validate())
}

func testCreateRejectsSecondPending(t *testing.T, factory Factory) {
	ctx := context.Background()
	repo := factory(t, NewClock(Epoch))

	id, err := repo.Create(ctx, approvalRecord("u1"))
	require.NoError(t, err)

	_, err = repo.Create(ctx, approvalRecord("u1"))
	assert.ErrorIs(t, err, domain.ErrAlreadyActive)

	other := approvalRecord("u1")
	other.Type = domain.WorkflowGameMatchReview
	_, err = repo.Create(ctx, other)
	assert.NoError(t, err, "a different workflow type is independent")

	require.NoError(t, repo.Complete(ctx, id, domain.StatusRejected))
	_, err = repo.Create(ctx, approvalRecord("u1"))
	assert.NoError(t, err, "a terminal record does not block a new one")
}

func testCreateValidates(t *testing.T, factory Factory) {
	ctx := context.Background()
	repo := factory(t, NewClock(Epoch))

	bad := approvalRecord("u1")
	bad.TTL = 0
	_, err := repo.Create(ctx, bad)
	assert.Error(t, err)

	bad = approvalRecord("")
	_, err = repo.Create(ctx, bad)
	assert.Error(t, err)
}

func testUpdateMonotonic(t *testing.T, factory Factory) {
	ctx := context.Background()
	clock := NewClock(Epoch)
	repo := factory(t, clock)

	id, err := repo.Create(ctx, approvalRecord("u1"))
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	rec, err := repo.Update(ctx, id, durable.StepPatch("modify", domain.NewPayload(map[string]any{"question": "Q2"})))
	require.NoError(t, err)
	assert.Equal(t, "modify", rec.Step)
	assert.Equal(t, "Q2", rec.Payload.String("question"))
	assert.True(t, Epoch.Add(5*time.Minute).Equal(rec.LastActivityAt))

	clock.Set(Epoch.Add(time.Minute))
	step := "modify_preview"
	rec, err = repo.Update(ctx, id, durable.Patch{Step: &step})
	require.NoError(t, err)
	assert.Equal(t, "modify_preview", rec.Step)
	assert.Equal(t, "Q2", rec.Payload.String("question"), "payload left alone")
	assert.True(t, Epoch.Add(5*time.Minute).Equal(rec.LastActivityAt), "a clock going backwards never rewinds activity")

	got, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, Epoch.Add(5*time.Minute).Equal(got.LastActivityAt))
}

func testUpdateRestartCount(t *testing.T, factory Factory) {
	ctx := context.Background()
	clock := NewClock(Epoch)
	repo := factory(t, clock)

	id, err := repo.Create(ctx, approvalRecord("u1"))
	require.NoError(t, err)

	clock.Advance(14 * time.Minute)
	rec, err := repo.Update(ctx, id, durable.Patch{IncrementRestartCount: true})
	require.NoError(t, err)
	assert.Equal(t, 1, rec.RestartCount)
	assert.Equal(t, "approval", rec.Step)
	assert.True(t, Epoch.Equal(rec.LastActivityAt), "a restart is not user activity: %v", rec.LastActivityAt)

	clock.Advance(2 * time.Minute)
	rec, err = repo.Update(ctx, id, durable.Patch{IncrementRestartCount: true})
	require.NoError(t, err)
	assert.Equal(t, 2, rec.RestartCount)

	got, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, Epoch.Equal(got.LastActivityAt))
	assert.True(t, got.Expired(clock.Now()), "idle time keeps counting across restarts")
}

func testUpdateTerminal(t *testing.T, factory Factory) {
	ctx := context.Background()
	repo := factory(t, NewClock(Epoch))

	id, err := repo.Create(ctx, approvalRecord("u1"))
	require.NoError(t, err)
	require.NoError(t, repo.Complete(ctx, id, domain.StatusApproved))

	_, err = repo.Update(ctx, id, durable.Patch{IncrementRestartCount: true})
	assert.ErrorIs(t, err, domain.ErrSessionClosed)
}

func testCompleteIdempotent(t *testing.T, factory Factory) {
	ctx := context.Background()
	clock := NewClock(Epoch)
	repo := factory(t, clock)

	id, err := repo.Create(ctx, approvalRecord("u1"))
	require.NoError(t, err)

	clock.Advance(time.Minute)
	require.NoError(t, repo.Complete(ctx, id, domain.StatusRejected, durable.WithDecidedBy("mod-1")))
	once, err := repo.Get(ctx, id)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	require.NoError(t, repo.Complete(ctx, id, domain.StatusRejected, durable.WithDecidedBy("mod-2")))
	require.NoError(t, repo.Complete(ctx, id, domain.StatusExpired))
	twice, err := repo.Get(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusRejected, twice.Status)
	assert.Equal(t, once.Status, twice.Status)
	assert.Equal(t, "mod-1", twice.DecidedBy)
	require.NotNil(t, twice.DecidedAt)
	assert.True(t, once.DecidedAt.Equal(*twice.DecidedAt))
}

func testCompleteDecision(t *testing.T, factory Factory) {
	ctx := context.Background()
	clock := NewClock(Epoch)
	repo := factory(t, clock)

	id, err := repo.Create(ctx, approvalRecord("u1"))
	require.NoError(t, err)

	clock.Advance(3 * time.Minute)
	err = repo.Complete(ctx, id, domain.StatusApproved,
		durable.WithDecidedBy("mod-1"),
		durable.WithArtifact(json.RawMessage(`{"question_id":"q-1","final":true}`)))
	require.NoError(t, err)

	rec, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, rec.Status)
	assert.Equal(t, "mod-1", rec.DecidedBy)
	require.NotNil(t, rec.DecidedAt)
	assert.True(t, Epoch.Add(3*time.Minute).Equal(*rec.DecidedAt))
	assert.JSONEq(t, `{"question_id":"q-1","final":true}`, string(rec.Artifact))
}

func testCompleteRejectsPending(t *testing.T, factory Factory) {
	ctx := context.Background()
	repo := factory(t, NewClock(Epoch))

	id, err := repo.Create(ctx, approvalRecord("u1"))
	require.NoError(t, err)
	assert.Error(t, repo.Complete(ctx, id, domain.StatusPending))

	rec, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, rec.Status)
}

func testListActive(t *testing.T, factory Factory) {
	ctx := context.Background()
	clock := NewClock(Epoch)
	repo := factory(t, clock)

	first, err := repo.Create(ctx, approvalRecord("u1"))
	require.NoError(t, err)
	clock.Advance(time.Second)
	second, err := repo.Create(ctx, approvalRecord("u2"))
	require.NoError(t, err)
	clock.Advance(time.Second)
	third, err := repo.Create(ctx, approvalRecord("u3"))
	require.NoError(t, err)

	require.NoError(t, repo.Complete(ctx, second, domain.StatusExpired))

	active, err := repo.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, first, active[0].ID)
	assert.Equal(t, third, active[1].ID)
}

func testGetActiveByUserAndType(t *testing.T, factory Factory) {
	ctx := context.Background()
	repo := factory(t, NewClock(Epoch))

	id, err := repo.Create(ctx, approvalRecord("u1"))
	require.NoError(t, err)

	rec, err := repo.GetActiveByUserAndType(ctx, "u1", domain.WorkflowTriviaApproval)
	require.NoError(t, err)
	assert.Equal(t, id, rec.ID)

	_, err = repo.GetActiveByUserAndType(ctx, "u1", domain.WorkflowWeeklyApproval)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	require.NoError(t, repo.Complete(ctx, id, domain.StatusCancelled))
	_, err = repo.GetActiveByUserAndType(ctx, "u1", domain.WorkflowTriviaApproval)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func testNotFound(t *testing.T, factory Factory) {
	ctx := context.Background()
	repo := factory(t, NewClock(Epoch))
	missing := domain.NewSessionID()

	_, err := repo.Get(ctx, missing)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	_, err = repo.Update(ctx, missing, durable.Patch{IncrementRestartCount: true})
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	err = repo.Complete(ctx, missing, domain.StatusExpired)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	assert.NoError(t, repo.Ping(ctx))
}
