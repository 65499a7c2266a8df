package dialog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-parley/internal/catalog"
	"github.com/ahrav/go-parley/internal/domain"
	"github.com/ahrav/go-parley/internal/durable"
	"github.com/ahrav/go-parley/internal/durable/durabletest"
	"github.com/ahrav/go-parley/internal/durable/memory"
	"github.com/ahrav/go-parley/internal/llm"
	"github.com/ahrav/go-parley/internal/session"
	"github.com/ahrav/go-parley/pkg/events"
)

type sent struct {
	channelID string
	text      string
}

type fakeTransport struct {
	mu   sync.Mutex
	msgs []sent
	fail error
}

func (f *fakeTransport) Send(_ context.Context, channelID, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return "", f.fail
	}
	f.msgs = append(f.msgs, sent{channelID: channelID, text: text})
	return fmt.Sprintf("msg-%d", len(f.msgs)), nil
}

func (f *fakeTransport) LookupUser(_ context.Context, userID string) (User, error) {
	return User{ID: userID, Handle: userID, DirectChannelID: "dm-" + userID}, nil
}

func (f *fakeTransport) to(channelID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.msgs {
		if m.channelID == channelID {
			out = append(out, m.text)
		}
	}
	return out
}

func (f *fakeTransport) last(channelID string) string {
	msgs := f.to(channelID)
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1]
}

type fakeGateway struct {
	mu    sync.Mutex
	reply string
	err   error
	calls int
}

func (g *fakeGateway) Request(context.Context, llm.Prompt) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return g.reply, g.err
}

type recordingFinalizer struct {
	mu  sync.Mutex
	got []Finalization
}

func (r *recordingFinalizer) Finalize(_ context.Context, f Finalization) error {
	r.mu.Lock()
	r.got = append(r.got, f)
	r.mu.Unlock()
	return nil
}

// countingRepo counts writes so tests can assert that nothing was persisted.
type countingRepo struct {
	*memory.Store
	mu        sync.Mutex
	updates   int
	completes int
}

func (c *countingRepo) Update(ctx context.Context, id string, patch durable.Patch) (durable.Record, error) {
	c.mu.Lock()
	c.updates++
	c.mu.Unlock()
	return c.Store.Update(ctx, id, patch)
}

func (c *countingRepo) Complete(ctx context.Context, id string, status domain.Status, opts ...durable.CompleteOption) error {
	c.mu.Lock()
	c.completes++
	c.mu.Unlock()
	return c.Store.Complete(ctx, id, status, opts...)
}

func (c *countingRepo) writes() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updates, c.completes
}

type harness struct {
	d         *Dispatcher
	store     *session.Store
	repo      *countingRepo
	tr        *fakeTransport
	gw        *fakeGateway
	finalizer *recordingFinalizer
	sink      *events.MemorySink
	clock     *durabletest.Clock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cat, err := catalog.Default()
	require.NoError(t, err)

	h := &harness{
		tr:        &fakeTransport{},
		gw:        &fakeGateway{reply: "Revised text"},
		finalizer: &recordingFinalizer{},
		sink:      events.NewMemorySink(),
		clock:     durabletest.NewClock(durabletest.Epoch),
	}
	h.store = session.NewStore(session.WithClock(h.clock.Now), session.WithLogger(slog.New(slog.DiscardHandler)))
	h.repo = &countingRepo{Store: memory.New(memory.WithClock(h.clock.Now))}

	h.d, err = New(cat, h.store, h.repo, h.tr,
		EffectDeps{Gateway: h.gw, Finalizer: h.finalizer},
		WithEventSink(h.sink),
		WithLogger(slog.New(slog.DiscardHandler)),
	)
	require.NoError(t, err)
	return h
}

func weeklyRequest(userID string) StartRequest {
	return StartRequest{
		UserID:   userID,
		Workflow: domain.WorkflowWeeklyApproval,
		Target:   "mod-room",
		Payload: domain.NewPayload(map[string]any{
			"channel": "announcements",
			"content": "Original weekly text",
		}),
	}
}

func (h *harness) say(t *testing.T, userID, channelID, text string) {
	t.Helper()
	require.NoError(t, h.d.Handle(context.Background(), Inbound{UserID: userID, ChannelID: channelID, Text: text}))
}

func TestDispatcher_AnnouncementPostsExactlyOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.d.Start(ctx, StartRequest{
		UserID:   "admin",
		Workflow: domain.WorkflowAnnouncementCreation,
		Payload:  domain.NewPayload(map[string]any{"channels": []string{"general", "events"}}),
	})
	require.NoError(t, err)
	assert.Contains(t, h.tr.last("dm-admin"), "1. general\n2. events")

	h.say(t, "admin", "dm-admin", "1")
	h.say(t, "admin", "dm-admin", "Game night is Friday at 8pm!")
	assert.Contains(t, h.tr.last("dm-admin"), "Game night is Friday at 8pm!")

	h.say(t, "admin", "dm-admin", "post")

	assert.Equal(t, []string{"Game night is Friday at 8pm!"}, h.tr.to("general"))
	assert.Equal(t, "Announcement posted to **#general**.", h.tr.last("dm-admin"))
	assert.Zero(t, h.store.Len())
	assert.Len(t, h.sink.OfType(string(domain.EventSessionCompleted)), 1)
}

func TestDispatcher_InvalidInputStaysWithoutDurableWrite(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sess, err := h.d.Start(ctx, weeklyRequest("mod"))
	require.NoError(t, err)
	assert.Equal(t, domain.OriginDurable, sess.Origin)

	h.say(t, "mod", "mod-room", "asdf")

	reply := h.tr.last("mod-room")
	assert.True(t, strings.HasPrefix(reply, "Please reply with a number from 1 to 5."), reply)
	assert.Contains(t, reply, "Original weekly text")

	updates, completes := h.repo.writes()
	assert.Zero(t, updates)
	assert.Zero(t, completes)

	rec, err := h.repo.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "approval", rec.Step)
	assert.Equal(t, domain.StatusPending, rec.Status)
}

func TestDispatcher_LastActivityIsMonotonic(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.d.Start(ctx, weeklyRequest("mod"))
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	h.say(t, "mod", "mod-room", "asdf")
	sess, ok := h.store.Get("mod", domain.WorkflowWeeklyApproval)
	require.True(t, ok)
	want := durabletest.Epoch.Add(time.Minute)
	assert.True(t, want.Equal(sess.LastActivityAt), "last activity %v", sess.LastActivityAt)

	h.clock.Set(durabletest.Epoch.Add(30 * time.Second))
	h.say(t, "mod", "mod-room", "asdf")
	sess, ok = h.store.Get("mod", domain.WorkflowWeeklyApproval)
	require.True(t, ok)
	assert.True(t, want.Equal(sess.LastActivityAt), "clock skew moved activity back to %v", sess.LastActivityAt)
}

func TestDispatcher_Routing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sess, err := h.d.Start(ctx, weeklyRequest("mod"))
	require.NoError(t, err)
	before := len(h.tr.to("mod-room"))

	tests := []struct {
		name    string
		in      Inbound
		wantErr error
	}{
		{
			name:    "non-owner in bound channel",
			in:      Inbound{UserID: "intruder", ChannelID: "mod-room", Text: "1"},
			wantErr: domain.ErrUnauthorizedActor,
		},
		{
			name:    "owner in unbound channel",
			in:      Inbound{UserID: "mod", ChannelID: "general", Text: "1"},
			wantErr: domain.ErrSessionNotFound,
		},
		{
			name:    "empty channel",
			in:      Inbound{UserID: "mod", Text: "1"},
			wantErr: domain.ErrSessionNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.d.Handle(ctx, tt.in)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	assert.Len(t, h.tr.to("mod-room"), before, "ignored input must not produce replies")
	current, ok := h.store.Get("mod", domain.WorkflowWeeklyApproval)
	require.True(t, ok)
	assert.Equal(t, sess.ID, current.ID)
	assert.Equal(t, "approval", current.CurrentStep)
	assert.Empty(t, h.tr.to("announcements"))
}

func TestDispatcher_StartAlreadyActive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.d.Start(ctx, weeklyRequest("mod"))
	require.NoError(t, err)

	_, err = h.d.Start(ctx, weeklyRequest("mod"))
	require.ErrorIs(t, err, domain.ErrAlreadyActive)
	assert.Contains(t, h.tr.last("mod-room"), "already have a weekly announcement approval conversation")

	current, ok := h.store.Get("mod", domain.WorkflowWeeklyApproval)
	require.True(t, ok)
	assert.Equal(t, first.ID, current.ID)
}

func TestDispatcher_StartAlreadyActiveWithoutBusyNotice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	approval := func(question string) StartRequest {
		return StartRequest{
			UserID:   "mod",
			Workflow: domain.WorkflowTriviaApproval,
			Target:   "mod-room",
			Payload:  domain.NewPayload(map[string]any{"question": question, "answer": "x"}),
		}
	}
	first, err := h.d.Start(ctx, approval("First question?"))
	require.NoError(t, err)
	require.Len(t, h.tr.to("mod-room"), 1)

	_, err = h.d.Start(ctx, approval("Second question?"), WithoutBusyNotice())
	require.ErrorIs(t, err, domain.ErrAlreadyActive)
	assert.Len(t, h.tr.to("mod-room"), 1)
	assert.NotContains(t, h.tr.last("mod-room"), "already have")

	current, ok := h.store.Get("mod", domain.WorkflowTriviaApproval)
	require.True(t, ok)
	assert.Equal(t, first.ID, current.ID)
}

func TestDispatcher_StartSupersede(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.d.Start(ctx, weeklyRequest("mod"))
	require.NoError(t, err)

	second, err := h.d.Start(ctx, weeklyRequest("mod"), WithSupersede())
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	old, err := h.repo.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, old.Status)

	active, err := h.repo.GetActiveByUserAndType(ctx, "mod", domain.WorkflowWeeklyApproval)
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)
}

func TestDispatcher_SupersedeCancelsUnshadowedRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	orphan, err := h.repo.Create(ctx, durable.NewRecord{
		UserID:  "mod",
		Type:    domain.WorkflowWeeklyApproval,
		Step:    "approval",
		Payload: weeklyRequest("mod").Payload,
		Target:  "mod-room",
		TTL:     24 * time.Hour,
	})
	require.NoError(t, err)

	sess, err := h.d.Start(ctx, weeklyRequest("mod"), WithSupersede())
	require.NoError(t, err)

	rec, err := h.repo.Get(ctx, orphan)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, rec.Status)
	assert.NotEqual(t, orphan, sess.ID)
}

type denyAll struct{}

func (denyAll) MayInitiate(context.Context, string, domain.WorkflowType) bool { return false }

func TestDispatcher_StartNotAuthorized(t *testing.T) {
	h := newHarness(t)
	h.d.authorizer = denyAll{}

	_, err := h.d.Start(context.Background(), weeklyRequest("member"))
	require.ErrorIs(t, err, domain.ErrNotAuthorized)
	assert.Equal(t, MsgNotAuthorized, h.tr.last("mod-room"))
	assert.Zero(t, h.store.Len())
}

func TestDispatcher_AmendFailureKeepsContent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sess, err := h.d.Start(ctx, weeklyRequest("mod"))
	require.NoError(t, err)
	h.say(t, "mod", "mod-room", "2")

	h.gw.err = llm.ErrDisabled
	h.say(t, "mod", "mod-room", "make it shorter")

	reply := h.tr.last("mod-room")
	assert.True(t, strings.HasPrefix(reply, msgAssistantUnavailable), reply)
	current, ok := h.store.Get("mod", domain.WorkflowWeeklyApproval)
	require.True(t, ok)
	assert.Equal(t, "ai_amend", current.CurrentStep)
	assert.Equal(t, "Original weekly text", current.Payload.String("content"))

	rec, err := h.repo.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "Original weekly text", rec.Payload.String("content"))

	h.gw.err = nil
	h.say(t, "mod", "mod-room", "make it shorter")
	assert.Contains(t, h.tr.last("mod-room"), "Revised text")

	rec, err = h.repo.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "approval", rec.Step)
	assert.Equal(t, "Revised text", rec.Payload.String("content"))
	_, hasInstruction := rec.Payload.Get("instruction")
	assert.False(t, hasInstruction)
}

func TestDispatcher_StorageFailureKeepsShadow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sess, err := h.d.Start(ctx, weeklyRequest("mod"))
	require.NoError(t, err)

	h.repo.SetFailure(errors.New("connection refused"))
	h.say(t, "mod", "mod-room", "2")

	assert.True(t, strings.HasPrefix(h.tr.last("mod-room"), MsgTryAgainShortly))
	current, ok := h.store.Get("mod", domain.WorkflowWeeklyApproval)
	require.True(t, ok, "storage failure must not end the session")
	assert.Equal(t, "approval", current.CurrentStep)

	h.repo.SetFailure(nil)
	h.say(t, "mod", "mod-room", "2")

	rec, err := h.repo.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "ai_amend", rec.Step)
}

func TestDispatcher_PostRetryAfterStorageFailureDoesNotRepost(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sess, err := h.d.Start(ctx, weeklyRequest("mod"))
	require.NoError(t, err)

	h.repo.SetFailure(errors.New("connection refused"))
	h.say(t, "mod", "mod-room", "1")
	require.Len(t, h.tr.to("announcements"), 1)

	h.repo.SetFailure(nil)
	h.say(t, "mod", "mod-room", "1")

	assert.Len(t, h.tr.to("announcements"), 1)
	rec, err := h.repo.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, rec.Status)
	assert.Equal(t, "msg-2", artifactField(t, rec.Artifact, "posted_message_id"))
}

func TestDispatcher_FinalizeRetryAfterStorageFailureDoesNotRefinalize(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sess, err := h.d.Start(ctx, StartRequest{
		UserID:   "mod",
		Workflow: domain.WorkflowTriviaApproval,
		Payload:  domain.NewPayload(map[string]any{"question": "Largest planet?", "answer": "Jupiter"}),
	})
	require.NoError(t, err)

	h.repo.SetFailure(errors.New("connection refused"))
	h.say(t, "mod", "dm-mod", "approve")
	require.Len(t, h.finalizer.got, 1)
	assert.True(t, strings.HasPrefix(h.tr.last("dm-mod"), MsgTryAgainShortly))

	h.repo.SetFailure(nil)
	h.say(t, "mod", "dm-mod", "approve")

	assert.Len(t, h.finalizer.got, 1)
	assert.Contains(t, h.tr.last("dm-mod"), "Approved.")
	rec, err := h.repo.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, rec.Status)
	assert.Equal(t, "approved", artifactField(t, rec.Artifact, "finalized_step"))
}

func TestDispatcher_TriviaApprovalFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sess, err := h.d.Start(ctx, StartRequest{
		UserID:   "mod",
		Workflow: domain.WorkflowTriviaApproval,
		Payload: domain.NewPayload(map[string]any{
			"question": "What is the capital of France?",
			"answer":   "Paris",
		}),
	})
	require.NoError(t, err)
	assert.Contains(t, h.tr.last("dm-mod"), "What is the capital of France?")

	h.clock.Advance(2 * time.Minute)
	h.say(t, "mod", "dm-mod", "approve")

	assert.Contains(t, h.tr.last("dm-mod"), "Approved.")
	assert.Zero(t, h.store.Len())

	rec, err := h.repo.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, rec.Status)
	assert.Equal(t, "mod", rec.DecidedBy)
	require.NotNil(t, rec.DecidedAt)
	assert.Equal(t, "Paris", artifactField(t, rec.Artifact, "answer"))

	require.Len(t, h.finalizer.got, 1)
	assert.Equal(t, domain.StatusApproved, h.finalizer.got[0].Status)
	assert.Equal(t, "approved", h.finalizer.got[0].Step)
	assert.True(t, durabletest.Epoch.Add(2*time.Minute).Equal(h.finalizer.got[0].DecidedAt))

	assert.Len(t, h.sink.OfType(string(domain.EventSessionStarted)), 1)
	assert.Len(t, h.sink.OfType(string(domain.EventSessionCompleted)), 1)
}

func TestDispatcher_ExpiredOnInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sess, err := h.d.Start(ctx, weeklyRequest("mod"))
	require.NoError(t, err)

	h.clock.Advance(25 * time.Hour)
	h.say(t, "mod", "mod-room", "1")

	assert.Equal(t, MsgTimedOut, h.tr.last("mod-room"))
	assert.Empty(t, h.tr.to("announcements"))
	assert.Zero(t, h.store.Len())

	rec, err := h.repo.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, rec.Status)
	assert.Len(t, h.sink.OfType(string(domain.EventSessionExpired)), 1)
}

func TestNew_Validation(t *testing.T) {
	def, err := catalog.ParseDefinitionYAML([]byte(`
type: custom
ttl: 10m
initial: start
steps:
  - name: start
    prompt: Go?
    transitions:
      - inputs: ["yes"]
        effect: custom.launch
        to: done
  - name: done
    status: approved
    prompt: Done
`))
	require.NoError(t, err)
	custom, err := catalog.New(def)
	require.NoError(t, err)
	builtin, err := catalog.Default()
	require.NoError(t, err)

	tests := []struct {
		name    string
		cat     *catalog.Catalog
		repo    durable.Repository
		opts    []Option
		wantErr string
	}{
		{name: "unknown effect", cat: custom, wantErr: "custom.launch"},
		{
			name: "registered custom effect",
			cat:  custom,
			opts: []Option{WithEffects(Effects{"custom.launch": func(context.Context, EffectContext) (domain.Patch, error) {
				return domain.Patch{}, nil
			}})},
		},
		{name: "durable workflow without repository", cat: builtin, wantErr: "no repository"},
		{name: "builtin with repository", cat: builtin, repo: memory.New()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cat, session.NewStore(), tt.repo, &fakeTransport{}, EffectDeps{Gateway: &fakeGateway{}}, tt.opts...)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func artifactField(t *testing.T, raw json.RawMessage, key string) string {
	t.Helper()
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	v, _ := doc[key].(string)
	return v
}

func TestDispatcher_PostFailureStays(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sess, err := h.d.Start(ctx, weeklyRequest("mod"))
	require.NoError(t, err)

	h.tr.mu.Lock()
	h.tr.fail = errors.New("gateway timeout")
	h.tr.mu.Unlock()
	h.say(t, "mod", "mod-room", "1")

	current, ok := h.store.Get("mod", domain.WorkflowWeeklyApproval)
	require.True(t, ok)
	assert.Equal(t, "approval", current.CurrentStep)
	assert.Empty(t, current.Payload.String("posted_message_id"))

	rec, err := h.repo.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, rec.Status)
}
