package dialog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-parley/internal/domain"
	"github.com/ahrav/go-parley/internal/engine"
	"github.com/ahrav/go-parley/internal/llm"
)

type promptGateway struct {
	reply  string
	err    error
	prompt llm.Prompt
}

func (g *promptGateway) Request(_ context.Context, p llm.Prompt) (string, error) {
	g.prompt = p
	return g.reply, g.err
}

type stubMatcher struct {
	match Match
	err   error
}

func (m stubMatcher) Lookup(context.Context, string) (Match, error) { return m.match, m.err }

func effectContext(step string, data map[string]any) EffectContext {
	return EffectContext{
		Session: domain.ConversationSession{ID: "s1", UserID: "u1", WorkflowType: domain.WorkflowWeeklyApproval},
		Result:  engine.StepResult{Step: step, Next: step},
		Payload: domain.NewPayload(data),
		Now:     time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC),
	}
}

func TestAmendEffect(t *testing.T) {
	gw := &promptGateway{reply: "Game night moved to Friday!"}
	ec := effectContext("ai_amend", map[string]any{"content": "Game night is Thursday.", "instruction": "move it to Friday"})

	patch, err := amendEffect(gw)(context.Background(), ec)
	require.NoError(t, err)
	assert.Equal(t, "Game night moved to Friday!", patch.Set["content"])
	assert.Equal(t, []string{"instruction"}, patch.Clear)
	assert.Contains(t, gw.prompt.User, "Game night is Thursday.")
	assert.Contains(t, gw.prompt.User, "move it to Friday")
	assert.Equal(t, amendSystem, gw.prompt.System)
}

func TestRegenerateEffect(t *testing.T) {
	tests := []struct {
		name     string
		data     map[string]any
		contains string
	}{
		{name: "from brief", data: map[string]any{"brief": "Tournament on Saturday", "content": "old"}, contains: "Source material:\nTournament on Saturday"},
		{name: "from content", data: map[string]any{"content": "Weekly recap"}, contains: "keeping its facts:\nWeekly recap"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &promptGateway{reply: "fresh"}
			patch, err := regenerateEffect(gw)(context.Background(), effectContext("regenerate", tt.data))
			require.NoError(t, err)
			assert.Equal(t, "fresh", patch.Set["content"])
			assert.Contains(t, gw.prompt.User, tt.contains)
		})
	}
}

func TestLLMEffects_FailureNeverTouchesContent(t *testing.T) {
	boom := errors.New("provider down")
	for name, effect := range map[string]EffectFunc{
		"amend":      amendEffect(&promptGateway{err: boom}),
		"regenerate": regenerateEffect(&promptGateway{err: boom}),
	} {
		t.Run(name, func(t *testing.T) {
			patch, err := effect(context.Background(), effectContext("approval", map[string]any{"content": "keep me"}))
			require.Error(t, err)
			assert.ErrorIs(t, err, boom)

			var verr *domain.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, msgAssistantUnavailable, verr.Message)
			assert.Empty(t, patch.Set)
			assert.Empty(t, patch.Clear)
		})
	}
}

func TestPostEffect(t *testing.T) {
	t.Run("resolves channel id", func(t *testing.T) {
		tr := &fakeTransport{}
		ec := effectContext("post", map[string]any{
			"channel":     "general",
			"channel_ids": map[string]any{"general": "1001"},
			"content":     "Hello all",
		})
		patch, err := postEffect(tr)(context.Background(), ec)
		require.NoError(t, err)
		assert.Equal(t, []string{"Hello all"}, tr.to("1001"))
		assert.Equal(t, "msg-1", patch.Set["posted_message_id"])
		assert.Equal(t, "1001", patch.Set["posted_channel_id"])
	})

	t.Run("already posted", func(t *testing.T) {
		tr := &fakeTransport{}
		ec := effectContext("post", map[string]any{"channel": "general", "content": "x", "posted_message_id": "msg-9"})
		patch, err := postEffect(tr)(context.Background(), ec)
		require.NoError(t, err)
		assert.Empty(t, tr.msgs)
		assert.Empty(t, patch.Set)
	})

	t.Run("no channel", func(t *testing.T) {
		_, err := postEffect(&fakeTransport{})(context.Background(), effectContext("post", map[string]any{"content": "x"}))
		var verr *domain.ValidationError
		require.ErrorAs(t, err, &verr)
	})
}

func TestResolveChannel(t *testing.T) {
	tests := []struct {
		name string
		data map[string]any
		want string
	}{
		{name: "label only", data: map[string]any{"channel": "general"}, want: "general"},
		{name: "decoded map", data: map[string]any{"channel": "general", "channel_ids": map[string]any{"general": "1"}}, want: "1"},
		{name: "typed map", data: map[string]any{"channel": "news", "channel_ids": map[string]string{"news": "2"}}, want: "2"},
		{name: "unknown label", data: map[string]any{"channel": "misc", "channel_ids": map[string]any{"general": "1"}}, want: "misc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, resolveChannel(domain.NewPayload(tt.data)))
		})
	}
}

func TestFinalizeEffect(t *testing.T) {
	decided := func(next string, status domain.Status, data map[string]any) EffectContext {
		ec := effectContext("approval", data)
		ec.Result.Next = next
		ec.Result.Status = status
		return ec
	}

	t.Run("hands over artifact", func(t *testing.T) {
		rec := &recordingFinalizer{}
		ec := decided("approved", domain.StatusApproved, map[string]any{"question": "Q?", "answer": "A"})

		patch, err := finalizeEffect(rec)(context.Background(), ec)
		require.NoError(t, err)
		require.Len(t, rec.got, 1)
		f := rec.got[0]
		assert.Equal(t, "s1", f.SessionID)
		assert.Equal(t, "approved", f.Step)
		assert.Equal(t, domain.StatusApproved, f.Status)
		assert.JSONEq(t, `{"question":"Q?","answer":"A"}`, string(f.Artifact))
		assert.Equal(t, ec.Now, f.DecidedAt)
		assert.Equal(t, "2025-01-06T09:00:00Z", patch.Set["finalized_at"])
		assert.Equal(t, "approved", patch.Set["finalized_step"])
	})

	t.Run("same decision already finalized", func(t *testing.T) {
		rec := &recordingFinalizer{}
		ec := decided("approved", domain.StatusApproved, map[string]any{
			"question": "Q?", "finalized_at": "2025-01-06T08:59:00Z", "finalized_step": "approved",
		})

		patch, err := finalizeEffect(rec)(context.Background(), ec)
		require.NoError(t, err)
		assert.Empty(t, rec.got)
		assert.Empty(t, patch.Set)
	})

	t.Run("different decision after earlier finalize", func(t *testing.T) {
		rec := &recordingFinalizer{}
		ec := decided("rejected", domain.StatusRejected, map[string]any{
			"question": "Q?", "finalized_at": "2025-01-06T08:59:00Z", "finalized_step": "approved",
		})

		patch, err := finalizeEffect(rec)(context.Background(), ec)
		require.NoError(t, err)
		require.Len(t, rec.got, 1)
		assert.Equal(t, domain.StatusRejected, rec.got[0].Status)
		assert.Equal(t, "rejected", patch.Set["finalized_step"])
	})

	t.Run("finalizer failure leaves no marker", func(t *testing.T) {
		boom := errors.New("queue full")
		patch, err := finalizeEffect(failingFinalizer{err: boom})(context.Background(),
			decided("approved", domain.StatusApproved, nil))
		assert.ErrorIs(t, err, boom)
		assert.Empty(t, patch.Set)
	})
}

type failingFinalizer struct{ err error }

func (f failingFinalizer) Finalize(context.Context, Finalization) error { return f.err }

func TestRevalidateEffect(t *testing.T) {
	t.Run("match", func(t *testing.T) {
		m := stubMatcher{match: Match{ID: "g42", Title: "Hollow Knight", Confidence: 93}}
		patch, err := revalidateEffect(m)(context.Background(), effectContext("correct", map[string]any{"correction": "hollow night"}))
		require.NoError(t, err)
		assert.Equal(t, "g42", patch.Set["candidate_id"])
		assert.Equal(t, "Hollow Knight", patch.Set["candidate_title"])
		assert.Equal(t, 93, patch.Set["confidence"])
	})

	t.Run("no match", func(t *testing.T) {
		_, err := revalidateEffect(noMatcher{})(context.Background(), effectContext("correct", map[string]any{"correction": "zzz"}))
		var verr *domain.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Contains(t, verr.Message, `"zzz"`)
	})

	t.Run("lookup failure", func(t *testing.T) {
		boom := errors.New("catalog offline")
		_, err := revalidateEffect(stubMatcher{err: boom})(context.Background(), effectContext("correct", nil))
		assert.ErrorIs(t, err, boom)
	})
}
