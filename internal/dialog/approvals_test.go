package dialog

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-parley/internal/domain"
)

type fakeStarter struct {
	reqs []StartRequest
	opts []startOptions
	err  error
}

func (f *fakeStarter) Start(_ context.Context, req StartRequest, opts ...StartOption) (domain.ConversationSession, error) {
	var o startOptions
	for _, opt := range opts {
		opt(&o)
	}
	f.reqs = append(f.reqs, req)
	f.opts = append(f.opts, o)
	if f.err != nil {
		return domain.ConversationSession{}, f.err
	}
	return domain.ConversationSession{ID: "approval-1"}, nil
}

func submission(userID string) Finalization {
	return Finalization{
		SessionID: "sub-1",
		UserID:    userID,
		Workflow:  domain.WorkflowTriviaSubmission,
		Step:      "submitted",
		Status:    domain.StatusApproved,
		Payload:   domain.NewPayload(map[string]any{"question": "Capital of France?", "answer": "Paris"}),
		Artifact:  []byte(`{"question":"Capital of France?","answer":"Paris"}`),
	}
}

func TestApprovalRouter(t *testing.T) {
	quiet := slog.New(slog.DiscardHandler)

	t.Run("starts approval for reviewer", func(t *testing.T) {
		starter := &fakeStarter{}
		next := &recordingFinalizer{}
		r := &ApprovalRouter{Reviewer: "mod", Channel: "mod-room", Next: next, Logger: quiet}
		r.Bind(starter)

		require.NoError(t, r.Finalize(context.Background(), submission("alice")))
		require.Len(t, starter.reqs, 1)
		req := starter.reqs[0]
		assert.Equal(t, "mod", req.UserID)
		assert.Equal(t, domain.WorkflowTriviaApproval, req.Workflow)
		assert.Equal(t, "mod-room", req.Target)
		assert.Equal(t, "alice", req.Payload.String("submitted_by"))
		assert.Equal(t, "sub-1", req.Payload.String("submission_id"))
		assert.Equal(t, "Paris", req.Payload.String("answer"))
		assert.Equal(t, startOptions{quiet: true}, starter.opts[0])
		assert.Empty(t, next.got)
	})

	t.Run("busy reviewer keeps submission", func(t *testing.T) {
		starter := &fakeStarter{err: domain.ErrAlreadyActive}
		r := &ApprovalRouter{Reviewer: "mod", Next: &recordingFinalizer{}, Logger: quiet}
		r.Bind(starter)

		err := r.Finalize(context.Background(), submission("alice"))
		var verr *domain.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, MsgReviewerBusy, verr.Message)
	})

	t.Run("start failure is wrapped", func(t *testing.T) {
		boom := errors.New("boom")
		r := &ApprovalRouter{Reviewer: "mod", Next: &recordingFinalizer{}, Logger: quiet}
		r.Bind(&fakeStarter{err: boom})
		assert.ErrorIs(t, r.Finalize(context.Background(), submission("alice")), boom)
	})

	passThrough := []struct {
		name   string
		router *ApprovalRouter
		f      Finalization
	}{
		{name: "unbound", router: &ApprovalRouter{Reviewer: "mod"}, f: submission("alice")},
		{name: "no reviewer", router: &ApprovalRouter{}, f: submission("alice")},
		{name: "reviewer submitted", router: &ApprovalRouter{Reviewer: "alice"}, f: submission("alice")},
		{name: "other workflow", router: &ApprovalRouter{Reviewer: "mod"}, f: Finalization{Workflow: domain.WorkflowTriviaApproval}},
	}
	for _, tt := range passThrough {
		t.Run(tt.name, func(t *testing.T) {
			starter := &fakeStarter{}
			next := &recordingFinalizer{}
			tt.router.Next = next
			tt.router.Logger = quiet
			if tt.name != "unbound" {
				tt.router.Bind(starter)
			}

			require.NoError(t, tt.router.Finalize(context.Background(), tt.f))
			assert.Empty(t, starter.reqs)
			assert.Len(t, next.got, 1)
		})
	}
}
