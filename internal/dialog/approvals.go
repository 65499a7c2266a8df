package dialog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ahrav/go-parley/internal/domain"
)

// Starter starts workflows. *Dispatcher implements it.
type Starter interface {
	Start(ctx context.Context, req StartRequest, opts ...StartOption) (domain.ConversationSession, error)
}

var _ Starter = (*Dispatcher)(nil)

// MsgReviewerBusy is shown to a submitter whose reviewer is still deciding on
// an earlier question.
const MsgReviewerBusy = "A moderator is still reviewing an earlier question. Please submit again in a few minutes."

// ApprovalRouter forwards finished trivia submissions to a reviewer as a
// trivia_approval session and passes every other finalization to Next.
//
// The router is built before the dispatcher it starts sessions on, so Bind
// must be called once the dispatcher exists. Until then, and when no
// reviewer is configured, submissions go straight to Next.
type ApprovalRouter struct {
	// Reviewer owns the approval sessions.
	Reviewer string
	// Channel is where approvals run. Empty uses the reviewer's direct messages.
	Channel string
	Next    Finalizer
	Logger  *slog.Logger

	starter Starter
}

// Bind sets the Starter used for approval sessions.
func (r *ApprovalRouter) Bind(s Starter) { r.starter = s }

// Finalize implements Finalizer.
func (r *ApprovalRouter) Finalize(ctx context.Context, f Finalization) error {
	if f.Workflow != domain.WorkflowTriviaSubmission || r.starter == nil || r.Reviewer == "" {
		return r.Next.Finalize(ctx, f)
	}
	// The submitter's lock is held while effects run; starting a session for
	// the same user would wait on it forever.
	if f.UserID == r.Reviewer {
		r.logger().InfoContext(ctx, "reviewer submitted trivia, skipping approval",
			"session_id", f.SessionID, "user_id", f.UserID)
		return r.Next.Finalize(ctx, f)
	}

	req := StartRequest{
		UserID:   r.Reviewer,
		Workflow: domain.WorkflowTriviaApproval,
		Target:   r.Channel,
		Payload:  f.Payload.With("submitted_by", f.UserID).With("submission_id", f.SessionID),
		Artifact: f.Artifact,
	}
	sess, err := r.starter.Start(ctx, req, WithoutBusyNotice())
	if errors.Is(err, domain.ErrAlreadyActive) {
		return domain.NewValidationError(f.Step, MsgReviewerBusy)
	}
	if err != nil {
		return fmt.Errorf("request trivia approval: %w", err)
	}
	r.logger().InfoContext(ctx, "trivia submission sent for approval",
		"session_id", f.SessionID, "approval_session_id", sess.ID, "reviewer", r.Reviewer)
	return nil
}

func (r *ApprovalRouter) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
