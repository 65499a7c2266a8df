package dialog

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/ahrav/go-parley/internal/domain"
)

// Inbound is one message received from the chat platform.
type Inbound struct {
	UserID    string
	ChannelID string
	Text      string
}

// User is a chat platform account.
type User struct {
	ID              string
	Handle          string
	DirectChannelID string
}

// Transport sends messages and resolves users on the chat platform.
type Transport interface {
	Send(ctx context.Context, channelID, text string) (string, error)
	LookupUser(ctx context.Context, userID string) (User, error)
}

// Authorizer decides who may start a workflow.
type Authorizer interface {
	MayInitiate(ctx context.Context, userID string, t domain.WorkflowType) bool
}

// AllowAll authorizes every start.
type AllowAll struct{}

// MayInitiate implements Authorizer.
func (AllowAll) MayInitiate(context.Context, string, domain.WorkflowType) bool { return true }

// AllowList restricts the guarded workflows to the listed users. Workflows
// that are not guarded are open to everyone.
type AllowList struct {
	Users   map[string]bool
	Guarded map[domain.WorkflowType]bool
}

// MayInitiate implements Authorizer.
func (a AllowList) MayInitiate(_ context.Context, userID string, t domain.WorkflowType) bool {
	if !a.Guarded[t] {
		return true
	}
	return a.Users[userID]
}

// Finalization is a terminal artifact handed to the host for persistence:
// a submitted trivia question, an approval decision, a game match decision.
type Finalization struct {
	SessionID string
	UserID    string
	Workflow  domain.WorkflowType
	Step      string
	Status    domain.Status
	Payload   domain.Payload
	Artifact  json.RawMessage
	DecidedAt time.Time
}

// Finalizer receives terminal artifacts.
type Finalizer interface {
	Finalize(ctx context.Context, f Finalization) error
}

// LogFinalizer logs finalizations. It stands in when the host has no store.
type LogFinalizer struct {
	Logger *slog.Logger
}

// Finalize implements Finalizer.
func (l LogFinalizer) Finalize(ctx context.Context, f Finalization) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "workflow finalized",
		"session_id", f.SessionID,
		"user_id", f.UserID,
		"workflow", f.Workflow,
		"step", f.Step,
		"status", f.Status)
	return nil
}

// ErrNoMatch is returned by a GameMatcher that found no candidate.
var ErrNoMatch = errors.New("no matching game")

// Match is a game catalog candidate for a reported title.
type Match struct {
	ID         string
	Title      string
	Confidence int // 0-100
}

// GameMatcher resolves a free-text game title to a catalog entry.
type GameMatcher interface {
	Lookup(ctx context.Context, title string) (Match, error)
}

// Metrics receives dispatcher counters. internal/metrics implements it.
type Metrics interface {
	SessionStarted(t domain.WorkflowType, origin domain.Origin)
	Transition(t domain.WorkflowType, outcome string)
	SessionEnded(t domain.WorkflowType, status domain.Status)
	EffectFailed(effect string)
	StorageError(op string)
}

type nopMetrics struct{}

func (nopMetrics) SessionStarted(domain.WorkflowType, domain.Origin) {}
func (nopMetrics) Transition(domain.WorkflowType, string)           {}
func (nopMetrics) SessionEnded(domain.WorkflowType, domain.Status)  {}
func (nopMetrics) EffectFailed(string)                              {}
func (nopMetrics) StorageError(string)                              {}
