// Package dialog routes chat messages into workflow sessions. The Dispatcher
// starts sessions, applies user input through the step engine under the
// user's lock, runs transition effects, persists durable sessions and sends
// the rendered reply.
package dialog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/ahrav/go-parley/internal/catalog"
	"github.com/ahrav/go-parley/internal/domain"
	"github.com/ahrav/go-parley/internal/durable"
	"github.com/ahrav/go-parley/internal/engine"
	"github.com/ahrav/go-parley/internal/session"
	"github.com/ahrav/go-parley/pkg/events"
)

const eventSource = "parley.dialog"

// User-facing messages for runtime failures.
const (
	MsgTryAgainShortly = "I couldn't save that just now. Please try again shortly."
	MsgSomethingWrong  = "Something went wrong on my side. Nothing was changed; please try again."
	MsgTimedOut        = "This conversation timed out. Start again whenever you're ready."
	MsgNotAuthorized   = "You're not allowed to start that."
)

// ErrUnknownEffect is returned by New when a workflow names an effect that
// has no implementation.
var ErrUnknownEffect = errors.New("unknown effect")

// Dispatcher is the single entry point for session lifecycle and input.
type Dispatcher struct {
	catalog    *catalog.Catalog
	store      *session.Store
	repo       durable.Repository
	transport  Transport
	authorizer Authorizer
	effects    Effects
	sink       events.EventSink
	metrics    Metrics
	logger     *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithAuthorizer sets the start authorizer. The default allows everyone.
func WithAuthorizer(a Authorizer) Option {
	return func(d *Dispatcher) { d.authorizer = a }
}

// WithEffects registers effects, replacing built-ins of the same name.
func WithEffects(effects Effects) Option {
	return func(d *Dispatcher) {
		for name, fn := range effects {
			d.effects[name] = fn
		}
	}
}

// WithEventSink sets the lifecycle event sink.
func WithEventSink(sink events.EventSink) Option {
	return func(d *Dispatcher) { d.sink = sink }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// New builds a Dispatcher. Every effect referenced by the catalog must be
// registered; a missing one is reported here rather than on first use.
func New(
	cat *catalog.Catalog,
	store *session.Store,
	repo durable.Repository,
	transport Transport,
	deps EffectDeps,
	opts ...Option,
) (*Dispatcher, error) {
	if deps.Transport == nil {
		deps.Transport = transport
	}
	if deps.Finalizer == nil {
		deps.Finalizer = LogFinalizer{}
	}
	if deps.Matcher == nil {
		deps.Matcher = noMatcher{}
	}
	if deps.Gateway == nil {
		return nil, errors.New("dialog: a language model gateway is required")
	}

	d := &Dispatcher{
		catalog:    cat,
		store:      store,
		repo:       repo,
		transport:  transport,
		authorizer: AllowAll{},
		effects:    BuiltinEffects(deps),
		sink:       events.NewNoOpEventSink(),
		metrics:    nopMetrics{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}

	var missing []error
	for _, t := range cat.Types() {
		wf, err := cat.Get(t)
		if err != nil {
			return nil, err
		}
		for _, name := range wf.Effects() {
			if _, ok := d.effects[name]; !ok {
				missing = append(missing, fmt.Errorf("%w: workflow %q uses %q", ErrUnknownEffect, t, name))
			}
		}
		if wf.Durable() && repo == nil {
			missing = append(missing, fmt.Errorf("dialog: workflow %q is durable but no repository is configured", t))
		}
	}
	if err := errors.Join(missing...); err != nil {
		return nil, err
	}
	return d, nil
}

// StartRequest describes a new session.
type StartRequest struct {
	UserID   string
	Workflow domain.WorkflowType
	// Target is the channel the conversation runs in. Empty selects the
	// user's direct channel.
	Target   string
	Payload  domain.Payload
	Artifact json.RawMessage
}

type startOptions struct {
	supersede bool
	quiet     bool
}

// StartOption configures Start.
type StartOption func(*startOptions)

// WithSupersede ends an existing session of the same type instead of
// failing with domain.ErrAlreadyActive. A superseded durable record is
// completed as cancelled.
func WithSupersede() StartOption {
	return func(o *startOptions) { o.supersede = true }
}

// WithoutBusyNotice skips the "already in progress" message when the user
// has a session of the same type. Starts the user did not ask for use it;
// the caller still gets domain.ErrAlreadyActive.
func WithoutBusyNotice() StartOption {
	return func(o *startOptions) { o.quiet = true }
}

// Start creates a session, persists it when the workflow is durable and
// sends the initial prompt.
func (d *Dispatcher) Start(ctx context.Context, req StartRequest, opts ...StartOption) (domain.ConversationSession, error) {
	var o startOptions
	for _, opt := range opts {
		opt(&o)
	}

	wf, err := d.catalog.Get(req.Workflow)
	if err != nil {
		return domain.ConversationSession{}, err
	}
	logger := d.logger.With("user_id", req.UserID, "workflow", req.Workflow)

	target := req.Target
	if target == "" {
		user, lookupErr := d.transport.LookupUser(ctx, req.UserID)
		if lookupErr != nil {
			return domain.ConversationSession{}, fmt.Errorf("resolve direct channel: %w", lookupErr)
		}
		target = user.DirectChannelID
	}

	if !d.authorizer.MayInitiate(ctx, req.UserID, req.Workflow) {
		logger.InfoContext(ctx, "start refused by authorizer")
		d.notify(ctx, target, MsgNotAuthorized)
		return domain.ConversationSession{}, fmt.Errorf("%w: %s", domain.ErrNotAuthorized, req.Workflow)
	}

	prompt, err := wf.Render(wf.Initial(), req.Payload)
	if err != nil {
		return domain.ConversationSession{}, fmt.Errorf("render initial step: %w", err)
	}

	unlock, err := d.store.Lock(ctx, req.UserID)
	if err != nil {
		return domain.ConversationSession{}, err
	}
	defer unlock()

	if existing, ok := d.store.Get(req.UserID, req.Workflow); ok {
		if !o.supersede {
			if !o.quiet {
				d.notify(ctx, target, fmt.Sprintf(
					"You already have a %s conversation in progress. Finish it before starting another one.",
					humanize(req.Workflow)))
			}
			return domain.ConversationSession{}, fmt.Errorf("%w: %s (session %s)", domain.ErrAlreadyActive, existing.Key(), existing.ID)
		}
		if err := d.supersede(ctx, existing); err != nil {
			return domain.ConversationSession{}, err
		}
	}

	now := d.store.Now()
	sess := domain.ConversationSession{
		ID:             domain.NewSessionID(),
		UserID:         req.UserID,
		WorkflowType:   req.Workflow,
		CurrentStep:    wf.Initial(),
		Payload:        req.Payload,
		Target:         target,
		CreatedAt:      now,
		LastActivityAt: now,
		TTL:            wf.TTL(),
		Origin:         domain.OriginMemory,
	}

	if wf.Durable() {
		if o.supersede {
			if err := d.cancelUnshadowed(ctx, req.UserID, req.Workflow); err != nil {
				return domain.ConversationSession{}, err
			}
		}
		id, createErr := d.repo.Create(ctx, durable.NewRecord{
			UserID:   req.UserID,
			Type:     req.Workflow,
			Step:     wf.Initial(),
			Payload:  req.Payload,
			Artifact: req.Artifact,
			Target:   target,
			TTL:      wf.TTL(),
		})
		if createErr != nil {
			if errors.Is(createErr, domain.ErrStorageUnavailable) {
				d.metrics.StorageError("create")
			}
			return domain.ConversationSession{}, createErr
		}
		rec, getErr := d.repo.Get(ctx, id)
		if getErr != nil {
			d.metrics.StorageError("get")
			d.completeQuietly(ctx, id, domain.StatusCancelled)
			return domain.ConversationSession{}, getErr
		}
		sess = rec.Session()
	}

	if err := d.store.Start(sess); err != nil {
		if sess.Durable() {
			d.completeQuietly(ctx, sess.ID, domain.StatusCancelled)
		}
		return domain.ConversationSession{}, err
	}

	d.metrics.SessionStarted(sess.WorkflowType, sess.Origin)
	d.emit(ctx, domain.EventSessionStarted, &sess, domain.TransitionPayload{
		From: "-", To: sess.CurrentStep, Outcome: "start",
	}, "start", now)
	logger.InfoContext(ctx, "session started", "session_id", sess.ID, "origin", sess.Origin, "step", sess.CurrentStep)

	d.notify(ctx, target, prompt)
	return sess, nil
}

// supersede ends existing, completing its durable record as cancelled.
func (d *Dispatcher) supersede(ctx context.Context, existing domain.ConversationSession) error {
	if existing.Durable() {
		if err := d.repo.Complete(ctx, existing.ID, domain.StatusCancelled); err != nil {
			d.metrics.StorageError("complete")
			return err
		}
	}
	d.store.EndIf(existing.Key(), existing.ID)
	d.metrics.SessionEnded(existing.WorkflowType, domain.StatusCancelled)
	d.emit(ctx, domain.EventSessionCompleted, &existing, domain.CompletionPayload{
		Step: existing.CurrentStep, Status: domain.StatusCancelled,
	}, "superseded", d.store.Now())
	d.logger.InfoContext(ctx, "session superseded",
		"session_id", existing.ID, "user_id", existing.UserID, "workflow", existing.WorkflowType)
	return nil
}

// cancelUnshadowed cancels a pending record that has no memory shadow, for
// example one whose restoration could not reach its owner.
func (d *Dispatcher) cancelUnshadowed(ctx context.Context, userID string, t domain.WorkflowType) error {
	rec, err := d.repo.GetActiveByUserAndType(ctx, userID, t)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		d.metrics.StorageError("get_active")
		return err
	}
	if err := d.repo.Complete(ctx, rec.ID, domain.StatusCancelled); err != nil {
		d.metrics.StorageError("complete")
		return err
	}
	return nil
}

func (d *Dispatcher) completeQuietly(ctx context.Context, id string, status domain.Status) {
	if err := d.repo.Complete(ctx, id, status); err != nil {
		d.logger.WarnContext(ctx, "failed to complete record", "session_id", id, "status", status, "error", err)
	}
}

// Route finds the session an inbound message belongs to: the sender's most
// recently active session bound to the message's channel. A channel bound
// only to other users' sessions yields domain.ErrUnauthorizedActor.
func (d *Dispatcher) Route(in Inbound) (domain.ConversationSession, error) {
	bound := d.store.ByTarget(in.ChannelID)
	if len(bound) == 0 {
		return domain.ConversationSession{}, domain.ErrSessionNotFound
	}
	var own []domain.ConversationSession
	for _, sess := range bound {
		if sess.UserID == in.UserID {
			own = append(own, sess)
		}
	}
	if len(own) == 0 {
		return domain.ConversationSession{}, domain.ErrUnauthorizedActor
	}
	slices.SortFunc(own, func(a, b domain.ConversationSession) int {
		return b.LastActivityAt.Compare(a.LastActivityAt)
	})
	return own[0], nil
}

// Handle applies an inbound message to the sender's session. Messages that
// belong to no session return domain.ErrSessionNotFound so the caller can
// treat them as ordinary chat. Messages from a non-owner in a bound channel
// are logged and dropped with domain.ErrUnauthorizedActor.
func (d *Dispatcher) Handle(ctx context.Context, in Inbound) error {
	sess, err := d.Route(in)
	if errors.Is(err, domain.ErrUnauthorizedActor) {
		d.logger.WarnContext(ctx, "ignored input from non-owner",
			"user_id", in.UserID, "channel_id", in.ChannelID)
		return err
	}
	if err != nil {
		return err
	}

	var reply string
	err = d.store.Apply(ctx, sess.Key(), func(ctx context.Context, current domain.ConversationSession) (domain.ConversationSession, session.Action, error) {
		next, action, text := d.apply(ctx, current, in.Text)
		reply = text
		return next, action, nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return err
		}
		d.logger.ErrorContext(ctx, "apply failed", "session_id", sess.ID, "error", err)
		reply = MsgSomethingWrong
	}
	d.notify(ctx, sess.Target, reply)
	return nil
}

// apply is the transition body run under the user lock. It never returns an
// error: every failure becomes a reply and a decision about the shadow.
func (d *Dispatcher) apply(ctx context.Context, sess domain.ConversationSession, input string) (domain.ConversationSession, session.Action, string) {
	now := d.store.Now()
	logger := d.logger.With("session_id", sess.ID, "user_id", sess.UserID,
		"workflow", sess.WorkflowType, "step", sess.CurrentStep)

	if sess.Expired(now) {
		return d.expire(ctx, sess, now, logger)
	}

	wf, err := d.catalog.Get(sess.WorkflowType)
	if err != nil {
		logger.ErrorContext(ctx, "workflow missing from catalog", "error", err)
		return sess, session.ActionKeep, MsgSomethingWrong
	}

	res, err := wf.Apply(sess.CurrentStep, input, sess.Payload)
	if err != nil {
		logger.ErrorContext(ctx, "step apply failed", "error", err)
		return sess, session.ActionKeep, MsgSomethingWrong
	}
	logger.DebugContext(ctx, "input applied", "input", input, "next", res.Next, "outcome", res.Outcome)

	if res.Outcome == engine.OutcomeStay {
		d.metrics.Transition(sess.WorkflowType, res.Outcome.String())
		sess.Touch(now)
		return sess, session.ActionSave, res.Render
	}

	payload := sess.Payload.Apply(res.Patch)
	if res.Effect != "" {
		extra, effErr := d.effects[res.Effect](ctx, EffectContext{Session: sess, Result: res, Payload: payload, Now: now})
		if effErr != nil {
			return d.effectFailed(ctx, wf, sess, res, effErr, now, logger)
		}
		payload = payload.Apply(extra)
	}

	render, err := wf.Render(res.Next, payload)
	if err != nil {
		logger.ErrorContext(ctx, "render failed", "next", res.Next, "error", err)
		return sess, session.ActionKeep, MsgSomethingWrong
	}

	if sess.Durable() {
		if err := d.persist(ctx, sess, res, payload); err != nil {
			logger.ErrorContext(ctx, "durable write failed", "next", res.Next, "error", err)
			d.metrics.StorageError("persist")
			// Effect results are kept so a retried post is not repeated.
			sess.Payload = payload
			sess.Touch(now)
			reply, renderErr := wf.Reprompt(sess.CurrentStep, MsgTryAgainShortly, payload)
			if renderErr != nil {
				reply = MsgTryAgainShortly
			}
			return sess, session.ActionSave, reply
		}
	}

	d.metrics.Transition(sess.WorkflowType, res.Outcome.String())
	from := sess.CurrentStep
	if res.Terminal {
		d.metrics.SessionEnded(sess.WorkflowType, res.Status)
		d.emit(ctx, domain.EventSessionCompleted, &sess, domain.CompletionPayload{
			Step: res.Next, Status: res.Status, DecidedBy: sess.UserID,
		}, "complete", now)
		logger.InfoContext(ctx, "session completed", "next", res.Next, "status", res.Status)
		return sess, session.ActionEnd, render
	}

	sess.CurrentStep = res.Next
	sess.Payload = payload
	sess.Touch(now)
	if from != res.Next {
		d.emit(ctx, domain.EventSessionAdvanced, &sess, domain.TransitionPayload{
			From: from, To: res.Next, Outcome: res.Outcome.String(),
		}, from+">"+res.Next+"@"+now.Format(time.RFC3339Nano), now)
	}
	return sess, session.ActionSave, render
}

// effectFailed keeps the session on its step with its payload as it was
// before the transition, so failed amendments never replace content.
func (d *Dispatcher) effectFailed(
	ctx context.Context,
	wf *engine.Workflow,
	sess domain.ConversationSession,
	res engine.StepResult,
	err error,
	now time.Time,
	logger *slog.Logger,
) (domain.ConversationSession, session.Action, string) {
	d.metrics.EffectFailed(res.Effect)
	d.metrics.Transition(sess.WorkflowType, engine.OutcomeStay.String())

	msg := MsgSomethingWrong
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		msg = verr.Message
	}
	logger.WarnContext(ctx, "effect failed", "effect", res.Effect, "error", err)

	reply, renderErr := wf.Reprompt(sess.CurrentStep, msg, sess.Payload)
	if renderErr != nil {
		reply = msg
	}
	sess.Touch(now)
	return sess, session.ActionSave, reply
}

// persist writes the transition to the repository: Complete for terminal
// steps, Update otherwise.
func (d *Dispatcher) persist(ctx context.Context, sess domain.ConversationSession, res engine.StepResult, payload domain.Payload) error {
	if res.Terminal {
		artifact, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		return d.repo.Complete(ctx, sess.ID, res.Status,
			durable.WithDecidedBy(sess.UserID), durable.WithArtifact(artifact))
	}
	_, err := d.repo.Update(ctx, sess.ID, durable.StepPatch(res.Next, payload))
	return err
}

// expire ends a session found past its TTL while applying input.
func (d *Dispatcher) expire(ctx context.Context, sess domain.ConversationSession, now time.Time, logger *slog.Logger) (domain.ConversationSession, session.Action, string) {
	if sess.Durable() {
		if err := d.repo.Complete(ctx, sess.ID, domain.StatusExpired); err != nil {
			logger.ErrorContext(ctx, "failed to expire durable record", "error", err)
			d.metrics.StorageError("complete")
			return sess, session.ActionKeep, MsgTryAgainShortly
		}
	}
	d.metrics.SessionEnded(sess.WorkflowType, domain.StatusExpired)
	d.emit(ctx, domain.EventSessionExpired, &sess, domain.CompletionPayload{
		Step: sess.CurrentStep, Status: domain.StatusExpired,
	}, "expired", now)
	logger.InfoContext(ctx, "session expired on input", "idle", now.Sub(sess.LastActivityAt))
	return sess, session.ActionEnd, MsgTimedOut
}

func (d *Dispatcher) notify(ctx context.Context, channelID, text string) {
	if text == "" || channelID == "" {
		return
	}
	if _, err := d.transport.Send(ctx, channelID, text); err != nil {
		d.logger.WarnContext(ctx, "failed to send message", "channel_id", channelID, "error", err)
	}
}

func (d *Dispatcher) emit(ctx context.Context, t domain.EventType, sess *domain.ConversationSession, payload any, suffix string, at time.Time) {
	env, err := domain.NewSessionEvent(t, eventSource, sess, payload, suffix, at)
	if err != nil {
		d.logger.ErrorContext(ctx, "failed to build event", "event_type", t, "session_id", sess.ID, "error", err)
		return
	}
	events.EmitSafe(ctx, d.sink, d.logger, env)
}

func humanize(t domain.WorkflowType) string {
	return strings.ReplaceAll(string(t), "_", " ")
}
