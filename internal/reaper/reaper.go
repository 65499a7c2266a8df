// Package reaper expires sessions that have been idle longer than their TTL.
//
// A sweep runs on a cron schedule. It first expires memory sessions, ending
// the shadow and completing the durable record for durable ones, and then
// expires pending durable records that have no shadow, such as those whose
// owner could not be reached during restoration.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/ahrav/go-parley/internal/domain"
	"github.com/ahrav/go-parley/internal/durable"
	"github.com/ahrav/go-parley/internal/session"
	"github.com/ahrav/go-parley/pkg/events"
)

// DefaultSchedule sweeps once a minute.
const DefaultSchedule = "@every 1m"

const eventSource = "parley.reaper"

// MsgTimedOut is sent to the conversation's channel when a session expires.
const MsgTimedOut = "This conversation timed out after a period of inactivity. Start again whenever you're ready."

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ValidateSchedule reports whether expr is a schedule the reaper accepts.
func ValidateSchedule(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid reaper schedule %q: %w", expr, err)
	}
	return nil
}

// Notifier delivers the timeout notice. dialog.Transport satisfies it.
type Notifier interface {
	Send(ctx context.Context, channelID, text string) (string, error)
}

// Metrics receives reaper counters.
type Metrics interface {
	SessionEnded(t domain.WorkflowType, status domain.Status)
	StorageError(op string)
	SweepCompleted(expired int, elapsed time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) SessionEnded(domain.WorkflowType, domain.Status) {}
func (nopMetrics) StorageError(string)                             {}
func (nopMetrics) SweepCompleted(int, time.Duration)               {}

// Result summarizes one sweep.
type Result struct {
	MemoryExpired  int
	DurableExpired int
	Failed         int
}

// Expired returns the total number of sessions expired by the sweep.
func (r Result) Expired() int { return r.MemoryExpired + r.DurableExpired }

// Reaper periodically expires idle sessions.
type Reaper struct {
	store    *session.Store
	repo     durable.Repository
	notifier Notifier
	sink     events.EventSink
	metrics  Metrics
	logger   *slog.Logger
	schedule string

	mu   sync.Mutex
	cron *cronlib.Cron
}

// Option configures a Reaper.
type Option func(*Reaper)

// WithSchedule sets the cron schedule. The default is DefaultSchedule.
func WithSchedule(expr string) Option {
	return func(r *Reaper) { r.schedule = expr }
}

// WithNotifier sends MsgTimedOut for every expired session.
func WithNotifier(n Notifier) Option {
	return func(r *Reaper) { r.notifier = n }
}

// WithEventSink sets the lifecycle event sink.
func WithEventSink(sink events.EventSink) Option {
	return func(r *Reaper) { r.sink = sink }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(r *Reaper) { r.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reaper) { r.logger = logger }
}

// New creates a Reaper. repo may be nil when no workflow is durable.
func New(store *session.Store, repo durable.Repository, opts ...Option) (*Reaper, error) {
	r := &Reaper{
		store:    store,
		repo:     repo,
		sink:     events.NewNoOpEventSink(),
		metrics:  nopMetrics{},
		logger:   slog.Default(),
		schedule: DefaultSchedule,
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := ValidateSchedule(r.schedule); err != nil {
		return nil, err
	}
	return r, nil
}

// Start schedules sweeps until Stop is called. Sweeps do not overlap.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return errors.New("reaper already started")
	}

	logger := cronLogger{r.logger}
	c := cronlib.New(
		cronlib.WithParser(cronParser),
		cronlib.WithLogger(logger),
		cronlib.WithChain(cronlib.Recover(logger), cronlib.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(r.schedule, func() {
		if _, err := r.Sweep(ctx); err != nil {
			r.logger.WarnContext(ctx, "sweep finished with errors", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	c.Start()
	r.cron = c
	r.logger.InfoContext(ctx, "reaper started", "schedule", r.schedule)
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish or ctx to end.
func (r *Reaper) Stop(ctx context.Context) error {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c == nil {
		return nil
	}

	select {
	case <-c.Stop().Done():
		r.logger.InfoContext(ctx, "reaper stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep expires every idle session once. Storage failures leave the memory
// shadow in place so the next sweep retries; they are joined into the
// returned error.
func (r *Reaper) Sweep(ctx context.Context) (Result, error) {
	start := time.Now()
	now := r.store.Now()

	var (
		res  Result
		errs []error
	)

	for _, sess := range r.store.Snapshot() {
		if !sess.Expired(now) {
			continue
		}
		expired, err := r.expireShadow(ctx, sess, now)
		if err != nil {
			res.Failed++
			errs = append(errs, err)
			continue
		}
		if expired {
			res.MemoryExpired++
		}
	}

	if r.repo != nil {
		n, failed, err := r.expireUnshadowed(ctx, now)
		res.DurableExpired += n
		res.Failed += failed
		if err != nil {
			errs = append(errs, err)
		}
	}

	r.metrics.SweepCompleted(res.Expired(), time.Since(start))
	if res.Expired() > 0 || res.Failed > 0 {
		r.logger.InfoContext(ctx, "sweep completed",
			"memory_expired", res.MemoryExpired,
			"durable_expired", res.DurableExpired,
			"failed", res.Failed)
	}
	return res, errors.Join(errs...)
}

// expireShadow re-checks sess under the user lock and expires it. It returns
// false when the session changed or ended since the snapshot.
func (r *Reaper) expireShadow(ctx context.Context, sess domain.ConversationSession, now time.Time) (bool, error) {
	unlock, err := r.store.Lock(ctx, sess.UserID)
	if err != nil {
		return false, err
	}

	current, ok := r.store.Get(sess.UserID, sess.WorkflowType)
	if !ok || current.ID != sess.ID || !current.Expired(now) {
		unlock()
		return false, nil
	}

	if current.Durable() {
		if r.repo == nil {
			unlock()
			return false, fmt.Errorf("session %s is durable but no repository is configured", current.ID)
		}
		if err := r.repo.Complete(ctx, current.ID, domain.StatusExpired); err != nil {
			unlock()
			r.metrics.StorageError("complete")
			r.logger.WarnContext(ctx, "failed to expire durable session",
				"session_id", current.ID, "user_id", current.UserID, "error", err)
			return false, err
		}
	}
	r.store.EndIf(current.Key(), current.ID)
	unlock()

	r.expired(ctx, current, now)
	return true, nil
}

func (r *Reaper) expireUnshadowed(ctx context.Context, now time.Time) (int, int, error) {
	records, err := r.repo.ListActive(ctx)
	if err != nil {
		r.metrics.StorageError("list_active")
		return 0, 0, err
	}

	var (
		expired, failed int
		errs            []error
	)
	for _, rec := range records {
		if !rec.Expired(now) {
			continue
		}
		if shadow, ok := r.store.Get(rec.UserID, rec.Type); ok && shadow.ID == rec.ID {
			continue
		}

		unlock, lockErr := r.store.Lock(ctx, rec.UserID)
		if lockErr != nil {
			return expired, failed, errors.Join(append(errs, lockErr)...)
		}
		if shadow, ok := r.store.Get(rec.UserID, rec.Type); ok && shadow.ID == rec.ID {
			unlock()
			continue
		}
		err := r.repo.Complete(ctx, rec.ID, domain.StatusExpired)
		unlock()
		if err != nil {
			failed++
			errs = append(errs, err)
			r.metrics.StorageError("complete")
			r.logger.WarnContext(ctx, "failed to expire durable record", "session_id", rec.ID, "error", err)
			continue
		}
		expired++
		r.expired(ctx, rec.Session(), now)
	}
	return expired, failed, errors.Join(errs...)
}

func (r *Reaper) expired(ctx context.Context, sess domain.ConversationSession, now time.Time) {
	r.metrics.SessionEnded(sess.WorkflowType, domain.StatusExpired)
	r.logger.InfoContext(ctx, "session expired",
		"session_id", sess.ID,
		"user_id", sess.UserID,
		"workflow", sess.WorkflowType,
		"step", sess.CurrentStep,
		"idle", now.Sub(sess.LastActivityAt))

	env, err := domain.NewSessionEvent(domain.EventSessionExpired, eventSource, &sess,
		domain.CompletionPayload{Step: sess.CurrentStep, Status: domain.StatusExpired}, "expired", now)
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to build event", "session_id", sess.ID, "error", err)
	} else {
		events.EmitSafe(ctx, r.sink, r.logger, env)
	}

	if r.notifier != nil && sess.Target != "" {
		if _, err := r.notifier.Send(ctx, sess.Target, MsgTimedOut); err != nil {
			r.logger.WarnContext(ctx, "failed to send timeout notice", "session_id", sess.ID, "error", err)
		}
	}
}

// cronLogger adapts slog to the cron library's logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
