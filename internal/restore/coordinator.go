// Package restore resumes durable sessions after a process restart.
//
// On startup the Coordinator expires records whose TTL lapsed while the
// process was down, then for each remaining pending record bumps its restart
// count, installs a memory shadow and sends the owner a single resumption
// message: a notice line followed by the prompt of the step the session was
// on.
package restore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ahrav/go-parley/internal/catalog"
	"github.com/ahrav/go-parley/internal/dialog"
	"github.com/ahrav/go-parley/internal/domain"
	"github.com/ahrav/go-parley/internal/durable"
	"github.com/ahrav/go-parley/internal/session"
	"github.com/ahrav/go-parley/pkg/events"
)

const eventSource = "parley.restore"

// Notice opens every resumption message.
const Notice = "I was restarted, so here is where we left off."

// Outcome is the restoration result of one record.
type Outcome string

const (
	OutcomeSent             Outcome = "sent"
	OutcomeOwnerUnreachable Outcome = "owner_unreachable"
	OutcomeStorageError     Outcome = "storage_error"
	OutcomeRenderError      Outcome = "render_error"
	OutcomeExpired          Outcome = "expired"
)

// Entry is the outcome for one session.
type Entry struct {
	SessionID string
	UserID    string
	Workflow  domain.WorkflowType
	Step      string
	Outcome   Outcome
	Err       error
}

// Report lists the outcome of every record seen by Run.
type Report struct {
	Entries []Entry
}

// Count returns the number of entries with outcome o.
func (r Report) Count(o Outcome) int {
	n := 0
	for _, e := range r.Entries {
		if e.Outcome == o {
			n++
		}
	}
	return n
}

// Metrics receives restoration counters.
type Metrics interface {
	Restored(t domain.WorkflowType, outcome string)
}

type nopMetrics struct{}

func (nopMetrics) Restored(domain.WorkflowType, string) {}

// Coordinator restores durable sessions at startup.
type Coordinator struct {
	repo      durable.Repository
	store     *session.Store
	catalog   *catalog.Catalog
	transport dialog.Transport
	sink      events.EventSink
	metrics   Metrics
	logger    *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithEventSink sets the lifecycle event sink.
func WithEventSink(sink events.EventSink) Option {
	return func(c *Coordinator) { c.sink = sink }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// New creates a Coordinator.
func New(repo durable.Repository, store *session.Store, cat *catalog.Catalog, transport dialog.Transport, opts ...Option) *Coordinator {
	c := &Coordinator{
		repo:      repo,
		store:     store,
		catalog:   cat,
		transport: transport,
		sink:      events.NewNoOpEventSink(),
		metrics:   nopMetrics{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run restores every pending record. It fails only when the active records
// cannot be listed; per-record failures are reported in the Report.
func (c *Coordinator) Run(ctx context.Context) (Report, error) {
	records, err := c.repo.ListActive(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list active sessions: %w", err)
	}

	now := c.store.Now()
	var report Report
	for _, rec := range records {
		entry := c.restore(ctx, rec, now)
		report.Entries = append(report.Entries, entry)
		c.record(ctx, rec, entry, now)
	}

	c.logger.InfoContext(ctx, "restoration finished",
		"records", len(records),
		"sent", report.Count(OutcomeSent),
		"expired", report.Count(OutcomeExpired),
		"owner_unreachable", report.Count(OutcomeOwnerUnreachable),
		"storage_error", report.Count(OutcomeStorageError),
		"render_error", report.Count(OutcomeRenderError))
	return report, nil
}

func (c *Coordinator) restore(ctx context.Context, rec durable.Record, now time.Time) Entry {
	entry := Entry{SessionID: rec.ID, UserID: rec.UserID, Workflow: rec.Type, Step: rec.Step}

	unlock, err := c.store.Lock(ctx, rec.UserID)
	if err != nil {
		entry.Outcome, entry.Err = OutcomeStorageError, err
		return entry
	}
	defer unlock()

	if rec.Expired(now) {
		if err := c.repo.Complete(ctx, rec.ID, domain.StatusExpired); err != nil {
			entry.Outcome, entry.Err = OutcomeStorageError, err
			return entry
		}
		entry.Outcome = OutcomeExpired
		return entry
	}

	wf, err := c.catalog.Get(rec.Type)
	if err != nil {
		entry.Outcome, entry.Err = OutcomeRenderError, err
		return entry
	}
	prompt, err := wf.Render(rec.Step, rec.Payload)
	if err != nil {
		entry.Outcome, entry.Err = OutcomeRenderError, err
		return entry
	}

	updated, err := c.repo.Update(ctx, rec.ID, durable.Patch{IncrementRestartCount: true})
	if err != nil {
		entry.Outcome, entry.Err = OutcomeStorageError, err
		return entry
	}

	target := updated.Target
	if target == "" {
		user, lookupErr := c.transport.LookupUser(ctx, updated.UserID)
		if lookupErr != nil {
			entry.Outcome, entry.Err = OutcomeOwnerUnreachable, lookupErr
			return entry
		}
		target = user.DirectChannelID
	}

	shadow := updated.Session()
	shadow.Target = target
	if err := c.store.Restore(shadow); err != nil {
		entry.Outcome, entry.Err = OutcomeRenderError, err
		return entry
	}

	if _, err := c.transport.Send(ctx, target, Notice+"\n\n"+prompt); err != nil {
		// The record stays pending and will be retried on the next restart;
		// the shadow is dropped so the reaper handles it as unshadowed.
		c.store.EndIf(shadow.Key(), shadow.ID)
		entry.Outcome, entry.Err = OutcomeOwnerUnreachable, err
		return entry
	}
	entry.Outcome = OutcomeSent
	return entry
}

func (c *Coordinator) record(ctx context.Context, rec durable.Record, entry Entry, now time.Time) {
	c.metrics.Restored(rec.Type, string(entry.Outcome))

	logger := c.logger.With("session_id", rec.ID, "user_id", rec.UserID,
		"workflow", rec.Type, "step", rec.Step, "outcome", entry.Outcome)
	switch {
	case entry.Err == nil:
		logger.InfoContext(ctx, "session restored")
	case errors.Is(entry.Err, domain.ErrStorageUnavailable):
		logger.ErrorContext(ctx, "session restoration failed", "error", entry.Err)
	default:
		logger.WarnContext(ctx, "session restoration incomplete", "error", entry.Err)
	}

	sess := rec.Session()
	restarts := rec.RestartCount
	if entry.Outcome == OutcomeSent || entry.Outcome == OutcomeOwnerUnreachable {
		restarts++
	}
	eventType := domain.EventSessionRestored
	payload := any(domain.RestorationPayload{
		Step:         rec.Step,
		Outcome:      string(entry.Outcome),
		RestartCount: restarts,
		Error:        errString(entry.Err),
	})
	if entry.Outcome == OutcomeExpired {
		eventType = domain.EventSessionExpired
		payload = domain.CompletionPayload{Step: rec.Step, Status: domain.StatusExpired}
	}
	env, err := domain.NewSessionEvent(eventType, eventSource, &sess, payload, domain.RestartSuffix(restarts), now)
	if err != nil {
		logger.ErrorContext(ctx, "failed to build event", "error", err)
		return
	}
	events.EmitSafe(ctx, c.sink, c.logger, env)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
