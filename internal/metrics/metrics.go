// Package metrics exposes Prometheus collectors for session lifecycle,
// expiry sweeps, startup restoration and language model calls.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ahrav/go-parley/internal/dialog"
	"github.com/ahrav/go-parley/internal/domain"
	"github.com/ahrav/go-parley/internal/llm"
	"github.com/ahrav/go-parley/internal/reaper"
	"github.com/ahrav/go-parley/internal/restore"
)

const namespace = "parley"

var (
	_ dialog.Metrics  = (*Recorder)(nil)
	_ reaper.Metrics  = (*Recorder)(nil)
	_ restore.Metrics = (*Recorder)(nil)
	_ llm.Observer    = (*Recorder)(nil)
)

// Recorder implements every metrics hook in the service.
type Recorder struct {
	sessionsStarted *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	sessionsEnded   *prometheus.CounterVec
	effectFailures  *prometheus.CounterVec
	storageErrors   *prometheus.CounterVec
	restorations    *prometheus.CounterVec
	sweepDuration   prometheus.Histogram
	sweepExpired    prometheus.Counter
	llmRequests     *prometheus.CounterVec
	llmDuration     *prometheus.HistogramVec

	reg prometheus.Registerer
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		reg: reg,
		sessionsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Sessions started by workflow and origin.",
		}, []string{"workflow", "origin"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Inputs applied by workflow and outcome.",
		}, []string{"workflow", "outcome"}),
		sessionsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Sessions ended by workflow and final status.",
		}, []string{"workflow", "status"}),
		effectFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "effect_failures_total",
			Help:      "Transition effects that failed.",
		}, []string{"effect"}),
		storageErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_errors_total",
			Help:      "Durable repository failures by operation.",
		}, []string{"op"}),
		restorations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restorations_total",
			Help:      "Durable sessions seen at startup by outcome.",
		}, []string{"workflow", "outcome"}),
		sweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reaper_sweep_duration_seconds",
			Help:      "Duration of expiry sweeps.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		sweepExpired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaper_expired_total",
			Help:      "Sessions expired by the reaper.",
		}),
		llmRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Language model requests by model and outcome.",
		}, []string{"model", "outcome"}),
		llmDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "Duration of language model requests.",
			Buckets:   []float64{0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0},
		}, []string{"model", "outcome"}),
	}
}

// TrackActiveSessions exports the number of live sessions read from count.
func (r *Recorder) TrackActiveSessions(count func() int) {
	promauto.With(r.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Sessions currently held in memory.",
	}, func() float64 { return float64(count()) })
}

func (r *Recorder) SessionStarted(t domain.WorkflowType, origin domain.Origin) {
	r.sessionsStarted.WithLabelValues(string(t), string(origin)).Inc()
}

func (r *Recorder) Transition(t domain.WorkflowType, outcome string) {
	r.transitions.WithLabelValues(string(t), outcome).Inc()
}

func (r *Recorder) SessionEnded(t domain.WorkflowType, status domain.Status) {
	r.sessionsEnded.WithLabelValues(string(t), string(status)).Inc()
}

func (r *Recorder) EffectFailed(effect string) {
	r.effectFailures.WithLabelValues(effect).Inc()
}

func (r *Recorder) StorageError(op string) {
	r.storageErrors.WithLabelValues(op).Inc()
}

func (r *Recorder) SweepCompleted(expired int, elapsed time.Duration) {
	r.sweepDuration.Observe(elapsed.Seconds())
	r.sweepExpired.Add(float64(expired))
}

func (r *Recorder) Restored(t domain.WorkflowType, outcome string) {
	r.restorations.WithLabelValues(string(t), outcome).Inc()
}

// ObserveLLMRequest implements llm.Observer.
func (r *Recorder) ObserveLLMRequest(model, outcome string, duration time.Duration) {
	r.llmRequests.WithLabelValues(model, outcome).Inc()
	r.llmDuration.WithLabelValues(model, outcome).Observe(duration.Seconds())
}
