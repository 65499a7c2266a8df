package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-parley/internal/domain"
)

func TestRecorder_Counters(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	r := New(reg)

	r.SessionStarted(domain.WorkflowTriviaApproval, domain.OriginDurable)
	r.Transition(domain.WorkflowTriviaApproval, "stay")
	r.Transition(domain.WorkflowTriviaApproval, "stay")
	r.Transition(domain.WorkflowTriviaApproval, "terminal")
	r.SessionEnded(domain.WorkflowTriviaApproval, domain.StatusApproved)
	r.EffectFailed("llm.amend")
	r.StorageError("update")
	r.Restored(domain.WorkflowWeeklyApproval, "sent")

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"started", testutil.ToFloat64(r.sessionsStarted.WithLabelValues("trivia_approval", "durable")), 1},
		{"stay", testutil.ToFloat64(r.transitions.WithLabelValues("trivia_approval", "stay")), 2},
		{"terminal", testutil.ToFloat64(r.transitions.WithLabelValues("trivia_approval", "terminal")), 1},
		{"ended", testutil.ToFloat64(r.sessionsEnded.WithLabelValues("trivia_approval", "approved")), 1},
		{"effect", testutil.ToFloat64(r.effectFailures.WithLabelValues("llm.amend")), 1},
		{"storage", testutil.ToFloat64(r.storageErrors.WithLabelValues("update")), 1},
		{"restored", testutil.ToFloat64(r.restorations.WithLabelValues("weekly_announcement_approval", "sent")), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tt.got, 0)
		})
	}
}

func TestRecorder_SweepAndLLM(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	r := New(reg)

	r.SweepCompleted(3, 20*time.Millisecond)
	r.SweepCompleted(0, time.Millisecond)
	r.ObserveLLMRequest("gpt-4o-mini", "success", 800*time.Millisecond)

	assert.InDelta(t, 3, testutil.ToFloat64(r.sweepExpired), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.llmRequests.WithLabelValues("gpt-4o-mini", "success")), 0)

	count, err := testutil.GatherAndCount(reg, "parley_reaper_sweep_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRecorder_ActiveSessionsGauge(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	r := New(reg)
	live := 4
	r.TrackActiveSessions(func() int { return live })

	expected := `
# HELP parley_active_sessions Sessions currently held in memory.
# TYPE parley_active_sessions gauge
parley_active_sessions 4
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "parley_active_sessions"))
}
