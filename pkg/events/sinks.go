package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// LogSink writes every envelope as a structured log record.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that logs envelopes at info level.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Append implements EventSink.
func (s *LogSink) Append(ctx context.Context, e Envelope) error {
	s.logger.InfoContext(ctx, "event",
		"type", e.Type,
		"source", e.Source,
		"session_id", e.SessionID,
		"user_id", e.UserID,
		"workflow", e.Workflow,
		"payload", string(e.Payload),
	)
	return nil
}

// MemorySink keeps envelopes in memory. Duplicate idempotency keys are dropped.
type MemorySink struct {
	mu     sync.Mutex
	events []Envelope
	seen   map[string]struct{}
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{seen: make(map[string]struct{})}
}

// Append implements EventSink.
func (s *MemorySink) Append(_ context.Context, e Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.IdempotencyKey != "" {
		if _, dup := s.seen[e.IdempotencyKey]; dup {
			return nil
		}
		s.seen[e.IdempotencyKey] = struct{}{}
	}
	s.events = append(s.events, e)
	return nil
}

// Events returns a copy of the recorded envelopes.
func (s *MemorySink) Events() []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Envelope, len(s.events))
	copy(out, s.events)
	return out
}

// OfType returns the recorded envelopes with the given type.
func (s *MemorySink) OfType(eventType string) []Envelope {
	var out []Envelope
	for _, e := range s.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// RedisStreamSink appends envelopes to a Redis stream with XADD.
// The stream is capped approximately at maxLen entries.
type RedisStreamSink struct {
	client redis.Cmdable
	stream string
	maxLen int64
}

// NewRedisStreamSink creates a stream sink. The caller owns the client lifecycle.
func NewRedisStreamSink(client redis.Cmdable, stream string, maxLen int64) *RedisStreamSink {
	if stream == "" {
		stream = "parley:events"
	}
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}
}

// Append implements EventSink.
func (s *RedisStreamSink) Append(ctx context.Context, e Envelope) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"type":     e.Type,
			"envelope": string(data),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}
