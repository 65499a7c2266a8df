package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envelope(key string) Envelope {
	return Envelope{
		ID:             "evt-" + key,
		Type:           "session.started",
		Source:         "dialog",
		Version:        "1.0.0",
		Timestamp:      time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC),
		IdempotencyKey: key,
		SessionID:      "s1",
		UserID:         "u1",
		Workflow:       "trivia_approval",
		Payload:        json.RawMessage(`{"step":"approval"}`),
	}
}

func TestMemorySink_DropsDuplicates(t *testing.T) {
	sink := NewMemorySink()
	ctx := context.Background()

	require.NoError(t, sink.Append(ctx, envelope("k1")))
	require.NoError(t, sink.Append(ctx, envelope("k1")))
	require.NoError(t, sink.Append(ctx, envelope("k2")))
	unkeyed := envelope("")
	unkeyed.Type = "session.expired"
	require.NoError(t, sink.Append(ctx, unkeyed))
	require.NoError(t, sink.Append(ctx, unkeyed))

	assert.Len(t, sink.Events(), 4)
	assert.Len(t, sink.OfType("session.started"), 2)
	assert.Len(t, sink.OfType("session.expired"), 2)
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewJSONHandler(&buf, nil)))

	require.NoError(t, sink.Append(context.Background(), envelope("k1")))
	out := buf.String()
	assert.Contains(t, out, `"type":"session.started"`)
	assert.Contains(t, out, `"session_id":"s1"`)
	assert.Contains(t, out, `"workflow":"trivia_approval"`)
}

func TestRedisStreamSink(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	sink := NewRedisStreamSink(client, "", 100)
	require.NoError(t, sink.Append(ctx, envelope("k1")))
	require.NoError(t, sink.Append(ctx, envelope("k2")))

	msgs, err := client.XRange(ctx, "parley:events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "session.started", msgs[0].Values["type"])

	var got Envelope
	require.NoError(t, json.Unmarshal([]byte(msgs[1].Values["envelope"].(string)), &got))
	assert.Equal(t, "k2", got.IdempotencyKey)
	assert.JSONEq(t, `{"step":"approval"}`, string(got.Payload))
}

func TestRedisStreamSink_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	err := NewRedisStreamSink(client, "events", 0).Append(context.Background(), envelope("k1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "xadd events")
}

type flakySink struct {
	failures int
	calls    int
	got      []Envelope
}

func (f *flakySink) Append(_ context.Context, e Envelope) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("sink unavailable")
	}
	f.got = append(f.got, e)
	return nil
}

func TestEmitSafe(t *testing.T) {
	quiet := slog.New(slog.DiscardHandler)

	t.Run("retries once", func(t *testing.T) {
		sink := &flakySink{failures: 1}
		EmitSafe(context.Background(), sink, quiet, envelope("k1"))
		assert.Equal(t, 2, sink.calls)
		assert.Len(t, sink.got, 1)
	})

	t.Run("gives up without error", func(t *testing.T) {
		sink := &flakySink{failures: 5}
		EmitSafe(context.Background(), sink, quiet, envelope("k1"))
		assert.Equal(t, 2, sink.calls)
		assert.Empty(t, sink.got)
	})

	t.Run("cancelled context skips retry", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		sink := &flakySink{failures: 1}
		EmitSafe(ctx, sink, quiet, envelope("k1"))
		assert.Equal(t, 1, sink.calls)
	})

	t.Run("nil sink", func(t *testing.T) {
		assert.NotPanics(t, func() { EmitSafe(context.Background(), nil, quiet, envelope("k1")) })
	})
}
