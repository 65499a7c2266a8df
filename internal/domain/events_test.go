package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSessionEvent(t *testing.T) {
	sess := validSession()
	at := time.Date(2024, 3, 1, 12, 5, 0, 0, time.UTC)

	env, err := NewSessionEvent(EventSessionAdvanced, "dialog", sess,
		TransitionPayload{From: "approval", To: "modify", Outcome: "advance"}, "1", at)
	require.NoError(t, err)

	_, parseErr := uuid.Parse(env.ID)
	assert.NoError(t, parseErr)
	assert.Equal(t, "session.advanced", env.Type)
	assert.Equal(t, "dialog", env.Source)
	assert.Equal(t, eventVersion, env.Version)
	assert.Equal(t, at, env.Timestamp)
	assert.Equal(t, sess.ID, env.SessionID)
	assert.Equal(t, sess.UserID, env.UserID)
	assert.Equal(t, "trivia_approval", env.Workflow)

	var payload TransitionPayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, "modify", payload.To)
}

func TestNewSessionEvent_IdempotencyKey(t *testing.T) {
	sess := validSession()
	at := time.Now()
	payload := RestorationPayload{Step: "approval", Outcome: "sent", RestartCount: 1}

	first, err := NewSessionEvent(EventSessionRestored, "restore", sess, payload, RestartSuffix(1), at)
	require.NoError(t, err)
	again, err := NewSessionEvent(EventSessionRestored, "restore", sess, payload, RestartSuffix(1), at)
	require.NoError(t, err)
	next, err := NewSessionEvent(EventSessionRestored, "restore", sess, payload, RestartSuffix(2), at)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, again.ID)
	assert.Equal(t, first.IdempotencyKey, again.IdempotencyKey)
	assert.NotEqual(t, first.IdempotencyKey, next.IdempotencyKey)
	assert.Len(t, first.IdempotencyKey, 64)
}

func TestNewSessionEvent_ValidatesPayload(t *testing.T) {
	_, err := NewSessionEvent(EventSessionCompleted, "dialog", validSession(), CompletionPayload{}, "", time.Now())
	assert.ErrorContains(t, err, "invalid session.completed payload")

	_, err = NewSessionEvent(EventSessionStarted, "dialog", validSession(), nil, "", time.Now())
	assert.NoError(t, err)
}

func TestGenerateIdempotencyKey(t *testing.T) {
	assert.Equal(t, GenerateIdempotencyKey("s", ":a"), GenerateIdempotencyKey("s", ":a"))
	assert.NotEqual(t, GenerateIdempotencyKey("s", ":a"), GenerateIdempotencyKey("s", ":b"))
}
