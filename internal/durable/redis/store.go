// Package redis implements durable.Repository on Redis.
//
// Each record is a hash at parley:session:{id}. Pending ids are tracked in the
// parley:active set, and parley:active:{user}:{type} points at the one pending
// record a user may hold per workflow type. Creation, update and completion
// run as Lua scripts so the uniqueness and monotonicity rules hold without
// client-side locking.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	repo := redisstore.New(client)
//	if err := repo.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ahrav/go-parley/internal/domain"
	"github.com/ahrav/go-parley/internal/durable"
)

var _ durable.Repository = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithKeyPrefix namespaces every key. The default is "parley:".
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keys = keyspace{prefix: prefix} }
}

// Store is a Redis-backed durable repository.
type Store struct {
	client goredis.Cmdable
	keys   keyspace
	now    func() time.Time
	logger *slog.Logger
}

// New creates a Redis-backed store. The caller owns the client lifecycle.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client: client,
		keys:   keyspace{prefix: defaultPrefix},
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Hash field names. They mirror the column names of the SQL backend.
const (
	fieldID           = "id"
	fieldUserID       = "user_id"
	fieldType         = "session_type"
	fieldStep         = "conversation_step"
	fieldData         = "conversation_data"
	fieldArtifact     = "artifact_data"
	fieldTarget       = "target"
	fieldStatus       = "status"
	fieldCreatedAt    = "created_at"
	fieldLastActivity = "last_activity_at"
	fieldTTL          = "ttl_seconds"
	fieldRestartCount = "restart_count"
	fieldDecidedBy    = "decided_by"
	fieldDecidedAt    = "decided_at"
)

// createScript inserts a record unless the user already holds a pending one
// of the same type. A dangling index entry pointing at a non-pending record
// is overwritten.
//
// KEYS: session hash, active set, user/type index. ARGV: id, field/value pairs.
var createScript = goredis.NewScript(`
	local current = redis.call('GET', KEYS[3])
	if current then
		local status = redis.call('HGET', ARGV[2] .. current, 'status')
		if status == 'pending' then
			return 0
		end
	end
	redis.call('SET', KEYS[3], ARGV[1])
	redis.call('HSET', KEYS[1], unpack(ARGV, 3))
	redis.call('SADD', KEYS[2], ARGV[1])
	return 1
`)

// updateScript patches a pending record. When touch is set it advances
// last_activity_at, only forward. Timestamps are unix microseconds.
//
// KEYS: session hash. ARGV: now, has_step, step, has_data, data, increment,
// touch.
// Returns -1 when missing, -2 when terminal, 1 on success.
var updateScript = goredis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return -1
	end
	if redis.call('HGET', KEYS[1], 'status') ~= 'pending' then
		return -2
	end
	if ARGV[2] == '1' then
		redis.call('HSET', KEYS[1], 'conversation_step', ARGV[3])
	end
	if ARGV[4] == '1' then
		redis.call('HSET', KEYS[1], 'conversation_data', ARGV[5])
	end
	if ARGV[6] == '1' then
		redis.call('HINCRBY', KEYS[1], 'restart_count', 1)
	end
	if ARGV[7] == '1' then
		local last = tonumber(redis.call('HGET', KEYS[1], 'last_activity_at'))
		local now = tonumber(ARGV[1])
		if now > last then
			redis.call('HSET', KEYS[1], 'last_activity_at', ARGV[1])
		end
	end
	return 1
`)

// completeScript moves a pending record to a final status exactly once.
//
// KEYS: session hash, active set. ARGV: id, status, decided_at, decided_by,
// has_artifact, artifact, index key prefix.
// Returns -1 when missing, 0 when already terminal, 1 on success.
var completeScript = goredis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return -1
	end
	if redis.call('HGET', KEYS[1], 'status') ~= 'pending' then
		return 0
	end
	redis.call('HSET', KEYS[1], 'status', ARGV[2], 'decided_at', ARGV[3], 'decided_by', ARGV[4])
	if ARGV[5] == '1' then
		redis.call('HSET', KEYS[1], 'artifact_data', ARGV[6])
	end
	redis.call('SREM', KEYS[2], ARGV[1])
	local fields = redis.call('HMGET', KEYS[1], 'user_id', 'session_type')
	local index = ARGV[7] .. fields[1] .. ':' .. fields[2]
	if redis.call('GET', index) == ARGV[1] then
		redis.call('DEL', index)
	end
	return 1
`)

// Create implements durable.Repository.
func (s *Store) Create(ctx context.Context, rec durable.NewRecord) (string, error) {
	if err := rec.Validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(rec.Payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}

	id := domain.NewSessionID()
	now := micros(s.now())
	args := []any{
		id,
		s.keys.sessionPrefix(),
		fieldID, id,
		fieldUserID, rec.UserID,
		fieldType, string(rec.Type),
		fieldStep, rec.Step,
		fieldData, string(data),
		fieldArtifact, string(rec.Artifact),
		fieldTarget, rec.Target,
		fieldStatus, string(domain.StatusPending),
		fieldCreatedAt, now,
		fieldLastActivity, now,
		fieldTTL, int64(rec.TTL / time.Second),
		fieldRestartCount, 0,
		fieldDecidedBy, "",
		fieldDecidedAt, "",
	}
	keys := []string{s.keys.session(id), s.keys.active(), s.keys.index(rec.UserID, rec.Type)}

	created, err := createScript.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return "", domain.NewStorageError("create", err)
	}
	if created == 0 {
		return "", fmt.Errorf("%w: %s/%s", domain.ErrAlreadyActive, rec.UserID, rec.Type)
	}
	return id, nil
}

// Get implements durable.Repository.
func (s *Store) Get(ctx context.Context, id string) (durable.Record, error) {
	vals, err := s.client.HGetAll(ctx, s.keys.session(id)).Result()
	if err != nil {
		return durable.Record{}, domain.NewStorageError("get", err)
	}
	if len(vals) == 0 {
		return durable.Record{}, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	return mapToRecord(vals)
}

// Update implements durable.Repository.
func (s *Store) Update(ctx context.Context, id string, patch durable.Patch) (durable.Record, error) {
	hasStep, step := "0", ""
	if patch.Step != nil {
		hasStep, step = "1", *patch.Step
	}
	hasData, data := "0", ""
	if patch.Payload != nil {
		encoded, err := json.Marshal(*patch.Payload)
		if err != nil {
			return durable.Record{}, fmt.Errorf("encode payload: %w", err)
		}
		hasData, data = "1", string(encoded)
	}
	increment := "0"
	if patch.IncrementRestartCount {
		increment = "1"
	}
	touch := "0"
	if patch.Touches() {
		touch = "1"
	}

	res, err := updateScript.Run(ctx, s.client, []string{s.keys.session(id)},
		micros(s.now()), hasStep, step, hasData, data, increment, touch).Int()
	if err != nil {
		return durable.Record{}, domain.NewStorageError("update", err)
	}
	switch res {
	case -1:
		return durable.Record{}, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	case -2:
		return durable.Record{}, fmt.Errorf("%w: %s", domain.ErrSessionClosed, id)
	}
	return s.Get(ctx, id)
}

// Complete implements durable.Repository.
func (s *Store) Complete(ctx context.Context, id string, status domain.Status, opts ...durable.CompleteOption) error {
	if err := durable.CheckFinalStatus(status); err != nil {
		return err
	}
	o := durable.ResolveCompleteOptions(opts...)
	hasArtifact := "0"
	if len(o.Artifact) > 0 {
		hasArtifact = "1"
	}

	res, err := completeScript.Run(ctx, s.client,
		[]string{s.keys.session(id), s.keys.active()},
		id, string(status), micros(s.now()), o.DecidedBy, hasArtifact, string(o.Artifact), s.keys.indexPrefix(),
	).Int()
	if err != nil {
		return domain.NewStorageError("complete", err)
	}
	switch res {
	case -1:
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	case 0:
		s.logger.DebugContext(ctx, "complete on terminal record ignored", "session_id", id, "status", status)
	}
	return nil
}

// ListActive implements durable.Repository.
func (s *Store) ListActive(ctx context.Context) ([]durable.Record, error) {
	ids, err := s.client.SMembers(ctx, s.keys.active()).Result()
	if err != nil {
		return nil, domain.NewStorageError("list_active", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.keys.session(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return nil, domain.NewStorageError("list_active", err)
	}

	out := make([]durable.Record, 0, len(ids))
	for i, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 {
			continue
		}
		rec, convErr := mapToRecord(vals)
		if convErr != nil {
			s.logger.WarnContext(ctx, "skipping unreadable session record", "session_id", ids[i], "error", convErr)
			continue
		}
		if rec.Pending() {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return out, nil
}

// GetActiveByUserAndType implements durable.Repository.
func (s *Store) GetActiveByUserAndType(ctx context.Context, userID string, t domain.WorkflowType) (durable.Record, error) {
	id, err := s.client.Get(ctx, s.keys.index(userID, t)).Result()
	if errors.Is(err, goredis.Nil) {
		return durable.Record{}, fmt.Errorf("%w: %s/%s", domain.ErrSessionNotFound, userID, t)
	}
	if err != nil {
		return durable.Record{}, domain.NewStorageError("get_active", err)
	}
	rec, err := s.Get(ctx, id)
	if err != nil {
		return durable.Record{}, err
	}
	if !rec.Pending() {
		return durable.Record{}, fmt.Errorf("%w: %s/%s", domain.ErrSessionNotFound, userID, t)
	}
	return rec, nil
}

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return domain.NewStorageError("ping", err)
	}
	return nil
}

// Close is a no-op; the caller owns the Redis client lifecycle.
func (s *Store) Close() error { return nil }

func micros(t time.Time) int64 { return t.UnixMicro() }

func fromMicros(v string) (time.Time, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMicro(n).UTC(), nil
}

func mapToRecord(vals map[string]string) (durable.Record, error) {
	rec := durable.Record{
		ID:        vals[fieldID],
		UserID:    vals[fieldUserID],
		Type:      domain.WorkflowType(vals[fieldType]),
		Step:      vals[fieldStep],
		Target:    vals[fieldTarget],
		Status:    domain.Status(vals[fieldStatus]),
		DecidedBy: vals[fieldDecidedBy],
	}
	if data := vals[fieldData]; data != "" {
		if err := json.Unmarshal([]byte(data), &rec.Payload); err != nil {
			return durable.Record{}, fmt.Errorf("decode %s: %w", fieldData, err)
		}
	}
	if artifact := vals[fieldArtifact]; artifact != "" {
		rec.Artifact = json.RawMessage(artifact)
	}

	var err error
	if rec.CreatedAt, err = fromMicros(vals[fieldCreatedAt]); err != nil {
		return durable.Record{}, fmt.Errorf("decode %s: %w", fieldCreatedAt, err)
	}
	if rec.LastActivityAt, err = fromMicros(vals[fieldLastActivity]); err != nil {
		return durable.Record{}, fmt.Errorf("decode %s: %w", fieldLastActivity, err)
	}
	ttl, err := strconv.ParseInt(vals[fieldTTL], 10, 64)
	if err != nil {
		return durable.Record{}, fmt.Errorf("decode %s: %w", fieldTTL, err)
	}
	rec.TTL = time.Duration(ttl) * time.Second
	if rec.RestartCount, err = strconv.Atoi(vals[fieldRestartCount]); err != nil {
		return durable.Record{}, fmt.Errorf("decode %s: %w", fieldRestartCount, err)
	}
	if v := vals[fieldDecidedAt]; v != "" {
		at, err := fromMicros(v)
		if err != nil {
			return durable.Record{}, fmt.Errorf("decode %s: %w", fieldDecidedAt, err)
		}
		rec.DecidedAt = &at
	}
	return rec, nil
}
