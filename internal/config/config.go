// Package config loads the service configuration from a YAML file and the
// environment. Secrets are never read from the file: each secret names the
// environment variable that holds it.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ahrav/go-parley/internal/domain"
	"github.com/ahrav/go-parley/internal/llm/configuration"
	"github.com/ahrav/go-parley/internal/reaper"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Event sinks.
const (
	SinkNone  = "none"
	SinkLog   = "log"
	SinkRedis = "redis"
)

// Config is the root configuration.
type Config struct {
	Log       LogConfig            `json:"log"       yaml:"log"`
	Storage   StorageConfig        `json:"storage"   yaml:"storage"`
	Reaper    ReaperConfig         `json:"reaper"    yaml:"reaper"`
	Workflows WorkflowsConfig      `json:"workflows" yaml:"workflows"`
	Events    EventsConfig         `json:"events"    yaml:"events"`
	LLM       configuration.Config `json:"llm"       yaml:"llm"`
	Discord   DiscordConfig        `json:"discord"   yaml:"discord"`
	Metrics   MetricsConfig        `json:"metrics"   yaml:"metrics"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `json:"level"  yaml:"level"  validate:"oneof=debug info warn error"`
	Format string `json:"format" yaml:"format" validate:"oneof=json text"`
}

// StorageConfig selects the durable repository.
type StorageConfig struct {
	Backend  string         `json:"backend"  yaml:"backend"  validate:"oneof=memory redis postgres"`
	Redis    RedisConfig    `json:"redis"    yaml:"redis"`
	Postgres PostgresConfig `json:"postgres" yaml:"postgres"`
}

// RedisConfig configures the Redis repository and event stream.
type RedisConfig struct {
	Addr        string `json:"addr"         yaml:"addr"         validate:"omitempty,hostname_port"`
	PasswordEnv string `json:"password_env" yaml:"password_env"`
	Password    string `json:"-"            yaml:"-"`
	DB          int    `json:"db"           yaml:"db"           validate:"gte=0"`
	KeyPrefix   string `json:"key_prefix"   yaml:"key_prefix"`
}

// PostgresConfig configures the PostgreSQL repository.
type PostgresConfig struct {
	DSNEnv  string `json:"dsn_env" yaml:"dsn_env"`
	DSN     string `json:"-"       yaml:"-"`
	Migrate bool   `json:"migrate" yaml:"migrate"`
}

// ReaperConfig configures the expiry sweep.
type ReaperConfig struct {
	Schedule string `json:"schedule" yaml:"schedule" validate:"required"`
}

// WorkflowsConfig customizes the workflow catalog.
type WorkflowsConfig struct {
	// Dir holds YAML definitions that override or extend the built-ins.
	Dir string `json:"dir" yaml:"dir"`
	// TTL overrides the idle timeout per workflow type.
	TTL map[string]time.Duration `json:"ttl" yaml:"ttl" validate:"dive,gt=0"`
	// AdminChannel is where approval requests are sent when no user is given.
	AdminChannel string `json:"admin_channel" yaml:"admin_channel"`
	// Admins may start announcements and approval workflows. Empty allows
	// everyone.
	Admins []string `json:"admins" yaml:"admins"`
	// AnnouncementChannels maps the channel names offered when authoring an
	// announcement to their ids.
	AnnouncementChannels map[string]string `json:"announcement_channels" yaml:"announcement_channels"`
}

// EventsConfig selects where lifecycle events go.
type EventsConfig struct {
	Sink   string `json:"sink"    yaml:"sink"    validate:"oneof=none log redis"`
	Stream string `json:"stream"  yaml:"stream"  validate:"required_if=Sink redis"`
	MaxLen int64  `json:"max_len" yaml:"max_len" validate:"gte=0"`
}

// DiscordConfig configures the chat transport.
type DiscordConfig struct {
	TokenEnv string `json:"token_env" yaml:"token_env"`
	Token    string `json:"-"         yaml:"-"`
	GuildID  string `json:"guild_id"  yaml:"guild_id"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr"    yaml:"addr"    validate:"required_if=Enabled true,omitempty,hostname_port"`
}

// Default returns a configuration that runs with in-memory storage and the
// language model gateway disabled.
func Default() *Config {
	return &Config{
		Log:     LogConfig{Level: "info", Format: "json"},
		Storage: StorageConfig{
			Backend:  BackendMemory,
			Redis:    RedisConfig{Addr: "localhost:6379", PasswordEnv: "PARLEY_REDIS_PASSWORD"},
			Postgres: PostgresConfig{DSNEnv: "PARLEY_POSTGRES_DSN", Migrate: true},
		},
		Reaper: ReaperConfig{Schedule: reaper.DefaultSchedule},
		Events: EventsConfig{Sink: SinkLog, Stream: "parley:events", MaxLen: 10000},
		LLM:    *configuration.DefaultConfig(),
		Discord: DiscordConfig{
			TokenEnv: "PARLEY_DISCORD_TOKEN",
		},
		Metrics: MetricsConfig{Enabled: true, Addr: ":9090"},
	}
}

// Load reads path over the defaults, applies PARLEY_* environment overrides,
// resolves secrets and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.resolveSecrets()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"PARLEY_LOG_LEVEL":       &c.Log.Level,
		"PARLEY_LOG_FORMAT":      &c.Log.Format,
		"PARLEY_STORAGE_BACKEND": &c.Storage.Backend,
		"PARLEY_REDIS_ADDR":      &c.Storage.Redis.Addr,
		"PARLEY_REAPER_SCHEDULE": &c.Reaper.Schedule,
		"PARLEY_WORKFLOWS_DIR":   &c.Workflows.Dir,
		"PARLEY_ADMIN_CHANNEL":   &c.Workflows.AdminChannel,
		"PARLEY_EVENTS_SINK":     &c.Events.Sink,
		"PARLEY_LLM_MODEL":       &c.LLM.Model,
		"PARLEY_LLM_ENDPOINT":    &c.LLM.Endpoint,
		"PARLEY_METRICS_ADDR":    &c.Metrics.Addr,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	bools := map[string]*bool{
		"PARLEY_LLM_ENABLED":     &c.LLM.Enabled,
		"PARLEY_METRICS_ENABLED": &c.Metrics.Enabled,
	}
	var errs []error
	for key, dst := range bools {
		v, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		*dst = b
	}
	return errors.Join(errs...)
}

func (c *Config) resolveSecrets() {
	if c.Storage.Redis.PasswordEnv != "" {
		c.Storage.Redis.Password = os.Getenv(c.Storage.Redis.PasswordEnv)
	}
	if c.Storage.Postgres.DSNEnv != "" {
		c.Storage.Postgres.DSN = os.Getenv(c.Storage.Postgres.DSNEnv)
	}
	if c.LLM.APIKeyEnv != "" {
		c.LLM.APIKey = os.Getenv(c.LLM.APIKeyEnv)
	}
	if c.Discord.TokenEnv != "" {
		c.Discord.Token = os.Getenv(c.Discord.TokenEnv)
	}
}

// Validate checks field constraints and the cross-field rules the tags
// cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := c.LLM.Validate(); err != nil {
		return err
	}
	if err := reaper.ValidateSchedule(c.Reaper.Schedule); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	var errs []error
	switch c.Storage.Backend {
	case BackendRedis:
		if c.Storage.Redis.Addr == "" {
			errs = append(errs, errors.New("storage.redis.addr is required for the redis backend"))
		}
	case BackendPostgres:
		if c.Storage.Postgres.DSN == "" {
			errs = append(errs, fmt.Errorf("postgres backend needs a DSN in $%s", c.Storage.Postgres.DSNEnv))
		}
	}
	if c.Events.Sink == SinkRedis && c.Storage.Redis.Addr == "" {
		errs = append(errs, errors.New("storage.redis.addr is required for the redis event sink"))
	}
	if c.LLM.Enabled && c.LLM.APIKey == "" {
		errs = append(errs, fmt.Errorf("llm is enabled but $%s is empty", c.LLM.APIKeyEnv))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// TTLOverrides returns the configured idle timeouts keyed by workflow type.
func (w WorkflowsConfig) TTLOverrides() map[domain.WorkflowType]time.Duration {
	if len(w.TTL) == 0 {
		return nil
	}
	out := make(map[domain.WorkflowType]time.Duration, len(w.TTL))
	for name, ttl := range w.TTL {
		out[domain.WorkflowType(name)] = ttl
	}
	return out
}

// NeedsRedis reports whether any component uses the Redis client.
func (c *Config) NeedsRedis() bool {
	return c.Storage.Backend == BackendRedis || c.Events.Sink == SinkRedis
}
