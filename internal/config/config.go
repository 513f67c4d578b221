// Package config loads service configuration from an optional YAML file
// overlaid by INCIDENT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override. Nested keys are separated
// by a double underscore: INCIDENT_ESCALATION__INTERVAL=10s.
const EnvPrefix = "INCIDENT_"

// Storage drivers.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// Config is the full service configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Database      DatabaseConfig      `koanf:"database"`
	Storage       StorageConfig       `koanf:"storage"`
	Log           LogConfig           `koanf:"log"`
	CORS          CORSConfig          `koanf:"cors"`
	Engine        EngineConfig        `koanf:"engine"`
	Escalation    EscalationConfig    `koanf:"escalation"`
	Stream        StreamConfig        `koanf:"stream"`
	Notifications NotificationsConfig `koanf:"notifications"`
	Locations     LocationsConfig     `koanf:"locations"`
}

// ServerConfig configures the API and metrics listeners.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port" validate:"required"`
	MetricsPort       string        `koanf:"metrics_port" validate:"required"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	RequestTimeout    time.Duration `koanf:"request_timeout" validate:"gt=0"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

// DatabaseConfig configures the PostgreSQL pool.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns" validate:"min=1"`
	MaxIdleConns    int           `koanf:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout" validate:"gt=0"`
	ConnectAttempts int           `koanf:"connect_attempts" validate:"min=1"`
	AutoMigrate     bool          `koanf:"auto_migrate"`
	MigrationsPath  string        `koanf:"migrations_path"`
}

// StorageConfig selects the incident store.
type StorageConfig struct {
	Driver string `koanf:"driver" validate:"oneof=memory postgres"`
}

// LogConfig configures slog.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json text"`
}

// CORSConfig configures the CORS middleware.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// EngineConfig tunes the transition engine.
type EngineConfig struct {
	MaxConflictRetries int `koanf:"max_conflict_retries" validate:"min=1,max=20"`
}

// EscalationConfig configures the background SLA sweep.
type EscalationConfig struct {
	Enabled     bool          `koanf:"enabled"`
	Interval    time.Duration `koanf:"interval" validate:"min=1s"`
	Concurrency int           `koanf:"concurrency" validate:"min=1,max=256"`
}

// StreamConfig configures the event relay and SSE endpoint.
type StreamConfig struct {
	PollInterval     time.Duration `koanf:"poll_interval" validate:"gt=0"`
	BatchSize        int           `koanf:"batch_size" validate:"min=1"`
	GapTimeout       time.Duration `koanf:"gap_timeout" validate:"gt=0"`
	SubscriberBuffer int           `koanf:"subscriber_buffer" validate:"min=1"`
	Heartbeat        time.Duration `koanf:"heartbeat" validate:"gt=0"`
}

// NotificationsConfig configures the chat webhook forwarder.
type NotificationsConfig struct {
	Enabled    bool        `koanf:"enabled"`
	WebhookURL string      `koanf:"webhook_url" validate:"required_if=Enabled true,omitempty,url"`
	Username   string      `koanf:"username"`
	IconURL    string      `koanf:"icon_url" validate:"omitempty,url"`
	BaseURL    string      `koanf:"base_url" validate:"omitempty,url"`
	Kinds      []string    `koanf:"kinds" validate:"dive,oneof=created claimed status_changed escalated resolved reassigned"`
	RateLimit  float64     `koanf:"rate_limit" validate:"gt=0"`
	Burst      int         `koanf:"burst" validate:"min=1"`
	Retry      RetryConfig `koanf:"retry"`
}

// RetryConfig configures delivery retries.
type RetryConfig struct {
	MaxAttempts       int           `koanf:"max_attempts" validate:"min=1,max=10"`
	InitialBackoff    time.Duration `koanf:"initial_backoff" validate:"gt=0"`
	MaxBackoff        time.Duration `koanf:"max_backoff" validate:"gtefield=InitialBackoff"`
	BackoffMultiplier float64       `koanf:"backoff_multiplier" validate:"gte=1"`
}

// LocationsConfig points at the venue directory file.
type LocationsConfig struct {
	File  string `koanf:"file"`
	Venue string `koanf:"venue"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
			RequestTimeout:    30 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    2,
			ConnMaxLifetime: time.Hour,
			ConnectTimeout:  30 * time.Second,
			ConnectAttempts: 5,
			MigrationsPath:  "migrations",
		},
		Storage: StorageConfig{Driver: StorageMemory},
		Log:     LogConfig{Level: "info", Format: "json"},
		CORS:    CORSConfig{AllowedOrigins: []string{}},
		Engine:  EngineConfig{MaxConflictRetries: 3},
		Escalation: EscalationConfig{
			Enabled:     true,
			Interval:    5 * time.Second,
			Concurrency: 8,
		},
		Stream: StreamConfig{
			PollInterval:     time.Second,
			BatchSize:        200,
			GapTimeout:       2 * time.Second,
			SubscriberBuffer: 64,
			Heartbeat:        15 * time.Second,
		},
		Notifications: NotificationsConfig{
			Username:  "Incident Desk",
			Kinds:     []string{"created", "claimed", "escalated", "resolved", "reassigned"},
			RateLimit: 1,
			Burst:     5,
			Retry: RetryConfig{
				MaxAttempts:       3,
				InitialBackoff:    time.Second,
				MaxBackoff:        30 * time.Second,
				BackoffMultiplier: 2,
			},
		},
	}
}

// Load reads configuration. path may be empty, in which case only defaults
// and environment variables apply.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps INCIDENT_STREAM__GAP_TIMEOUT to stream.gap_timeout.
func envKey(k, v string) (string, any) {
	k = strings.ToLower(strings.TrimPrefix(k, EnvPrefix))
	k = strings.ReplaceAll(k, "__", ".")
	if strings.Contains(v, ",") {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return k, parts
	}
	return k, v
}

// Validate checks field constraints and cross-section rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Storage.Driver == StoragePostgres && c.Database.URL == "" {
		return errors.New("invalid config: database.url is required when storage.driver is postgres")
	}
	if c.Database.AutoMigrate && c.Storage.Driver != StoragePostgres {
		return errors.New("invalid config: database.auto_migrate requires storage.driver postgres")
	}
	return nil
}
