// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Store         StoreConfig         `yaml:"store"`
	Cache         ConfigCacheConfig   `yaml:"config_cache"`
	Publisher     PublisherConfig     `yaml:"publisher"`
	Dispatch      DispatchConfig      `yaml:"dispatch"`
	Retry         RetryConfig         `yaml:"retry"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// IdentityConfig describes how bearer tokens on the signal API are verified
// and mapped to a request context.
type IdentityConfig struct {
	Issuer     string            `yaml:"issuer"`
	Audience   string            `yaml:"audience"`
	SecretEnv  string            `yaml:"secret_env"`
	JWKSURL    string            `yaml:"jwks_url"`
	JWKSTTL    time.Duration     `yaml:"jwks_ttl"`
	Algorithms []string          `yaml:"algorithms"`
	ClaimPaths map[string]string `yaml:"claim_paths"`
}

// DefinitionsConfig describes where to find workflow bundle YAML files.
type DefinitionsConfig struct {
	Directories    []string      `yaml:"directories"`
	ReloadInterval time.Duration `yaml:"reload_interval"`
}

// StoreConfig describes persistence for workflow bindings and history.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// ConfigCacheConfig describes the entity workflow configuration cache.
type ConfigCacheConfig struct {
	Driver     string        `yaml:"driver"`
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// PublisherConfig describes where events and notifications are published.
// Routes maps event types to dedicated exchanges; anything unmapped goes to
// FallbackExchange.
type PublisherConfig struct {
	Driver           string            `yaml:"driver"`
	AddrEnv          string            `yaml:"addr_env"`
	DB               int               `yaml:"db"`
	StreamPrefix     string            `yaml:"stream_prefix"`
	MaxLen           int64             `yaml:"max_len"`
	FallbackExchange string            `yaml:"fallback_exchange"`
	Routes           map[string]string `yaml:"routes"`
}

// DispatchConfig sizes the approval-required mailbox.
type DispatchConfig struct {
	Buffer  int `yaml:"buffer"`
	Workers int `yaml:"workers"`
}

// RetryConfig describes redelivery of non-critical events.
type RetryConfig struct {
	Interval       time.Duration `yaml:"interval"`
	MaxAttempts    uint64        `yaml:"max_attempts"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	QueueSize      int           `yaml:"queue_size"`
}

// IdempotencyConfig describes deduplication of signals carrying an
// Idempotency-Key header.
type IdempotencyConfig struct {
	Driver  string        `yaml:"driver"`
	AddrEnv string        `yaml:"addr_env"`
	TTL     time.Duration `yaml:"ttl"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Identity: IdentityConfig{
			SecretEnv:  "APPROVALS_JWT_SECRET",
			JWKSTTL:    time.Hour,
			Algorithms: []string{"HS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"tenant_id":  "tenant_id",
				"email":      "email",
				"name":       "name",
				"roles":      "roles",
			},
		},
		Definitions: DefinitionsConfig{
			Directories: []string{"/definitions"},
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "APPROVALS_DATABASE_URL",
			MaxOpenConns:    25,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Cache: ConfigCacheConfig{
			Driver:     "memory",
			AddrEnv:    "APPROVALS_REDIS_ADDR",
			TTL:        5 * time.Minute,
			MaxEntries: 1000,
		},
		Publisher: PublisherConfig{
			Driver:           "memory",
			AddrEnv:          "APPROVALS_REDIS_ADDR",
			StreamPrefix:     "approvals.",
			MaxLen:           100000,
			FallbackExchange: "events",
			Routes: map[string]string{
				"workflow.approval_required": "approval-required",
				"workflow.completed":         "workflow-completed",
				"workflow.status_changed":    "workflow-status",
				"workflow.changed":           "workflow-status",
				"workflow.notification":      "notifications",
			},
		},
		Dispatch: DispatchConfig{
			Buffer:  256,
			Workers: 2,
		},
		Retry: RetryConfig{
			Interval:       30 * time.Second,
			MaxAttempts:    5,
			BackoffInitial: 200 * time.Millisecond,
			BackoffMax:     10 * time.Second,
			QueueSize:      1000,
		},
		Idempotency: IdempotencyConfig{
			Driver:  "memory",
			AddrEnv: "APPROVALS_REDIS_ADDR",
			TTL:     24 * time.Hour,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

var (
	storeDrivers     = map[string]bool{"memory": true, "postgres": true}
	cacheDrivers     = map[string]bool{"memory": true, "redis": true}
	publisherDrivers = map[string]bool{"memory": true, "redis": true}
	idemDrivers      = map[string]bool{"memory": true, "redis": true}
)

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required")
	}
	if c.Identity.Audience == "" {
		errs = append(errs, "identity.audience is required")
	}
	if len(c.Definitions.Directories) == 0 {
		errs = append(errs, "definitions.directories must not be empty")
	}
	if !storeDrivers[c.Store.Driver] {
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}
	if !cacheDrivers[c.Cache.Driver] {
		errs = append(errs, fmt.Sprintf("config_cache.driver %q is not supported", c.Cache.Driver))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, "config_cache.ttl must be positive")
	}
	if !publisherDrivers[c.Publisher.Driver] {
		errs = append(errs, fmt.Sprintf("publisher.driver %q is not supported", c.Publisher.Driver))
	}
	if c.Publisher.FallbackExchange == "" {
		errs = append(errs, "publisher.fallback_exchange is required")
	}
	if !idemDrivers[c.Idempotency.Driver] {
		errs = append(errs, fmt.Sprintf("idempotency.driver %q is not supported", c.Idempotency.Driver))
	}
	if c.Dispatch.Workers < 1 {
		errs = append(errs, "dispatch.workers must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads APPROVALS_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("APPROVALS_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("APPROVALS_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("APPROVALS_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("APPROVALS_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("APPROVALS_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("APPROVALS_PUBLISHER_DRIVER"); v != "" {
		cfg.Publisher.Driver = v
	}
}
