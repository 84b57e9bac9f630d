package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_valid(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Identity.Issuer != "https://auth.example.com" {
		t.Errorf("Identity.Issuer = %q", cfg.Identity.Issuer)
	}
	if cfg.Identity.Audience != "approvals-api" {
		t.Errorf("Identity.Audience = %q", cfg.Identity.Audience)
	}
	if len(cfg.Identity.Algorithms) != 2 {
		t.Errorf("Identity.Algorithms = %v, want 2 entries", cfg.Identity.Algorithms)
	}
	if cfg.Definitions.ReloadInterval != time.Minute {
		t.Errorf("Definitions.ReloadInterval = %v, want 1m", cfg.Definitions.ReloadInterval)
	}
	if cfg.Store.Driver != "postgres" {
		t.Errorf("Store.Driver = %q, want postgres", cfg.Store.Driver)
	}
	if cfg.Cache.Driver != "redis" || cfg.Cache.TTL != 2*time.Minute || cfg.Cache.MaxEntries != 500 {
		t.Errorf("Cache = %+v", cfg.Cache)
	}
	if cfg.Publisher.StreamPrefix != "erp." {
		t.Errorf("Publisher.StreamPrefix = %q, want erp.", cfg.Publisher.StreamPrefix)
	}
	if cfg.Publisher.FallbackExchange != "domain-events" {
		t.Errorf("Publisher.FallbackExchange = %q", cfg.Publisher.FallbackExchange)
	}
	if got := cfg.Publisher.Routes["workflow.approval_required"]; got != "approvals" {
		t.Errorf("Publisher.Routes[approval_required] = %q, want approvals", got)
	}
	if cfg.Dispatch.Workers != 4 || cfg.Dispatch.Buffer != 64 {
		t.Errorf("Dispatch = %+v", cfg.Dispatch)
	}
	// Untouched sections keep their defaults.
	if cfg.Retry.MaxAttempts != 5 {
		t.Errorf("Retry.MaxAttempts = %d, want default 5", cfg.Retry.MaxAttempts)
	}
}

func TestLoad_missing_file(t *testing.T) {
	_, err := Load("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_missing_identity(t *testing.T) {
	_, err := Load("testdata/missing_identity.yaml")
	if err == nil {
		t.Fatal("Load() with missing identity should return error")
	}
	if !strings.Contains(err.Error(), "identity.issuer is required") {
		t.Errorf("error = %v, want identity.issuer message", err)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Cache.TTL != 5*time.Minute {
		t.Errorf("default Cache.TTL = %v, want 5m", cfg.Cache.TTL)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("default Store.Driver = %q, want memory", cfg.Store.Driver)
	}
	if cfg.Publisher.Routes["workflow.completed"] == "" {
		t.Error("default Publisher.Routes has no route for workflow.completed")
	}
	if cfg.Idempotency.TTL != 24*time.Hour {
		t.Errorf("default Idempotency.TTL = %v, want 24h", cfg.Idempotency.TTL)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.Observability.LogLevel)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("APPROVALS_SERVER_PORT", "3000")
	t.Setenv("APPROVALS_IDENTITY_ISSUER", "https://env-issuer.com")
	t.Setenv("APPROVALS_IDENTITY_AUDIENCE", "env-audience")
	t.Setenv("APPROVALS_OBSERVABILITY_LOG_LEVEL", "error")
	t.Setenv("APPROVALS_PUBLISHER_DRIVER", "memory")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000 (env override)", cfg.Server.Port)
	}
	if cfg.Identity.Issuer != "https://env-issuer.com" {
		t.Errorf("Identity.Issuer = %q, want env override", cfg.Identity.Issuer)
	}
	if cfg.Identity.Audience != "env-audience" {
		t.Errorf("Identity.Audience = %q, want env override", cfg.Identity.Audience)
	}
	if cfg.Observability.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error (env override)", cfg.Observability.LogLevel)
	}
	if cfg.Publisher.Driver != "memory" {
		t.Errorf("Publisher.Driver = %q, want memory (env override)", cfg.Publisher.Driver)
	}
}

func validConfig() *Config {
	cfg := Defaults()
	cfg.Identity.Issuer = "https://auth.example.com"
	cfg.Identity.Audience = "approvals-api"
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"unknown store driver", func(c *Config) { c.Store.Driver = "mysql" }, "store.driver"},
		{"unknown cache driver", func(c *Config) { c.Cache.Driver = "memcached" }, "config_cache.driver"},
		{"zero cache ttl", func(c *Config) { c.Cache.TTL = 0 }, "config_cache.ttl"},
		{"unknown publisher", func(c *Config) { c.Publisher.Driver = "kafka" }, "publisher.driver"},
		{"no fallback exchange", func(c *Config) { c.Publisher.FallbackExchange = "" }, "fallback_exchange"},
		{"unknown idempotency driver", func(c *Config) { c.Idempotency.Driver = "etcd" }, "idempotency.driver"},
		{"no workers", func(c *Config) { c.Dispatch.Workers = 0 }, "dispatch.workers"},
		{"no definition directories", func(c *Config) { c.Definitions.Directories = nil }, "definitions.directories"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_env_priority_over_file(t *testing.T) {
	// File sets port 9090, env sets 5555; env wins.
	t.Setenv("APPROVALS_SERVER_PORT", "5555")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 5555 {
		t.Errorf("Server.Port = %d, want 5555 (env override beats file)", cfg.Server.Port)
	}
}
