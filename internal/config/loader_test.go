package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Server.Port != "8080" {
		t.Errorf("expected port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Postgres.MaxConns != 10 {
		t.Errorf("expected max_conns 10, got %d", cfg.Postgres.MaxConns)
	}
	if cfg.Breaker.Timeout != 30*time.Second {
		t.Errorf("expected breaker timeout 30s, got %v", cfg.Breaker.Timeout)
	}
	if cfg.Query.MaxLimit != 10000 {
		t.Errorf("expected query.max_limit 10000, got %d", cfg.Query.MaxLimit)
	}
	if cfg.Build.TimeoutSeconds != 600 {
		t.Errorf("expected build.timeout_seconds 600, got %d", cfg.Build.TimeoutSeconds)
	}
}

func TestLoadYAMLOverride(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "test.yaml")

	content := `
server:
  port: "9090"
  cors_origin: "http://example.com"
postgres:
  max_conns: 20
logging:
  level: "debug"
query:
  max_limit: 500
`
	if err := os.WriteFile(yamlPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, yamlPath); err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Server.CORSOrigin != "http://example.com" {
		t.Errorf("expected cors http://example.com, got %s", cfg.Server.CORSOrigin)
	}
	if cfg.Postgres.MaxConns != 20 {
		t.Errorf("expected max_conns 20, got %d", cfg.Postgres.MaxConns)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.Logging.Level)
	}
	if cfg.Query.MaxLimit != 500 {
		t.Errorf("expected query.max_limit 500, got %d", cfg.Query.MaxLimit)
	}
	// Unchanged fields keep defaults
	if cfg.NATS.URL != "" {
		t.Errorf("expected empty default NATS URL, got %s", cfg.NATS.URL)
	}
}

func TestLoadYAMLMissing(t *testing.T) {
	cfg := Defaults()
	err := loadYAML(&cfg, "/nonexistent/path.yaml")
	if err != nil {
		t.Errorf("missing YAML should not error, got %v", err)
	}
}

func TestEnvOverride(t *testing.T) {
	cfg := Defaults()

	t.Setenv("SERVER_PORT", "7070")
	t.Setenv("QUERY_STORE_DSN", "postgres://test:test@db:5432/test")
	t.Setenv("POSTGRES_MAX_CONNS", "25")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("BREAKER_TIMEOUT", "1m")
	t.Setenv("QUERY_MAX_LIMIT", "250")
	t.Setenv("METRICFLOW_BUILD_TIMEOUT", "120")

	loadEnv(&cfg)

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port 7070, got %s", cfg.Server.Port)
	}
	if cfg.Postgres.DSN != "postgres://test:test@db:5432/test" {
		t.Errorf("expected test DSN, got %s", cfg.Postgres.DSN)
	}
	if cfg.Postgres.MaxConns != 25 {
		t.Errorf("expected max_conns 25, got %d", cfg.Postgres.MaxConns)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected log level warn, got %s", cfg.Logging.Level)
	}
	if cfg.Breaker.Timeout != time.Minute {
		t.Errorf("expected breaker timeout 1m, got %v", cfg.Breaker.Timeout)
	}
	if cfg.Query.MaxLimit != 250 {
		t.Errorf("expected query.max_limit 250, got %d", cfg.Query.MaxLimit)
	}
	if cfg.Build.TimeoutSeconds != 120 {
		t.Errorf("expected build.timeout_seconds 120, got %d", cfg.Build.TimeoutSeconds)
	}
}

func TestValidateRequired(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{
			name:   "empty port",
			modify: func(c *Config) { c.Server.Port = "" },
			errMsg: "server.port is required",
		},
		{
			name:   "zero breaker failures",
			modify: func(c *Config) { c.Breaker.MaxFailures = 0 },
			errMsg: "breaker.max_failures must be >= 1",
		},
		{
			name:   "zero async workers",
			modify: func(c *Config) { c.Query.AsyncWorkers = 0 },
			errMsg: "query.async_workers must be >= 1",
		},
		{
			name:   "zero ttl",
			modify: func(c *Config) { c.Query.TTLSeconds = 0 },
			errMsg: "query.ttl_seconds must be >= 1",
		},
		{
			name:   "zero build timeout",
			modify: func(c *Config) { c.Build.TimeoutSeconds = 0 },
			errMsg: "build.timeout_seconds must be >= 1",
		},
		{
			name:   "zero git concurrency",
			modify: func(c *Config) { c.Git.MaxConcurrent = 0 },
			errMsg: "git.max_concurrent must be >= 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.modify(&cfg)
			err := validate(&cfg)
			if err == nil {
				t.Fatalf("expected error %q, got nil", tt.errMsg)
			}
			if err.Error() != tt.errMsg {
				t.Errorf("expected %q, got %q", tt.errMsg, err.Error())
			}
		})
	}
}

func TestValidateDefaults(t *testing.T) {
	cfg := Defaults()
	if err := validate(&cfg); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
}
