// Package config provides hierarchical configuration loading for metricqueryd.
// Precedence: defaults < YAML file < environment variables < CLI flags.
package config

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ConfigHolder provides thread-safe access to a Config with hot-reload support.
// Services that hold pointers into the Config will see updated values after a
// reload because fields are swapped in-place.
type ConfigHolder struct {
	mu       sync.RWMutex
	cfg      Config
	yamlPath string
}

// NewHolder creates a ConfigHolder from an initial Config and the YAML path
// used for reloading.
func NewHolder(cfg *Config, yamlPath string) *ConfigHolder {
	return &ConfigHolder{cfg: *cfg, yamlPath: yamlPath}
}

// Get returns a pointer to the Config. Callers must not store the pointer
// long-term; read values immediately and release.
func (h *ConfigHolder) Get() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return &h.cfg
}

// Reload re-reads the YAML file and environment variables, validates, and
// swaps the config in-place. If validation fails, the old config is preserved.
// Fields that cannot be hot-reloaded (Server.Port, Postgres.DSN, NATS.URL) are
// logged as warnings if they differ.
func (h *ConfigHolder) Reload() error {
	newCfg, err := LoadFrom(h.yamlPath)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if newCfg.Server.Port != h.cfg.Server.Port {
		slog.Warn("config reload: server.port changed but requires restart",
			"old", h.cfg.Server.Port, "new", newCfg.Server.Port)
	}
	if newCfg.Postgres.DSN != h.cfg.Postgres.DSN {
		slog.Warn("config reload: postgres.dsn changed but requires restart")
	}
	if newCfg.NATS.URL != h.cfg.NATS.URL {
		slog.Warn("config reload: nats.url changed but requires restart",
			"old", h.cfg.NATS.URL, "new", newCfg.NATS.URL)
	}
	if newCfg.Logging.Level != h.cfg.Logging.Level {
		slog.Info("config reload: logging level changed",
			"old", h.cfg.Logging.Level, "new", newCfg.Logging.Level)
	}
	if newCfg.Environment.ConfigPath != h.cfg.Environment.ConfigPath {
		slog.Warn("config reload: environment.config_path changed but requires restart")
	}

	h.cfg = *newCfg
	return nil
}

// Config holds all runtime configuration for the metricqueryd service.
type Config struct {
	Server      Server      `yaml:"server"`
	Postgres    Postgres    `yaml:"postgres"`
	NATS        NATS        `yaml:"nats"`
	Logging     Logging     `yaml:"logging"`
	Breaker     Breaker     `yaml:"breaker"`
	Git         Git         `yaml:"git"`
	OTEL        OTEL        `yaml:"otel"`
	Environment Environment `yaml:"environment"`
	Query       Query       `yaml:"query"`
	Build       Build       `yaml:"build"`
	Perf        Perf        `yaml:"perf"`
}

// Server holds HTTP server configuration.
type Server struct {
	Port       string `yaml:"port"`
	CORSOrigin string `yaml:"cors_origin"`
}

// Postgres holds optional PostgreSQL persistence configuration for the
// query and build stores. DSN empty means persistence is disabled and the
// stores stay purely in-memory.
type Postgres struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	HealthCheck     time.Duration `yaml:"health_check"`
}

// NATS holds optional best-effort event publishing configuration.
type NATS struct {
	URL string `yaml:"url"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
	Async   bool   `yaml:"async"`
}

// Breaker holds circuit breaker configuration guarding warehouse-bound
// engine queries.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Git holds git sync concurrency configuration for the build manager.
type Git struct {
	MaxConcurrent int `yaml:"max_concurrent"`
}

// OTEL holds OpenTelemetry configuration.
type OTEL struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	Insecure    bool    `yaml:"insecure"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Environment holds environment registry loading configuration.
type Environment struct {
	ConfigPath string `yaml:"config_path"` // path to environments.yml
	BaseDir    string `yaml:"base_dir"`    // base dir for resolving relative project_dir/profiles_dir
}

// Query holds query service tuning.
type Query struct {
	TTLSeconds   int64 `yaml:"ttl_seconds"`
	MaxLimit     int   `yaml:"max_limit"`
	AsyncWorkers int   `yaml:"async_workers"`
}

// Build holds build manager tuning.
type Build struct {
	CmdOverride    string `yaml:"cmd_override"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Perf holds perf-span logging configuration.
type Perf struct {
	LogPath string `yaml:"log_path"`
}

// Defaults returns a Config with sensible default values for local
// development.
func Defaults() Config {
	return Config{
		Server: Server{
			Port:       "8080",
			CORSOrigin: "http://localhost:3000",
		},
		Postgres: Postgres{
			DSN:             "",
			MaxConns:        10,
			MinConns:        2,
			MaxConnLifetime: time.Hour,
			MaxConnIdleTime: 10 * time.Minute,
			HealthCheck:     time.Minute,
		},
		NATS: NATS{
			URL: "",
		},
		Logging: Logging{
			Level:   "info",
			Service: "metricqueryd",
			Async:   true,
		},
		Breaker: Breaker{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		},
		Git: Git{
			MaxConcurrent: 5,
		},
		OTEL: OTEL{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			ServiceName: "metricqueryd",
			Insecure:    true,
			SampleRate:  1.0,
		},
		Environment: Environment{
			ConfigPath: "environments.yml",
			BaseDir:    "",
		},
		Query: Query{
			TTLSeconds:   3600,
			MaxLimit:     10000,
			AsyncWorkers: 4,
		},
		Build: Build{
			CmdOverride:    "",
			TimeoutSeconds: 600,
		},
		Perf: Perf{
			LogPath: "/tmp/metricflow-perf.log",
		},
	}
}
