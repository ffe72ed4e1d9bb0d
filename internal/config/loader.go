package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "metricqueryd.yaml"

// CLIFlags holds command-line flag values. Nil pointers indicate unset flags
// that should not override the config. Use ParseFlags to populate this struct.
type CLIFlags struct {
	ConfigPath *string
	Port       *string
	LogLevel   *string
	DSN        *string
	NatsURL    *string
}

// ParseFlags parses command-line arguments into CLIFlags.
// Call this before Load/LoadWithCLI. Passing nil args parses os.Args[1:].
func ParseFlags(args []string) (CLIFlags, error) {
	var flags CLIFlags
	if args == nil {
		args = os.Args[1:]
	}

	fs := flag.NewFlagSet("metricqueryd", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	fs.StringVar(configPath, "c", "", "path to YAML config file (shorthand)")
	port := fs.String("port", "", "HTTP server port")
	fs.StringVar(port, "p", "", "HTTP server port (shorthand)")
	logLevel := fs.String("log-level", "", "logging level (debug, info, warn, error)")
	dsn := fs.String("dsn", "", "PostgreSQL connection string for query/build persistence")
	natsURL := fs.String("nats-url", "", "NATS server URL for best-effort event publishing")

	if err := fs.Parse(args); err != nil {
		return flags, fmt.Errorf("parse flags: %w", err)
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "config", "c":
			flags.ConfigPath = configPath
		case "port", "p":
			flags.Port = port
		case "log-level":
			flags.LogLevel = logLevel
		case "dsn":
			flags.DSN = dsn
		case "nats-url":
			flags.NatsURL = natsURL
		}
	})

	return flags, nil
}

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadWithCLI returns a Config using the full hierarchy:
// defaults < YAML < ENV < CLI flags. The YAML path can be overridden
// via CLIFlags.ConfigPath.
func LoadWithCLI(flags CLIFlags) (*Config, string, error) {
	yamlPath := DefaultConfigFile
	if flags.ConfigPath != nil {
		yamlPath = *flags.ConfigPath
	}

	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, "", fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)
	applyCLI(&cfg, flags)

	if err := validate(&cfg); err != nil {
		return nil, "", fmt.Errorf("config validate: %w", err)
	}

	return &cfg, yamlPath, nil
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// applyCLI overlays CLI flag values onto cfg. Only non-nil flags override.
func applyCLI(cfg *Config, flags CLIFlags) {
	if flags.Port != nil {
		cfg.Server.Port = *flags.Port
	}
	if flags.LogLevel != nil {
		cfg.Logging.Level = *flags.LogLevel
	}
	if flags.DSN != nil {
		cfg.Postgres.DSN = *flags.DSN
	}
	if flags.NatsURL != nil {
		cfg.NATS.URL = *flags.NatsURL
	}
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "SERVER_PORT")
	setString(&cfg.Server.CORSOrigin, "SERVER_CORS_ORIGIN")

	setString(&cfg.Postgres.DSN, "QUERY_STORE_DSN")
	setInt32(&cfg.Postgres.MaxConns, "POSTGRES_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "POSTGRES_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "POSTGRES_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "POSTGRES_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "POSTGRES_HEALTH_CHECK")

	setString(&cfg.NATS.URL, "NATS_URL")

	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Logging.Service, "LOG_SERVICE")
	setBool(&cfg.Logging.Async, "LOG_ASYNC")

	setInt(&cfg.Breaker.MaxFailures, "BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "BREAKER_TIMEOUT")

	setInt(&cfg.Git.MaxConcurrent, "GIT_MAX_CONCURRENT")

	setBool(&cfg.OTEL.Enabled, "OTEL_ENABLED")
	setString(&cfg.OTEL.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&cfg.OTEL.ServiceName, "OTEL_SERVICE_NAME")
	setBool(&cfg.OTEL.Insecure, "OTEL_INSECURE")
	setFloat64(&cfg.OTEL.SampleRate, "OTEL_SAMPLE_RATE")

	setString(&cfg.Environment.ConfigPath, "ENVIRONMENTS_CONFIG")
	setString(&cfg.Environment.BaseDir, "ENVIRONMENTS_BASE_DIR")

	setInt64(&cfg.Query.TTLSeconds, "QUERY_TTL_SECONDS")
	setInt(&cfg.Query.MaxLimit, "QUERY_MAX_LIMIT")
	setInt(&cfg.Query.AsyncWorkers, "QUERY_ASYNC_WORKERS")

	setString(&cfg.Build.CmdOverride, "METRICFLOW_BUILD_CMD")
	setInt(&cfg.Build.TimeoutSeconds, "METRICFLOW_BUILD_TIMEOUT")

	setString(&cfg.Perf.LogPath, "METRICFLOW_PERF_LOG_PATH")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Query.AsyncWorkers < 1 {
		return errors.New("query.async_workers must be >= 1")
	}
	if cfg.Query.TTLSeconds < 1 {
		return errors.New("query.ttl_seconds must be >= 1")
	}
	if cfg.Build.TimeoutSeconds < 1 {
		return errors.New("build.timeout_seconds must be >= 1")
	}
	if cfg.Git.MaxConcurrent < 1 {
		return errors.New("git.max_concurrent must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
