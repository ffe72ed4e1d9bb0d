// Command metricqueryd serves the multi-tenant semantic metric query and
// build API: one process per deployment, one Environment Registry, one
// Engine Provider, one Query Service, and one Build Manager shared across
// every configured project.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	cfhttp "github.com/lightdash/metricqueryd/internal/adapter/http"
	"github.com/lightdash/metricqueryd/internal/adapter/nats"
	"github.com/lightdash/metricqueryd/internal/adapter/otel"
	"github.com/lightdash/metricqueryd/internal/adapter/postgres"
	"github.com/lightdash/metricqueryd/internal/adapter/ristretto"
	"github.com/lightdash/metricqueryd/internal/build"
	"github.com/lightdash/metricqueryd/internal/config"
	domainbuild "github.com/lightdash/metricqueryd/internal/domain/build"
	"github.com/lightdash/metricqueryd/internal/domain/environment"
	domainquery "github.com/lightdash/metricqueryd/internal/domain/query"
	"github.com/lightdash/metricqueryd/internal/engine"
	"github.com/lightdash/metricqueryd/internal/events"
	"github.com/lightdash/metricqueryd/internal/git"
	"github.com/lightdash/metricqueryd/internal/logger"
	"github.com/lightdash/metricqueryd/internal/middleware"
	"github.com/lightdash/metricqueryd/internal/perf"
	"github.com/lightdash/metricqueryd/internal/query"
	"github.com/lightdash/metricqueryd/internal/resilience"
)

const manifestCacheBytes = 64 << 20 // 64 MiB

func main() {
	if err := run(); err != nil {
		slog.Error("metricqueryd exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	boot := slog.New(slog.NewTextHandler(os.Stderr, nil))

	flags, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}
	cfg, yamlPath, err := config.LoadWithCLI(flags)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	holder := config.NewHolder(cfg, yamlPath)

	log, closeLog := logger.New(cfg.Logging)
	defer closeLog.Close()
	slog.SetDefault(log)
	boot.Info("config loaded", "yaml", yamlPath, "port", cfg.Server.Port)

	shutdownTracing, err := otel.InitTracer(otel.OTELConfig{
		Enabled:     cfg.OTEL.Enabled,
		Endpoint:    cfg.OTEL.Endpoint,
		ServiceName: cfg.OTEL.ServiceName,
		Insecure:    cfg.OTEL.Insecure,
		SampleRate:  cfg.OTEL.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(ctx)
	}()

	var metrics *otel.Metrics
	if cfg.OTEL.Enabled {
		metrics, err = otel.NewMetrics()
		if err != nil {
			return fmt.Errorf("init metrics: %w", err)
		}
	}

	registry, err := environment.Load(cfg.Environment.ConfigPath, cfg.Environment.BaseDir)
	if err != nil {
		return fmt.Errorf("load environment registry: %w", err)
	}

	manifestCache, err := ristretto.New(manifestCacheBytes)
	if err != nil {
		return fmt.Errorf("construct manifest cache: %w", err)
	}
	defer manifestCache.Close()

	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	gitPool := git.NewPool(cfg.Git.MaxConcurrent)
	perfLog := perf.NewLogger(cfg.Perf.LogPath)
	engineProvider := engine.NewProvider(registry, engine.DefaultAdapterFactory, manifestCache)

	publisher, closePublisher, err := wireEventSinks(context.Background(), cfg, breaker)
	if err != nil {
		return fmt.Errorf("wire event sinks: %w", err)
	}
	defer closePublisher()

	buildStore := domainbuild.NewStore()
	buildManager := build.NewManager(registry, buildStore, engineProvider, gitPool,
		build.WithEvents(publisher),
		build.WithPerfLog(perfLog),
		build.WithMetrics(metrics),
		build.WithLogger(log),
		build.WithCmdOverride(cfg.Build.CmdOverride),
		build.WithTimeout(time.Duration(cfg.Build.TimeoutSeconds)*time.Second),
	)

	queryStore := domainquery.NewStore(time.Duration(cfg.Query.TTLSeconds) * time.Second)
	queryService := query.NewService(registry, engineProvider, queryStore, breaker,
		query.WithEvents(publisher),
		query.WithPerfLog(perfLog),
		query.WithMetrics(metrics),
		query.WithLogger(log),
		query.WithMaxLimit(cfg.Query.MaxLimit),
		query.WithAsyncWorkers(cfg.Query.AsyncWorkers),
	)

	handlers := &cfhttp.Handlers{Query: queryService, Build: buildManager}
	router := newRouter(registry, holder, handlers)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		boot.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	go watchReloadSignal(registry, holder, cfg.Environment.ConfigPath, cfg.Environment.BaseDir, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		boot.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// wireEventSinks builds the Query Service/Build Manager's shared
// best-effort publisher: NATS when NATS_URL is set, a Postgres Recorder
// when postgres.dsn is set, fanned out so either, both, or neither can
// be configured without the services needing to know which.
func wireEventSinks(ctx context.Context, cfg *config.Config, breaker *resilience.Breaker) (events.Publisher, func(), error) {
	var sinks []events.Publisher
	closers := []func(){}

	if cfg.NATS.URL != "" {
		queue, err := nats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return nil, func() {}, fmt.Errorf("connect nats: %w", err)
		}
		queue.SetBreaker(breaker)
		sinks = append(sinks, queue)
		closers = append(closers, func() { _ = queue.Drain(); _ = queue.Close() })
	}

	if cfg.Postgres.DSN != "" {
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return nil, func() {}, fmt.Errorf("run migrations: %w", err)
		}
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, func() {}, fmt.Errorf("connect postgres: %w", err)
		}
		sinks = append(sinks, postgres.NewRecorder(pool))
		closers = append(closers, pool.Close)
	}

	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	return events.NewFanout(sinks...), closeAll, nil
}

func newRouter(registry *environment.Registry, holder *config.ConfigHolder, handlers *cfhttp.Handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(cfhttp.SecurityHeaders)
	r.Use(cfhttp.CORS(holder.Get().Server.CORSOrigin))
	r.Use(otel.HTTPMiddleware(holder.Get().OTEL.ServiceName))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Mount("/", cfhttp.ProjectAuthorized(registry, handlers))

	return r
}

// watchReloadSignal re-reads the YAML config and the Environment
// Registry on SIGHUP, so project token/adapter changes don't require a
// restart. The logger and the CORS middleware are built once at startup
// and keep their startup settings across a reload. A failed reload leaves
// both the config and the registry on their previous, known-good values.
func watchReloadSignal(registry *environment.Registry, holder *config.ConfigHolder, envPath, envBaseDir string, log *slog.Logger) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP)
	for range sig {
		if err := holder.Reload(); err != nil {
			log.Error("config reload failed", "error", err)
		} else {
			log.Info("config reloaded")
		}
		if err := registry.Reload(envPath, envBaseDir); err != nil {
			log.Error("environment registry reload failed", "error", err)
		} else {
			log.Info("environment registry reloaded")
		}
	}
}
