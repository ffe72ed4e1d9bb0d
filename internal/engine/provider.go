// Package engine implements the Engine Provider: a per-project cache of
// constructed semantic.Engine instances, built lazily and rebuilt on
// demand after a build completes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightdash/metricqueryd/internal/domain/environment"
	"github.com/lightdash/metricqueryd/internal/domain/semantic"
	"github.com/lightdash/metricqueryd/internal/port/cache"
	"github.com/lightdash/metricqueryd/internal/warehouse"
)

// AdapterFactory builds the semantic.Adapter a project's engine runs
// queries through, plus a cleanup func to release it (e.g. close a pool)
// when the engine is evicted or rebuilt.
type AdapterFactory func(ctx context.Context, env environment.Config) (semantic.Adapter, func(), error)

// DefaultAdapterFactory dials a Postgres pool when env carries a
// warehouse DSN for a postgres-type project; any other adapter type (or
// a postgres project with no DSN configured) gets a NoopAdapter that
// still reports its Type() for the SQL Normalizer but can't execute.
func DefaultAdapterFactory(ctx context.Context, env environment.Config) (semantic.Adapter, func(), error) {
	if env.AdapterType == "postgres" && env.WarehouseDSN != "" {
		pool, err := warehouse.NewPostgresPool(ctx, env.WarehouseDSN)
		if err != nil {
			return nil, nil, err
		}
		return warehouse.NewPostgresAdapter(pool, env.DatabaseName), pool.Close, nil
	}
	return &warehouse.NoopAdapter{AdapterType: env.AdapterType, Database: env.DatabaseName}, func() {}, nil
}

type entry struct {
	engine  semantic.Engine
	cleanup func()
}

// Provider lazily constructs and caches one semantic.Engine per project.
// The cache is a copy-on-write map behind an atomic pointer: reads never
// block, and every insertion replaces the pointer wholesale under mu
// (double-checked locking).
type Provider struct {
	registry       *environment.Registry
	adapterFactory AdapterFactory
	manifestCache  cache.Cache
	manifestTTL    time.Duration

	mu    sync.Mutex
	cache atomic.Pointer[map[string]*entry]
}

// NewProvider constructs a Provider. manifestCache may be nil, in which
// case manifest bytes are always re-read from disk.
func NewProvider(registry *environment.Registry, adapterFactory AdapterFactory, manifestCache cache.Cache) *Provider {
	if adapterFactory == nil {
		adapterFactory = DefaultAdapterFactory
	}
	empty := map[string]*entry{}
	p := &Provider{registry: registry, adapterFactory: adapterFactory, manifestCache: manifestCache, manifestTTL: time.Hour}
	p.cache.Store(&empty)
	return p
}

// GetEngine returns the cached engine for projectID, constructing it on
// first use.
func (p *Provider) GetEngine(ctx context.Context, projectID string) (semantic.Engine, error) {
	if cached := p.lookup(projectID); cached != nil {
		return cached.engine, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if cached := p.lookup(projectID); cached != nil {
		return cached.engine, nil
	}

	env, err := p.registry.Get(projectID)
	if err != nil {
		return nil, err
	}

	built, err := p.build(ctx, env)
	if err != nil {
		return nil, err
	}

	p.install(projectID, built)
	return built.engine, nil
}

// RebuildEngine evicts and reconstructs projectID's engine, unless one is
// already cached and force is false — matching rebuild_engine's
// "return cached unless forced" semantics.
func (p *Provider) RebuildEngine(ctx context.Context, projectID string, force bool) (semantic.Engine, error) {
	env, err := p.registry.Get(projectID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	existing := p.lookup(projectID)
	if existing != nil && !force {
		return existing.engine, nil
	}

	built, err := p.build(ctx, env)
	if err != nil {
		return nil, err
	}

	// Install before releasing the old adapter: a failed build above
	// leaves the previous entry serving requests untouched, and a
	// successful one only tears down the old adapter once the new
	// engine is live.
	p.install(projectID, built)
	if existing != nil && existing.cleanup != nil {
		existing.cleanup()
	}
	return built.engine, nil
}

func (p *Provider) lookup(projectID string) *entry {
	m := p.cache.Load()
	if m == nil {
		return nil
	}
	return (*m)[projectID]
}

// install must be called with mu held: it swaps in a new map with
// projectID set, leaving the old map (and any concurrent lock-free
// readers holding it) untouched.
func (p *Provider) install(projectID string, e *entry) {
	old := p.cache.Load()
	next := make(map[string]*entry, len(*old)+1)
	for k, v := range *old {
		next[k] = v
	}
	next[projectID] = e
	p.cache.Store(&next)
}

// build constructs one project's engine: load (or fall back to an
// artifact-derived) manifest, then build the warehouse adapter.
// Construction releases any partially-built adapter on failure —
// installation into the cache only happens after build succeeds in full.
func (p *Provider) build(ctx context.Context, env environment.Config) (*entry, error) {
	manifest, err := p.loadManifest(ctx, env)
	if err != nil {
		return nil, err
	}

	adapter, cleanup, err := p.adapterFactory(ctx, env)
	if err != nil {
		return nil, &semantic.EngineInitError{Message: "adapter construction failed", Cause: err}
	}

	return &entry{engine: semantic.NewEngine(manifest, adapter), cleanup: cleanup}, nil
}

// loadManifest reads the project's on-disk manifest, falling back to an
// artifact-derived manifest path (a prior build's generated output) when
// the configured path is absent.
func (p *Provider) loadManifest(ctx context.Context, env environment.Config) (*semantic.Manifest, error) {
	data, err := p.readManifestBytes(ctx, env.ProjectID, env.SemanticManifestPath)
	if err == nil {
		return semantic.ParseManifest(data)
	}

	var notFound *semantic.ManifestNotFoundError
	if !errors.As(err, &notFound) {
		return nil, err
	}

	fallbackPath := artifactManifestPath(env.ProjectDir)
	if fallbackPath == env.SemanticManifestPath {
		return nil, err
	}
	data, fallbackErr := p.readManifestBytes(ctx, env.ProjectID, fallbackPath)
	if fallbackErr != nil {
		return nil, err
	}
	return semantic.ParseManifest(data)
}

// readManifestBytes fronts the on-disk manifest with the byte cache
// keyed by project, path, and mtime, so a rebuilt manifest on disk is
// never served stale: the key itself changes the moment the file does.
func (p *Provider) readManifestBytes(ctx context.Context, projectID, path string) ([]byte, error) {
	info, statErr := os.Stat(path)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return nil, &semantic.ManifestNotFoundError{Path: path}
		}
		return nil, &semantic.ManifestInvalidError{Cause: statErr}
	}
	key := manifestCacheKey(projectID, path, info.ModTime())

	if p.manifestCache != nil {
		if cached, ok, err := p.manifestCache.Get(ctx, key); err == nil && ok {
			return cached, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &semantic.ManifestNotFoundError{Path: path}
		}
		return nil, &semantic.ManifestInvalidError{Cause: err}
	}

	if p.manifestCache != nil {
		_ = p.manifestCache.Set(ctx, key, data, p.manifestTTL)
	}
	return data, nil
}

func manifestCacheKey(projectID, path string, mtime time.Time) string {
	return fmt.Sprintf("%s:%s:%d", projectID, path, mtime.UnixNano())
}

func artifactManifestPath(projectDir string) string {
	if projectDir == "" {
		return ""
	}
	return filepath.Join(projectDir, "target", "semantic_manifest.json")
}
