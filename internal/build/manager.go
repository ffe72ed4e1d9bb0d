// Package build implements the Build Manager: it serializes rebuilds per
// project, syncs source from git, runs the project's compile pipeline,
// and asks the Engine Provider to install the freshly compiled manifest.
package build

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	mqotel "github.com/lightdash/metricqueryd/internal/adapter/otel"
	"github.com/lightdash/metricqueryd/internal/apierror"
	"github.com/lightdash/metricqueryd/internal/domain/build"
	"github.com/lightdash/metricqueryd/internal/domain/environment"
	"github.com/lightdash/metricqueryd/internal/domain/semantic"
	"github.com/lightdash/metricqueryd/internal/git"
	"github.com/lightdash/metricqueryd/internal/perf"
)

const (
	buildCmdHintFile   = ".metricflow_build_cmd"
	logTailLines       = 200
	concurrentBuildMsg = "Another build is running for this project"
)

// EventPublisher is the narrow slice of a message queue the Build
// Manager needs: a best-effort, fire-and-forget publish. A nil
// EventPublisher (or one backed by an unconfigured NATS_URL) makes event
// publishing a no-op.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// EngineRebuilder is the slice of the Engine Provider the Build Manager
// drives after a successful compile. *engine.Provider satisfies this.
type EngineRebuilder interface {
	RebuildEngine(ctx context.Context, projectID string, force bool) (semantic.Engine, error)
}

// Manager serializes builds per project and drives the full build
// protocol: create PENDING record, acquire the project's non-blocking
// lock, sync source, compile, capture HEAD, rebuild the engine, record
// the outcome.
type Manager struct {
	registry *environment.Registry
	store    *build.Store
	engines  EngineRebuilder
	gitPool  *git.Pool
	events   EventPublisher
	perfLog  *perf.Logger
	metrics  *mqotel.Metrics
	log      *slog.Logger

	cmdOverride string
	timeout     time.Duration

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithEvents attaches a best-effort event publisher.
func WithEvents(p EventPublisher) Option {
	return func(m *Manager) { m.events = p }
}

// WithPerfLog attaches the perf span logger.
func WithPerfLog(p *perf.Logger) Option {
	return func(m *Manager) { m.perfLog = p }
}

// WithMetrics attaches the OTel metric instruments.
func WithMetrics(mm *mqotel.Metrics) Option {
	return func(m *Manager) { m.metrics = mm }
}

// WithLogger overrides the default slog.Default() logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithCmdOverride sets METRICFLOW_BUILD_CMD's value: when non-empty it
// always wins over both the default two-stage pipeline and any on-disk
// .metricflow_build_cmd hint.
func WithCmdOverride(cmd string) Option {
	return func(m *Manager) { m.cmdOverride = cmd }
}

// WithTimeout sets the compile step's absolute timeout.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// NewManager constructs a Manager. Default compile timeout is 600s,
// matching METRICFLOW_BUILD_TIMEOUT's documented default.
func NewManager(registry *environment.Registry, store *build.Store, engines EngineRebuilder, gitPool *git.Pool, opts ...Option) *Manager {
	m := &Manager{
		registry: registry,
		store:    store,
		engines:  engines,
		gitPool:  gitPool,
		timeout:  600 * time.Second,
		log:      slog.Default(),
		locks:    map[string]*sync.Mutex{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// lockFor returns the per-project lock, allocating it under locksMu on
// first use. Lock objects are never removed, so a racing TriggerBuild
// can never acquire a fresh lock for a project another goroutine
// already holds an in-flight lock object for.
func (m *Manager) lockFor(projectID string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[projectID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[projectID] = l
	}
	return l
}

// TriggerBuild creates a PENDING BuildRecord and spawns one worker
// goroutine to run the build asynchronously, returning the new build ID
// immediately. gitRef, when empty, resolves to the project's configured
// default ref once the worker starts.
func (m *Manager) TriggerBuild(ctx context.Context, projectID string, gitRef string, forceRecompile bool) (string, error) {
	if _, err := m.registry.Get(projectID); err != nil {
		return "", err
	}

	buildID := uuid.NewString()
	record := &build.Record{
		BuildID:   buildID,
		ProjectID: projectID,
		Status:    build.StatusPending,
	}
	if gitRef != "" {
		record.GitRef = &gitRef
	}
	m.store.Set(record)
	m.publishStatus(ctx, projectID, record)

	go m.run(buildID, projectID, gitRef, forceRecompile)

	return buildID, nil
}

// GetBuildStatus returns the record for buildID, or CONFIG_NOT_FOUND
// if absent.
func (m *Manager) GetBuildStatus(buildID string) (*build.Record, error) {
	record := m.store.Get(buildID)
	if record == nil {
		return nil, apierror.Newf(apierror.CodeConfigNotFound, "build %s not found", buildID)
	}
	return record, nil
}

// run is the worker body. It never lets an error escape: every failure
// mode transitions the record to FAILED with a message and log tail.
func (m *Manager) run(buildID, projectID, gitRef string, forceRecompile bool) {
	ctx := context.Background()
	lock := m.lockFor(projectID)
	if !lock.TryLock() {
		m.fail(ctx, buildID, projectID, concurrentBuildMsg, "")
		return
	}
	defer lock.Unlock()

	var span *perf.Span
	if m.perfLog != nil {
		span = m.perfLog.Start("build", map[string]any{"projectId": projectID, "buildId": buildID})
	}
	defer func() {
		if span != nil {
			span.Finish(nil)
		}
	}()

	env, err := m.registry.Get(projectID)
	if err != nil {
		m.fail(ctx, buildID, projectID, err.Error(), "")
		return
	}

	effectiveRef := gitRef
	if effectiveRef == "" {
		effectiveRef = env.DefaultRef
	}

	ctx, otelSpan := mqotel.StartBuildSpan(ctx, buildID, projectID, effectiveRef)
	defer otelSpan.End()
	start := time.Now()
	m.countStarted(ctx, projectID)

	record := m.store.Update(buildID, func(r *build.Record) {
		r.Status = build.StatusRunning
		now := time.Now().UTC()
		r.StartedAt = &now
		if effectiveRef != "" {
			r.GitRef = &effectiveRef
		}
	})
	m.publishStatus(ctx, projectID, record)

	logTail, err := m.syncSource(ctx, env, effectiveRef)
	if err != nil {
		m.countFinished(ctx, projectID, start, false)
		m.fail(ctx, buildID, projectID, err.Error(), logTail)
		return
	}

	compileOutput, err := m.compile(ctx, env)
	logTail = tailLines(compileOutput, logTailLines)
	if err != nil {
		m.countFinished(ctx, projectID, start, false)
		m.fail(ctx, buildID, projectID, err.Error(), logTail)
		return
	}

	commit := m.headCommit(ctx, env)

	if _, err := m.engines.RebuildEngine(ctx, projectID, forceRecompile); err != nil {
		m.countFinished(ctx, projectID, start, false)
		m.fail(ctx, buildID, projectID, fmt.Sprintf("engine rebuild failed: %v", err), logTail)
		return
	}

	m.countFinished(ctx, projectID, start, true)
	m.succeed(ctx, buildID, projectID, commit, logTail)
}

func (m *Manager) countStarted(ctx context.Context, projectID string) {
	if m.metrics == nil {
		return
	}
	m.metrics.BuildsStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("project.id", projectID),
	))
}

func (m *Manager) countFinished(ctx context.Context, projectID string, start time.Time, ok bool) {
	if m.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("project.id", projectID))
	if ok {
		m.metrics.BuildsCompleted.Add(ctx, 1, attrs)
	} else {
		m.metrics.BuildsFailed.Add(ctx, 1, attrs)
	}
	m.metrics.BuildDuration.Record(ctx, time.Since(start).Seconds(), attrs)
}

func (m *Manager) fail(ctx context.Context, buildID, projectID, message, logTail string) {
	record := m.store.Update(buildID, func(r *build.Record) {
		r.Status = build.StatusFailed
		now := time.Now().UTC()
		r.FinishedAt = &now
		r.Errors = append(r.Errors, message)
		if logTail != "" {
			r.LogTail = &logTail
		}
	})
	if record == nil {
		return
	}
	m.log.Error("build failed", "buildId", buildID, "projectId", projectID, "error", message)
	m.publishStatus(ctx, projectID, record)
}

func (m *Manager) succeed(ctx context.Context, buildID, projectID string, commit, logTail string) {
	record := m.store.Update(buildID, func(r *build.Record) {
		r.Status = build.StatusSucceeded
		now := time.Now().UTC()
		r.FinishedAt = &now
		r.Errors = nil
		r.Warnings = nil
		if commit != "" {
			c := commit
			r.Commit = &c
		}
		if logTail != "" {
			lt := logTail
			r.LogTail = &lt
		}
	})
	if record == nil {
		return
	}
	m.log.Info("build succeeded", "buildId", buildID, "projectId", projectID, "commit", commit)
	m.publishStatus(ctx, projectID, record)
}

func (m *Manager) publishStatus(ctx context.Context, projectID string, record *build.Record) {
	if m.events == nil || record == nil {
		return
	}
	payload, err := marshalBuildEvent(record)
	if err != nil {
		return
	}
	subject := fmt.Sprintf("builds.%s.status", projectID)
	if err := m.events.Publish(ctx, subject, payload); err != nil {
		m.log.Debug("build event publish failed", "error", err, "subject", subject)
	}
}

// syncSource ensures the project's working tree exists at ref: clones
// when absent (requires RepoURL configured), otherwise fetches, checks
// out, hard-resets to origin/<ref>, and cleans. An empty ref falls back
// to a plain pull, since "no ref resolved" is distinct from "ref doesn't
// exist on the remote" (the latter surfaces as a git failure).
func (m *Manager) syncSource(ctx context.Context, env environment.Config, ref string) (string, error) {
	var output bytes.Buffer

	_, statErr := os.Stat(filepath.Join(env.ProjectDir, ".git"))
	exists := statErr == nil

	run := func(args ...string) error {
		return m.gitPool.Run(ctx, func() error {
			out, err := runGit(ctx, env.ProjectDir, args...)
			output.WriteString(out)
			if err != nil {
				return err
			}
			return nil
		})
	}

	if !exists {
		if env.RepoURL == "" {
			return output.String(), fmt.Errorf("project has no working tree and no repo_url configured")
		}
		if err := os.MkdirAll(filepath.Dir(env.ProjectDir), 0o755); err != nil {
			return output.String(), fmt.Errorf("create project dir: %w", err)
		}
		args := []string{"clone"}
		if ref != "" {
			args = append(args, "--branch", ref)
		}
		args = append(args, env.RepoURL, env.ProjectDir)
		if err := m.gitPool.Run(ctx, func() error {
			out, err := runGit(ctx, "", args...)
			output.WriteString(out)
			return err
		}); err != nil {
			return output.String(), fmt.Errorf("git clone: %w", err)
		}
		return output.String(), nil
	}

	if err := run("fetch", "--all"); err != nil {
		return output.String(), fmt.Errorf("git fetch: %w", err)
	}

	if ref == "" {
		if err := run("pull"); err != nil {
			return output.String(), fmt.Errorf("git pull: %w", err)
		}
		return output.String(), nil
	}

	if err := run("checkout", ref); err != nil {
		return output.String(), fmt.Errorf("git checkout %s: %w", ref, err)
	}
	if err := run("reset", "--hard", "origin/"+ref); err != nil {
		return output.String(), fmt.Errorf("git reset: %w", err)
	}
	if err := run("clean", "-fd"); err != nil {
		return output.String(), fmt.Errorf("git clean: %w", err)
	}
	return output.String(), nil
}

// compile runs the project's compile command pipeline with an absolute
// timeout, returning the combined stdout/stderr of every stage run
// (including the stage that failed, if any).
func (m *Manager) compile(ctx context.Context, env environment.Config) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	stages := m.compileStages(env.ProjectDir)
	var output bytes.Buffer
	for _, stage := range stages {
		if len(stage) == 0 {
			continue
		}
		cmd := exec.CommandContext(ctx, stage[0], stage[1:]...)
		cmd.Dir = env.ProjectDir
		var combined bytes.Buffer
		cmd.Stdout = &combined
		cmd.Stderr = &combined
		err := cmd.Run()
		output.Write(combined.Bytes())
		output.WriteString("\n")
		if ctx.Err() == context.DeadlineExceeded {
			return output.String(), fmt.Errorf("compile timed out after %s", m.timeout)
		}
		if err != nil {
			return output.String(), fmt.Errorf("compile stage %q failed: %w", strings.Join(stage, " "), err)
		}
	}
	return output.String(), nil
}

// compileStages resolves the compile pipeline: METRICFLOW_BUILD_CMD
// always wins (single stage, whitespace tokenized); else an on-disk
// .metricflow_build_cmd hint in the project directory (also single
// stage); else the default two-stage deps+build.
func (m *Manager) compileStages(projectDir string) [][]string {
	if m.cmdOverride != "" {
		return [][]string{strings.Fields(m.cmdOverride)}
	}

	hintPath := filepath.Join(projectDir, buildCmdHintFile)
	if data, err := os.ReadFile(hintPath); err == nil {
		trimmed := strings.TrimSpace(string(data))
		if trimmed != "" {
			return [][]string{strings.Fields(trimmed)}
		}
	}

	return [][]string{
		{"dbt", "deps"},
		{"dbt", "build"},
	}
}

// headCommit returns the working tree's current HEAD commit hash, or
// "" if it cannot be determined. All errors here are swallowed: a build
// can still reach SUCCEEDED with no recorded commit.
func (m *Manager) headCommit(ctx context.Context, env environment.Config) string {
	var commit string
	_ = m.gitPool.Run(ctx, func() error {
		out, err := runGit(ctx, env.ProjectDir, "rev-parse", "HEAD")
		if err != nil {
			return err
		}
		commit = strings.TrimSpace(out)
		return nil
	})
	return commit
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined
	err := cmd.Run()
	return combined.String(), err
}

// tailLines returns the last n lines of s.
func tailLines(s string, n int) string {
	if s == "" {
		return ""
	}
	scanner := bufio.NewScanner(strings.NewReader(s))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) <= n {
		return strings.Join(lines, "\n")
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}

func marshalBuildEvent(r *build.Record) ([]byte, error) {
	return json.Marshal(r.ToDTO())
}
