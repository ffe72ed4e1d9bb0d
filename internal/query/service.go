// Package query implements the Query Service: it prepares (normalizes
// and validates) a metric query, executes it synchronously or through a
// bounded async worker pool, stores and serves its result, and maps
// engine failures onto the closed ErrorCode taxonomy.
package query

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	mqotel "github.com/lightdash/metricqueryd/internal/adapter/otel"
	"github.com/lightdash/metricqueryd/internal/apierror"
	"github.com/lightdash/metricqueryd/internal/domain/environment"
	"github.com/lightdash/metricqueryd/internal/domain/filter"
	domainquery "github.com/lightdash/metricqueryd/internal/domain/query"
	"github.com/lightdash/metricqueryd/internal/domain/semantic"
	"github.com/lightdash/metricqueryd/internal/perf"
	"github.com/lightdash/metricqueryd/internal/resilience"
	"github.com/lightdash/metricqueryd/internal/sqlnorm"
)

// EnvironmentResolver is the slice of the Environment Registry the
// Query Service needs to resolve a project's adapter type/database name
// for SQL normalization.
type EnvironmentResolver interface {
	Get(projectID string) (environment.Config, error)
}

// EngineProvider is the slice of the Engine Provider the Query Service
// drives to prepare and execute requests.
type EngineProvider interface {
	GetEngine(ctx context.Context, projectID string) (semantic.Engine, error)
}

// EventPublisher is a best-effort, fire-and-forget publish used to
// surface query completion events. A nil EventPublisher makes
// publishing a no-op.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// ValidationError is one entry of ValidateQuery's error list, mirroring
// apierror.EnvelopeError's shape.
type ValidationError struct {
	Code    apierror.Code  `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ValidationResult is ValidateQuery's response shape: an empty Errors
// list means the request would have prepared cleanly.
type ValidationResult struct {
	Errors   []ValidationError `json:"errors"`
	Warnings []string          `json:"warnings"`
}

// Service implements create_query/get_query_result/compile_sql/
// validate_query/get_dimension_values.
type Service struct {
	registry EnvironmentResolver
	engines  EngineProvider
	store    *domainquery.Store
	breaker  *resilience.Breaker
	events   EventPublisher
	perfLog  *perf.Logger
	metrics  *mqotel.Metrics
	log      *slog.Logger

	maxLimit int
	asyncSem *semaphore.Weighted
}

// Option configures a Service at construction time.
type Option func(*Service)

func WithEvents(p EventPublisher) Option { return func(s *Service) { s.events = p } }

func WithPerfLog(p *perf.Logger) Option { return func(s *Service) { s.perfLog = p } }

func WithMetrics(m *mqotel.Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

// WithMaxLimit overrides QUERY_MAX_LIMIT's default of 10,000.
func WithMaxLimit(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxLimit = n
		}
	}
}

// WithAsyncWorkers overrides QUERY_ASYNC_WORKERS's default of 4.
func WithAsyncWorkers(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.asyncSem = semaphore.NewWeighted(int64(n))
		}
	}
}

// NewService constructs a Service. breaker guards every engine.Query/
// Explain/DimensionValues call, so a misbehaving warehouse sheds load
// instead of tying up every worker.
func NewService(registry EnvironmentResolver, engines EngineProvider, store *domainquery.Store, breaker *resilience.Breaker, opts ...Option) *Service {
	s := &Service{
		registry: registry,
		engines:  engines,
		store:    store,
		breaker:  breaker,
		maxLimit: 10000,
		asyncSem: semaphore.NewWeighted(4),
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// preparedQuery is the result of normalizing and validating a raw
// request into an engine-facing semantic.QueryRequest.
type preparedQuery struct {
	req               semantic.QueryRequest
	normalizedGroupBy []string
	normalizedOrderBy []string
	normalizedLimit   *int
}

// prepare normalizes group_by/order_by names, clamps the limit, and
// compiles the filter tree — the single preparation path every public
// operation (create_query, compile_sql, validate_query) shares, so
// errors surface identically (and synchronously) from all three.
func (s *Service) prepare(
	ctx context.Context,
	requestID, projectID string,
	metrics []domainquery.MetricInput,
	groupBy []domainquery.GroupByInput,
	filters *filter.Filters,
	orderBy []domainquery.OrderByInput,
	limit *int,
) (*preparedQuery, environment.Config, semantic.Engine, error) {
	env, err := s.registry.Get(projectID)
	if err != nil {
		return nil, environment.Config{}, nil, err
	}

	eng, err := s.engines.GetEngine(ctx, projectID)
	if err != nil {
		return nil, env, nil, err
	}

	groupByNames := make([]string, len(groupBy))
	for i, gb := range groupBy {
		groupByNames[i] = domainquery.NormalizeGroupBy(gb)
	}

	where, err := filter.Compile(filters, groupByNames, eng.EntityNames())
	if err != nil {
		return nil, env, eng, err
	}

	orderByNames := make([]string, len(orderBy))
	for i, ob := range orderBy {
		name, err := domainquery.NormalizeOrderBy(ob)
		if err != nil {
			return nil, env, eng, err
		}
		orderByNames[i] = name
	}

	clampedLimit := domainquery.ClampLimit(limit, s.maxLimit)

	metricInputs := make([]semantic.MetricInput, len(metrics))
	for i, m := range metrics {
		metricInputs[i] = semantic.MetricInput{Name: m.Name}
	}
	groupByInputs := make([]semantic.GroupByInput, len(groupByNames))
	for i, name := range groupByNames {
		groupByInputs[i] = semantic.GroupByInput{Name: name}
	}

	req := semantic.QueryRequest{
		RequestID: requestID,
		Metrics:   metricInputs,
		GroupBy:   groupByInputs,
		Where:     where,
		OrderBy:   orderByNames,
		Limit:     clampedLimit,
	}

	return &preparedQuery{
		req:               req,
		normalizedGroupBy: groupByNames,
		normalizedOrderBy: orderByNames,
		normalizedLimit:   clampedLimit,
	}, env, eng, nil
}

// CreateQuery allocates a query ID, prepares the request (so
// preparation errors surface synchronously even for an async run),
// stores the initial record, and either dispatches to the bounded async
// worker pool or executes inline.
func (s *Service) CreateQuery(
	ctx context.Context,
	projectID string,
	metrics []domainquery.MetricInput,
	groupBy []domainquery.GroupByInput,
	filters *filter.Filters,
	orderBy []domainquery.OrderByInput,
	limit *int,
	asyncRun bool,
) (string, error) {
	queryID := uuid.NewString()

	prepared, env, eng, err := s.prepare(ctx, queryID, projectID, metrics, groupBy, filters, orderBy, limit)
	if err != nil {
		return "", mapConstructionError(err)
	}

	status := domainquery.StatusRunning
	if asyncRun {
		status = domainquery.StatusPending
	}

	stored := &domainquery.StoredQuery{
		QueryID:        queryID,
		ProjectID:      projectID,
		Status:         status,
		CreatedAt:      time.Now().UTC(),
		RequestPayload: requestPayload(prepared),
	}
	s.store.Set(stored)
	s.publishQueryStatus(ctx, projectID, stored)

	if asyncRun {
		go s.runAsync(queryID, projectID, eng, prepared)
		return queryID, nil
	}

	if err := s.runSync(ctx, queryID, projectID, eng, prepared); err != nil {
		return "", err
	}
	_ = env // adapter type/database name only needed by CompileSQL's normalizer
	return queryID, nil
}

// runSync executes prepared against eng inline, updating the stored
// record to its terminal state and returning the mapped error (if any)
// so it propagates to CreateQuery's caller.
func (s *Service) runSync(ctx context.Context, queryID, projectID string, eng semantic.Engine, prepared *preparedQuery) error {
	span := s.startSpan("query.sync", projectID, queryID)
	defer span.finish()
	ctx, otelSpan := mqotel.StartQuerySpan(ctx, queryID, projectID, "sync")
	defer otelSpan.End()
	start := time.Now()
	s.countQueryStarted(ctx, projectID, "sync")

	var result *semantic.QueryResult
	execErr := s.breaker.Execute(func() error {
		var err error
		result, err = eng.Query(ctx, prepared.req)
		return err
	})
	if execErr != nil {
		mapped := mapExecutionError(execErr, false)
		s.countQueryFinished(ctx, projectID, "sync", start, false)
		s.recordFailure(ctx, queryID, projectID, mapped.Message)
		return mapped
	}

	s.countQueryFinished(ctx, projectID, "sync", start, true)
	s.recordSuccess(ctx, queryID, projectID, result)
	return nil
}

// runAsync mirrors runSync but never lets an error escape the worker:
// failures are captured into the stored record's Error field with
// terminal status FAILED, and clients learn of them via GetQueryResult.
func (s *Service) runAsync(queryID, projectID string, eng semantic.Engine, prepared *preparedQuery) {
	ctx := context.Background()
	_ = s.asyncSem.Acquire(ctx, 1)
	defer s.asyncSem.Release(1)

	s.store.Update(queryID, func(r *domainquery.StoredQuery) {
		r.Status = domainquery.StatusRunning
	})

	span := s.startSpan("query.async", projectID, queryID)
	defer span.finish()
	ctx, otelSpan := mqotel.StartQuerySpan(ctx, queryID, projectID, "async")
	defer otelSpan.End()
	start := time.Now()
	s.countQueryStarted(ctx, projectID, "async")

	var result *semantic.QueryResult
	execErr := s.breaker.Execute(func() error {
		var err error
		result, err = eng.Query(ctx, prepared.req)
		return err
	})
	if execErr != nil {
		mapped := mapExecutionError(execErr, false)
		s.countQueryFinished(ctx, projectID, "async", start, false)
		s.recordFailure(ctx, queryID, projectID, mapped.Message)
		return
	}

	s.countQueryFinished(ctx, projectID, "async", start, true)
	s.recordSuccess(ctx, queryID, projectID, result)
}

func (s *Service) recordFailure(ctx context.Context, queryID, projectID, message string) {
	record := s.store.Update(queryID, func(r *domainquery.StoredQuery) {
		r.Status = domainquery.StatusFailed
		msg := message
		r.Error = &msg
	})
	s.log.Error("query failed", "queryId", queryID, "projectId", projectID, "error", message)
	s.publishQueryStatus(ctx, projectID, record)
}

func (s *Service) recordSuccess(ctx context.Context, queryID, projectID string, result *semantic.QueryResult) {
	columns, rows := domainquery.EncodeRowsAndColumns(result)
	totalPages := 1
	record := s.store.Update(queryID, func(r *domainquery.StoredQuery) {
		r.Status = domainquery.StatusSuccessful
		r.Columns = columns
		r.Rows = rows
		r.Warnings = result.Warnings
		r.TotalPages = &totalPages
	})
	s.publishQueryStatus(ctx, projectID, record)
}

// GetQueryResult returns queryID's current (possibly non-terminal)
// result, evicting it first if its TTL has elapsed.
func (s *Service) GetQueryResult(projectID, queryID string) (*domainquery.ResultDTO, error) {
	stored, expired := s.store.Get(queryID)
	if expired {
		return nil, apierror.Newf(apierror.CodeQueryExpired, "query %s has expired", queryID)
	}
	if stored == nil || stored.ProjectID != projectID {
		return nil, apierror.Newf(apierror.CodeQueryNotFound, "query %s not found", queryID)
	}
	result := stored.ToResult()
	return &result, nil
}

// CompileSQL runs the same preparation path as CreateQuery, asks the
// engine to Explain (assemble without executing), and normalizes the
// resulting SQL for the project's adapter.
func (s *Service) CompileSQL(
	ctx context.Context,
	projectID string,
	metrics []domainquery.MetricInput,
	groupBy []domainquery.GroupByInput,
	filters *filter.Filters,
	orderBy []domainquery.OrderByInput,
	limit *int,
) (string, error) {
	requestID := uuid.NewString()
	prepared, env, eng, err := s.prepare(ctx, requestID, projectID, metrics, groupBy, filters, orderBy, limit)
	if err != nil {
		return "", mapConstructionError(err)
	}

	span := s.startSpan("query.compile", projectID, requestID)
	defer span.finish()
	ctx, otelSpan := mqotel.StartCompileSpan(ctx, requestID, projectID)
	defer otelSpan.End()

	var sql string
	execErr := s.breaker.Execute(func() error {
		var err error
		sql, err = eng.Explain(ctx, prepared.req)
		return err
	})
	if execErr != nil {
		return "", mapExecutionError(execErr, true)
	}

	normalized := sqlnorm.Normalize(&sql, env.AdapterType, env.DatabaseName)
	if normalized == nil {
		return "", nil
	}
	return *normalized, nil
}

// ValidateQuery runs preparation only, returning its structured errors
// without executing anything.
func (s *Service) ValidateQuery(
	ctx context.Context,
	projectID string,
	metrics []domainquery.MetricInput,
	groupBy []domainquery.GroupByInput,
	filters *filter.Filters,
	orderBy []domainquery.OrderByInput,
	limit *int,
) ValidationResult {
	_, _, _, err := s.prepare(ctx, uuid.NewString(), projectID, metrics, groupBy, filters, orderBy, limit)
	if err == nil {
		return ValidationResult{Errors: []ValidationError{}, Warnings: []string{}}
	}
	mapped := mapConstructionError(err)
	return ValidationResult{
		Errors: []ValidationError{{
			Code:    mapped.Code,
			Message: mapped.Message,
			Details: mapped.Details,
		}},
		Warnings: []string{},
	}
}

// GetDimensionValues passes through to the project's engine, mapping
// errors with the same taxonomy as the other engine-facing operations.
func (s *Service) GetDimensionValues(ctx context.Context, projectID, dimension string, metrics []string, startTime, endTime *string) (*semantic.QueryResult, error) {
	eng, err := s.engines.GetEngine(ctx, projectID)
	if err != nil {
		return nil, mapConstructionError(err)
	}

	var result *semantic.QueryResult
	execErr := s.breaker.Execute(func() error {
		var err error
		result, err = eng.DimensionValues(ctx, dimension, metrics, startTime, endTime)
		return err
	})
	if execErr != nil {
		return nil, mapExecutionError(execErr, false)
	}
	return result, nil
}

func requestPayload(p *preparedQuery) map[string]any {
	payload := map[string]any{
		"groupBy": p.normalizedGroupBy,
		"orderBy": p.normalizedOrderBy,
	}
	if p.normalizedLimit != nil {
		payload["limit"] = *p.normalizedLimit
	}
	return payload
}

// queryStatusEvent carries the query/project identifiers a bare
// ResultDTO omits, so a downstream subscriber (audit log, cache
// invalidation) can key off the event without a second lookup.
type queryStatusEvent struct {
	QueryID   string `json:"queryId"`
	ProjectID string `json:"projectId"`
	domainquery.ResultDTO
}

func (s *Service) publishQueryStatus(ctx context.Context, projectID string, stored *domainquery.StoredQuery) {
	if s.events == nil || stored == nil {
		return
	}
	event := queryStatusEvent{QueryID: stored.QueryID, ProjectID: projectID, ResultDTO: stored.ToResult()}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	subject := "queries." + projectID + ".status"
	if err := s.events.Publish(ctx, subject, payload); err != nil {
		s.log.Debug("query event publish failed", "error", err, "subject", subject)
	}
}

func (s *Service) countQueryStarted(ctx context.Context, projectID, mode string) {
	if s.metrics == nil {
		return
	}
	s.metrics.QueriesStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("project.id", projectID),
		attribute.String("mode", mode),
	))
}

func (s *Service) countQueryFinished(ctx context.Context, projectID, mode string, start time.Time, ok bool) {
	if s.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("project.id", projectID),
		attribute.String("mode", mode),
	)
	if ok {
		s.metrics.QueriesCompleted.Add(ctx, 1, attrs)
	} else {
		s.metrics.QueriesFailed.Add(ctx, 1, attrs)
	}
	s.metrics.QueryDuration.Record(ctx, time.Since(start).Seconds(), attrs)
}

type span struct {
	s     *perf.Span
	extra map[string]any
}

func (s *Service) startSpan(label, projectID, requestID string) span {
	if s.perfLog == nil {
		return span{}
	}
	return span{s: s.perfLog.Start(label, map[string]any{"projectId": projectID, "requestId": requestID})}
}

func (sp span) finish() {
	if sp.s != nil {
		sp.s.Finish(sp.extra)
	}
}

// mapConstructionError converts a preparation-time error (environment
// lookup, engine construction, filter compilation, order_by validation)
// into the closed ErrorCode taxonomy. Errors already in that taxonomy
// (apierror.Error, from the registry, filter compiler, or normalizer)
// pass through unchanged.
func mapConstructionError(err error) *apierror.Error {
	if err == nil {
		return nil
	}
	var apiErr *apierror.Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	var notFound *semantic.ManifestNotFoundError
	if errors.As(err, &notFound) {
		return apierror.New(apierror.CodeManifestNotFound, err.Error())
	}
	var invalid *semantic.ManifestInvalidError
	if errors.As(err, &invalid) {
		return apierror.New(apierror.CodeManifestInvalid, err.Error())
	}
	var initErr *semantic.EngineInitError
	if errors.As(err, &initErr) {
		return apierror.New(apierror.CodeEngineInitFailed, err.Error())
	}
	return apierror.New(apierror.CodeInternal, err.Error())
}

// mapExecutionError converts an engine.Query/Explain/DimensionValues
// failure onto the closed error taxonomy. isCompile selects which of
// the two parallel codes (QUERY_EXECUTION_FAILED vs QUERY_COMPILE_FAILED)
// applies to execution/internal failures and an open circuit breaker.
func mapExecutionError(err error, isCompile bool) *apierror.Error {
	failCode := apierror.CodeQueryExecFailed
	if isCompile {
		failCode = apierror.CodeQueryCompileFailed
	}

	var unknown *semantic.UnknownMetricError
	if errors.As(err, &unknown) {
		if unknown.Kind == "dimension" {
			return apierror.New(apierror.CodeDimensionNotFound, err.Error())
		}
		return apierror.New(apierror.CodeMetricNotFound, err.Error())
	}
	var invalidQuery *semantic.InvalidQueryError
	if errors.As(err, &invalidQuery) {
		return apierror.New(apierror.CodeValidationError, err.Error())
	}
	var execErr *semantic.ExecutionError
	if errors.As(err, &execErr) {
		return apierror.New(failCode, err.Error())
	}
	var internalErr *semantic.InternalError
	if errors.As(err, &internalErr) {
		return apierror.New(failCode, err.Error())
	}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return apierror.New(failCode, err.Error())
	}
	return apierror.New(apierror.CodeInternal, err.Error())
}
