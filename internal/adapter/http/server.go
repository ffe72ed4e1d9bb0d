// Package http provides the thin, contract-only REST surface over the
// Query Service and Build Manager: every handler below does request
// decoding/encoding only, delegating all business logic to the services
// it wraps, and answers with the {ok,data,error} envelope.
package http

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	domainbuild "github.com/lightdash/metricqueryd/internal/domain/build"
	"github.com/lightdash/metricqueryd/internal/domain/filter"
	domainquery "github.com/lightdash/metricqueryd/internal/domain/query"
	"github.com/lightdash/metricqueryd/internal/domain/semantic"
	"github.com/lightdash/metricqueryd/internal/middleware"
	"github.com/lightdash/metricqueryd/internal/query"
)

// QueryService is the slice of internal/query.Service this surface drives.
type QueryService interface {
	CreateQuery(ctx context.Context, projectID string, metrics []domainquery.MetricInput, groupBy []domainquery.GroupByInput, filters *filter.Filters, orderBy []domainquery.OrderByInput, limit *int, asyncRun bool) (string, error)
	GetQueryResult(projectID, queryID string) (*domainquery.ResultDTO, error)
	CompileSQL(ctx context.Context, projectID string, metrics []domainquery.MetricInput, groupBy []domainquery.GroupByInput, filters *filter.Filters, orderBy []domainquery.OrderByInput, limit *int) (string, error)
	ValidateQuery(ctx context.Context, projectID string, metrics []domainquery.MetricInput, groupBy []domainquery.GroupByInput, filters *filter.Filters, orderBy []domainquery.OrderByInput, limit *int) query.ValidationResult
	GetDimensionValues(ctx context.Context, projectID, dimension string, metrics []string, startTime, endTime *string) (*semantic.QueryResult, error)
}

// BuildService is the slice of internal/build.Manager this surface drives.
type BuildService interface {
	TriggerBuild(ctx context.Context, projectID, gitRef string, forceRecompile bool) (string, error)
	GetBuildStatus(buildID string) (*domainbuild.Record, error)
}

// Handlers bundles the services the REST surface is a thin transport
// over. Both fields are interfaces so tests can substitute fakes.
type Handlers struct {
	Query QueryService
	Build BuildService
}

// MountRoutes attaches every query and build endpoint onto r, scoped
// under /projects/{projectId}. The project id doubles as the Auth
// middleware's authorization key (see internal/middleware.Auth) and the
// Environment Registry lookup key.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Route("/projects/{projectId}", func(pr chi.Router) {
		pr.Post("/query", h.createQuery)
		pr.Get("/query/{queryId}", h.getQueryResult)
		pr.Post("/query/compile", h.compileSQL)
		pr.Post("/query/validate", h.validateQuery)
		pr.Get("/dimension-values", h.getDimensionValues)
		pr.Post("/build", h.triggerBuild)
		pr.Get("/build/{buildId}", h.getBuildStatus)
	})
}

func (h *Handlers) createQuery(w http.ResponseWriter, r *http.Request) {
	projectID := urlParam(r, "projectId")
	body, ok := readJSON[queryRequestBody](w, r)
	if !ok {
		return
	}

	queryID, err := h.Query.CreateQuery(r.Context(), projectID, body.toMetrics(), body.toGroupBy(), body.toFilters(), body.toOrderBy(), body.Limit, body.AsyncRun)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]string{"queryId": queryID})
}

func (h *Handlers) getQueryResult(w http.ResponseWriter, r *http.Request) {
	projectID := urlParam(r, "projectId")
	queryID := urlParam(r, "queryId")
	if !requireField(w, queryID, "queryId") {
		return
	}

	result, err := h.Query.GetQueryResult(projectID, queryID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, result)
}

func (h *Handlers) compileSQL(w http.ResponseWriter, r *http.Request) {
	projectID := urlParam(r, "projectId")
	body, ok := readJSON[queryRequestBody](w, r)
	if !ok {
		return
	}

	sql, err := h.Query.CompileSQL(r.Context(), projectID, body.toMetrics(), body.toGroupBy(), body.toFilters(), body.toOrderBy(), body.Limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]string{"sql": sql})
}

func (h *Handlers) validateQuery(w http.ResponseWriter, r *http.Request) {
	projectID := urlParam(r, "projectId")
	body, ok := readJSON[queryRequestBody](w, r)
	if !ok {
		return
	}

	result := h.Query.ValidateQuery(r.Context(), projectID, body.toMetrics(), body.toGroupBy(), body.toFilters(), body.toOrderBy(), body.Limit)
	writeOK(w, result)
}

func (h *Handlers) getDimensionValues(w http.ResponseWriter, r *http.Request) {
	projectID := urlParam(r, "projectId")
	q := parseDimensionValuesQuery(r)
	if !requireField(w, q.Dimension, "dimension") {
		return
	}

	result, err := h.Query.GetDimensionValues(r.Context(), projectID, q.Dimension, q.Metrics, q.StartTime, q.EndTime)
	if err != nil {
		writeErr(w, err)
		return
	}
	columns, rows := domainquery.EncodeRowsAndColumns(result)
	writeOK(w, map[string]any{"columns": columns, "rows": rows, "warnings": result.Warnings})
}

func (h *Handlers) triggerBuild(w http.ResponseWriter, r *http.Request) {
	projectID := urlParam(r, "projectId")
	body, ok := readJSON[triggerBuildRequest](w, r)
	if !ok {
		return
	}

	buildID, err := h.Build.TriggerBuild(r.Context(), projectID, body.GitRef, body.ForceRecompile)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]string{"buildId": buildID})
}

func (h *Handlers) getBuildStatus(w http.ResponseWriter, r *http.Request) {
	buildID := urlParam(r, "buildId")
	if !requireField(w, buildID, "buildId") {
		return
	}

	record, err := h.Build.GetBuildStatus(buildID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, record.ToDTO())
}

// ProjectAuthorized is a convenience wrapper combining Auth and this
// package's routes into one sub-router, for cmd/metricqueryd's
// composition root. Auth is attached with With rather than Use, so it runs
// after the router has matched {projectId}. RequestID is not installed
// here; the caller's router supplies it.
func ProjectAuthorized(registry middleware.EnvironmentResolver, h *Handlers) chi.Router {
	r := chi.NewRouter()
	MountRoutes(r.With(middleware.Auth(registry)), h)
	return r
}
