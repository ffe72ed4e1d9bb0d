package http

import (
	"net/http"
	"strings"

	"github.com/lightdash/metricqueryd/internal/domain/filter"
	domainquery "github.com/lightdash/metricqueryd/internal/domain/query"
)

// The domain packages this binds into (domain/query, domain/filter) carry
// no JSON tags by design — they're shared by the service layer and the
// in-memory stores, not just this transport. These mirror types are this
// package's own JSON contract; they convert 1:1 into the domain shapes.

type metricRequest struct {
	Name string `json:"name"`
}

type groupByRequest struct {
	Name  string  `json:"name"`
	Grain *string `json:"grain,omitempty"`
}

type orderByRefRequest struct {
	Name string `json:"name"`
}

type orderByRequest struct {
	Metric       *orderByRefRequest `json:"metric,omitempty"`
	GroupBy      *orderByRefRequest `json:"groupBy,omitempty"`
	GroupByGrain *string            `json:"groupByGrain,omitempty"`
	Descending   bool               `json:"descending,omitempty"`
}

type filterRuleRequest struct {
	ID       string                 `json:"id"`
	FieldID  string                 `json:"fieldId"`
	Operator string                 `json:"operator"`
	Values   []any                  `json:"values,omitempty"`
	Settings *filterSettingsRequest `json:"settings,omitempty"`
	Disabled bool                   `json:"disabled,omitempty"`
}

type filterSettingsRequest struct {
	UnitOfTime *string  `json:"unitOfTime,omitempty"`
	Completed  *bool    `json:"completed,omitempty"`
	GroupBy    []string `json:"groupBy,omitempty"`
}

type filterGroupItemRequest struct {
	Rule  *filterRuleRequest  `json:"rule,omitempty"`
	Group *filterGroupRequest `json:"group,omitempty"`
}

type filterGroupRequest struct {
	ID      string                   `json:"id"`
	AndItems []filterGroupItemRequest `json:"andItems,omitempty"`
	OrItems  []filterGroupItemRequest `json:"orItems,omitempty"`
}

type filtersRequest struct {
	Dimensions        *filterGroupRequest `json:"dimensions,omitempty"`
	Metrics           *filterGroupRequest `json:"metrics,omitempty"`
	TableCalculations *filterGroupRequest `json:"tableCalculations,omitempty"`
}

// queryRequestBody is the shared JSON shape of POST /query, /query/compile,
// and /query/validate: only asyncRun is specific to create_query, and
// handlers that don't use it simply ignore the field.
type queryRequestBody struct {
	Metrics  []metricRequest    `json:"metrics"`
	GroupBy  []groupByRequest   `json:"groupBy,omitempty"`
	Filters  *filtersRequest    `json:"filters,omitempty"`
	OrderBy  []orderByRequest   `json:"orderBy,omitempty"`
	Limit    *int               `json:"limit,omitempty"`
	AsyncRun bool               `json:"asyncRun,omitempty"`
}

func (b queryRequestBody) toMetrics() []domainquery.MetricInput {
	out := make([]domainquery.MetricInput, len(b.Metrics))
	for i, m := range b.Metrics {
		out[i] = domainquery.MetricInput{Name: m.Name}
	}
	return out
}

func (b queryRequestBody) toGroupBy() []domainquery.GroupByInput {
	out := make([]domainquery.GroupByInput, len(b.GroupBy))
	for i, g := range b.GroupBy {
		out[i] = domainquery.GroupByInput{Name: g.Name, Grain: g.Grain}
	}
	return out
}

func (b queryRequestBody) toOrderBy() []domainquery.OrderByInput {
	out := make([]domainquery.OrderByInput, len(b.OrderBy))
	for i, o := range b.OrderBy {
		input := domainquery.OrderByInput{GroupByGrain: o.GroupByGrain, Descending: o.Descending}
		if o.Metric != nil {
			input.Metric = &domainquery.OrderByRef{Name: o.Metric.Name}
		}
		if o.GroupBy != nil {
			input.GroupBy = &domainquery.OrderByRef{Name: o.GroupBy.Name}
		}
		out[i] = input
	}
	return out
}

func (b queryRequestBody) toFilters() *filter.Filters {
	if b.Filters == nil {
		return nil
	}
	return &filter.Filters{
		Dimensions:        b.Filters.Dimensions.toDomain(),
		Metrics:           b.Filters.Metrics.toDomain(),
		TableCalculations: b.Filters.TableCalculations.toDomain(),
	}
}

func (g *filterGroupRequest) toDomain() *filter.Group {
	if g == nil {
		return nil
	}
	return &filter.Group{
		ID:       g.ID,
		AndItems: toGroupItems(g.AndItems),
		OrItems:  toGroupItems(g.OrItems),
	}
}

func toGroupItems(items []filterGroupItemRequest) []filter.GroupItem {
	if items == nil {
		return nil
	}
	out := make([]filter.GroupItem, len(items))
	for i, item := range items {
		out[i] = filter.GroupItem{
			Rule:  item.Rule.toDomain(),
			Group: item.Group.toDomain(),
		}
	}
	return out
}

func (r *filterRuleRequest) toDomain() *filter.Rule {
	if r == nil {
		return nil
	}
	rule := &filter.Rule{
		ID:       r.ID,
		Target:   filter.Target{FieldID: r.FieldID},
		Operator: r.Operator,
		Values:   r.Values,
		Disabled: r.Disabled,
	}
	if r.Settings != nil {
		rule.Settings = &filter.Settings{
			UnitOfTime: r.Settings.UnitOfTime,
			Completed:  r.Settings.Completed,
			GroupBy:    r.Settings.GroupBy,
		}
	}
	return rule
}

// dimensionValuesQuery is the parsed querystring of GET /dimension-values.
type dimensionValuesQuery struct {
	Dimension string
	Metrics   []string
	StartTime *string
	EndTime   *string
}

// parseDimensionValuesQuery reads dimension, metrics (repeated or comma
// separated), startTime, and endTime from r's querystring.
func parseDimensionValuesQuery(r *http.Request) dimensionValuesQuery {
	q := r.URL.Query()
	out := dimensionValuesQuery{
		Dimension: q.Get("dimension"),
	}
	for _, m := range q["metrics"] {
		for _, name := range strings.Split(m, ",") {
			if name = strings.TrimSpace(name); name != "" {
				out.Metrics = append(out.Metrics, name)
			}
		}
	}
	if v := q.Get("startTime"); v != "" {
		out.StartTime = &v
	}
	if v := q.Get("endTime"); v != "" {
		out.EndTime = &v
	}
	return out
}

// triggerBuildRequest is the JSON body of POST /build.
type triggerBuildRequest struct {
	GitRef         string `json:"gitRef,omitempty"`
	ForceRecompile bool   `json:"forceRecompile,omitempty"`
}
