package query

import (
	"strings"

	"github.com/lightdash/metricqueryd/internal/apierror"
)

// MetricInput names one requested metric.
type MetricInput struct {
	Name string
}

// GroupByInput names one requested group-by dimension, with an optional
// grain (e.g. "day", "month") to truncate a time dimension to.
type GroupByInput struct {
	Name  string
	Grain *string
}

// OrderByRef is used by OrderByInput to point at either a metric or a
// group-by entry by name — never both.
type OrderByRef struct {
	Name string
}

// OrderByInput requests a sort on exactly one of Metric or GroupBy.
type OrderByInput struct {
	Metric       *OrderByRef
	GroupBy      *OrderByRef
	GroupByGrain *string
	Descending   bool
}

// NormalizeGroupBy renders a GroupByInput as the engine-facing name:
// "<name>__<lowercased grain>" when a grain is set, else the bare name.
func NormalizeGroupBy(input GroupByInput) string {
	if input.Grain != nil && *input.Grain != "" {
		return input.Name + "__" + strings.ToLower(*input.Grain)
	}
	return input.Name
}

// NormalizeOrderBy renders an OrderByInput as the engine-facing name,
// prefixed with "-" when Descending. Exactly one of Metric/GroupBy must
// be set.
func NormalizeOrderBy(input OrderByInput) (string, error) {
	hasMetric := input.Metric != nil
	hasGroupBy := input.GroupBy != nil
	if hasMetric == hasGroupBy {
		return "", apierror.New(apierror.CodeValidationError, "order_by requires exactly one of metric or group_by")
	}

	var name string
	if hasMetric {
		name = input.Metric.Name
	} else {
		name = NormalizeGroupBy(GroupByInput{Name: input.GroupBy.Name, Grain: input.GroupByGrain})
	}

	if input.Descending {
		return "-" + name, nil
	}
	return name, nil
}

// ClampLimit applies the service's QUERY_MAX_LIMIT ceiling: a nil limit
// is left unclamped (no limit is sent to the engine), a set limit is
// capped at maxLimit.
func ClampLimit(limit *int, maxLimit int) *int {
	if limit == nil {
		return nil
	}
	clamped := *limit
	if clamped > maxLimit {
		clamped = maxLimit
	}
	return &clamped
}
