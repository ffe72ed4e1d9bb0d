package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "metricquery"

// Metrics holds all metricqueryd metric instruments.
type Metrics struct {
	QueriesStarted   metric.Int64Counter
	QueriesCompleted metric.Int64Counter
	QueriesFailed    metric.Int64Counter
	BuildsStarted    metric.Int64Counter
	BuildsCompleted  metric.Int64Counter
	BuildsFailed     metric.Int64Counter
	QueryDuration    metric.Float64Histogram
	BuildDuration    metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.QueriesStarted, err = meter.Int64Counter("metricquery.queries.started",
		metric.WithDescription("Number of queries started"))
	if err != nil {
		return nil, err
	}

	m.QueriesCompleted, err = meter.Int64Counter("metricquery.queries.completed",
		metric.WithDescription("Number of queries completed successfully"))
	if err != nil {
		return nil, err
	}

	m.QueriesFailed, err = meter.Int64Counter("metricquery.queries.failed",
		metric.WithDescription("Number of queries failed"))
	if err != nil {
		return nil, err
	}

	m.BuildsStarted, err = meter.Int64Counter("metricquery.builds.started",
		metric.WithDescription("Number of builds started"))
	if err != nil {
		return nil, err
	}

	m.BuildsCompleted, err = meter.Int64Counter("metricquery.builds.completed",
		metric.WithDescription("Number of builds completed successfully"))
	if err != nil {
		return nil, err
	}

	m.BuildsFailed, err = meter.Int64Counter("metricquery.builds.failed",
		metric.WithDescription("Number of builds failed"))
	if err != nil {
		return nil, err
	}

	m.QueryDuration, err = meter.Float64Histogram("metricquery.query.duration_seconds",
		metric.WithDescription("Query execution duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.BuildDuration, err = meter.Float64Histogram("metricquery.build.duration_seconds",
		metric.WithDescription("Build duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
