// Package warehouse implements semantic.Adapter against a project's
// configured SQL warehouse. Only Postgres is wired today; other adapter
// types (snowflake, bigquery, …) fall back to a no-op adapter that
// reports its type for the SQL Normalizer but refuses to execute.
package warehouse

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lightdash/metricqueryd/internal/domain/semantic"
)

// PostgresAdapter runs engine-assembled SQL against a Postgres warehouse
// via a pgx connection pool.
type PostgresAdapter struct {
	pool     *pgxpool.Pool
	database string
}

// NewPostgresAdapter wraps an already-connected pool. database is the
// credentials database name the SQL Normalizer strips from three-part
// identifiers.
func NewPostgresAdapter(pool *pgxpool.Pool, database string) *PostgresAdapter {
	return &PostgresAdapter{pool: pool, database: database}
}

// NewPostgresPool dials a dedicated pool for one project's warehouse DSN.
func NewPostgresPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create warehouse pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping warehouse: %w", err)
	}
	return pool, nil
}

func (a *PostgresAdapter) Type() string { return "postgres" }

func (a *PostgresAdapter) DatabaseName() string { return a.database }

// Query runs sql and collects the full result into a semantic.QueryResult,
// inferring each column's display type from its Postgres type OID.
func (a *PostgresAdapter) Query(ctx context.Context, sql string) (*semantic.QueryResult, error) {
	rows, err := a.pool.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("warehouse query: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]semantic.Column, len(fields))
	for i, field := range fields {
		columns[i] = semantic.Column{Name: field.Name, Type: columnType(field.DataTypeOID)}
	}

	var result []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("warehouse scan row: %w", err)
		}
		record := make(map[string]any, len(columns))
		for i, col := range columns {
			record[col.Name] = normalizeValue(values[i])
		}
		result = append(result, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("warehouse row iteration: %w", err)
	}

	return &semantic.QueryResult{Columns: columns, Rows: result}, nil
}

// normalizeValue converts pgx-specific scan values to plain Go scalars.
// NUMERIC columns scan as pgtype.Numeric; downstream encoding expects a
// double, so decode it here. A NUMERIC that doesn't fit a float64
// (NaN, infinity) falls back to its driver value.
func normalizeValue(value any) any {
	if n, ok := value.(pgtype.Numeric); ok {
		if !n.Valid {
			return nil
		}
		f, err := n.Float64Value()
		if err != nil || !f.Valid {
			return value
		}
		return f.Float64
	}
	return value
}

func columnType(oid uint32) string {
	switch oid {
	case pgtype.TimestampOID, pgtype.TimestamptzOID, pgtype.DateOID:
		return "timestamp"
	case pgtype.Int2OID, pgtype.Int4OID, pgtype.Int8OID, pgtype.Float4OID, pgtype.Float8OID, pgtype.NumericOID:
		return "number"
	case pgtype.BoolOID:
		return "boolean"
	default:
		return "string"
	}
}

// NoopAdapter reports an adapter type without being able to execute
// anything — used for projects whose warehouse DSN isn't configured, or
// adapter types this service doesn't yet drive directly.
type NoopAdapter struct {
	AdapterType string
	Database    string
}

func (a *NoopAdapter) Type() string { return a.AdapterType }

func (a *NoopAdapter) DatabaseName() string { return a.Database }

func (a *NoopAdapter) Query(ctx context.Context, sql string) (*semantic.QueryResult, error) {
	return nil, fmt.Errorf("adapter type %q has no warehouse connection configured", a.AdapterType)
}
