package sqlnorm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestNormalizePostgresStripsDatabasePrefix(t *testing.T) {
	sql := strPtr(`SELECT * FROM "analytics"."public"."orders"`)
	got := Normalize(sql, "postgres", "analytics")
	require.NotNil(t, got)
	assert.Equal(t, `SELECT * FROM "public"."orders"`, *got)
}

func TestNormalizeSnowflakeUnchanged(t *testing.T) {
	sql := strPtr(`SELECT * FROM "analytics"."public"."orders"`)
	got := Normalize(sql, "snowflake", "analytics")
	require.NotNil(t, got)
	assert.Equal(t, *sql, *got)
}

func TestNormalizeUnquotedThreePart(t *testing.T) {
	sql := strPtr(`SELECT * FROM analytics.public.orders`)
	got := Normalize(sql, "postgres", "analytics")
	require.NotNil(t, got)
	assert.Equal(t, `SELECT * FROM public.orders`, *got)
}

func TestNormalizeFallsBackWhenDatabaseNameAbsent(t *testing.T) {
	sql := strPtr(`SELECT * FROM "db"."public"."orders"`)
	got := Normalize(sql, "postgres", "")
	require.NotNil(t, got)
	assert.Equal(t, `SELECT * FROM "public"."orders"`, *got)
}

func TestNormalizeFallsBackWhenDatabaseNameDoesNotMatch(t *testing.T) {
	sql := strPtr(`SELECT * FROM "otherdb"."public"."orders"`)
	got := Normalize(sql, "postgres", "analytics")
	require.NotNil(t, got)
	assert.Equal(t, `SELECT * FROM "public"."orders"`, *got)
}

func TestNormalizeNilSQLReturnsNil(t *testing.T) {
	assert.Nil(t, Normalize(nil, "postgres", "analytics"))
}

func TestNormalizeEmptySQLReturnsAsIs(t *testing.T) {
	sql := strPtr("")
	got := Normalize(sql, "postgres", "analytics")
	require.NotNil(t, got)
	assert.Equal(t, "", *got)
}

func TestNormalizeIsIdempotent(t *testing.T) {
	sql := strPtr(`SELECT * FROM "analytics"."public"."orders"`)
	once := Normalize(sql, "postgres", "analytics")
	twice := Normalize(once, "postgres", "analytics")
	require.NotNil(t, twice)
	assert.Equal(t, *once, *twice)
}

func TestNormalizeTwoPartAlreadyUnchanged(t *testing.T) {
	sql := strPtr(`SELECT * FROM "public"."orders"`)
	got := Normalize(sql, "postgres", "analytics")
	require.NotNil(t, got)
	assert.Equal(t, *sql, *got)
}
