package filter

import (
	"strings"
	"testing"
	"time"

	"github.com/lightdash/metricqueryd/internal/apierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rule(id, fieldID, operator string, values ...any) *Rule {
	return &Rule{ID: id, Target: Target{FieldID: fieldID}, Operator: operator, Values: values}
}

func TestCompileNilFilters(t *testing.T) {
	clauses, err := Compile(nil, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, clauses)
}

func TestCompileSingleDimensionEquals(t *testing.T) {
	filters := &Filters{
		Dimensions: &Group{ID: "g1", AndItems: []GroupItem{
			{Rule: rule("r1", "orders_status", "equals", "completed")},
		}},
	}
	clauses, err := Compile(filters, nil, nil)
	require.NoError(t, err)
	require.Len(t, clauses, 1)
	assert.Equal(t, "({{ Dimension('orders_status') }} = 'completed')", clauses[0])
}

func TestCompileMultipleGroupsANDed(t *testing.T) {
	filters := &Filters{
		Dimensions: &Group{ID: "g1", AndItems: []GroupItem{
			{Rule: rule("r1", "orders_status", "equals", "completed")},
		}},
		Metrics: &Group{ID: "g2", AndItems: []GroupItem{
			{Rule: &Rule{ID: "r2", Target: Target{FieldID: "revenue"}, Operator: "greaterThan", Values: []any{100},
				Settings: &Settings{GroupBy: []string{"customer"}}}},
		}},
	}
	clauses, err := Compile(filters, nil, nil)
	require.NoError(t, err)
	require.Len(t, clauses, 1)
	assert.Contains(t, clauses[0], " AND ")
	assert.Contains(t, clauses[0], "Dimension('orders_status')")
	assert.Contains(t, clauses[0], "Metric('revenue'")
}

func TestGroupBothAndOrRejected(t *testing.T) {
	filters := &Filters{
		Dimensions: &Group{
			ID:       "g1",
			AndItems: []GroupItem{{Rule: rule("r1", "a", "equals", "x")}},
			OrItems:  []GroupItem{{Rule: rule("r2", "b", "equals", "y")}},
		},
	}
	_, err := Compile(filters, nil, nil)
	require.Error(t, err)
	apiErr := apierror.As(err)
	assert.Equal(t, apierror.CodeValidationError, apiErr.Code)
}

func TestGroupItemBothRuleAndGroupRejected(t *testing.T) {
	filters := &Filters{
		Dimensions: &Group{ID: "g1", AndItems: []GroupItem{
			{Rule: rule("r1", "a", "equals", "x"), Group: &Group{ID: "nested"}},
		}},
	}
	_, err := Compile(filters, nil, nil)
	require.Error(t, err)
}

func TestGroupItemNeitherRuleNorGroupRejected(t *testing.T) {
	filters := &Filters{
		Dimensions: &Group{ID: "g1", AndItems: []GroupItem{{}}},
	}
	_, err := Compile(filters, nil, nil)
	require.Error(t, err)
}

func TestDisabledRuleIsSkipped(t *testing.T) {
	r := rule("r1", "a", "equals", "x")
	r.Disabled = true
	filters := &Filters{Dimensions: &Group{ID: "g1", AndItems: []GroupItem{{Rule: r}}}}
	clauses, err := Compile(filters, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, clauses)
}

func TestTableCalculationAlwaysSkipped(t *testing.T) {
	filters := &Filters{
		TableCalculations: &Group{ID: "g1", AndItems: []GroupItem{
			{Rule: rule("r1", "a", "equals", "x")},
		}},
	}
	clauses, err := Compile(filters, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, clauses)
}

func TestMetricWithoutGroupByIsSkippedNotError(t *testing.T) {
	filters := &Filters{
		Metrics: &Group{ID: "g1", AndItems: []GroupItem{
			{Rule: &Rule{ID: "r1", Target: Target{FieldID: "revenue"}, Operator: "greaterThan", Values: []any{10}}},
		}},
	}
	clauses, err := Compile(filters, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, clauses)
}

func TestMetricWithoutGroupByIgnoresQueryGroupBy(t *testing.T) {
	filters := &Filters{
		Dimensions: &Group{ID: "g0", AndItems: []GroupItem{
			{Rule: rule("r0", "region", "equals", "APAC")},
		}},
		Metrics: &Group{ID: "g1", AndItems: []GroupItem{
			{Rule: &Rule{ID: "r1", Target: Target{FieldID: "revenue"}, Operator: "greaterThan", Values: []any{10}}},
		}},
	}
	clauses, err := Compile(filters, []string{"customer"}, nil)
	require.NoError(t, err)
	require.Len(t, clauses, 1)
	assert.Equal(t, "({{ Dimension('region') }} = 'APAC')", clauses[0])
}

func TestMetricGroupByValidatedAgainstEntityNames(t *testing.T) {
	filters := &Filters{
		Metrics: &Group{ID: "g1", AndItems: []GroupItem{
			{Rule: &Rule{ID: "r1", Target: Target{FieldID: "revenue"}, Operator: "greaterThan", Values: []any{10},
				Settings: &Settings{GroupBy: []string{"not_an_entity"}}}},
		}},
	}
	_, err := Compile(filters, nil, map[string]bool{"customer": true})
	require.Error(t, err)
	apiErr := apierror.As(err)
	assert.Equal(t, apierror.CodeValidationError, apiErr.Code)
	assert.Equal(t, "r1", apiErr.Details["ruleId"])
}

func TestTimeDimensionGrainSuffix(t *testing.T) {
	filters := &Filters{
		Dimensions: &Group{ID: "g1", AndItems: []GroupItem{
			{Rule: rule("r1", "orders_created_at__month", "equals", "2024-01-01")},
		}},
	}
	clauses, err := Compile(filters, nil, nil)
	require.NoError(t, err)
	assert.Contains(t, clauses[0], "TimeDimension('orders_created_at', 'month')")
}

func TestUnrecognizedSuffixIsNotATimeGrain(t *testing.T) {
	filters := &Filters{
		Dimensions: &Group{ID: "g1", AndItems: []GroupItem{
			{Rule: rule("r1", "orders__custom", "equals", "x")},
		}},
	}
	clauses, err := Compile(filters, nil, nil)
	require.NoError(t, err)
	assert.Contains(t, clauses[0], "Dimension('orders__custom')")
}

func TestOperatorDispatch(t *testing.T) {
	cases := []struct {
		name     string
		operator string
		values   []any
		want     string
	}{
		{"equals single", "equals", []any{"a"}, "{{ Dimension('f') }} = 'a'"},
		{"equals multi", "equals", []any{"a", "b"}, "{{ Dimension('f') }} IN ('a', 'b')"},
		{"notEquals single", "notEquals", []any{"a"}, "({{ Dimension('f') }} != 'a' OR {{ Dimension('f') }} IS NULL)"},
		{"include", "include", []any{"abc"}, "{{ Dimension('f') }} LIKE '%abc%'"},
		{"doesNotInclude", "doesNotInclude", []any{"abc"}, "{{ Dimension('f') }} NOT LIKE '%abc%'"},
		{"startsWith", "startsWith", []any{"abc"}, "{{ Dimension('f') }} LIKE 'abc%'"},
		{"endsWith", "endsWith", []any{"abc"}, "{{ Dimension('f') }} LIKE '%abc'"},
		{"isNull", "isNull", nil, "{{ Dimension('f') }} IS NULL"},
		{"notNull", "notNull", nil, "{{ Dimension('f') }} IS NOT NULL"},
		{"greaterThan", "greaterThan", []any{5}, "{{ Dimension('f') }} > 5"},
		{"greaterThanOrEqual", "greaterThanOrEqual", []any{5}, "{{ Dimension('f') }} >= 5"},
		{"lessThan", "lessThan", []any{5}, "{{ Dimension('f') }} < 5"},
		{"lessThanOrEqual", "lessThanOrEqual", []any{5}, "{{ Dimension('f') }} <= 5"},
		{"inBetween", "inBetween", []any{1, 10}, "({{ Dimension('f') }} >= 1 AND {{ Dimension('f') }} <= 10)"},
		{"notInBetween", "notInBetween", []any{1, 10}, "({{ Dimension('f') }} < 1 OR {{ Dimension('f') }} > 10)"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			filters := &Filters{Dimensions: &Group{ID: "g", AndItems: []GroupItem{
				{Rule: &Rule{ID: "r", Target: Target{FieldID: "f"}, Operator: tc.operator, Values: tc.values}},
			}}}
			clauses, err := Compile(filters, nil, nil)
			require.NoError(t, err)
			require.Len(t, clauses, 1)
			assert.Equal(t, "("+tc.want+")", clauses[0])
		})
	}
}

func TestUnsupportedOperatorRejected(t *testing.T) {
	filters := &Filters{Dimensions: &Group{ID: "g", AndItems: []GroupItem{
		{Rule: rule("r", "f", "bogus", "x")},
	}}}
	_, err := Compile(filters, nil, nil)
	require.Error(t, err)
}

func TestOperatorMissingValuesRejected(t *testing.T) {
	for _, op := range []string{"equals", "notEquals", "greaterThan", "inBetween", "include"} {
		t.Run(op, func(t *testing.T) {
			filters := &Filters{Dimensions: &Group{ID: "g", AndItems: []GroupItem{
				{Rule: &Rule{ID: "r", Target: Target{FieldID: "f"}, Operator: op}},
			}}}
			_, err := Compile(filters, nil, nil)
			require.Error(t, err)
		})
	}
}

func TestRelativeTimeInThePast(t *testing.T) {
	filters := &Filters{Dimensions: &Group{ID: "g", AndItems: []GroupItem{
		{Rule: &Rule{ID: "r", Target: Target{FieldID: "created_at"}, Operator: "inThePast", Values: []any{7},
			Settings: &Settings{UnitOfTime: strPtr("days")}}},
	}}}
	clauses, err := Compile(filters, nil, nil)
	require.NoError(t, err)
	require.Len(t, clauses, 1)
	assert.Contains(t, clauses[0], "Dimension('created_at')")
	assert.Contains(t, clauses[0], ">=")
	assert.Contains(t, clauses[0], "<=")
}

func TestRelativeTimeCountMustBePositive(t *testing.T) {
	filters := &Filters{Dimensions: &Group{ID: "g", AndItems: []GroupItem{
		{Rule: &Rule{ID: "r", Target: Target{FieldID: "created_at"}, Operator: "inThePast", Values: []any{0}}},
	}}}
	_, err := Compile(filters, nil, nil)
	require.Error(t, err)
}

func TestRelativeTimeInvalidUnit(t *testing.T) {
	filters := &Filters{Dimensions: &Group{ID: "g", AndItems: []GroupItem{
		{Rule: &Rule{ID: "r", Target: Target{FieldID: "created_at"}, Operator: "inThePast", Values: []any{1},
			Settings: &Settings{UnitOfTime: strPtr("fortnight")}}},
	}}}
	_, err := Compile(filters, nil, nil)
	require.Error(t, err)
}

func TestRelativeTimeNotInTheCurrent(t *testing.T) {
	filters := &Filters{Dimensions: &Group{ID: "g", AndItems: []GroupItem{
		{Rule: &Rule{ID: "r", Target: Target{FieldID: "created_at"}, Operator: "notInTheCurrent",
			Settings: &Settings{UnitOfTime: strPtr("month")}}},
	}}}
	clauses, err := Compile(filters, nil, nil)
	require.NoError(t, err)
	assert.Contains(t, clauses[0], "OR")
	assert.Contains(t, clauses[0], "<")
	assert.Contains(t, clauses[0], ">")
}

func TestAddMonthsClampsDayOfMonth(t *testing.T) {
	jan31 := time.Date(2024, time.January, 31, 10, 0, 0, 0, time.UTC)
	got := addMonths(jan31, 1)
	assert.Equal(t, time.February, got.Month())
	assert.Equal(t, 29, got.Day()) // 2024 is a leap year
}

func TestStartOfWeekIsMonday(t *testing.T) {
	wednesday := time.Date(2024, time.March, 6, 15, 30, 0, 0, time.UTC)
	start := startOfWeek(wednesday)
	assert.Equal(t, time.Monday, start.Weekday())
	assert.Equal(t, 0, start.Hour())
}

func TestCurrentPeriodRangeDay(t *testing.T) {
	now := time.Date(2024, time.March, 6, 15, 30, 45, 0, time.UTC)
	start, end := currentPeriodRange(now, "day")
	assert.Equal(t, 0, start.Hour())
	assert.Equal(t, 23, end.Hour())
	assert.Equal(t, 59, end.Minute())
}

func TestCurrentPeriodRangeSubSecondDegradesToNow(t *testing.T) {
	now := time.Date(2024, time.March, 6, 15, 30, 45, 0, time.UTC)
	start, end := currentPeriodRange(now, "nanosecond")
	assert.True(t, start.Equal(now))
	assert.True(t, end.Equal(now))
}

func TestFormatValueTypes(t *testing.T) {
	assert.Equal(t, "TRUE", formatValue(true))
	assert.Equal(t, "FALSE", formatValue(false))
	assert.Equal(t, "NULL", formatValue(nil))
	assert.Equal(t, "42", formatValue(42))
	assert.Equal(t, "'it''s'", formatValue("it's"))
	assert.Equal(t, "'2024-01-15'", formatValue(dateOnly(time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC))))
	assert.Equal(t, "'2024-01-15 09:30:00'", formatValue(time.Date(2024, 1, 15, 9, 30, 0, 0, time.UTC)))
}

func TestEscapeIdentifierDoublesSingleQuotes(t *testing.T) {
	filters := &Filters{Dimensions: &Group{ID: "g", AndItems: []GroupItem{
		{Rule: rule("r", "o'clock", "equals", "x")},
	}}}
	clauses, err := Compile(filters, nil, nil)
	require.NoError(t, err)
	assert.True(t, strings.Contains(clauses[0], "o''clock"))
}

func strPtr(s string) *string { return &s }
