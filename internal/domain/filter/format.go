package filter

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Date is a calendar date with no time-of-day component. formatValue
// renders it as an ISO date literal ('YYYY-MM-DD') rather than the full
// timestamp used for time.Time.
type Date time.Time

func dateOnly(t time.Time) Date {
	return Date(time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC))
}

func formatValues(values []any) string {
	parts := make([]string, len(values))
	for i, value := range values {
		parts[i] = formatValue(value)
	}
	return strings.Join(parts, ", ")
}

// formatValue renders a Go value as a SQL literal: bool -> TRUE/FALSE,
// nil -> NULL, numeric -> bare digits, time.Time -> quoted UTC timestamp,
// Date -> quoted ISO date, everything else -> quoted, escaped string.
func formatValue(value any) string {
	switch v := value.(type) {
	case nil:
		return "NULL"
	case bool:
		if v {
			return "TRUE"
		}
		return "FALSE"
	case int:
		return strconv.Itoa(v)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case Date:
		t := time.Time(v)
		return fmt.Sprintf("'%s'", t.Format("2006-01-02"))
	case time.Time:
		return fmt.Sprintf("'%s'", v.UTC().Format("2006-01-02 15:04:05"))
	case string:
		return "'" + escapeString(v) + "'"
	default:
		return "'" + escapeString(fmt.Sprintf("%v", v)) + "'"
	}
}

func escapeString(value string) string {
	return strings.ReplaceAll(value, "'", "''")
}

func escapeIdentifier(value string) string {
	return strings.ReplaceAll(value, "'", "''")
}

func asString(value any) string {
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", value)
}
