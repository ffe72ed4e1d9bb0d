package query

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/lightdash/metricqueryd/internal/domain/semantic"
)

var dateGrainSuffixes = []string{"__day", "__week", "__month", "__quarter", "__year"}

// EncodeRowsAndColumns converts an engine QueryResult into the
// columns/rows shape the query service stores and returns: columns
// carry an inferred display type, and row values are serialized to
// JSON-friendly forms (dates/timestamps to ISO 8601 strings).
func EncodeRowsAndColumns(result *semantic.QueryResult) ([]ColumnDTO, []map[string]any) {
	if result == nil {
		return nil, nil
	}

	fieldTypes := make([]string, len(result.Columns))
	columns := make([]ColumnDTO, len(result.Columns))
	for i, col := range result.Columns {
		fieldType := inferFieldType(col.Name, col.Type)
		fieldTypes[i] = fieldType
		columns[i] = ColumnDTO{Name: col.Name, Type: fieldType}
	}

	rows := make([]map[string]any, len(result.Rows))
	for i, row := range result.Rows {
		record := make(map[string]any, len(result.Columns))
		for j, col := range result.Columns {
			record[col.Name] = serializeValue(row[col.Name], fieldTypes[j])
		}
		rows[i] = record
	}

	return columns, rows
}

// inferFieldType maps an engine column's raw type plus its name to the
// five display types the response envelope carries (date, timestamp,
// number, boolean, string). A timestamp column
// whose name ends in a date-grain suffix (e.g. "order_date__month") is
// narrowed to "date" since it was truncated, not a true timestamp.
func inferFieldType(name, rawType string) string {
	switch rawType {
	case "timestamp":
		for _, suffix := range dateGrainSuffixes {
			if strings.HasSuffix(name, suffix) {
				return "date"
			}
		}
		return "timestamp"
	case "number", "boolean":
		return rawType
	default:
		return "string"
	}
}

func serializeValue(value any, fieldType string) any {
	if value == nil {
		return nil
	}
	switch fieldType {
	case "date":
		if t, ok := value.(time.Time); ok {
			return t.UTC().Format("2006-01-02")
		}
		return value
	case "timestamp":
		if t, ok := value.(time.Time); ok {
			return t.UTC().Format(time.RFC3339)
		}
		return value
	case "number":
		return toDouble(value)
	default:
		return value
	}
}

// toDouble normalizes a number-column value to float64, so decimal and
// integer values reach the stored row as a plain double regardless of
// which Go type the warehouse driver scanned them into. Values that are
// not a recognized numeric type pass through unchanged.
func toDouble(value any) any {
	switch v := value.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int8:
		return float64(v)
	case int16:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case uint:
		return float64(v)
	case uint8:
		return float64(v)
	case uint16:
		return float64(v)
	case uint32:
		return float64(v)
	case uint64:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
		return value
	default:
		return value
	}
}
