package filter

import (
	"fmt"
	"strings"

	"github.com/lightdash/metricqueryd/internal/apierror"
)

func buildOperatorSQL(expr, operator string, values []any) (string, error) {
	switch operator {
	case "equals":
		return equalsSQL(expr, values)
	case "notEquals":
		return notEqualsSQL(expr, values)
	case "include":
		return likeSQL(expr, values, true, "both")
	case "doesNotInclude":
		return likeSQL(expr, values, false, "both")
	case "startsWith":
		return likeSQL(expr, values, true, "right")
	case "endsWith":
		return likeSQL(expr, values, true, "left")
	case "isNull":
		return expr + " IS NULL", nil
	case "notNull":
		return expr + " IS NOT NULL", nil
	case "greaterThan":
		return compareSQL(expr, ">", values)
	case "greaterThanOrEqual":
		return compareSQL(expr, ">=", values)
	case "lessThan":
		return compareSQL(expr, "<", values)
	case "lessThanOrEqual":
		return compareSQL(expr, "<=", values)
	case "inBetween":
		return betweenSQL(expr, values, false)
	case "notInBetween":
		return betweenSQL(expr, values, true)
	default:
		return "", apierror.Newf(apierror.CodeValidationError, "unsupported operator: %s", operator)
	}
}

func equalsSQL(expr string, values []any) (string, error) {
	if len(values) == 0 {
		return "", missingValuesError("equals")
	}
	if len(values) == 1 {
		return fmt.Sprintf("%s = %s", expr, formatValue(values[0])), nil
	}
	return fmt.Sprintf("%s IN (%s)", expr, formatValues(values)), nil
}

func notEqualsSQL(expr string, values []any) (string, error) {
	if len(values) == 0 {
		return "", missingValuesError("notEquals")
	}
	if len(values) == 1 {
		return fmt.Sprintf("(%s != %s OR %s IS NULL)", expr, formatValue(values[0]), expr), nil
	}
	return fmt.Sprintf("(%s NOT IN (%s) OR %s IS NULL)", expr, formatValues(values), expr), nil
}

func compareSQL(expr, op string, values []any) (string, error) {
	if len(values) == 0 {
		return "", missingValuesError(op)
	}
	return fmt.Sprintf("%s %s %s", expr, op, formatValue(values[0])), nil
}

func betweenSQL(expr string, values []any, negate bool) (string, error) {
	if len(values) < 2 {
		return "", missingValuesError("inBetween")
	}
	left := formatValue(values[0])
	right := formatValue(values[1])
	if negate {
		return fmt.Sprintf("(%s < %s OR %s > %s)", expr, left, expr, right), nil
	}
	return fmt.Sprintf("(%s >= %s AND %s <= %s)", expr, left, expr, right), nil
}

func likeSQL(expr string, values []any, include bool, wildcard string) (string, error) {
	if len(values) == 0 {
		return "", missingValuesError("like")
	}
	op := "LIKE"
	if !include {
		op = "NOT LIKE"
	}
	clauses := make([]string, len(values))
	for i, value := range values {
		raw := asString(value)
		var pattern string
		switch wildcard {
		case "both":
			pattern = "%" + raw + "%"
		case "left":
			pattern = "%" + raw
		default:
			pattern = raw + "%"
		}
		clauses[i] = fmt.Sprintf("%s %s %s", expr, op, formatValue(pattern))
	}
	if len(clauses) == 1 {
		return clauses[0], nil
	}
	joiner := " OR "
	if !include {
		joiner = " AND "
	}
	return "(" + strings.Join(clauses, joiner) + ")", nil
}

func missingValuesError(operator string) error {
	return apierror.Newf(apierror.CodeValidationError, "operator %s is missing values", operator)
}
