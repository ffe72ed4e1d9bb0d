package semantic

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	metricMacroRe        = regexp.MustCompile(`\{\{\s*Metric\('([^']*)',\s*group_by=\[([^\]]*)\]\)\s*\}\}`)
	timeDimensionMacroRe = regexp.MustCompile(`\{\{\s*TimeDimension\('([^']*)',\s*'([^']*)'\)\s*\}\}`)
	dimensionMacroRe     = regexp.MustCompile(`\{\{\s*Dimension\('([^']*)'\)\s*\}\}`)
)

// substituteMacros replaces every Metric()/Dimension()/TimeDimension()
// macro placeholder the filter compiler emits with the real SQL
// expression from the manifest. containsAggregate reports whether any
// Metric() macro was substituted, meaning the caller must route the
// resulting text to HAVING rather than WHERE.
func (idx *index) substituteMacros(text string) (sql string, containsAggregate bool, err error) {
	var substErr error

	sql = metricMacroRe.ReplaceAllStringFunc(text, func(match string) string {
		groups := metricMacroRe.FindStringSubmatch(match)
		name := unescapeIdentifier(groups[1])
		resolved, ok := idx.metrics[name]
		if !ok {
			substErr = &UnknownMetricError{Kind: "metric", Name: name}
			return match
		}
		containsAggregate = true
		return aggregateExpr(resolved.measure)
	})
	if substErr != nil {
		return "", false, substErr
	}

	sql = timeDimensionMacroRe.ReplaceAllStringFunc(sql, func(match string) string {
		groups := timeDimensionMacroRe.FindStringSubmatch(match)
		base := unescapeIdentifier(groups[1])
		grain := groups[2]
		resolved, ok := idx.dimensions[base]
		if !ok {
			substErr = &UnknownMetricError{Kind: "dimension", Name: base}
			return match
		}
		return grainExpr(resolved.dim, grain)
	})
	if substErr != nil {
		return "", false, substErr
	}

	sql = dimensionMacroRe.ReplaceAllStringFunc(sql, func(match string) string {
		groups := dimensionMacroRe.FindStringSubmatch(match)
		name := unescapeIdentifier(groups[1])
		resolved, ok := idx.dimensions[name]
		if !ok {
			substErr = &UnknownMetricError{Kind: "dimension", Name: name}
			return match
		}
		return resolved.dim.Expr
	})
	if substErr != nil {
		return "", false, substErr
	}

	return sql, containsAggregate, nil
}

func aggregateExpr(measure Measure) string {
	switch strings.ToLower(measure.Agg) {
	case "count":
		return "COUNT(" + measure.Expr + ")"
	case "count_distinct":
		return "COUNT(DISTINCT " + measure.Expr + ")"
	case "avg":
		return "AVG(" + measure.Expr + ")"
	case "min":
		return "MIN(" + measure.Expr + ")"
	case "max":
		return "MAX(" + measure.Expr + ")"
	default:
		return "SUM(" + measure.Expr + ")"
	}
}

func grainExpr(dim Dimension, grain string) string {
	if grain == "" {
		return dim.Expr
	}
	return fmt.Sprintf("DATE_TRUNC('%s', %s)", grain, dim.Expr)
}

func unescapeIdentifier(value string) string {
	return strings.ReplaceAll(value, "''", "'")
}
