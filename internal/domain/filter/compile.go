package filter

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/lightdash/metricqueryd/internal/apierror"
)

// Compile lowers a Filters tree into zero or one SQL WHERE-clause
// fragments. groupByNames is the query's own group-by list; it does not
// stand in for a missing one on a metric rule: a metric rule without an
// explicit settings.group_by is logged and dropped. entityNames, when non-nil, validates a metric rule's settings.group_by
// against the semantic model's known entity names.
func Compile(filters *Filters, groupByNames []string, entityNames map[string]bool) ([]string, error) {
	if filters == nil {
		return nil, nil
	}

	var clauses []string
	for _, spec := range []struct {
		group      *Group
		targetType string
	}{
		{filters.Dimensions, targetDimension},
		{filters.Metrics, targetMetric},
		{filters.TableCalculations, targetTableCalculation},
	} {
		clause, err := buildGroupSQL(spec.group, spec.targetType, groupByNames, entityNames)
		if err != nil {
			return nil, err
		}
		if clause != "" {
			clauses = append(clauses, clause)
		}
	}

	if len(clauses) == 0 {
		return nil, nil
	}
	parts := make([]string, len(clauses))
	for i, clause := range clauses {
		parts[i] = "(" + clause + ")"
	}
	return []string{strings.Join(parts, " AND ")}, nil
}

func buildGroupSQL(group *Group, targetType string, groupByNames []string, entityNames map[string]bool) (string, error) {
	if group == nil {
		return "", nil
	}
	items, operator, err := resolveGroupItems(group)
	if err != nil {
		return "", err
	}

	var parts []string
	for _, item := range items {
		part, err := buildGroupItemSQL(item, targetType, groupByNames, entityNames)
		if err != nil {
			return "", err
		}
		if part != "" {
			parts = append(parts, part)
		}
	}
	if len(parts) == 0 {
		return "", nil
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	joiner := " " + operator + " "
	wrapped := make([]string, len(parts))
	for i, part := range parts {
		wrapped[i] = "(" + part + ")"
	}
	return strings.Join(wrapped, joiner), nil
}

func resolveGroupItems(group *Group) ([]GroupItem, string, error) {
	and := group.AndItems
	or := group.OrItems
	if len(and) > 0 && len(or) > 0 {
		return nil, "", apierror.Newf(apierror.CodeValidationError, "FilterGroup(%s) cannot set both and/or", group.ID)
	}
	if len(and) > 0 {
		return and, "AND", nil
	}
	if len(or) > 0 {
		return or, "OR", nil
	}
	return nil, "AND", nil
}

func buildGroupItemSQL(item GroupItem, targetType string, groupByNames []string, entityNames map[string]bool) (string, error) {
	if item.Rule != nil && item.Group != nil {
		return "", apierror.New(apierror.CodeValidationError, "FilterGroupItem can only contain one of rule or group")
	}
	if item.Rule != nil {
		return buildRuleSQL(item.Rule, targetType, groupByNames, entityNames)
	}
	if item.Group != nil {
		return buildGroupSQL(item.Group, targetType, groupByNames, entityNames)
	}
	return "", apierror.New(apierror.CodeValidationError, "FilterGroupItem must contain a rule or a group")
}

func buildRuleSQL(rule *Rule, targetType string, groupByNames []string, entityNames map[string]bool) (string, error) {
	if rule.Disabled {
		return "", nil
	}
	if targetType == targetTableCalculation {
		return "", nil
	}

	var groupByOverride []string
	if rule.Settings != nil {
		groupByOverride = rule.Settings.GroupBy
	}
	if targetType == targetMetric && len(groupByOverride) == 0 {
		slog.Warn("metrics filter ignored: missing settings.groupBy", "rule_id", rule.ID, "field_id", rule.Target.FieldID)
		return "", nil
	}
	if targetType == targetMetric {
		if err := validateMetricGroupBy(groupByOverride, entityNames, rule.ID); err != nil {
			return "", err
		}
	}

	expr, err := buildTargetExpression(rule.Target.FieldID, targetType, groupByNames, groupByOverride)
	if err != nil {
		return "", err
	}

	values := rule.Values
	if relativeOperators[rule.Operator] {
		return buildRelativeTimeSQL(expr, rule.Operator, values, rule.Settings)
	}
	return buildOperatorSQL(expr, rule.Operator, values)
}

func buildTargetExpression(fieldID, targetType string, groupByNames, groupByOverride []string) (string, error) {
	if targetType == targetMetric {
		names := groupByOverride
		if len(names) == 0 {
			names = groupByNames
		}
		list, err := formatGroupByList(names)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("{{ Metric('%s', group_by=%s) }}", escapeIdentifier(fieldID), list), nil
	}
	base, grain, hasGrain := splitTimeGrain(fieldID)
	if hasGrain {
		return fmt.Sprintf("{{ TimeDimension('%s', '%s') }}", escapeIdentifier(base), grain), nil
	}
	return fmt.Sprintf("{{ Dimension('%s') }}", escapeIdentifier(fieldID)), nil
}

func splitTimeGrain(fieldID string) (base, grain string, ok bool) {
	idx := strings.LastIndex(fieldID, "__")
	if idx < 0 {
		return fieldID, "", false
	}
	base = fieldID[:idx]
	suffix := strings.ToLower(fieldID[idx+2:])
	if timeGrains[suffix] {
		return base, suffix, true
	}
	return fieldID, "", false
}

func formatGroupByList(names []string) (string, error) {
	if len(names) == 0 {
		return "", apierror.New(apierror.CodeValidationError, "metrics filters require groupBy")
	}
	quoted := make([]string, len(names))
	for i, name := range names {
		quoted[i] = "'" + escapeIdentifier(name) + "'"
	}
	return "[" + strings.Join(quoted, ", ") + "]", nil
}

func validateMetricGroupBy(groupByNames []string, entityNames map[string]bool, ruleID string) error {
	if len(groupByNames) == 0 || entityNames == nil {
		return nil
	}
	var invalid []string
	for _, name := range groupByNames {
		if !entityNames[name] {
			invalid = append(invalid, name)
		}
	}
	if len(invalid) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(entityNames))
	for name := range entityNames {
		allowed = append(allowed, name)
	}
	sort.Strings(allowed)
	return apierror.New(apierror.CodeValidationError, "metrics filters settings.groupBy must be entity names").
		WithDetails(map[string]any{"invalid": invalid, "allowed": allowed, "ruleId": ruleID})
}
