package semantic

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// manifestEngine is the default Engine implementation: it resolves
// requests against an in-memory Manifest index and, when asked to
// Query (not just Explain), hands the assembled SQL to an Adapter.
type manifestEngine struct {
	manifest *Manifest
	idx      *index
	adapter  Adapter
}

// NewEngine constructs an Engine from a parsed Manifest and the Adapter
// it should execute against. adapter may be nil when the engine is only
// ever used for Explain (SQL compilation without execution).
func NewEngine(manifest *Manifest, adapter Adapter) Engine {
	return &manifestEngine{
		manifest: manifest,
		idx:      buildIndex(manifest),
		adapter:  adapter,
	}
}

// EntityNames returns the set of entity names known across every
// semantic model, used by the filter compiler to validate a metric
// rule's settings.group_by.
func (e *manifestEngine) EntityNames() map[string]bool {
	return e.idx.entityNames
}

// Explain assembles and returns the SQL for req without executing it.
func (e *manifestEngine) Explain(ctx context.Context, req QueryRequest) (string, error) {
	return e.assemble(req)
}

// Query assembles the SQL for req and executes it via the configured
// adapter.
func (e *manifestEngine) Query(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	sql, err := e.assemble(req)
	if err != nil {
		return nil, err
	}
	if e.adapter == nil {
		return nil, &ExecutionError{Message: "no adapter configured for this engine"}
	}
	result, err := e.adapter.Query(ctx, sql)
	if err != nil {
		return nil, &ExecutionError{Message: "query execution failed", Cause: err}
	}
	return result, nil
}

// DimensionValues returns the distinct values of dimension, optionally
// scoped by a time range and the metrics whose semantic models must be
// joined to reach it.
func (e *manifestEngine) DimensionValues(ctx context.Context, dimension string, metrics []string, startTime, endTime *string) (*QueryResult, error) {
	req := QueryRequest{
		GroupBy: []GroupByInput{{Name: dimension}},
	}
	for _, m := range metrics {
		req.Metrics = append(req.Metrics, MetricInput{Name: m})
	}
	if startTime != nil {
		req.Where = append(req.Where, fmt.Sprintf("(%s >= '%s')", dimensionMacro(dimension), *startTime))
	}
	if endTime != nil {
		req.Where = append(req.Where, fmt.Sprintf("(%s <= '%s')", dimensionMacro(dimension), *endTime))
	}
	return e.Query(ctx, req)
}

func dimensionMacro(name string) string {
	return fmt.Sprintf("{{ Dimension('%s') }}", name)
}

type resolvedSelectColumn struct {
	alias string
	expr  string
	model *SemanticModel
}

// assemble builds a complete SELECT ... FROM ... [JOIN ...] [WHERE ...]
// [GROUP BY ...] [HAVING ...] [ORDER BY ...] [LIMIT ...] statement.
func (e *manifestEngine) assemble(req QueryRequest) (string, error) {
	var selectCols []resolvedSelectColumn
	var groupByExprs []string
	modelsUsed := map[string]*SemanticModel{}

	for _, gb := range req.GroupBy {
		base, grain := splitGrainSuffix(gb.Name)
		resolved, ok := e.idx.dimensions[base]
		if !ok {
			return "", &UnknownMetricError{Kind: "dimension", Name: base}
		}
		expr := grainExpr(resolved.dim, grain)
		alias := gb.Name
		selectCols = append(selectCols, resolvedSelectColumn{alias: alias, expr: expr, model: &resolved.model})
		groupByExprs = append(groupByExprs, expr)
		modelsUsed[resolved.model.Name] = &resolved.model
	}

	for _, m := range req.Metrics {
		resolved, ok := e.idx.metrics[m.Name]
		if !ok {
			return "", &UnknownMetricError{Kind: "metric", Name: m.Name}
		}
		expr := aggregateExpr(resolved.measure)
		selectCols = append(selectCols, resolvedSelectColumn{alias: m.Name, expr: expr, model: &resolved.model})
		modelsUsed[resolved.model.Name] = &resolved.model
	}

	if len(selectCols) == 0 {
		return "", &InvalidQueryError{Message: "query must select at least one metric or dimension"}
	}

	from, err := e.assembleFrom(modelsUsed)
	if err != nil {
		return "", err
	}

	var whereClauses, havingClauses []string
	for _, fragment := range req.Where {
		sql, isAggregate, err := e.idx.substituteMacros(fragment)
		if err != nil {
			return "", err
		}
		if isAggregate {
			havingClauses = append(havingClauses, sql)
		} else {
			whereClauses = append(whereClauses, sql)
		}
	}

	orderBy, err := e.assembleOrderBy(req.OrderBy, selectCols)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	parts := make([]string, len(selectCols))
	for i, col := range selectCols {
		parts[i] = fmt.Sprintf("%s AS \"%s\"", col.expr, col.alias)
	}
	b.WriteString(strings.Join(parts, ", "))
	b.WriteString(" FROM ")
	b.WriteString(from)

	if len(whereClauses) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(whereClauses, " AND "))
	}
	if len(groupByExprs) > 0 {
		b.WriteString(" GROUP BY ")
		b.WriteString(strings.Join(groupByExprs, ", "))
	}
	if len(havingClauses) > 0 {
		b.WriteString(" HAVING ")
		b.WriteString(strings.Join(havingClauses, " AND "))
	}
	if len(orderBy) > 0 {
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(orderBy, ", "))
	}
	if req.Limit != nil {
		b.WriteString(fmt.Sprintf(" LIMIT %d", *req.Limit))
	}

	return b.String(), nil
}

// assembleFrom picks a deterministic primary model (first alphabetically)
// and INNER JOINs any other referenced model on a shared entity column.
func (e *manifestEngine) assembleFrom(modelsUsed map[string]*SemanticModel) (string, error) {
	names := make([]string, 0, len(modelsUsed))
	for name := range modelsUsed {
		names = append(names, name)
	}
	sort.Strings(names)

	primary := modelsUsed[names[0]]
	var b strings.Builder
	b.WriteString(fmt.Sprintf("%s AS %s", primary.Table, primary.Name))

	for _, name := range names[1:] {
		other := modelsUsed[name]
		primaryCol, otherCol, ok := sharedEntityColumns(primary, other)
		if !ok {
			return "", &InvalidQueryError{
				Message: fmt.Sprintf("cannot join semantic models %q and %q: no shared entity", primary.Name, other.Name),
			}
		}
		b.WriteString(fmt.Sprintf(" JOIN %s AS %s ON %s.%s = %s.%s",
			other.Table, other.Name, primary.Name, primaryCol, other.Name, otherCol))
	}
	return b.String(), nil
}

// sharedEntityColumns finds an entity name common to both models and
// returns each model's own column for it, since a shared entity (e.g.
// "customer") is often a primary key on one side and a foreign key with
// a different column name on the other.
func sharedEntityColumns(a, b *SemanticModel) (aCol, bCol string, ok bool) {
	bEntities := map[string]Entity{}
	for _, e := range b.Entities {
		bEntities[e.Name] = e
	}
	for _, e := range a.Entities {
		if match, found := bEntities[e.Name]; found {
			return e.Column, match.Column, true
		}
	}
	return "", "", false
}

func (e *manifestEngine) assembleOrderBy(orderBy []string, selectCols []resolvedSelectColumn) ([]string, error) {
	aliasSet := map[string]bool{}
	for _, col := range selectCols {
		aliasSet[col.alias] = true
	}
	var result []string
	for _, name := range orderBy {
		direction := "ASC"
		alias := name
		if strings.HasPrefix(name, "-") {
			direction = "DESC"
			alias = name[1:]
		}
		if !aliasSet[alias] {
			return nil, &InvalidQueryError{Message: fmt.Sprintf("order_by references %q which is not in the select list", alias)}
		}
		result = append(result, fmt.Sprintf("\"%s\" %s", alias, direction))
	}
	return result, nil
}

func splitGrainSuffix(name string) (base, grain string) {
	idx := strings.LastIndex(name, "__")
	if idx < 0 {
		return name, ""
	}
	return name[:idx], name[idx+2:]
}
