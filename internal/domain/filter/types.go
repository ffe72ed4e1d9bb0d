// Package filter compiles a structured filter tree (dimensions, metrics,
// and table calculations, each an AND/OR tree of rules) into SQL WHERE
// fragments containing Metric()/Dimension()/TimeDimension() macros for
// later expansion by the semantic engine.
package filter

// Target names the field a rule filters on.
type Target struct {
	FieldID string
}

// Settings carries operator-specific configuration for a Rule.
type Settings struct {
	UnitOfTime *string
	Completed  *bool
	GroupBy    []string
}

// Rule is a single filter predicate: a target field, operator, and values.
type Rule struct {
	ID       string
	Target   Target
	Operator string
	Values   []any
	Settings *Settings
	Disabled bool
}

// GroupItem is one member of a Group: either a leaf Rule or a nested Group,
// never both.
type GroupItem struct {
	Rule  *Rule
	Group *Group
}

// Group is an AND/OR tree of GroupItems. Exactly one of AndItems/OrItems
// may be non-empty.
type Group struct {
	ID       string
	AndItems []GroupItem
	OrItems  []GroupItem
}

// Filters is the top-level filter tree, one independent Group per target
// kind. Compile AND-joins whichever of the three produce SQL.
type Filters struct {
	Dimensions        *Group
	Metrics           *Group
	TableCalculations *Group
}

const targetDimension = "dimension"
const targetMetric = "metric"
const targetTableCalculation = "table_calculation"

var timeGrains = map[string]bool{
	"nanosecond":  true,
	"microsecond": true,
	"millisecond": true,
	"second":      true,
	"minute":      true,
	"hour":        true,
	"day":         true,
	"week":        true,
	"month":       true,
	"quarter":     true,
	"year":        true,
}

var relativeOperators = map[string]bool{
	"inThePast":       true,
	"inTheNext":       true,
	"inTheCurrent":    true,
	"notInTheCurrent": true,
}
