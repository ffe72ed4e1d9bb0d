// Package semantic implements a self-contained semantic layer: a compiled
// manifest of semantic models, dimensions, measures, and metrics, and an
// Engine that assembles and (optionally) executes SQL against it. The
// Engine resolves the macro placeholders the filter compiler emits
// ({{ Metric(...) }}, {{ Dimension(...) }}, {{ TimeDimension(...) }}).
package semantic

import "encoding/json"

// Entity is a join key a semantic model exposes, e.g. a primary or
// foreign key column shared with other models.
type Entity struct {
	Name   string `json:"name"`
	Type   string `json:"type"` // primary | foreign | unique
	Column string `json:"column"`
}

// Dimension is a groupable column. Grain is read from the manifest but
// not applied: a bare name without a `__<grain>` suffix selects Expr
// untruncated.
type Dimension struct {
	Name  string `json:"name"`
	Type  string `json:"type"` // categorical | time
	Expr  string `json:"expr"`
	Grain string `json:"grain,omitempty"`
}

// Measure is an aggregatable column a metric can reference.
type Measure struct {
	Name string `json:"name"`
	Agg  string `json:"agg"` // sum | count | count_distinct | avg | min | max
	Expr string `json:"expr"`
}

// SemanticModel groups the dimensions, measures, and entities backed by
// one physical table.
type SemanticModel struct {
	Name       string      `json:"name"`
	Table      string      `json:"table"`
	Entities   []Entity    `json:"entities"`
	Dimensions []Dimension `json:"dimensions"`
	Measures   []Measure   `json:"measures"`
}

// MetricDef is a named, queryable metric backed by a measure (simple) or
// a derived expression over other metrics.
type MetricDef struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // simple | ratio | cumulative | derived | conversion
	MeasureName string `json:"measure,omitempty"`
	Expr        string `json:"expr,omitempty"` // derived/ratio expression, references other metric names
}

// Manifest is the compiled artifact a build produces and the engine
// consumes: every semantic model and metric known for a project.
type Manifest struct {
	SemanticModels []SemanticModel `json:"semantic_models"`
	Metrics        []MetricDef     `json:"metrics"`
}

// ParseManifest decodes a manifest JSON document.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &ManifestInvalidError{Cause: err}
	}
	return &m, nil
}

type resolvedMetric struct {
	def     MetricDef
	measure Measure
	model   SemanticModel
}

type resolvedDimension struct {
	dim   Dimension
	model SemanticModel
}

// index builds the lookup tables an Engine needs out of a Manifest.
type index struct {
	metrics     map[string]resolvedMetric
	dimensions  map[string]resolvedDimension
	entityNames map[string]bool
}

func buildIndex(m *Manifest) *index {
	idx := &index{
		metrics:     map[string]resolvedMetric{},
		dimensions:  map[string]resolvedDimension{},
		entityNames: map[string]bool{},
	}
	measuresByModel := map[string]map[string]Measure{}
	for _, model := range m.SemanticModels {
		measures := map[string]Measure{}
		for _, measure := range model.Measures {
			measures[measure.Name] = measure
		}
		measuresByModel[model.Name] = measures

		for _, dim := range model.Dimensions {
			idx.dimensions[dim.Name] = resolvedDimension{dim: dim, model: model}
		}
		for _, entity := range model.Entities {
			idx.entityNames[entity.Name] = true
		}
	}

	for _, metricDef := range m.Metrics {
		if metricDef.MeasureName == "" {
			continue
		}
		for _, model := range m.SemanticModels {
			if measure, ok := measuresByModel[model.Name][metricDef.MeasureName]; ok {
				idx.metrics[metricDef.Name] = resolvedMetric{def: metricDef, measure: measure, model: model}
				break
			}
		}
	}
	return idx
}
