// Package model defines the data types shared by the detection engine:
// samples, anomalies, alerts, data sources, and quality metrics.
// Anomalies and batches are serialized to JSON for reports and backups.
// Schema version: 1.0.0
package model

import (
	"fmt"
	"math"
	"time"
)

// Sample is a single numeric observation from a source. Immutable after
// construction.
type Sample struct {
	Source    string            `json:"source"`
	Metric    string            `json:"metric"`
	Value     float64           `json:"value"`
	Timestamp int64             `json:"timestamp"` // unix milliseconds
	Labels    map[string]string `json:"labels,omitempty"`
	Metadata  map[string]any    `json:"metadata,omitempty"`
}

// Time returns the sample timestamp as time.Time.
func (s Sample) Time() time.Time {
	return time.UnixMilli(s.Timestamp)
}

// Validate checks that the sample carries a finite value and a source.
func (s Sample) Validate() error {
	if s.Source == "" {
		return fmt.Errorf("sample: missing source")
	}
	if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
		return fmt.Errorf("sample %s/%s: value is not finite", s.Source, s.Metric)
	}
	return nil
}

// Batch is the unit emitted by the data collector to its subscribers.
type Batch struct {
	ID             string         `json:"id"`
	SourceID       string         `json:"source_id"`
	Samples        []Sample       `json:"samples"`
	QualityMetrics QualityMetrics `json:"quality_metrics"`
	Timestamp      int64          `json:"timestamp"`
	Size           int            `json:"size"`
}

// QualityMetrics scores a batch along six axes, each in [0,1].
type QualityMetrics struct {
	Completeness float64 `json:"completeness"`
	Accuracy     float64 `json:"accuracy"`
	Consistency  float64 `json:"consistency"`
	Timeliness   float64 `json:"timeliness"`
	Validity     float64 `json:"validity"`
	Uniqueness   float64 `json:"uniqueness"`
	Timestamp    int64   `json:"timestamp"`
}

// SourceType classifies a data source.
type SourceType string

const (
	SourceMetrics SourceType = "metrics"
	SourceLogs    SourceType = "logs"
	SourceTraces  SourceType = "traces"
	SourceCustom  SourceType = "custom"
)

// FilterOp is the comparison operator of a source filter.
type FilterOp string

const (
	FilterEquals   FilterOp = "equals"
	FilterContains FilterOp = "contains"
	FilterRegex    FilterOp = "regex"
	FilterRange    FilterOp = "range"
	FilterExists   FilterOp = "exists"
)

// Filter is a predicate over a dotted-path record field. All filters of a
// source are ANDed; Negate inverts the individual predicate.
type Filter struct {
	Field  string   `json:"field" yaml:"field"`
	Op     FilterOp `json:"op" yaml:"op"`
	Value  any      `json:"value,omitempty" yaml:"value,omitempty"`
	Negate bool     `json:"negate,omitempty" yaml:"negate,omitempty"`
}

// TransformKind identifies a transformation stage.
type TransformKind string

const (
	TransformNormalize TransformKind = "normalize"
	TransformAggregate TransformKind = "aggregate"
	TransformDerive    TransformKind = "derive"
	TransformEnrich    TransformKind = "enrich"
)

// Transformation is one stage of a source's pipeline, applied in list order.
type Transformation struct {
	Kind   TransformKind  `json:"kind" yaml:"kind"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// ValidationRule checks one field of a record during quality scoring.
type ValidationRule struct {
	Field   string  `json:"field" yaml:"field"`
	Kind    string  `json:"kind" yaml:"kind"` // required, range, regex, custom
	Min     float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max     float64 `json:"max,omitempty" yaml:"max,omitempty"`
	Pattern string  `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Expr    string  `json:"expr,omitempty" yaml:"expr,omitempty"` // for kind=custom
}

// DataSource describes one registered stream of records.
type DataSource struct {
	ID              string           `json:"id" yaml:"id"`
	Name            string           `json:"name" yaml:"name"`
	Type            SourceType       `json:"type" yaml:"type"`
	Enabled         bool             `json:"enabled" yaml:"enabled"`
	SamplingRate    float64          `json:"sampling_rate" yaml:"samplingRate"` // [0,1]
	Filters         []Filter         `json:"filters,omitempty" yaml:"filters,omitempty"`
	Transformations []Transformation `json:"transformations,omitempty" yaml:"transformations,omitempty"`
	ValidationRules []ValidationRule `json:"validation_rules,omitempty" yaml:"validationRules,omitempty"`
}
