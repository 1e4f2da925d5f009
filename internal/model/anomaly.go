package model

import "time"

// AnomalyType classifies what kind of deviation a detector observed.
type AnomalyType string

const (
	AnomalySpike             AnomalyType = "spike"
	AnomalyDrop              AnomalyType = "drop"
	AnomalyTrendChange       AnomalyType = "trend_change"
	AnomalySeasonalDeviation AnomalyType = "seasonal_deviation"
	AnomalyOutlier           AnomalyType = "outlier"
	AnomalyPatternBreak      AnomalyType = "pattern_break"
	AnomalyThresholdBreach   AnomalyType = "threshold_breach"
	AnomalyFrequency         AnomalyType = "frequency_anomaly"
	AnomalyCorrelationBreak  AnomalyType = "correlation_break"
)

// Severity grades an anomaly. Ordered low < medium < high < critical.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Rank returns the ordering position of the severity; unknown values rank
// below low.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return -1
}

// AtLeast reports whether s is at or above the given threshold severity.
func (s Severity) AtLeast(threshold Severity) bool {
	return s.Rank() >= threshold.Rank()
}

// SeverityFromScore derives severity from score*confidence. The mapping is
// fixed: >=0.9 critical, >=0.7 high, >=0.4 medium, else low.
func SeverityFromScore(score, confidence float64) Severity {
	adjusted := score * confidence
	switch {
	case adjusted >= 0.9:
		return SeverityCritical
	case adjusted >= 0.7:
		return SeverityHigh
	case adjusted >= 0.4:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// AnomalyContext carries the detector-side evidence for an anomaly.
type AnomalyContext struct {
	Metric            string            `json:"metric"`
	Labels            map[string]string `json:"labels,omitempty"`
	WindowSize        int               `json:"window_size,omitempty"`
	Algorithm         string            `json:"algorithm"`
	Threshold         float64           `json:"threshold,omitempty"`
	HistoricalMean    *float64          `json:"historical_mean,omitempty"`
	HistoricalStdDev  *float64          `json:"historical_std_dev,omitempty"`
	SeasonalPattern   string            `json:"seasonal_pattern,omitempty"`
	TrendDirection    string            `json:"trend_direction,omitempty"`
	CorrelatedMetrics []string          `json:"correlated_metrics,omitempty"`
	BusinessContext   map[string]any    `json:"business_context,omitempty"`
}

// Anomaly is a single detection result. Immutable once emitted, except for
// the resolution fields which are set by user action.
type Anomaly struct {
	ID            string         `json:"id"`
	Type          AnomalyType    `json:"type"`
	Severity      Severity       `json:"severity"`
	Score         float64        `json:"score"`      // [0,1]
	Confidence    float64        `json:"confidence"` // [0,1]
	Timestamp     int64          `json:"timestamp"`
	Sample        Sample         `json:"sample"`
	Description   string         `json:"description"`
	ExpectedValue *float64       `json:"expected_value,omitempty"`
	ActualValue   float64        `json:"actual_value"`
	Deviation     float64        `json:"deviation"`
	Context       AnomalyContext `json:"context"`
	Resolved      bool           `json:"resolved"`
	ResolvedAt    *time.Time     `json:"resolved_at,omitempty"`
	FalsePositive *bool          `json:"false_positive,omitempty"`
}

// MaintenanceWindow is a time span during which no anomalies are emitted.
type MaintenanceWindow struct {
	Start int64 `json:"start"` // unix milliseconds
	End   int64 `json:"end"`
}

// Contains reports whether ts (unix ms) falls inside the window.
func (w MaintenanceWindow) Contains(ts int64) bool {
	return ts >= w.Start && ts <= w.End
}

// Deployment marks a recent rollout; detectors widen tolerances around it.
type Deployment struct {
	Timestamp int64  `json:"timestamp"`
	Status    string `json:"status,omitempty"`
}

// PerformanceRequirements steer composite detector selection.
type PerformanceRequirements struct {
	LowLatency     bool `json:"low_latency,omitempty"`
	HighThroughput bool `json:"high_throughput,omitempty"`
	HighAccuracy   bool `json:"high_accuracy,omitempty"`
}

// DetectionContext is passed alongside samples into Detect.
type DetectionContext struct {
	MaintenanceWindows      []MaintenanceWindow     `json:"maintenance_windows,omitempty"`
	Deployments             []Deployment            `json:"deployments,omitempty"`
	PerformanceRequirements PerformanceRequirements `json:"performance_requirements,omitempty"`
}

// InMaintenance reports whether ts (unix ms) falls inside any declared
// maintenance window.
func (c *DetectionContext) InMaintenance(ts int64) bool {
	if c == nil {
		return false
	}
	for _, w := range c.MaintenanceWindows {
		if w.Contains(ts) {
			return true
		}
	}
	return false
}

// RecentDeployment reports whether any deployment happened within the
// lookback period before ts.
func (c *DetectionContext) RecentDeployment(ts int64, lookback time.Duration) bool {
	if c == nil {
		return false
	}
	for _, d := range c.Deployments {
		delta := ts - d.Timestamp
		if delta >= 0 && delta <= lookback.Milliseconds() {
			return true
		}
	}
	return false
}
