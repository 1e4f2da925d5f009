package collector

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/dmitriimaksimovdevelop/driftwatch/internal/events"
	"github.com/dmitriimaksimovdevelop/driftwatch/internal/model"
)

// AnalyzeQuality scores an ad-hoc set of samples outside the ingest path.
// When every sample carries the same registered source, that source's
// validation rules apply and a quality anomaly is published on violation,
// mirroring Collect. The engine runs this ahead of detection; the facade
// exposes it for inspection.
func (c *Collector) AnalyzeQuality(samples []model.Sample) model.QualityMetrics {
	sourceID := ""
	if len(samples) > 0 {
		sourceID = samples[0].Source
		for _, s := range samples[1:] {
			if s.Source != sourceID {
				sourceID = ""
				break
			}
		}
	}

	var vrules []model.ValidationRule
	if sourceID != "" {
		c.mu.Lock()
		if st, ok := c.sources[sourceID]; ok {
			vrules = st.src.ValidationRules
		}
		c.mu.Unlock()
	}

	quality := c.scoreQuality(samples, vrules, c.clk.Now().UnixMilli())
	if quality.Validity < 1-c.cfg.AnomalyThreshold {
		c.bus.Publish(events.TopicQualityAnomaly, map[string]any{
			"source_id": sourceID,
			"quality":   quality,
		})
	}
	return quality
}

// scoreQuality computes the six-axis quality metrics for a set of samples.
// An empty set scores 1.0 on every axis.
func (c *Collector) scoreQuality(samples []model.Sample, vrules []model.ValidationRule, now int64) model.QualityMetrics {
	q := model.QualityMetrics{
		Completeness: 1, Accuracy: 1, Consistency: 1,
		Timeliness: 1, Validity: 1, Uniqueness: 1,
		Timestamp: now,
	}
	if len(samples) == 0 {
		return q
	}
	n := float64(len(samples))

	// Completeness: share of required fields (metric, value, timestamp)
	// present per sample.
	var completeness float64
	for _, s := range samples {
		present := 0
		if s.Metric != "" {
			present++
		}
		if !math.IsNaN(s.Value) && !math.IsInf(s.Value, 0) {
			present++
		}
		if s.Timestamp > 0 {
			present++
		}
		completeness += float64(present) / 3
	}
	q.Completeness = completeness / n

	// Validity: valid rule checks over total rule checks.
	if len(vrules) > 0 {
		total, valid := 0, 0
		for _, s := range samples {
			for _, r := range vrules {
				total++
				ok, err := c.checkRule(s, r)
				if err != nil {
					c.log.Warn("validation rule failed",
						zap.String("field", r.Field), zap.String("kind", r.Kind), zap.Error(err))
					continue
				}
				if ok {
					valid++
				}
			}
		}
		if total > 0 {
			q.Validity = float64(valid) / float64(total)
		}
	}
	q.Accuracy = q.Validity // documented approximation

	// Timeliness: 1 - age/maxAge, floored at 0, averaged.
	maxAge := c.cfg.MaxAge.Milliseconds()
	var timeliness float64
	for _, s := range samples {
		age := now - s.Timestamp
		if age < 0 {
			age = 0
		}
		timeliness += math.Max(0, 1-float64(age)/float64(maxAge))
	}
	q.Timeliness = timeliness / n

	// Consistency: metric homogeneity averaged with 1 - 3-sigma outlier ratio.
	metricScore := 1.0
	for _, s := range samples[1:] {
		if s.Metric != samples[0].Metric {
			metricScore = 0.5
			break
		}
	}
	var sum float64
	for _, s := range samples {
		sum += s.Value
	}
	mean := sum / n
	var ss float64
	for _, s := range samples {
		ss += (s.Value - mean) * (s.Value - mean)
	}
	std := math.Sqrt(ss / n)
	outliers := 0
	if std > 0 {
		for _, s := range samples {
			if math.Abs(s.Value-mean) > 3*std {
				outliers++
			}
		}
	}
	q.Consistency = (metricScore + (1 - float64(outliers)/n)) / 2

	// Uniqueness: distinct timestamps over sample count.
	seen := make(map[int64]struct{}, len(samples))
	for _, s := range samples {
		seen[s.Timestamp] = struct{}{}
	}
	q.Uniqueness = float64(len(seen)) / n

	return q
}

func (c *Collector) checkRule(s model.Sample, r model.ValidationRule) (bool, error) {
	val, present := sampleField(s, r.Field)

	switch r.Kind {
	case "required":
		return present, nil
	case "range":
		if !present {
			return false, nil
		}
		f, ok := toFloat(val)
		if !ok {
			return false, nil
		}
		return f >= r.Min && f <= r.Max, nil
	case "regex":
		if !present {
			return false, nil
		}
		re, err := compileRegex(r.Pattern)
		if err != nil {
			return false, err
		}
		return re.MatchString(fmt.Sprintf("%v", val)), nil
	case "custom":
		env := map[string]any{
			"metric":    s.Metric,
			"value":     s.Value,
			"timestamp": s.Timestamp,
			"source":    s.Source,
		}
		for k, v := range s.Metadata {
			env[k] = v
		}
		return c.eval.EvalBool(r.Expr, env)
	default:
		return false, fmt.Errorf("unknown validation kind %q", r.Kind)
	}
}

func sampleField(s model.Sample, field string) (any, bool) {
	switch field {
	case "metric":
		return s.Metric, s.Metric != ""
	case "value":
		return s.Value, true
	case "timestamp":
		return s.Timestamp, s.Timestamp > 0
	case "source":
		return s.Source, s.Source != ""
	default:
		if s.Metadata != nil {
			v, ok := getNested(s.Metadata, field)
			return v, ok
		}
		return nil, false
	}
}
