package detector

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/dmitriimaksimovdevelop/driftwatch/internal/clock"
	"github.com/dmitriimaksimovdevelop/driftwatch/internal/model"
	"github.com/dmitriimaksimovdevelop/driftwatch/internal/rules"
)

// RateThreshold bounds sample-to-sample deltas. MaxDecrease is negative.
type RateThreshold struct {
	MaxIncrease float64 `json:"max_increase"`
	MaxDecrease float64 `json:"max_decrease"`
}

// ThresholdSet is the per-source threshold configuration.
type ThresholdSet struct {
	Upper        float64       `json:"upper"`
	Lower        float64       `json:"lower"`
	UpperWarning float64       `json:"upper_warning"`
	LowerWarning float64       `json:"lower_warning"`
	Rate         RateThreshold `json:"rate"`
	Dynamic      bool          `json:"dynamic"`
	LastUpdated  time.Time     `json:"last_updated"`
}

// AdaptiveThreshold is the online-learned state behind dynamic thresholds.
type AdaptiveThreshold struct {
	Mean        float64   `json:"mean"`
	StdDev      float64   `json:"std_dev"`
	Volatility  float64   `json:"volatility"`
	Confidence  float64   `json:"confidence"`
	LastUpdated time.Time `json:"last_updated"`
}

// violation identifies which bound a sample crossed.
type violation string

const (
	violationUpperCritical violation = "upper_critical"
	violationUpperWarning  violation = "upper_warning"
	violationLowerCritical violation = "lower_critical"
	violationLowerWarning  violation = "lower_warning"
	violationRateIncrease  violation = "rate_increase"
	violationRateDecrease  violation = "rate_decrease"
)

// Threshold flags samples that cross static or adaptively learned bounds,
// including rate-of-change bounds.
type Threshold struct {
	base
	thresholds map[string]ThresholdSet
	adaptive   map[string]AdaptiveThreshold
	buffers    map[string][]float64
	lastValue  map[string]float64
	hasLast    map[string]bool
}

// NewThreshold creates a threshold detector.
func NewThreshold(clk clock.Clock, eval *rules.Evaluator, log *zap.Logger) *Threshold {
	return &Threshold{
		base:       newBase("threshold", "threshold", clk, eval, log),
		thresholds: make(map[string]ThresholdSet),
		adaptive:   make(map[string]AdaptiveThreshold),
		buffers:    make(map[string][]float64),
		lastValue:  make(map[string]float64),
		hasLast:    make(map[string]bool),
	}
}

// Train derives per-source thresholds from historical statistics with
// k = Threshold, and rate bounds from the 2-sigma envelope of observed
// deltas.
func (d *Threshold) Train(historical []model.Sample) error {
	if err := d.checkTrainSize(len(historical)); err != nil {
		return err
	}
	cfg := d.config()
	now := d.clk.Now()

	bySource := make(map[string][]float64)
	for _, s := range historical {
		bySource[s.Source] = append(bySource[s.Source], s.Value)
	}

	d.mu.Lock()
	for src, values := range bySource {
		mu := mean(values)
		sigma := math.Sqrt(variance(values, mu))
		k := cfg.Threshold

		var pos, neg []float64
		for i := 1; i < len(values); i++ {
			delta := values[i] - values[i-1]
			if delta > 0 {
				pos = append(pos, delta)
			} else if delta < 0 {
				neg = append(neg, delta)
			}
		}
		rate := RateThreshold{
			MaxIncrease: math.Inf(1),
			MaxDecrease: math.Inf(-1),
		}
		if len(pos) > 0 {
			rate.MaxIncrease = mean(pos) + 2*stdDev(pos)
		}
		if len(neg) > 0 {
			rate.MaxDecrease = mean(neg) - 2*stdDev(neg)
		}

		d.thresholds[src] = ThresholdSet{
			Upper:        mu + k*sigma,
			Lower:        mu - k*sigma,
			UpperWarning: mu + 0.7*k*sigma,
			LowerWarning: mu - 0.7*k*sigma,
			Rate:         rate,
			Dynamic:      cfg.AdaptiveThresholds,
			LastUpdated:  now,
		}

		buf := values
		if len(buf) > cfg.WindowSize {
			buf = buf[len(buf)-cfg.WindowSize:]
		}
		d.buffers[src] = append([]float64(nil), buf...)
		d.adaptive[src] = computeAdaptive(buf, now)
	}
	d.mu.Unlock()

	d.markTrained(len(historical))
	return nil
}

// Detect implements Detector. Each sample yields at most one level
// violation (the strongest) and at most one rate violation.
func (d *Threshold) Detect(ctx context.Context, samples []model.Sample, dctx *model.DetectionContext) ([]model.Anomaly, error) {
	if !d.enabledAndReady() {
		return nil, nil
	}
	cfg := d.config()

	var anomalies []model.Anomaly
	for _, s := range samples {
		if ctx.Err() != nil {
			return anomalies, ctx.Err()
		}
		if dctx.InMaintenance(s.Timestamp) {
			d.observe(s, cfg)
			continue
		}

		d.mu.RLock()
		ts, ok := d.thresholds[s.Source]
		ad, hasAdaptive := d.adaptive[s.Source]
		bufLen := len(d.buffers[s.Source])
		last, hasLast := d.lastValue[s.Source], d.hasLast[s.Source]
		d.mu.RUnlock()
		if !ok {
			d.observe(s, cfg)
			continue
		}

		eff := ts
		if ts.Dynamic && hasAdaptive && bufLen >= cfg.MinDataPoints {
			eff = d.effectiveThresholds(ts, ad, s.Timestamp, cfg, dctx)
		}

		if v, fired := levelViolation(s.Value, eff); fired {
			if a, ok := d.emit(s, v, eff, cfg); ok {
				anomalies = append(anomalies, a)
			}
		}
		if hasLast {
			delta := s.Value - last
			if delta > eff.Rate.MaxIncrease {
				if a, ok := d.emitRate(s, violationRateIncrease, delta, eff, cfg); ok {
					anomalies = append(anomalies, a)
				}
			} else if delta < eff.Rate.MaxDecrease {
				if a, ok := d.emitRate(s, violationRateDecrease, delta, eff, cfg); ok {
					anomalies = append(anomalies, a)
				}
			}
		}

		d.observe(s, cfg)
	}
	return anomalies, nil
}

// observe feeds the adaptive buffer and the last-value tracker.
func (d *Threshold) observe(s model.Sample, cfg Config) {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf := append(d.buffers[s.Source], s.Value)
	if len(buf) > cfg.WindowSize {
		buf = buf[len(buf)-cfg.WindowSize:]
	}
	d.buffers[s.Source] = buf
	d.adaptive[s.Source] = computeAdaptive(buf, d.clk.Now())
	d.lastValue[s.Source] = s.Value
	d.hasLast[s.Source] = true
}

// effectiveThresholds recomputes bounds as mean +/- k*factor*stddev when
// dynamic mode is on. The factor widens with volatility, deployments, and
// maintenance windows, clamped to [0.5, 3.0].
func (d *Threshold) effectiveThresholds(ts ThresholdSet, ad AdaptiveThreshold, sampleTS int64, cfg Config, dctx *model.DetectionContext) ThresholdSet {
	factor := 1.0
	if ad.Volatility > 0.2 {
		factor *= 1.3
	} else if ad.Volatility < 0.05 {
		factor *= 0.8
	}
	if dctx.RecentDeployment(sampleTS, 30*time.Minute) {
		factor *= 1.5
	}
	if dctx.InMaintenance(sampleTS) {
		factor *= 2.0
	}
	factor = math.Max(0.5, math.Min(3.0, factor))

	k := cfg.Threshold
	eff := ts
	eff.Upper = ad.Mean + k*factor*ad.StdDev
	eff.Lower = ad.Mean - k*factor*ad.StdDev
	eff.UpperWarning = ad.Mean + 0.7*k*factor*ad.StdDev
	eff.LowerWarning = ad.Mean - 0.7*k*factor*ad.StdDev
	return eff
}

// levelViolation picks the strongest crossed bound, if any.
func levelViolation(v float64, ts ThresholdSet) (violation, bool) {
	switch {
	case v > ts.Upper:
		return violationUpperCritical, true
	case v > ts.UpperWarning:
		return violationUpperWarning, true
	case v < ts.Lower:
		return violationLowerCritical, true
	case v < ts.LowerWarning:
		return violationLowerWarning, true
	default:
		return "", false
	}
}

func (d *Threshold) emit(s model.Sample, v violation, eff ThresholdSet, cfg Config) (model.Anomaly, bool) {
	var typ model.AnomalyType
	var bound float64
	var score float64
	switch v {
	case violationUpperCritical:
		typ, bound, score = model.AnomalySpike, eff.Upper, 0.85
	case violationUpperWarning:
		typ, bound, score = model.AnomalySpike, eff.UpperWarning, 0.55
	case violationLowerCritical:
		typ, bound, score = model.AnomalyDrop, eff.Lower, 0.85
	case violationLowerWarning:
		typ, bound, score = model.AnomalyDrop, eff.LowerWarning, 0.55
	}

	span := math.Abs(eff.Upper - eff.Lower)
	if span > 0 {
		score = clamp01(score + math.Abs(s.Value-bound)/span*0.3)
	}
	confidence := d.confidenceBoost(0.9)

	a := d.newAnomaly(s, typ, score, confidence,
		fmt.Sprintf("value %.3f breached %s bound %.3f", s.Value, v, bound))
	a.Type = typ
	a.ExpectedValue = float64Ptr((eff.Upper + eff.Lower) / 2)
	a.Deviation = math.Abs(s.Value - bound)
	a.Context.Threshold = bound
	a.Context.BusinessContext = map[string]any{"violation": string(v)}

	if !d.finalize(&a) {
		return model.Anomaly{}, false
	}
	return a, true
}

func (d *Threshold) emitRate(s model.Sample, v violation, delta float64, eff ThresholdSet, cfg Config) (model.Anomaly, bool) {
	typ := model.AnomalySpike
	bound := eff.Rate.MaxIncrease
	if v == violationRateDecrease {
		typ = model.AnomalyDrop
		bound = eff.Rate.MaxDecrease
	}

	var excess float64
	if bound != 0 && !math.IsInf(bound, 0) {
		excess = math.Abs(delta-bound) / math.Abs(bound)
	}
	score := clamp01(0.6 + excess*0.3)
	confidence := d.confidenceBoost(0.75)

	a := d.newAnomaly(s, typ, score, confidence,
		fmt.Sprintf("rate of change %.3f breached %s bound %.3f", delta, v, bound))
	a.Deviation = math.Abs(delta)
	a.Context.Threshold = bound
	a.Context.BusinessContext = map[string]any{"violation": string(v)}

	if !d.finalize(&a) {
		return model.Anomaly{}, false
	}
	return a, true
}

func computeAdaptive(buf []float64, now time.Time) AdaptiveThreshold {
	mu := mean(buf)
	sigma := math.Sqrt(variance(buf, mu))
	var vol float64
	if mu != 0 {
		vol = sigma / math.Abs(mu)
	}
	return AdaptiveThreshold{
		Mean:        mu,
		StdDev:      sigma,
		Volatility:  vol,
		Confidence:  math.Min(1, float64(len(buf))/100),
		LastUpdated: now,
	}
}

// Reset implements Detector.
func (d *Threshold) Reset() {
	d.mu.Lock()
	d.thresholds = make(map[string]ThresholdSet)
	d.adaptive = make(map[string]AdaptiveThreshold)
	d.buffers = make(map[string][]float64)
	d.lastValue = make(map[string]float64)
	d.hasLast = make(map[string]bool)
	d.mu.Unlock()
	d.markReset()
}

// ModelInfo implements Detector.
func (d *Threshold) ModelInfo() ModelInfo {
	d.mu.RLock()
	sources := len(d.thresholds)
	d.mu.RUnlock()
	return d.modelInfo(map[string]any{
		"adaptive": d.config().AdaptiveThresholds,
		"sources":  sources,
	})
}

// GetThresholds implements ThresholdProvider.
func (d *Threshold) GetThresholds(source string) (ThresholdSet, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ts, ok := d.thresholds[source]
	return ts, ok
}

// SetThreshold implements ThresholdProvider. Setting a threshold also
// marks the detector ready for that source.
func (d *Threshold) SetThreshold(source string, ts ThresholdSet) {
	ts.LastUpdated = d.clk.Now()
	d.mu.Lock()
	d.thresholds[source] = ts
	d.ready = true
	d.mu.Unlock()
}

// GetAdaptive returns the learned adaptive state for a source.
func (d *Threshold) GetAdaptive(source string) (AdaptiveThreshold, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ad, ok := d.adaptive[source]
	return ad, ok
}

// SetAdaptiveEnabled toggles dynamic thresholds for one source.
func (d *Threshold) SetAdaptiveEnabled(source string, enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ts, ok := d.thresholds[source]; ok {
		ts.Dynamic = enabled
		ts.LastUpdated = d.clk.Now()
		d.thresholds[source] = ts
	}
}
