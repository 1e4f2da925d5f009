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

// ZScore flags samples whose standard score against a rolling per-source
// baseline exceeds the configured threshold. The window updates online:
// append, trim to WindowSize, recompute.
type ZScore struct {
	base
	windows   map[string][]float64
	baselines map[string]Baseline
}

// NewZScore creates a z-score detector.
func NewZScore(clk clock.Clock, eval *rules.Evaluator, log *zap.Logger) *ZScore {
	return &ZScore{
		base:      newBase("zscore", "z_score", clk, eval, log),
		windows:   make(map[string][]float64),
		baselines: make(map[string]Baseline),
	}
}

// Train seeds the per-source windows and baselines from historical data.
func (d *ZScore) Train(historical []model.Sample) error {
	if err := d.checkTrainSize(len(historical)); err != nil {
		return err
	}
	window := d.config().WindowSize

	bySource := make(map[string][]float64)
	for _, s := range historical {
		bySource[s.Source] = append(bySource[s.Source], s.Value)
	}

	d.mu.Lock()
	for src, values := range bySource {
		if len(values) > window {
			values = values[len(values)-window:]
		}
		d.windows[src] = values
		d.baselines[src] = d.computeBaseline(values)
	}
	d.mu.Unlock()

	d.markTrained(len(historical))
	return nil
}

// Detect scores each sample against its source baseline, then updates the
// window with the observed value.
func (d *ZScore) Detect(ctx context.Context, samples []model.Sample, dctx *model.DetectionContext) ([]model.Anomaly, error) {
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
			continue
		}

		d.mu.RLock()
		bl, hasBaseline := d.baselines[s.Source]
		win := append([]float64(nil), d.windows[s.Source]...)
		d.mu.RUnlock()

		if hasBaseline && bl.StdDev >= 0 {
			if a, ok := d.score(s, bl, win, cfg, dctx); ok {
				anomalies = append(anomalies, a)
			}
		}

		d.update(s.Source, s.Value, cfg.WindowSize)
	}
	return anomalies, nil
}

func (d *ZScore) score(s model.Sample, bl Baseline, win []float64, cfg Config, dctx *model.DetectionContext) (model.Anomaly, bool) {
	var z float64
	if bl.StdDev > 0 {
		z = math.Abs(s.Value-bl.Mean) / bl.StdDev
	}
	med := median(win)
	mad := medianAbsoluteDeviation(win, med)
	modZ := modifiedZScore(s.Value, med, mad)

	if z < cfg.Threshold {
		return model.Anomaly{}, false
	}

	typ := model.AnomalyOutlier
	switch {
	case s.Value > bl.Mean+3*bl.StdDev:
		typ = model.AnomalySpike
	case s.Value < bl.Mean-3*bl.StdDev:
		typ = model.AnomalyDrop
	}

	// Score saturates at 2x the threshold.
	score := clamp01(z / (cfg.Threshold * 2))

	// Confidence mixes z magnitude, agreement between the two scores,
	// window fullness, and a penalty right after deployments.
	agreement := 1.0
	if z > 0 && modZ > 0 {
		agreement = 1 - math.Abs(z-modZ)/math.Max(z, modZ)
	}
	fullness := math.Min(1, float64(len(win))/float64(cfg.WindowSize))
	confidence := 0.5*clamp01(z/(cfg.Threshold*2)) + 0.3*agreement + 0.2*fullness
	if dctx.RecentDeployment(s.Timestamp, 30*time.Minute) {
		confidence *= 0.7
	}
	confidence = d.confidenceBoost(confidence)

	a := d.newAnomaly(s, typ, score, confidence,
		fmt.Sprintf("value %.3f deviates %.2f sigma from baseline %.3f", s.Value, z, bl.Mean))
	a.ExpectedValue = float64Ptr(bl.Mean)
	a.Deviation = z
	a.Context.WindowSize = cfg.WindowSize
	a.Context.Threshold = cfg.Threshold
	a.Context.HistoricalMean = float64Ptr(bl.Mean)
	a.Context.HistoricalStdDev = float64Ptr(bl.StdDev)

	if !d.finalize(&a) {
		return model.Anomaly{}, false
	}
	return a, true
}

func (d *ZScore) update(source string, value float64, window int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	win := append(d.windows[source], value)
	if len(win) > window {
		win = win[len(win)-window:]
	}
	d.windows[source] = win
	d.baselines[source] = d.computeBaseline(win)
}

// computeBaseline must be called with at least a read lock held or on
// private data.
func (d *ZScore) computeBaseline(values []float64) Baseline {
	mu := mean(values)
	return Baseline{
		Mean:        mu,
		StdDev:      math.Sqrt(variance(values, mu)),
		SampleSize:  len(values),
		LastUpdated: d.clk.Now(),
	}
}

// Reset drops all windows and baselines.
func (d *ZScore) Reset() {
	d.mu.Lock()
	d.windows = make(map[string][]float64)
	d.baselines = make(map[string]Baseline)
	d.mu.Unlock()
	d.markReset()
}

// ModelInfo implements Detector.
func (d *ZScore) ModelInfo() ModelInfo {
	d.mu.RLock()
	sources := len(d.baselines)
	d.mu.RUnlock()
	return d.modelInfo(map[string]any{
		"window_size": d.config().WindowSize,
		"threshold":   d.config().Threshold,
		"sources":     sources,
	})
}

// GetBaseline implements BaselineProvider.
func (d *ZScore) GetBaseline(source string) (Baseline, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	bl, ok := d.baselines[source]
	return bl, ok
}

// SetBaseline implements BaselineProvider.
func (d *ZScore) SetBaseline(source string, b Baseline) {
	d.mu.Lock()
	d.baselines[source] = b
	d.mu.Unlock()
}
