package engine

import (
	"context"
	"fmt"

	"github.com/dmitriimaksimovdevelop/driftwatch/internal/detector"
	"github.com/dmitriimaksimovdevelop/driftwatch/internal/model"
	"github.com/dmitriimaksimovdevelop/driftwatch/internal/perfmon"
)

// The facade reaches optional detector capabilities through interface
// assertions; a detector that lacks the capability yields a typed error
// instead of a panic.

var errNoCapability = fmt.Errorf("engine: detector does not support this operation")

func (e *Engine) lookup(name string) (detector.Detector, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	det, ok := e.detectors[name]
	if !ok {
		return nil, fmt.Errorf("engine: unknown detector %q", name)
	}
	return det, nil
}

// DetectorStats bundles the per-detector inspection data.
type DetectorStats struct {
	ModelInfo    detector.ModelInfo `json:"model_info"`
	Ready        bool               `json:"ready"`
	HistoryCount int                `json:"history_count"`
	Performance  perfmon.Stats      `json:"performance"`
}

// GetStats returns model and performance information for one detector.
func (e *Engine) GetStats(name string) (DetectorStats, error) {
	det, err := e.lookup(name)
	if err != nil {
		return DetectorStats{}, err
	}
	e.mu.RLock()
	histCount := len(e.history[name])
	e.mu.RUnlock()
	return DetectorStats{
		ModelInfo:    det.ModelInfo(),
		Ready:        det.IsReady(),
		HistoryCount: histCount,
		Performance:  e.mon.GetStats(name),
	}, nil
}

// AnalyzeDataQuality scores samples on the six quality axes without
// ingesting them.
func (e *Engine) AnalyzeDataQuality(samples []model.Sample) model.QualityMetrics {
	return e.col.AnalyzeQuality(samples)
}

// BatchScore runs a named detector over samples without recording
// history or raising alerts. Intended for offline what-if scoring.
func (e *Engine) BatchScore(ctx context.Context, name string, samples []model.Sample) ([]model.Anomaly, error) {
	det, err := e.lookup(name)
	if err != nil {
		return nil, err
	}
	anomalies, err := det.Detect(ctx, samples, nil)
	if err != nil {
		return nil, fmt.Errorf("engine: batch score via %s: %w", name, err)
	}
	return anomalies, nil
}

// Retrain retrains one detector. Samples usually cover a single source;
// detectors that keep per-source state only replace the sources present.
func (e *Engine) Retrain(name string, samples []model.Sample) error {
	det, err := e.lookup(name)
	if err != nil {
		return err
	}
	if err := det.Train(samples); err != nil {
		return fmt.Errorf("engine: retrain %s: %w", name, err)
	}
	e.audit("retrain", map[string]any{"detector": name, "samples": len(samples)})
	return nil
}

// Feedback marks a previously emitted anomaly as confirmed or a false
// positive.
type Feedback struct {
	AnomalyID     string `json:"anomaly_id"`
	FalsePositive bool   `json:"false_positive"`
}

// UpdateWithFeedback applies operator feedback to the recorded history
// and, when fresh samples are supplied, retrains the detector with them.
func (e *Engine) UpdateWithFeedback(name string, samples []model.Sample, feedback []Feedback) error {
	if _, err := e.lookup(name); err != nil {
		return err
	}

	byID := make(map[string]bool, len(feedback))
	for _, f := range feedback {
		byID[f.AnomalyID] = f.FalsePositive
	}
	e.mu.Lock()
	hist := e.history[name]
	for i := range hist {
		if fp, ok := byID[hist[i].ID]; ok {
			v := fp
			hist[i].FalsePositive = &v
		}
	}
	e.mu.Unlock()

	if len(samples) > 0 {
		return e.Retrain(name, samples)
	}
	return nil
}

// GetBaseline reads a per-source baseline from a baseline-keeping
// detector.
func (e *Engine) GetBaseline(name, source string) (detector.Baseline, error) {
	det, err := e.lookup(name)
	if err != nil {
		return detector.Baseline{}, err
	}
	bp, ok := det.(detector.BaselineProvider)
	if !ok {
		return detector.Baseline{}, errNoCapability
	}
	bl, found := bp.GetBaseline(source)
	if !found {
		return detector.Baseline{}, fmt.Errorf("engine: no baseline for source %q", source)
	}
	return bl, nil
}

// SetBaseline overrides a per-source baseline.
func (e *Engine) SetBaseline(name, source string, b detector.Baseline) error {
	det, err := e.lookup(name)
	if err != nil {
		return err
	}
	bp, ok := det.(detector.BaselineProvider)
	if !ok {
		return errNoCapability
	}
	bp.SetBaseline(source, b)
	e.audit("set_baseline", map[string]any{"detector": name, "source": source})
	return nil
}

// GetThresholds reads the per-source threshold set.
func (e *Engine) GetThresholds(name, source string) (detector.ThresholdSet, error) {
	det, err := e.lookup(name)
	if err != nil {
		return detector.ThresholdSet{}, err
	}
	tp, ok := det.(detector.ThresholdProvider)
	if !ok {
		return detector.ThresholdSet{}, errNoCapability
	}
	ts, found := tp.GetThresholds(source)
	if !found {
		return detector.ThresholdSet{}, fmt.Errorf("engine: no thresholds for source %q", source)
	}
	return ts, nil
}

// SetThreshold overrides the per-source threshold set.
func (e *Engine) SetThreshold(name, source string, ts detector.ThresholdSet) error {
	det, err := e.lookup(name)
	if err != nil {
		return err
	}
	tp, ok := det.(detector.ThresholdProvider)
	if !ok {
		return errNoCapability
	}
	tp.SetThreshold(source, ts)
	e.audit("set_threshold", map[string]any{"detector": name, "source": source})
	return nil
}

// adaptiveCapable is the threshold detector's adaptive surface.
type adaptiveCapable interface {
	GetAdaptive(source string) (detector.AdaptiveThreshold, bool)
	SetAdaptiveEnabled(source string, enabled bool)
}

// GetAdaptiveThresholds reads the learned adaptive state for a source.
func (e *Engine) GetAdaptiveThresholds(name, source string) (detector.AdaptiveThreshold, error) {
	det, err := e.lookup(name)
	if err != nil {
		return detector.AdaptiveThreshold{}, err
	}
	ac, ok := det.(adaptiveCapable)
	if !ok {
		return detector.AdaptiveThreshold{}, errNoCapability
	}
	at, found := ac.GetAdaptive(source)
	if !found {
		return detector.AdaptiveThreshold{}, fmt.Errorf("engine: no adaptive state for source %q", source)
	}
	return at, nil
}

// SetAdaptiveThresholdsEnabled toggles adaptive mode for a source.
func (e *Engine) SetAdaptiveThresholdsEnabled(name, source string, enabled bool) error {
	det, err := e.lookup(name)
	if err != nil {
		return err
	}
	ac, ok := det.(adaptiveCapable)
	if !ok {
		return errNoCapability
	}
	ac.SetAdaptiveEnabled(source, enabled)
	return nil
}

// SetEnsembleStrategy changes the composite's combination strategy.
func (e *Engine) SetEnsembleStrategy(strategy string) error {
	switch strategy {
	case detector.StrategyMajorityVote, detector.StrategyWeightedAverage,
		detector.StrategyAdaptiveWeighted, detector.StrategyStacking,
		detector.StrategyHierarchical:
	default:
		return fmt.Errorf("engine: unknown ensemble strategy %q", strategy)
	}

	e.mu.Lock()
	e.cfg.EnsembleStrategy = strategy
	cfg := e.cfg
	comp := e.detectors["composite"]
	e.mu.Unlock()

	if comp == nil {
		return fmt.Errorf("engine: composite detector not registered")
	}
	if err := comp.Configure(cfg.detectorConfig()); err != nil {
		return fmt.Errorf("engine: apply strategy: %w", err)
	}
	e.audit("set_ensemble_strategy", map[string]any{"strategy": strategy})
	return nil
}

// GetDetectorPerformance returns the composite's per-child performance
// records.
func (e *Engine) GetDetectorPerformance() (map[string]detector.ChildPerformance, error) {
	comp, err := e.composite()
	if err != nil {
		return nil, err
	}
	return comp.ChildPerformanceSnapshot(), nil
}

// SetChildDetectorEnabled toggles one composite child.
func (e *Engine) SetChildDetectorEnabled(child string, enabled bool) error {
	comp, err := e.composite()
	if err != nil {
		return err
	}
	return comp.SetChildEnabled(child, enabled)
}

// AdjustDetectorWeight changes a composite child's voting weight.
func (e *Engine) AdjustDetectorWeight(child string, weight float64) error {
	comp, err := e.composite()
	if err != nil {
		return err
	}
	return comp.SetChildWeight(child, weight)
}

func (e *Engine) composite() (*detector.Composite, error) {
	det, err := e.lookup("composite")
	if err != nil {
		return nil, err
	}
	comp, ok := det.(*detector.Composite)
	if !ok {
		return nil, errNoCapability
	}
	return comp, nil
}

// GetFeatureImportance reads per-feature weights from a detector that
// tracks them.
func (e *Engine) GetFeatureImportance(name, source string) (map[string]float64, error) {
	det, err := e.lookup(name)
	if err != nil {
		return nil, err
	}
	fp, ok := det.(detector.FeatureImportanceProvider)
	if !ok {
		return nil, errNoCapability
	}
	return fp.FeatureImportance(source), nil
}

// Predict produces a forecast from a predictive detector.
func (e *Engine) Predict(name, source string, steps int, withInterval bool) ([]detector.Forecast, error) {
	det, err := e.lookup(name)
	if err != nil {
		return nil, err
	}
	p, ok := det.(detector.Predictor)
	if !ok {
		return nil, errNoCapability
	}
	return p.Predict(source, steps, withInterval)
}
