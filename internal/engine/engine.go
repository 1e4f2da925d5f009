// Package engine owns the detector registry: it selects and trains the
// active detector, fans samples into it, tracks anomaly history, and
// forwards detections to alerting and the performance monitor.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dmitriimaksimovdevelop/driftwatch/internal/alerting"
	"github.com/dmitriimaksimovdevelop/driftwatch/internal/clock"
	"github.com/dmitriimaksimovdevelop/driftwatch/internal/collector"
	"github.com/dmitriimaksimovdevelop/driftwatch/internal/detector"
	"github.com/dmitriimaksimovdevelop/driftwatch/internal/events"
	"github.com/dmitriimaksimovdevelop/driftwatch/internal/model"
	"github.com/dmitriimaksimovdevelop/driftwatch/internal/perfmon"
	"github.com/dmitriimaksimovdevelop/driftwatch/internal/rules"
)

const maxAnomalyHistory = 10000

// Config selects and tunes the active detector.
type Config struct {
	Enabled            bool                 `yaml:"enabled"`
	DetectorType       string               `yaml:"detectorType"`
	Sensitivity        float64              `yaml:"sensitivity"`
	Threshold          float64              `yaml:"threshold"`
	WindowSize         int                  `yaml:"windowSize"`
	MinDataPoints      int                  `yaml:"minDataPoints"`
	LearningPeriod     time.Duration        `yaml:"learningPeriod"`
	AdaptiveThresholds bool                 `yaml:"adaptiveThresholds"`
	Seed               int64                `yaml:"seed"`
	EnsembleStrategy   string               `yaml:"ensembleStrategy"`
	BusinessRules      []rules.BusinessRule `yaml:"businessRules"`
}

// DefaultConfig returns the engine defaults: z-score active, standard
// thresholds.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		DetectorType:  "zscore",
		Sensitivity:   0.5,
		Threshold:     3.0,
		WindowSize:    100,
		MinDataPoints: 30,
	}
}

func (c Config) detectorConfig() detector.Config {
	return detector.Config{
		Enabled:            c.Enabled,
		Sensitivity:        c.Sensitivity,
		Threshold:          c.Threshold,
		WindowSize:         c.WindowSize,
		MinDataPoints:      c.MinDataPoints,
		LearningPeriod:     c.LearningPeriod,
		AdaptiveThresholds: c.AdaptiveThresholds,
		Seed:               c.Seed,
		BusinessRules:      c.BusinessRules,
		EnsembleStrategy:   c.EnsembleStrategy,
	}
}

// AuditFunc receives one audit entry per engine operation.
type AuditFunc func(action string, details map[string]any)

// detectionStats aggregates counters since startup.
type detectionStats struct {
	SamplesProcessed int64 `json:"samples_processed"`
	AnomaliesFound   int64 `json:"anomalies_found"`
	DetectRuns       int64 `json:"detect_runs"`
}

// Engine is the detector registry and detection front door. The detector
// map is copy-on-write: SwitchDetector and Configure replace it, readers
// take the current map without holding the write lock during Detect.
type Engine struct {
	clk    clock.Clock
	bus    *events.Bus
	eval   *rules.Evaluator
	log    *zap.Logger
	alerts *alerting.Manager
	mon    *perfmon.Monitor
	col    *collector.Collector
	audit  AuditFunc

	mu        sync.RWMutex
	cfg       Config
	detectors map[string]detector.Detector
	active    string
	history   map[string][]model.Anomaly
	stats     detectionStats
	startedAt time.Time
	inflight  sync.WaitGroup
}

// New builds the engine with the full detector set. An unknown
// DetectorType is fatal: initialization fails and nothing is mutated.
func New(cfg Config, clk clock.Clock, bus *events.Bus, eval *rules.Evaluator,
	alerts *alerting.Manager, mon *perfmon.Monitor, col *collector.Collector,
	log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("engine")

	dets := buildDetectors(clk, eval, log)
	if _, ok := dets[cfg.DetectorType]; !ok {
		return nil, fmt.Errorf("engine: unknown detector type %q", cfg.DetectorType)
	}

	e := &Engine{
		clk:       clk,
		bus:       bus,
		eval:      eval,
		log:       log,
		alerts:    alerts,
		mon:       mon,
		col:       col,
		cfg:       cfg,
		detectors: dets,
		active:    cfg.DetectorType,
		history:   make(map[string][]model.Anomaly),
		startedAt: clk.Now(),
		audit:     func(string, map[string]any) {},
	}
	if err := e.applyConfig(cfg); err != nil {
		return nil, err
	}
	return e, nil
}

func buildDetectors(clk clock.Clock, eval *rules.Evaluator, log *zap.Logger) map[string]detector.Detector {
	dets := map[string]detector.Detector{
		"zscore":           detector.NewZScore(clk, eval, log),
		"statistical":      detector.NewStatistical(clk, eval, log),
		"threshold":        detector.NewThreshold(clk, eval, log),
		"isolation_forest": detector.NewIsolationForest(clk, eval, log),
		"seasonal":         detector.NewSeasonal(clk, eval, log),
		"knn":              detector.NewKNN(clk, eval, log),
		"ml_ensemble":      detector.NewMLEnsemble(clk, eval, log),
	}

	// The composite gets its own child instances so switching the active
	// detector never shares rolling state with the standalone ones.
	comp := detector.NewComposite(clk, eval, log)
	children := []struct {
		det    detector.Detector
		weight float64
	}{
		{detector.NewZScore(clk, eval, log), 1.0},
		{detector.NewThreshold(clk, eval, log), 1.0},
		{detector.NewStatistical(clk, eval, log), 1.3},
		{detector.NewIsolationForest(clk, eval, log), 1.1},
		{detector.NewSeasonal(clk, eval, log), 1.0},
		{detector.NewKNN(clk, eval, log), 0.9},
		{detector.NewMLEnsemble(clk, eval, log), 1.2},
	}
	for _, c := range children {
		// AddChild only fails on duplicates, which cannot happen here.
		_ = comp.AddChild(c.det, c.weight)
	}
	dets["composite"] = comp
	return dets
}

// SetAuditSink wires the orchestrator's audit log into engine operations.
func (e *Engine) SetAuditSink(fn AuditFunc) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	e.audit = fn
	e.mu.Unlock()
}

// Configure applies a new engine config to every detector.
func (e *Engine) Configure(cfg Config) error {
	e.mu.RLock()
	_, known := e.detectors[cfg.DetectorType]
	e.mu.RUnlock()
	if !known {
		return fmt.Errorf("engine: unknown detector type %q", cfg.DetectorType)
	}
	if err := e.applyConfig(cfg); err != nil {
		return err
	}

	e.mu.Lock()
	e.cfg = cfg
	e.active = cfg.DetectorType
	e.mu.Unlock()
	e.audit("configure", map[string]any{"detector_type": cfg.DetectorType})
	return nil
}

func (e *Engine) applyConfig(cfg Config) error {
	dcfg := cfg.detectorConfig()
	e.mu.RLock()
	dets := e.detectors
	e.mu.RUnlock()
	for name, det := range dets {
		if err := det.Configure(dcfg); err != nil {
			return fmt.Errorf("engine: configure %s: %w", name, err)
		}
	}
	return nil
}

// SwitchDetector atomically changes the active detector, reconfiguring it
// with the current engine config.
func (e *Engine) SwitchDetector(name string) bool {
	e.mu.Lock()
	det, ok := e.detectors[name]
	if !ok {
		e.mu.Unlock()
		return false
	}
	cfg := e.cfg
	cfg.DetectorType = name

	// Copy-on-write so in-flight Detect calls keep their map.
	next := make(map[string]detector.Detector, len(e.detectors))
	for k, v := range e.detectors {
		next[k] = v
	}
	e.detectors = next
	e.active = name
	e.cfg = cfg
	e.mu.Unlock()

	if err := det.Configure(cfg.detectorConfig()); err != nil {
		e.log.Warn("reconfigure after switch failed", zap.String("detector", name), zap.Error(err))
	}
	e.audit("switch_detector", map[string]any{"detector": name})
	e.log.Info("active detector switched", zap.String("detector", name))
	return true
}

// ActiveDetector returns the active detector's name.
func (e *Engine) ActiveDetector() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active
}

// Train trains the active detector on historical samples.
func (e *Engine) Train(historical []model.Sample) error {
	name, det := e.activeDet()
	if det == nil {
		return fmt.Errorf("engine: no active detector")
	}
	if err := det.Train(historical); err != nil {
		return fmt.Errorf("engine: train %s: %w", name, err)
	}
	e.audit("train", map[string]any{"detector": name, "samples": len(historical)})
	return nil
}

func (e *Engine) activeDet() (string, detector.Detector) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active, e.detectors[e.active]
}

// Detect runs the active detector over the samples, records performance,
// keeps history, and forwards anomalies to alerting.
func (e *Engine) Detect(ctx context.Context, samples []model.Sample, dctx *model.DetectionContext) ([]model.Anomaly, error) {
	e.mu.RLock()
	enabled := e.cfg.Enabled
	e.mu.RUnlock()
	if !enabled || len(samples) == 0 {
		return nil, nil
	}

	name, det := e.activeDet()
	if det == nil {
		return nil, fmt.Errorf("engine: no active detector")
	}

	e.inflight.Add(1)
	defer e.inflight.Done()

	// Quality first: the collector applies the source's validation rules
	// and publishes a quality anomaly when validity drops below its floor.
	quality := e.col.AnalyzeQuality(samples)

	start := e.clk.Now()
	anomalies, err := det.Detect(ctx, samples, dctx)
	elapsed := e.clk.Now().Sub(start)
	if err != nil {
		return anomalies, fmt.Errorf("engine: detect via %s: %w", name, err)
	}

	cpuPct, memMB := perfmon.CaptureSystem()
	throughput := 0.0
	if secs := elapsed.Seconds(); secs > 0 {
		throughput = float64(len(samples)) / secs
	}
	e.mon.Record(name, perfmon.Record{
		DetectionLatency: perSampleLatency(elapsed, len(samples)),
		ProcessingTime:   elapsed,
		MemoryMB:         memMB,
		CPUPct:           cpuPct,
		ThroughputPerSec: throughput,
	})

	e.mu.Lock()
	e.stats.SamplesProcessed += int64(len(samples))
	e.stats.AnomaliesFound += int64(len(anomalies))
	e.stats.DetectRuns++
	hist := append(e.history[name], anomalies...)
	if len(hist) > maxAnomalyHistory {
		hist = hist[len(hist)-maxAnomalyHistory:]
	}
	e.history[name] = hist
	e.mu.Unlock()

	for _, a := range anomalies {
		if _, err := e.alerts.ProcessAnomaly(ctx, a); err != nil {
			e.log.Warn("alerting rejected anomaly", zap.String("anomaly_id", a.ID), zap.Error(err))
		}
	}

	e.bus.Publish(events.TopicDetectionCompleted, map[string]any{
		"detector":  name,
		"samples":   len(samples),
		"anomalies": len(anomalies),
		"elapsed":   elapsed.String(),
	})
	e.audit("detect", map[string]any{
		"detector":  name,
		"samples":   len(samples),
		"anomalies": len(anomalies),
		"validity":  quality.Validity,
	})
	return anomalies, nil
}

// perSampleLatency spreads one run's elapsed time over its samples.
func perSampleLatency(elapsed time.Duration, n int) time.Duration {
	if n <= 0 {
		return elapsed
	}
	return elapsed / time.Duration(n)
}

// AwaitIdle blocks until in-flight Detect calls finish or the timeout
// expires. Used during shutdown; a timeout drops the stragglers.
func (e *Engine) AwaitIdle(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Acknowledge forwards to alerting.
func (e *Engine) Acknowledge(alertID, user string) bool {
	ok := e.alerts.Acknowledge(alertID, user)
	e.audit("acknowledge", map[string]any{"alert_id": alertID, "user": user, "ok": ok})
	return ok
}

// Resolve forwards to alerting.
func (e *Engine) Resolve(alertID string) bool {
	ok := e.alerts.Resolve(alertID)
	e.audit("resolve", map[string]any{"alert_id": alertID, "ok": ok})
	return ok
}

// AnomalyHistory returns the last n recorded anomalies for a detector.
func (e *Engine) AnomalyHistory(name string, n int) []model.Anomaly {
	e.mu.RLock()
	defer e.mu.RUnlock()
	hist := e.history[name]
	if n > 0 && len(hist) > n {
		hist = hist[len(hist)-n:]
	}
	return append([]model.Anomaly(nil), hist...)
}

// HistorySnapshot copies the full anomaly history for backup.
func (e *Engine) HistorySnapshot() map[string][]model.Anomaly {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string][]model.Anomaly, len(e.history))
	for name, hist := range e.history {
		out[name] = append([]model.Anomaly(nil), hist...)
	}
	return out
}

// PruneHistory drops anomalies older than maxAge and trims each detector
// history to maxSize. Returns the number of dropped anomalies.
func (e *Engine) PruneHistory(maxAge time.Duration, maxSize int) int {
	cutoff := e.clk.Now().Add(-maxAge).UnixMilli()
	e.mu.Lock()
	defer e.mu.Unlock()

	dropped := 0
	for name, hist := range e.history {
		keep := hist[:0]
		for _, a := range hist {
			if a.Timestamp >= cutoff {
				keep = append(keep, a)
			}
		}
		if maxSize > 0 && len(keep) > maxSize {
			keep = keep[len(keep)-maxSize:]
		}
		dropped += len(hist) - len(keep)
		e.history[name] = keep
	}
	return dropped
}

// Config returns the current engine config.
func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}
