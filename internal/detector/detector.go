// Package detector implements the streaming anomaly detectors: z-score,
// statistical ensemble, threshold (static and adaptive), isolation forest,
// seasonal decomposition, KNN, ML ensemble, and the composite meta-detector
// that arbitrates between them.
package detector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dmitriimaksimovdevelop/driftwatch/internal/clock"
	"github.com/dmitriimaksimovdevelop/driftwatch/internal/model"
	"github.com/dmitriimaksimovdevelop/driftwatch/internal/rules"
)

// Sentinel errors surfaced across the engine boundary.
var (
	ErrInsufficientData = errors.New("detector: insufficient training data")
	ErrNotConfigured    = errors.New("detector: not configured")
)

// Config is the per-detector configuration. Threshold units are detector
// specific (z-score multiples, absolute bounds, score cutoffs).
type Config struct {
	Enabled            bool
	Sensitivity        float64 // [0,1], boosts confidence
	Threshold          float64
	WindowSize         int
	MinDataPoints      int
	LearningPeriod     time.Duration
	AdaptiveThresholds bool
	Seed               int64
	BusinessRules      []rules.BusinessRule
	EnsembleStrategy   string // composite only
}

// DefaultConfig returns a config with the engine-wide defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		Sensitivity:   0.5,
		Threshold:     3.0,
		WindowSize:    100,
		MinDataPoints: 30,
	}
}

func (c Config) validate() error {
	if c.Sensitivity < 0 || c.Sensitivity > 1 {
		return fmt.Errorf("detector: sensitivity %v out of [0,1]", c.Sensitivity)
	}
	if c.WindowSize <= 0 {
		return fmt.Errorf("detector: window size must be positive")
	}
	if c.MinDataPoints <= 0 {
		return fmt.Errorf("detector: minDataPoints must be positive")
	}
	return nil
}

// ModelInfo describes the trained state of a detector.
type ModelInfo struct {
	Algorithm        string         `json:"algorithm"`
	Version          string         `json:"version"`
	TrainedAt        *time.Time     `json:"trained_at,omitempty"`
	TrainingDataSize int            `json:"training_data_size,omitempty"`
	Parameters       map[string]any `json:"parameters,omitempty"`
}

// Detector is the capability every detection algorithm implements.
type Detector interface {
	Name() string
	Configure(cfg Config) error
	Train(historical []model.Sample) error
	Detect(ctx context.Context, samples []model.Sample, dctx *model.DetectionContext) ([]model.Anomaly, error)
	IsReady() bool
	Reset()
	ModelInfo() ModelInfo
}

// Baseline is a per-source statistical summary of normal behavior.
type Baseline struct {
	Mean        float64   `json:"mean"`
	StdDev      float64   `json:"std_dev"`
	SampleSize  int       `json:"sample_size"`
	LastUpdated time.Time `json:"last_updated"`
}

// BaselineProvider is implemented by detectors that keep per-source
// mean/stddev baselines.
type BaselineProvider interface {
	GetBaseline(source string) (Baseline, bool)
	SetBaseline(source string, b Baseline)
}

// ThresholdProvider is implemented by detectors with per-source threshold
// sets.
type ThresholdProvider interface {
	GetThresholds(source string) (ThresholdSet, bool)
	SetThreshold(source string, t ThresholdSet)
}

// FeatureImportanceProvider exposes per-feature weights for model
// inspection.
type FeatureImportanceProvider interface {
	FeatureImportance(source string) map[string]float64
}

// Predictor produces a forecast for a source.
type Predictor interface {
	Predict(source string, steps int, withInterval bool) ([]Forecast, error)
}

// Forecast is one predicted point, optionally with a confidence interval.
type Forecast struct {
	Timestamp int64    `json:"timestamp"`
	Value     float64  `json:"value"`
	Lower     *float64 `json:"lower,omitempty"`
	Upper     *float64 `json:"upper,omitempty"`
}

// base carries the state and helpers shared by every detector.
type base struct {
	name string
	alg  string
	clk  clock.Clock
	eval *rules.Evaluator
	log  *zap.Logger

	mu        sync.RWMutex
	cfg       Config
	ready     bool
	trainedAt *time.Time
	trainSize int
}

func newBase(name, alg string, clk clock.Clock, eval *rules.Evaluator, log *zap.Logger) base {
	if log == nil {
		log = zap.NewNop()
	}
	return base{
		name: name,
		alg:  alg,
		clk:  clk,
		eval: eval,
		log:  log.With(zap.String("detector", name)),
		cfg:  DefaultConfig(),
	}
}

func (b *base) Name() string { return b.name }

func (b *base) Configure(cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	b.mu.Lock()
	b.cfg = cfg
	b.mu.Unlock()
	return nil
}

func (b *base) IsReady() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ready
}

func (b *base) config() Config {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg
}

// enabledAndReady gates Detect: a disabled or untrained detector emits
// nothing.
func (b *base) enabledAndReady() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg.Enabled && b.ready
}

func (b *base) markTrained(n int) {
	now := b.clk.Now()
	b.mu.Lock()
	b.ready = true
	b.trainedAt = &now
	b.trainSize = n
	b.mu.Unlock()
}

func (b *base) markReset() {
	b.mu.Lock()
	b.ready = false
	b.trainedAt = nil
	b.trainSize = 0
	b.mu.Unlock()
}

func (b *base) modelInfo(params map[string]any) ModelInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return ModelInfo{
		Algorithm:        b.alg,
		Version:          "1.0.0",
		TrainedAt:        b.trainedAt,
		TrainingDataSize: b.trainSize,
		Parameters:       params,
	}
}

// checkTrainSize enforces the minimum training size common to all
// detectors.
func (b *base) checkTrainSize(n int) error {
	min := b.config().MinDataPoints
	if n < min {
		return fmt.Errorf("%w: got %d samples, need %d", ErrInsufficientData, n, min)
	}
	return nil
}

// finalize clamps scores, derives severity, and applies business rules.
// Returns false when the anomaly is suppressed.
func (b *base) finalize(a *model.Anomaly) bool {
	a.Score = clamp01(a.Score)
	a.Confidence = clamp01(a.Confidence)
	a.Severity = model.SeverityFromScore(a.Score, a.Confidence)
	cfg := b.config()
	if !b.eval.ApplyBusinessRules(a, cfg.BusinessRules, b.clk.Now()) {
		return false
	}
	// escalate may have bumped severity; score/confidence stay authoritative
	// for reporting either way.
	return true
}

// newAnomaly fills the fields every detector emits identically.
func (b *base) newAnomaly(s model.Sample, typ model.AnomalyType, score, confidence float64, desc string) model.Anomaly {
	return model.Anomaly{
		ID:          uuid.NewString(),
		Type:        typ,
		Score:       clamp01(score),
		Confidence:  clamp01(confidence),
		Timestamp:   s.Timestamp,
		Sample:      s,
		Description: desc,
		ActualValue: s.Value,
		Context: model.AnomalyContext{
			Metric:    s.Metric,
			Labels:    s.Labels,
			Algorithm: b.alg,
		},
	}
}

// confidenceBoost applies the sensitivity setting: sensitivity 0.5 is
// neutral, 1.0 adds up to +0.25.
func (b *base) confidenceBoost(confidence float64) float64 {
	return clamp01(confidence + (b.config().Sensitivity-0.5)*0.5)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func float64Ptr(v float64) *float64 { return &v }
