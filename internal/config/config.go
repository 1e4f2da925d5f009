// Package config loads and validates the YAML configuration for the
// whole engine: detection, data collection, alerting, performance
// monitoring, and maintenance.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/dmitriimaksimovdevelop/driftwatch/internal/model"
	"github.com/dmitriimaksimovdevelop/driftwatch/internal/rules"
)

// Detection configures the engine and the active detector.
type Detection struct {
	Enabled            bool                 `yaml:"enabled"`
	DetectorType       string               `yaml:"detectorType" validate:"required,oneof=zscore statistical threshold isolation_forest seasonal knn ml_ensemble composite"`
	Sensitivity        float64              `yaml:"sensitivity" validate:"gte=0,lte=1"`
	Threshold          float64              `yaml:"threshold" validate:"gt=0"`
	WindowSize         int                  `yaml:"windowSize" validate:"gt=0"`
	MinDataPoints      int                  `yaml:"minDataPoints" validate:"gt=0"`
	LearningPeriodMS   int64                `yaml:"learningPeriod" validate:"gte=0"`
	AdaptiveThresholds bool                 `yaml:"adaptiveThresholds"`
	Seed               int64                `yaml:"seed"`
	EnsembleStrategy   string               `yaml:"ensembleStrategy" validate:"omitempty,oneof=majority_vote weighted_average adaptive_weighted stacking hierarchical"`
	BusinessRules      []rules.BusinessRule `yaml:"businessRules" validate:"dive"`
}

// DataCollection configures the collector.
type DataCollection struct {
	BufferSize       int                `yaml:"bufferSize" validate:"gt=0"`
	FlushIntervalMS  int64              `yaml:"flushInterval" validate:"gt=0"`
	AnomalyThreshold float64            `yaml:"anomalyThreshold" validate:"gte=0,lte=1"`
	MaxAgeMS         int64              `yaml:"maxAge" validate:"gt=0"`
	Sources          []model.DataSource `yaml:"sources" validate:"dive"`
}

// Alerting configures rules, suppression, and rate limits.
type Alerting struct {
	Enabled          bool                    `yaml:"enabled"`
	Rules            []model.AlertRule       `yaml:"rules" validate:"dive"`
	SuppressionRules []model.SuppressionRule `yaml:"suppressionRules" validate:"dive"`
	RateLimit        model.RateLimitConfig   `yaml:"rateLimiting"`
}

// Performance configures the monitor thresholds.
type Performance struct {
	CPUPct     float64 `yaml:"cpuPct" validate:"gt=0,lte=100"`
	MemoryMB   float64 `yaml:"memoryMB" validate:"gt=0"`
	LatencyMS  int64   `yaml:"latencyMs" validate:"gt=0"`
	Throughput float64 `yaml:"throughput" validate:"gte=0"`
}

// Maintenance configures retention and backups.
type Maintenance struct {
	RetentionMaxAgeMS int64  `yaml:"retentionMaxAge" validate:"gt=0"`
	RetentionMaxSize  int    `yaml:"retentionMaxSize" validate:"gt=0"`
	BackupDir         string `yaml:"backupDir"`
}

// Config is the root document.
type Config struct {
	Detection      Detection      `yaml:"detection"`
	DataCollection DataCollection `yaml:"dataCollection"`
	Alerting       Alerting       `yaml:"alerting"`
	Performance    Performance    `yaml:"performance"`
	Maintenance    Maintenance    `yaml:"maintenance"`
	LogLevel       string         `yaml:"logLevel" validate:"omitempty,oneof=debug info warn error"`
}

// Default returns a complete runnable configuration.
func Default() Config {
	return Config{
		Detection: Detection{
			Enabled:       true,
			DetectorType:  "zscore",
			Sensitivity:   0.5,
			Threshold:     3.0,
			WindowSize:    100,
			MinDataPoints: 30,
		},
		DataCollection: DataCollection{
			BufferSize:       100,
			FlushIntervalMS:  30_000,
			AnomalyThreshold: 0.2,
			MaxAgeMS:         time.Hour.Milliseconds(),
		},
		Alerting: Alerting{
			Enabled: true,
			RateLimit: model.RateLimitConfig{
				Enabled:            true,
				MaxAlertsPerMinute: 10,
				MaxAlertsPerHour:   100,
			},
		},
		Performance: Performance{
			CPUPct:     80,
			MemoryMB:   1024,
			LatencyMS:  500,
			Throughput: 10,
		},
		Maintenance: Maintenance{
			RetentionMaxAgeMS: (7 * 24 * time.Hour).Milliseconds(),
			RetentionMaxSize:  10000,
			BackupDir:         "backups",
		},
		LogLevel: "info",
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the struct tags and cross-field constraints.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Detection.MinDataPoints > c.Detection.WindowSize {
		return fmt.Errorf("config: minDataPoints %d exceeds windowSize %d",
			c.Detection.MinDataPoints, c.Detection.WindowSize)
	}
	return nil
}

// LearningPeriod converts the millisecond field.
func (d Detection) LearningPeriod() time.Duration {
	return time.Duration(d.LearningPeriodMS) * time.Millisecond
}

// FlushInterval converts the millisecond field.
func (d DataCollection) FlushInterval() time.Duration {
	return time.Duration(d.FlushIntervalMS) * time.Millisecond
}

// MaxAge converts the millisecond field.
func (d DataCollection) MaxAge() time.Duration {
	return time.Duration(d.MaxAgeMS) * time.Millisecond
}

// Latency converts the millisecond field.
func (p Performance) Latency() time.Duration {
	return time.Duration(p.LatencyMS) * time.Millisecond
}

// RetentionMaxAge converts the millisecond field.
func (m Maintenance) RetentionMaxAge() time.Duration {
	return time.Duration(m.RetentionMaxAgeMS) * time.Millisecond
}
