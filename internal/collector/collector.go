// Package collector ingests raw records per source and produces validated
// sample batches: sampling, filtering, transformation, coercion, quality
// scoring, and buffered flushing.
package collector

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dmitriimaksimovdevelop/driftwatch/internal/clock"
	"github.com/dmitriimaksimovdevelop/driftwatch/internal/events"
	"github.com/dmitriimaksimovdevelop/driftwatch/internal/model"
	"github.com/dmitriimaksimovdevelop/driftwatch/internal/rules"
)

// Record is one raw input row before coercion into a Sample.
type Record = map[string]any

// Config tunes buffering and quality checks for all sources.
type Config struct {
	BufferSize       int           // flush when a source buffer reaches this size
	FlushInterval    time.Duration // periodic flush per source
	AnomalyThreshold float64       // quality event when validity < 1-threshold
	MaxAge           time.Duration // timeliness horizon; default 1h
	Seed             int64         // RNG seed for Bernoulli sampling
}

// DefaultConfig returns the collector defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize:       100,
		FlushInterval:    30 * time.Second,
		AnomalyThreshold: 0.2,
		MaxAge:           time.Hour,
	}
}

// Collector owns per-source buffers and flush timers. Flush order is FIFO
// per source; the buffer may drop oldest samples when it overruns, which
// is the only permitted dropping point.
type Collector struct {
	log   *zap.Logger
	clk   clock.Clock
	sched clock.Scheduler
	bus   *events.Bus
	eval  *rules.Evaluator
	cfg   Config

	mu      sync.Mutex
	sources map[string]*sourceState
	subs    []func(model.Batch)

	rngMu sync.Mutex
	rng   *rand.Rand
}

type sourceState struct {
	src         model.DataSource
	buffer      []model.Sample
	cancelFlush clock.CancelFunc
	dropped     int64
}

// New creates a collector. The scheduler drives per-source flush timers.
func New(cfg Config, clk clock.Clock, sched clock.Scheduler, bus *events.Bus, eval *rules.Evaluator, log *zap.Logger) *Collector {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = time.Hour
	}
	return &Collector{
		log:     log,
		clk:     clk,
		sched:   sched,
		bus:     bus,
		eval:    eval,
		cfg:     cfg,
		sources: make(map[string]*sourceState),
		rng:     rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Subscribe registers a batch consumer. Flush calls consumers synchronously
// in registration order.
func (c *Collector) Subscribe(fn func(model.Batch)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, fn)
}

// RegisterSource adds or replaces a source. Idempotent on ID: registering
// an existing ID updates its definition and keeps the buffer.
func (c *Collector) RegisterSource(src model.DataSource) error {
	if src.ID == "" {
		return fmt.Errorf("collector: source has no id")
	}
	if src.SamplingRate < 0 || src.SamplingRate > 1 {
		return fmt.Errorf("collector: source %s: sampling rate %v out of [0,1]", src.ID, src.SamplingRate)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if st, ok := c.sources[src.ID]; ok {
		st.src = src
		return nil
	}

	st := &sourceState{src: src}
	id := src.ID
	st.cancelFlush = c.sched.Every(c.cfg.FlushInterval, func() {
		if err := c.Flush(id); err != nil {
			c.log.Warn("periodic flush failed", zap.String("source", id), zap.Error(err))
		}
	})
	c.sources[src.ID] = st
	return nil
}

// RemoveSource cancels the source's flush timer and frees its buffer.
func (c *Collector) RemoveSource(sourceID string) error {
	c.mu.Lock()
	st, ok := c.sources[sourceID]
	if ok {
		delete(c.sources, sourceID)
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("collector: unknown source %q", sourceID)
	}
	if st.cancelFlush != nil {
		st.cancelFlush()
	}
	return nil
}

// Sources returns a snapshot of the registered source definitions.
func (c *Collector) Sources() []model.DataSource {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.DataSource, 0, len(c.sources))
	for _, st := range c.sources {
		out = append(out, st.src)
	}
	return out
}

// Collect runs the ingestion pipeline for a batch of raw records and
// appends the resulting samples to the source buffer. Returns the number
// of samples buffered.
func (c *Collector) Collect(sourceID string, raw []Record) (int, error) {
	c.mu.Lock()
	st, ok := c.sources[sourceID]
	if !ok {
		c.mu.Unlock()
		return 0, fmt.Errorf("collector: unknown source %q", sourceID)
	}
	src := st.src
	c.mu.Unlock()

	if !src.Enabled {
		return 0, nil
	}

	// Sampling and filtering work per record; transformations see the
	// surviving records as one batch.
	survivors := make([]Record, 0, len(raw))
	for _, rec := range raw {
		if !c.sampled(src.SamplingRate) {
			continue
		}
		if !c.matchesFilters(rec, src.Filters) {
			continue
		}
		survivors = append(survivors, rec)
	}

	survivors = c.applyTransformations(sourceID, survivors, src.Transformations)

	now := c.clk.Now().UnixMilli()
	samples := make([]model.Sample, 0, len(survivors))
	for _, rec := range survivors {
		samples = append(samples, coerceSample(sourceID, rec, now))
	}

	quality := c.scoreQuality(samples, src.ValidationRules, now)
	if quality.Validity < 1-c.cfg.AnomalyThreshold {
		c.bus.Publish(events.TopicQualityAnomaly, map[string]any{
			"source_id": sourceID,
			"quality":   quality,
		})
	}

	var flushNow bool
	c.mu.Lock()
	// Re-check: the source may have been removed while transforming.
	if st, ok = c.sources[sourceID]; !ok {
		c.mu.Unlock()
		return 0, fmt.Errorf("collector: unknown source %q", sourceID)
	}
	st.buffer = append(st.buffer, samples...)
	if max := c.cfg.BufferSize * 2; len(st.buffer) > max {
		over := len(st.buffer) - max
		st.buffer = st.buffer[over:]
		st.dropped += int64(over)
	}
	flushNow = len(st.buffer) >= c.cfg.BufferSize
	c.mu.Unlock()

	c.bus.Publish(events.TopicDataCollected, map[string]any{
		"source_id": sourceID,
		"count":     len(samples),
	})

	if flushNow {
		if err := c.Flush(sourceID); err != nil {
			return len(samples), err
		}
	}
	return len(samples), nil
}

// Flush emits the buffered samples of a source as one batch to all
// subscribers, synchronously, then clears the buffer.
func (c *Collector) Flush(sourceID string) error {
	c.mu.Lock()
	st, ok := c.sources[sourceID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("collector: unknown source %q", sourceID)
	}
	if len(st.buffer) == 0 {
		c.mu.Unlock()
		return nil
	}
	samples := st.buffer
	st.buffer = nil
	src := st.src
	subs := append([]func(model.Batch){}, c.subs...)
	c.mu.Unlock()

	now := c.clk.Now().UnixMilli()
	batch := model.Batch{
		ID:             uuid.NewString(),
		SourceID:       sourceID,
		Samples:        samples,
		QualityMetrics: c.scoreQuality(samples, src.ValidationRules, now),
		Timestamp:      now,
		Size:           len(samples),
	}

	c.bus.Publish(events.TopicBatchReady, batch)
	for _, fn := range subs {
		fn(batch)
	}
	return nil
}

// sampled draws a Bernoulli trial at the given rate. Rate 1 bypasses the
// RNG so full-rate sources stay deterministic regardless of seed state.
func (c *Collector) sampled(rate float64) bool {
	if rate >= 1 {
		return true
	}
	if rate <= 0 {
		return false
	}
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return c.rng.Float64() < rate
}
