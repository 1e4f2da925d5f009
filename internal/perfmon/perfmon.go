// Package perfmon tracks per-detector performance and produces scaling
// advisories. It never spawns or kills anything itself; scale events are
// published on the bus for an operator or controller to act on.
package perfmon

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/dmitriimaksimovdevelop/driftwatch/internal/clock"
	"github.com/dmitriimaksimovdevelop/driftwatch/internal/events"
)

const ringCapacity = 1000

// Record is one performance observation for a detector.
type Record struct {
	DetectionLatency time.Duration `json:"detection_latency"`
	ProcessingTime   time.Duration `json:"processing_time"`
	MemoryMB         float64       `json:"memory_mb"`
	CPUPct           float64       `json:"cpu_pct"`
	ThroughputPerSec float64       `json:"throughput_per_sec"`
	Accuracy         float64       `json:"accuracy"`
	FPR              float64       `json:"fpr"`
	FNR              float64       `json:"fnr"`
	Timestamp        time.Time     `json:"timestamp"`
}

// Thresholds bound acceptable performance; crossing any of them raises a
// scale-up advisory.
type Thresholds struct {
	CPUPct     float64       `yaml:"cpuPct"`
	MemoryMB   float64       `yaml:"memoryMB"`
	Latency    time.Duration `yaml:"latency"`
	Throughput float64       `yaml:"throughput"` // minimum acceptable
}

// DefaultThresholds returns the stock limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUPct:     80,
		MemoryMB:   1024,
		Latency:    500 * time.Millisecond,
		Throughput: 10,
	}
}

// Trend labels the direction of a metric over recent records.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendDegrading Trend = "degrading"
	TrendStable    Trend = "stable"
)

// ring is a fixed-capacity record buffer.
type ring struct {
	records []Record
	head    int
	full    bool
}

func (r *ring) push(rec Record) {
	if r.records == nil {
		r.records = make([]Record, ringCapacity)
	}
	r.records[r.head] = rec
	r.head = (r.head + 1) % ringCapacity
	if r.head == 0 {
		r.full = true
	}
}

// last returns up to n most recent records, oldest first.
func (r *ring) last(n int) []Record {
	size := r.head
	if r.full {
		size = ringCapacity
	}
	if n > size {
		n = size
	}
	out := make([]Record, n)
	for i := 0; i < n; i++ {
		idx := (r.head - n + i + ringCapacity) % ringCapacity
		out[i] = r.records[idx]
	}
	return out
}

func (r *ring) size() int {
	if r.full {
		return ringCapacity
	}
	return r.head
}

// Monitor keeps a ring of records per detector and evaluates autoscaling
// after every record.
type Monitor struct {
	clk clock.Clock
	bus *events.Bus
	log *zap.Logger

	mu            sync.Mutex
	thresholds    Thresholds
	rings         map[string]*ring
	lastScaleUp   map[string]time.Time
	lastScaleDown map[string]time.Time

	latencyHist     *prometheus.HistogramVec
	cpuGauge        *prometheus.GaugeVec
	memGauge        *prometheus.GaugeVec
	recordsTotal    *prometheus.CounterVec
	scaleAdvisories *prometheus.CounterVec
}

// NewMonitor creates a monitor and registers its metrics.
func NewMonitor(th Thresholds, clk clock.Clock, bus *events.Bus, reg prometheus.Registerer, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Monitor{
		clk:           clk,
		bus:           bus,
		log:           log.Named("perfmon"),
		thresholds:    th,
		rings:         make(map[string]*ring),
		lastScaleUp:   make(map[string]time.Time),
		lastScaleDown: make(map[string]time.Time),
		latencyHist: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "driftwatch",
			Name:      "detection_latency_seconds",
			Help:      "Per-sample detection latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"detector"}),
		cpuGauge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "driftwatch",
			Name:      "detector_cpu_percent",
			Help:      "CPU usage observed at record time.",
		}, []string{"detector"}),
		memGauge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "driftwatch",
			Name:      "detector_memory_mb",
			Help:      "Memory usage observed at record time.",
		}, []string{"detector"}),
		recordsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "driftwatch",
			Name:      "performance_records_total",
			Help:      "Performance records ingested.",
		}, []string{"detector"}),
		scaleAdvisories: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "driftwatch",
			Name:      "scale_advisories_total",
			Help:      "Scale advisories raised.",
		}, []string{"detector", "direction"}),
	}
}

// Record stores one observation and evaluates the scaling rules.
func (m *Monitor) Record(detector string, rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = m.clk.Now()
	}

	m.mu.Lock()
	r := m.rings[detector]
	if r == nil {
		r = &ring{}
		m.rings[detector] = r
	}
	r.push(rec)
	m.mu.Unlock()

	m.latencyHist.WithLabelValues(detector).Observe(rec.DetectionLatency.Seconds())
	m.cpuGauge.WithLabelValues(detector).Set(rec.CPUPct)
	m.memGauge.WithLabelValues(detector).Set(rec.MemoryMB)
	m.recordsTotal.WithLabelValues(detector).Inc()

	m.bus.Publish(events.TopicPerformanceRecorded, map[string]any{
		"detector": detector,
		"record":   rec,
	})
	m.evaluateScaling(detector, rec)
}

const (
	scaleUpCooldown   = 5 * time.Minute
	scaleDownCooldown = 10 * time.Minute
)

func (m *Monitor) evaluateScaling(detector string, rec Record) {
	m.mu.Lock()
	th := m.thresholds
	now := m.clk.Now()
	upOK := now.Sub(m.lastScaleUp[detector]) >= scaleUpCooldown || m.lastScaleUp[detector].IsZero()
	downOK := now.Sub(m.lastScaleDown[detector]) >= scaleDownCooldown || m.lastScaleDown[detector].IsZero()
	recent := m.rings[detector].last(10)
	m.mu.Unlock()

	if upOK && (rec.CPUPct > th.CPUPct ||
		rec.MemoryMB > th.MemoryMB ||
		rec.DetectionLatency > th.Latency ||
		(th.Throughput > 0 && rec.ThroughputPerSec < th.Throughput)) {
		m.mu.Lock()
		m.lastScaleUp[detector] = now
		m.mu.Unlock()
		m.scaleAdvisories.WithLabelValues(detector, "up").Inc()
		m.bus.Publish(events.TopicScaledUp, map[string]any{
			"detector": detector,
			"cpu_pct":  rec.CPUPct,
			"mem_mb":   rec.MemoryMB,
			"latency":  rec.DetectionLatency.String(),
		})
		m.log.Info("scale-up advisory", zap.String("detector", detector))
		return
	}

	if !downOK || len(recent) < 10 {
		return
	}
	var cpu, memMB, thr float64
	var lat time.Duration
	for _, r := range recent {
		cpu += r.CPUPct
		memMB += r.MemoryMB
		thr += r.ThroughputPerSec
		lat += r.DetectionLatency
	}
	n := float64(len(recent))
	cpu, memMB, thr = cpu/n, memMB/n, thr/n
	lat = time.Duration(float64(lat) / n)

	if cpu < th.CPUPct*0.5 && memMB < th.MemoryMB*0.5 && lat < th.Latency/2 &&
		thr > th.Throughput*1.5 {
		m.mu.Lock()
		m.lastScaleDown[detector] = now
		m.mu.Unlock()
		m.scaleAdvisories.WithLabelValues(detector, "down").Inc()
		m.bus.Publish(events.TopicScaledDown, map[string]any{
			"detector":   detector,
			"cpu_pct":    cpu,
			"mem_mb":     memMB,
			"throughput": thr,
		})
		m.log.Info("scale-down advisory", zap.String("detector", detector))
	}
}

// Trends compares the last 10 records against the prior 10 with a 5%
// deadband per dimension.
func (m *Monitor) Trends(detector string) map[string]Trend {
	m.mu.Lock()
	r := m.rings[detector]
	var recent []Record
	if r != nil {
		recent = r.last(20)
	}
	m.mu.Unlock()

	out := map[string]Trend{
		"latency":    TrendStable,
		"cpu":        TrendStable,
		"memory":     TrendStable,
		"throughput": TrendStable,
	}
	if len(recent) < 20 {
		return out
	}
	prior, last := recent[:10], recent[10:]

	out["latency"] = trendOf(avgBy(prior, func(r Record) float64 { return r.DetectionLatency.Seconds() }),
		avgBy(last, func(r Record) float64 { return r.DetectionLatency.Seconds() }), false)
	out["cpu"] = trendOf(avgBy(prior, func(r Record) float64 { return r.CPUPct }),
		avgBy(last, func(r Record) float64 { return r.CPUPct }), false)
	out["memory"] = trendOf(avgBy(prior, func(r Record) float64 { return r.MemoryMB }),
		avgBy(last, func(r Record) float64 { return r.MemoryMB }), false)
	out["throughput"] = trendOf(avgBy(prior, func(r Record) float64 { return r.ThroughputPerSec }),
		avgBy(last, func(r Record) float64 { return r.ThroughputPerSec }), true)
	return out
}

// trendOf labels the change; higherIsBetter flips the interpretation for
// throughput-like metrics.
func trendOf(prior, last float64, higherIsBetter bool) Trend {
	if prior == 0 {
		return TrendStable
	}
	change := (last - prior) / prior
	if change > -0.05 && change < 0.05 {
		return TrendStable
	}
	rising := change > 0
	if rising == higherIsBetter {
		return TrendImproving
	}
	return TrendDegrading
}

func avgBy(records []Record, f func(Record) float64) float64 {
	if len(records) == 0 {
		return 0
	}
	var sum float64
	for _, r := range records {
		sum += f(r)
	}
	return sum / float64(len(records))
}

// Stats summarizes one detector's ring.
type Stats struct {
	Records       int           `json:"records"`
	AvgLatency    time.Duration `json:"avg_latency"`
	MaxLatency    time.Duration `json:"max_latency"`
	AvgCPUPct     float64       `json:"avg_cpu_pct"`
	AvgMemoryMB   float64       `json:"avg_memory_mb"`
	AvgThroughput float64       `json:"avg_throughput"`
}

// GetStats aggregates the full ring for one detector.
func (m *Monitor) GetStats(detector string) Stats {
	m.mu.Lock()
	r := m.rings[detector]
	var records []Record
	if r != nil {
		records = r.last(r.size())
	}
	m.mu.Unlock()

	s := Stats{Records: len(records)}
	if len(records) == 0 {
		return s
	}
	var latSum time.Duration
	for _, rec := range records {
		latSum += rec.DetectionLatency
		if rec.DetectionLatency > s.MaxLatency {
			s.MaxLatency = rec.DetectionLatency
		}
		s.AvgCPUPct += rec.CPUPct
		s.AvgMemoryMB += rec.MemoryMB
		s.AvgThroughput += rec.ThroughputPerSec
	}
	n := float64(len(records))
	s.AvgLatency = time.Duration(float64(latSum) / n)
	s.AvgCPUPct /= n
	s.AvgMemoryMB /= n
	s.AvgThroughput /= n
	return s
}

// Detectors lists the detectors with at least one record.
func (m *Monitor) Detectors() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.rings))
	for name := range m.rings {
		out = append(out, name)
	}
	return out
}

// CaptureSystem samples host CPU and memory via gopsutil. Failures fall
// back to zero values so recording never blocks detection.
func CaptureSystem() (cpuPct, memMB float64) {
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		cpuPct = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		memMB = float64(vm.Used) / (1024 * 1024)
	}
	return cpuPct, memMB
}
