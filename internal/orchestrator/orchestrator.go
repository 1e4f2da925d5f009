// Package orchestrator wires the subsystems together and owns their
// lifecycle: startup, scheduled maintenance, backups, the audit log, and
// graceful signal-driven shutdown.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dmitriimaksimovdevelop/driftwatch/internal/alerting"
	"github.com/dmitriimaksimovdevelop/driftwatch/internal/clock"
	"github.com/dmitriimaksimovdevelop/driftwatch/internal/collector"
	"github.com/dmitriimaksimovdevelop/driftwatch/internal/config"
	"github.com/dmitriimaksimovdevelop/driftwatch/internal/engine"
	"github.com/dmitriimaksimovdevelop/driftwatch/internal/events"
	"github.com/dmitriimaksimovdevelop/driftwatch/internal/model"
	"github.com/dmitriimaksimovdevelop/driftwatch/internal/perfmon"
	"github.com/dmitriimaksimovdevelop/driftwatch/internal/rules"
)

const (
	maxAuditEntries = 5000
	shutdownWait    = 10 * time.Second
)

// AuditEntry is one recorded operation.
type AuditEntry struct {
	At      time.Time      `json:"at"`
	Action  string         `json:"action"`
	Details map[string]any `json:"details,omitempty"`
}

// Orchestrator owns the subsystem graph. Construction wires everything;
// Run drives the lifecycle until the context ends or a signal arrives.
type Orchestrator struct {
	cfg   config.Config
	clk   clock.Clock
	sched clock.Scheduler
	log   *zap.Logger

	Bus       *events.Bus
	Collector *collector.Collector
	Engine    *engine.Engine
	Alerts    *alerting.Manager
	Monitor   *perfmon.Monitor

	mu           sync.Mutex
	audit        []AuditEntry
	maintCancels []clock.CancelFunc
}

// New builds the full subsystem graph from one configuration.
func New(cfg config.Config, clk clock.Clock, sched clock.Scheduler, reg prometheus.Registerer, log *zap.Logger) (*Orchestrator, error) {
	if log == nil {
		log = zap.NewNop()
	}
	bus := events.NewBus(256)
	eval := rules.NewEvaluator(log)

	col := collector.New(collector.Config{
		BufferSize:       cfg.DataCollection.BufferSize,
		FlushInterval:    cfg.DataCollection.FlushInterval(),
		AnomalyThreshold: cfg.DataCollection.AnomalyThreshold,
		MaxAge:           cfg.DataCollection.MaxAge(),
		Seed:             cfg.Detection.Seed,
	}, clk, sched, bus, eval, log)

	alerts := alerting.NewManager(alerting.Config{
		Enabled:          cfg.Alerting.Enabled,
		Rules:            cfg.Alerting.Rules,
		SuppressionRules: cfg.Alerting.SuppressionRules,
		RateLimit:        cfg.Alerting.RateLimit,
	}, clk, sched, bus, eval, log)

	mon := perfmon.NewMonitor(perfmon.Thresholds{
		CPUPct:     cfg.Performance.CPUPct,
		MemoryMB:   cfg.Performance.MemoryMB,
		Latency:    cfg.Performance.Latency(),
		Throughput: cfg.Performance.Throughput,
	}, clk, bus, reg, log)

	eng, err := engine.New(engine.Config{
		Enabled:            cfg.Detection.Enabled,
		DetectorType:       cfg.Detection.DetectorType,
		Sensitivity:        cfg.Detection.Sensitivity,
		Threshold:          cfg.Detection.Threshold,
		WindowSize:         cfg.Detection.WindowSize,
		MinDataPoints:      cfg.Detection.MinDataPoints,
		LearningPeriod:     cfg.Detection.LearningPeriod(),
		AdaptiveThresholds: cfg.Detection.AdaptiveThresholds,
		Seed:               cfg.Detection.Seed,
		EnsembleStrategy:   cfg.Detection.EnsembleStrategy,
		BusinessRules:      cfg.Detection.BusinessRules,
	}, clk, bus, eval, alerts, mon, col, log)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	o := &Orchestrator{
		cfg:       cfg,
		clk:       clk,
		sched:     sched,
		log:       log.Named("orchestrator"),
		Bus:       bus,
		Collector: col,
		Engine:    eng,
		Alerts:    alerts,
		Monitor:   mon,
	}
	eng.SetAuditSink(o.recordAudit)

	// Batches flow straight from the collector into detection.
	col.Subscribe(func(b model.Batch) {
		if _, err := eng.Detect(context.Background(), b.Samples, nil); err != nil {
			o.log.Warn("detection on batch failed", zap.String("batch_id", b.ID), zap.Error(err))
		}
	})

	for _, src := range cfg.DataCollection.Sources {
		if err := col.RegisterSource(src); err != nil {
			return nil, fmt.Errorf("orchestrator: register source %s: %w", src.ID, err)
		}
	}
	return o, nil
}

// Run starts scheduled maintenance and blocks until the context is done
// or SIGINT/SIGTERM arrives, then shuts down gracefully.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	o.startMaintenance()
	o.recordAudit("started", map[string]any{
		"detector": o.Engine.ActiveDetector(),
		"sources":  len(o.cfg.DataCollection.Sources),
	})
	o.log.Info("orchestrator running",
		zap.String("detector", o.Engine.ActiveDetector()),
		zap.Int("sources", len(o.cfg.DataCollection.Sources)))

	select {
	case sig := <-sigCh:
		o.log.Info("signal received, shutting down", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}

	o.Shutdown()
	return nil
}

func (o *Orchestrator) startMaintenance() {
	hourly := o.sched.Every(time.Hour, o.HourlyMaintenance)
	daily := o.sched.Every(24*time.Hour, o.DailyMaintenance)
	o.mu.Lock()
	o.maintCancels = append(o.maintCancels, hourly, daily)
	o.mu.Unlock()
}

// HourlyMaintenance applies the retention policy to anomaly history and
// terminal alerts.
func (o *Orchestrator) HourlyMaintenance() {
	maxAge := o.cfg.Maintenance.RetentionMaxAge()
	dropped := o.Engine.PruneHistory(maxAge, o.cfg.Maintenance.RetentionMaxSize)
	pruned := o.Alerts.Prune(maxAge)
	o.recordAudit("hourly_maintenance", map[string]any{
		"anomalies_dropped": dropped,
		"alerts_pruned":     pruned,
	})
	o.log.Debug("hourly maintenance done",
		zap.Int("anomalies_dropped", dropped),
		zap.Int("alerts_pruned", pruned))
}

// DailyMaintenance writes the JSON backup, emits the daily report to the
// log, and trims the audit trail.
func (o *Orchestrator) DailyMaintenance() {
	if err := o.Backup(); err != nil {
		o.log.Warn("backup failed", zap.Error(err))
	}
	report := o.Engine.GetDetectionReport("")
	o.log.Info("daily report",
		zap.Int("anomalies", report.Total),
		zap.Float64("avg_score", report.AvgScore))

	o.mu.Lock()
	if len(o.audit) > maxAuditEntries {
		o.audit = o.audit[len(o.audit)-maxAuditEntries:]
	}
	o.mu.Unlock()
	o.recordAudit("daily_maintenance", nil)
}

// backupDoc is the persisted state layout.
type backupDoc struct {
	Timestamp      time.Time                  `json:"timestamp"`
	Config         config.Config              `json:"config"`
	DetectionStats engine.StatusDoc           `json:"detectionStats"`
	AnomalyHistory map[string][]model.Anomaly `json:"anomalyHistory"`
}

// Backup writes the current state as JSON into the configured backup
// directory.
func (o *Orchestrator) Backup() error {
	dir := o.cfg.Maintenance.BackupDir
	if dir == "" {
		dir = "backups"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("orchestrator: backup dir: %w", err)
	}

	doc := backupDoc{
		Timestamp:      o.clk.Now(),
		Config:         o.cfg,
		DetectionStats: o.Engine.GetSystemStatus(),
		AnomalyHistory: o.Engine.HistorySnapshot(),
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("orchestrator: marshal backup: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("driftwatch-%s.json", doc.Timestamp.UTC().Format("20060102-150405")))
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("orchestrator: write backup: %w", err)
	}
	o.recordAudit("backup", map[string]any{"path": path})
	return nil
}

// Shutdown stops maintenance, cancels escalations and flush timers, and
// waits a bounded time for in-flight detection.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	cancels := o.maintCancels
	o.maintCancels = nil
	o.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}

	o.Alerts.Shutdown()
	o.sched.Stop()
	if !o.Engine.AwaitIdle(shutdownWait) {
		o.log.Warn("in-flight detection dropped at shutdown")
	}
	o.Bus.Close()
	o.recordAudit("stopped", nil)
	o.log.Info("orchestrator stopped")
}

func (o *Orchestrator) recordAudit(action string, details map[string]any) {
	o.mu.Lock()
	o.audit = append(o.audit, AuditEntry{
		At:      o.clk.Now(),
		Action:  action,
		Details: details,
	})
	if len(o.audit) > maxAuditEntries*2 {
		o.audit = o.audit[len(o.audit)-maxAuditEntries:]
	}
	o.mu.Unlock()
}

// AuditLog returns a copy of the recorded audit entries.
func (o *Orchestrator) AuditLog() []AuditEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]AuditEntry(nil), o.audit...)
}
