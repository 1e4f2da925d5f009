package engine

import (
	"sort"
	"time"

	"github.com/dmitriimaksimovdevelop/driftwatch/internal/detector"
	"github.com/dmitriimaksimovdevelop/driftwatch/internal/model"
	"github.com/dmitriimaksimovdevelop/driftwatch/internal/perfmon"
)

// DetectorStatus is one registry entry in the status document.
type DetectorStatus struct {
	Name      string             `json:"name"`
	Active    bool               `json:"active"`
	Ready     bool               `json:"ready"`
	ModelInfo detector.ModelInfo `json:"model_info"`
}

// StatusDoc is the system status snapshot.
type StatusDoc struct {
	Enabled          bool                     `json:"enabled"`
	ActiveDetector   string                   `json:"active_detector"`
	UptimeSeconds    float64                  `json:"uptime_seconds"`
	Detectors        []DetectorStatus         `json:"detectors"`
	SamplesProcessed int64                    `json:"samples_processed"`
	AnomaliesFound   int64                    `json:"anomalies_found"`
	DetectRuns       int64                    `json:"detect_runs"`
	Alerts           map[string]int           `json:"alerts"`
	Performance      map[string]perfmon.Stats `json:"performance"`
}

// GetSystemStatus assembles the status document.
func (e *Engine) GetSystemStatus() StatusDoc {
	e.mu.RLock()
	cfg := e.cfg
	active := e.active
	dets := e.detectors
	stats := e.stats
	started := e.startedAt
	e.mu.RUnlock()

	doc := StatusDoc{
		Enabled:          cfg.Enabled,
		ActiveDetector:   active,
		UptimeSeconds:    e.clk.Now().Sub(started).Seconds(),
		SamplesProcessed: stats.SamplesProcessed,
		AnomaliesFound:   stats.AnomaliesFound,
		DetectRuns:       stats.DetectRuns,
		Alerts:           e.alerts.Stats(),
		Performance:      make(map[string]perfmon.Stats),
	}

	names := make([]string, 0, len(dets))
	for name := range dets {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		det := dets[name]
		doc.Detectors = append(doc.Detectors, DetectorStatus{
			Name:      name,
			Active:    name == active,
			Ready:     det.IsReady(),
			ModelInfo: det.ModelInfo(),
		})
		doc.Performance[name] = e.mon.GetStats(name)
	}
	return doc
}

// ReportDoc is a detection report: per-detector when Detector is set,
// otherwise a daily roll-up across the registry.
type ReportDoc struct {
	Detector    string                    `json:"detector,omitempty"`
	GeneratedAt time.Time                 `json:"generated_at"`
	Window      string                    `json:"window"`
	Total       int                       `json:"total"`
	BySeverity  map[model.Severity]int    `json:"by_severity"`
	ByType      map[model.AnomalyType]int `json:"by_type"`
	AvgScore    float64                   `json:"avg_score"`
	Anomalies   []model.Anomaly           `json:"anomalies,omitempty"`
	Trends      map[string]perfmon.Trend  `json:"trends,omitempty"`
}

// GetDetectionReport builds the report. With a detector name it covers
// that detector's last 100 anomalies; with an empty name it rolls up the
// last 24 hours across every detector.
func (e *Engine) GetDetectionReport(name string) ReportDoc {
	now := e.clk.Now()
	doc := ReportDoc{
		Detector:    name,
		GeneratedAt: now,
		BySeverity:  make(map[model.Severity]int),
		ByType:      make(map[model.AnomalyType]int),
	}

	var anomalies []model.Anomaly
	if name != "" {
		doc.Window = "last_100"
		anomalies = e.AnomalyHistory(name, 100)
		doc.Anomalies = anomalies
		doc.Trends = e.mon.Trends(name)
	} else {
		doc.Window = "last_24h"
		cutoff := now.Add(-24 * time.Hour).UnixMilli()
		e.mu.RLock()
		for _, hist := range e.history {
			for _, a := range hist {
				if a.Timestamp >= cutoff {
					anomalies = append(anomalies, a)
				}
			}
		}
		e.mu.RUnlock()
		sort.Slice(anomalies, func(i, j int) bool {
			return anomalies[i].Timestamp < anomalies[j].Timestamp
		})
	}

	doc.Total = len(anomalies)
	var scoreSum float64
	for _, a := range anomalies {
		doc.BySeverity[a.Severity]++
		doc.ByType[a.Type]++
		scoreSum += a.Score
	}
	if len(anomalies) > 0 {
		doc.AvgScore = scoreSum / float64(len(anomalies))
	}
	return doc
}
