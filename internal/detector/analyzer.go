package detector

import (
	"math"
	"sync"
	"time"

	"github.com/dmitriimaksimovdevelop/driftwatch/internal/model"
)

// sourceProfile summarizes the data characteristics the analyzer uses to
// pick detectors for a source.
type sourceProfile struct {
	Volatility  float64 // coefficient of variation
	Seasonality float64 // fraction of variance explained by hour-of-day
	Bounded     bool    // range within 4 sigma of the mean
	SampleCount int
}

// ContextAnalyzer matches detectors to a source's data shape and the
// caller's performance requirements.
type ContextAnalyzer struct {
	mu       sync.RWMutex
	profiles map[string]sourceProfile
}

// NewContextAnalyzer creates an analyzer with no learned profiles.
func NewContextAnalyzer() *ContextAnalyzer {
	return &ContextAnalyzer{profiles: make(map[string]sourceProfile)}
}

// Learn profiles each source in the training data.
func (ca *ContextAnalyzer) Learn(historical []model.Sample) {
	bySource := make(map[string][]model.Sample)
	for _, s := range historical {
		bySource[s.Source] = append(bySource[s.Source], s)
	}

	ca.mu.Lock()
	defer ca.mu.Unlock()
	for src, samples := range bySource {
		ca.profiles[src] = profile(samples)
	}
}

func profile(samples []model.Sample) sourceProfile {
	values := make([]float64, len(samples))
	for i, s := range samples {
		values[i] = s.Value
	}
	mu := mean(values)
	sigma := math.Sqrt(variance(values, mu))
	lo, hi := minMax(values)

	p := sourceProfile{SampleCount: len(samples)}
	if mu != 0 {
		p.Volatility = sigma / math.Abs(mu)
	}
	p.Bounded = sigma == 0 || (hi-lo) <= 4*sigma

	// Hour-of-day variance explained stands in for a full decomposition.
	if sigma > 0 && len(samples) >= 48 {
		var sums [24]float64
		var counts [24]int
		for _, s := range samples {
			h := time.UnixMilli(s.Timestamp).UTC().Hour()
			sums[h] += s.Value - mu
			counts[h]++
		}
		var between float64
		for h := 0; h < 24; h++ {
			if counts[h] > 0 {
				m := sums[h] / float64(counts[h])
				between += float64(counts[h]) * m * m
			}
		}
		p.Seasonality = clamp01(between / (sigma * sigma * float64(len(samples))))
	}
	return p
}

// Profile returns the learned profile for a source.
func (ca *ContextAnalyzer) Profile(source string) (sourceProfile, bool) {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	p, ok := ca.profiles[source]
	return p, ok
}

// Select picks the subset of candidate detectors to run for one sample.
// Candidates must already be sorted; the selection preserves their order.
func (ca *ContextAnalyzer) Select(candidates []string, source string, dctx *model.DetectionContext) []string {
	if dctx != nil && dctx.PerformanceRequirements.LowLatency && !dctx.PerformanceRequirements.HighAccuracy {
		if fast := keep(candidates, func(n string) bool { return fastDetectors[n] }); len(fast) > 0 {
			return fast
		}
		return candidates
	}

	ca.mu.RLock()
	p, known := ca.profiles[source]
	ca.mu.RUnlock()
	if !known || (dctx != nil && dctx.PerformanceRequirements.HighAccuracy) {
		return candidates
	}

	wanted := make(map[string]bool, len(candidates))
	for _, n := range candidates {
		if fastDetectors[n] {
			wanted[n] = true // the cheap screen always runs
		}
	}
	if p.Seasonality > 0.1 {
		wanted["seasonal"] = true
	}
	if p.Volatility > 0.2 || !p.Bounded {
		wanted["statistical"] = true
		wanted["isolation_forest"] = true
		wanted["knn"] = true
	}
	if p.SampleCount >= 200 {
		wanted["ml_ensemble"] = true
	}

	selected := keep(candidates, func(n string) bool { return wanted[n] })
	if len(selected) == 0 {
		return candidates
	}
	return selected
}

func keep(names []string, pred func(string) bool) []string {
	var out []string
	for _, n := range names {
		if pred(n) {
			out = append(out, n)
		}
	}
	return out
}
