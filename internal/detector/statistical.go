package detector

import (
	"context"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/dmitriimaksimovdevelop/driftwatch/internal/clock"
	"github.com/dmitriimaksimovdevelop/driftwatch/internal/model"
	"github.com/dmitriimaksimovdevelop/driftwatch/internal/rules"
)

// Method weights for the statistical ensemble vote.
var statMethodWeights = map[string]float64{
	"zscore":     1.0,
	"modified_z": 1.2,
	"iqr":        0.8,
	"grubbs":     1.1,
	"tukey":      0.9,
	"esd":        1.3,
}

// methodResult is one method's verdict for a single sample.
type methodResult struct {
	method      string
	isAnomaly   bool
	score       float64
	confidence  float64
	anomalyType model.AnomalyType
}

// distribution captures the normality analysis of a source window.
type distribution struct {
	summary  Summary
	isNormal bool
	// normality is a heuristic in [0,1]: the correlation between the
	// empirical quantiles and normal quantiles. It is NOT a Shapiro-Wilk
	// statistic.
	normality float64
}

// Statistical runs six outlier tests per sample and combines them with a
// weighted vote.
type Statistical struct {
	base
	windows map[string][]float64
	dists   map[string]distribution
}

// NewStatistical creates the statistical ensemble detector.
func NewStatistical(clk clock.Clock, eval *rules.Evaluator, log *zap.Logger) *Statistical {
	return &Statistical{
		base:    newBase("statistical", "statistical_ensemble", clk, eval, log),
		windows: make(map[string][]float64),
		dists:   make(map[string]distribution),
	}
}

// Train builds per-source windows and distribution analyses.
func (d *Statistical) Train(historical []model.Sample) error {
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
		d.dists[src] = analyzeDistribution(values)
	}
	d.mu.Unlock()

	d.markTrained(len(historical))
	return nil
}

// Detect implements Detector.
func (d *Statistical) Detect(ctx context.Context, samples []model.Sample, dctx *model.DetectionContext) ([]model.Anomaly, error) {
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
		dist, ok := d.dists[s.Source]
		d.mu.RUnlock()

		if ok && dist.summary.N >= cfg.MinDataPoints {
			if a, fired := d.scoreSample(s, dist, cfg); fired {
				anomalies = append(anomalies, a)
			}
		}

		d.update(s.Source, s.Value, cfg.WindowSize)
	}
	return anomalies, nil
}

func (d *Statistical) scoreSample(s model.Sample, dist distribution, cfg Config) (model.Anomaly, bool) {
	results := []methodResult{
		methodZScore(s.Value, dist.summary, cfg.Threshold),
		methodModifiedZ(s.Value, dist.summary, cfg.Threshold),
		methodIQR(s.Value, dist.summary),
		methodGrubbs(s.Value, dist.summary),
		methodTukey(s.Value, dist.summary),
		methodESD(s.Value, dist.summary),
	}

	var weightSum, scoreSum, confSum float64
	typeVotes := map[model.AnomalyType]float64{}
	fired := 0
	for _, r := range results {
		if !r.isAnomaly {
			continue
		}
		fired++
		w := statMethodWeights[r.method]
		weightSum += w
		scoreSum += r.score * w
		confSum += r.confidence * w
		typeVotes[r.anomalyType] += w
	}
	if fired == 0 || weightSum == 0 {
		return model.Anomaly{}, false
	}

	score := scoreSum / weightSum
	confidence := confSum / weightSum
	// Method agreement raises confidence; a lone method keeps it flat.
	confidence *= 0.6 + 0.4*float64(fired)/float64(len(results))
	if !dist.isNormal {
		// Parametric tests are weaker evidence off-normal data.
		confidence *= 0.85
	}
	confidence = d.confidenceBoost(confidence)

	var finalType model.AnomalyType
	var bestVote float64
	for typ, vote := range typeVotes {
		if vote > bestVote || (vote == bestVote && typ < finalType) {
			finalType, bestVote = typ, vote
		}
	}

	a := d.newAnomaly(s, finalType, score, confidence,
		fmt.Sprintf("%d/%d statistical tests flag value %.3f", fired, len(results), s.Value))
	a.ExpectedValue = float64Ptr(dist.summary.Mean)
	if dist.summary.StdDev > 0 {
		a.Deviation = math.Abs(s.Value-dist.summary.Mean) / dist.summary.StdDev
	}
	a.Context.WindowSize = cfg.WindowSize
	a.Context.Threshold = cfg.Threshold
	a.Context.HistoricalMean = float64Ptr(dist.summary.Mean)
	a.Context.HistoricalStdDev = float64Ptr(dist.summary.StdDev)

	if !d.finalize(&a) {
		return model.Anomaly{}, false
	}
	return a, true
}

func (d *Statistical) update(source string, value float64, window int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	win := append(d.windows[source], value)
	if len(win) > window {
		win = win[len(win)-window:]
	}
	d.windows[source] = win
	d.dists[source] = analyzeDistribution(win)
}

// Reset implements Detector.
func (d *Statistical) Reset() {
	d.mu.Lock()
	d.windows = make(map[string][]float64)
	d.dists = make(map[string]distribution)
	d.mu.Unlock()
	d.markReset()
}

// ModelInfo implements Detector.
func (d *Statistical) ModelInfo() ModelInfo {
	d.mu.RLock()
	sources := len(d.dists)
	d.mu.RUnlock()
	return d.modelInfo(map[string]any{
		"methods": len(statMethodWeights),
		"sources": sources,
	})
}

// GetBaseline implements BaselineProvider from the distribution summary.
func (d *Statistical) GetBaseline(source string) (Baseline, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	dist, ok := d.dists[source]
	if !ok {
		return Baseline{}, false
	}
	return Baseline{
		Mean:        dist.summary.Mean,
		StdDev:      dist.summary.StdDev,
		SampleSize:  dist.summary.N,
		LastUpdated: d.clk.Now(),
	}, true
}

// SetBaseline implements BaselineProvider. The injected baseline replaces
// the summary mean/stddev but keeps the window.
func (d *Statistical) SetBaseline(source string, b Baseline) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dist := d.dists[source]
	dist.summary.Mean = b.Mean
	dist.summary.StdDev = b.StdDev
	if dist.summary.N == 0 {
		dist.summary.N = b.SampleSize
	}
	d.dists[source] = dist
}

// --- individual methods ---

func classifyDirection(v float64, s Summary) model.AnomalyType {
	switch {
	case v > s.Mean:
		return model.AnomalySpike
	case v < s.Mean:
		return model.AnomalyDrop
	default:
		return model.AnomalyOutlier
	}
}

func methodZScore(v float64, s Summary, threshold float64) methodResult {
	r := methodResult{method: "zscore", anomalyType: classifyDirection(v, s)}
	if s.StdDev == 0 {
		return r
	}
	z := math.Abs(v-s.Mean) / s.StdDev
	if z >= threshold {
		r.isAnomaly = true
		r.score = clamp01(z / (threshold * 2))
		r.confidence = clamp01(z / (threshold * 3))
	}
	return r
}

func methodModifiedZ(v float64, s Summary, threshold float64) methodResult {
	r := methodResult{method: "modified_z", anomalyType: classifyDirection(v, s)}
	if s.MAD == 0 {
		return r
	}
	mz := modifiedZScore(v, s.Median, s.MAD)
	// 3.5 is the conventional modified-z cutoff; scale with threshold/3.
	cutoff := 3.5 * threshold / 3
	if mz >= cutoff {
		r.isAnomaly = true
		r.score = clamp01(mz / (cutoff * 2))
		r.confidence = clamp01(mz / (cutoff * 3))
	}
	return r
}

func methodIQR(v float64, s Summary) methodResult {
	r := methodResult{method: "iqr", anomalyType: model.AnomalyOutlier}
	if s.IQR == 0 {
		return r
	}
	lo := s.Q1 - 1.5*s.IQR
	hi := s.Q3 + 1.5*s.IQR
	if v < lo || v > hi {
		r.isAnomaly = true
		var excess float64
		if v > hi {
			excess = (v - hi) / s.IQR
			r.anomalyType = model.AnomalySpike
		} else {
			excess = (lo - v) / s.IQR
			r.anomalyType = model.AnomalyDrop
		}
		r.score = clamp01(0.5 + excess/4)
		r.confidence = clamp01(0.5 + excess/6)
	}
	return r
}

func methodGrubbs(v float64, s Summary) methodResult {
	r := methodResult{method: "grubbs", anomalyType: classifyDirection(v, s)}
	if s.StdDev == 0 || s.N < 3 {
		return r
	}
	g := math.Abs(v-s.Mean) / s.StdDev
	crit := grubbsCritical(s.N, 0.05)
	if g > crit {
		r.isAnomaly = true
		r.score = clamp01(g / (crit * 2))
		r.confidence = clamp01((g - crit) / crit)
	}
	return r
}

func methodTukey(v float64, s Summary) methodResult {
	r := methodResult{method: "tukey", anomalyType: model.AnomalyOutlier}
	if s.IQR == 0 {
		return r
	}
	const k = 2.2
	lo := s.Q1 - k*s.IQR
	hi := s.Q3 + k*s.IQR
	if v < lo || v > hi {
		r.isAnomaly = true
		var excess float64
		if v > hi {
			excess = (v - hi) / s.IQR
			r.anomalyType = model.AnomalySpike
		} else {
			excess = (lo - v) / s.IQR
			r.anomalyType = model.AnomalyDrop
		}
		r.score = clamp01(0.6 + excess/4)
		r.confidence = clamp01(0.6 + excess/6)
	}
	return r
}

func methodESD(v float64, s Summary) methodResult {
	r := methodResult{method: "esd", anomalyType: classifyDirection(v, s)}
	if s.StdDev == 0 || s.N < 3 {
		return r
	}
	// Single-point extreme studentized deviate against a looser alpha
	// than Grubbs, making it the most sensitive method of the six.
	g := math.Abs(v-s.Mean) / s.StdDev
	crit := grubbsCritical(s.N, 0.10)
	if g > crit {
		r.isAnomaly = true
		r.score = clamp01(g / (crit * 2))
		r.confidence = clamp01((g - crit) / crit)
	}
	return r
}

// grubbsCritical approximates the Grubbs critical value at significance
// alpha using the normal approximation of the t quantile; adequate for the
// window sizes the detector trains on (n >= 30).
func grubbsCritical(n int, alpha float64) float64 {
	if n < 3 {
		return math.Inf(1)
	}
	nf := float64(n)
	t := normQuantile(1 - alpha/(2*nf))
	return (nf - 1) / math.Sqrt(nf) * math.Sqrt(t*t/(nf-2+t*t))
}

// analyzeDistribution summarizes the window and runs the normality
// heuristic.
func analyzeDistribution(values []float64) distribution {
	s := Summarize(values)
	norm := normalityHeuristic(values)
	return distribution{
		summary:   s,
		normality: norm,
		isNormal:  math.Abs(s.Skewness) < 1 && math.Abs(s.Kurtosis) < 1 && norm > 0.9,
	}
}

// normalityHeuristic returns the correlation between the empirical and
// normal quantiles (a QQ-plot correlation). Values near 1 suggest the
// window is approximately normal. This deliberately does not claim
// Shapiro-Wilk semantics.
func normalityHeuristic(values []float64) float64 {
	n := len(values)
	if n < 3 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	expected := make([]float64, n)
	for i := range expected {
		p := (float64(i+1) - 0.375) / (float64(n) + 0.25)
		expected[i] = normQuantile(p)
	}

	mx, my := mean(sorted), mean(expected)
	var sxy, sxx, syy float64
	for i := range sorted {
		dx := sorted[i] - mx
		dy := expected[i] - my
		sxy += dx * dy
		sxx += dx * dx
		syy += dy * dy
	}
	if sxx == 0 || syy == 0 {
		return 0
	}
	return sxy / math.Sqrt(sxx*syy)
}

// normQuantile is the Acklam approximation of the standard normal inverse
// CDF; absolute error under 1.15e-9 over (0,1).
func normQuantile(p float64) float64 {
	if p <= 0 {
		return math.Inf(-1)
	}
	if p >= 1 {
		return math.Inf(1)
	}

	a := [6]float64{-3.969683028665376e+01, 2.209460984245205e+02, -2.759285104469687e+02,
		1.383577518672690e+02, -3.066479806614716e+01, 2.506628277459239e+00}
	b := [5]float64{-5.447609879822406e+01, 1.615858368580409e+02, -1.556989798598866e+02,
		6.680131188771972e+01, -1.328068155288572e+01}
	c := [6]float64{-7.784894002430293e-03, -3.223964580411365e-01, -2.400758277161838e+00,
		-2.549732539343734e+00, 4.374664141464968e+00, 2.938163982698783e+00}
	e := [4]float64{7.784695709041462e-03, 3.224671290700398e-01, 2.445134137142996e+00,
		3.754408661907416e+00}

	const plow = 0.02425
	const phigh = 1 - plow

	switch {
	case p < plow:
		q := math.Sqrt(-2 * math.Log(p))
		return (((((c[0]*q+c[1])*q+c[2])*q+c[3])*q+c[4])*q + c[5]) /
			((((e[0]*q+e[1])*q+e[2])*q+e[3])*q + 1)
	case p > phigh:
		q := math.Sqrt(-2 * math.Log(1-p))
		return -(((((c[0]*q+c[1])*q+c[2])*q+c[3])*q+c[4])*q + c[5]) /
			((((e[0]*q+e[1])*q+e[2])*q+e[3])*q + 1)
	default:
		q := p - 0.5
		r := q * q
		return (((((a[0]*r+a[1])*r+a[2])*r+a[3])*r+a[4])*r + a[5]) * q /
			(((((b[0]*r+b[1])*r+b[2])*r+b[3])*r+b[4])*r + 1)
	}
}
