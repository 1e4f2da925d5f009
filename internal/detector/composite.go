package detector

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dmitriimaksimovdevelop/driftwatch/internal/clock"
	"github.com/dmitriimaksimovdevelop/driftwatch/internal/model"
	"github.com/dmitriimaksimovdevelop/driftwatch/internal/rules"
)

// Ensemble strategies for the composite detector.
const (
	StrategyMajorityVote     = "majority_vote"
	StrategyWeightedAverage  = "weighted_average"
	StrategyAdaptiveWeighted = "adaptive_weighted"
	StrategyStacking         = "stacking"
	StrategyHierarchical     = "hierarchical"
)

// fastDetectors are the cheap screening stage for hierarchical mode and
// the low-latency subset for context selection.
var fastDetectors = map[string]bool{
	"threshold": true,
	"zscore":    true,
}

// ChildPerformance tracks how a child detector has been doing; the
// adaptive strategy feeds it back into the weights.
type ChildPerformance struct {
	Accuracy       float64       `json:"accuracy"`
	Precision      float64       `json:"precision"`
	Recall         float64       `json:"recall"`
	F1             float64       `json:"f1"`
	FPR            float64       `json:"fpr"`
	ResponseTime   time.Duration `json:"response_time"`
	DetectionCount int           `json:"detection_count"`
	Invocations    int           `json:"invocations"`
}

type compositeChild struct {
	det    Detector
	weight float64
	perf   ChildPerformance
}

// childResult is one child's verdict for a single sample.
type childResult struct {
	name    string
	weight  float64
	perf    ChildPerformance
	anomaly *model.Anomaly
	elapsed time.Duration
}

// Composite fans each sample out to its child detectors in parallel and
// combines their verdicts under the configured ensemble strategy. Results
// are joined in detector-name order so runs are reproducible for a fixed
// seed.
type Composite struct {
	base
	children map[string]*compositeChild
	analyzer *ContextAnalyzer
}

// NewComposite creates a composite detector with no children.
func NewComposite(clk clock.Clock, eval *rules.Evaluator, log *zap.Logger) *Composite {
	return &Composite{
		base:     newBase("composite", "composite", clk, eval, log),
		children: make(map[string]*compositeChild),
		analyzer: NewContextAnalyzer(),
	}
}

// AddChild registers a child detector with a voting weight.
func (d *Composite) AddChild(det Detector, weight float64) error {
	if det == nil {
		return fmt.Errorf("detector: nil child")
	}
	if weight <= 0 {
		weight = 1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.children[det.Name()]; exists {
		return fmt.Errorf("detector: child %q already registered", det.Name())
	}
	d.children[det.Name()] = &compositeChild{det: det, weight: weight}
	return nil
}

// SetChildEnabled flips one child's enabled flag without touching the
// rest of its configuration.
func (d *Composite) SetChildEnabled(name string, enabled bool) error {
	d.mu.RLock()
	c, ok := d.children[name]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("detector: unknown child %q", name)
	}
	cfgGetter, ok := c.det.(interface{ config() Config })
	if !ok {
		return fmt.Errorf("detector: child %q does not expose its config", name)
	}
	cfg := cfgGetter.config()
	cfg.Enabled = enabled
	return c.det.Configure(cfg)
}

// RemoveChild drops a child detector.
func (d *Composite) RemoveChild(name string) {
	d.mu.Lock()
	delete(d.children, name)
	d.mu.Unlock()
}

// SetChildWeight adjusts one child's voting weight.
func (d *Composite) SetChildWeight(name string, weight float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.children[name]
	if !ok {
		return fmt.Errorf("detector: unknown child %q", name)
	}
	c.weight = weight
	return nil
}

// RecordChildPerformance overwrites the tracked quality metrics for a
// child; response time and counters keep their live values.
func (d *Composite) RecordChildPerformance(name string, p ChildPerformance) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.children[name]
	if !ok {
		return fmt.Errorf("detector: unknown child %q", name)
	}
	p.ResponseTime = c.perf.ResponseTime
	p.DetectionCount = c.perf.DetectionCount
	p.Invocations = c.perf.Invocations
	c.perf = p
	return nil
}

// ChildPerformanceSnapshot returns a copy of every child's performance
// record.
func (d *Composite) ChildPerformanceSnapshot() map[string]ChildPerformance {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]ChildPerformance, len(d.children))
	for name, c := range d.children {
		out[name] = c.perf
	}
	return out
}

// Train fans the historical data out to every child. Training succeeds if
// at least one child trains.
func (d *Composite) Train(historical []model.Sample) error {
	if err := d.checkTrainSize(len(historical)); err != nil {
		return err
	}

	d.mu.RLock()
	children := make(map[string]Detector, len(d.children))
	for name, c := range d.children {
		children[name] = c.det
	}
	d.mu.RUnlock()
	if len(children) == 0 {
		return fmt.Errorf("detector: composite has no children")
	}

	trained := 0
	for _, name := range sortedKeys(children) {
		if err := children[name].Train(historical); err != nil {
			d.log.Warn("child failed to train", zap.String("child", name), zap.Error(err))
			continue
		}
		trained++
	}
	if trained == 0 {
		return fmt.Errorf("detector: no composite child trained successfully")
	}

	d.analyzer.Learn(historical)
	d.markTrained(len(historical))
	return nil
}

// Detect implements Detector. Child fan-out is parallel per sample; the
// join is deterministic by child name.
func (d *Composite) Detect(ctx context.Context, samples []model.Sample, dctx *model.DetectionContext) ([]model.Anomaly, error) {
	if !d.enabledAndReady() {
		return nil, nil
	}
	cfg := d.config()
	strategy := cfg.EnsembleStrategy
	if strategy == "" {
		strategy = StrategyWeightedAverage
	}

	var anomalies []model.Anomaly
	for _, s := range samples {
		if ctx.Err() != nil {
			return anomalies, ctx.Err()
		}
		if dctx.InMaintenance(s.Timestamp) {
			continue
		}

		var combined *model.Anomaly
		if strategy == StrategyHierarchical {
			combined = d.hierarchical(ctx, s, dctx, cfg)
		} else {
			active := d.selectChildren(s, dctx)
			results := d.fanOut(ctx, s, dctx, active)
			combined = d.combine(strategy, s, results, dctx, len(active))
		}
		if combined != nil && d.finalize(combined) {
			anomalies = append(anomalies, *combined)
		}
	}
	return anomalies, nil
}

// selectChildren asks the context analyzer which children suit this
// sample's source and the caller's performance requirements.
func (d *Composite) selectChildren(s model.Sample, dctx *model.DetectionContext) []string {
	d.mu.RLock()
	all := make([]string, 0, len(d.children))
	ready := make(map[string]bool, len(d.children))
	for name, c := range d.children {
		all = append(all, name)
		ready[name] = c.det.IsReady()
	}
	d.mu.RUnlock()
	sort.Strings(all)

	selected := d.analyzer.Select(all, s.Source, dctx)
	out := selected[:0]
	for _, name := range selected {
		if ready[name] {
			out = append(out, name)
		}
	}
	return out
}

// fanOut runs the named children concurrently on one sample and returns
// their verdicts sorted by child name. A child error is logged and its
// slot contributes nothing.
func (d *Composite) fanOut(ctx context.Context, s model.Sample, dctx *model.DetectionContext, names []string) []childResult {
	results := make([]childResult, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		d.mu.RLock()
		c := d.children[name]
		d.mu.RUnlock()
		if c == nil {
			continue
		}
		g.Go(func() error {
			start := d.clk.Now()
			found, err := c.det.Detect(gctx, []model.Sample{s}, dctx)
			elapsed := d.clk.Now().Sub(start)

			r := childResult{name: name, elapsed: elapsed}
			if err != nil {
				d.log.Warn("child detect failed", zap.String("child", name), zap.Error(err))
			} else if len(found) > 0 {
				r.anomaly = &found[0]
			}
			results[i] = r
			return nil
		})
	}
	_ = g.Wait()

	// Deterministic join order, then fold the timings back in.
	sort.Slice(results, func(i, j int) bool { return results[i].name < results[j].name })
	out := results[:0]
	for _, r := range results {
		if r.name == "" {
			continue
		}
		d.recordTiming(r.name, r.elapsed, r.anomaly != nil)
		d.mu.RLock()
		if c := d.children[r.name]; c != nil {
			r.weight = c.weight
			r.perf = c.perf
		}
		d.mu.RUnlock()
		out = append(out, r)
	}
	return out
}

func (d *Composite) recordTiming(name string, elapsed time.Duration, detected bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.children[name]
	if c == nil {
		return
	}
	c.perf.Invocations++
	if detected {
		c.perf.DetectionCount++
	}
	if c.perf.ResponseTime == 0 {
		c.perf.ResponseTime = elapsed
	} else {
		c.perf.ResponseTime = (c.perf.ResponseTime*9 + elapsed) / 10
	}
}

// combine applies the ensemble strategy to the joined results.
func (d *Composite) combine(strategy string, s model.Sample, results []childResult, dctx *model.DetectionContext, active int) *model.Anomaly {
	fired := firedResults(results)
	if len(fired) == 0 {
		return nil
	}

	switch strategy {
	case StrategyMajorityVote:
		if len(fired) < (active+1)/2 {
			return nil
		}
		var sum float64
		for _, r := range fired {
			sum += r.anomaly.Score
		}
		return d.combinedAnomaly(s, fired, sum/float64(len(fired)))

	case StrategyAdaptiveWeighted:
		adjusted := make([]childResult, len(fired))
		for i, r := range fired {
			w := r.weight
			if r.perf.Accuracy > 0 || r.perf.F1 > 0 {
				w *= (r.perf.Accuracy + r.perf.F1) / 2
			}
			if dctx != nil && dctx.PerformanceRequirements.LowLatency && r.elapsed > 100*time.Millisecond {
				w *= 0.8
			}
			if (r.name == "threshold" || r.name == "statistical") &&
				dctx.RecentDeployment(s.Timestamp, 30*time.Minute) {
				w *= 1.2
			}
			r.weight = w
			adjusted[i] = r
		}
		return d.weightedAverage(s, adjusted)

	case StrategyStacking:
		return d.stacking(s, results, fired, dctx)

	default: // weighted_average
		return d.weightedAverage(s, fired)
	}
}

func firedResults(results []childResult) []childResult {
	var fired []childResult
	for _, r := range results {
		if r.anomaly != nil {
			fired = append(fired, r)
		}
	}
	return fired
}

func (d *Composite) weightedAverage(s model.Sample, fired []childResult) *model.Anomaly {
	var num, den float64
	for _, r := range fired {
		w := r.weight * r.anomaly.Confidence
		num += r.anomaly.Score * w
		den += w
	}
	if den == 0 {
		return nil
	}
	score := num / den
	if score < 0.5 {
		return nil
	}
	return d.combinedAnomaly(s, fired, score)
}

// stacking scores the sample with a fixed meta-predictor over twelve
// features of the child verdicts.
func (d *Composite) stacking(s model.Sample, all, fired []childResult, dctx *model.DetectionContext) *model.Anomaly {
	scores := make([]float64, 0, len(fired))
	confs := make([]float64, 0, len(fired))
	for _, r := range fired {
		scores = append(scores, r.anomaly.Score)
		confs = append(confs, r.anomaly.Confidence)
	}

	meanScore := mean(scores)
	maxScore, minScore := 0.0, 1.0
	var rms float64
	for _, v := range scores {
		maxScore = math.Max(maxScore, v)
		minScore = math.Min(minScore, v)
		rms += v * v
	}
	if len(scores) > 0 {
		rms = math.Sqrt(rms / float64(len(scores)))
	} else {
		minScore = 0
	}
	meanConf := mean(confs)
	minConf := 1.0
	for _, v := range confs {
		minConf = math.Min(minConf, v)
	}
	if len(confs) == 0 {
		minConf = 0
	}

	var fastCount, heavyCount float64
	var maxElapsed time.Duration
	for _, r := range all {
		if r.anomaly == nil {
			continue
		}
		if fastDetectors[r.name] {
			fastCount++
		} else {
			heavyCount++
		}
		if r.elapsed > maxElapsed {
			maxElapsed = r.elapsed
		}
	}
	lowLatency, deployment := 0.0, 0.0
	if dctx != nil && dctx.PerformanceRequirements.LowLatency {
		lowLatency = 1
	}
	if dctx.RecentDeployment(s.Timestamp, 30*time.Minute) {
		deployment = 1
	}
	// The twelve meta-features, kept for inspection in the combined
	// anomaly's business context.
	meta := map[string]any{
		"mean_score": meanScore, "max_score": maxScore, "min_score": minScore,
		"rms_score": rms, "mean_confidence": meanConf, "min_confidence": minConf,
		"fast_detections": fastCount, "heavy_detections": heavyCount,
		"fired_total": float64(len(fired)), "max_response_ms": float64(maxElapsed.Milliseconds()),
		"low_latency": lowLatency, "recent_deployment": deployment,
	}

	metaScore := 0.4*meanScore + 0.4*maxScore + 0.2*meanConf
	if metaScore <= 0.6 || meanConf <= 0.5 {
		return nil
	}
	a := d.combinedAnomaly(s, fired, metaScore)
	if a.Context.BusinessContext == nil {
		a.Context.BusinessContext = meta
	} else {
		for k, v := range meta {
			a.Context.BusinessContext[k] = v
		}
	}
	return a
}

// hierarchical screens with the fast children and only consults the
// expensive ones when the screen is suspicious.
func (d *Composite) hierarchical(ctx context.Context, s model.Sample, dctx *model.DetectionContext, cfg Config) *model.Anomaly {
	d.mu.RLock()
	var fast, heavy []string
	for name, c := range d.children {
		if !c.det.IsReady() {
			continue
		}
		if fastDetectors[name] {
			fast = append(fast, name)
		} else {
			heavy = append(heavy, name)
		}
	}
	d.mu.RUnlock()
	sort.Strings(fast)
	sort.Strings(heavy)

	stage1 := d.fanOut(ctx, s, dctx, fast)
	fired := firedResults(stage1)
	var screen float64
	if len(fired) > 0 {
		var num, den float64
		for _, r := range fired {
			w := r.weight * r.anomaly.Confidence
			num += r.anomaly.Score * w
			den += w
		}
		if den > 0 {
			screen = num / den
		}
	}
	if screen < 0.3 {
		return nil
	}

	stage2 := d.fanOut(ctx, s, dctx, heavy)
	all := append(fired, firedResults(stage2)...)
	sort.Slice(all, func(i, j int) bool { return all[i].name < all[j].name })
	return d.weightedAverage(s, all)
}

// combinedAnomaly builds the composite verdict: weighted-majority type
// vote, confidence lifted by agreement, expected value averaged over the
// children that offered one.
func (d *Composite) combinedAnomaly(s model.Sample, fired []childResult, score float64) *model.Anomaly {
	typeVotes := make(map[model.AnomalyType]float64)
	var confSum float64
	var expSum float64
	var expN int
	for _, r := range fired {
		typeVotes[r.anomaly.Type] += r.weight * r.anomaly.Confidence
		confSum += r.anomaly.Confidence
		if r.anomaly.ExpectedValue != nil {
			expSum += *r.anomaly.ExpectedValue
			expN++
		}
	}

	// Ties break on the type string so the result is stable.
	typ := model.AnomalyOutlier
	best := -1.0
	types := make([]string, 0, len(typeVotes))
	for t := range typeVotes {
		types = append(types, string(t))
	}
	sort.Strings(types)
	for _, t := range types {
		if v := typeVotes[model.AnomalyType(t)]; v > best {
			best = v
			typ = model.AnomalyType(t)
		}
	}

	confidence := clamp01(confSum/float64(len(fired)) + 0.1*float64(len(fired)-1))
	names := make([]string, len(fired))
	for i, r := range fired {
		names[i] = r.name
	}

	a := d.newAnomaly(s, typ, score, d.confidenceBoost(confidence),
		fmt.Sprintf("%d detectors agree: %v", len(fired), names))
	if expN > 0 {
		a.ExpectedValue = float64Ptr(expSum / float64(expN))
	}
	a.Deviation = score
	return &a
}

// IsReady reports whether any child is ready.
func (d *Composite) IsReady() bool {
	if !d.base.IsReady() {
		return false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, c := range d.children {
		if c.det.IsReady() {
			return true
		}
	}
	return false
}

// Reset resets every child and the composite state.
func (d *Composite) Reset() {
	d.mu.RLock()
	dets := make([]Detector, 0, len(d.children))
	for _, c := range d.children {
		dets = append(dets, c.det)
	}
	d.mu.RUnlock()
	for _, det := range dets {
		det.Reset()
	}
	d.mu.Lock()
	for _, c := range d.children {
		c.perf = ChildPerformance{}
	}
	d.mu.Unlock()
	d.markReset()
}

// ModelInfo implements Detector.
func (d *Composite) ModelInfo() ModelInfo {
	d.mu.RLock()
	names := make([]string, 0, len(d.children))
	for name := range d.children {
		names = append(names, name)
	}
	d.mu.RUnlock()
	sort.Strings(names)
	cfg := d.config()
	strategy := cfg.EnsembleStrategy
	if strategy == "" {
		strategy = StrategyWeightedAverage
	}
	return d.modelInfo(map[string]any{
		"children": names,
		"strategy": strategy,
	})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
