package detector

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"go.uber.org/zap"

	"github.com/dmitriimaksimovdevelop/driftwatch/internal/clock"
	"github.com/dmitriimaksimovdevelop/driftwatch/internal/model"
	"github.com/dmitriimaksimovdevelop/driftwatch/internal/rules"
)

const isoFeatureCount = 8

// isoNode is one node of an isolation tree. Leaves keep the subsample
// size that reached them for path-length estimation.
type isoNode struct {
	feature int
	split   float64
	left    *isoNode
	right   *isoNode
	size    int
	leaf    bool
}

// IsolationForest isolates anomalies by random recursive splits over the
// 8-feature vectors extracted from each source's rolling window.
type IsolationForest struct {
	base
	rng        *rand.Rand
	trees      []*isoNode
	subsample  int
	extractors map[string]*featureExtractor
	// importance accumulates split counts per feature during training.
	importance [isoFeatureCount]float64
}

// NewIsolationForest creates an isolation forest detector.
func NewIsolationForest(clk clock.Clock, eval *rules.Evaluator, log *zap.Logger) *IsolationForest {
	d := &IsolationForest{
		base:       newBase("isolation_forest", "isolation_forest", clk, eval, log),
		extractors: make(map[string]*featureExtractor),
	}
	d.rng = rand.New(rand.NewSource(0))
	return d
}

// Configure re-seeds the RNG so training is reproducible per config.
func (d *IsolationForest) Configure(cfg Config) error {
	if err := d.base.Configure(cfg); err != nil {
		return err
	}
	d.mu.Lock()
	d.rng = rand.New(rand.NewSource(cfg.Seed))
	d.mu.Unlock()
	return nil
}

// Train grows clamp(|D|/10, 10, 100) trees, each over a random subsample
// of min(256, 0.8*|D|) feature vectors.
func (d *IsolationForest) Train(historical []model.Sample) error {
	if err := d.checkTrainSize(len(historical)); err != nil {
		return err
	}
	cfg := d.config()

	extractors := make(map[string]*featureExtractor)
	features := make([][]float64, 0, len(historical))
	for _, s := range historical {
		ex := extractors[s.Source]
		if ex == nil {
			ex = newFeatureExtractor(cfg.WindowSize)
			extractors[s.Source] = ex
		}
		if ex.ready() {
			features = append(features, ex.extract8(s.Value, s.Timestamp))
		}
		ex.observe(s.Value, s.Timestamp)
	}
	if len(features) < cfg.MinDataPoints/2 {
		return fmt.Errorf("%w: only %d feature vectors extracted", ErrInsufficientData, len(features))
	}

	numTrees := len(features) / 10
	if numTrees < 10 {
		numTrees = 10
	}
	if numTrees > 100 {
		numTrees = 100
	}
	sub := int(0.8 * float64(len(features)))
	if sub > 256 {
		sub = 256
	}
	if sub < 2 {
		sub = 2
	}
	maxDepth := int(math.Ceil(math.Log2(float64(sub))))

	d.mu.Lock()
	d.importance = [isoFeatureCount]float64{}
	trees := make([]*isoNode, numTrees)
	for i := range trees {
		idx := d.rng.Perm(len(features))[:sub]
		subset := make([][]float64, sub)
		for j, k := range idx {
			subset[j] = features[k]
		}
		trees[i] = growIsoTree(d.rng, subset, 0, maxDepth, isoFeatureCount, d.importance[:])
	}
	d.trees = trees
	d.subsample = sub
	d.extractors = extractors
	d.mu.Unlock()

	d.markTrained(len(historical))
	return nil
}

// growIsoTree builds one isolation tree over dims-wide vectors. The
// importance slice, when non-nil, accumulates split counts per feature.
func growIsoTree(rng *rand.Rand, subset [][]float64, depth, maxDepth, dims int, importance []float64) *isoNode {
	if depth >= maxDepth || len(subset) <= 1 {
		return &isoNode{leaf: true, size: len(subset)}
	}

	feature := rng.Intn(dims)
	lo, hi := subset[0][feature], subset[0][feature]
	for _, fv := range subset {
		lo = math.Min(lo, fv[feature])
		hi = math.Max(hi, fv[feature])
	}
	if lo == hi {
		return &isoNode{leaf: true, size: len(subset)}
	}
	split := lo + rng.Float64()*(hi-lo)
	if importance != nil {
		importance[feature]++
	}

	var left, right [][]float64
	for _, fv := range subset {
		if fv[feature] < split {
			left = append(left, fv)
		} else {
			right = append(right, fv)
		}
	}
	return &isoNode{
		feature: feature,
		split:   split,
		left:    growIsoTree(rng, left, depth+1, maxDepth, dims, importance),
		right:   growIsoTree(rng, right, depth+1, maxDepth, dims, importance),
		size:    len(subset),
	}
}

// Detect implements Detector.
func (d *IsolationForest) Detect(ctx context.Context, samples []model.Sample, dctx *model.DetectionContext) ([]model.Anomaly, error) {
	if !d.enabledAndReady() {
		return nil, nil
	}
	cfg := d.config()
	cutoff := cfg.Threshold
	if cutoff <= 0 || cutoff >= 1 {
		cutoff = 0.6
	}

	var anomalies []model.Anomaly
	for _, s := range samples {
		if ctx.Err() != nil {
			return anomalies, ctx.Err()
		}
		if dctx.InMaintenance(s.Timestamp) {
			d.observe(s, cfg)
			continue
		}

		d.mu.RLock()
		ex := d.extractors[s.Source]
		var fv []float64
		if ex != nil && ex.ready() {
			fv = ex.extract8(s.Value, s.Timestamp)
		}
		d.mu.RUnlock()
		if fv == nil {
			d.observe(s, cfg)
			continue
		}

		score, confidence := d.scoreVector(fv)
		if score >= cutoff {
			a := d.newAnomaly(s, model.AnomalyOutlier, score, d.confidenceBoost(confidence),
				fmt.Sprintf("isolation score %.3f for value %.3f", score, s.Value))
			a.Deviation = score
			a.Context.WindowSize = cfg.WindowSize
			a.Context.Threshold = cutoff
			if d.finalize(&a) {
				anomalies = append(anomalies, a)
			}
		}

		d.observe(s, cfg)
	}
	return anomalies, nil
}

func (d *IsolationForest) observe(s model.Sample, cfg Config) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ex := d.extractors[s.Source]
	if ex == nil {
		ex = newFeatureExtractor(cfg.WindowSize)
		d.extractors[s.Source] = ex
	}
	ex.observe(s.Value, s.Timestamp)
}

// ScoreVector exposes the forest score of a raw feature vector; used by
// the ML ensemble's forest variant and by tests.
func (d *IsolationForest) ScoreVector(fv []float64) (float64, float64) {
	return d.scoreVector(fv)
}

// scoreVector returns 2^(-E(h)/c(n)) and a confidence based on the path
// length dispersion across trees.
func (d *IsolationForest) scoreVector(fv []float64) (float64, float64) {
	d.mu.RLock()
	trees := d.trees
	sub := d.subsample
	d.mu.RUnlock()
	if len(trees) == 0 {
		return 0, 0
	}

	paths := make([]float64, len(trees))
	for i, t := range trees {
		paths[i] = pathLength(t, fv, 0)
	}
	meanPath := mean(paths)
	score := math.Pow(2, -meanPath/avgPathLength(sub))

	confidence := 0.5
	if meanPath > 0 {
		sd := math.Sqrt(variance(paths, meanPath))
		confidence = 0.5 + 0.5*(1-sd/meanPath)
	}
	return score, clamp01(confidence)
}

func pathLength(n *isoNode, fv []float64, depth float64) float64 {
	if n.leaf || n.left == nil || n.right == nil {
		return depth + avgPathLength(n.size)
	}
	if fv[n.feature] < n.split {
		return pathLength(n.left, fv, depth+1)
	}
	return pathLength(n.right, fv, depth+1)
}

// avgPathLength is c(n) = 2(ln(n-1)+gamma) - 2(n-1)/n, the expected path
// length of an unsuccessful BST search.
func avgPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	const gamma = 0.5772156649015329
	nf := float64(n)
	return 2*(math.Log(nf-1)+gamma) - 2*(nf-1)/nf
}

// Reset implements Detector.
func (d *IsolationForest) Reset() {
	d.mu.Lock()
	d.trees = nil
	d.subsample = 0
	d.extractors = make(map[string]*featureExtractor)
	d.importance = [isoFeatureCount]float64{}
	d.mu.Unlock()
	d.markReset()
}

// ModelInfo implements Detector.
func (d *IsolationForest) ModelInfo() ModelInfo {
	d.mu.RLock()
	trees := len(d.trees)
	sub := d.subsample
	d.mu.RUnlock()
	return d.modelInfo(map[string]any{
		"trees":     trees,
		"subsample": sub,
		"features":  isoFeatureCount,
	})
}

// FeatureImportance implements FeatureImportanceProvider using the split
// frequency per feature across all trees.
func (d *IsolationForest) FeatureImportance(source string) map[string]float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var total float64
	for _, c := range d.importance {
		total += c
	}
	out := make(map[string]float64, isoFeatureCount)
	for i, name := range featureNames8 {
		if total > 0 {
			out[name] = d.importance[i] / total
		} else {
			out[name] = 0
		}
	}
	return out
}
