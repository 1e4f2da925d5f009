package detector

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/dmitriimaksimovdevelop/driftwatch/internal/clock"
	"github.com/dmitriimaksimovdevelop/driftwatch/internal/model"
	"github.com/dmitriimaksimovdevelop/driftwatch/internal/rules"
)

// DistanceMetric selects how KNN measures similarity.
type DistanceMetric string

const (
	DistanceEuclidean DistanceMetric = "euclidean"
	DistanceManhattan DistanceMetric = "manhattan"
	DistanceCosine    DistanceMetric = "cosine"
)

// KNNOptions are the knobs specific to the KNN detector.
type KNNOptions struct {
	K               int
	MaxTrainingSize int
	Metric          DistanceMetric
	Normalize       bool
	DynamicK        bool
	WeightedVoting  bool
	UseFeatures     bool // score extracted feature vectors instead of raw values
}

// DefaultKNNOptions returns the stock configuration.
func DefaultKNNOptions() KNNOptions {
	return KNNOptions{
		K:               10,
		MaxTrainingSize: 5000,
		Metric:          DistanceEuclidean,
		Normalize:       true,
		DynamicK:        true,
		WeightedVoting:  true,
	}
}

// knnModel is one source's training state.
type knnModel struct {
	points [][]float64
	// z-score normalization parameters per dimension.
	means  []float64
	scales []float64
	ex     *featureExtractor
}

// KNN scores a sample by its mean distance to the k nearest training
// points, found with quickselect rather than a full sort.
type KNN struct {
	base
	opts   KNNOptions
	models map[string]*knnModel
}

// NewKNN creates a k-nearest-neighbors detector.
func NewKNN(clk clock.Clock, eval *rules.Evaluator, log *zap.Logger) *KNN {
	return &KNN{
		base:   newBase("knn", "knn", clk, eval, log),
		opts:   DefaultKNNOptions(),
		models: make(map[string]*knnModel),
	}
}

// SetOptions replaces the KNN-specific options. Takes effect on the next
// Train.
func (d *KNN) SetOptions(opts KNNOptions) error {
	if opts.K < 1 {
		return fmt.Errorf("detector: knn k must be >= 1, got %d", opts.K)
	}
	if opts.MaxTrainingSize < opts.K {
		return fmt.Errorf("detector: knn training cap %d below k %d", opts.MaxTrainingSize, opts.K)
	}
	switch opts.Metric {
	case DistanceEuclidean, DistanceManhattan, DistanceCosine:
	default:
		return fmt.Errorf("detector: unknown distance metric %q", opts.Metric)
	}
	d.mu.Lock()
	d.opts = opts
	d.mu.Unlock()
	return nil
}

// Train loads per-source training buffers, capped at MaxTrainingSize, and
// fits normalization parameters.
func (d *KNN) Train(historical []model.Sample) error {
	if err := d.checkTrainSize(len(historical)); err != nil {
		return err
	}
	cfg := d.config()
	d.mu.RLock()
	opts := d.opts
	d.mu.RUnlock()

	bySource := make(map[string][]model.Sample)
	for _, s := range historical {
		bySource[s.Source] = append(bySource[s.Source], s)
	}

	models := make(map[string]*knnModel, len(bySource))
	for src, samples := range bySource {
		m := &knnModel{ex: newFeatureExtractor(cfg.WindowSize)}
		for _, s := range samples {
			var pt []float64
			if opts.UseFeatures {
				if m.ex.ready() {
					pt = m.ex.extract8(s.Value, s.Timestamp)
				}
				m.ex.observe(s.Value, s.Timestamp)
			} else {
				pt = []float64{s.Value}
			}
			if pt != nil {
				m.points = append(m.points, pt)
			}
		}
		if len(m.points) > opts.MaxTrainingSize {
			m.points = m.points[len(m.points)-opts.MaxTrainingSize:]
		}
		if len(m.points) < opts.K {
			continue
		}
		if opts.Normalize {
			m.fitNormalization()
		}
		models[src] = m
	}
	if len(models) == 0 {
		return fmt.Errorf("%w: no source accumulated %d points", ErrInsufficientData, opts.K)
	}

	d.mu.Lock()
	d.models = models
	d.mu.Unlock()
	d.markTrained(len(historical))
	return nil
}

func (m *knnModel) fitNormalization() {
	dims := len(m.points[0])
	m.means = make([]float64, dims)
	m.scales = make([]float64, dims)
	for dim := 0; dim < dims; dim++ {
		col := make([]float64, len(m.points))
		for i, pt := range m.points {
			col[i] = pt[dim]
		}
		mu := mean(col)
		m.means[dim] = mu
		m.scales[dim] = math.Sqrt(variance(col, mu))
	}
}

func (m *knnModel) normalize(pt []float64) []float64 {
	if m.means == nil {
		return pt
	}
	out := make([]float64, len(pt))
	for i, v := range pt {
		if i < len(m.scales) && m.scales[i] > 0 {
			out[i] = (v - m.means[i]) / m.scales[i]
		} else {
			out[i] = v - m.means[i]
		}
	}
	return out
}

// Detect implements Detector.
func (d *KNN) Detect(ctx context.Context, samples []model.Sample, dctx *model.DetectionContext) ([]model.Anomaly, error) {
	if !d.enabledAndReady() {
		return nil, nil
	}
	cfg := d.config()
	d.mu.RLock()
	opts := d.opts
	d.mu.RUnlock()

	cutoff := cfg.Threshold
	if cutoff <= 0 {
		cutoff = 3.0
	}

	var anomalies []model.Anomaly
	for _, s := range samples {
		if ctx.Err() != nil {
			return anomalies, ctx.Err()
		}

		d.mu.RLock()
		m := d.models[s.Source]
		var pt []float64
		if m != nil {
			if opts.UseFeatures {
				if m.ex.ready() {
					pt = m.ex.extract8(s.Value, s.Timestamp)
				}
			} else {
				pt = []float64{s.Value}
			}
		}
		d.mu.RUnlock()
		if m == nil || pt == nil {
			continue
		}

		if dctx.InMaintenance(s.Timestamp) {
			d.learn(s, m, pt, opts)
			continue
		}

		dist, k := d.meanNeighborDistance(m, pt, opts)
		if dist >= cutoff {
			score := clamp01(dist / (2 * cutoff))
			// More neighbors agreeing on the distance means more support.
			confidence := d.confidenceBoost(clamp01(0.5 + 0.5*float64(k)/float64(opts.K+1)))
			a := d.newAnomaly(s, model.AnomalyOutlier, score, confidence,
				fmt.Sprintf("mean distance %.3f to %d nearest neighbors", dist, k))
			a.Deviation = dist
			a.Context.Threshold = cutoff
			a.Context.WindowSize = len(m.points)
			if d.finalize(&a) {
				anomalies = append(anomalies, a)
			}
		}

		d.learn(s, m, pt, opts)
	}
	return anomalies, nil
}

// meanNeighborDistance computes the anomaly score core: distances to all
// training points, quickselect for the k smallest, then a plain or
// distance-weighted mean.
func (d *KNN) meanNeighborDistance(m *knnModel, pt []float64, opts KNNOptions) (float64, int) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	q := m.normalize(pt)
	dists := make([]float64, len(m.points))
	for i, tp := range m.points {
		dists[i] = distance(q, m.normalize(tp), opts.Metric)
	}

	k := opts.K
	if opts.DynamicK {
		k = int(math.Sqrt(float64(len(m.points))))
		if k < 3 {
			k = 3
		}
		if k > opts.K {
			k = opts.K
		}
	}
	if k > len(dists) {
		k = len(dists)
	}
	quickselect(dists, k)
	nearest := dists[:k]

	if !opts.WeightedVoting {
		return mean(nearest), k
	}
	// Closer neighbors weigh more; weight 1/(1+d).
	var num, den float64
	for _, dv := range nearest {
		w := 1 / (1 + dv)
		num += w * dv
		den += w
	}
	if den == 0 {
		return 0, k
	}
	return num / den, k
}

func distance(a, b []float64, metric DistanceMetric) float64 {
	switch metric {
	case DistanceManhattan:
		var sum float64
		for i := range a {
			sum += math.Abs(a[i] - b[i])
		}
		return sum
	case DistanceCosine:
		var dot, na, nb float64
		for i := range a {
			dot += a[i] * b[i]
			na += a[i] * a[i]
			nb += b[i] * b[i]
		}
		if na == 0 || nb == 0 {
			return 1
		}
		return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
	default:
		var sum float64
		for i := range a {
			d := a[i] - b[i]
			sum += d * d
		}
		return math.Sqrt(sum)
	}
}

// learn appends the observation to the training buffer, evicting the
// oldest point past the cap.
func (d *KNN) learn(s model.Sample, m *knnModel, pt []float64, opts KNNOptions) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if opts.UseFeatures {
		m.ex.observe(s.Value, s.Timestamp)
	}
	m.points = append(m.points, pt)
	if len(m.points) > opts.MaxTrainingSize {
		m.points = m.points[1:]
	}
}

// Reset implements Detector.
func (d *KNN) Reset() {
	d.mu.Lock()
	d.models = make(map[string]*knnModel)
	d.mu.Unlock()
	d.markReset()
}

// ModelInfo implements Detector.
func (d *KNN) ModelInfo() ModelInfo {
	d.mu.RLock()
	sources := len(d.models)
	opts := d.opts
	d.mu.RUnlock()
	return d.modelInfo(map[string]any{
		"k":            opts.K,
		"metric":       string(opts.Metric),
		"dynamic_k":    opts.DynamicK,
		"weighted":     opts.WeightedVoting,
		"training_cap": opts.MaxTrainingSize,
		"sources":      sources,
	})
}
