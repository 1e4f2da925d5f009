package detector

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"go.uber.org/zap"

	"github.com/dmitriimaksimovdevelop/driftwatch/internal/clock"
	"github.com/dmitriimaksimovdevelop/driftwatch/internal/model"
	"github.com/dmitriimaksimovdevelop/driftwatch/internal/rules"
)

const mlFeatureCount = 16

// mlScore is one algorithm's verdict on a feature vector.
type mlScore struct {
	score      float64
	confidence float64
	expected   *float64
}

// mlAlgorithm is a lightweight per-source model trained on 16-feature
// vectors. Every score is computed from the fitted training data; nothing
// is randomized at scoring time.
type mlAlgorithm interface {
	name() string
	fit(points [][]float64) error
	score(fv []float64) mlScore
}

// mlMember pairs a fitted algorithm with its validation-derived weight.
type mlMember struct {
	algo     mlAlgorithm
	weight   float64
	accuracy float64
}

// mlModel is the per-source ensemble state.
type mlModel struct {
	members []mlMember
	ex      *featureExtractor
}

// MLEnsemble blends several model families per source and weighs each by
// its validation quality. Members whose validation accuracy is 0.6 or
// lower are dropped at training time.
type MLEnsemble struct {
	base
	models map[string]*mlModel
}

// NewMLEnsemble creates the machine-learning ensemble detector.
func NewMLEnsemble(clk clock.Clock, eval *rules.Evaluator, log *zap.Logger) *MLEnsemble {
	return &MLEnsemble{
		base:   newBase("ml_ensemble", "ml_ensemble", clk, eval, log),
		models: make(map[string]*mlModel),
	}
}

// Train fits the five model families per source on an 80% split and keeps
// the ones that validate above the accuracy floor on the remaining 20%.
func (d *MLEnsemble) Train(historical []model.Sample) error {
	if err := d.checkTrainSize(len(historical)); err != nil {
		return err
	}
	cfg := d.config()

	bySource := make(map[string][]model.Sample)
	for _, s := range historical {
		bySource[s.Source] = append(bySource[s.Source], s)
	}

	models := make(map[string]*mlModel, len(bySource))
	for src, samples := range bySource {
		m, err := d.fitSource(samples, cfg)
		if err != nil {
			d.log.Warn("source skipped during training",
				zap.String("source", src), zap.Error(err))
			continue
		}
		models[src] = m
	}
	if len(models) == 0 {
		return fmt.Errorf("%w: no source produced a valid ensemble", ErrInsufficientData)
	}

	d.mu.Lock()
	d.models = models
	d.mu.Unlock()
	d.markTrained(len(historical))
	return nil
}

func (d *MLEnsemble) fitSource(samples []model.Sample, cfg Config) (*mlModel, error) {
	ex := newFeatureExtractor(cfg.WindowSize)
	features := make([][]float64, 0, len(samples))
	values := make([]float64, 0, len(samples))
	for _, s := range samples {
		if ex.ready() {
			features = append(features, ex.extract16(s.Value, s.Timestamp))
			values = append(values, s.Value)
		}
		ex.observe(s.Value, s.Timestamp)
	}
	if len(features) < 20 {
		return nil, fmt.Errorf("%w: %d feature vectors", ErrInsufficientData, len(features))
	}

	split := len(features) * 8 / 10
	train, valid := features[:split], features[split:]
	labels := pseudoLabels(values)[split:]

	algos := []mlAlgorithm{
		&autoencoderProxy{},
		&sequenceProxy{},
		&oneClassBoundary{},
		newForestVariant(cfg.Seed),
		&gaussianMixture1D{},
	}

	var members []mlMember
	for _, algo := range algos {
		if err := algo.fit(train); err != nil {
			d.log.Debug("ensemble member failed to fit",
				zap.String("algorithm", algo.name()), zap.Error(err))
			continue
		}
		acc, prec, rec := validateMember(algo, valid, labels)
		if acc <= 0.6 {
			d.log.Debug("ensemble member below accuracy floor",
				zap.String("algorithm", algo.name()), zap.Float64("accuracy", acc))
			continue
		}
		members = append(members, mlMember{
			algo:     algo,
			weight:   (acc + prec + rec) / 3,
			accuracy: acc,
		})
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("detector: every ensemble member failed validation")
	}
	return &mlModel{members: members, ex: ex}, nil
}

// pseudoLabels marks the values a robust z-score calls extreme. With no
// ground truth this stands in for labels during validation.
func pseudoLabels(values []float64) []bool {
	med := median(values)
	mad := medianAbsoluteDeviation(values, med)
	out := make([]bool, len(values))
	for i, v := range values {
		out[i] = modifiedZScore(v, med, mad) > 3.5
	}
	return out
}

// validateMember computes accuracy, precision, and recall of one member
// at the 0.6 score cutoff.
func validateMember(algo mlAlgorithm, valid [][]float64, labels []bool) (acc, prec, rec float64) {
	var tp, tn, fp, fn float64
	for i, fv := range valid {
		predicted := algo.score(fv).score > 0.6
		switch {
		case predicted && labels[i]:
			tp++
		case predicted && !labels[i]:
			fp++
		case !predicted && labels[i]:
			fn++
		default:
			tn++
		}
	}
	total := tp + tn + fp + fn
	if total > 0 {
		acc = (tp + tn) / total
	}
	if tp+fp > 0 {
		prec = tp / (tp + fp)
	} else if fn == 0 {
		prec = 1 // nothing flagged, nothing to flag
	}
	if tp+fn > 0 {
		rec = tp / (tp + fn)
	} else {
		rec = 1
	}
	return acc, prec, rec
}

// Detect implements Detector.
func (d *MLEnsemble) Detect(ctx context.Context, samples []model.Sample, dctx *model.DetectionContext) ([]model.Anomaly, error) {
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

		d.mu.RLock()
		m := d.models[s.Source]
		var fv []float64
		if m != nil && m.ex.ready() {
			fv = m.ex.extract16(s.Value, s.Timestamp)
		}
		d.mu.RUnlock()
		if fv == nil {
			d.observe(s)
			continue
		}

		if dctx.InMaintenance(s.Timestamp) {
			d.observe(s)
			continue
		}

		score, confidence, expected := blend(m.members, fv)
		if score >= cutoff {
			a := d.newAnomaly(s, model.AnomalyPatternBreak, score, d.confidenceBoost(confidence),
				fmt.Sprintf("ensemble of %d models scored %.3f", len(m.members), score))
			a.Deviation = score
			a.Context.Threshold = cutoff
			a.ExpectedValue = expected
			if d.finalize(&a) {
				anomalies = append(anomalies, a)
			}
		}

		d.observe(s)
	}
	return anomalies, nil
}

// blend produces the weight-normalized ensemble score. Uncertainty, the
// stddev of member scores, discounts the confidence.
func blend(members []mlMember, fv []float64) (float64, float64, *float64) {
	scores := make([]float64, len(members))
	var wSum, sSum, cSum float64
	var expSum float64
	var expN int
	for i, mb := range members {
		r := mb.algo.score(fv)
		scores[i] = r.score
		wSum += mb.weight
		sSum += mb.weight * r.score
		cSum += r.confidence
		if r.expected != nil {
			expSum += *r.expected
			expN++
		}
	}
	if wSum == 0 {
		return 0, 0, nil
	}
	score := sSum / wSum
	uncertainty := stdDev(scores)
	confidence := clamp01(cSum/float64(len(members)) * (1 - uncertainty))
	var expected *float64
	if expN > 0 {
		expected = float64Ptr(expSum / float64(expN))
	}
	return score, confidence, expected
}

func (d *MLEnsemble) observe(s model.Sample) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if m := d.models[s.Source]; m != nil {
		m.ex.observe(s.Value, s.Timestamp)
	}
}

// Reset implements Detector.
func (d *MLEnsemble) Reset() {
	d.mu.Lock()
	d.models = make(map[string]*mlModel)
	d.mu.Unlock()
	d.markReset()
}

// ModelInfo implements Detector.
func (d *MLEnsemble) ModelInfo() ModelInfo {
	d.mu.RLock()
	sources := len(d.models)
	memberNames := map[string]bool{}
	for _, m := range d.models {
		for _, mb := range m.members {
			memberNames[mb.algo.name()] = true
		}
	}
	d.mu.RUnlock()
	names := make([]string, 0, len(memberNames))
	for n := range memberNames {
		names = append(names, n)
	}
	sort.Strings(names)
	return d.modelInfo(map[string]any{
		"sources": sources,
		"members": names,
	})
}

// --- ensemble members -------------------------------------------------

// autoencoderProxy models reconstruction error as the normalized squared
// distance from the per-dimension training mean.
type autoencoderProxy struct {
	means  []float64
	scales []float64
}

func (a *autoencoderProxy) name() string { return "autoencoder" }

func (a *autoencoderProxy) fit(points [][]float64) error {
	if len(points) == 0 {
		return ErrInsufficientData
	}
	dims := len(points[0])
	a.means = make([]float64, dims)
	a.scales = make([]float64, dims)
	col := make([]float64, len(points))
	for dim := 0; dim < dims; dim++ {
		for i, pt := range points {
			col[i] = pt[dim]
		}
		mu := mean(col)
		a.means[dim] = mu
		a.scales[dim] = math.Sqrt(variance(col, mu))
	}
	return nil
}

func (a *autoencoderProxy) score(fv []float64) mlScore {
	var err float64
	var dims int
	for i, v := range fv {
		if i >= len(a.means) || a.scales[i] == 0 {
			continue
		}
		z := (v - a.means[i]) / a.scales[i]
		err += z * z
		dims++
	}
	if dims > 0 {
		err /= float64(dims)
	}
	s := err / (err + 1)
	return mlScore{
		score:      s,
		confidence: clamp01(0.5 + math.Abs(s-0.5)),
		expected:   float64Ptr(a.means[0]),
	}
}

// sequenceProxy is a one-step predictor: the feature vector already
// carries the EWMA distance and local slope, so the prediction error is
// read off those dimensions.
type sequenceProxy struct {
	errScale float64
}

func (p *sequenceProxy) name() string { return "lstm" }

const (
	featSlope    = 11
	featEWMADist = 13
)

func (p *sequenceProxy) fit(points [][]float64) error {
	if len(points) == 0 {
		return ErrInsufficientData
	}
	errs := make([]float64, len(points))
	for i, pt := range points {
		errs[i] = math.Abs(pt[featEWMADist])
	}
	p.errScale = mean(errs)
	if p.errScale == 0 {
		p.errScale = 1
	}
	return nil
}

func (p *sequenceProxy) score(fv []float64) mlScore {
	err := math.Abs(fv[featEWMADist]) / p.errScale
	// A strong local slope makes the next value less surprising.
	err /= 1 + math.Abs(fv[featSlope])
	s := err / (err + 3)
	return mlScore{score: s, confidence: clamp01(0.4 + 0.6*s)}
}

// oneClassBoundary encloses the training cloud in a centroid-plus-radius
// boundary at the 95th percentile distance.
type oneClassBoundary struct {
	centroid []float64
	radius   float64
}

func (o *oneClassBoundary) name() string { return "one_class_svm" }

func (o *oneClassBoundary) fit(points [][]float64) error {
	if len(points) == 0 {
		return ErrInsufficientData
	}
	dims := len(points[0])
	o.centroid = make([]float64, dims)
	for _, pt := range points {
		for i, v := range pt {
			o.centroid[i] += v
		}
	}
	for i := range o.centroid {
		o.centroid[i] /= float64(len(points))
	}

	dists := make([]float64, len(points))
	for i, pt := range points {
		dists[i] = distance(pt, o.centroid, DistanceEuclidean)
	}
	sort.Float64s(dists)
	o.radius = quantileSorted(dists, 0.95)
	if o.radius == 0 {
		o.radius = 1e-9
	}
	return nil
}

func (o *oneClassBoundary) score(fv []float64) mlScore {
	dist := distance(fv, o.centroid, DistanceEuclidean)
	ratio := dist / o.radius
	var s float64
	if ratio > 1 {
		s = clamp01(0.6 + 0.4*(ratio-1)/(ratio+1))
	} else {
		s = 0.3 * ratio
	}
	return mlScore{score: s, confidence: clamp01(0.5 + 0.5*math.Abs(ratio-1)/(ratio+1))}
}

// forestVariant is a compact isolation forest over the wide vectors.
type forestVariant struct {
	seed  int64
	trees []*isoNode
	sub   int
}

func newForestVariant(seed int64) *forestVariant {
	return &forestVariant{seed: seed}
}

func (f *forestVariant) name() string { return "isolation_forest_wide" }

func (f *forestVariant) fit(points [][]float64) error {
	if len(points) < 8 {
		return ErrInsufficientData
	}
	rng := rand.New(rand.NewSource(f.seed))
	sub := len(points)
	if sub > 128 {
		sub = 128
	}
	maxDepth := int(math.Ceil(math.Log2(float64(sub))))

	f.sub = sub
	f.trees = make([]*isoNode, 25)
	for i := range f.trees {
		idx := rng.Perm(len(points))[:sub]
		subset := make([][]float64, sub)
		for j, k := range idx {
			subset[j] = points[k]
		}
		f.trees[i] = growIsoTree(rng, subset, 0, maxDepth, mlFeatureCount, nil)
	}
	return nil
}

func (f *forestVariant) score(fv []float64) mlScore {
	paths := make([]float64, len(f.trees))
	for i, t := range f.trees {
		paths[i] = pathLength(t, fv, 0)
	}
	meanPath := mean(paths)
	s := math.Pow(2, -meanPath/avgPathLength(f.sub))
	conf := 0.5
	if meanPath > 0 {
		conf = clamp01(0.5 + 0.5*(1-stdDev(paths)/meanPath))
	}
	return mlScore{score: s, confidence: conf}
}

// gaussianMixture1D fits two Gaussian components to the raw value
// dimension with a short EM loop and scores by likelihood deficit.
type gaussianMixture1D struct {
	mu1, mu2       float64
	sigma1, sigma2 float64
	w1, w2         float64
	peak           float64
}

func (g *gaussianMixture1D) name() string { return "gaussian_mixture" }

func (g *gaussianMixture1D) fit(points [][]float64) error {
	if len(points) < 4 {
		return ErrInsufficientData
	}
	values := make([]float64, len(points))
	for i, pt := range points {
		values[i] = pt[0]
	}
	sort.Float64s(values)

	// Initialize components at the lower and upper quartiles.
	g.mu1 = quantileSorted(values, 0.25)
	g.mu2 = quantileSorted(values, 0.75)
	spread := stdDev(values)
	if spread == 0 {
		spread = 1e-9
	}
	g.sigma1, g.sigma2 = spread, spread
	g.w1, g.w2 = 0.5, 0.5

	resp := make([]float64, len(values))
	for iter := 0; iter < 10; iter++ {
		// E-step: responsibility of component 1 per point.
		for i, v := range values {
			p1 := g.w1 * gaussPDF(v, g.mu1, g.sigma1)
			p2 := g.w2 * gaussPDF(v, g.mu2, g.sigma2)
			if p1+p2 == 0 {
				resp[i] = 0.5
			} else {
				resp[i] = p1 / (p1 + p2)
			}
		}
		// M-step.
		var r1, s1, s2, v1, v2 float64
		for i, v := range values {
			r1 += resp[i]
			s1 += resp[i] * v
			s2 += (1 - resp[i]) * v
		}
		r2 := float64(len(values)) - r1
		if r1 < 1e-9 || r2 < 1e-9 {
			break
		}
		g.mu1, g.mu2 = s1/r1, s2/r2
		for i, v := range values {
			v1 += resp[i] * (v - g.mu1) * (v - g.mu1)
			v2 += (1 - resp[i]) * (v - g.mu2) * (v - g.mu2)
		}
		g.sigma1 = math.Max(math.Sqrt(v1/r1), spread/100)
		g.sigma2 = math.Max(math.Sqrt(v2/r2), spread/100)
		g.w1 = r1 / float64(len(values))
		g.w2 = 1 - g.w1
	}

	g.peak = math.Max(
		g.w1*gaussPDF(g.mu1, g.mu1, g.sigma1)+g.w2*gaussPDF(g.mu1, g.mu2, g.sigma2),
		g.w1*gaussPDF(g.mu2, g.mu1, g.sigma1)+g.w2*gaussPDF(g.mu2, g.mu2, g.sigma2),
	)
	if g.peak == 0 {
		g.peak = 1e-12
	}
	return nil
}

func (g *gaussianMixture1D) score(fv []float64) mlScore {
	v := fv[0]
	p := g.w1*gaussPDF(v, g.mu1, g.sigma1) + g.w2*gaussPDF(v, g.mu2, g.sigma2)
	s := clamp01(1 - p/g.peak)
	expected := g.w1*g.mu1 + g.w2*g.mu2
	return mlScore{
		score:      s,
		confidence: clamp01(0.4 + 0.6*s*s),
		expected:   float64Ptr(expected),
	}
}

func gaussPDF(v, mu, sigma float64) float64 {
	if sigma <= 0 {
		return 0
	}
	z := (v - mu) / sigma
	return math.Exp(-0.5*z*z) / (sigma * math.Sqrt(2*math.Pi))
}
