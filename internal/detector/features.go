package detector

import (
	"math"
	"time"
)

// featureExtractor derives fixed-width feature vectors from a per-source
// rolling window. Every feature is computed from observed values; none are
// synthetic.
type featureExtractor struct {
	window    int
	values    []float64
	times     []int64
	lastSpike int64
	ewma      float64
	hasEWMA   bool
}

const ewmaAlpha = 0.1

func newFeatureExtractor(window int) *featureExtractor {
	if window <= 0 {
		window = 100
	}
	return &featureExtractor{window: window}
}

// observe appends a value to the window after feature extraction.
func (f *featureExtractor) observe(value float64, ts int64) {
	f.values = append(f.values, value)
	f.times = append(f.times, ts)
	if len(f.values) > f.window {
		f.values = f.values[1:]
		f.times = f.times[1:]
	}
	if !f.hasEWMA {
		f.ewma = value
		f.hasEWMA = true
	} else {
		f.ewma = ewmaAlpha*value + (1-ewmaAlpha)*f.ewma
	}

	// Track spikes for the time-since-spike feature: 3 sigma over the
	// window mean counts.
	mu := mean(f.values)
	sigma := math.Sqrt(variance(f.values, mu))
	if sigma > 0 && math.Abs(value-mu) > 3*sigma {
		f.lastSpike = ts
	}
}

// ready reports whether enough history exists for stable features.
func (f *featureExtractor) ready() bool {
	return len(f.values) >= 3
}

// extract8 builds the 8-feature vector used by the isolation forest:
// value, normalized value, rate of change, local variance, z-score,
// moving-average ratio, percentile rank, time since last spike.
func (f *featureExtractor) extract8(value float64, ts int64) []float64 {
	mu := mean(f.values)
	sigma := math.Sqrt(variance(f.values, mu))
	lo, hi := minMax(f.values)

	normalized := 0.0
	if hi > lo {
		normalized = (value - lo) / (hi - lo)
	}

	rate := 0.0
	if n := len(f.values); n > 0 {
		rate = value - f.values[n-1]
	}

	z := 0.0
	if sigma > 0 {
		z = (value - mu) / sigma
	}

	maRatio := 1.0
	if mu != 0 {
		maRatio = value / mu
	}

	sinceSpike := 1.0 // normalized to [0,1]; 1 means no spike in horizon
	if f.lastSpike > 0 && ts >= f.lastSpike {
		const horizon = int64(24 * time.Hour / time.Millisecond)
		sinceSpike = math.Min(1, float64(ts-f.lastSpike)/float64(horizon))
	}

	return []float64{
		value,
		normalized,
		rate,
		variance(f.values, mu),
		z,
		maRatio,
		percentileRank(f.values, value),
		sinceSpike,
	}
}

// extract16 builds the wider vector used by the ML ensemble: the 8-vector
// plus median distance, MAD, IQR position, trend slope, volatility, EWMA
// distance, and the hour-of-day encoded on the unit circle.
func (f *featureExtractor) extract16(value float64, ts int64) []float64 {
	v8 := f.extract8(value, ts)

	med := median(f.values)
	mad := medianAbsoluteDeviation(f.values, med)
	s := Summarize(f.values)

	iqrPos := 0.5
	if s.IQR > 0 {
		iqrPos = clamp01((value - s.Q1) / s.IQR)
	}

	vol := 0.0
	if s.Mean != 0 {
		vol = s.StdDev / math.Abs(s.Mean)
	}

	ewmaDist := 0.0
	if f.hasEWMA && s.StdDev > 0 {
		ewmaDist = (value - f.ewma) / s.StdDev
	}

	hour := float64(time.UnixMilli(ts).UTC().Hour())
	hourSin := math.Sin(2 * math.Pi * hour / 24)
	hourCos := math.Cos(2 * math.Pi * hour / 24)

	out := make([]float64, 0, 16)
	out = append(out, v8...)
	out = append(out,
		value-med,
		mad,
		iqrPos,
		linearSlope(f.values),
		vol,
		ewmaDist,
		hourSin,
		hourCos,
	)
	return out
}

// featureNames8 labels the 8-vector for feature-importance reporting.
var featureNames8 = []string{
	"value", "normalized_value", "rate_of_change", "local_variance",
	"z_score", "moving_average_ratio", "percentile_rank", "time_since_spike",
}

func minMax(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	lo, hi := values[0], values[0]
	for _, v := range values {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi
}

func percentileRank(values []float64, v float64) float64 {
	if len(values) == 0 {
		return 0.5
	}
	below := 0
	for _, x := range values {
		if x < v {
			below++
		}
	}
	return float64(below) / float64(len(values))
}
