package detector

import (
	"math"
	"sort"
)

// Summary holds the descriptive statistics shared by the statistical
// ensemble and threshold training.
type Summary struct {
	Mean        float64 `json:"mean"`
	Median      float64 `json:"median"`
	Mode        float64 `json:"mode"`
	StdDev      float64 `json:"std_dev"`
	Variance    float64 `json:"variance"`
	Q1          float64 `json:"q1"`
	Q3          float64 `json:"q3"`
	IQR         float64 `json:"iqr"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	Range       float64 `json:"range"`
	Skewness    float64 `json:"skewness"`
	Kurtosis    float64 `json:"kurtosis"`
	MAD         float64 `json:"mad"`
	TrimmedMean float64 `json:"trimmed_mean"`
	CV          float64 `json:"cv"`
	N           int     `json:"n"`
}

// Summarize computes the full descriptive summary of values.
func Summarize(values []float64) Summary {
	s := Summary{N: len(values)}
	if len(values) == 0 {
		return s
	}

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	s.Min = sorted[0]
	s.Max = sorted[len(sorted)-1]
	s.Range = s.Max - s.Min
	s.Mean = mean(values)
	s.Median = medianSorted(sorted)
	s.Mode = modeOf(sorted)
	s.Variance = variance(values, s.Mean)
	s.StdDev = math.Sqrt(s.Variance)
	s.Q1 = quantileSorted(sorted, 0.25)
	s.Q3 = quantileSorted(sorted, 0.75)
	s.IQR = s.Q3 - s.Q1
	s.Skewness = skewness(values, s.Mean, s.StdDev)
	s.Kurtosis = kurtosis(values, s.Mean, s.StdDev)
	s.MAD = medianAbsoluteDeviation(values, s.Median)
	s.TrimmedMean = trimmedMean(sorted, 0.10)
	if s.Mean != 0 {
		s.CV = s.StdDev / math.Abs(s.Mean)
	}
	return s
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func variance(values []float64, mu float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var ss float64
	for _, v := range values {
		ss += (v - mu) * (v - mu)
	}
	return ss / float64(len(values))
}

func stdDev(values []float64) float64 {
	return math.Sqrt(variance(values, mean(values)))
}

func medianSorted(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return medianSorted(sorted)
}

// quantileSorted interpolates the q-quantile of pre-sorted values.
func quantileSorted(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	pos := q * float64(n-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func modeOf(sorted []float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	best, bestCount := sorted[0], 1
	cur, count := sorted[0], 1
	for _, v := range sorted[1:] {
		if v == cur {
			count++
		} else {
			cur, count = v, 1
		}
		if count > bestCount {
			best, bestCount = cur, count
		}
	}
	return best
}

func skewness(values []float64, mu, sigma float64) float64 {
	if sigma == 0 || len(values) < 3 {
		return 0
	}
	var sum float64
	for _, v := range values {
		d := (v - mu) / sigma
		sum += d * d * d
	}
	return sum / float64(len(values))
}

// kurtosis returns excess kurtosis (normal distribution scores 0).
func kurtosis(values []float64, mu, sigma float64) float64 {
	if sigma == 0 || len(values) < 4 {
		return 0
	}
	var sum float64
	for _, v := range values {
		d := (v - mu) / sigma
		sum += d * d * d * d
	}
	return sum/float64(len(values)) - 3
}

func medianAbsoluteDeviation(values []float64, med float64) float64 {
	devs := make([]float64, len(values))
	for i, v := range values {
		devs[i] = math.Abs(v - med)
	}
	return median(devs)
}

// trimmedMean drops the given fraction from each tail of sorted values.
func trimmedMean(sorted []float64, frac float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	trim := int(float64(n) * frac)
	trimmed := sorted[trim : n-trim]
	if len(trimmed) == 0 {
		return medianSorted(sorted)
	}
	return mean(trimmed)
}

// modifiedZScore computes 0.6745*|v-median|/MAD; 0 when MAD is 0.
func modifiedZScore(v, med, mad float64) float64 {
	if mad == 0 {
		return 0
	}
	return 0.6745 * math.Abs(v-med) / mad
}

// linearSlope fits a least-squares line over values at unit spacing and
// returns its slope.
func linearSlope(values []float64) float64 {
	n := float64(len(values))
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, v := range values {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

// quickselect partially orders values so the k smallest occupy the first
// k positions (unordered). Used by KNN to avoid a full sort.
func quickselect(values []float64, k int) {
	if k <= 0 || k >= len(values) {
		return
	}
	lo, hi := 0, len(values)-1
	for lo < hi {
		p := partition(values, lo, hi)
		switch {
		case p == k:
			return
		case p < k:
			lo = p + 1
		default:
			hi = p - 1
		}
	}
}

func partition(values []float64, lo, hi int) int {
	// Median-of-three pivot guards against sorted inputs.
	mid := lo + (hi-lo)/2
	if values[mid] < values[lo] {
		values[mid], values[lo] = values[lo], values[mid]
	}
	if values[hi] < values[lo] {
		values[hi], values[lo] = values[lo], values[hi]
	}
	if values[hi] < values[mid] {
		values[hi], values[mid] = values[mid], values[hi]
	}
	pivot := values[mid]
	values[mid], values[hi] = values[hi], values[mid]

	i := lo
	for j := lo; j < hi; j++ {
		if values[j] < pivot {
			values[i], values[j] = values[j], values[i]
			i++
		}
	}
	values[i], values[hi] = values[hi], values[i]
	return i
}
