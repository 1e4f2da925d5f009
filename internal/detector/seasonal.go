package detector

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/dmitriimaksimovdevelop/driftwatch/internal/clock"
	"github.com/dmitriimaksimovdevelop/driftwatch/internal/model"
	"github.com/dmitriimaksimovdevelop/driftwatch/internal/rules"
)

// SeasonalPeriod identifies the dominant cycle of a source.
type SeasonalPeriod string

const (
	PeriodHourly  SeasonalPeriod = "hourly"
	PeriodDaily   SeasonalPeriod = "daily"
	PeriodWeekly  SeasonalPeriod = "weekly"
	PeriodMonthly SeasonalPeriod = "monthly"
)

// SeasonalPattern is the decomposed model of one source: additive bucket
// offsets around a baseline plus a linear trend in value-per-day.
type SeasonalPattern struct {
	DominantPeriod     SeasonalPeriod `json:"dominant_period"`
	Strength           float64        `json:"strength"`
	BaselineValue      float64        `json:"baseline"`
	BaselineTimestamp  int64          `json:"baseline_timestamp"`
	BaselineVolatility float64        `json:"baseline_volatility"`
	Trend              float64        `json:"trend"` // value per day
	Accuracy           float64        `json:"accuracy"`

	Hourly  [24]float64 `json:"hourly"`
	Daily   [7]float64  `json:"daily"`
	Weekly  [4]float64  `json:"weekly"`
	Monthly [12]float64 `json:"monthly"`

	VolatilityByHour      [24]float64 `json:"volatility_by_hour"`
	VolatilityByDayOfWeek [7]float64  `json:"volatility_by_day_of_week"`
}

// HasSeasonality reports whether the dominant period explains enough
// variance to trust the pattern.
func (p *SeasonalPattern) HasSeasonality() bool {
	return p.Strength > 0.1
}

// ExpectedAt evaluates the additive model at a unix-millisecond timestamp.
func (p *SeasonalPattern) ExpectedAt(ts int64) float64 {
	t := time.UnixMilli(ts).UTC()
	_, week := t.ISOWeek()
	days := float64(ts-p.BaselineTimestamp) / float64(24*time.Hour/time.Millisecond)
	return p.BaselineValue +
		p.Hourly[t.Hour()] +
		p.Daily[int(t.Weekday())] +
		p.Weekly[week%4] +
		p.Monthly[int(t.Month())-1] +
		p.Trend*days
}

// volatilityAt returns the time-of-day volatility used to normalize a
// deviation, falling back to the global figure for quiet buckets.
func (p *SeasonalPattern) volatilityAt(ts int64) float64 {
	hour := time.UnixMilli(ts).UTC().Hour()
	if v := p.VolatilityByHour[hour]; v > 0 {
		return v
	}
	return p.BaselineVolatility
}

// Seasonal detects deviations from learned periodic behavior. Each source
// gets its own decomposition; updates after training are exponential
// moving averages so the pattern drifts with the signal.
type Seasonal struct {
	base
	patterns map[string]*SeasonalPattern
}

// NewSeasonal creates a seasonal-decomposition detector.
func NewSeasonal(clk clock.Clock, eval *rules.Evaluator, log *zap.Logger) *Seasonal {
	return &Seasonal{
		base:     newBase("seasonal", "seasonal_decomposition", clk, eval, log),
		patterns: make(map[string]*SeasonalPattern),
	}
}

// Train decomposes each source's history into baseline, trend, and bucket
// offsets, and picks the dominant period by fraction of variance explained.
func (d *Seasonal) Train(historical []model.Sample) error {
	if err := d.checkTrainSize(len(historical)); err != nil {
		return err
	}

	bySource := make(map[string][]model.Sample)
	for _, s := range historical {
		bySource[s.Source] = append(bySource[s.Source], s)
	}

	patterns := make(map[string]*SeasonalPattern, len(bySource))
	for src, samples := range bySource {
		p := decompose(samples)
		if p != nil {
			patterns[src] = p
		}
	}
	if len(patterns) == 0 {
		return fmt.Errorf("%w: no source had enough samples to decompose", ErrInsufficientData)
	}

	d.mu.Lock()
	d.patterns = patterns
	d.mu.Unlock()
	d.markTrained(len(historical))
	return nil
}

// decompose builds a SeasonalPattern from one source's samples.
func decompose(samples []model.Sample) *SeasonalPattern {
	if len(samples) < 24 {
		return nil
	}

	values := make([]float64, len(samples))
	for i, s := range samples {
		values[i] = s.Value
	}
	baseline := mean(values)
	vol := math.Sqrt(variance(values, baseline))
	first := samples[0].Timestamp

	p := &SeasonalPattern{
		BaselineValue:      baseline,
		BaselineTimestamp:  first,
		BaselineVolatility: vol,
		Trend:              trendPerDay(samples, first),
	}

	// Detrended residuals feed every seasonal scale.
	residuals := make([]float64, len(samples))
	var ssTotal float64
	for i, s := range samples {
		days := float64(s.Timestamp-first) / float64(24*time.Hour/time.Millisecond)
		residuals[i] = s.Value - baseline - p.Trend*days
		ssTotal += residuals[i] * residuals[i]
	}

	hourBuckets := bucketize(samples, residuals, 24, func(t time.Time) int { return t.Hour() })
	dowBuckets := bucketize(samples, residuals, 7, func(t time.Time) int { return int(t.Weekday()) })
	weekBuckets := bucketize(samples, residuals, 4, func(t time.Time) int { _, w := t.ISOWeek(); return w % 4 })
	monthBuckets := bucketize(samples, residuals, 12, func(t time.Time) int { return int(t.Month()) - 1 })

	copy(p.Hourly[:], hourBuckets.means)
	copy(p.Daily[:], dowBuckets.means)
	copy(p.Weekly[:], weekBuckets.means)
	copy(p.Monthly[:], monthBuckets.means)
	copy(p.VolatilityByHour[:], hourBuckets.stdDevs)
	copy(p.VolatilityByDayOfWeek[:], dowBuckets.stdDevs)

	// Periods are named by cycle length: an hour-of-day pattern repeats
	// daily, a day-of-week pattern repeats weekly, a week-of-month
	// pattern repeats monthly. Month-of-year buckets feed the expected
	// value but have no period name here (the enum has no "yearly").
	explained := map[SeasonalPeriod]float64{
		PeriodDaily:   hourBuckets.explained(ssTotal),
		PeriodWeekly:  dowBuckets.explained(ssTotal),
		PeriodMonthly: weekBuckets.explained(ssTotal),
	}
	p.DominantPeriod = PeriodDaily
	for _, period := range []SeasonalPeriod{PeriodDaily, PeriodWeekly, PeriodMonthly} {
		if explained[period] > explained[p.DominantPeriod] {
			p.DominantPeriod = period
		}
	}
	p.Strength = explained[p.DominantPeriod]
	p.Accuracy = clamp01(p.Strength)
	return p
}

// buckets aggregates residuals by a calendar index.
type buckets struct {
	means   []float64
	stdDevs []float64
	counts  []int
	ssBetw  float64
}

func bucketize(samples []model.Sample, residuals []float64, n int, index func(time.Time) int) buckets {
	sums := make([]float64, n)
	sqSums := make([]float64, n)
	counts := make([]int, n)
	for i, s := range samples {
		b := index(s.Time().UTC())
		sums[b] += residuals[i]
		sqSums[b] += residuals[i] * residuals[i]
		counts[b]++
	}

	out := buckets{
		means:   make([]float64, n),
		stdDevs: make([]float64, n),
		counts:  counts,
	}
	for b := 0; b < n; b++ {
		if counts[b] == 0 {
			continue
		}
		m := sums[b] / float64(counts[b])
		out.means[b] = m
		v := sqSums[b]/float64(counts[b]) - m*m
		if v > 0 {
			out.stdDevs[b] = math.Sqrt(v)
		}
		out.ssBetw += float64(counts[b]) * m * m
	}
	return out
}

// explained returns the fraction of residual variance this bucketing
// accounts for.
func (b buckets) explained(ssTotal float64) float64 {
	if ssTotal <= 0 {
		return 0
	}
	return clamp01(b.ssBetw / ssTotal)
}

// trendPerDay fits a least-squares line of value against days since the
// first sample.
func trendPerDay(samples []model.Sample, first int64) float64 {
	n := float64(len(samples))
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for _, s := range samples {
		x := float64(s.Timestamp-first) / float64(24*time.Hour/time.Millisecond)
		sumX += x
		sumY += s.Value
		sumXY += x * s.Value
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

// Detect scores each sample against its source's expected seasonal value,
// normalizing the deviation by time-of-day volatility, then folds the
// observation back into the pattern.
func (d *Seasonal) Detect(ctx context.Context, samples []model.Sample, dctx *model.DetectionContext) ([]model.Anomaly, error) {
	if !d.enabledAndReady() {
		return nil, nil
	}
	cfg := d.config()

	var anomalies []model.Anomaly
	for _, s := range samples {
		if ctx.Err() != nil {
			return anomalies, ctx.Err()
		}

		// fold mutates the shared pattern under the write lock, so
		// scoring works on a copy taken under the read lock.
		d.mu.RLock()
		p := d.patterns[s.Source]
		var snap SeasonalPattern
		if p != nil {
			snap = *p
		}
		d.mu.RUnlock()
		if p == nil {
			continue
		}

		if dctx.InMaintenance(s.Timestamp) {
			d.fold(s, p)
			continue
		}

		expected := snap.ExpectedAt(s.Timestamp)
		vol := snap.volatilityAt(s.Timestamp)
		var dev float64
		if vol > 0 {
			dev = math.Abs(s.Value-expected) / vol
		} else if s.Value != expected {
			dev = cfg.Threshold
		}

		if dev >= cfg.Threshold {
			a := d.emit(s, &snap, expected, dev, cfg)
			if d.finalize(&a) {
				anomalies = append(anomalies, a)
			}
		}

		d.fold(s, p)
	}
	return anomalies, nil
}

func (d *Seasonal) emit(s model.Sample, p *SeasonalPattern, expected, dev float64, cfg Config) model.Anomaly {
	typ := model.AnomalySeasonalDeviation
	// Outside business hours the periodic model is the only reference, so
	// gross excursions get the directional type immediately; during the
	// busy window the cutoff doubles before a plain deviation becomes a
	// spike or drop.
	cut := 1.5 * cfg.Threshold
	if businessHours(s.Timestamp) {
		cut = 3 * cfg.Threshold
	}
	if dev >= cut {
		if s.Value > expected {
			typ = model.AnomalySpike
		} else {
			typ = model.AnomalyDrop
		}
	}

	score := clamp01(dev / (2 * cfg.Threshold))
	confidence := d.confidenceBoost(clamp01(0.4*score + 0.4*p.Strength + 0.2*p.Accuracy))

	a := d.newAnomaly(s, typ, score, confidence,
		fmt.Sprintf("value %.3f vs seasonal expectation %.3f (%.2f volatility units)", s.Value, expected, dev))
	a.ExpectedValue = float64Ptr(expected)
	a.Deviation = dev
	a.Context.Threshold = cfg.Threshold
	a.Context.SeasonalPattern = string(p.DominantPeriod)
	switch {
	case p.Trend > 0:
		a.Context.TrendDirection = "up"
	case p.Trend < 0:
		a.Context.TrendDirection = "down"
	default:
		a.Context.TrendDirection = "flat"
	}
	return a
}

func businessHours(ts int64) bool {
	t := time.UnixMilli(ts).UTC()
	wd := t.Weekday()
	return wd != time.Saturday && wd != time.Sunday && t.Hour() >= 9 && t.Hour() < 17
}

// fold updates the pattern online with an EWMA so slow drifts are absorbed
// instead of alerting forever.
func (d *Seasonal) fold(s model.Sample, p *SeasonalPattern) {
	const alpha = 0.1

	d.mu.Lock()
	defer d.mu.Unlock()
	t := s.Time().UTC()
	days := float64(s.Timestamp-p.BaselineTimestamp) / float64(24*time.Hour/time.Millisecond)
	residual := s.Value - p.BaselineValue - p.Trend*days

	hour, dow := t.Hour(), int(t.Weekday())
	p.Hourly[hour] = (1-alpha)*p.Hourly[hour] + alpha*(residual-p.Daily[dow])
	p.Daily[dow] = (1-alpha)*p.Daily[dow] + alpha*(residual-p.Hourly[hour])
	p.VolatilityByHour[hour] = (1-alpha)*p.VolatilityByHour[hour] + alpha*math.Abs(residual-p.Hourly[hour])
	p.VolatilityByDayOfWeek[dow] = (1-alpha)*p.VolatilityByDayOfWeek[dow] + alpha*math.Abs(residual-p.Daily[dow])
	p.BaselineVolatility = (1-alpha)*p.BaselineVolatility + alpha*math.Abs(residual)
}

// Predict implements Predictor: an hourly-horizon forecast from the
// current clock time, with a 95% interval when requested.
func (d *Seasonal) Predict(source string, steps int, withInterval bool) ([]Forecast, error) {
	d.mu.RLock()
	p := d.patterns[source]
	var snap SeasonalPattern
	if p != nil {
		snap = *p
	}
	d.mu.RUnlock()
	if p == nil {
		return nil, fmt.Errorf("detector: no seasonal pattern for source %q", source)
	}
	if steps <= 0 {
		steps = 1
	}

	start := d.clk.Now()
	out := make([]Forecast, steps)
	for i := 0; i < steps; i++ {
		ts := start.Add(time.Duration(i+1) * time.Hour).UnixMilli()
		f := Forecast{Timestamp: ts, Value: snap.ExpectedAt(ts)}
		if withInterval {
			margin := 1.96 * snap.volatilityAt(ts)
			f.Lower = float64Ptr(f.Value - margin)
			f.Upper = float64Ptr(f.Value + margin)
		}
		out[i] = f
	}
	return out, nil
}

// GetPattern returns the decomposed pattern for a source.
func (d *Seasonal) GetPattern(source string) (SeasonalPattern, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if p := d.patterns[source]; p != nil {
		return *p, true
	}
	return SeasonalPattern{}, false
}

// Reset implements Detector.
func (d *Seasonal) Reset() {
	d.mu.Lock()
	d.patterns = make(map[string]*SeasonalPattern)
	d.mu.Unlock()
	d.markReset()
}

// ModelInfo implements Detector.
func (d *Seasonal) ModelInfo() ModelInfo {
	d.mu.RLock()
	sources := len(d.patterns)
	d.mu.RUnlock()
	return d.modelInfo(map[string]any{
		"sources":      sources,
		"update_alpha": 0.1,
	})
}
