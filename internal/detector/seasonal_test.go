package detector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/dmitriimaksimovdevelop/driftwatch/internal/model"
)

// sinusoidSamples builds 14 full days of hourly samples with a clean
// 24-hour cycle: 20 + 10*sin(2*pi*hour/24), plus a small deterministic
// jitter so the per-hour volatility estimates are nonzero. The range
// starts on a Monday at midnight so every calendar bucket sees whole
// cycles.
func sinusoidSamples(source string) []model.Sample {
	start := time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC)
	var samples []model.Sample
	for i := 0; i < 14*24; i++ {
		ts := start.Add(time.Duration(i) * time.Hour)
		v := 20 + 10*math.Sin(2*math.Pi*float64(ts.Hour())/24) + 0.5*math.Sin(2*math.Pi*float64(i)/5)
		samples = append(samples, model.Sample{
			Source:    source,
			Metric:    "requests",
			Value:     v,
			Timestamp: ts.UnixMilli(),
		})
	}
	return samples
}

func trainedSeasonal(t *testing.T) *Seasonal {
	t.Helper()
	d := NewSeasonal(testClock(), testEval(), nil)
	if err := d.Train(sinusoidSamples("web-1")); err != nil {
		t.Fatalf("Train: %v", err)
	}
	return d
}

// peakSample is taken at 06:00 UTC where the cycle tops out at 30.
func peakSample(value float64) model.Sample {
	return model.Sample{
		Source:    "web-1",
		Metric:    "requests",
		Value:     value,
		Timestamp: time.Date(2024, 6, 3, 6, 0, 0, 0, time.UTC).UnixMilli(),
	}
}

func TestSeasonalLearnsDailyCycle(t *testing.T) {
	d := trainedSeasonal(t)

	p, ok := d.GetPattern("web-1")
	if !ok {
		t.Fatal("pattern missing")
	}
	if p.DominantPeriod != PeriodDaily {
		t.Errorf("dominant period = %v, want daily for a 24-hour cycle", p.DominantPeriod)
	}
	if !p.HasSeasonality() || p.Strength < 0.5 {
		t.Errorf("strength = %v, want a strong pattern", p.Strength)
	}
	if math.Abs(p.BaselineValue-20) > 0.5 {
		t.Errorf("baseline = %v, want about 20", p.BaselineValue)
	}
	// Hour 6 is the peak offset, hour 18 the trough.
	if math.Abs(p.Hourly[6]-10) > 0.5 || math.Abs(p.Hourly[18]+10) > 0.5 {
		t.Errorf("hourly offsets: peak %v, trough %v", p.Hourly[6], p.Hourly[18])
	}
}

func TestSeasonalSpikeAgainstExpectation(t *testing.T) {
	d := trainedSeasonal(t)

	anomalies, err := d.Detect(context.Background(), []model.Sample{peakSample(80)}, nil)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(anomalies) != 1 {
		t.Fatalf("got %d anomalies, want 1", len(anomalies))
	}
	a := anomalies[0]
	if a.Type != model.AnomalySpike {
		t.Errorf("type = %v, want spike for a gross excursion", a.Type)
	}
	if a.ExpectedValue == nil || math.Abs(*a.ExpectedValue-30) > 2 {
		t.Errorf("expected = %v, want about 30 at the cycle peak", a.ExpectedValue)
	}
	if a.Context.SeasonalPattern != string(PeriodDaily) {
		t.Errorf("seasonal pattern = %q", a.Context.SeasonalPattern)
	}
	if msg, ok := checkBounds(anomalies); !ok {
		t.Error(msg)
	}
}

func TestSeasonalDropAgainstExpectation(t *testing.T) {
	d := trainedSeasonal(t)
	anomalies, _ := d.Detect(context.Background(), []model.Sample{peakSample(-20)}, nil)
	if len(anomalies) != 1 {
		t.Fatalf("got %d anomalies, want 1", len(anomalies))
	}
	if anomalies[0].Type != model.AnomalyDrop {
		t.Errorf("type = %v, want drop", anomalies[0].Type)
	}
}

func TestSeasonalExpectedValuePasses(t *testing.T) {
	d := trainedSeasonal(t)
	anomalies, _ := d.Detect(context.Background(), []model.Sample{peakSample(30)}, nil)
	if len(anomalies) != 0 {
		t.Errorf("got %d anomalies for the expected value", len(anomalies))
	}
}

func TestSeasonalMaintenanceWindowSuppresses(t *testing.T) {
	d := trainedSeasonal(t)
	s := peakSample(80)
	dctx := &model.DetectionContext{
		MaintenanceWindows: []model.MaintenanceWindow{{Start: s.Timestamp, End: s.Timestamp}},
	}
	anomalies, _ := d.Detect(context.Background(), []model.Sample{s}, dctx)
	if len(anomalies) != 0 {
		t.Errorf("got %d anomalies during maintenance", len(anomalies))
	}
}

func TestSeasonalWeeklyDominance(t *testing.T) {
	// Flat weekdays at 20, weekends at 30: a day-of-week pattern that
	// repeats weekly, with no intra-day structure.
	start := time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC)
	var samples []model.Sample
	for i := 0; i < 14*24; i++ {
		ts := start.Add(time.Duration(i) * time.Hour)
		v := 20.0
		if wd := ts.Weekday(); wd == time.Saturday || wd == time.Sunday {
			v = 30
		}
		samples = append(samples, model.Sample{
			Source: "web-1", Metric: "requests", Value: v, Timestamp: ts.UnixMilli(),
		})
	}

	d := NewSeasonal(testClock(), testEval(), nil)
	if err := d.Train(samples); err != nil {
		t.Fatalf("Train: %v", err)
	}
	p, _ := d.GetPattern("web-1")
	if p.DominantPeriod != PeriodWeekly {
		t.Errorf("dominant period = %v, want weekly", p.DominantPeriod)
	}
}

func TestSeasonalFoldAdaptsVolatility(t *testing.T) {
	d := trainedSeasonal(t)

	before, _ := d.GetPattern("web-1")

	// Repeated surprises at one hour should inflate that hour's
	// volatility estimate.
	for i := 0; i < 5; i++ {
		if _, err := d.Detect(context.Background(), []model.Sample{peakSample(80)}, nil); err != nil {
			t.Fatalf("Detect: %v", err)
		}
	}
	after, _ := d.GetPattern("web-1")
	if after.VolatilityByHour[6] <= before.VolatilityByHour[6] {
		t.Errorf("volatility at the surprised hour %v did not grow from %v",
			after.VolatilityByHour[6], before.VolatilityByHour[6])
	}
}

func TestSeasonalPredict(t *testing.T) {
	d := trainedSeasonal(t)

	forecasts, err := d.Predict("web-1", 3, true)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if len(forecasts) != 3 {
		t.Fatalf("forecasts = %d, want 3", len(forecasts))
	}
	prev := testStart.UnixMilli()
	for i, f := range forecasts {
		if f.Timestamp <= prev {
			t.Errorf("forecast %d timestamp not increasing", i)
		}
		prev = f.Timestamp
		if f.Lower == nil || f.Upper == nil {
			t.Fatalf("forecast %d missing interval", i)
		}
		if !(*f.Lower < f.Value && f.Value < *f.Upper) {
			t.Errorf("forecast %d interval [%v, %v] does not bracket %v", i, *f.Lower, *f.Upper, f.Value)
		}
	}

	if _, err := d.Predict("unknown", 3, false); err == nil {
		t.Error("Predict for unknown source should fail")
	}
}

func TestSeasonalTrainNeedsFullCycles(t *testing.T) {
	// Enough samples overall, but every source is too sparse to
	// decompose.
	var samples []model.Sample
	for i := 0; i < 40; i++ {
		samples = append(samples, model.Sample{
			Source:    fmt.Sprintf("src-%d", i),
			Metric:    "requests",
			Value:     float64(i),
			Timestamp: testStart.Add(time.Duration(i) * time.Hour).UnixMilli(),
		})
	}
	d := NewSeasonal(testClock(), testEval(), nil)
	if err := d.Train(samples); !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("Train error = %v, want ErrInsufficientData", err)
	}
}

// Detect folds each observation back into the shared pattern, so
// concurrent calls carrying the same source must score against a
// snapshot. Meaningful under -race.
func TestSeasonalConcurrentDetect(t *testing.T) {
	d := trainedSeasonal(t)
	batch := sinusoidSamples("web-1")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.Detect(context.Background(), batch, nil); err != nil {
				t.Errorf("Detect: %v", err)
			}
			if _, err := d.Predict("web-1", 3, true); err != nil {
				t.Errorf("Predict: %v", err)
			}
		}()
	}
	wg.Wait()
}
