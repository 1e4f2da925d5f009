package detector

import (
	"math"
	"testing"
	"time"
)

func TestFeatureExtractorReady(t *testing.T) {
	fe := newFeatureExtractor(10)
	if fe.ready() {
		t.Error("empty extractor reports ready")
	}
	ts := testStart.UnixMilli()
	fe.observe(1, ts)
	fe.observe(2, ts+1)
	if fe.ready() {
		t.Error("two observations should not be enough")
	}
	fe.observe(3, ts+2)
	if !fe.ready() {
		t.Error("three observations should be ready")
	}
}

func TestExtract8(t *testing.T) {
	fe := newFeatureExtractor(10)
	ts := testStart.UnixMilli()
	for i, v := range []float64{10, 20, 30, 40, 50} {
		fe.observe(v, ts+int64(i)*60_000)
	}

	fv := fe.extract8(60, ts+5*60_000)
	if len(fv) != isoFeatureCount {
		t.Fatalf("len = %d, want %d", len(fv), isoFeatureCount)
	}
	if fv[0] != 60 {
		t.Errorf("raw value = %v", fv[0])
	}
	// normalized: window spans [10,50], so 60 maps to 1.25.
	if !almostEqual(fv[1], 1.25, 1e-9) {
		t.Errorf("normalized = %v, want 1.25", fv[1])
	}
	// rate of change from the last window value.
	if fv[2] != 10 {
		t.Errorf("rate = %v, want 10", fv[2])
	}
	// percentile rank: all five window values are below 60.
	if fv[6] != 1 {
		t.Errorf("percentile rank = %v, want 1", fv[6])
	}
}

func TestExtract8ZScore(t *testing.T) {
	fe := newFeatureExtractor(10)
	ts := testStart.UnixMilli()
	for i := 0; i < 5; i++ {
		fe.observe(10, ts+int64(i))
	}
	fv := fe.extract8(20, ts+5)
	if fv[4] != 0 {
		t.Errorf("z-score with zero variance = %v, want 0", fv[4])
	}
	if fv[5] != 2 {
		t.Errorf("moving-average ratio = %v, want 2", fv[5])
	}
}

func TestExtract16(t *testing.T) {
	fe := newFeatureExtractor(20)
	base := time.Date(2024, 6, 3, 6, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		fe.observe(float64(i), base.Add(time.Duration(i)*time.Minute).UnixMilli())
	}

	ts := time.Date(2024, 6, 3, 6, 0, 0, 0, time.UTC).UnixMilli()
	fv := fe.extract16(5, ts)
	if len(fv) != mlFeatureCount {
		t.Fatalf("len = %d, want %d", len(fv), mlFeatureCount)
	}
	// Rising sequence 0..9 has unit slope.
	if !almostEqual(fv[11], 1, 1e-9) {
		t.Errorf("slope = %v, want 1", fv[11])
	}
	// Hour 6 on the unit circle: sin=1, cos=0.
	if !almostEqual(fv[14], 1, 1e-9) || !almostEqual(fv[15], 0, 1e-9) {
		t.Errorf("hour encoding = (%v, %v), want (1, 0)", fv[14], fv[15])
	}
}

func TestWindowSlides(t *testing.T) {
	fe := newFeatureExtractor(3)
	ts := testStart.UnixMilli()
	for i := 0; i < 10; i++ {
		fe.observe(float64(i), ts+int64(i))
	}
	if len(fe.values) != 3 {
		t.Fatalf("window = %d values, want 3", len(fe.values))
	}
	if fe.values[0] != 7 {
		t.Errorf("oldest kept value = %v, want 7", fe.values[0])
	}
}

func TestPercentileRank(t *testing.T) {
	values := []float64{1, 2, 3, 4}
	tests := []struct {
		v    float64
		want float64
	}{
		{0, 0},
		{2.5, 0.5},
		{10, 1},
	}
	for _, tt := range tests {
		if got := percentileRank(values, tt.v); !almostEqual(got, tt.want, 1e-9) {
			t.Errorf("percentileRank(%v) = %v, want %v", tt.v, got, tt.want)
		}
	}
	if got := percentileRank(nil, 5); got != 0.5 {
		t.Errorf("empty window rank = %v, want 0.5", got)
	}
}

func TestEWMATracksLevel(t *testing.T) {
	fe := newFeatureExtractor(100)
	ts := testStart.UnixMilli()
	fe.observe(10, ts)
	if fe.ewma != 10 {
		t.Fatalf("first ewma = %v, want seed value", fe.ewma)
	}
	for i := 1; i <= 200; i++ {
		fe.observe(20, ts+int64(i))
	}
	if math.Abs(fe.ewma-20) > 0.01 {
		t.Errorf("ewma = %v, want to converge near 20", fe.ewma)
	}
}
