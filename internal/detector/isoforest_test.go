package detector

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/dmitriimaksimovdevelop/driftwatch/internal/model"
)

func trainedForest(t *testing.T, seed int64) *IsolationForest {
	t.Helper()
	d := NewIsolationForest(testClock(), testEval(), nil)
	cfg := DefaultConfig()
	cfg.Seed = seed
	if err := d.Configure(cfg); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	rng := rand.New(rand.NewSource(5))
	if err := d.Train(gaussianSamples(rng, "web-1", 200, 50, 1)); err != nil {
		t.Fatalf("Train: %v", err)
	}
	return d
}

func TestIsolationForestOutlierScoresHigher(t *testing.T) {
	d := trainedForest(t, 42)

	// Rebuild the training window to extract comparable vectors.
	fe := newFeatureExtractor(100)
	rng := rand.New(rand.NewSource(5))
	for _, s := range gaussianSamples(rng, "web-1", 200, 50, 1) {
		fe.observe(s.Value, s.Timestamp)
	}
	ts := testStart.UnixMilli()

	typical, _ := d.ScoreVector(fe.extract8(50, ts))
	outlier, _ := d.ScoreVector(fe.extract8(100, ts))

	if outlier <= typical {
		t.Errorf("outlier score %v must exceed typical score %v", outlier, typical)
	}
	if typical < 0 || typical > 1 || outlier < 0 || outlier > 1 {
		t.Errorf("scores out of [0,1]: %v, %v", typical, outlier)
	}
}

func TestIsolationForestDetect(t *testing.T) {
	d := trainedForest(t, 42)

	anomalies, err := d.Detect(context.Background(), []model.Sample{oneSample("web-1", 100)}, nil)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(anomalies) != 1 {
		t.Fatalf("got %d anomalies for a 50-sigma spike, want 1", len(anomalies))
	}
	if anomalies[0].Type != model.AnomalyOutlier {
		t.Errorf("type = %v, want outlier", anomalies[0].Type)
	}
	if msg, ok := checkBounds(anomalies); !ok {
		t.Error(msg)
	}
}

func TestIsolationForestNormalValuePasses(t *testing.T) {
	d := trainedForest(t, 42)
	anomalies, _ := d.Detect(context.Background(), []model.Sample{oneSample("web-1", 50.1)}, nil)
	if len(anomalies) != 0 {
		t.Errorf("got %d anomalies for a typical value", len(anomalies))
	}
}

func TestIsolationForestSeedDeterminism(t *testing.T) {
	a := trainedForest(t, 42)
	b := trainedForest(t, 42)

	fe := newFeatureExtractor(100)
	rng := rand.New(rand.NewSource(5))
	for _, s := range gaussianSamples(rng, "web-1", 200, 50, 1) {
		fe.observe(s.Value, s.Timestamp)
	}
	fv := fe.extract8(77, testStart.UnixMilli())

	sa, _ := a.ScoreVector(fv)
	sb, _ := b.ScoreVector(fv)
	if sa != sb {
		t.Errorf("same seed produced different scores: %v vs %v", sa, sb)
	}
}

func TestIsolationForestMaintenanceWindowSuppresses(t *testing.T) {
	d := trainedForest(t, 42)
	s := oneSample("web-1", 100)
	dctx := &model.DetectionContext{
		MaintenanceWindows: []model.MaintenanceWindow{{Start: s.Timestamp, End: s.Timestamp}},
	}
	anomalies, _ := d.Detect(context.Background(), []model.Sample{s}, dctx)
	if len(anomalies) != 0 {
		t.Errorf("got %d anomalies during maintenance", len(anomalies))
	}
}

func TestIsolationForestTrainInsufficientData(t *testing.T) {
	d := NewIsolationForest(testClock(), testEval(), nil)
	rng := rand.New(rand.NewSource(5))
	err := d.Train(gaussianSamples(rng, "web-1", 5, 50, 1))
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("Train error = %v, want ErrInsufficientData", err)
	}
}

func TestIsolationForestFeatureImportance(t *testing.T) {
	d := trainedForest(t, 42)
	imp := d.FeatureImportance("web-1")
	if len(imp) != isoFeatureCount {
		t.Fatalf("importance entries = %d, want %d", len(imp), isoFeatureCount)
	}
	var total float64
	for name, v := range imp {
		if v < 0 || v > 1 {
			t.Errorf("importance[%s] = %v out of [0,1]", name, v)
		}
		total += v
	}
	if total < 0.99 || total > 1.01 {
		t.Errorf("importance sums to %v, want 1", total)
	}
}

func TestIsolationForestReset(t *testing.T) {
	d := trainedForest(t, 42)
	d.Reset()
	if d.IsReady() {
		t.Error("ready after Reset")
	}
	if score, _ := d.ScoreVector(make([]float64, isoFeatureCount)); score != 0 {
		t.Errorf("score after Reset = %v, want 0", score)
	}
}

func TestAvgPathLength(t *testing.T) {
	if got := avgPathLength(1); got != 0 {
		t.Errorf("c(1) = %v, want 0", got)
	}
	// c(n) grows with n and approximates 2*ln(n).
	if c256, c16 := avgPathLength(256), avgPathLength(16); c256 <= c16 {
		t.Errorf("c(256)=%v should exceed c(16)=%v", c256, c16)
	}
}
