package detector

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/dmitriimaksimovdevelop/driftwatch/internal/model"
	"github.com/dmitriimaksimovdevelop/driftwatch/internal/rules"
)

func trainedZScore(t *testing.T) *ZScore {
	t.Helper()
	d := NewZScore(testClock(), testEval(), nil)
	rng := rand.New(rand.NewSource(1))
	if err := d.Train(gaussianSamples(rng, "web-1", 100, 50, 1)); err != nil {
		t.Fatalf("Train: %v", err)
	}
	return d
}

func TestZScoreDetectsSpike(t *testing.T) {
	d := trainedZScore(t)

	anomalies, err := d.Detect(context.Background(), []model.Sample{oneSample("web-1", 70)}, nil)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(anomalies) != 1 {
		t.Fatalf("got %d anomalies, want 1", len(anomalies))
	}
	a := anomalies[0]
	if a.Type != model.AnomalySpike {
		t.Errorf("type = %v, want spike", a.Type)
	}
	if a.Score < 0.9 {
		t.Errorf("score = %v, want >= 0.9 for a 20-sigma spike", a.Score)
	}
	if a.ExpectedValue == nil || *a.ExpectedValue < 49 || *a.ExpectedValue > 51 {
		t.Errorf("expected value = %v, want about 50", a.ExpectedValue)
	}
	if msg, ok := checkBounds(anomalies); !ok {
		t.Error(msg)
	}
}

func TestZScoreDetectsDrop(t *testing.T) {
	d := trainedZScore(t)

	anomalies, err := d.Detect(context.Background(), []model.Sample{oneSample("web-1", 30)}, nil)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(anomalies) != 1 {
		t.Fatalf("got %d anomalies, want 1", len(anomalies))
	}
	if anomalies[0].Type != model.AnomalyDrop {
		t.Errorf("type = %v, want drop", anomalies[0].Type)
	}
}

func TestZScoreNormalValuesPass(t *testing.T) {
	d := trainedZScore(t)

	anomalies, err := d.Detect(context.Background(), []model.Sample{
		oneSample("web-1", 50.5),
		oneSample("web-1", 49.2),
	}, nil)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(anomalies) != 0 {
		t.Errorf("got %d anomalies on in-baseline values, want 0", len(anomalies))
	}
}

func TestZScoreMaintenanceWindowSuppresses(t *testing.T) {
	d := trainedZScore(t)
	s := oneSample("web-1", 70)
	dctx := &model.DetectionContext{
		MaintenanceWindows: []model.MaintenanceWindow{
			{Start: s.Timestamp - 1000, End: s.Timestamp + 1000},
		},
	}

	anomalies, err := d.Detect(context.Background(), []model.Sample{s}, dctx)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(anomalies) != 0 {
		t.Errorf("got %d anomalies during maintenance, want 0", len(anomalies))
	}
}

func TestZScoreTrainInsufficientData(t *testing.T) {
	d := NewZScore(testClock(), testEval(), nil)
	rng := rand.New(rand.NewSource(1))

	err := d.Train(gaussianSamples(rng, "web-1", 10, 50, 1))
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("Train error = %v, want ErrInsufficientData", err)
	}
	if d.IsReady() {
		t.Error("detector must not be ready after failed training")
	}

	anomalies, err := d.Detect(context.Background(), []model.Sample{oneSample("web-1", 70)}, nil)
	if err != nil || len(anomalies) != 0 {
		t.Errorf("untrained Detect = %v, %v; want nil, nil", anomalies, err)
	}
}

func TestZScoreUnknownSourceIgnored(t *testing.T) {
	d := trainedZScore(t)

	anomalies, err := d.Detect(context.Background(), []model.Sample{oneSample("db-9", 70)}, nil)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(anomalies) != 0 {
		t.Errorf("got %d anomalies for unseen source, want 0", len(anomalies))
	}

	// The observation seeds a window, so the source becomes known.
	if _, ok := d.GetBaseline("db-9"); !ok {
		t.Error("observed source should now have a baseline")
	}
}

func TestZScoreWindowSlides(t *testing.T) {
	d := NewZScore(testClock(), testEval(), nil)
	cfg := DefaultConfig()
	cfg.WindowSize = 10
	cfg.MinDataPoints = 10
	if err := d.Configure(cfg); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	rng := rand.New(rand.NewSource(2))
	if err := d.Train(gaussianSamples(rng, "web-1", 50, 10, 0.5)); err != nil {
		t.Fatalf("Train: %v", err)
	}

	// Feed a level shift; after the window fills with the new level the
	// baseline follows it.
	var samples []model.Sample
	for i := 0; i < 20; i++ {
		samples = append(samples, oneSample("web-1", 100))
	}
	_, err := d.Detect(context.Background(), samples, nil)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}

	bl, ok := d.GetBaseline("web-1")
	if !ok {
		t.Fatal("baseline missing")
	}
	if bl.Mean != 100 {
		t.Errorf("baseline mean = %v after level shift, want 100", bl.Mean)
	}
}

func TestZScoreDisabledEmitsNothing(t *testing.T) {
	d := trainedZScore(t)
	cfg := d.config()
	cfg.Enabled = false
	if err := d.Configure(cfg); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	anomalies, _ := d.Detect(context.Background(), []model.Sample{oneSample("web-1", 70)}, nil)
	if len(anomalies) != 0 {
		t.Errorf("disabled detector emitted %d anomalies", len(anomalies))
	}
}

func TestZScoreBusinessRuleSuppression(t *testing.T) {
	d := NewZScore(testClock(), testEval(), nil)
	cfg := DefaultConfig()
	cfg.BusinessRules = []rules.BusinessRule{
		{Condition: `metric == "cpu_usage"`, Action: rules.ActionSuppress},
	}
	if err := d.Configure(cfg); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	rng := rand.New(rand.NewSource(1))
	if err := d.Train(gaussianSamples(rng, "web-1", 100, 50, 1)); err != nil {
		t.Fatalf("Train: %v", err)
	}

	anomalies, _ := d.Detect(context.Background(), []model.Sample{oneSample("web-1", 70)}, nil)
	if len(anomalies) != 0 {
		t.Errorf("suppression rule leaked %d anomalies", len(anomalies))
	}
}

func TestZScoreReset(t *testing.T) {
	d := trainedZScore(t)
	d.Reset()
	if d.IsReady() {
		t.Error("detector still ready after Reset")
	}
	if _, ok := d.GetBaseline("web-1"); ok {
		t.Error("baseline survived Reset")
	}
}

func TestZScoreModelInfo(t *testing.T) {
	d := trainedZScore(t)
	info := d.ModelInfo()
	if info.Algorithm != "z_score" {
		t.Errorf("algorithm = %q", info.Algorithm)
	}
	if info.TrainedAt == nil || info.TrainingDataSize != 100 {
		t.Errorf("trained_at = %v size = %d", info.TrainedAt, info.TrainingDataSize)
	}
}
