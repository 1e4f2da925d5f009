package detector

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/dmitriimaksimovdevelop/driftwatch/internal/model"
)

// stubChild is a scripted detector for exercising ensemble strategies.
type stubChild struct {
	base
	verdict *model.Anomaly
	fail    error
	calls   atomic.Int32
}

func newStubChild(name string, verdict *model.Anomaly) *stubChild {
	c := &stubChild{
		base:    newBase(name, name, testClock(), testEval(), nil),
		verdict: verdict,
	}
	return c
}

func (c *stubChild) Train(historical []model.Sample) error {
	c.markTrained(len(historical))
	return nil
}

func (c *stubChild) Detect(_ context.Context, samples []model.Sample, _ *model.DetectionContext) ([]model.Anomaly, error) {
	if !c.enabledAndReady() {
		return nil, nil
	}
	c.calls.Add(int32(len(samples)))
	if c.fail != nil {
		return nil, c.fail
	}
	if c.verdict == nil {
		return nil, nil
	}
	a := *c.verdict
	return []model.Anomaly{a}, nil
}

func (c *stubChild) Reset()               { c.markReset() }
func (c *stubChild) ModelInfo() ModelInfo { return c.modelInfo(nil) }

func verdict(typ model.AnomalyType, score, confidence float64) *model.Anomaly {
	return &model.Anomaly{
		Type:       typ,
		Score:      score,
		Confidence: confidence,
		Severity:   model.SeverityFromScore(score, confidence),
	}
}

func newComposite(t *testing.T, strategy string, children ...*stubChild) *Composite {
	t.Helper()
	d := NewComposite(testClock(), testEval(), nil)
	cfg := DefaultConfig()
	cfg.EnsembleStrategy = strategy
	if err := d.Configure(cfg); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	for _, c := range children {
		if err := d.AddChild(c, 1); err != nil {
			t.Fatalf("AddChild(%s): %v", c.Name(), err)
		}
	}
	samples := make([]model.Sample, 30)
	for i := range samples {
		samples[i] = oneSample("web-1", float64(i))
	}
	if err := d.Train(samples); err != nil {
		t.Fatalf("Train: %v", err)
	}
	return d
}

func TestCompositeMajorityVote(t *testing.T) {
	spike := verdict(model.AnomalySpike, 0.9, 0.9)

	t.Run("two of three carry the vote", func(t *testing.T) {
		d := newComposite(t, StrategyMajorityVote,
			newStubChild("zscore", spike),
			newStubChild("knn", spike),
			newStubChild("seasonal", nil),
		)
		// An unprofiled source keeps every child in the vote.
		anomalies, err := d.Detect(context.Background(), []model.Sample{oneSample("api-9", 99)}, nil)
		if err != nil {
			t.Fatalf("Detect: %v", err)
		}
		if len(anomalies) != 1 {
			t.Fatalf("got %d anomalies, want 1", len(anomalies))
		}
		if anomalies[0].Type != model.AnomalySpike {
			t.Errorf("type = %v, want spike", anomalies[0].Type)
		}
	})

	t.Run("lone voter is outvoted", func(t *testing.T) {
		d := newComposite(t, StrategyMajorityVote,
			newStubChild("zscore", spike),
			newStubChild("knn", nil),
			newStubChild("seasonal", nil),
		)
		anomalies, _ := d.Detect(context.Background(), []model.Sample{oneSample("api-9", 99)}, nil)
		if len(anomalies) != 0 {
			t.Errorf("got %d anomalies on a 1/3 vote", len(anomalies))
		}
	})
}

func TestCompositeWeightedAverage(t *testing.T) {
	t.Run("confident children push the score up", func(t *testing.T) {
		d := newComposite(t, StrategyWeightedAverage,
			newStubChild("zscore", verdict(model.AnomalySpike, 0.9, 0.9)),
			newStubChild("knn", verdict(model.AnomalySpike, 0.7, 0.8)),
		)
		anomalies, _ := d.Detect(context.Background(), []model.Sample{oneSample("web-1", 99)}, nil)
		if len(anomalies) != 1 {
			t.Fatalf("got %d anomalies, want 1", len(anomalies))
		}
		if s := anomalies[0].Score; s < 0.7 || s > 0.9 {
			t.Errorf("combined score = %v, want inside the children's range", s)
		}
	})

	t.Run("weak consensus stays silent", func(t *testing.T) {
		d := newComposite(t, StrategyWeightedAverage,
			newStubChild("zscore", verdict(model.AnomalyOutlier, 0.3, 0.5)),
			newStubChild("knn", nil),
		)
		anomalies, _ := d.Detect(context.Background(), []model.Sample{oneSample("web-1", 99)}, nil)
		if len(anomalies) != 0 {
			t.Errorf("got %d anomalies below the emission floor", len(anomalies))
		}
	})
}

func TestCompositeHierarchicalEarlyExit(t *testing.T) {
	// The fast screen stays quiet, so the expensive children must never
	// run.
	heavy := newStubChild("knn", verdict(model.AnomalyOutlier, 0.9, 0.9))
	d := newComposite(t, StrategyHierarchical,
		newStubChild("zscore", nil),
		newStubChild("threshold", nil),
		heavy,
	)

	anomalies, err := d.Detect(context.Background(), []model.Sample{oneSample("web-1", 50)}, nil)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(anomalies) != 0 {
		t.Errorf("got %d anomalies with a quiet screen", len(anomalies))
	}
	if heavy.calls.Load() != 0 {
		t.Errorf("heavy child ran %d times despite the early exit", heavy.calls.Load())
	}

	perf := d.ChildPerformanceSnapshot()
	if perf["knn"].Invocations != 0 {
		t.Errorf("knn invocations = %d, want 0", perf["knn"].Invocations)
	}
	if perf["zscore"].Invocations != 1 {
		t.Errorf("zscore invocations = %d, want 1", perf["zscore"].Invocations)
	}
}

func TestCompositeHierarchicalEscalatesSuspiciousScreen(t *testing.T) {
	heavy := newStubChild("knn", verdict(model.AnomalyOutlier, 0.95, 0.9))
	d := newComposite(t, StrategyHierarchical,
		newStubChild("zscore", verdict(model.AnomalySpike, 0.8, 0.9)),
		heavy,
	)

	anomalies, _ := d.Detect(context.Background(), []model.Sample{oneSample("web-1", 99)}, nil)
	if len(anomalies) != 1 {
		t.Fatalf("got %d anomalies, want 1", len(anomalies))
	}
	if heavy.calls.Load() != 1 {
		t.Errorf("heavy child ran %d times, want 1", heavy.calls.Load())
	}
}

func TestCompositeStacking(t *testing.T) {
	t.Run("strong agreement fires with meta features", func(t *testing.T) {
		d := newComposite(t, StrategyStacking,
			newStubChild("zscore", verdict(model.AnomalySpike, 0.9, 0.9)),
			newStubChild("knn", verdict(model.AnomalySpike, 0.8, 0.8)),
		)
		anomalies, _ := d.Detect(context.Background(), []model.Sample{oneSample("web-1", 99)}, nil)
		if len(anomalies) != 1 {
			t.Fatalf("got %d anomalies, want 1", len(anomalies))
		}
		bc := anomalies[0].Context.BusinessContext
		for _, key := range []string{"mean_score", "max_score", "mean_confidence", "fired_total"} {
			if _, ok := bc[key]; !ok {
				t.Errorf("missing meta feature %q", key)
			}
		}
	})

	t.Run("low confidence blocks the meta score", func(t *testing.T) {
		d := newComposite(t, StrategyStacking,
			newStubChild("zscore", verdict(model.AnomalySpike, 0.9, 0.3)),
			newStubChild("knn", verdict(model.AnomalySpike, 0.9, 0.4)),
		)
		anomalies, _ := d.Detect(context.Background(), []model.Sample{oneSample("web-1", 99)}, nil)
		if len(anomalies) != 0 {
			t.Errorf("got %d anomalies with low child confidence", len(anomalies))
		}
	})
}

func TestCompositeAdaptiveWeighted(t *testing.T) {
	good := newStubChild("zscore", verdict(model.AnomalySpike, 0.9, 0.9))
	d := newComposite(t, StrategyAdaptiveWeighted, good,
		newStubChild("knn", verdict(model.AnomalySpike, 0.7, 0.8)))

	if err := d.RecordChildPerformance("zscore", ChildPerformance{Accuracy: 0.9, F1: 0.9}); err != nil {
		t.Fatalf("RecordChildPerformance: %v", err)
	}

	anomalies, _ := d.Detect(context.Background(), []model.Sample{oneSample("web-1", 99)}, nil)
	if len(anomalies) != 1 {
		t.Fatalf("got %d anomalies, want 1", len(anomalies))
	}
	if msg, ok := checkBounds(anomalies); !ok {
		t.Error(msg)
	}
}

func TestCompositeChildErrorContributesNothing(t *testing.T) {
	broken := newStubChild("knn", nil)
	broken.fail = errors.New("model corrupt")
	d := newComposite(t, StrategyWeightedAverage,
		newStubChild("zscore", verdict(model.AnomalySpike, 0.9, 0.9)),
		broken,
	)

	anomalies, err := d.Detect(context.Background(), []model.Sample{oneSample("web-1", 99)}, nil)
	if err != nil {
		t.Fatalf("a child error must not fail the composite: %v", err)
	}
	if len(anomalies) != 1 {
		t.Errorf("got %d anomalies, want the healthy child's verdict", len(anomalies))
	}
}

func TestCompositeTypeVoteTieBreak(t *testing.T) {
	// Equal weights and confidences: drop sorts before spike, so the tie
	// resolves to drop every run.
	d := newComposite(t, StrategyWeightedAverage,
		newStubChild("zscore", verdict(model.AnomalySpike, 0.9, 0.8)),
		newStubChild("knn", verdict(model.AnomalyDrop, 0.9, 0.8)),
	)
	for i := 0; i < 5; i++ {
		anomalies, _ := d.Detect(context.Background(), []model.Sample{oneSample("web-1", 99)}, nil)
		if len(anomalies) != 1 {
			t.Fatalf("got %d anomalies", len(anomalies))
		}
		if anomalies[0].Type != model.AnomalyDrop {
			t.Fatalf("run %d: type = %v, want the stable tie-break", i, anomalies[0].Type)
		}
	}
}

func TestCompositeSetChildEnabled(t *testing.T) {
	quietable := newStubChild("knn", verdict(model.AnomalySpike, 0.9, 0.9))
	d := newComposite(t, StrategyWeightedAverage, quietable)

	if err := d.SetChildEnabled("knn", false); err != nil {
		t.Fatalf("SetChildEnabled: %v", err)
	}
	anomalies, _ := d.Detect(context.Background(), []model.Sample{oneSample("web-1", 99)}, nil)
	if len(anomalies) != 0 {
		t.Errorf("disabled child still contributed: %d anomalies", len(anomalies))
	}

	if err := d.SetChildEnabled("missing", false); err == nil {
		t.Error("unknown child should error")
	}
}

func TestCompositeMaintenanceWindowSuppresses(t *testing.T) {
	child := newStubChild("zscore", verdict(model.AnomalySpike, 0.9, 0.9))
	d := newComposite(t, StrategyWeightedAverage, child)

	s := oneSample("web-1", 99)
	dctx := &model.DetectionContext{
		MaintenanceWindows: []model.MaintenanceWindow{{Start: s.Timestamp, End: s.Timestamp}},
	}
	anomalies, _ := d.Detect(context.Background(), []model.Sample{s}, dctx)
	if len(anomalies) != 0 {
		t.Errorf("got %d anomalies during maintenance", len(anomalies))
	}
	if child.calls.Load() != 0 {
		t.Error("children should not run during maintenance")
	}
}

func TestCompositeTrainWithoutChildren(t *testing.T) {
	d := NewComposite(testClock(), testEval(), nil)
	samples := make([]model.Sample, 30)
	for i := range samples {
		samples[i] = oneSample("web-1", float64(i))
	}
	if err := d.Train(samples); err == nil {
		t.Error("Train with no children should fail")
	}
}

func TestCompositeChildManagement(t *testing.T) {
	d := NewComposite(testClock(), testEval(), nil)
	c := newStubChild("zscore", nil)
	if err := d.AddChild(c, 2); err != nil {
		t.Fatalf("AddChild: %v", err)
	}
	if err := d.AddChild(c, 2); err == nil {
		t.Error("duplicate child should error")
	}
	if err := d.SetChildWeight("zscore", 5); err != nil {
		t.Errorf("SetChildWeight: %v", err)
	}
	if err := d.SetChildWeight("missing", 5); err == nil {
		t.Error("unknown child weight should error")
	}
	d.RemoveChild("zscore")
	if err := d.SetChildWeight("zscore", 1); err == nil {
		t.Error("removed child should be gone")
	}
}
