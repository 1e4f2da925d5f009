package detector

import (
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/dmitriimaksimovdevelop/driftwatch/internal/clock"
	"github.com/dmitriimaksimovdevelop/driftwatch/internal/model"
	"github.com/dmitriimaksimovdevelop/driftwatch/internal/rules"
)

// testStart anchors all fake clocks. 2024-06-03 is a Monday.
var testStart = time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)

func testClock() *clock.Fake {
	return clock.NewFake(testStart)
}

func testEval() *rules.Evaluator {
	return rules.NewEvaluator(zap.NewNop())
}

// gaussianSamples generates n samples for one source with values
// mean + N(0, sigma), one per minute ending just before testStart.
func gaussianSamples(rng *rand.Rand, source string, n int, mean, sigma float64) []model.Sample {
	samples := make([]model.Sample, n)
	start := testStart.Add(-time.Duration(n) * time.Minute)
	for i := range samples {
		samples[i] = model.Sample{
			Source:    source,
			Metric:    "cpu_usage",
			Value:     mean + rng.NormFloat64()*sigma,
			Timestamp: start.Add(time.Duration(i) * time.Minute).UnixMilli(),
		}
	}
	return samples
}

func oneSample(source string, value float64) model.Sample {
	return model.Sample{
		Source:    source,
		Metric:    "cpu_usage",
		Value:     value,
		Timestamp: testStart.UnixMilli(),
	}
}

// checkBounds verifies the hard output contract of every detector.
func checkBounds(anomalies []model.Anomaly) (string, bool) {
	for _, a := range anomalies {
		if a.Score < 0 || a.Score > 1 {
			return "score out of [0,1]", false
		}
		if a.Confidence < 0 || a.Confidence > 1 {
			return "confidence out of [0,1]", false
		}
		if a.ID == "" {
			return "missing anomaly ID", false
		}
		if a.Severity == "" {
			return "missing severity", false
		}
	}
	return "", true
}
