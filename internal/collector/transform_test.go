package collector

import (
	"testing"

	"github.com/dmitriimaksimovdevelop/driftwatch/internal/model"
)

func TestNormalizeMinMax(t *testing.T) {
	recs := []Record{{"value": 0.0}, {"value": 5.0}, {"value": 10.0}}
	out, err := normalizeRecords(recs, map[string]any{"fields": []any{"value"}})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	want := []float64{0, 0.5, 1}
	for i, rec := range out {
		if rec["value"] != want[i] {
			t.Errorf("rec[%d] = %v, want %v", i, rec["value"], want[i])
		}
	}

	t.Run("constant field collapses to zero", func(t *testing.T) {
		recs := []Record{{"value": 7.0}, {"value": 7.0}}
		out, err := normalizeRecords(recs, map[string]any{"fields": []string{"value"}})
		if err != nil {
			t.Fatal(err)
		}
		if out[0]["value"] != 0.0 || out[1]["value"] != 0.0 {
			t.Errorf("constant normalize = %v, %v", out[0]["value"], out[1]["value"])
		}
	})
}

func TestNormalizeZScore(t *testing.T) {
	recs := []Record{{"value": 10.0}, {"value": 20.0}, {"value": 30.0}}
	out, err := normalizeRecords(recs, map[string]any{
		"fields": []string{"value"},
		"method": "zscore",
	})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	mid, _ := toFloat(out[1]["value"])
	if !almostEqual(mid, 0, 1e-9) {
		t.Errorf("mean value should map to 0, got %v", mid)
	}
	lo, _ := toFloat(out[0]["value"])
	hi, _ := toFloat(out[2]["value"])
	if !almostEqual(lo, -hi, 1e-9) || hi <= 0 {
		t.Errorf("symmetric values map to (%v, %v)", lo, hi)
	}
}

func TestNormalizeErrors(t *testing.T) {
	if _, err := normalizeRecords(nil, map[string]any{}); err == nil {
		t.Error("missing field list accepted")
	}
	cfg := map[string]any{"fields": []string{"value"}, "method": "log"}
	if _, err := normalizeRecords(nil, cfg); err == nil {
		t.Error("unknown method accepted")
	}
}

func TestAggregateRecords(t *testing.T) {
	recs := []Record{
		{"metric": "rps", "region": "us", "value": 1.0},
		{"metric": "rps", "region": "us", "value": 3.0},
		{"metric": "rps", "region": "eu", "value": 5.0},
	}
	out, err := aggregateRecords(recs, map[string]any{
		"groupBy":      []string{"region"},
		"aggregations": map[string]any{"value": "avg"},
	})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("groups = %d, want 2", len(out))
	}
	// First-seen group order is preserved.
	if out[0]["region"] != "us" || out[0]["value_avg"] != 2.0 {
		t.Errorf("us group = %v", out[0])
	}
	if out[1]["region"] != "eu" || out[1]["value_avg"] != 5.0 {
		t.Errorf("eu group = %v", out[1])
	}
	// The aggregated value feeds coercion downstream.
	if out[0]["value"] != 2.0 {
		t.Errorf("value = %v, want the aggregate", out[0]["value"])
	}
	if out[0]["metric"] != "rps" {
		t.Errorf("metric not carried: %v", out[0])
	}

	if _, err := aggregateRecords(recs, map[string]any{"groupBy": []string{"region"}}); err == nil {
		t.Error("missing aggregations accepted")
	}
}

func TestAggregateValues(t *testing.T) {
	values := []float64{4, 1, 3}
	tests := []struct {
		op   string
		want float64
	}{
		{"sum", 8}, {"avg", 8.0 / 3}, {"count", 3}, {"min", 1}, {"max", 4},
	}
	for _, tt := range tests {
		got, err := aggregateValues(values, tt.op)
		if err != nil {
			t.Fatalf("%s: %v", tt.op, err)
		}
		if !almostEqual(got, tt.want, 1e-9) {
			t.Errorf("%s = %v, want %v", tt.op, got, tt.want)
		}
	}
	if _, err := aggregateValues(values, "median"); err == nil {
		t.Error("unknown aggregation accepted")
	}
}

func TestDeriveRecords(t *testing.T) {
	c, _, _ := newTestCollector(t, DefaultConfig())
	recs := []Record{{"value": 2.0, "limit": 8.0}}

	out, err := c.deriveRecords(recs, map[string]any{
		"derivations": map[string]any{
			"headroom": "limit - value",
			"broken":   "limit +* value",
		},
	})
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if got, _ := toFloat(out[0]["headroom"]); got != 6 {
		t.Errorf("headroom = %v, want 6", out[0]["headroom"])
	}
	if _, ok := out[0]["broken"]; ok {
		t.Error("failed derivation should skip the field")
	}

	if _, err := c.deriveRecords(recs, map[string]any{}); err == nil {
		t.Error("missing derivations accepted")
	}
}

func TestEnrichRecords(t *testing.T) {
	c, _, _ := newTestCollector(t, DefaultConfig())
	now := testStart.UnixMilli()
	recs := []Record{
		{"value": 1.0},
		{"value": 2.0, "timestamp": now - 500},
	}

	out, err := c.enrichRecords(recs, map[string]any{"version": "2.1.0"})
	if err != nil {
		t.Fatalf("enrich: %v", err)
	}
	if out[0]["timestamp"] != now {
		t.Errorf("missing timestamp not stamped: %v", out[0]["timestamp"])
	}
	if out[1]["timestamp"] != now-500 {
		t.Errorf("existing timestamp overwritten: %v", out[1]["timestamp"])
	}
	meta := out[0]["_metadata"].(map[string]any)
	if meta["version"] != "2.1.0" || meta["enriched_at"] != now {
		t.Errorf("metadata = %v", meta)
	}
}

func TestApplyTransformationsSkipsFailures(t *testing.T) {
	c, _, _ := newTestCollector(t, DefaultConfig())
	recs := []Record{{"value": 4.0}}

	out := c.applyTransformations("web", recs, []model.Transformation{
		{Kind: "reticulate"}, // unknown, skipped
		{Kind: model.TransformNormalize, Config: map[string]any{"fields": []string{"value"}}},
	})
	if len(out) != 1 {
		t.Fatalf("records = %d", len(out))
	}
	if out[0]["value"] != 0.0 {
		t.Errorf("surviving stage did not run: %v", out[0]["value"])
	}
}

func TestGetNested(t *testing.T) {
	rec := Record{
		"labels": map[string]string{"region": "eu"},
		"meta":   map[string]any{"node": map[string]any{"rack": "r7"}},
	}

	if v, ok := getNested(rec, "labels.region"); !ok || v != "eu" {
		t.Errorf("labels.region = %v, %v", v, ok)
	}
	if v, ok := getNested(rec, "meta.node.rack"); !ok || v != "r7" {
		t.Errorf("meta.node.rack = %v, %v", v, ok)
	}
	if _, ok := getNested(rec, "meta.node.rack.deeper"); ok {
		t.Error("descending through a leaf should fail")
	}
	if _, ok := getNested(rec, "labels.zone"); ok {
		t.Error("missing key should fail")
	}
}

func TestStringList(t *testing.T) {
	if got, err := stringList([]string{"a", "b"}); err != nil || len(got) != 2 {
		t.Errorf("[]string: %v, %v", got, err)
	}
	if got, err := stringList([]any{"a", "b"}); err != nil || len(got) != 2 {
		t.Errorf("[]any: %v, %v", got, err)
	}
	if _, err := stringList([]any{"a", 3}); err == nil {
		t.Error("mixed list accepted")
	}
	if _, err := stringList(nil); err == nil {
		t.Error("nil accepted")
	}
	if _, err := stringList("a"); err == nil {
		t.Error("scalar accepted")
	}
}
