package collector

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/dmitriimaksimovdevelop/driftwatch/internal/model"
)

// applyTransformations runs the source's transformation list in order over
// the surviving records. A failed transformation is logged and skipped;
// the records continue unchanged through the rest of the pipeline.
func (c *Collector) applyTransformations(sourceID string, recs []Record, ts []model.Transformation) []Record {
	for _, t := range ts {
		out, err := c.applyTransformation(recs, t)
		if err != nil {
			c.log.Warn("transformation skipped",
				zap.String("source", sourceID),
				zap.String("kind", string(t.Kind)),
				zap.Error(err))
			continue
		}
		recs = out
	}
	return recs
}

func (c *Collector) applyTransformation(recs []Record, t model.Transformation) ([]Record, error) {
	switch t.Kind {
	case model.TransformNormalize:
		return normalizeRecords(recs, t.Config)
	case model.TransformAggregate:
		return aggregateRecords(recs, t.Config)
	case model.TransformDerive:
		return c.deriveRecords(recs, t.Config)
	case model.TransformEnrich:
		return c.enrichRecords(recs, t.Config)
	default:
		return nil, fmt.Errorf("unknown transformation kind %q", t.Kind)
	}
}

// normalizeRecords rescales the named fields using statistics computed
// from the current batch: minmax to [0,1] or zscore.
func normalizeRecords(recs []Record, cfg map[string]any) ([]Record, error) {
	fields, err := stringList(cfg["fields"])
	if err != nil {
		return nil, fmt.Errorf("normalize: %w", err)
	}
	method, _ := cfg["method"].(string)
	if method == "" {
		method = "minmax"
	}
	if method != "minmax" && method != "zscore" {
		return nil, fmt.Errorf("normalize: unknown method %q", method)
	}

	for _, field := range fields {
		var values []float64
		for _, rec := range recs {
			if v, ok := toFloat(rec[field]); ok {
				values = append(values, v)
			}
		}
		if len(values) == 0 {
			continue
		}

		switch method {
		case "minmax":
			lo, hi := values[0], values[0]
			for _, v := range values {
				lo = math.Min(lo, v)
				hi = math.Max(hi, v)
			}
			span := hi - lo
			for _, rec := range recs {
				if v, ok := toFloat(rec[field]); ok {
					if span == 0 {
						rec[field] = 0.0
					} else {
						rec[field] = (v - lo) / span
					}
				}
			}
		case "zscore":
			var sum float64
			for _, v := range values {
				sum += v
			}
			mean := sum / float64(len(values))
			var ss float64
			for _, v := range values {
				ss += (v - mean) * (v - mean)
			}
			std := math.Sqrt(ss / float64(len(values)))
			for _, rec := range recs {
				if v, ok := toFloat(rec[field]); ok {
					if std == 0 {
						rec[field] = 0.0
					} else {
						rec[field] = (v - mean) / std
					}
				}
			}
		}
	}
	return recs, nil
}

// aggregateRecords groups records by the groupBy fields and emits one
// record per group with suffixed aggregate fields (value_sum, value_avg...).
func aggregateRecords(recs []Record, cfg map[string]any) ([]Record, error) {
	groupBy, err := stringList(cfg["groupBy"])
	if err != nil {
		return nil, fmt.Errorf("aggregate: %w", err)
	}
	aggsRaw, ok := cfg["aggregations"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("aggregate: missing aggregations map")
	}

	type group struct {
		key    string
		fields map[string][]float64
		first  Record
	}
	groups := map[string]*group{}
	var order []string

	for _, rec := range recs {
		var keyParts []string
		for _, f := range groupBy {
			v, _ := getNested(rec, f)
			keyParts = append(keyParts, fmt.Sprintf("%v", v))
		}
		key := strings.Join(keyParts, "\x00")
		g, ok := groups[key]
		if !ok {
			g = &group{key: key, fields: map[string][]float64{}, first: rec}
			groups[key] = g
			order = append(order, key)
		}
		for field := range aggsRaw {
			if v, ok := toFloat(rec[field]); ok {
				g.fields[field] = append(g.fields[field], v)
			}
		}
	}

	out := make([]Record, 0, len(groups))
	for _, key := range order {
		g := groups[key]
		rec := Record{}
		for _, f := range groupBy {
			if v, ok := getNested(g.first, f); ok {
				rec[f] = v
			}
		}
		// Preserve coercion inputs so aggregated records still map to samples.
		for _, carry := range []string{"metric", "metricName", "timestamp", "labels"} {
			if v, ok := g.first[carry]; ok {
				rec[carry] = v
			}
		}
		for field, opRaw := range aggsRaw {
			op, _ := opRaw.(string)
			values := g.fields[field]
			if len(values) == 0 {
				continue
			}
			agg, err := aggregateValues(values, op)
			if err != nil {
				return nil, fmt.Errorf("aggregate: field %s: %w", field, err)
			}
			rec[field+"_"+op] = agg
			if field == "value" {
				rec["value"] = agg
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

func aggregateValues(values []float64, op string) (float64, error) {
	switch op {
	case "sum":
		var s float64
		for _, v := range values {
			s += v
		}
		return s, nil
	case "avg":
		var s float64
		for _, v := range values {
			s += v
		}
		return s / float64(len(values)), nil
	case "count":
		return float64(len(values)), nil
	case "min":
		m := values[0]
		for _, v := range values {
			m = math.Min(m, v)
		}
		return m, nil
	case "max":
		m := values[0]
		for _, v := range values {
			m = math.Max(m, v)
		}
		return m, nil
	default:
		return 0, fmt.Errorf("unknown aggregation %q", op)
	}
}

// deriveRecords adds computed fields via the sandboxed evaluator. A failed
// derivation skips that field for that record only.
func (c *Collector) deriveRecords(recs []Record, cfg map[string]any) ([]Record, error) {
	derivations, ok := cfg["derivations"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("derive: missing derivations map")
	}

	names := make([]string, 0, len(derivations))
	for name := range derivations {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, rec := range recs {
		for _, name := range names {
			src, ok := derivations[name].(string)
			if !ok {
				continue
			}
			v, err := c.eval.EvalValue(src, rec)
			if err != nil {
				c.log.Warn("derivation failed", zap.String("field", name), zap.Error(err))
				continue
			}
			rec[name] = v
		}
	}
	return recs, nil
}

// enrichRecords stamps missing timestamps and adds collection metadata.
func (c *Collector) enrichRecords(recs []Record, cfg map[string]any) ([]Record, error) {
	now := c.clk.Now().UnixMilli()
	version, _ := cfg["version"].(string)
	if version == "" {
		version = "1.0.0"
	}
	for _, rec := range recs {
		if _, ok := rec["timestamp"]; !ok {
			rec["timestamp"] = now
		}
		rec["_metadata"] = map[string]any{
			"enriched_at": now,
			"version":     version,
		}
	}
	return recs, nil
}

func stringList(v any) ([]string, error) {
	switch list := v.(type) {
	case []string:
		return list, nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected string list, found %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	case nil:
		return nil, fmt.Errorf("missing field list")
	default:
		return nil, fmt.Errorf("expected string list, got %T", v)
	}
}
