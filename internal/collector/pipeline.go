package collector

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/dmitriimaksimovdevelop/driftwatch/internal/model"
)

var (
	regexCacheMu sync.Mutex
	regexCache   = map[string]*regexp.Regexp{}
)

func compileRegex(pattern string) (*regexp.Regexp, error) {
	regexCacheMu.Lock()
	defer regexCacheMu.Unlock()
	if re, ok := regexCache[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexCache[pattern] = re
	return re, nil
}

// getNested resolves a dotted path ("labels.region") inside a record.
func getNested(rec Record, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = rec
	for _, part := range parts {
		switch m := cur.(type) {
		case map[string]any:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]string:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			cur = v
		default:
			return nil, false
		}
	}
	return cur, true
}

// matchesFilters ANDs all filter predicates. A filter that errors is
// treated as non-matching (the record is dropped), per the fail-safe
// policy for predicate errors.
func (c *Collector) matchesFilters(rec Record, filters []model.Filter) bool {
	for _, f := range filters {
		matched, err := evalFilter(rec, f)
		if err != nil {
			c.log.Warn("filter evaluation failed",
				zap.String("field", f.Field), zap.String("op", string(f.Op)), zap.Error(err))
			return false
		}
		if f.Negate {
			matched = !matched
		}
		if !matched {
			return false
		}
	}
	return true
}

func evalFilter(rec Record, f model.Filter) (bool, error) {
	val, present := getNested(rec, f.Field)

	switch f.Op {
	case model.FilterExists:
		return present, nil
	case model.FilterEquals:
		if !present {
			return false, nil
		}
		if fv, ok := toFloat(val); ok {
			if want, ok2 := toFloat(f.Value); ok2 {
				return fv == want, nil
			}
		}
		return fmt.Sprintf("%v", val) == fmt.Sprintf("%v", f.Value), nil
	case model.FilterContains:
		if !present {
			return false, nil
		}
		needle, ok := f.Value.(string)
		if !ok {
			return false, fmt.Errorf("contains filter needs a string value, got %T", f.Value)
		}
		return strings.Contains(fmt.Sprintf("%v", val), needle), nil
	case model.FilterRegex:
		if !present {
			return false, nil
		}
		pattern, ok := f.Value.(string)
		if !ok {
			return false, fmt.Errorf("regex filter needs a string pattern, got %T", f.Value)
		}
		re, err := compileRegex(pattern)
		if err != nil {
			return false, err
		}
		return re.MatchString(fmt.Sprintf("%v", val)), nil
	case model.FilterRange:
		if !present {
			return false, nil
		}
		fv, ok := toFloat(val)
		if !ok {
			return false, fmt.Errorf("range filter over non-numeric field value %T", val)
		}
		lo, hi, err := rangeBounds(f.Value)
		if err != nil {
			return false, err
		}
		return fv >= lo && fv <= hi, nil
	default:
		return false, fmt.Errorf("unknown filter op %q", f.Op)
	}
}

func rangeBounds(v any) (float64, float64, error) {
	switch b := v.(type) {
	case map[string]any:
		lo, ok1 := toFloat(b["min"])
		hi, ok2 := toFloat(b["max"])
		if !ok1 || !ok2 {
			return 0, 0, fmt.Errorf("range filter needs numeric min and max")
		}
		return lo, hi, nil
	case []any:
		if len(b) != 2 {
			return 0, 0, fmt.Errorf("range filter list needs exactly two bounds")
		}
		lo, ok1 := toFloat(b[0])
		hi, ok2 := toFloat(b[1])
		if !ok1 || !ok2 {
			return 0, 0, fmt.Errorf("range filter bounds must be numeric")
		}
		return lo, hi, nil
	default:
		return 0, 0, fmt.Errorf("range filter value %T not supported", v)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// coerceSample maps a record onto a Sample with the documented defaults.
func coerceSample(sourceID string, rec Record, now int64) model.Sample {
	s := model.Sample{Source: sourceID, Timestamp: now}

	if m, ok := rec["metric"].(string); ok && m != "" {
		s.Metric = m
	} else if m, ok := rec["metricName"].(string); ok && m != "" {
		s.Metric = m
	} else {
		s.Metric = sourceID + "_metric"
	}

	if v, ok := toFloat(rec["value"]); ok {
		s.Value = v
	}
	if ts, ok := toFloat(rec["timestamp"]); ok && ts > 0 {
		s.Timestamp = int64(ts)
	}

	switch labels := rec["labels"].(type) {
	case map[string]string:
		s.Labels = labels
	case map[string]any:
		s.Labels = make(map[string]string, len(labels))
		for k, v := range labels {
			s.Labels[k] = fmt.Sprintf("%v", v)
		}
	default:
		s.Labels = map[string]string{}
	}

	meta := make(map[string]any)
	for k, v := range rec {
		switch k {
		case "metric", "metricName", "value", "timestamp", "labels":
		default:
			meta[k] = v
		}
	}
	if len(meta) > 0 {
		s.Metadata = meta
	}
	return s
}
