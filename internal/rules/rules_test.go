package rules

import (
	"testing"
	"time"

	"github.com/dmitriimaksimovdevelop/driftwatch/internal/model"
)

func TestEvalBool(t *testing.T) {
	e := NewEvaluator(nil)

	tests := []struct {
		name    string
		cond    string
		env     map[string]any
		want    bool
		wantErr bool
	}{
		{"comparison true", "score > 0.5", map[string]any{"score": 0.8}, true, false},
		{"comparison false", "score > 0.5", map[string]any{"score": 0.2}, false, false},
		{"logical and", `severity == "high" && score >= 0.7`, map[string]any{"severity": "high", "score": 0.7}, true, false},
		{"undefined variable is nil", "missing == nil", map[string]any{}, true, false},
		{"non-boolean result", "score + 1", map[string]any{"score": 1.0}, false, true},
		{"syntax error", "score >", map[string]any{"score": 1.0}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.EvalBool(tt.cond, tt.env)
			if (err != nil) != tt.wantErr {
				t.Fatalf("EvalBool(%q) error = %v, wantErr %v", tt.cond, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("EvalBool(%q) = %v, want %v", tt.cond, got, tt.want)
			}
		})
	}
}

func TestEvalBoolCachesPrograms(t *testing.T) {
	e := NewEvaluator(nil)
	for i := 0; i < 3; i++ {
		ok, err := e.EvalBool("value > 10", map[string]any{"value": 20.0})
		if err != nil || !ok {
			t.Fatalf("iteration %d: got %v, %v", i, ok, err)
		}
	}
	if len(e.cache) != 1 {
		t.Errorf("cache size = %d, want 1", len(e.cache))
	}
}

func TestAnomalyEnv(t *testing.T) {
	a := &model.Anomaly{
		Type:        model.AnomalySpike,
		Severity:    model.SeverityHigh,
		Score:       0.8,
		Confidence:  0.9,
		ActualValue: 42,
		Deviation:   3.2,
		Sample: model.Sample{
			Source:   "web-1",
			Metric:   "cpu_usage",
			Metadata: map[string]any{"region": "eu"},
		},
		Context: model.AnomalyContext{
			BusinessContext: map[string]any{"tier": "gold"},
		},
	}
	env := AnomalyEnv(a)

	if env["severity"] != "high" || env["type"] != "spike" {
		t.Errorf("env severity/type = %v/%v", env["severity"], env["type"])
	}
	if env["metric"] != "cpu_usage" || env["source"] != "web-1" {
		t.Errorf("env metric/source = %v/%v", env["metric"], env["source"])
	}
	if env["tier"] != "gold" {
		t.Error("business context not merged into env")
	}
	if env["region"] != "eu" {
		t.Error("sample metadata not merged into env")
	}
}

func TestApplyBusinessRules(t *testing.T) {
	e := NewEvaluator(nil)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	newAnomaly := func() *model.Anomaly {
		return &model.Anomaly{
			Severity: model.SeverityMedium,
			Score:    0.6,
			Sample:   model.Sample{Metric: "errors"},
		}
	}

	t.Run("suppress drops the anomaly", func(t *testing.T) {
		a := newAnomaly()
		keep := e.ApplyBusinessRules(a, []BusinessRule{
			{Condition: "score > 0.5", Action: ActionSuppress},
		}, now)
		if keep {
			t.Error("matched suppress rule should drop the anomaly")
		}
	})

	t.Run("escalate bumps severity to critical", func(t *testing.T) {
		a := newAnomaly()
		keep := e.ApplyBusinessRules(a, []BusinessRule{
			{Condition: "score > 0.5", Action: ActionEscalate},
		}, now)
		if !keep {
			t.Fatal("escalate must not drop the anomaly")
		}
		if a.Severity != model.SeverityCritical {
			t.Errorf("severity = %v, want critical", a.Severity)
		}
	})

	t.Run("auto_resolve marks resolved at now", func(t *testing.T) {
		a := newAnomaly()
		keep := e.ApplyBusinessRules(a, []BusinessRule{
			{Condition: "score > 0.5", Action: ActionAutoResolve},
		}, now)
		if !keep {
			t.Fatal("auto_resolve must not drop the anomaly")
		}
		if !a.Resolved || a.ResolvedAt == nil || !a.ResolvedAt.Equal(now) {
			t.Errorf("resolved = %v at %v, want true at %v", a.Resolved, a.ResolvedAt, now)
		}
	})

	t.Run("non-matching rule leaves the anomaly alone", func(t *testing.T) {
		a := newAnomaly()
		keep := e.ApplyBusinessRules(a, []BusinessRule{
			{Condition: "score > 0.9", Action: ActionSuppress},
		}, now)
		if !keep || a.Severity != model.SeverityMedium {
			t.Error("non-matching rule changed the anomaly")
		}
	})

	t.Run("broken condition is non-matching", func(t *testing.T) {
		a := newAnomaly()
		keep := e.ApplyBusinessRules(a, []BusinessRule{
			{Condition: "((", Action: ActionSuppress},
		}, now)
		if !keep {
			t.Error("failed evaluation must not suppress")
		}
	})

	t.Run("rules apply in order", func(t *testing.T) {
		a := newAnomaly()
		keep := e.ApplyBusinessRules(a, []BusinessRule{
			{Condition: "score > 0.5", Action: ActionEscalate},
			{Condition: `severity == "critical"`, Action: ActionSuppress},
		}, now)
		// The env is built once per call, so the second rule still sees
		// the original severity.
		if !keep {
			t.Error("second rule should not see the escalated severity")
		}
	})
}

func TestSuppressionRuleActiveAt(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	before := now.Add(-time.Hour)
	after := now.Add(time.Hour)

	tests := []struct {
		name string
		rule model.SuppressionRule
		want bool
	}{
		{"disabled", model.SuppressionRule{Enabled: false}, false},
		{"no bounds", model.SuppressionRule{Enabled: true}, true},
		{"inside window", model.SuppressionRule{Enabled: true, StartsAt: &before, EndsAt: &after}, true},
		{"not started", model.SuppressionRule{Enabled: true, StartsAt: &after}, false},
		{"expired", model.SuppressionRule{Enabled: true, EndsAt: &before}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rule.ActiveAt(now); got != tt.want {
				t.Errorf("ActiveAt = %v, want %v", got, tt.want)
			}
		})
	}
}
