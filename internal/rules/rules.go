// Package rules evaluates the small expression language used by business
// rules, suppression rules, derivation transforms, and custom validation.
// Expressions are compiled by expr-lang in a sandboxed environment: field
// lookup, comparisons, logical operators, literals, and regex match only —
// no host-language evaluation.
package rules

import (
	"fmt"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"go.uber.org/zap"

	"github.com/dmitriimaksimovdevelop/driftwatch/internal/model"
)

// Action is what a matched business rule does to an anomaly.
type Action string

const (
	ActionSuppress    Action = "suppress"
	ActionEscalate    Action = "escalate"
	ActionAutoResolve Action = "auto_resolve"
)

// BusinessRule post-processes candidate anomalies inside every detector.
type BusinessRule struct {
	Condition   string `json:"condition" yaml:"condition"`
	Action      Action `json:"action" yaml:"action"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Evaluator compiles and caches expressions. A failed evaluation is never
// fatal: the rule is treated as non-matching and the error is logged once
// per call site.
type Evaluator struct {
	log   *zap.Logger
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewEvaluator returns an evaluator with an empty compile cache.
func NewEvaluator(log *zap.Logger) *Evaluator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Evaluator{
		log:   log,
		cache: make(map[string]*vm.Program),
	}
}

func (e *Evaluator) compile(src string) (*vm.Program, error) {
	e.mu.RLock()
	p, ok := e.cache[src]
	e.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := expr.Compile(src, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("rules: compile %q: %w", src, err)
	}

	e.mu.Lock()
	e.cache[src] = p
	e.mu.Unlock()
	return p, nil
}

// EvalBool evaluates a condition against the environment. Non-boolean
// results and evaluation errors are reported as errors.
func (e *Evaluator) EvalBool(condition string, env map[string]any) (bool, error) {
	p, err := e.compile(condition)
	if err != nil {
		return false, err
	}
	out, err := expr.Run(p, env)
	if err != nil {
		return false, fmt.Errorf("rules: eval %q: %w", condition, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("rules: eval %q: result %T is not a boolean", condition, out)
	}
	return b, nil
}

// EvalValue evaluates a scalar expression, used by derive transformations.
func (e *Evaluator) EvalValue(src string, env map[string]any) (any, error) {
	p, err := e.compile(src)
	if err != nil {
		return nil, err
	}
	out, err := expr.Run(p, env)
	if err != nil {
		return nil, fmt.Errorf("rules: eval %q: %w", src, err)
	}
	return out, nil
}

// AnomalyEnv builds the evaluation environment for an anomaly, exposing
// the fields suppression and business conditions may reference.
func AnomalyEnv(a *model.Anomaly) map[string]any {
	env := map[string]any{
		"severity":   string(a.Severity),
		"type":       string(a.Type),
		"metric":     a.Sample.Metric,
		"source":     a.Sample.Source,
		"score":      a.Score,
		"confidence": a.Confidence,
		"value":      a.ActualValue,
		"deviation":  a.Deviation,
	}
	for k, v := range a.Context.BusinessContext {
		env[k] = v
	}
	for k, v := range a.Sample.Metadata {
		env[k] = v
	}
	return env
}

// ApplyBusinessRules runs the ordered rule list against an anomaly.
// suppress drops it (returns false); escalate bumps severity to critical;
// auto_resolve marks it resolved at now. Evaluation errors make the rule
// non-matching.
func (e *Evaluator) ApplyBusinessRules(a *model.Anomaly, ruleList []BusinessRule, now time.Time) bool {
	if len(ruleList) == 0 {
		return true
	}
	env := AnomalyEnv(a)
	for _, r := range ruleList {
		matched, err := e.EvalBool(r.Condition, env)
		if err != nil {
			e.log.Warn("business rule evaluation failed",
				zap.String("condition", r.Condition), zap.Error(err))
			continue
		}
		if !matched {
			continue
		}
		switch r.Action {
		case ActionSuppress:
			return false
		case ActionEscalate:
			a.Severity = model.SeverityCritical
		case ActionAutoResolve:
			a.Resolved = true
			t := now
			a.ResolvedAt = &t
		default:
			e.log.Warn("unknown business rule action", zap.String("action", string(r.Action)))
		}
	}
	return true
}
