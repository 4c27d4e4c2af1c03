package expressions

import (
	"context"

	"github.com/rendis/flowrun/pkg/schema"
)

// ConditionEvaluator evaluates branching conditions to a strict boolean.
// It is pure: no I/O, no side effects, no host code execution. Conditions
// are compiled by a restricted expression engine after ${name} placeholders
// are rewritten into map references.
type ConditionEvaluator struct {
	engine Engine
}

// NewConditionEvaluator creates an evaluator backed by the given engine.
// A nil engine falls back to a fresh CEL engine.
func NewConditionEvaluator(engine Engine) (*ConditionEvaluator, error) {
	if engine == nil {
		cel, err := NewCELEngine()
		if err != nil {
			return nil, err
		}
		engine = cel
	}
	return &ConditionEvaluator{engine: engine}, nil
}

// EvaluateBool evaluates the expression against the bindings and requires a
// boolean result. Every failure mode — parse error, unknown binding,
// non-boolean result — surfaces as a CONDITION_ERROR FlowError; the caller
// decides the branching policy for those.
func (ce *ConditionEvaluator) EvaluateBool(ctx context.Context, expression string, bindings map[string]any) (bool, error) {
	rewritten, err := RewritePlaceholders(expression)
	if err != nil {
		return false, err
	}

	out, err := ce.engine.Evaluate(ctx, rewritten, bindings)
	if err != nil {
		return false, err
	}

	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeCondition,
			"expression %q must evaluate to bool, got %T", expression, out).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}

// BuildBindings assembles the condition binding context from an execution's
// variables and latest per-step results. Results take precedence on key
// collision: the most recent information wins. Each result is bound as a
// map with success, output, message and error keys.
func BuildBindings(variables map[string]any, results map[string]schema.StepResult) map[string]any {
	bindings := make(map[string]any, len(variables)+len(results))
	for k, v := range variables {
		bindings[k] = v
	}
	for id, res := range results {
		bindings[id] = map[string]any{
			"success": res.Success,
			"output":  res.Output,
			"message": res.Message,
			"error":   res.Error,
		}
	}
	return bindings
}
