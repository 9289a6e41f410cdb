package expressions

import "context"

// Engine evaluates expressions against a namespace.
// Three implementations: SafeEvaluator (workflow conditions), CEL (pipeline
// step conditions) and GoJQ (step-output references and filters).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// ConditionEvaluator answers boolean questions and fails closed.
type ConditionEvaluator interface {
	EvaluateBool(ctx context.Context, expression string, data map[string]any) bool
}
