package expressions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/rendis/hookflow/internal/logging"
	"github.com/rendis/hookflow/pkg/schema"
)

// celVariables are the only names a pipeline step condition can reference.
var celVariables = []string{"inputs", "steps", "env"}

// CELEngine evaluates pipeline step conditions with Google's Common Expression Language.
// Thread-safe: compiled programs are cached and reused across goroutines.
type CELEngine struct {
	env    *cel.Env
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEngine creates a CEL engine whose environment declares:
//   - inputs: map(string, dyn), the rendered pipeline inputs
//   - steps:  map(string, dyn), prior step outputs as {id: {output: ...}}
//   - env:    map(string, dyn), the filtered environment snapshot
func NewCELEngine(logger *slog.Logger) (*CELEngine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	mapType := cel.MapType(cel.StringType, cel.DynType)

	opts := make([]cel.EnvOption, 0, len(celVariables))
	for _, name := range celVariables {
		opts = append(opts, cel.Variable(name, mapType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEngine{
		env:    env,
		logger: logger,
		cache:  make(map[string]cel.Program),
	}, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string {
	return "cel"
}

// Evaluate compiles (or retrieves from cache) a CEL expression and evaluates it.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.ContextEval(ctx, buildActivation(data))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
			"CEL evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return out.Value(), nil
}

// EvaluateBool runs a step condition. Compile errors, runtime errors and
// non-boolean results all count as false and are logged.
func (e *CELEngine) EvaluateBool(ctx context.Context, expression string, data map[string]any) bool {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		logging.LogWith(ctx, e.logger).WarnContext(ctx, "step condition failed, treating as false",
			slog.String("expression", expression),
			slog.String("error", err.Error()),
		)
		return false
	}
	b, ok := out.(bool)
	if !ok {
		logging.LogWith(ctx, e.logger).WarnContext(ctx, "step condition is not boolean",
			slog.String("expression", expression),
			slog.String("type", fmt.Sprintf("%T", out)),
		)
		return false
	}
	return b
}

// Check compiles an expression without running it.
func (e *CELEngine) Check(expression string) error {
	_, err := e.getOrCompile(expression)
	return err
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
func (e *CELEngine) getOrCompile(expression string) (cel.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

// buildActivation fills missing variables with empty maps so a condition
// referencing an absent namespace fails on the key lookup, not on the variable.
func buildActivation(data map[string]any) map[string]any {
	activation := make(map[string]any, len(celVariables))
	for _, key := range celVariables {
		switch v := data[key].(type) {
		case nil:
			activation[key] = map[string]any{}
		case map[string]string:
			m := make(map[string]any, len(v))
			for k, s := range v {
				m[k] = s
			}
			activation[key] = m
		default:
			activation[key] = v
		}
	}
	return activation
}

var (
	_ Engine             = (*CELEngine)(nil)
	_ ConditionEvaluator = (*CELEngine)(nil)
)
