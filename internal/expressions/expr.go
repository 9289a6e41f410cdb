package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/hookflow/internal/logging"
	"github.com/rendis/hookflow/pkg/schema"
)

// AllowedFunctions is the complete set of callable helpers inside conditions.
var AllowedFunctions = []string{"len", "bool", "str", "int"}

// SafeEvaluator evaluates workflow conditions with expr-lang/expr in a
// restricted configuration: every expr builtin is disabled, only the helpers
// in AllowedFunctions are registered, and the environment is typed from the
// supplied namespace so references to unknown names fail at compile time.
// The namespace is sanitized to plain maps, slices and scalars before use,
// which leaves no host objects to call methods on.
// Thread-safe: compiled programs are cached per expression and namespace shape.
type SafeEvaluator struct {
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewSafeEvaluator creates an evaluator. A nil logger means slog.Default().
func NewSafeEvaluator(logger *slog.Logger) *SafeEvaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &SafeEvaluator{
		logger: logger,
		cache:  make(map[string]*vm.Program),
	}
}

// Name returns the engine identifier.
func (e *SafeEvaluator) Name() string {
	return "expr"
}

// Evaluate compiles (or retrieves from cache) an expression and runs it against data.
// Any construct outside the restricted grammar yields an EVALUATION_ERROR.
func (e *SafeEvaluator) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expression")
	}

	env := Sanitize(data)
	prg, err := e.getOrCompile(expression, env)
	if err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
			"evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

// EvaluateBool evaluates a condition and reports its truthiness. It never
// returns an error: rejected or failing expressions are logged and count as false.
func (e *SafeEvaluator) EvaluateBool(ctx context.Context, expression string, data map[string]any) bool {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		logging.LogWith(ctx, e.logger).WarnContext(ctx, "condition rejected, treating as false",
			slog.String("expression", expression),
			slog.String("error", err.Error()),
		)
		return false
	}
	return Truthy(out)
}

// Check compiles an expression against a namespace containing only the given
// top-level names. It is used to validate definitions before they run.
func (e *SafeEvaluator) Check(expression string, names ...string) error {
	env := make(map[string]any, len(names))
	for _, n := range names {
		env[n] = map[string]any{}
	}
	_, err := e.compile(expression, env)
	return err
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
func (e *SafeEvaluator) getOrCompile(expression string, env map[string]any) (*vm.Program, error) {
	key := cacheKey(expression, env)

	e.mu.RLock()
	if prg, ok := e.cache[key]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[key]; ok {
		return prg, nil
	}

	prg, err := e.compile(expression, env)
	if err != nil {
		return nil, err
	}
	e.cache[key] = prg
	return prg, nil
}

func (e *SafeEvaluator) compile(expression string, env map[string]any) (*vm.Program, error) {
	prg, err := expr.Compile(expression,
		expr.Env(env),
		expr.DisableAllBuiltins(),
		expr.Function("len", lenFunc),
		expr.Function("bool", boolFunc),
		expr.Function("str", strFunc),
		expr.Function("int", intFunc),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
			"expression %q rejected: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return prg, nil
}

// cacheKey combines the expression with the names and dynamic types of the
// top-level namespace entries, which is what the compiler type-checks against.
func cacheKey(expression string, env map[string]any) string {
	names := make([]string, 0, len(env))
	for k := range env {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(expression)
	for _, n := range names {
		b.WriteByte(0)
		b.WriteString(n)
		b.WriteByte(':')
		b.WriteString(fmt.Sprintf("%T", env[n]))
	}
	return b.String()
}

// Sanitize deep-copies data into plain JSON-shaped values: maps, slices,
// strings, bools, ints, floats and nil. Anything else is round-tripped through
// JSON so no Go methods remain reachable from an expression.
func Sanitize(data map[string]any) map[string]any {
	if data == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case nil, string, bool, int, int64, float64:
		return val
	case int32:
		return int(val)
	case float32:
		return float64(val)
	case map[string]any:
		return Sanitize(val)
	case map[string]string:
		out := make(map[string]any, len(val))
		for k, s := range val {
			out[k] = s
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return int(i)
		}
		f, _ := val.Float64()
		return f
	}

	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	var decoded any
	if err := json.Unmarshal(b, &decoded); err != nil {
		return string(b)
	}
	return sanitizeValue(decoded)
}

// Truthy applies conventional truthiness: false, nil, zero numbers and empty
// strings or collections are false.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array, reflect.String:
		return rv.Len() > 0
	}
	return true
}

func lenFunc(params ...any) (any, error) {
	if len(params) != 1 {
		return nil, fmt.Errorf("len() takes exactly one argument")
	}
	switch v := params[0].(type) {
	case nil:
		return 0, nil
	case string:
		return utf8.RuneCountInString(v), nil
	case []any:
		return len(v), nil
	case map[string]any:
		return len(v), nil
	}
	rv := reflect.ValueOf(params[0])
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array, reflect.String:
		return rv.Len(), nil
	}
	return nil, fmt.Errorf("len() of unsized type %T", params[0])
}

func boolFunc(params ...any) (any, error) {
	if len(params) != 1 {
		return nil, fmt.Errorf("bool() takes exactly one argument")
	}
	return Truthy(params[0]), nil
}

func strFunc(params ...any) (any, error) {
	if len(params) != 1 {
		return nil, fmt.Errorf("str() takes exactly one argument")
	}
	return Stringify(params[0]), nil
}

func intFunc(params ...any) (any, error) {
	if len(params) != 1 {
		return nil, fmt.Errorf("int() takes exactly one argument")
	}
	switch v := params[0].(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("int() of non-finite float")
		}
		return int(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case string:
		s := strings.TrimSpace(v)
		if n, err := strconv.Atoi(s); err == nil {
			return n, nil
		}
		return nil, fmt.Errorf("int() invalid literal %q", v)
	}
	return nil, fmt.Errorf("int() of unsupported type %T", params[0])
}

// Stringify renders a value the way templates embed it: strings verbatim,
// nil as empty, collections as JSON.
func Stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

var (
	_ Engine             = (*SafeEvaluator)(nil)
	_ ConditionEvaluator = (*SafeEvaluator)(nil)
)
