package expressions

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// refPattern matches $step_id.output with an optional dotted field path.
var refPattern = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_-]*)\.output((?:\.[A-Za-z0-9_-]+)*)`)

// ReferenceResolver replaces $step_id.output[.field] references with values
// from a StepScope. References to steps not in scope are left untouched, so
// shell variables such as $HOME survive.
type ReferenceResolver struct {
	jq *GoJQEngine
}

// NewReferenceResolver creates a resolver backed by the given jq engine.
func NewReferenceResolver(jq *GoJQEngine) *ReferenceResolver {
	if jq == nil {
		jq = NewGoJQEngine()
	}
	return &ReferenceResolver{jq: jq}
}

// ResolveString substitutes every known reference inside s. When s is exactly
// one reference the referenced value is returned with its type intact.
func (r *ReferenceResolver) ResolveString(ctx context.Context, s string, scope *StepScope) (any, error) {
	if !strings.Contains(s, "$") || scope == nil {
		return s, nil
	}
	ns := scope.Namespace()

	if loc := refPattern.FindStringSubmatchIndex(s); loc != nil && loc[0] == 0 && loc[1] == len(s) {
		id := s[loc[2]:loc[3]]
		if scope.Has(id) {
			return r.lookup(ctx, ns, id, s[loc[4]:loc[5]])
		}
		return s, nil
	}

	var firstErr error
	out := refPattern.ReplaceAllStringFunc(s, func(match string) string {
		sub := refPattern.FindStringSubmatch(match)
		if !scope.Has(sub[1]) {
			return match
		}
		val, err := r.lookup(ctx, ns, sub[1], sub[2])
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return match
		}
		return Stringify(val)
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// ResolveValue walks maps and slices, resolving references in every string.
func (r *ReferenceResolver) ResolveValue(ctx context.Context, v any, scope *StepScope) (any, error) {
	switch val := v.(type) {
	case string:
		return r.ResolveString(ctx, val, scope)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := r.ResolveValue(ctx, item, scope)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := r.ResolveValue(ctx, item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func (r *ReferenceResolver) lookup(ctx context.Context, ns map[string]any, id, fields string) (any, error) {
	return r.jq.Evaluate(ctx, jqPath(id, fields), ns)
}

// jqPath turns ("fetch", ".body.url") into .steps["fetch"].output["body"]["url"].
// Numeric segments index arrays.
func jqPath(id, fields string) string {
	var b strings.Builder
	fmt.Fprintf(&b, ".steps[%s].output", strconv.Quote(id))
	for _, part := range strings.Split(strings.TrimPrefix(fields, "."), ".") {
		if part == "" {
			continue
		}
		if n, err := strconv.Atoi(part); err == nil {
			fmt.Fprintf(&b, "[%d]", n)
			continue
		}
		fmt.Fprintf(&b, "[%s]", strconv.Quote(part))
	}
	b.WriteString("?")
	return b.String()
}
