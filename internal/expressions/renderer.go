package expressions

import (
	"context"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/rendis/hookflow/internal/logging"
	"github.com/rendis/hookflow/pkg/schema"
)

var (
	// placeholderPattern matches ${{ body }} and {{ body }}. The ${{ form is
	// tried first so its leading $ is consumed with it.
	placeholderPattern = regexp.MustCompile(`\$\{\{\s*(.*?)\s*\}\}|\{\{\s*(.*?)\s*\}\}`)
	dottedPathPattern  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z0-9_-]+)*$`)
	intPattern         = regexp.MustCompile(`^-?(0|[1-9][0-9]*)$`)
	floatPattern       = regexp.MustCompile(`^-?(0|[1-9][0-9]*)?(\.[0-9]+)?([eE][-+]?[0-9]+)?$`)
)

// EnvNamespace is the namespace key under which the filtered environment is exposed.
const EnvNamespace = "env"

// Renderer substitutes placeholders in action parameters and pipeline fields.
// Dotted paths (a.b.c) are looked up directly and render as "" when missing.
// Any other body is evaluated by the SafeEvaluator.
type Renderer struct {
	evaluator *SafeEvaluator
	filter    EnvFilter
	environ   func() []string
	logger    *slog.Logger
}

// NewRenderer creates a renderer reading the process environment through filter.
func NewRenderer(evaluator *SafeEvaluator, filter EnvFilter, logger *slog.Logger) *Renderer {
	if logger == nil {
		logger = slog.Default()
	}
	if evaluator == nil {
		evaluator = NewSafeEvaluator(logger)
	}
	return &Renderer{
		evaluator: evaluator,
		filter:    filter,
		environ:   os.Environ,
		logger:    logger,
	}
}

// WithEnviron returns a copy of the renderer that snapshots environ instead of os.Environ.
func (r *Renderer) WithEnviron(environ func() []string) *Renderer {
	cp := *r
	cp.environ = environ
	return &cp
}

// EnvSnapshot captures the filtered environment. Called once per render.
func (r *Renderer) EnvSnapshot() map[string]string {
	if r.environ == nil {
		return map[string]string{}
	}
	return r.filter.Snapshot(r.environ())
}

// Render substitutes placeholders and coerces the result when the template
// contained at least one placeholder.
func (r *Renderer) Render(ctx context.Context, template string, ns map[string]any) (any, error) {
	if !HasPlaceholder(template) {
		return template, nil
	}
	s, err := r.render(ctx, template, r.withEnv(ns))
	if err != nil {
		return nil, err
	}
	return Coerce(s), nil
}

// RenderString substitutes placeholders without coercion.
func (r *Renderer) RenderString(ctx context.Context, template string, ns map[string]any) (string, error) {
	if !HasPlaceholder(template) {
		return template, nil
	}
	return r.render(ctx, template, r.withEnv(ns))
}

// RenderValue renders every string inside maps and slices. The environment is
// captured once for the whole value.
func (r *Renderer) RenderValue(ctx context.Context, v any, ns map[string]any) (any, error) {
	return r.renderValue(ctx, v, r.withEnv(ns))
}

// RenderParams renders an action parameter map.
func (r *Renderer) RenderParams(ctx context.Context, params map[string]any, ns map[string]any) (map[string]any, error) {
	if params == nil {
		return map[string]any{}, nil
	}
	out, err := r.RenderValue(ctx, params, ns)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func (r *Renderer) renderValue(ctx context.Context, v any, ns map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		if !HasPlaceholder(val) {
			return val, nil
		}
		s, err := r.render(ctx, val, ns)
		if err != nil {
			return nil, err
		}
		return Coerce(s), nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			rendered, err := r.renderValue(ctx, item, ns)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			rendered, err := r.renderValue(ctx, item, ns)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}

func (r *Renderer) withEnv(ns map[string]any) map[string]any {
	out := make(map[string]any, len(ns)+1)
	for k, v := range ns {
		out[k] = v
	}
	if _, ok := out[EnvNamespace]; !ok {
		env := r.EnvSnapshot()
		m := make(map[string]any, len(env))
		for k, v := range env {
			m[k] = v
		}
		out[EnvNamespace] = m
	}
	return out
}

func (r *Renderer) render(ctx context.Context, template string, ns map[string]any) (string, error) {
	var renderErr error
	out := placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		if renderErr != nil {
			return match
		}
		sub := placeholderPattern.FindStringSubmatch(match)
		body := sub[1]
		if body == "" {
			body = sub[2]
		}
		val, err := r.resolve(ctx, body, ns)
		if err != nil {
			renderErr = err
			return match
		}
		return Stringify(val)
	})
	if renderErr != nil {
		logging.LogWith(ctx, r.logger).WarnContext(ctx, "template rejected",
			slog.String("template", template),
			slog.String("error", renderErr.Error()),
		)
		return "", schema.NewErrorf(schema.ErrCodeInterpolation,
			"render %q: %s", template, renderErr.Error()).WithCause(renderErr)
	}
	return out, nil
}

func (r *Renderer) resolve(ctx context.Context, body string, ns map[string]any) (any, error) {
	if body == "" {
		return "", nil
	}
	if dottedPathPattern.MatchString(body) {
		return LookupPath(ns, body), nil
	}
	return r.evaluator.Evaluate(ctx, body, ns)
}

// HasPlaceholder reports whether s contains a {{ }} or ${{ }} placeholder.
func HasPlaceholder(s string) bool {
	return strings.Contains(s, "{{") && placeholderPattern.MatchString(s)
}

// LookupPath walks a dotted path through nested maps and slices. Missing
// segments yield nil.
func LookupPath(ns map[string]any, path string) any {
	var cur any = ns
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil
			}
			cur = v
		case map[string]string:
			v, ok := node[part]
			if !ok {
				return nil
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return nil
			}
			cur = node[i]
		default:
			return nil
		}
	}
	return cur
}

// Coerce converts a rendered string into a bool, int, float or nil when it
// unambiguously has that lexical form. Anything else is returned unchanged.
func Coerce(s string) any {
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	case "null", "none":
		return nil
	}
	if intPattern.MatchString(s) {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
		return s
	}
	if strings.ContainsAny(s, ".eE") && floatPattern.MatchString(s) && strings.ContainsAny(s, "0123456789") {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return s
}
