package pipeline

import (
	"context"
	"log/slog"
	"strings"

	"github.com/rendis/hookflow/internal/expressions"
	"github.com/rendis/hookflow/internal/isolation"
	"github.com/rendis/hookflow/internal/logging"
	"github.com/rendis/hookflow/pkg/schema"
)

// namespace is {inputs, steps: {id: {output}}, env} for one step.
func (e *Executor) namespace(scope *expressions.StepScope) map[string]any {
	ns := scope.Namespace()
	env := e.cfg.Renderer.EnvSnapshot()
	envMap := make(map[string]any, len(env))
	for k, v := range env {
		envMap[k] = v
	}
	ns[expressions.EnvNamespace] = envMap
	return ns
}

// conditionHolds evaluates a step condition with CEL. Placeholders are
// rendered first. Any failure counts as false.
func (e *Executor) conditionHolds(ctx context.Context, condition string, ns map[string]any) bool {
	if e.cfg.Conditions == nil {
		logging.LogWith(ctx, e.logger).WarnContext(ctx, "no condition evaluator, skipping step",
			slog.String("condition", condition))
		return false
	}
	if expressions.HasPlaceholder(condition) {
		rendered, err := e.cfg.Renderer.RenderString(ctx, condition, ns)
		if err != nil {
			return false
		}
		condition = rendered
	}
	return e.cfg.Conditions.EvaluateBool(ctx, condition, ns)
}

func (e *Executor) runStep(ctx context.Context, step *schema.PipelineStep, ns map[string]any, scope *expressions.StepScope) (any, error) {
	var (
		output any
		err    error
	)
	switch step.Kind() {
	case "exec":
		output, err = e.runExec(ctx, step, ns, scope)
	case "prompt":
		output, err = e.runPrompt(ctx, step, ns, scope)
	case "mcp":
		output, err = e.runMCP(ctx, step, ns, scope)
	default:
		err = schema.NewError(schema.ErrCodeValidation, "step has no exec, prompt or mcp")
	}
	if err != nil {
		return nil, wrapStepError(step.ID, err)
	}
	if step.OutputFilter != "" {
		filtered, ferr := e.cfg.JQ.Filter(ctx, step.OutputFilter, output)
		if ferr != nil {
			return nil, wrapStepError(step.ID, ferr)
		}
		output = filtered
	}
	return output, nil
}

// renderField renders placeholders then resolves $step.output references.
func (e *Executor) renderField(ctx context.Context, field string, ns map[string]any, scope *expressions.StepScope) (string, error) {
	rendered, err := e.cfg.Renderer.RenderString(ctx, field, ns)
	if err != nil {
		return "", err
	}
	resolved, err := e.resolver.ResolveString(ctx, rendered, scope)
	if err != nil {
		return "", err
	}
	return expressions.Stringify(resolved), nil
}

func (e *Executor) runExec(ctx context.Context, step *schema.PipelineStep, ns map[string]any, scope *expressions.StepScope) (any, error) {
	command, err := e.renderField(ctx, step.Exec, ns, scope)
	if err != nil {
		return nil, err
	}
	res, err := e.cfg.Runner.Run(ctx, isolation.Command{Script: command})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(res.Stdout)
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "command exited with code %d: %s", res.ExitCode, msg).
			WithDetails(map[string]any{"exit_code": res.ExitCode, "killed": res.Killed})
	}
	return map[string]any{
		"stdout":    res.Stdout,
		"stderr":    res.Stderr,
		"exit_code": res.ExitCode,
	}, nil
}

func (e *Executor) runPrompt(ctx context.Context, step *schema.PipelineStep, ns map[string]any, scope *expressions.StepScope) (any, error) {
	if e.cfg.LLM == nil {
		return nil, schema.NewError(schema.ErrCodeActionUnavailable, "no llm provider configured")
	}
	prompt, err := e.renderField(ctx, step.Prompt, ns, scope)
	if err != nil {
		return nil, err
	}
	return e.cfg.LLM.Generate(ctx, prompt, "")
}

func (e *Executor) runMCP(ctx context.Context, step *schema.PipelineStep, ns map[string]any, scope *expressions.StepScope) (any, error) {
	if e.cfg.MCP == nil {
		return nil, schema.NewError(schema.ErrCodeActionUnavailable, "no mcp servers configured")
	}
	args := map[string]any{}
	if len(step.MCP.Arguments) > 0 {
		rendered, err := e.cfg.Renderer.RenderParams(ctx, step.MCP.Arguments, ns)
		if err != nil {
			return nil, err
		}
		resolved, err := e.resolver.ResolveValue(ctx, rendered, scope)
		if err != nil {
			return nil, err
		}
		args = resolved.(map[string]any)
	}
	return e.cfg.MCP.CallTool(ctx, step.MCP.Server, step.MCP.Tool, args)
}

func wrapStepError(stepID string, err error) error {
	if he, ok := err.(*schema.HookflowError); ok {
		if he.StepID == "" {
			he.StepID = stepID
		}
		return he
	}
	return schema.NewErrorf(schema.ErrCodeExecution, "%s", err.Error()).WithStep(stepID).WithCause(err)
}

