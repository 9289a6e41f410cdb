package actions

import (
	"context"
	"fmt"

	"github.com/rendis/hookflow/pkg/schema"
)

// StopReasonCompleted is written by mark_loop_complete.
const StopReasonCompleted = "completed"

// VariableActions returns the variable actions. Each takes an optional
// "workflow" parameter selecting an instance scope instead of the session.
func VariableActions() []Action {
	return []Action{
		&setVariableAction{meta{
			name:        "set_variable",
			description: "Set a session or workflow-instance variable",
			input:       `{"type":"object","properties":{"name":{"type":"string"},"value":{},"workflow":{"type":"string"}},"required":["name"]}`,
		}},
		&incrementVariableAction{meta{
			name:        "increment_variable",
			description: "Add to a numeric variable, starting from 0",
			input:       `{"type":"object","properties":{"name":{"type":"string"},"amount":{"type":"number"},"workflow":{"type":"string"}},"required":["name"]}`,
		}},
		&getVariableAction{meta{
			name:        "get_variable",
			description: "Read a session or workflow-instance variable",
			input:       `{"type":"object","properties":{"name":{"type":"string"},"workflow":{"type":"string"}},"required":["name"]}`,
		}},
		&markLoopCompleteAction{meta{
			name:        "mark_loop_complete",
			description: "Record that the session's work loop is finished",
		}},
	}
}

// scopeMissing converts a missing instance into the result shape callers see.
func scopeMissing(err error, workflow string) (Result, bool) {
	if workflow != "" && schema.IsNotFound(err) {
		return Result{"ok": false, KeyError: fmt.Sprintf("%s not found", workflow)}, true
	}
	return nil, false
}

// --- setVariableAction ---

type setVariableAction struct{ meta }

func (a *setVariableAction) Validate(params map[string]any) error {
	return requireParam(params, "name")
}

func (a *setVariableAction) Execute(ctx context.Context, actx *ActionContext, params map[string]any) (Result, error) {
	name := stringParam(params, "name", "")
	workflow := stringParam(params, "workflow", "")
	value, err := actx.RenderValue(ctx, params["value"], nil)
	if err != nil {
		return nil, err
	}
	if err := actx.SetVariable(ctx, workflow, name, value); err != nil {
		if res, ok := scopeMissing(err, workflow); ok {
			return res, nil
		}
		return nil, err
	}
	return Result{"ok": true, "variable": name, "value": value}, nil
}

// --- incrementVariableAction ---

type incrementVariableAction struct{ meta }

func (a *incrementVariableAction) Validate(params map[string]any) error {
	if err := requireParam(params, "name"); err != nil {
		return err
	}
	if v, ok := params["amount"]; ok {
		if _, isNum := toNumber(v); !isNum {
			return schema.NewErrorf(schema.ErrCodeValidation, "amount must be a number, got %T", v)
		}
	}
	return nil
}

func (a *incrementVariableAction) Execute(ctx context.Context, actx *ActionContext, params map[string]any) (Result, error) {
	name := stringParam(params, "name", "")
	workflow := stringParam(params, "workflow", "")
	amount := 1.0
	if v, ok := params["amount"]; ok {
		amount, _ = toNumber(v)
	}

	vars, err := actx.Variables(ctx, workflow)
	if err != nil {
		if res, ok := scopeMissing(err, workflow); ok {
			return res, nil
		}
		return nil, err
	}
	current := 0.0
	if v, ok := vars[name]; ok && v != nil {
		n, isNum := toNumber(v)
		if !isNum {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "variable %q is not numeric", name)
		}
		current = n
	}
	value := normalizeNumber(current + amount)
	if err := actx.SetVariable(ctx, workflow, name, value); err != nil {
		return nil, err
	}
	return Result{"ok": true, "variable": name, "value": value}, nil
}

// --- getVariableAction ---

type getVariableAction struct{ meta }

func (a *getVariableAction) Validate(params map[string]any) error {
	return requireParam(params, "name")
}

func (a *getVariableAction) Execute(ctx context.Context, actx *ActionContext, params map[string]any) (Result, error) {
	name := stringParam(params, "name", "")
	workflow := stringParam(params, "workflow", "")
	vars, err := actx.Variables(ctx, workflow)
	if err != nil {
		if res, ok := scopeMissing(err, workflow); ok {
			return res, nil
		}
		return nil, err
	}
	value, found := vars[name]
	return Result{"ok": true, "variable": name, "value": value, "found": found}, nil
}

// --- markLoopCompleteAction ---

type markLoopCompleteAction struct{ meta }

func (a *markLoopCompleteAction) Validate(map[string]any) error { return nil }

func (a *markLoopCompleteAction) Execute(_ context.Context, actx *ActionContext, _ map[string]any) (Result, error) {
	actx.State.Variables["stop_reason"] = StopReasonCompleted
	actx.State.StopReason = StopReasonCompleted
	actx.MarkStateDirty()
	return Result{"loop_complete": true}, nil
}
