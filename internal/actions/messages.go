package actions

import (
	"context"
	"fmt"
	"strings"

	"github.com/rendis/hookflow/pkg/schema"
)

// MessageActions returns inject_message, switch_mode and decide.
func MessageActions() []Action {
	return []Action{
		&injectMessageAction{meta{
			name:        "inject_message",
			description: "Inject rendered text into the agent context",
			input:       `{"type":"object","properties":{"content":{"type":"string"}},"required":["content"]}`,
		}},
		&switchModeAction{meta{
			name:        "switch_mode",
			description: "Tell the agent to switch to another working mode",
			input:       `{"type":"object","properties":{"mode":{"type":"string"},"message":{"type":"string"}},"required":["mode"]}`,
		}},
		&decideAction{meta{
			name:        "decide",
			description: "Return an explicit allow, deny or ask verdict",
			input:       `{"type":"object","properties":{"decision":{"type":"string","enum":["allow","deny","ask","block"]},"reason":{"type":"string"}},"required":["decision"]}`,
		}},
	}
}

// --- injectMessageAction ---

type injectMessageAction struct{ meta }

func (a *injectMessageAction) Validate(params map[string]any) error {
	return requireParam(params, "content")
}

// Execute renders content. Every other parameter is available to the
// template under its own name.
func (a *injectMessageAction) Execute(ctx context.Context, actx *ActionContext, params map[string]any) (Result, error) {
	content := stringParam(params, "content", "")
	rendered, err := actx.RenderString(ctx, content, without(params, "content"))
	if err != nil {
		return nil, err
	}
	return Result{KeyInjectContext: rendered}, nil
}

// --- switchModeAction ---

type switchModeAction struct{ meta }

func (a *switchModeAction) Validate(params map[string]any) error {
	return requireParam(params, "mode")
}

func (a *switchModeAction) Execute(ctx context.Context, actx *ActionContext, params map[string]any) (Result, error) {
	mode, err := actx.RenderString(ctx, stringParam(params, "mode", ""), nil)
	if err != nil {
		return nil, err
	}
	text := fmt.Sprintf("SYSTEM: switch to %s mode.", strings.ToUpper(mode))
	if msg := stringParam(params, "message", ""); msg != "" {
		extra, err := actx.RenderString(ctx, msg, map[string]any{"mode": mode})
		if err != nil {
			return nil, err
		}
		text += " " + extra
	}
	return Result{KeyInjectContext: text, "mode": mode}, nil
}

// --- decideAction ---

type decideAction struct{ meta }

func (a *decideAction) Validate(params map[string]any) error {
	if err := requireParam(params, "decision"); err != nil {
		return err
	}
	if s, ok := params["decision"].(string); ok && !strings.Contains(s, "{{") {
		if _, ok := schema.ParseDecision(s); !ok {
			return schema.NewErrorf(schema.ErrCodeValidation, "invalid decision %q", s)
		}
	}
	return nil
}

func (a *decideAction) Execute(ctx context.Context, actx *ActionContext, params map[string]any) (Result, error) {
	raw, err := actx.RenderString(ctx, stringParam(params, "decision", ""), nil)
	if err != nil {
		return nil, err
	}
	decision, ok := schema.ParseDecision(strings.ToLower(strings.TrimSpace(raw)))
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid decision %q", raw)
	}
	reason, err := actx.RenderString(ctx, stringParam(params, "reason", ""), nil)
	if err != nil {
		return nil, err
	}
	return Result{KeyDecision: string(decision), KeyReason: reason}, nil
}
