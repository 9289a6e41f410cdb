package actions

import (
	"context"
	"encoding/json"

	"github.com/rendis/hookflow/pkg/schema"
)

// Result keys the engine reads back from action results.
const (
	KeyInjectContext = "inject_context"
	KeySystemMessage = "system_message"
	KeyDecision      = "decision"
	KeyReason        = "reason"
	KeyError         = "error"
)

// Action is one named handler an action list entry can invoke.
type Action interface {
	Name() string
	Schema() ActionSchema
	Validate(params map[string]any) error
	Execute(ctx context.Context, actx *ActionContext, params map[string]any) (Result, error)
}

// ActionSchema describes an action's parameters.
type ActionSchema struct {
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Description string          `json:"description,omitempty"`
}

// ActionInfo is a summary of a registered action for listing.
type ActionInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Result is the map an action returns. The empty Result means "nothing to report".
type Result map[string]any

// Context returns the text the action wants injected into the agent context.
func (r Result) Context() string {
	s, _ := r[KeyInjectContext].(string)
	return s
}

// SystemMessage returns the user-facing message, if any.
func (r Result) SystemMessage() string {
	s, _ := r[KeySystemMessage].(string)
	return s
}

// Decision returns the verdict carried by the result, if any.
func (r Result) Decision() (schema.Decision, bool) {
	v, ok := r[KeyDecision]
	if !ok {
		return "", false
	}
	return schema.ParseDecision(v)
}

// Reason returns the reason attached to a decision.
func (r Result) Reason() string {
	s, _ := r[KeyReason].(string)
	return s
}

// Err returns the error message of a failed action, or "".
func (r Result) Err() string {
	s, _ := r[KeyError].(string)
	return s
}
