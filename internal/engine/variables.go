package engine

import (
	"context"

	"github.com/rendis/hookflow/pkg/schema"
)

// Variables returns a copy of the session variables, or of the named
// lifecycle instance's variables when workflow is set.
func (e *Engine) Variables(ctx context.Context, sessionID, workflow string) (map[string]any, error) {
	if sessionID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "session id is required")
	}
	if workflow != "" {
		inst, err := e.cfg.Instances.Get(ctx, sessionID, workflow)
		if err != nil {
			return nil, err
		}
		if inst == nil {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no instance of workflow %s for session %s", workflow, sessionID)
		}
		return copyMap(inst.Variables), nil
	}
	st, err := e.cfg.States.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return map[string]any{}, nil
	}
	return copyMap(st.Variables), nil
}

// SetVariable writes one variable. A lifecycle instance is created from its
// definition when the session has none yet.
func (e *Engine) SetVariable(ctx context.Context, sessionID, workflow, name string, value any) error {
	if sessionID == "" || name == "" {
		return schema.NewError(schema.ErrCodeValidation, "session id and variable name are required")
	}
	if workflow == "" {
		st, err := e.cfg.States.GetOrNew(ctx, sessionID)
		if err != nil {
			return err
		}
		st.Variables[name] = value
		return e.cfg.States.Save(ctx, st)
	}

	def, err := e.cfg.Definitions.Workflow(ctx, workflow)
	if err != nil {
		return err
	}
	if def.Type != schema.WorkflowTypeLifecycle {
		return schema.NewErrorf(schema.ErrCodeValidation, "workflow %s is not a lifecycle workflow", workflow)
	}
	inst, err := e.cfg.Instances.Ensure(ctx, sessionID, def)
	if err != nil {
		return err
	}
	inst.Variables[name] = value
	return e.cfg.Instances.Save(ctx, inst)
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
