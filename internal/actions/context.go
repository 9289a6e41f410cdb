package actions

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/rendis/hookflow/internal/expressions"
	"github.com/rendis/hookflow/internal/workflows"
	"github.com/rendis/hookflow/pkg/schema"
)

// Persistence is what an ActionContext needs to load and save variable scopes.
type Persistence struct {
	States    *workflows.StateManager
	Instances *workflows.InstanceManager
	Renderer  *expressions.Renderer
}

// ActionContext carries the per-event state actions read and mutate.
//
// Variables live in two scopes. Session variables sit on State and are shared
// by every workflow of the session. Instance variables belong to one lifecycle
// workflow instance and are addressed by passing its name. Changes are held in
// memory until Flush.
type ActionContext struct {
	SessionID string
	ProjectID string
	Event     *schema.HookEvent
	State     *schema.WorkflowState

	// Workflow and Step name the definition whose actions are running.
	Workflow string
	Step     string
	// Instance is the lifecycle instance being evaluated, if any.
	Instance *schema.WorkflowInstance

	persist    Persistence
	instances  map[string]*schema.WorkflowInstance
	dirty      map[string]bool
	stateDirty bool
}

// NewActionContext creates a context over state. A nil state becomes an
// unsaved lifecycle-marker row.
func NewActionContext(p Persistence, event *schema.HookEvent, state *schema.WorkflowState) *ActionContext {
	if state == nil {
		state = &schema.WorkflowState{WorkflowName: schema.LifecycleMarker}
	}
	if state.Variables == nil {
		state.Variables = map[string]any{}
	}
	if p.Renderer == nil {
		p.Renderer = expressions.NewRenderer(nil, expressions.NewEnvFilter(nil, nil), nil)
	}
	actx := &ActionContext{
		SessionID: state.SessionID,
		Event:     event,
		State:     state,
		persist:   p,
		instances: map[string]*schema.WorkflowInstance{},
		dirty:     map[string]bool{},
	}
	if event != nil {
		actx.ProjectID = event.ProjectID
	}
	return actx
}

// ForInstance points the context at a lifecycle instance. The instance is
// tracked so variable writes through its name reach the same value.
func (a *ActionContext) ForInstance(inst *schema.WorkflowInstance) *ActionContext {
	a.Instance = inst
	if inst == nil {
		a.Workflow = ""
		return a
	}
	if inst.Variables == nil {
		inst.Variables = map[string]any{}
	}
	a.Workflow = inst.WorkflowName
	a.instances[inst.WorkflowName] = inst
	return a
}

// MarkStateDirty flags the session row for saving on Flush.
func (a *ActionContext) MarkStateDirty() { a.stateDirty = true }

// MarkInstanceDirty flags a tracked instance for saving on Flush.
func (a *ActionContext) MarkInstanceDirty(workflow string) {
	if _, ok := a.instances[workflow]; ok {
		a.dirty[workflow] = true
	}
}

// Dirty reports whether Flush has anything to write.
func (a *ActionContext) Dirty() bool {
	return a.stateDirty || len(a.dirty) > 0
}

// Variables returns the live variable map of a scope. An empty workflow
// selects the session scope.
func (a *ActionContext) Variables(ctx context.Context, workflow string) (map[string]any, error) {
	if workflow == "" {
		return a.State.Variables, nil
	}
	inst, err := a.instance(ctx, workflow)
	if err != nil {
		return nil, err
	}
	return inst.Variables, nil
}

// SetVariable writes one variable and marks its scope dirty.
func (a *ActionContext) SetVariable(ctx context.Context, workflow, name string, value any) error {
	vars, err := a.Variables(ctx, workflow)
	if err != nil {
		return err
	}
	vars[name] = value
	a.touch(workflow)
	return nil
}

// DeleteVariable removes one variable and marks its scope dirty.
func (a *ActionContext) DeleteVariable(ctx context.Context, workflow, name string) error {
	vars, err := a.Variables(ctx, workflow)
	if err != nil {
		return err
	}
	if _, ok := vars[name]; ok {
		delete(vars, name)
		a.touch(workflow)
	}
	return nil
}

func (a *ActionContext) touch(workflow string) {
	if workflow == "" {
		a.stateDirty = true
		return
	}
	a.dirty[workflow] = true
}

func (a *ActionContext) instance(ctx context.Context, workflow string) (*schema.WorkflowInstance, error) {
	if inst, ok := a.instances[workflow]; ok {
		return inst, nil
	}
	var inst *schema.WorkflowInstance
	if a.persist.Instances != nil && a.SessionID != "" {
		var err error
		inst, err = a.persist.Instances.Get(ctx, a.SessionID, workflow)
		if err != nil {
			return nil, err
		}
	}
	if inst == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "%s not found", workflow)
	}
	a.instances[workflow] = inst
	return inst, nil
}

// Namespace builds the render namespace: session variables, then the current
// instance's variables over them, then the reserved keys, then extra.
func (a *ActionContext) Namespace(extra map[string]any) map[string]any {
	ns := make(map[string]any, len(a.State.Variables)+16)
	maps.Copy(ns, a.State.Variables)
	if a.Instance != nil {
		maps.Copy(ns, a.Instance.Variables)
	}

	var data map[string]any
	if a.Event != nil {
		data = a.Event.Data
	}
	if data == nil {
		data = map[string]any{}
	}
	ns["variables"] = a.State.Variables
	ns["event"] = a.Event.AsMap()
	ns["inputs"] = data
	ns["session_id"] = a.SessionID
	ns["project_id"] = a.ProjectID
	ns["workflow"] = a.Workflow
	ns["step"] = a.Step
	maps.Copy(ns, extra)
	return ns
}

// RenderString renders a template against Namespace(extra).
func (a *ActionContext) RenderString(ctx context.Context, template string, extra map[string]any) (string, error) {
	if !expressions.HasPlaceholder(template) {
		return template, nil
	}
	return a.persist.Renderer.RenderString(ctx, template, a.Namespace(extra))
}

// RenderValue renders every string inside v and coerces the rendered text.
func (a *ActionContext) RenderValue(ctx context.Context, v any, extra map[string]any) (any, error) {
	return a.persist.Renderer.RenderValue(ctx, v, a.Namespace(extra))
}

// Flush saves every dirty scope once and clears the flags.
func (a *ActionContext) Flush(ctx context.Context) error {
	var errs []error
	if a.stateDirty && a.SessionID != "" && a.persist.States != nil {
		if err := a.persist.States.Save(ctx, a.State); err != nil {
			errs = append(errs, fmt.Errorf("save session variables: %w", err))
		} else {
			a.stateDirty = false
		}
	}
	for name := range a.dirty {
		if a.persist.Instances == nil {
			break
		}
		if err := a.persist.Instances.Save(ctx, a.instances[name]); err != nil {
			errs = append(errs, fmt.Errorf("save instance %s: %w", name, err))
			continue
		}
		delete(a.dirty, name)
	}
	return errors.Join(errs...)
}
