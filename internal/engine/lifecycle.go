package engine

import (
	"context"
	"log/slog"

	"github.com/rendis/hookflow/internal/actions"
	"github.com/rendis/hookflow/internal/logging"
	"github.com/rendis/hookflow/internal/workflows"
	"github.com/rendis/hookflow/pkg/schema"
)

// EvaluateLifecycle dispatches the triggers of every lifecycle workflow bound
// to the event type, in instance priority order. The first deny stops the
// chain; later workflows never run.
func (e *Engine) EvaluateLifecycle(ctx context.Context, event *schema.HookEvent) *schema.HookResponse {
	start := e.now()
	resp := e.evaluateLifecycle(ctx, event)
	e.observe(ctx, event, resp, start)
	return resp
}

type lifecycleRun struct {
	def  *schema.WorkflowDefinition
	inst *schema.WorkflowInstance
	acts []schema.ActionSpec
}

func (e *Engine) evaluateLifecycle(ctx context.Context, event *schema.HookEvent) *schema.HookResponse {
	sessionID := event.PlatformSessionID()
	if sessionID == "" {
		return schema.Allow()
	}
	ctx = logging.WithSessionID(ctx, sessionID)
	log := logging.LogWith(ctx, e.logger)

	runs, err := e.lifecycleRuns(ctx, sessionID, event.EventType)
	if err != nil {
		log.ErrorContext(ctx, "resolve lifecycle workflows failed, allowing", slog.String("error", err.Error()))
		return schema.Allow()
	}
	if len(runs) == 0 {
		return schema.Allow()
	}

	st, err := e.cfg.States.GetOrNew(ctx, sessionID)
	if err != nil {
		log.ErrorContext(ctx, "load session variables failed, allowing", slog.String("error", err.Error()))
		return schema.Allow()
	}
	actx := e.actionContext(event, st)

	resp := schema.Allow()
	var (
		ask       *schema.HookResponse
		ran       []string
		deniedBy  string
		denyCause string
	)
	for _, run := range runs {
		wctx := logging.WithWorkflow(ctx, run.def.Name)
		actx.ForInstance(run.inst)
		actx.Step = run.inst.CurrentStep

		results := e.cfg.Actions.ExecuteUntil(wctx, actx, run.acts, actions.Denies)
		run.inst.StepActionCount++
		run.inst.TotalActionCount++
		decision, reason, found := applyResults(resp, results)
		for _, r := range results {
			if r.Context() != "" {
				run.inst.ContextInjected = true
				break
			}
		}
		actx.MarkInstanceDirty(run.def.Name)
		ran = append(ran, run.def.Name)

		if !found {
			continue
		}
		if decision == schema.DecisionDeny {
			deniedBy, denyCause = run.def.Name, reason
			break
		}
		if decision == schema.DecisionAsk && ask == nil {
			ask = &schema.HookResponse{Decision: decision, Reason: reason}
		}
	}
	actx.ForInstance(nil)

	if err := actx.Flush(ctx); err != nil {
		log.ErrorContext(ctx, "save lifecycle state failed", slog.String("error", err.Error()))
	}

	resp.Metadata["lifecycle_workflows"] = ran
	switch {
	case deniedBy != "":
		resp.Decision = schema.DecisionDeny
		resp.Reason = denyCause
		if resp.Reason == "" {
			resp.Reason = "Denied by lifecycle workflow " + deniedBy + "."
		}
		resp.Metadata[MetaDeniedBy] = deniedBy
		resp.Metadata[MetaWorkflow] = deniedBy
		log.DebugContext(ctx, "lifecycle chain denied", slog.String("workflow", deniedBy))
	case ask != nil:
		resp.Decision = schema.DecisionAsk
		resp.Reason = ask.Reason
	}
	return resp
}

// lifecycleRuns resolves the instances to dispatch for eventType, sorted by
// priority then name. Missing instances of enabled definitions are created.
func (e *Engine) lifecycleRuns(ctx context.Context, sessionID string, eventType schema.EventType) ([]lifecycleRun, error) {
	defs, err := e.cfg.Definitions.LifecycleWorkflows(ctx)
	if err != nil {
		return nil, err
	}
	existing, err := e.cfg.Instances.List(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*schema.WorkflowInstance, len(existing))
	for _, inst := range existing {
		byName[inst.WorkflowName] = inst
	}

	runs := make(map[string]lifecycleRun)
	var ordered []*schema.WorkflowInstance
	for _, def := range defs {
		acts, ok := def.TriggerActions(eventType)
		if !ok || len(acts) == 0 {
			continue
		}
		inst := byName[def.Name]
		if inst == nil {
			if !def.IsEnabled() {
				continue
			}
			inst, err = e.cfg.Instances.Ensure(ctx, sessionID, def)
			if err != nil {
				return nil, err
			}
		}
		if !inst.Enabled {
			continue
		}
		if inst.Variables == nil {
			inst.Variables = map[string]any{}
		}
		runs[def.Name] = lifecycleRun{def: def, inst: inst, acts: acts}
		ordered = append(ordered, inst)
	}
	workflows.SortInstances(ordered)

	out := make([]lifecycleRun, 0, len(ordered))
	for _, inst := range ordered {
		out = append(out, runs[inst.WorkflowName])
	}
	return out, nil
}

// SetWorkflowDisabled pauses or resumes the session's step workflow without
// losing its position.
func (e *Engine) SetWorkflowDisabled(ctx context.Context, sessionID string, disabled bool, reason string) error {
	st, err := e.cfg.States.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if st == nil {
		return schema.NewErrorf(schema.ErrCodeNotFound, "no workflow state for session %s", sessionID)
	}
	st.Disabled = disabled
	st.DisabledReason = ""
	if disabled {
		st.DisabledReason = reason
	}
	return e.cfg.States.Save(ctx, st)
}

// SetInstanceEnabled toggles a lifecycle instance, creating it from its
// definition when the session has none yet.
func (e *Engine) SetInstanceEnabled(ctx context.Context, sessionID, workflow string, enabled bool) (*schema.WorkflowInstance, error) {
	def, err := e.cfg.Definitions.Workflow(ctx, workflow)
	if err != nil {
		return nil, err
	}
	if def.Type != schema.WorkflowTypeLifecycle {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow %s is not a lifecycle workflow", workflow)
	}
	inst, err := e.cfg.Instances.Ensure(ctx, sessionID, def)
	if err != nil {
		return nil, err
	}
	if inst.Enabled == enabled {
		return inst, nil
	}
	inst.Enabled = enabled
	if err := e.cfg.Instances.Save(ctx, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// Instances lists the session's lifecycle instances in evaluation order.
func (e *Engine) Instances(ctx context.Context, sessionID string) ([]*schema.WorkflowInstance, error) {
	return e.cfg.Instances.List(ctx, sessionID)
}
