package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/hookflow/internal/logging"
	"github.com/rendis/hookflow/internal/workflows"
	"github.com/rendis/hookflow/pkg/schema"
)

// ActivateWorkflow makes name the session's step workflow, starting at step
// or at the first step when step is empty. Default variables are merged under
// the session's existing ones and the step's on_enter actions run.
func (e *Engine) ActivateWorkflow(ctx context.Context, sessionID, name, step string) (*schema.WorkflowState, error) {
	if sessionID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "session id is required")
	}
	def, err := e.cfg.Definitions.Workflow(ctx, name)
	if err != nil {
		return nil, err
	}
	if def.Type == schema.WorkflowTypeLifecycle {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"workflow %s is a lifecycle workflow; enable its instance instead", name)
	}
	if len(def.Steps) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow %s has no steps", name)
	}
	if step == "" {
		step = def.Steps[0].Name
	}
	target := def.Step(step)
	if target == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "step %s not found in workflow %s", step, name)
	}

	st, err := e.cfg.States.GetOrNew(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	from := st.WorkflowName
	for k, v := range workflows.CopyVariables(def.Variables) {
		if _, ok := st.Variables[k]; !ok {
			st.Variables[k] = v
		}
	}
	st.WorkflowName = def.Name
	st.Disabled = false
	st.DisabledReason = ""
	st.StopReason = ""
	enterStep(st, step, e.now().UTC())

	ctx = logging.WithIDs(ctx, sessionID, def.Name, step)
	actx := e.actionContext(&schema.HookEvent{
		Metadata: map[string]any{schema.MetadataSessionID: sessionID},
	}, st)
	actx.Workflow = def.Name
	actx.Step = step
	e.cfg.Actions.ExecuteAll(ctx, actx, target.OnEnter)
	actx.MarkStateDirty()
	if err := actx.Flush(ctx); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "save activated workflow").WithCause(err)
	}

	logging.LogWith(ctx, e.logger).InfoContext(ctx, "workflow activated", slog.String("previous", from))
	e.audit(ctx, sessionID, schema.AuditWorkflowChanged, def.Name, step, "", map[string]any{
		"action": "activate", "from": from, "to": def.Name,
	})
	return st, nil
}

// DeactivateWorkflow drops the session's step workflow. Session variables
// are kept on the lifecycle marker row.
func (e *Engine) DeactivateWorkflow(ctx context.Context, sessionID string) error {
	st, err := e.cfg.States.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if st == nil || st.IsLifecycleOnly() {
		return nil
	}
	from := st.WorkflowName
	st.WorkflowName = schema.LifecycleMarker
	st.Disabled = false
	st.DisabledReason = ""
	enterStep(st, "", e.now().UTC())
	st.StepEnteredAt = nil
	if err := e.cfg.States.Save(ctx, st); err != nil {
		return err
	}
	ctx = logging.WithSessionID(ctx, sessionID)
	logging.LogWith(ctx, e.logger).InfoContext(ctx, "workflow deactivated", slog.String("workflow", from))
	e.audit(ctx, sessionID, schema.AuditWorkflowChanged, from, "", "", map[string]any{
		"action": "deactivate", "from": from,
	})
	return nil
}

// enterStep moves st to step and forgets approval results of the previous step.
func enterStep(st *schema.WorkflowState, step string, now time.Time) {
	workflows.EnterStep(st, step, now)
	delete(st.Variables, VarApprovalResult)
	delete(st.Variables, VarApprovalStep)
	delete(st.Variables, VarApprovalReason)
}
