package actions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/hookflow/internal/pipeline"
	"github.com/rendis/hookflow/internal/workflows"
	"github.com/rendis/hookflow/pkg/schema"
)

// PendingPipelineVar holds the id of a pipeline execution parked on approval.
const PendingPipelineVar = "pending_pipeline"

// NewRunPipelineAction returns run_pipeline.
func NewRunPipelineAction(defs workflows.Definitions, runner PipelineRunner, poll time.Duration) Action {
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &runPipelineAction{
		meta: meta{
			name:        "run_pipeline",
			description: "Run a named pipeline with rendered inputs",
			input:       `{"type":"object","properties":{"name":{"type":"string"},"inputs":{"type":"object"},"await_completion":{"type":"boolean"}},"required":["name"]}`,
		},
		defs:   defs,
		runner: runner,
		poll:   poll,
	}
}

// --- runPipelineAction ---

type runPipelineAction struct {
	meta
	defs   workflows.Definitions
	runner PipelineRunner
	poll   time.Duration
}

func (a *runPipelineAction) Validate(params map[string]any) error {
	if err := requireParam(params, "name"); err != nil {
		return err
	}
	if v, ok := params["inputs"]; ok && v != nil {
		if _, isMap := v.(map[string]any); !isMap {
			return schema.NewErrorf(schema.ErrCodeValidation, "inputs must be a mapping, got %T", v)
		}
	}
	return nil
}

// Execute runs the pipeline. A run that parks on approval records its id in
// the session variable pending_pipeline. With await_completion the action
// polls until the execution finishes or ctx ends.
func (a *runPipelineAction) Execute(ctx context.Context, actx *ActionContext, params map[string]any) (Result, error) {
	if a.defs == nil || a.runner == nil {
		return nil, unavailable(a.name, "pipeline executor")
	}
	name, err := actx.RenderString(ctx, stringParam(params, "name", ""), nil)
	if err != nil {
		return nil, err
	}
	def, err := a.defs.Pipeline(ctx, name)
	if err != nil {
		return nil, err
	}

	inputs := map[string]any{}
	if raw, ok := params["inputs"].(map[string]any); ok {
		rendered, err := actx.RenderValue(ctx, raw, nil)
		if err != nil {
			return nil, err
		}
		inputs = rendered.(map[string]any)
	}

	outcome, err := a.runner.Run(ctx, def, inputs, pipeline.RunOptions{
		SessionID: actx.SessionID,
		ProjectID: actx.ProjectID,
	})
	if err != nil {
		return nil, err
	}

	switch o := outcome.(type) {
	case *pipeline.Completed:
		return Result{"status": string(schema.ExecutionCompleted), "execution_id": o.Exec.ID, "outputs": o.Outputs}, nil
	case *pipeline.Failed:
		return Result{"status": string(schema.ExecutionFailed), "execution_id": o.Exec.ID, KeyError: o.Error()}, nil
	case *pipeline.WaitingApproval:
		actx.State.Variables[PendingPipelineVar] = o.Exec.ID
		actx.MarkStateDirty()
		waiting := Result{
			"status":       string(schema.ExecutionWaitingApproval),
			"execution_id": o.Exec.ID,
			"token":        o.Approval.Token,
			"message":      o.Approval.Message,
			"step_id":      o.Approval.StepID,
		}
		if !boolParam(params, "await_completion", false) {
			return waiting, nil
		}
		return a.await(ctx, actx, o.Exec.ID, waiting)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "unexpected pipeline outcome %T", outcome)
	}
}

func (a *runPipelineAction) await(ctx context.Context, actx *ActionContext, id string, waiting Result) (Result, error) {
	ticker := time.NewTicker(a.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return waiting, nil
		case <-ticker.C:
		}
		exec, err := a.runner.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !exec.Status.IsTerminal() {
			continue
		}
		delete(actx.State.Variables, PendingPipelineVar)
		actx.MarkStateDirty()
		res := Result{"status": string(exec.Status), "execution_id": exec.ID}
		if exec.Status == schema.ExecutionCompleted {
			res["outputs"] = decodeOutputs(exec.Outputs)
		} else {
			res[KeyError] = exec.Error
		}
		return res, nil
	}
}

// decodeOutputs turns stored step outputs back into plain values.
func decodeOutputs(raw map[string]json.RawMessage) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		var decoded any
		if err := json.Unmarshal(v, &decoded); err != nil {
			decoded = string(v)
		}
		out[k] = decoded
	}
	return out
}
