// Package pipeline runs ordered exec, prompt and mcp steps with step-output
// references, conditions and human approval pauses.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/hookflow/internal/expressions"
	"github.com/rendis/hookflow/internal/isolation"
	"github.com/rendis/hookflow/internal/llm"
	"github.com/rendis/hookflow/internal/logging"
	"github.com/rendis/hookflow/internal/mcpclient"
	"github.com/rendis/hookflow/internal/store"
	"github.com/rendis/hookflow/internal/streaming"
	"github.com/rendis/hookflow/internal/telemetry"
	"github.com/rendis/hookflow/pkg/schema"
)

// Failure messages recorded on executions stopped by an approval decision.
const (
	MsgApprovalRejected = "approval rejected"
	MsgApprovalTimedOut = "approval timed out"
)

// DefinitionSource looks pipelines up by name when a paused run resumes.
type DefinitionSource interface {
	Pipeline(ctx context.Context, name string) (*schema.PipelineDefinition, error)
}

// InputValidator checks run inputs against a pipeline's input JSON Schema.
type InputValidator interface {
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// Config wires the executor's collaborators. Store, Renderer and Runner are
// required; a missing LLM or MCP fails only the steps that need it.
type Config struct {
	Store       store.Store
	Definitions DefinitionSource
	Renderer    *expressions.Renderer
	Conditions  expressions.ConditionEvaluator
	JQ          *expressions.GoJQEngine
	Runner      *isolation.Runner
	LLM         llm.Provider
	MCP         mcpclient.ToolCaller
	Inputs      InputValidator
	Hub         streaming.EventHub
	Metrics     *telemetry.Metrics
	Logger      *slog.Logger
	Now         func() time.Time
}

// RunOptions attach a run to its caller.
type RunOptions struct {
	SessionID string
	ProjectID string
}

// Executor runs pipelines and owns their persisted executions.
type Executor struct {
	cfg      Config
	fsm      *ExecutionFSM
	resolver *expressions.ReferenceResolver
	logger   *slog.Logger
	now      func() time.Time
}

// NewExecutor creates an Executor.
func NewExecutor(cfg Config) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.JQ == nil {
		cfg.JQ = expressions.NewGoJQEngine()
	}
	if cfg.Renderer == nil {
		cfg.Renderer = expressions.NewRenderer(nil, expressions.NewEnvFilter(nil, nil), logger)
	}
	if cfg.Runner == nil {
		cfg.Runner = isolation.NewRunner(isolation.NewIsolator(logger), isolation.ResourceLimits{})
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	e := &Executor{
		cfg:      cfg,
		fsm:      NewExecutionFSM(cfg.Store),
		resolver: expressions.NewReferenceResolver(cfg.JQ),
		logger:   logger,
		now:      now,
	}
	for _, status := range []schema.ExecutionStatus{
		schema.ExecutionCompleted, schema.ExecutionFailed, schema.ExecutionWaitingApproval,
	} {
		e.fsm.OnEnter(status, e.announce)
	}
	return e
}

// FSM exposes the transition table for extra hooks.
func (e *Executor) FSM() *ExecutionFSM { return e.fsm }

// Get returns a persisted execution.
func (e *Executor) Get(ctx context.Context, id string) (*schema.PipelineExecution, error) {
	return e.cfg.Store.GetPipelineExecution(ctx, id)
}

// Run creates an execution for def and runs it until it completes, fails or
// pauses for approval. The returned error is reserved for invalid inputs and
// persistence failures; step failures come back as *Failed.
func (e *Executor) Run(ctx context.Context, def *schema.PipelineDefinition, inputs map[string]any, opts RunOptions) (Outcome, error) {
	inputs = applyInputDefaults(def.Inputs, inputs)
	if err := e.validateInputs(def, inputs); err != nil {
		return nil, err
	}

	exec := &schema.PipelineExecution{
		ID:           uuid.New().String(),
		PipelineName: def.Name,
		ProjectID:    opts.ProjectID,
		SessionID:    opts.SessionID,
		Status:       schema.ExecutionPending,
		Inputs:       inputs,
		Outputs:      map[string]json.RawMessage{},
		CreatedAt:    e.now().UTC(),
	}
	if err := e.cfg.Store.CreatePipelineExecution(ctx, exec); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create pipeline execution: %s", err.Error()).WithCause(err)
	}
	if err := e.fsm.Transition(ctx, exec, schema.ExecutionRunning); err != nil {
		return nil, err
	}
	if err := e.save(ctx, exec); err != nil {
		return nil, err
	}

	ctx = logging.WithWorkflow(ctx, def.Name)
	logging.LogWith(ctx, e.logger).InfoContext(ctx, "pipeline started",
		slog.String("execution_id", exec.ID), slog.Int("steps", len(def.Steps)))
	return e.runFrom(ctx, def, exec, expressions.NewStepScope(inputs))
}

// Resume answers the approval identified by token. Approval continues the
// run from the paused step; rejection or an expired wait fails it.
func (e *Executor) Resume(ctx context.Context, token string, approved bool) (Outcome, error) {
	exec, err := e.cfg.Store.GetPipelineExecutionByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if exec.Status != schema.ExecutionWaitingApproval {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"execution %s is %s, not waiting for approval", exec.ID, exec.Status)
	}
	ctx = logging.WithWorkflow(ctx, exec.PipelineName)
	step := exec.ApprovalStep

	switch {
	case approvalExpired(exec, e.now()):
		e.cfg.Metrics.RecordApproval("pipeline", "timeout")
		e.publishResolution(ctx, exec, "timeout")
		return e.fail(ctx, exec, step, schema.NewError(schema.ErrCodeTimeout, MsgApprovalTimedOut))
	case !approved:
		e.cfg.Metrics.RecordApproval("pipeline", "rejected")
		e.publishResolution(ctx, exec, "rejected")
		return e.fail(ctx, exec, step, schema.NewError(schema.ErrCodeApproval, MsgApprovalRejected))
	}

	e.cfg.Metrics.RecordApproval("pipeline", "approved")
	e.publishResolution(ctx, exec, "approved")

	if e.cfg.Definitions == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "pipeline executor has no definition source")
	}
	def, err := e.cfg.Definitions.Pipeline(ctx, exec.PipelineName)
	if err != nil {
		return e.fail(ctx, exec, step, err)
	}
	scope, err := expressions.Restore(exec.Inputs, exec.Outputs)
	if err != nil {
		return e.fail(ctx, exec, step, err)
	}

	exec.ApprovedSteps = append(exec.ApprovedSteps, step)
	clearApproval(exec)
	if err := e.fsm.Transition(ctx, exec, schema.ExecutionRunning); err != nil {
		return nil, err
	}
	if err := e.save(ctx, exec); err != nil {
		return nil, err
	}
	logging.LogWith(ctx, e.logger).InfoContext(ctx, "pipeline resumed",
		slog.String("execution_id", exec.ID), slog.String("step", step))
	return e.runFrom(ctx, def, exec, scope)
}

// Expire fails every execution whose approval wait ended before now and
// returns how many were failed.
func (e *Executor) Expire(ctx context.Context, now time.Time) (int, error) {
	execs, err := e.cfg.Store.ListPipelineExecutions(ctx, store.ExecutionFilter{
		Status:        schema.ExecutionWaitingApproval,
		ExpiresBefore: &now,
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, exec := range execs {
		e.cfg.Metrics.RecordApproval("pipeline", "timeout")
		e.publishResolution(ctx, exec, "timeout")
		if _, err := e.fail(ctx, exec, exec.ApprovalStep, schema.NewError(schema.ErrCodeTimeout, MsgApprovalTimedOut)); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (e *Executor) runFrom(ctx context.Context, def *schema.PipelineDefinition, exec *schema.PipelineExecution, scope *expressions.StepScope) (Outcome, error) {
	if exec.Outputs == nil {
		exec.Outputs = map[string]json.RawMessage{}
	}
	for i := range def.Steps {
		step := &def.Steps[i]
		if scope.Has(step.ID) || slices.Contains(exec.Skipped, step.ID) {
			continue
		}
		exec.CurrentStep = step.ID
		stepCtx := logging.WithStep(ctx, step.ID)
		ns := e.namespace(scope)

		if step.Condition != "" && !e.conditionHolds(stepCtx, step.Condition, ns) {
			exec.Skipped = append(exec.Skipped, step.ID)
			e.cfg.Metrics.RecordPipelineStep(step.Kind(), "skipped")
			logging.LogWith(stepCtx, e.logger).DebugContext(stepCtx, "pipeline step skipped")
			if err := e.save(ctx, exec); err != nil {
				return nil, err
			}
			continue
		}

		if step.Approval != nil && step.Approval.Required && !slices.Contains(exec.ApprovedSteps, step.ID) {
			return e.pause(stepCtx, def, exec, step, ns)
		}

		output, err := e.runStep(stepCtx, step, ns, scope)
		if err != nil {
			e.cfg.Metrics.RecordPipelineStep(step.Kind(), "error")
			return e.fail(stepCtx, exec, step.ID, err)
		}
		raw, err := json.Marshal(output)
		if err != nil {
			return e.fail(stepCtx, exec, step.ID, fmt.Errorf("encode output: %w", err))
		}
		if err := scope.AddStepOutput(step.ID, raw); err != nil {
			return e.fail(stepCtx, exec, step.ID, err)
		}
		exec.Outputs[step.ID] = raw
		e.cfg.Metrics.RecordPipelineStep(step.Kind(), "ok")
		if err := e.save(ctx, exec); err != nil {
			return nil, err
		}
	}
	return e.complete(ctx, exec, scope)
}

func (e *Executor) pause(ctx context.Context, def *schema.PipelineDefinition, exec *schema.PipelineExecution, step *schema.PipelineStep, ns map[string]any) (Outcome, error) {
	msg := step.Approval.Message
	if msg == "" {
		msg = fmt.Sprintf("Approve step %q of pipeline %q?", step.ID, def.Name)
	} else if rendered, err := e.cfg.Renderer.RenderString(ctx, msg, ns); err == nil {
		msg = rendered
	}

	exec.ApprovalToken = uuid.New().String()
	exec.ApprovalStep = step.ID
	exec.ApprovalMessage = msg
	exec.ApprovalExpiresAt = nil
	if step.Approval.TimeoutSeconds > 0 {
		expires := e.now().UTC().Add(time.Duration(step.Approval.TimeoutSeconds) * time.Second)
		exec.ApprovalExpiresAt = &expires
	}
	if err := e.fsm.Transition(ctx, exec, schema.ExecutionWaitingApproval); err != nil {
		return nil, err
	}
	if err := e.save(ctx, exec); err != nil {
		return nil, err
	}

	approval := schema.ApprovalRequired{
		ExecutionID:    exec.ID,
		StepID:         step.ID,
		Token:          exec.ApprovalToken,
		Message:        msg,
		TimeoutSeconds: step.Approval.TimeoutSeconds,
	}
	e.publish(ctx, exec, streaming.EventApprovalRequired, approval)
	logging.LogWith(ctx, e.logger).InfoContext(ctx, "pipeline waiting for approval",
		slog.String("execution_id", exec.ID))
	return &WaitingApproval{Exec: exec, Approval: approval}, nil
}

func (e *Executor) fail(ctx context.Context, exec *schema.PipelineExecution, stepID string, cause error) (Outcome, error) {
	exec.Error = cause.Error()
	exec.CurrentStep = stepID
	clearApproval(exec)
	completed := e.now().UTC()
	exec.CompletedAt = &completed
	if err := e.fsm.Transition(ctx, exec, schema.ExecutionFailed); err != nil {
		return nil, err
	}
	if err := e.save(ctx, exec); err != nil {
		return nil, err
	}
	logging.LogWith(ctx, e.logger).WarnContext(ctx, "pipeline failed",
		slog.String("execution_id", exec.ID), slog.String("error", exec.Error))
	return &Failed{Exec: exec, StepID: stepID, Err: cause}, nil
}

func (e *Executor) complete(ctx context.Context, exec *schema.PipelineExecution, scope *expressions.StepScope) (Outcome, error) {
	exec.CurrentStep = ""
	completed := e.now().UTC()
	exec.CompletedAt = &completed
	if err := e.fsm.Transition(ctx, exec, schema.ExecutionCompleted); err != nil {
		return nil, err
	}
	if err := e.save(ctx, exec); err != nil {
		return nil, err
	}
	outputs := map[string]any{}
	if steps, ok := scope.Namespace()["steps"].(map[string]any); ok {
		for id, v := range steps {
			outputs[id] = v.(map[string]any)["output"]
		}
	}
	logging.LogWith(ctx, e.logger).InfoContext(ctx, "pipeline completed",
		slog.String("execution_id", exec.ID), slog.Int("skipped", len(exec.Skipped)))
	return &Completed{Exec: exec, Outputs: outputs}, nil
}

func (e *Executor) save(ctx context.Context, exec *schema.PipelineExecution) error {
	if err := e.cfg.Store.UpdatePipelineExecution(ctx, exec); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "update pipeline execution: %s", err.Error()).WithCause(err)
	}
	return nil
}

func (e *Executor) validateInputs(def *schema.PipelineDefinition, inputs map[string]any) error {
	if e.cfg.Inputs == nil || len(def.Inputs) == 0 {
		return nil
	}
	schemaBytes, err := json.Marshal(def.Inputs)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "encode input schema of %q: %s", def.Name, err.Error())
	}
	if err := e.cfg.Inputs.ValidateInput(inputs, schemaBytes); err != nil {
		return err
	}
	return nil
}

// announce is the FSM hook for stopping states.
func (e *Executor) announce(ctx context.Context, exec *schema.PipelineExecution, _ schema.ExecutionStatus) {
	e.cfg.Metrics.RecordPipeline(exec.PipelineName, string(exec.Status))
	e.publish(ctx, exec, streaming.EventPipelineStatus, map[string]any{
		"status": string(exec.Status),
		"step":   exec.CurrentStep,
		"error":  exec.Error,
	})
}

func (e *Executor) publishResolution(ctx context.Context, exec *schema.PipelineExecution, result string) {
	e.publish(ctx, exec, streaming.EventApprovalResolved, map[string]any{
		"step":   exec.ApprovalStep,
		"result": result,
	})
}

func (e *Executor) publish(ctx context.Context, exec *schema.PipelineExecution, eventType string, payload any) {
	if e.cfg.Hub == nil {
		return
	}
	err := e.cfg.Hub.Publish(ctx, streaming.StreamEvent{
		SessionID:   exec.SessionID,
		Workflow:    exec.PipelineName,
		ExecutionID: exec.ID,
		EventType:   eventType,
		Payload:     payload,
	})
	if err != nil {
		e.logger.DebugContext(ctx, "notification dropped", slog.String("error", err.Error()))
	}
}

func clearApproval(exec *schema.PipelineExecution) {
	exec.ApprovalToken = ""
	exec.ApprovalStep = ""
	exec.ApprovalMessage = ""
	exec.ApprovalExpiresAt = nil
}

func approvalExpired(exec *schema.PipelineExecution, now time.Time) bool {
	return exec.ApprovalExpiresAt != nil && now.After(*exec.ApprovalExpiresAt)
}

// applyInputDefaults fills missing inputs from the "default" of each property
// in a JSON Schema shaped inputs block. Supplied values are never replaced.
func applyInputDefaults(inputSchema, inputs map[string]any) map[string]any {
	out := make(map[string]any, len(inputs))
	for k, v := range inputs {
		out[k] = v
	}
	props, _ := inputSchema["properties"].(map[string]any)
	for name, raw := range props {
		prop, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if _, set := out[name]; set {
			continue
		}
		if def, ok := prop["default"]; ok {
			out[name] = def
		}
	}
	return out
}
