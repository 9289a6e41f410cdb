package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/rendis/hookflow/internal/actions"
	"github.com/rendis/hookflow/internal/expressions"
	"github.com/rendis/hookflow/internal/logging"
	"github.com/rendis/hookflow/internal/store"
	"github.com/rendis/hookflow/internal/streaming"
	"github.com/rendis/hookflow/internal/telemetry"
	"github.com/rendis/hookflow/internal/workflows"
	"github.com/rendis/hookflow/pkg/schema"
)

// Metadata keys set on responses.
const (
	MetaWorkflow        = "workflow"
	MetaStep            = "step"
	MetaTransitionedTo  = "transitioned_to"
	MetaApprovalPending = "approval_pending"
	MetaDeniedBy        = "denied_by"
)

// EventAppender abstracts the audit log write the engine needs.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// Config wires the engine's collaborators. Definitions, States, Instances and
// Actions are required.
type Config struct {
	Definitions workflows.Definitions
	States      *workflows.StateManager
	Instances   *workflows.InstanceManager
	Actions     *actions.Executor
	Conditions  expressions.ConditionEvaluator
	Renderer    *expressions.Renderer
	Audit       EventAppender
	Hub         streaming.EventHub
	Metrics     *telemetry.Metrics
	Logger      *slog.Logger
	Now         func() time.Time
}

// Engine decides hook events for governed sessions. It holds no per-session
// state of its own; concurrent events for one session must be serialized by
// the caller or the store.
type Engine struct {
	cfg    Config
	cond   expressions.ConditionEvaluator
	logger *slog.Logger
	now    func() time.Time
}

// New creates an Engine.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Renderer == nil {
		cfg.Renderer = expressions.NewRenderer(nil, expressions.NewEnvFilter(nil, nil), logger)
	}
	cond := cfg.Conditions
	if cond == nil {
		cond = expressions.NewSafeEvaluator(logger)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{cfg: cfg, cond: cond, logger: logger, now: now}
}

// HandleEvent evaluates the session's active step workflow. It never fails:
// anything it cannot govern is allowed.
func (e *Engine) HandleEvent(ctx context.Context, event *schema.HookEvent) *schema.HookResponse {
	start := e.now()
	resp := e.handleStep(ctx, event, true)
	e.observe(ctx, event, resp, start)
	return resp
}

// Process runs lifecycle workflows first, then the step workflow. A lifecycle
// deny is final. Otherwise contexts are joined and the step workflow decides;
// a lifecycle ask upgrades a step allow.
//
// A session_end event is dispatched like any other, then the session's state
// and lifecycle instances are removed.
func (e *Engine) Process(ctx context.Context, event *schema.HookEvent) *schema.HookResponse {
	start := e.now()
	if event.EventType == schema.EventSessionEnd {
		defer e.endSession(ctx, event.PlatformSessionID())
	}
	lifecycle := e.evaluateLifecycle(ctx, event)
	if lifecycle.Decision == schema.DecisionDeny {
		e.observe(ctx, event, lifecycle, start)
		return lifecycle
	}
	step := e.handleStep(ctx, event, false)
	resp := merge(lifecycle, step)
	e.observe(ctx, event, resp, start)
	return resp
}

func (e *Engine) handleStep(ctx context.Context, event *schema.HookEvent, delegate bool) *schema.HookResponse {
	sessionID := event.PlatformSessionID()
	if sessionID == "" {
		return schema.Allow()
	}
	ctx = logging.WithSessionID(ctx, sessionID)
	log := logging.LogWith(ctx, e.logger)

	st, err := e.cfg.States.Get(ctx, sessionID)
	if err != nil {
		log.ErrorContext(ctx, "load workflow state failed, allowing", slog.String("error", err.Error()))
		return schema.Allow()
	}
	if st == nil || st.Disabled || st.IsLifecycleOnly() {
		return schema.Allow()
	}

	ctx = logging.WithIDs(ctx, sessionID, st.WorkflowName, st.Step)
	log = logging.LogWith(ctx, e.logger)
	def, err := e.cfg.Definitions.Workflow(ctx, st.WorkflowName)
	if err != nil {
		log.WarnContext(ctx, "workflow definition unavailable, allowing", slog.String("error", err.Error()))
		return schema.Allow()
	}
	if def.Type == schema.WorkflowTypeLifecycle {
		if !delegate {
			return schema.Allow()
		}
		return e.evaluateLifecycle(ctx, event)
	}

	step := def.Step(st.Step)
	if step == nil {
		log.WarnContext(ctx, "step not found in workflow, allowing")
		return schema.Allow()
	}
	ns := ruleNamespace(event, st)

	if step.Approval != nil && step.Approval.Condition != "" &&
		e.cond.EvaluateBool(ctx, step.Approval.Condition, ns) {
		if resp := e.approvalGate(ctx, st, step); resp != nil {
			return resp
		}
	}

	if event.EventType.IsToolEvent() {
		if resp := gateTool(event, def.Name, step); resp != nil {
			log.DebugContext(ctx, "tool gated", slog.String("tool", event.ToolName()))
			return resp
		}
	}

	for _, rule := range step.Rules {
		if !e.cond.EvaluateBool(ctx, rule.Condition, ns) {
			continue
		}
		return e.ruleResponse(ctx, rule, def.Name, step.Name, ns)
	}

	for _, tr := range step.Transitions {
		if !e.cond.EvaluateBool(ctx, tr.Condition, ns) {
			continue
		}
		return e.transition(ctx, event, def, st, tr.NextStep)
	}

	resp := schema.Allow()
	resp.Metadata[MetaWorkflow] = def.Name
	resp.Metadata[MetaStep] = step.Name
	return resp
}

// ruleNamespace is what rule, transition and approval conditions see.
func ruleNamespace(event *schema.HookEvent, st *schema.WorkflowState) map[string]any {
	data := event.Data
	if data == nil {
		data = map[string]any{}
	}
	return map[string]any{
		"inputs":    data,
		"steps":     st.Variables,
		"variables": st.Variables,
		"event":     event.AsMap(),
	}
}

// toolCandidates returns the plain and server-qualified names of the tool.
func toolCandidates(event *schema.HookEvent) []string {
	name := event.ToolName()
	if name == "" {
		return nil
	}
	out := []string{name}
	if server, _ := event.Data["mcp_server"].(string); server != "" {
		out = append(out, server+"/"+name)
	}
	return out
}

func gateTool(event *schema.HookEvent, workflow string, step *schema.WorkflowStep) *schema.HookResponse {
	candidates := toolCandidates(event)
	if len(candidates) == 0 {
		return nil
	}
	tool := candidates[0]
	var reason string
	switch {
	case schema.MatchTool(step.BlockedTools, candidates...):
		reason = fmt.Sprintf("Tool %q is blocked in step %q of workflow %q.", tool, step.Name, workflow)
	case !step.AllowedTools.Permits(candidates...):
		reason = fmt.Sprintf("Tool %q is not allowed in step %q of workflow %q.", tool, step.Name, workflow)
	default:
		return nil
	}
	resp := schema.Deny(reason)
	resp.Metadata[MetaWorkflow] = workflow
	resp.Metadata[MetaStep] = step.Name
	return resp
}

func (e *Engine) ruleResponse(ctx context.Context, rule schema.Rule, workflow, step string, ns map[string]any) *schema.HookResponse {
	reason := rule.Reason
	if reason != "" {
		rendered, err := e.cfg.Renderer.RenderString(ctx, reason, ns)
		if err == nil {
			reason = rendered
		}
	}
	if reason == "" {
		reason = fmt.Sprintf("Rule %q matched in step %q.", rule.Condition, step)
	}
	decision, ok := schema.ParseDecision(string(rule.Effect))
	if !ok {
		decision = schema.DecisionAllow
	}
	resp := &schema.HookResponse{Decision: decision, Reason: reason, Metadata: map[string]any{}}
	resp.Metadata[MetaWorkflow] = workflow
	resp.Metadata[MetaStep] = step
	return resp
}

// transition moves st to next, runs the step's on_enter actions and saves the
// state once.
func (e *Engine) transition(ctx context.Context, event *schema.HookEvent, def *schema.WorkflowDefinition, st *schema.WorkflowState, next string) *schema.HookResponse {
	from := st.Step
	enterStep(st, next, e.now().UTC())
	ctx = logging.WithStep(ctx, next)

	actx := e.actionContext(event, st)
	actx.Workflow = def.Name
	actx.Step = next
	var results []actions.Result
	if step := def.Step(next); step != nil {
		results = e.cfg.Actions.ExecuteAll(ctx, actx, step.OnEnter)
	}
	actx.MarkStateDirty()
	if err := actx.Flush(ctx); err != nil {
		logging.LogWith(ctx, e.logger).ErrorContext(ctx, "save transition failed", slog.String("error", err.Error()))
	}
	logging.LogWith(ctx, e.logger).InfoContext(ctx, "step transition",
		slog.String("from", from), slog.String("to", next))
	e.audit(ctx, st.SessionID, schema.AuditWorkflowChanged, def.Name, next, "", map[string]any{
		"from": from, "to": next,
	})

	resp := schema.Allow()
	applyResults(resp, results)
	resp.Metadata[MetaWorkflow] = def.Name
	resp.Metadata[MetaStep] = next
	resp.Metadata[MetaTransitionedTo] = next
	return resp
}

func (e *Engine) actionContext(event *schema.HookEvent, st *schema.WorkflowState) *actions.ActionContext {
	return actions.NewActionContext(actions.Persistence{
		States:    e.cfg.States,
		Instances: e.cfg.Instances,
		Renderer:  e.cfg.Renderer,
	}, event, st)
}

// applyResults folds action results into resp. It returns the first verdict found.
func applyResults(resp *schema.HookResponse, results []actions.Result) (schema.Decision, string, bool) {
	var contexts, messages []string
	if resp.Context != "" {
		contexts = append(contexts, resp.Context)
	}
	if resp.SystemMessage != "" {
		messages = append(messages, resp.SystemMessage)
	}
	var (
		decision schema.Decision
		reason   string
		found    bool
	)
	for _, r := range results {
		if c := r.Context(); c != "" {
			contexts = append(contexts, c)
		}
		if m := r.SystemMessage(); m != "" {
			messages = append(messages, m)
		}
		if d, ok := r.Decision(); ok && !found {
			decision, reason, found = d, r.Reason(), true
		}
	}
	resp.Context = strings.Join(contexts, "\n\n")
	resp.SystemMessage = strings.Join(messages, "\n")
	return decision, reason, found
}

// merge combines a lifecycle response with a step response.
func merge(lifecycle, step *schema.HookResponse) *schema.HookResponse {
	out := &schema.HookResponse{
		Decision:      step.Decision,
		Reason:        step.Reason,
		ModifyArgs:    step.ModifyArgs,
		TriggerAction: step.TriggerAction,
		Metadata:      map[string]any{},
	}
	if out.Decision == schema.DecisionAllow && lifecycle.Decision == schema.DecisionAsk {
		out.Decision = schema.DecisionAsk
		out.Reason = lifecycle.Reason
	}
	out.Context = joinNonEmpty("\n\n", lifecycle.Context, step.Context)
	out.SystemMessage = joinNonEmpty("\n", lifecycle.SystemMessage, step.SystemMessage)
	maps.Copy(out.Metadata, lifecycle.Metadata)
	maps.Copy(out.Metadata, step.Metadata)
	return out
}

func joinNonEmpty(sep string, parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}

// observe records metrics and appends the audit entry for a governed event.
func (e *Engine) observe(ctx context.Context, event *schema.HookEvent, resp *schema.HookResponse, start time.Time) {
	e.cfg.Metrics.RecordDecision(string(event.EventType), string(resp.Decision), e.now().Sub(start).Seconds())
	sessionID := event.PlatformSessionID()
	if sessionID == "" {
		return
	}
	workflow, _ := resp.Metadata[MetaWorkflow].(string)
	step, _ := resp.Metadata[MetaStep].(string)
	logging.LogWith(ctx, e.logger).DebugContext(ctx, "hook decision",
		slog.String("event_type", string(event.EventType)),
		slog.String("decision", string(resp.Decision)),
		slog.String("workflow", workflow),
	)
	payload := map[string]any{"event_type": string(event.EventType)}
	if tool := event.ToolName(); tool != "" {
		payload["tool_name"] = tool
	}
	if resp.Reason != "" {
		payload["reason"] = resp.Reason
	}
	e.audit(ctx, sessionID, schema.AuditHookDecision, workflow, step, string(resp.Decision), payload)
}

func (e *Engine) audit(ctx context.Context, sessionID, eventType, workflow, step, decision string, payload map[string]any) {
	if e.cfg.Audit == nil || sessionID == "" {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = nil
	}
	err = e.cfg.Audit.AppendEvent(ctx, &store.Event{
		SessionID: sessionID,
		Type:      eventType,
		Workflow:  workflow,
		Step:      step,
		Decision:  decision,
		Payload:   raw,
		Timestamp: e.now().UTC(),
	})
	if err != nil {
		logging.LogWith(ctx, e.logger).WarnContext(ctx, "audit append failed", slog.String("error", err.Error()))
	}
}

func (e *Engine) publish(ctx context.Context, sessionID, workflow, eventType string, payload any) {
	if e.cfg.Hub == nil {
		return
	}
	err := e.cfg.Hub.Publish(ctx, streaming.StreamEvent{
		SessionID: sessionID,
		Workflow:  workflow,
		EventType: eventType,
		Payload:   payload,
	})
	if err != nil {
		logging.LogWith(ctx, e.logger).DebugContext(ctx, "notification dropped", slog.String("error", err.Error()))
	}
}
