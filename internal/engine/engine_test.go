package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hookflow/internal/actions"
	"github.com/rendis/hookflow/internal/expressions"
	"github.com/rendis/hookflow/internal/store"
	"github.com/rendis/hookflow/internal/streaming"
	"github.com/rendis/hookflow/internal/telemetry"
	"github.com/rendis/hookflow/internal/workflows"
	"github.com/rendis/hookflow/pkg/schema"
)

// countingStore wraps a real store and counts the writes the engine makes.
type countingStore struct {
	store.Store
	mu             sync.Mutex
	stateWrites    int
	instanceWrites int
	events         []*store.Event
}

func (c *countingStore) UpsertWorkflowState(ctx context.Context, st *schema.WorkflowState) error {
	c.mu.Lock()
	c.stateWrites++
	c.mu.Unlock()
	return c.Store.UpsertWorkflowState(ctx, st)
}

func (c *countingStore) UpsertWorkflowInstance(ctx context.Context, inst *schema.WorkflowInstance) error {
	c.mu.Lock()
	c.instanceWrites++
	c.mu.Unlock()
	return c.Store.UpsertWorkflowInstance(ctx, inst)
}

func (c *countingStore) AppendEvent(ctx context.Context, ev *store.Event) error {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	return c.Store.AppendEvent(ctx, ev)
}

func (c *countingStore) writes() (states, instances, events int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateWrites, c.instanceWrites, len(c.events)
}

func (c *countingStore) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateWrites, c.instanceWrites, c.events = 0, 0, nil
}

// recordingEvaluator remembers every condition it was asked about.
type recordingEvaluator struct {
	inner *expressions.SafeEvaluator
	mu    sync.Mutex
	seen  []string
}

func (r *recordingEvaluator) EvaluateBool(ctx context.Context, expr string, data map[string]any) bool {
	r.mu.Lock()
	r.seen = append(r.seen, expr)
	r.mu.Unlock()
	return r.inner.EvaluateBool(ctx, expr, data)
}

func (r *recordingEvaluator) evaluated() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

// recordAction appends its workflow to a shared log.
type recordAction struct {
	mu  sync.Mutex
	ran []string
}

func (a *recordAction) Name() string                  { return "record" }
func (a *recordAction) Schema() actions.ActionSchema  { return actions.ActionSchema{Description: "test"} }
func (a *recordAction) Validate(map[string]any) error { return nil }

func (a *recordAction) Execute(_ context.Context, actx *actions.ActionContext, _ map[string]any) (actions.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ran = append(a.ran, actx.Workflow)
	return actions.Result{}, nil
}

func (a *recordAction) order() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.ran...)
}

type harness struct {
	engine    *Engine
	store     *countingStore
	loader    *workflows.Loader
	states    *workflows.StateManager
	instances *workflows.InstanceManager
	eval      *recordingEvaluator
	record    *recordAction
	hub       *streaming.MemoryHub
	metrics   *prometheus.Registry
	now       time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	base, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	require.NoError(t, base.Migrate(context.Background()))
	t.Cleanup(func() { _ = base.Close() })

	h := &harness{
		store:   &countingStore{Store: base},
		loader:  workflows.NewLoader(workflows.LoaderConfig{}),
		eval:    &recordingEvaluator{inner: expressions.NewSafeEvaluator(nil)},
		record:  &recordAction{},
		hub:     streaming.NewMemoryHub(),
		metrics: prometheus.NewRegistry(),
		now:     time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	h.states = workflows.NewStateManager(h.store, nil)
	h.instances = workflows.NewInstanceManager(h.store, nil)

	reg, err := actions.NewBuiltinRegistry(actions.Deps{Definitions: h.loader})
	require.NoError(t, err)
	require.NoError(t, reg.Register(h.record))
	metrics := telemetry.New(h.metrics)

	h.engine = New(Config{
		Definitions: h.loader,
		States:      h.states,
		Instances:   h.instances,
		Actions:     actions.NewExecutor(reg, metrics, nil),
		Conditions:  h.eval,
		Audit:       h.store,
		Hub:         h.hub,
		Metrics:     metrics,
		Now:         func() time.Time { return h.now },
	})
	return h
}

func (h *harness) setState(t *testing.T, st *schema.WorkflowState) {
	t.Helper()
	if st.SessionID == "" {
		st.SessionID = "sess"
	}
	if st.Variables == nil {
		st.Variables = map[string]any{}
	}
	require.NoError(t, h.states.Save(context.Background(), st))
	h.store.reset()
}

func (h *harness) state(t *testing.T) *schema.WorkflowState {
	t.Helper()
	st, err := h.states.Get(context.Background(), "sess")
	require.NoError(t, err)
	require.NotNil(t, st)
	return st
}

func toolEvent(tool string) *schema.HookEvent {
	return &schema.HookEvent{
		EventType: schema.EventBeforeTool,
		SessionID: "ext-1",
		ProjectID: "proj",
		Data:      map[string]any{"tool_name": tool},
		Metadata:  map[string]any{schema.MetadataSessionID: "sess"},
	}
}

func tddWorkflow() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Name: "tdd",
		Type: schema.WorkflowTypeStep,
		Steps: []schema.WorkflowStep{
			{
				Name:         "red",
				AllowedTools: schema.AllToolsSet(),
				BlockedTools: []string{"write_file"},
				Transitions: []schema.Transition{
					{Condition: `inputs.tool_name == "run_tests"`, NextStep: "green"},
				},
			},
			{
				Name:         "green",
				AllowedTools: schema.ToolSet{Names: []string{"edit_file", "run_tests", "github/*"}},
				OnEnter: []schema.ActionSpec{
					{Action: "set_variable", Params: map[string]any{"name": "phase", "value": "green"}},
				},
			},
		},
	}
}

func TestHandleEvent_NoSessionAllowsWithoutWrites(t *testing.T) {
	h := newHarness(t)
	h.loader.AddWorkflow(tddWorkflow())

	ev := toolEvent("write_file")
	ev.Metadata = nil
	resp := h.engine.HandleEvent(context.Background(), ev)

	assert.Equal(t, schema.DecisionAllow, resp.Decision)
	states, instances, events := h.store.writes()
	assert.Zero(t, states)
	assert.Zero(t, instances)
	assert.Zero(t, events)
}

func TestHandleEvent_FailsOpen(t *testing.T) {
	cases := []struct {
		name  string
		state *schema.WorkflowState
	}{
		{"no state", nil},
		{"disabled", &schema.WorkflowState{WorkflowName: "tdd", Step: "red", Disabled: true}},
		{"lifecycle marker", &schema.WorkflowState{WorkflowName: schema.LifecycleMarker}},
		{"missing definition", &schema.WorkflowState{WorkflowName: "ghost", Step: "red"}},
		{"missing step", &schema.WorkflowState{WorkflowName: "tdd", Step: "refactor"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.loader.AddWorkflow(tddWorkflow())
			if tc.state != nil {
				h.setState(t, tc.state)
			}
			resp := h.engine.HandleEvent(context.Background(), toolEvent("write_file"))
			assert.Equal(t, schema.DecisionAllow, resp.Decision)
			states, _, _ := h.store.writes()
			assert.Zero(t, states)
		})
	}
}

func TestHandleEvent_BlockedToolDeniedInTDDRed(t *testing.T) {
	h := newHarness(t)
	def := tddWorkflow()
	def.Steps[0].AllowedTools = schema.ToolSet{Names: []string{"write_file", "read_file"}}
	h.loader.AddWorkflow(def)
	h.setState(t, &schema.WorkflowState{WorkflowName: "tdd", Step: "red"})

	resp := h.engine.HandleEvent(context.Background(), toolEvent("write_file"))

	assert.Equal(t, schema.DecisionDeny, resp.Decision)
	assert.Contains(t, resp.Reason, "red")
	assert.Contains(t, resp.Reason, "write_file")
	assert.Equal(t, "tdd", resp.Metadata[MetaWorkflow])
}

func TestHandleEvent_AllowedToolsList(t *testing.T) {
	h := newHarness(t)
	h.loader.AddWorkflow(tddWorkflow())
	h.setState(t, &schema.WorkflowState{WorkflowName: "tdd", Step: "green"})
	ctx := context.Background()

	resp := h.engine.HandleEvent(ctx, toolEvent("delete_repo"))
	assert.Equal(t, schema.DecisionDeny, resp.Decision)
	assert.Contains(t, resp.Reason, "not allowed")

	assert.Equal(t, schema.DecisionAllow, h.engine.HandleEvent(ctx, toolEvent("edit_file")).Decision)

	qualified := toolEvent("create_issue")
	qualified.Data["mcp_server"] = "github"
	assert.Equal(t, schema.DecisionAllow, h.engine.HandleEvent(ctx, qualified).Decision)

	// Non-tool events are never gated.
	other := toolEvent("delete_repo")
	other.EventType = schema.EventBeforeAgent
	assert.Equal(t, schema.DecisionAllow, h.engine.HandleEvent(ctx, other).Decision)
}

func TestHandleEvent_RulesFirstMatchWins(t *testing.T) {
	h := newHarness(t)
	h.loader.AddWorkflow(&schema.WorkflowDefinition{
		Name: "guard",
		Type: schema.WorkflowTypeStep,
		Steps: []schema.WorkflowStep{{
			Name:         "work",
			AllowedTools: schema.AllToolsSet(),
			Rules: []schema.Rule{
				{Condition: `inputs.tool_name == "rm"`, Effect: schema.DecisionDeny, Reason: "R1"},
				{Condition: `inputs.tool_name == "bash" && variables.env == "prod"`, Effect: schema.DecisionDeny, Reason: "no bash in {{ variables.env }}"},
				{Condition: `inputs.tool_name == "bash"`, Effect: schema.DecisionAllow, Reason: "R3"},
			},
			Transitions: []schema.Transition{{Condition: `true`, NextStep: "work"}},
		}},
	})
	h.setState(t, &schema.WorkflowState{WorkflowName: "guard", Step: "work", Variables: map[string]any{"env": "prod"}})

	resp := h.engine.HandleEvent(context.Background(), toolEvent("bash"))

	assert.Equal(t, schema.DecisionDeny, resp.Decision)
	assert.Equal(t, "no bash in prod", resp.Reason)
	seen := h.eval.evaluated()
	assert.Len(t, seen, 2)
	assert.NotContains(t, seen, `inputs.tool_name == "bash"`)
	assert.NotContains(t, seen, `true`)
	states, _, _ := h.store.writes()
	assert.Zero(t, states)
}

func TestHandleEvent_TransitionPersistsOnce(t *testing.T) {
	h := newHarness(t)
	h.loader.AddWorkflow(tddWorkflow())
	h.setState(t, &schema.WorkflowState{WorkflowName: "tdd", Step: "red"})

	resp := h.engine.HandleEvent(context.Background(), toolEvent("run_tests"))

	assert.Equal(t, schema.DecisionAllow, resp.Decision)
	assert.Equal(t, "green", resp.Metadata[MetaTransitionedTo])
	states, _, _ := h.store.writes()
	assert.Equal(t, 1, states)

	st := h.state(t)
	assert.Equal(t, "green", st.Step)
	assert.Equal(t, "green", st.Variables["phase"])
	require.NotNil(t, st.StepEnteredAt)
	assert.True(t, st.StepEnteredAt.Equal(h.now))
}

func TestHandleEvent_NoTransitionNoWrite(t *testing.T) {
	h := newHarness(t)
	h.loader.AddWorkflow(tddWorkflow())
	h.setState(t, &schema.WorkflowState{WorkflowName: "tdd", Step: "red"})

	resp := h.engine.HandleEvent(context.Background(), toolEvent("read_file"))

	assert.Equal(t, schema.DecisionAllow, resp.Decision)
	assert.Equal(t, "red", resp.Metadata[MetaStep])
	states, _, events := h.store.writes()
	assert.Zero(t, states)
	assert.Equal(t, 1, events)
}

func TestHandleEvent_AuditsAndCountsDecisions(t *testing.T) {
	h := newHarness(t)
	h.loader.AddWorkflow(tddWorkflow())
	h.setState(t, &schema.WorkflowState{WorkflowName: "tdd", Step: "red"})
	ctx := context.Background()

	h.engine.HandleEvent(ctx, toolEvent("write_file"))
	h.engine.HandleEvent(ctx, toolEvent("read_file"))

	events, err := h.store.GetEvents(ctx, "sess", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, schema.AuditHookDecision, events[0].Type)
	assert.Equal(t, "deny", events[0].Decision)
	assert.Equal(t, "tdd", events[0].Workflow)
	assert.Equal(t, int64(1), events[0].Sequence)
	assert.Equal(t, int64(2), events[1].Sequence)

	n, err := testutil.GatherAndCount(h.metrics, "hookflow_decisions_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestActivateAndDeactivateWorkflow(t *testing.T) {
	h := newHarness(t)
	def := tddWorkflow()
	def.Variables = map[string]any{"env": "dev", "retries": 3}
	h.loader.AddWorkflow(def)
	h.loader.AddWorkflow(&schema.WorkflowDefinition{Name: "watch", Type: schema.WorkflowTypeLifecycle})
	h.setState(t, &schema.WorkflowState{WorkflowName: schema.LifecycleMarker, Variables: map[string]any{"env": "prod"}})
	ctx := context.Background()

	st, err := h.engine.ActivateWorkflow(ctx, "sess", "tdd", "")
	require.NoError(t, err)
	assert.Equal(t, "red", st.Step)

	st = h.state(t)
	assert.Equal(t, "tdd", st.WorkflowName)
	assert.Equal(t, "prod", st.Variables["env"])
	assert.EqualValues(t, 3, st.Variables["retries"])

	_, err = h.engine.ActivateWorkflow(ctx, "sess", "tdd", "green")
	require.NoError(t, err)
	assert.Equal(t, "green", h.state(t).Variables["phase"])

	_, err = h.engine.ActivateWorkflow(ctx, "sess", "watch", "")
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	_, err = h.engine.ActivateWorkflow(ctx, "sess", "tdd", "refactor")
	assert.True(t, schema.IsNotFound(err))
	_, err = h.engine.ActivateWorkflow(ctx, "sess", "ghost", "")
	assert.True(t, schema.IsNotFound(err))

	require.NoError(t, h.engine.DeactivateWorkflow(ctx, "sess"))
	st = h.state(t)
	assert.True(t, st.IsLifecycleOnly())
	assert.Equal(t, "prod", st.Variables["env"])
	assert.Equal(t, schema.DecisionAllow, h.engine.HandleEvent(ctx, toolEvent("write_file")).Decision)
}

func TestSetWorkflowDisabled(t *testing.T) {
	h := newHarness(t)
	h.loader.AddWorkflow(tddWorkflow())
	h.setState(t, &schema.WorkflowState{WorkflowName: "tdd", Step: "red"})
	ctx := context.Background()

	require.NoError(t, h.engine.SetWorkflowDisabled(ctx, "sess", true, "pairing"))
	assert.Equal(t, schema.DecisionAllow, h.engine.HandleEvent(ctx, toolEvent("write_file")).Decision)
	assert.Equal(t, "red", h.state(t).Step)

	require.NoError(t, h.engine.SetWorkflowDisabled(ctx, "sess", false, ""))
	assert.Equal(t, schema.DecisionDeny, h.engine.HandleEvent(ctx, toolEvent("write_file")).Decision)

	err := h.engine.SetWorkflowDisabled(ctx, "nobody", true, "")
	assert.True(t, schema.IsNotFound(err))
}
