package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hookflow/internal/store"
	"github.com/rendis/hookflow/internal/workflows"
	"github.com/rendis/hookflow/pkg/schema"
)

func exampleConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		DBPath:         filepath.Join(t.TempDir(), "data", "hookflow.db"),
		LogLevel:       "debug",
		WorkflowsDir:   filepath.Join("..", "..", "examples", "workflows"),
		PipelinesDir:   filepath.Join("..", "..", "examples", "pipelines"),
		ShellTimeout:   5 * time.Second,
		MaxOutputBytes: 1 << 20,
	}
}

func newTestApp(t *testing.T, cfg Config) *app {
	t.Helper()
	a, err := newApp(context.Background(), cfg, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func sessionEvent(typ schema.EventType, data map[string]any) *schema.HookEvent {
	return &schema.HookEvent{
		EventType: typ,
		SessionID: "ext-1",
		ProjectID: "web",
		Data:      data,
		Metadata:  map[string]any{schema.MetadataSessionID: "sess-1"},
		Timestamp: time.Now().UTC(),
	}
}

func TestReportValidation_Examples(t *testing.T) {
	cfg := exampleConfig(t)
	a := newTestApp(t, cfg)

	results := append(
		a.loader.ValidateDir(cfg.WorkflowsDir, workflows.KindWorkflow),
		a.loader.ValidateDir(cfg.PipelinesDir, workflows.KindPipeline)...,
	)
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)

	require.NoError(t, reportValidation(cmd, results), out.String())
	assert.Contains(t, out.String(), "4 files, 0 invalid")
}

func TestReportValidation_Failure(t *testing.T) {
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)

	results := []workflows.FileResult{
		{Path: "good.yaml", Kind: workflows.KindWorkflow},
		{Path: "bad.yaml", Kind: workflows.KindWorkflow, ParseError: assert.AnError},
	}
	err := reportValidation(cmd, results)
	require.Error(t, err)
	assert.Contains(t, out.String(), "ok   good.yaml")
	assert.Contains(t, out.String(), "FAIL bad.yaml")
	assert.Contains(t, out.String(), "2 files, 1 invalid")
}

func TestApp_GovernsTDDSession(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t, exampleConfig(t))

	st, err := a.engine.ActivateWorkflow(ctx, "sess-1", "tdd", "")
	require.NoError(t, err)
	assert.Equal(t, "red", st.Step)

	resp := a.engine.Process(ctx, sessionEvent(schema.EventBeforeTool, map[string]any{"tool_name": "write_file"}))
	assert.Equal(t, schema.DecisionDeny, resp.Decision)
	assert.Contains(t, resp.Reason, `"red"`)

	resp = a.engine.Process(ctx, sessionEvent(schema.EventAfterTool, map[string]any{
		"tool_name":  "bash",
		"tool_input": map[string]any{"command": "go test ./..."},
		"exit_code":  1,
	}))
	assert.Equal(t, schema.DecisionAllow, resp.Decision)

	st, err = workflows.NewStateManager(a.store, discardLogger()).Get(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, "green", st.Step)

	vars, err := a.engine.Variables(ctx, "sess-1", "")
	require.NoError(t, err)
	assert.Equal(t, true, vars["test_failed"])

	budget, err := a.engine.Variables(ctx, "sess-1", "budget")
	require.NoError(t, err)
	assert.EqualValues(t, 1, budget["calls"])

	decisions, err := a.store.GetEventsByType(ctx, schema.AuditHookDecision, store.EventFilter{SessionID: "sess-1"})
	require.NoError(t, err)
	assert.Len(t, decisions, 2)
}

func TestApp_BudgetDeniesPastLimit(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t, exampleConfig(t))

	resp := a.engine.Process(ctx, sessionEvent(schema.EventSessionStart, nil))
	assert.Equal(t, schema.DecisionAllow, resp.Decision)
	assert.Contains(t, resp.Context, "200 tool calls")

	require.NoError(t, a.engine.SetVariable(ctx, "sess-1", "budget", "limit", 2))

	tool := map[string]any{"tool_name": "read_file"}
	assert.Equal(t, schema.DecisionAllow, a.engine.Process(ctx, sessionEvent(schema.EventBeforeTool, tool)).Decision)

	resp = a.engine.Process(ctx, sessionEvent(schema.EventBeforeTool, tool))
	assert.Equal(t, schema.DecisionDeny, resp.Decision)
	assert.Equal(t, "Tool budget of 2 calls is spent", resp.Reason)
}

func TestApp_BreakersOnlyWhenArmed(t *testing.T) {
	a := newTestApp(t, exampleConfig(t))
	assert.Nil(t, a.actions.Breakers(), "hook processes run without breakers")

	a.withBreakers()
	require.NotNil(t, a.actions.Breakers())
}

func TestNewApp_BadDatabasePath(t *testing.T) {
	cfg := exampleConfig(t)
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))
	cfg.DBPath = filepath.Join(blocker, "hookflow.db")

	_, err := newApp(context.Background(), cfg, discardLogger())
	require.Error(t, err)
}

func TestDiagram_WorkflowWithSession(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t, exampleConfig(t))

	_, err := a.engine.ActivateWorkflow(ctx, "sess-1", "tdd", "green")
	require.NoError(t, err)

	model, err := buildDiagram(ctx, a, "tdd", diagramOptions{session: "sess-1"})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, renderDiagram(ctx, &out, model, "mermaid"))
	assert.Contains(t, out.String(), "class green current")
	assert.Contains(t, out.String(), "refactor{")

	out.Reset()
	require.NoError(t, renderDiagram(ctx, &out, model, "ascii"))
	assert.Contains(t, out.String(), "green [HERE]")

	assert.ErrorContains(t, renderDiagram(ctx, &out, model, "gif"), "unknown format")
}

func TestDiagram_Pipeline(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t, exampleConfig(t))

	model, err := buildDiagram(ctx, a, "release", diagramOptions{pipeline: true})
	require.NoError(t, err)
	assert.Equal(t, "release", model.Title)
	assert.NotNil(t, model.Node("publish"))

	_, err = buildDiagram(ctx, a, "missing", diagramOptions{pipeline: true})
	assert.True(t, schema.IsNotFound(err))
}
