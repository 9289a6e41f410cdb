package workflows

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hookflow/internal/expressions"
	"github.com/rendis/hookflow/internal/validation"
	"github.com/rendis/hookflow/pkg/schema"
)

const tddYAML = `
name: tdd
description: red, green, refactor
steps:
  - name: red
    blocked_tools: [write_file]
    rules:
      - condition: inputs.tool_name == "rm"
        effect: deny
        reason: no deletes while red
    transitions:
      - condition: steps.tests_failing == true
        next_step: green
  - name: green
    allowed_tools: [read_file, edit_file]
variables:
  tests_failing: false
`

const guardYAML = `
name: guard
type: lifecycle
priority: 10
triggers:
  on_before_tool:
    - action: increment_variable
      name: tool_calls
    - action: inject_message
      content: "calls: {{ tool_calls }}"
`

const deployJSON = `{
  "name": "deploy",
  "steps": [
    {"id": "build", "exec": "make build"},
    {"id": "ship", "exec": "make ship", "approval": {"required": true, "timeout_seconds": 60}}
  ]
}`

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func newTestValidator(t *testing.T) *validation.DefinitionValidator {
	t.Helper()
	cel, err := expressions.NewCELEngine(nil)
	require.NoError(t, err)
	v, err := validation.NewDefinitionValidator(validation.Checkers{
		Conditions: expressions.NewSafeEvaluator(nil),
		CEL:        cel,
		JQ:         expressions.NewGoJQEngine(),
	})
	require.NoError(t, err)
	return v
}

func TestLoader_LoadsDirectories(t *testing.T) {
	root := t.TempDir()
	wfDir := filepath.Join(root, "workflows")
	plDir := filepath.Join(root, "pipelines")
	writeFile(t, wfDir, "tdd.yaml", tddYAML)
	writeFile(t, filepath.Join(wfDir, "lifecycle"), "guard.yml", guardYAML)
	writeFile(t, wfDir, "README.md", "ignored")
	writeFile(t, plDir, "deploy.json", deployJSON)

	l := NewLoader(LoaderConfig{WorkflowsDir: wfDir, PipelinesDir: plDir, Validator: newTestValidator(t)})
	ctx := context.Background()

	tdd, err := l.Workflow(ctx, "tdd")
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowTypeStep, tdd.Type, "type defaults to step")
	red := tdd.Step("red")
	require.NotNil(t, red)
	assert.True(t, red.AllowedTools.All)
	assert.Equal(t, []string{"write_file"}, red.BlockedTools)
	assert.Equal(t, schema.DecisionDeny, red.Rules[0].Effect)
	green := tdd.Step("green")
	require.NotNil(t, green)
	assert.Equal(t, []string{"read_file", "edit_file"}, green.AllowedTools.Names)

	lifecycle, err := l.LifecycleWorkflows(ctx)
	require.NoError(t, err)
	require.Len(t, lifecycle, 1)
	assert.Equal(t, 10, lifecycle[0].DefaultPriority())
	acts, ok := lifecycle[0].TriggerActions(schema.EventBeforeTool)
	require.True(t, ok)
	require.Len(t, acts, 2)
	assert.Equal(t, "increment_variable", acts[0].Action)
	assert.Equal(t, "tool_calls", acts[0].Params["name"])

	deploy, err := l.Pipeline(ctx, "deploy")
	require.NoError(t, err)
	require.Len(t, deploy.Steps, 2)
	assert.True(t, deploy.Steps[1].Approval.Required)

	_, err = l.Workflow(ctx, "missing")
	assert.True(t, schema.IsNotFound(err))
	_, err = l.Pipeline(ctx, "missing")
	assert.True(t, schema.IsNotFound(err))

	assert.Len(t, l.Workflows(ctx), 2)
}

func TestLoader_SkipsInvalidFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "good.yaml", tddYAML)
	writeFile(t, dir, "bad.yaml", "name: bad\ntype: step\nsteps: []\n")
	writeFile(t, dir, "broken.yaml", "name: [unclosed\n")
	writeFile(t, dir, "dup.yaml", tddYAML)

	l := NewLoader(LoaderConfig{WorkflowsDir: dir, Validator: newTestValidator(t)})
	err := l.Reload(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.yaml")
	assert.Contains(t, err.Error(), "broken.yaml")
	assert.Contains(t, err.Error(), "duplicate workflow name")

	_, err = l.Workflow(context.Background(), "tdd")
	assert.NoError(t, err)
}

func TestLoader_InMemoryAndMissingDir(t *testing.T) {
	l := NewLoader(LoaderConfig{WorkflowsDir: filepath.Join(t.TempDir(), "nope")})
	l.AddWorkflow(&schema.WorkflowDefinition{Name: "x", Type: schema.WorkflowTypeStep})
	l.AddPipeline(&schema.PipelineDefinition{Name: "p"})

	ctx := context.Background()
	require.NoError(t, l.Reload(ctx))
	_, err := l.Workflow(ctx, "x")
	assert.NoError(t, err)
	_, err = l.Pipeline(ctx, "p")
	assert.NoError(t, err)
}

func TestLoadFile_ValidationResult(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "tdd.yaml", tddYAML)
	l := NewLoader(LoaderConfig{Validator: newTestValidator(t)})

	res := l.LoadFile(filepath.Join(dir, "tdd.yaml"), KindWorkflow)
	require.NoError(t, res.Err())
	require.NotNil(t, res.Validation)
	assert.True(t, res.Validation.Valid())

	res = l.LoadFile(filepath.Join(dir, "tdd.yaml"), KindPipeline)
	require.Error(t, res.Err(), "a workflow is not a valid pipeline")
}

func TestParseDocument(t *testing.T) {
	_, err := ParseDocument([]byte("  \n"))
	require.Error(t, err)

	_, err = ParseDocument([]byte("- a\n- b\n"))
	require.Error(t, err)

	doc, err := ParseDocument([]byte(`{"name": "x"}`))
	require.NoError(t, err)
	assert.Equal(t, "x", doc["name"])
}
