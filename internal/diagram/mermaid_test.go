package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hookflow/pkg/schema"
)

func TestRenderMermaidWorkflow(t *testing.T) {
	model, err := BuildWorkflow(tddWorkflow(), &schema.WorkflowState{WorkflowName: "tdd", Step: "green"})
	require.NoError(t, err)

	output := RenderMermaid(model)

	assert.Contains(t, output, "graph TD\n")
	assert.Contains(t, output, "%% tdd")
	assert.Contains(t, output, `__start__(("Start"))`)
	assert.Contains(t, output, `red["red"]`)
	assert.Contains(t, output, `ship{"ship"}`)
	assert.Contains(t, output, "__start__ --> red")
	assert.Contains(t, output, "red -->|inputs.exit_code != 0| green")
	assert.Contains(t, output, "classDef current")
	assert.Contains(t, output, "class green current")
	assert.NotContains(t, output, "class red")
}

func TestRenderMermaidPipelineShapes(t *testing.T) {
	model, err := BuildPipeline(releasePipeline(), nil)
	require.NoError(t, err)

	output := RenderMermaid(model)
	assert.Contains(t, output, `build["build"]`)
	assert.Contains(t, output, `notes[/"notes"/]`)
	assert.Contains(t, output, `publish[["publish"]]`)
	assert.Contains(t, output, `notes -->|inputs.env == #quot;prod#quot;| prod_only`)
	assert.Contains(t, output, `__end__(("End"))`)
}

func TestMermaidSafeID(t *testing.T) {
	assert.Equal(t, "a_b_c_d_e", mermaidSafeID("a.b-c d/e"))
	assert.Equal(t, "x #124;#124; y", mermaidEscapeLabel("x || y"))
}
