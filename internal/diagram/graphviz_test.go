package diagram

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hookflow/pkg/schema"
)

func TestRenderImagePNG(t *testing.T) {
	model, err := BuildWorkflow(tddWorkflow(), &schema.WorkflowState{WorkflowName: "tdd", Step: "red"})
	require.NoError(t, err)

	png, err := RenderImage(context.Background(), model, FormatPNG)
	require.NoError(t, err)

	// PNG magic bytes: 0x89 P N G.
	require.Greater(t, len(png), 8)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, png[:4])
}

func TestRenderImageSVG(t *testing.T) {
	model, err := BuildPipeline(releasePipeline(), nil)
	require.NoError(t, err)

	svg, err := RenderImage(context.Background(), model, FormatSVG)
	require.NoError(t, err)
	assert.Contains(t, string(svg), "<svg")
	assert.Contains(t, string(svg), "publish")
}

func TestRenderImageUnknownFormat(t *testing.T) {
	_, err := RenderImage(context.Background(), &DiagramModel{}, "gif")
	assert.ErrorContains(t, err, "unsupported image format")
}
