package mcpclient

import (
	"context"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hookflow/pkg/schema"
)

func testServer() *server.MCPServer {
	s := server.NewMCPServer("fixture", "1.0.0", server.WithToolCapabilities(false))
	s.AddTool(mcp.NewTool("echo", mcp.WithString("msg", mcp.Required())),
		func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText(req.GetString("msg", "")), nil
		})
	s.AddTool(mcp.NewTool("lookup"),
		func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText(`{"url": "https://example.test", "count": 2}`), nil
		})
	s.AddTool(mcp.NewTool("broken"),
		func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultError("disk full"), nil
		})
	return s
}

func inProcess(dials *int) Dialer {
	return func(ctx context.Context, _ string, _ ServerConfig) (*client.Client, error) {
		*dials++
		c, err := client.NewInProcessClient(testServer())
		if err != nil {
			return nil, err
		}
		if err := c.Start(ctx); err != nil {
			return nil, err
		}
		return c, nil
	}
}

func TestManager_CallTool(t *testing.T) {
	dials := 0
	m := NewManager(map[string]ServerConfig{"fx": {Command: "unused"}}, nil).WithDialer(inProcess(&dials))
	defer m.Close()
	ctx := context.Background()

	assert.Equal(t, "idle", m.Status()["fx"])

	out, err := m.CallTool(ctx, "fx", "echo", map[string]any{"msg": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	out, err = m.CallTool(ctx, "fx", "lookup", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"url": "https://example.test", "count": float64(2)}, out)

	_, err = m.CallTool(ctx, "fx", "broken", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	assert.Equal(t, 1, dials, "client is reused across calls")
	assert.Equal(t, "connected", m.Status()["fx"])
	assert.Equal(t, []string{"fx"}, m.Servers())
}

func TestManager_UnknownServerAndDialFailure(t *testing.T) {
	m := NewManager(map[string]ServerConfig{"bad": {Command: "x"}}, nil).WithDialer(
		func(context.Context, string, ServerConfig) (*client.Client, error) {
			return nil, errors.New("no such binary")
		})
	ctx := context.Background()

	_, err := m.CallTool(ctx, "nope", "echo", nil)
	assert.True(t, schema.IsNotFound(err))

	_, err = m.CallTool(ctx, "bad", "echo", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such binary")
	assert.Equal(t, "error: no such binary", m.Status()["bad"])
	require.NoError(t, m.Close())
}
