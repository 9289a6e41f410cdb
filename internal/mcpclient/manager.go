// Package mcpclient runs configured MCP servers on demand and calls their
// tools for mcp-kind pipeline steps.
package mcpclient

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/hookflow/pkg/schema"
)

// ServerConfig describes how to launch one stdio MCP server.
type ServerConfig struct {
	Command string            `json:"command" mapstructure:"command"`
	Args    []string          `json:"args,omitempty" mapstructure:"args"`
	Env     map[string]string `json:"env,omitempty" mapstructure:"env"`
}

// ToolCaller invokes a tool on a named server.
type ToolCaller interface {
	CallTool(ctx context.Context, server, tool string, args map[string]any) (any, error)
}

// Dialer returns a started, uninitialized client for a configured server.
type Dialer func(ctx context.Context, name string, cfg ServerConfig) (*client.Client, error)

// Manager owns one client per server. Servers start on first use; a client
// whose call fails at the transport level is dropped and redialed next time.
type Manager struct {
	configs map[string]ServerConfig
	dial    Dialer
	logger  *slog.Logger

	mu      sync.Mutex
	clients map[string]*client.Client
	lastErr map[string]string
}

var _ ToolCaller = (*Manager)(nil)

// NewManager creates a Manager for the given server configs.
func NewManager(configs map[string]ServerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		configs: configs,
		dial:    dialStdio,
		logger:  logger,
		clients: make(map[string]*client.Client),
		lastErr: make(map[string]string),
	}
}

// WithDialer replaces how clients are created.
func (m *Manager) WithDialer(d Dialer) *Manager {
	m.dial = d
	return m
}

// Servers returns the configured server names, sorted.
func (m *Manager) Servers() []string {
	names := make([]string, 0, len(m.configs))
	for name := range m.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CallTool calls tool on server. Structured content is returned as is; text
// content that parses as JSON is decoded, otherwise the joined text is returned.
func (m *Manager) CallTool(ctx context.Context, server, tool string, args map[string]any) (any, error) {
	c, err := m.client(ctx, server)
	if err != nil {
		return nil, err
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args
	res, err := c.CallTool(ctx, req)
	if err != nil {
		m.drop(server, err)
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "mcp %s/%s: %s", server, tool, err.Error()).WithCause(err)
	}

	text := resultText(res)
	if res.IsError {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "mcp %s/%s returned an error: %s", server, tool, text)
	}
	if res.StructuredContent != nil {
		return res.StructuredContent, nil
	}
	var decoded any
	if err := json.Unmarshal([]byte(text), &decoded); err == nil {
		return decoded, nil
	}
	return text, nil
}

// Status reports "connected", "idle" or the last error for each server.
func (m *Manager) Status() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.configs))
	for name := range m.configs {
		switch {
		case m.clients[name] != nil:
			out[name] = "connected"
		case m.lastErr[name] != "":
			out[name] = "error: " + m.lastErr[name]
		default:
			out[name] = "idle"
		}
	}
	return out
}

// Close shuts every running server down.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for name, c := range m.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(m.clients, name)
	}
	return errors.Join(errs...)
}

func (m *Manager) client(ctx context.Context, name string) (*client.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.clients[name]; ok {
		return c, nil
	}
	cfg, ok := m.configs[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "mcp server %q is not configured", name)
	}

	c, err := m.dial(ctx, name, cfg)
	if err != nil {
		m.lastErr[name] = err.Error()
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "start mcp server %q: %s", name, err.Error()).WithCause(err)
	}

	init := mcp.InitializeRequest{}
	init.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	init.Params.ClientInfo = mcp.Implementation{Name: "hookflow", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, init); err != nil {
		_ = c.Close()
		m.lastErr[name] = err.Error()
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "initialize mcp server %q: %s", name, err.Error()).WithCause(err)
	}

	m.clients[name] = c
	delete(m.lastErr, name)
	m.logger.InfoContext(ctx, "mcp server connected", slog.String("server", name))
	return c, nil
}

func (m *Manager) drop(name string, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clients[name]; ok {
		_ = c.Close()
		delete(m.clients, name)
	}
	m.lastErr[name] = cause.Error()
	m.logger.Warn("mcp server dropped", slog.String("server", name), slog.String("error", cause.Error()))
}

func dialStdio(_ context.Context, _ string, cfg ServerConfig) (*client.Client, error) {
	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return client.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
}

func resultText(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if tc, ok := mcp.AsTextContent(c); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
