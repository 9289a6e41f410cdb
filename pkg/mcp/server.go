package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/hookflow/internal/actions"
	"github.com/rendis/hookflow/internal/engine"
	"github.com/rendis/hookflow/internal/pipeline"
	"github.com/rendis/hookflow/internal/store"
	"github.com/rendis/hookflow/internal/streaming"
)

// PipelineApprover resolves pending pipeline approvals by token.
type PipelineApprover interface {
	Resume(ctx context.Context, token string, approved bool) (pipeline.Outcome, error)
}

// AuditReader is the read side of the audit log used by hookflow.events.
type AuditReader interface {
	GetEventsByType(ctx context.Context, eventType string, filter store.EventFilter) ([]*store.Event, error)
}

// HistoryReader replays a session's audit trail for hookflow.history.
type HistoryReader interface {
	Replay(ctx context.Context, sessionID string) (*store.SessionHistory, error)
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Engine    *engine.Engine
	Pipelines PipelineApprover
	Registry  *actions.Registry
	Audit     AuditReader
	History   HistoryReader
	Hub       streaming.EventHub
	Logger    *slog.Logger
}

// Server exposes session governance controls as MCP tools.
type Server struct {
	engine    *engine.Engine
	pipelines PipelineApprover
	registry  *actions.Registry
	audit     AuditReader
	history   HistoryReader
	hub       streaming.EventHub
	logger    *slog.Logger
	sessions  *SessionRegistry
	mcpServer *server.MCPServer
}

// NewServer creates a Server with every control tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		engine:    deps.Engine,
		pipelines: deps.Pipelines,
		registry:  deps.Registry,
		audit:     deps.Audit,
		history:   deps.History,
		hub:       deps.Hub,
		logger:    logger,
		sessions:  NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"hookflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithLogging(),
		server.WithRecovery(),
		server.WithInstructions("Hookflow governs agent sessions with step and lifecycle workflows. Use hookflow.activate_workflow to put a session under a workflow, hookflow.get_variable and hookflow.set_variable to inspect or steer it, and hookflow.approve to resolve pending approvals."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve forwards approval notifications and serves stdio until ctx is
// cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if s.hub != nil {
		notifier := NewMCPNotifier(s.mcpServer, s.sessions, s.logger)
		if err := notifier.Forward(ctx, s.hub); err != nil {
			return err
		}
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: getVariableTool(), Handler: s.handleGetVariable},
		{Tool: setVariableTool(), Handler: s.handleSetVariable},
		{Tool: activateTool(), Handler: s.handleActivate},
		{Tool: deactivateTool(), Handler: s.handleDeactivate},
		{Tool: disableTool(), Handler: s.handleDisable},
		{Tool: instancesTool(), Handler: s.handleInstances},
		{Tool: enableInstanceTool(), Handler: s.handleEnableInstance},
		{Tool: approveTool(), Handler: s.handleApprove},
		{Tool: actionsTool(), Handler: s.handleActions},
		{Tool: eventsTool(), Handler: s.handleEvents},
		{Tool: historyTool(), Handler: s.handleHistory},
	}
}

// --- Tool definitions ---

func sessionArg() mcp.ToolOption {
	return mcp.WithString("session_id", mcp.Required(), mcp.Description("Platform session id of the governed session"))
}

func getVariableTool() mcp.Tool {
	return mcp.NewTool("hookflow.get_variable",
		mcp.WithDescription("Read session or workflow-instance variables"),
		sessionArg(),
		mcp.WithString("name", mcp.Description("Variable name (omit to return all variables)")),
		mcp.WithString("workflow", mcp.Description("Lifecycle workflow whose instance scope to read")),
	)
}

func setVariableTool() mcp.Tool {
	return mcp.NewTool("hookflow.set_variable",
		mcp.WithDescription("Write a session or workflow-instance variable"),
		sessionArg(),
		mcp.WithString("name", mcp.Required(), mcp.Description("Variable name")),
		mcp.WithAny("value", mcp.Required(), mcp.Description("Any JSON value")),
		mcp.WithString("workflow", mcp.Description("Lifecycle workflow whose instance scope to write")),
	)
}

func activateTool() mcp.Tool {
	return mcp.NewTool("hookflow.activate_workflow",
		mcp.WithDescription("Put a session under a step workflow"),
		sessionArg(),
		mcp.WithString("workflow", mcp.Required(), mcp.Description("Step workflow name")),
		mcp.WithString("step", mcp.Description("Step to start in (default: first step)")),
	)
}

func deactivateTool() mcp.Tool {
	return mcp.NewTool("hookflow.deactivate_workflow",
		mcp.WithDescription("Release a session from its step workflow, keeping its variables"),
		sessionArg(),
	)
}

func disableTool() mcp.Tool {
	return mcp.NewTool("hookflow.disable_workflow",
		mcp.WithDescription("Pause or resume enforcement of the session's step workflow"),
		sessionArg(),
		mcp.WithBoolean("disabled", mcp.Description("true pauses, false resumes (default: true)")),
		mcp.WithString("reason", mcp.Description("Why enforcement is paused")),
	)
}

func instancesTool() mcp.Tool {
	return mcp.NewTool("hookflow.list_instances",
		mcp.WithDescription("List the session's lifecycle workflow instances in evaluation order"),
		sessionArg(),
	)
}

func enableInstanceTool() mcp.Tool {
	return mcp.NewTool("hookflow.enable_instance",
		mcp.WithDescription("Enable or disable a lifecycle workflow for one session"),
		sessionArg(),
		mcp.WithString("workflow", mcp.Required(), mcp.Description("Lifecycle workflow name")),
		mcp.WithBoolean("enabled", mcp.Required(), mcp.Description("Whether the instance runs")),
	)
}

func approveTool() mcp.Tool {
	return mcp.NewTool("hookflow.approve",
		mcp.WithDescription("Resolve a pending approval: a pipeline approval by token, or a step approval by session"),
		mcp.WithString("token", mcp.Description("Pipeline approval token")),
		mcp.WithString("session_id", mcp.Description("Session with a pending step approval")),
		mcp.WithBoolean("approved", mcp.Description("false rejects (default: true)")),
		mcp.WithString("reason", mcp.Description("Reason recorded with the resolution")),
	)
}

func actionsTool() mcp.Tool {
	return mcp.NewTool("hookflow.list_actions",
		mcp.WithDescription("List the actions available to workflow triggers"),
	)
}

func eventsTool() mcp.Tool {
	return mcp.NewTool("hookflow.events",
		mcp.WithDescription("Query the audit log"),
		mcp.WithString("event_type", mcp.Required(),
			mcp.Enum("hook_decision", "approval_required", "approval_resolved", "pipeline_status", "workflow_changed"),
			mcp.Description("Audit event type"),
		),
		mcp.WithString("session_id", mcp.Description("Restrict to one session")),
		mcp.WithString("workflow", mcp.Description("Restrict to one workflow")),
		mcp.WithString("since", mcp.Description("RFC3339 lower bound")),
		mcp.WithNumber("limit", mcp.Description("Maximum events (default: 100)")),
	)
}

func historyTool() mcp.Tool {
	return mcp.NewTool("hookflow.history",
		mcp.WithDescription("Summarize a session's audit trail: decisions, denials, approvals and its current workflow"),
		sessionArg(),
	)
}
