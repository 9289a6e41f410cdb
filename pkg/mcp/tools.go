package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/hookflow/internal/engine"
	"github.com/rendis/hookflow/internal/pipeline"
	"github.com/rendis/hookflow/internal/store"
)

// handleGetVariable returns one variable or the whole scope.
func (s *Server) handleGetVariable(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	s.captureSession(ctx, sessionID)
	workflow := req.GetString("workflow", "")

	vars, varErr := s.engine.Variables(ctx, sessionID, workflow)
	if varErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("read variables failed: %v", varErr)), nil
	}

	name := req.GetString("name", "")
	if name == "" {
		return marshalResult(map[string]any{"variables": vars})
	}
	value, ok := vars[name]
	return marshalResult(map[string]any{
		"name":   name,
		"value":  value,
		"exists": ok,
	})
}

// handleSetVariable writes one variable.
func (s *Server) handleSetVariable(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	s.captureSession(ctx, sessionID)
	value := req.GetArguments()["value"]
	workflow := req.GetString("workflow", "")

	if setErr := s.engine.SetVariable(ctx, sessionID, workflow, name, value); setErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("set variable failed: %v", setErr)), nil
	}
	return marshalResult(map[string]any{
		"ok":       true,
		"name":     name,
		"value":    value,
		"workflow": workflow,
	})
}

// handleActivate puts the session under a step workflow.
func (s *Server) handleActivate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	workflow, err := req.RequireString("workflow")
	if err != nil {
		return mcp.NewToolResultError("workflow is required"), nil
	}
	s.captureSession(ctx, sessionID)

	st, actErr := s.engine.ActivateWorkflow(ctx, sessionID, workflow, req.GetString("step", ""))
	if actErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("activate failed: %v", actErr)), nil
	}
	return marshalResult(st)
}

func (s *Server) handleDeactivate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	if deErr := s.engine.DeactivateWorkflow(ctx, sessionID); deErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("deactivate failed: %v", deErr)), nil
	}
	return marshalResult(map[string]any{"ok": true, "session_id": sessionID})
}

func (s *Server) handleDisable(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	disabled := req.GetBool("disabled", true)
	reason := req.GetString("reason", "")

	if disErr := s.engine.SetWorkflowDisabled(ctx, sessionID, disabled, reason); disErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("update failed: %v", disErr)), nil
	}
	return marshalResult(map[string]any{
		"ok":       true,
		"disabled": disabled,
	})
}

func (s *Server) handleInstances(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	insts, listErr := s.engine.Instances(ctx, sessionID)
	if listErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list instances failed: %v", listErr)), nil
	}
	return marshalResult(map[string]any{"instances": insts})
}

func (s *Server) handleEnableInstance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	workflow, err := req.RequireString("workflow")
	if err != nil {
		return mcp.NewToolResultError("workflow is required"), nil
	}
	enabled, err := req.RequireBool("enabled")
	if err != nil {
		return mcp.NewToolResultError("enabled is required"), nil
	}

	inst, setErr := s.engine.SetInstanceEnabled(ctx, sessionID, workflow, enabled)
	if setErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("update instance failed: %v", setErr)), nil
	}
	return marshalResult(inst)
}

// handleApprove resolves a pipeline approval when a token is given, otherwise
// the step approval pending on the session.
func (s *Server) handleApprove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	token := req.GetString("token", "")
	sessionID := req.GetString("session_id", "")
	approved := req.GetBool("approved", true)
	reason := req.GetString("reason", "")

	switch {
	case token != "":
		if s.pipelines == nil {
			return mcp.NewToolResultError("pipeline approvals are not available"), nil
		}
		outcome, err := s.pipelines.Resume(ctx, token, approved)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", err)), nil
		}
		return marshalResult(outcomeSummary(outcome))

	case sessionID != "":
		s.captureSession(ctx, sessionID)
		result := engine.ApprovalApproved
		if !approved {
			result = engine.ApprovalRejected
		}
		if err := s.engine.ResolveApproval(ctx, sessionID, result, reason); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("resolve failed: %v", err)), nil
		}
		return marshalResult(map[string]any{
			"ok":         true,
			"session_id": sessionID,
			"result":     result,
		})

	default:
		return mcp.NewToolResultError("either token or session_id is required"), nil
	}
}

func (s *Server) handleActions(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.registry == nil {
		return marshalResult(map[string]any{"actions": []any{}})
	}
	return marshalResult(map[string]any{"actions": s.registry.List()})
}

func (s *Server) handleEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	eventType, err := req.RequireString("event_type")
	if err != nil {
		return mcp.NewToolResultError("event_type is required"), nil
	}
	if s.audit == nil {
		return mcp.NewToolResultError("audit log is not available"), nil
	}

	filter := store.EventFilter{
		SessionID: req.GetString("session_id", ""),
		Workflow:  req.GetString("workflow", ""),
		Limit:     req.GetInt("limit", 100),
	}
	if since := req.GetString("since", ""); since != "" {
		t, parseErr := time.Parse(time.RFC3339, since)
		if parseErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid since: %v", parseErr)), nil
		}
		filter.Since = &t
	}

	events, qErr := s.audit.GetEventsByType(ctx, eventType, filter)
	if qErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", qErr)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *Server) handleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	if s.history == nil {
		return mcp.NewToolResultError("audit log is not available"), nil
	}
	h, rErr := s.history.Replay(ctx, sessionID)
	if rErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("replay failed: %v", rErr)), nil
	}
	return marshalResult(h)
}

// --- Internal helpers ---

func outcomeSummary(outcome pipeline.Outcome) map[string]any {
	exec := outcome.Execution()
	out := map[string]any{
		"execution_id": exec.ID,
		"pipeline":     exec.PipelineName,
		"status":       outcome.Status(),
	}
	switch o := outcome.(type) {
	case *pipeline.Completed:
		out["outputs"] = o.Outputs
	case *pipeline.Failed:
		out["step_id"] = o.StepID
		out["error"] = o.Error()
	case *pipeline.WaitingApproval:
		out["approval"] = o.Approval
	}
	return out
}

// captureSession maps the governed session to the calling MCP client so
// approval notifications reach it.
func (s *Server) captureSession(ctx context.Context, sessionID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(sessionID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
