package schema

import "time"

// EventType identifies a hook event emitted by the agent runtime.
type EventType string

const (
	EventSessionStart     EventType = "session_start"
	EventSessionEnd       EventType = "session_end"
	EventBeforeAgent      EventType = "before_agent"
	EventAfterAgent       EventType = "after_agent"
	EventBeforeTool       EventType = "before_tool"
	EventAfterTool        EventType = "after_tool"
	EventBeforeToolSelect EventType = "before_tool_selection"
	EventBeforeModel      EventType = "before_model"
	EventAfterModel       EventType = "after_model"
	EventPreCompact       EventType = "pre_compact"
	EventStop             EventType = "stop"
	EventNotification     EventType = "notification"
)

// IsToolEvent reports whether the event describes a tool invocation and is subject to tool gating.
func (t EventType) IsToolEvent() bool {
	return t == EventBeforeTool || t == EventAfterTool
}

// SessionSource identifies the CLI that produced an event.
type SessionSource string

const (
	SourceClaude SessionSource = "claude"
	SourceGemini SessionSource = "gemini"
	SourceCodex  SessionSource = "codex"
)

// MetadataSessionID is the reserved metadata key holding the internal session identifier.
// It is distinct from HookEvent.SessionID, which is the transport's external id.
const MetadataSessionID = "_platform_session_id"

// HookEvent is an inbound lifecycle event for a governed session.
type HookEvent struct {
	EventType  EventType      `json:"event_type"`
	SessionID  string         `json:"session_id"`
	Source     SessionSource  `json:"source,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Data       map[string]any `json:"data,omitempty"`
	MachineID  string         `json:"machine_id,omitempty"`
	Cwd        string         `json:"cwd,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
	ProjectID  string         `json:"project_id,omitempty"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// PlatformSessionID returns the internal session identifier carried in metadata, or "".
func (e *HookEvent) PlatformSessionID() string {
	if e == nil || e.Metadata == nil {
		return ""
	}
	id, _ := e.Metadata[MetadataSessionID].(string)
	return id
}

// ToolName returns the tool name of a tool-shaped event, or "".
func (e *HookEvent) ToolName() string {
	if e == nil || e.Data == nil {
		return ""
	}
	for _, key := range []string{"tool_name", "function_name"} {
		if name, ok := e.Data[key].(string); ok && name != "" {
			return name
		}
	}
	return ""
}

// AsMap returns a plain map view of the event for expression namespaces.
func (e *HookEvent) AsMap() map[string]any {
	if e == nil {
		return map[string]any{}
	}
	data := e.Data
	if data == nil {
		data = map[string]any{}
	}
	meta := e.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	return map[string]any{
		"event_type":  string(e.EventType),
		"session_id":  e.SessionID,
		"source":      string(e.Source),
		"data":        data,
		"machine_id":  e.MachineID,
		"cwd":         e.Cwd,
		"user_id":     e.UserID,
		"project_id":  e.ProjectID,
		"workflow_id": e.WorkflowID,
		"tool_name":   e.ToolName(),
		"metadata":    meta,
	}
}

// Decision is the verdict returned across the event boundary.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
	DecisionAsk   Decision = "ask"
)

// ParseDecision maps a free-form value onto a Decision. ok is false for anything unrecognized.
func ParseDecision(v any) (Decision, bool) {
	s, _ := v.(string)
	switch Decision(s) {
	case DecisionAllow, DecisionDeny, DecisionAsk:
		return Decision(s), true
	case "block":
		return DecisionDeny, true
	}
	return "", false
}

// HookResponse is the outbound answer to a HookEvent.
type HookResponse struct {
	Decision      Decision       `json:"decision"`
	Context       string         `json:"context,omitempty"`
	SystemMessage string         `json:"system_message,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	ModifyArgs    map[string]any `json:"modify_args,omitempty"`
	TriggerAction string         `json:"trigger_action,omitempty"`
	Metadata      map[string]any `json:"metadata"`
}

// Allow returns an allow response with empty metadata.
func Allow() *HookResponse {
	return &HookResponse{Decision: DecisionAllow, Metadata: map[string]any{}}
}

// Deny returns a deny response carrying the given reason.
func Deny(reason string) *HookResponse {
	return &HookResponse{Decision: DecisionDeny, Reason: reason, Metadata: map[string]any{}}
}

// Audit event types appended to the per-session log.
const (
	AuditHookDecision     = "hook_decision"
	AuditApprovalRequired = "approval_required"
	AuditApprovalResolved = "approval_resolved"
	AuditPipelineStatus   = "pipeline_status"
	AuditWorkflowChanged  = "workflow_changed"
)
