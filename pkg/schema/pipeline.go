package schema

import (
	"encoding/json"
	"time"
)

// PipelineDefinition is an ordered list of steps run by the pipeline executor.
type PipelineDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Inputs      map[string]any `json:"inputs,omitempty"`
	Steps       []PipelineStep `json:"steps"`
}

// PipelineStep runs exactly one of Exec, Prompt or MCP.
type PipelineStep struct {
	ID           string            `json:"id"`
	Exec         string            `json:"exec,omitempty"`
	Prompt       string            `json:"prompt,omitempty"`
	MCP          *MCPCall          `json:"mcp,omitempty"`
	Condition    string            `json:"condition,omitempty"`
	Approval     *PipelineApproval `json:"approval,omitempty"`
	OutputFilter string            `json:"output_filter,omitempty"`
}

// Kind returns "exec", "prompt", "mcp" or "" when the step is empty.
func (s *PipelineStep) Kind() string {
	switch {
	case s.Exec != "":
		return "exec"
	case s.Prompt != "":
		return "prompt"
	case s.MCP != nil:
		return "mcp"
	}
	return ""
}

// MCPCall is the tool-call spec of an mcp-kind pipeline step.
type MCPCall struct {
	Server    string         `json:"server"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// PipelineApproval requires human confirmation before a step runs.
type PipelineApproval struct {
	Required       bool   `json:"required"`
	Message        string `json:"message,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// ExecutionStatus is the lifecycle of a PipelineExecution.
type ExecutionStatus string

const (
	ExecutionPending         ExecutionStatus = "pending"
	ExecutionRunning         ExecutionStatus = "running"
	ExecutionWaitingApproval ExecutionStatus = "waiting_approval"
	ExecutionCompleted       ExecutionStatus = "completed"
	ExecutionFailed          ExecutionStatus = "failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

// ValidExecutionTransitions lists the allowed status moves. Transitions are
// monotonic except waiting_approval -> running on resume.
var ValidExecutionTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionPending:         {ExecutionRunning, ExecutionFailed},
	ExecutionRunning:         {ExecutionWaitingApproval, ExecutionCompleted, ExecutionFailed},
	ExecutionWaitingApproval: {ExecutionRunning, ExecutionFailed},
}

// PipelineExecution is the persisted record of one run_pipeline invocation.
type PipelineExecution struct {
	ID                string                     `json:"id"`
	PipelineName      string                     `json:"pipeline_name"`
	ProjectID         string                     `json:"project_id,omitempty"`
	SessionID         string                     `json:"session_id,omitempty"`
	Status            ExecutionStatus            `json:"status"`
	Inputs            map[string]any             `json:"inputs,omitempty"`
	Outputs           map[string]json.RawMessage `json:"outputs,omitempty"`
	Skipped           []string                   `json:"skipped,omitempty"`
	CurrentStep       string                     `json:"current_step,omitempty"`
	ApprovalToken     string                     `json:"approval_token,omitempty"`
	ApprovalStep      string                     `json:"approval_step,omitempty"`
	ApprovalMessage   string                     `json:"approval_message,omitempty"`
	ApprovalExpiresAt *time.Time                 `json:"approval_expires_at,omitempty"`
	ApprovedSteps     []string                   `json:"approved_steps,omitempty"`
	Error             string                     `json:"error,omitempty"`
	CreatedAt         time.Time                  `json:"created_at"`
	UpdatedAt         time.Time                  `json:"updated_at"`
	CompletedAt       *time.Time                 `json:"completed_at,omitempty"`
}

// ApprovalRequired describes a human-visible pause. It is a signal, not an error.
type ApprovalRequired struct {
	ExecutionID    string `json:"execution_id"`
	StepID         string `json:"step_id"`
	Token          string `json:"token"`
	Message        string `json:"message,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}
