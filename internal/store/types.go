package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/hookflow/pkg/schema"
)

// Session status values written by mark_session_status.
const (
	SessionStatusActive    = "active"
	SessionStatusPaused    = "paused"
	SessionStatusCompleted = "completed"
	SessionStatusFailed    = "failed"
)

// Session is a governed agent session.
type Session struct {
	ID         string    `json:"id"`
	ExternalID string    `json:"external_id,omitempty"`
	Source     string    `json:"source,omitempty"`
	ProjectID  string    `json:"project_id,omitempty"`
	Title      string    `json:"title,omitempty"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Memory is a note saved by save_memory and returned by recall_memory.
type Memory struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id,omitempty"`
	ProjectID string    `json:"project_id,omitempty"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// MemoryQuery selects memories. Query matches content or tags as a substring.
type MemoryQuery struct {
	ProjectID string `json:"project_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Query     string `json:"query,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// Event is an audit log entry. Sequence is assigned on append and is
// contiguous per session starting at 1.
type Event struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	Type      string          `json:"event_type"`
	Workflow  string          `json:"workflow,omitempty"`
	Step      string          `json:"step,omitempty"`
	Decision  string          `json:"decision,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// EventFilter specifies criteria for querying events by type.
type EventFilter struct {
	SessionID string     `json:"session_id,omitempty"`
	Workflow  string     `json:"workflow,omitempty"`
	Since     *time.Time `json:"since,omitempty"`
	Limit     int        `json:"limit,omitempty"`
}

// StateFilter specifies criteria for listing workflow states.
type StateFilter struct {
	WorkflowName    string `json:"workflow_name,omitempty"`
	ApprovalPending *bool  `json:"approval_pending,omitempty"`
	IncludeDisabled bool   `json:"include_disabled,omitempty"`
	Limit           int    `json:"limit,omitempty"`
}

// ExecutionFilter specifies criteria for listing pipeline executions.
type ExecutionFilter struct {
	Status        schema.ExecutionStatus `json:"status,omitempty"`
	SessionID     string                 `json:"session_id,omitempty"`
	PipelineName  string                 `json:"pipeline_name,omitempty"`
	ExpiresBefore *time.Time             `json:"expires_before,omitempty"`
	Limit         int                    `json:"limit,omitempty"`
}

// ScheduledJob is a cron-triggered pipeline run.
type ScheduledJob struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	PipelineName   string          `json:"pipeline_name"`
	ProjectID      string          `json:"project_id,omitempty"`
	CronExpression string          `json:"cron_expression"`
	Inputs         json.RawMessage `json:"inputs,omitempty"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus  string          `json:"last_run_status,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled        *bool           `json:"enabled,omitempty"`
	CronExpression string          `json:"cron_expression,omitempty"`
	Inputs         json.RawMessage `json:"inputs,omitempty"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus  string          `json:"last_run_status,omitempty"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	Enabled      *bool  `json:"enabled,omitempty"`
	PipelineName string `json:"pipeline_name,omitempty"`
	Limit        int    `json:"limit,omitempty"`
}
