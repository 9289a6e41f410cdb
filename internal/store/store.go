package store

import (
	"context"
	"time"

	"github.com/rendis/hookflow/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use. Lookups of missing
// rows return a NOT_FOUND *schema.HookflowError.
type Store interface {
	// Workflow state (one row per session)
	GetWorkflowState(ctx context.Context, sessionID string) (*schema.WorkflowState, error)
	UpsertWorkflowState(ctx context.Context, state *schema.WorkflowState) error
	DeleteWorkflowState(ctx context.Context, sessionID string) error
	ListWorkflowStates(ctx context.Context, filter StateFilter) ([]*schema.WorkflowState, error)

	// Workflow instances (one row per session and lifecycle workflow)
	GetWorkflowInstance(ctx context.Context, sessionID, workflowName string) (*schema.WorkflowInstance, error)
	UpsertWorkflowInstance(ctx context.Context, inst *schema.WorkflowInstance) error
	SetWorkflowInstanceEnabled(ctx context.Context, sessionID, workflowName string, enabled bool) error
	DeleteWorkflowInstance(ctx context.Context, sessionID, workflowName string) error
	ListWorkflowInstances(ctx context.Context, sessionID string) ([]*schema.WorkflowInstance, error)

	// Pipeline executions
	CreatePipelineExecution(ctx context.Context, exec *schema.PipelineExecution) error
	GetPipelineExecution(ctx context.Context, id string) (*schema.PipelineExecution, error)
	GetPipelineExecutionByToken(ctx context.Context, token string) (*schema.PipelineExecution, error)
	UpdatePipelineExecution(ctx context.Context, exec *schema.PipelineExecution) error
	ListPipelineExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.PipelineExecution, error)

	// Sessions
	UpsertSession(ctx context.Context, sess *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSessionStatus(ctx context.Context, id, status string) error
	UpdateSessionTitle(ctx context.Context, id, title string) error

	// Memories
	SaveMemory(ctx context.Context, mem *Memory) error
	RecallMemories(ctx context.Context, query MemoryQuery) ([]*Memory, error)

	// Audit log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, sessionID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Scheduled jobs
	CreateScheduledJob(ctx context.Context, job *ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error)
	UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error
	PruneEvents(ctx context.Context, before time.Time) (int64, error)

	// Lifecycle
	Close() error
}
