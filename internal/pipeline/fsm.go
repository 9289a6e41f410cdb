package pipeline

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/rendis/hookflow/internal/store"
	"github.com/rendis/hookflow/pkg/schema"
)

// TransitionHook runs after an execution enters a status.
type TransitionHook func(ctx context.Context, exec *schema.PipelineExecution, from schema.ExecutionStatus)

// EventAppender is satisfied by the Store; the FSM audits every transition through it.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// ExecutionFSM validates pipeline execution status moves against
// schema.ValidExecutionTransitions and audits them. Persisting the execution
// row stays with the caller.
type ExecutionFSM struct {
	mu       sync.Mutex
	appender EventAppender
	hooks    map[schema.ExecutionStatus][]TransitionHook
}

// NewExecutionFSM creates an FSM. A nil appender skips auditing.
func NewExecutionFSM(appender EventAppender) *ExecutionFSM {
	return &ExecutionFSM{
		appender: appender,
		hooks:    make(map[schema.ExecutionStatus][]TransitionHook),
	}
}

// OnEnter registers a hook called after an execution moves into status to.
func (f *ExecutionFSM) OnEnter(to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks[to] = append(f.hooks[to], hook)
}

// Transition moves exec to the given status or returns INVALID_TRANSITION.
func (f *ExecutionFSM) Transition(ctx context.Context, exec *schema.PipelineExecution, to schema.ExecutionStatus) error {
	from := exec.Status
	if !isValidTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid pipeline transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": exec.ID, "from": string(from), "to": string(to)})
	}
	exec.Status = to

	if f.appender != nil {
		payload, _ := json.Marshal(map[string]any{
			"execution_id": exec.ID,
			"from":         string(from),
			"to":           string(to),
			"error":        exec.Error,
		})
		event := &store.Event{
			SessionID: exec.SessionID,
			Type:      schema.AuditPipelineStatus,
			Workflow:  exec.PipelineName,
			Step:      exec.CurrentStep,
			Payload:   payload,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "audit pipeline transition: %s", err.Error()).WithCause(err)
		}
	}

	f.mu.Lock()
	hooks := slices.Clone(f.hooks[to])
	f.mu.Unlock()
	for _, hook := range hooks {
		hook(ctx, exec, from)
	}
	return nil
}

func isValidTransition(from, to schema.ExecutionStatus) bool {
	return slices.Contains(schema.ValidExecutionTransitions[from], to)
}
