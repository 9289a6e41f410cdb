package workflows

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/hookflow/internal/store"
	"github.com/rendis/hookflow/pkg/schema"
)

// StateManager owns the single active step-workflow row per session.
// Missing rows are reported as (nil, nil).
type StateManager struct {
	store  store.Store
	logger *slog.Logger
}

// NewStateManager creates a StateManager.
func NewStateManager(s store.Store, logger *slog.Logger) *StateManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateManager{store: s, logger: logger}
}

// Get returns the session's state, or nil when none exists.
func (m *StateManager) Get(ctx context.Context, sessionID string) (*schema.WorkflowState, error) {
	st, err := m.store.GetWorkflowState(ctx, sessionID)
	if schema.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if st.Variables == nil {
		st.Variables = map[string]any{}
	}
	return st, nil
}

// GetOrNew returns the session's state or an unsaved lifecycle-marker row
// holding only session variables.
func (m *StateManager) GetOrNew(ctx context.Context, sessionID string) (*schema.WorkflowState, error) {
	st, err := m.Get(ctx, sessionID)
	if err != nil || st != nil {
		return st, err
	}
	return &schema.WorkflowState{
		SessionID:    sessionID,
		WorkflowName: schema.LifecycleMarker,
		Variables:    map[string]any{},
	}, nil
}

// Save upserts the state.
func (m *StateManager) Save(ctx context.Context, st *schema.WorkflowState) error {
	if st.SessionID == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow state requires a session id")
	}
	if st.WorkflowName == "" {
		st.WorkflowName = schema.LifecycleMarker
	}
	return m.store.UpsertWorkflowState(ctx, st)
}

// Delete removes the session's state. Deleting a missing row is not an error.
func (m *StateManager) Delete(ctx context.Context, sessionID string) error {
	if err := m.store.DeleteWorkflowState(ctx, sessionID); err != nil && !schema.IsNotFound(err) {
		return err
	}
	return nil
}

// ListActive returns enabled states that have a step workflow, optionally
// narrowed to one workflow name.
func (m *StateManager) ListActive(ctx context.Context, workflowName string) ([]*schema.WorkflowState, error) {
	states, err := m.store.ListWorkflowStates(ctx, store.StateFilter{WorkflowName: workflowName})
	if err != nil {
		return nil, err
	}
	out := states[:0]
	for _, st := range states {
		if !st.IsLifecycleOnly() {
			out = append(out, st)
		}
	}
	return out, nil
}

// ListPendingApprovals returns states whose step approval gate is waiting.
func (m *StateManager) ListPendingApprovals(ctx context.Context) ([]*schema.WorkflowState, error) {
	pending := true
	return m.store.ListWorkflowStates(ctx, store.StateFilter{ApprovalPending: &pending})
}

// EnterStep moves st to step, stamping the entry time and clearing any approval wait.
func EnterStep(st *schema.WorkflowState, step string, now time.Time) {
	st.Step = step
	st.StepEnteredAt = &now
	st.ApprovalPending = false
	st.ApprovalRequestedAt = nil
	st.ApprovalTimeout = 0
}
