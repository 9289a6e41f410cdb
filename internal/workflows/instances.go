package workflows

import (
	"context"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/rendis/hookflow/internal/store"
	"github.com/rendis/hookflow/pkg/schema"
)

// InstanceManager owns the lifecycle workflow instances of each session.
type InstanceManager struct {
	store  store.Store
	logger *slog.Logger
}

// NewInstanceManager creates an InstanceManager.
func NewInstanceManager(s store.Store, logger *slog.Logger) *InstanceManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &InstanceManager{store: s, logger: logger}
}

// Get returns the instance, or nil when none exists.
func (m *InstanceManager) Get(ctx context.Context, sessionID, workflowName string) (*schema.WorkflowInstance, error) {
	inst, err := m.store.GetWorkflowInstance(ctx, sessionID, workflowName)
	if schema.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if inst.Variables == nil {
		inst.Variables = map[string]any{}
	}
	return inst, nil
}

// Save upserts the instance keyed by (session, workflow name). New instances
// get an id; the priority is stored as given.
func (m *InstanceManager) Save(ctx context.Context, inst *schema.WorkflowInstance) error {
	if inst.SessionID == "" || inst.WorkflowName == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow instance requires session id and workflow name")
	}
	if inst.ID == "" {
		inst.ID = uuid.New().String()
	}
	return m.store.UpsertWorkflowInstance(ctx, inst)
}

// Ensure returns the session's instance of def, creating it enabled with the
// definition's priority and default variables when absent.
func (m *InstanceManager) Ensure(ctx context.Context, sessionID string, def *schema.WorkflowDefinition) (*schema.WorkflowInstance, error) {
	inst, err := m.Get(ctx, sessionID, def.Name)
	if err != nil || inst != nil {
		return inst, err
	}
	inst = &schema.WorkflowInstance{
		SessionID:    sessionID,
		WorkflowName: def.Name,
		Enabled:      true,
		Priority:     def.DefaultPriority(),
		Variables:    CopyVariables(def.Variables),
	}
	if err := m.Save(ctx, inst); err != nil {
		return nil, err
	}
	m.logger.DebugContext(ctx, "workflow instance created", "workflow", def.Name, "priority", inst.Priority)
	return inst, nil
}

// SetEnabled toggles an instance without deleting it.
func (m *InstanceManager) SetEnabled(ctx context.Context, sessionID, workflowName string, enabled bool) error {
	return m.store.SetWorkflowInstanceEnabled(ctx, sessionID, workflowName, enabled)
}

// Delete removes an instance. Deleting a missing instance is not an error.
func (m *InstanceManager) Delete(ctx context.Context, sessionID, workflowName string) error {
	if err := m.store.DeleteWorkflowInstance(ctx, sessionID, workflowName); err != nil && !schema.IsNotFound(err) {
		return err
	}
	return nil
}

// List returns every instance of a session in evaluation order.
func (m *InstanceManager) List(ctx context.Context, sessionID string) ([]*schema.WorkflowInstance, error) {
	insts, err := m.store.ListWorkflowInstances(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	SortInstances(insts)
	return insts, nil
}

// ListActive returns the enabled instances of a session in evaluation order.
func (m *InstanceManager) ListActive(ctx context.Context, sessionID string) ([]*schema.WorkflowInstance, error) {
	insts, err := m.List(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := insts[:0]
	for _, inst := range insts {
		if inst.Enabled {
			out = append(out, inst)
		}
	}
	return out, nil
}

// SortInstances orders by priority ascending, then workflow name.
func SortInstances(insts []*schema.WorkflowInstance) {
	sort.SliceStable(insts, func(i, j int) bool {
		if insts[i].Priority != insts[j].Priority {
			return insts[i].Priority < insts[j].Priority
		}
		return insts[i].WorkflowName < insts[j].WorkflowName
	})
}

// CopyVariables deep-copies nested maps and slices so instances never share
// definition defaults.
func CopyVariables(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CopyVariables(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}
