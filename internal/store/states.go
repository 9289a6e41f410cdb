package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/hookflow/pkg/schema"
)

// --- Workflow States ---

const stateColumns = `session_id, workflow_name, step, step_entered_at, variables, approval_pending,
	approval_requested_at, approval_timeout_seconds, disabled, disabled_reason, stop_reason, updated_at`

func (s *LibSQLStore) GetWorkflowState(ctx context.Context, sessionID string) (*schema.WorkflowState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stateColumns+` FROM workflow_states WHERE session_id = ?`, sessionID)
	st, err := scanState(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow state", sessionID)
	}
	return st, err
}

// UpsertWorkflowState writes the whole row keyed by session_id.
func (s *LibSQLStore) UpsertWorkflowState(ctx context.Context, state *schema.WorkflowState) error {
	vars, err := marshalMapOrDefault(state.Variables)
	if err != nil {
		return fmt.Errorf("marshal state variables: %w", err)
	}
	state.UpdatedAt = time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_states (`+stateColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   workflow_name=excluded.workflow_name, step=excluded.step,
		   step_entered_at=excluded.step_entered_at, variables=excluded.variables,
		   approval_pending=excluded.approval_pending, approval_requested_at=excluded.approval_requested_at,
		   approval_timeout_seconds=excluded.approval_timeout_seconds,
		   disabled=excluded.disabled, disabled_reason=excluded.disabled_reason,
		   stop_reason=excluded.stop_reason, updated_at=excluded.updated_at`,
		state.SessionID, state.WorkflowName, nullStr(state.Step), nullTime(state.StepEnteredAt), vars,
		boolInt(state.ApprovalPending), nullTime(state.ApprovalRequestedAt), state.ApprovalTimeout,
		boolInt(state.Disabled), nullStr(state.DisabledReason), nullStr(state.StopReason), state.UpdatedAt,
	)
	return err
}

func (s *LibSQLStore) DeleteWorkflowState(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflow_states WHERE session_id = ?`, sessionID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow state", sessionID)
}

func (s *LibSQLStore) ListWorkflowStates(ctx context.Context, filter StateFilter) ([]*schema.WorkflowState, error) {
	var where []string
	var args []any

	if filter.WorkflowName != "" {
		where = append(where, "workflow_name = ?")
		args = append(args, filter.WorkflowName)
	}
	if filter.ApprovalPending != nil {
		where = append(where, "approval_pending = ?")
		args = append(args, boolInt(*filter.ApprovalPending))
	}
	if !filter.IncludeDisabled {
		where = append(where, "disabled = 0")
	}

	query := `SELECT ` + stateColumns + ` FROM workflow_states`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*schema.WorkflowState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner) (*schema.WorkflowState, error) {
	st := &schema.WorkflowState{}
	var (
		step, disabledReason, stopReason sql.NullString
		stepEntered, approvalRequested   sql.NullTime
		vars                             string
		pending, disabled                int
	)
	if err := row.Scan(&st.SessionID, &st.WorkflowName, &step, &stepEntered, &vars, &pending,
		&approvalRequested, &st.ApprovalTimeout, &disabled, &disabledReason, &stopReason, &st.UpdatedAt); err != nil {
		return nil, err
	}
	variables, err := unmarshalMap(vars)
	if err != nil {
		return nil, fmt.Errorf("unmarshal state variables: %w", err)
	}
	st.Step = step.String
	st.StepEnteredAt = timePtr(stepEntered)
	st.Variables = variables
	st.ApprovalPending = pending != 0
	st.ApprovalRequestedAt = timePtr(approvalRequested)
	st.Disabled = disabled != 0
	st.DisabledReason = disabledReason.String
	st.StopReason = stopReason.String
	return st, nil
}

// --- Workflow Instances ---

const instanceColumns = `id, session_id, workflow_name, enabled, priority, current_step, step_entered_at,
	step_action_count, total_action_count, variables, context_injected, created_at, updated_at`

func (s *LibSQLStore) GetWorkflowInstance(ctx context.Context, sessionID, workflowName string) (*schema.WorkflowInstance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances WHERE session_id = ? AND workflow_name = ?`,
		sessionID, workflowName)
	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow instance", sessionID+"/"+workflowName)
	}
	return inst, err
}

// UpsertWorkflowInstance writes the row keyed by (session_id, workflow_name).
// On conflict the existing id and created_at are kept.
func (s *LibSQLStore) UpsertWorkflowInstance(ctx context.Context, inst *schema.WorkflowInstance) error {
	vars, err := marshalMapOrDefault(inst.Variables)
	if err != nil {
		return fmt.Errorf("marshal instance variables: %w", err)
	}
	inst.CreatedAt = timeOrNow(inst.CreatedAt)
	inst.UpdatedAt = time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_instances (`+instanceColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id, workflow_name) DO UPDATE SET
		   enabled=excluded.enabled, priority=excluded.priority,
		   current_step=excluded.current_step, step_entered_at=excluded.step_entered_at,
		   step_action_count=excluded.step_action_count, total_action_count=excluded.total_action_count,
		   variables=excluded.variables, context_injected=excluded.context_injected,
		   updated_at=excluded.updated_at`,
		inst.ID, inst.SessionID, inst.WorkflowName, boolInt(inst.Enabled), inst.Priority,
		nullStr(inst.CurrentStep), nullTime(inst.StepEnteredAt), inst.StepActionCount, inst.TotalActionCount,
		vars, boolInt(inst.ContextInjected), inst.CreatedAt, inst.UpdatedAt,
	)
	return err
}

func (s *LibSQLStore) SetWorkflowInstanceEnabled(ctx context.Context, sessionID, workflowName string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_instances SET enabled = ?, updated_at = ? WHERE session_id = ? AND workflow_name = ?`,
		boolInt(enabled), time.Now().UTC(), sessionID, workflowName,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow instance", sessionID+"/"+workflowName)
}

func (s *LibSQLStore) DeleteWorkflowInstance(ctx context.Context, sessionID, workflowName string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_instances WHERE session_id = ? AND workflow_name = ?`, sessionID, workflowName)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow instance", sessionID+"/"+workflowName)
}

// ListWorkflowInstances returns a session's instances ordered by priority, then name.
func (s *LibSQLStore) ListWorkflowInstances(ctx context.Context, sessionID string) ([]*schema.WorkflowInstance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances WHERE session_id = ? ORDER BY priority ASC, workflow_name ASC`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func scanInstance(row rowScanner) (*schema.WorkflowInstance, error) {
	inst := &schema.WorkflowInstance{}
	var (
		currentStep              sql.NullString
		stepEntered              sql.NullTime
		vars                     string
		enabled, contextInjected int
	)
	if err := row.Scan(&inst.ID, &inst.SessionID, &inst.WorkflowName, &enabled, &inst.Priority,
		&currentStep, &stepEntered, &inst.StepActionCount, &inst.TotalActionCount, &vars,
		&contextInjected, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
		return nil, err
	}
	variables, err := unmarshalMap(vars)
	if err != nil {
		return nil, fmt.Errorf("unmarshal instance variables: %w", err)
	}
	inst.Enabled = enabled != 0
	inst.CurrentStep = currentStep.String
	inst.StepEnteredAt = timePtr(stepEntered)
	inst.Variables = variables
	inst.ContextInjected = contextInjected != 0
	return inst, nil
}
