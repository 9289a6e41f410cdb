package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/hookflow/pkg/schema"
)

// --- Pipeline Executions ---

const executionColumns = `id, pipeline_name, project_id, session_id, status, inputs, outputs, skipped,
	current_step, approval_token, approval_step, approval_message, approval_expires_at, approved_steps,
	error, created_at, updated_at, completed_at`

type executionJSON struct {
	inputs, outputs, skipped, approved string
}

func encodeExecution(exec *schema.PipelineExecution) (executionJSON, error) {
	var enc executionJSON
	var err error
	if enc.inputs, err = marshalMapOrDefault(exec.Inputs); err != nil {
		return enc, fmt.Errorf("marshal inputs: %w", err)
	}
	outputs := exec.Outputs
	if outputs == nil {
		outputs = map[string]json.RawMessage{}
	}
	b, err := json.Marshal(outputs)
	if err != nil {
		return enc, fmt.Errorf("marshal outputs: %w", err)
	}
	enc.outputs = string(b)
	if b, err = json.Marshal(nonNilStrings(exec.Skipped)); err != nil {
		return enc, fmt.Errorf("marshal skipped: %w", err)
	}
	enc.skipped = string(b)
	if b, err = json.Marshal(nonNilStrings(exec.ApprovedSteps)); err != nil {
		return enc, fmt.Errorf("marshal approved steps: %w", err)
	}
	enc.approved = string(b)
	return enc, nil
}

func (s *LibSQLStore) CreatePipelineExecution(ctx context.Context, exec *schema.PipelineExecution) error {
	enc, err := encodeExecution(exec)
	if err != nil {
		return err
	}
	exec.CreatedAt = timeOrNow(exec.CreatedAt)
	exec.UpdatedAt = exec.CreatedAt
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pipeline_executions (`+executionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.PipelineName, nullStr(exec.ProjectID), nullStr(exec.SessionID), string(exec.Status),
		enc.inputs, enc.outputs, enc.skipped, nullStr(exec.CurrentStep), nullStr(exec.ApprovalToken),
		nullStr(exec.ApprovalStep), nullStr(exec.ApprovalMessage), nullTime(exec.ApprovalExpiresAt), enc.approved,
		nullStr(exec.Error), exec.CreatedAt, exec.UpdatedAt, nullTime(exec.CompletedAt),
	)
	return err
}

func (s *LibSQLStore) GetPipelineExecution(ctx context.Context, id string) (*schema.PipelineExecution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM pipeline_executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("pipeline execution", id)
	}
	return exec, err
}

func (s *LibSQLStore) GetPipelineExecutionByToken(ctx context.Context, token string) (*schema.PipelineExecution, error) {
	if token == "" {
		return nil, storeNotFound("approval token", token)
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM pipeline_executions WHERE approval_token = ?`, token)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("approval token", token)
	}
	return exec, err
}

// UpdatePipelineExecution rewrites every mutable column of an existing execution.
func (s *LibSQLStore) UpdatePipelineExecution(ctx context.Context, exec *schema.PipelineExecution) error {
	enc, err := encodeExecution(exec)
	if err != nil {
		return err
	}
	exec.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_executions SET
		   status = ?, outputs = ?, skipped = ?, current_step = ?, approval_token = ?,
		   approval_step = ?, approval_message = ?, approval_expires_at = ?, approved_steps = ?,
		   error = ?, updated_at = ?, completed_at = ?
		 WHERE id = ?`,
		string(exec.Status), enc.outputs, enc.skipped, nullStr(exec.CurrentStep), nullStr(exec.ApprovalToken),
		nullStr(exec.ApprovalStep), nullStr(exec.ApprovalMessage), nullTime(exec.ApprovalExpiresAt), enc.approved,
		nullStr(exec.Error), exec.UpdatedAt, nullTime(exec.CompletedAt), exec.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "pipeline execution", exec.ID)
}

func (s *LibSQLStore) ListPipelineExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.PipelineExecution, error) {
	var where []string
	var args []any

	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.PipelineName != "" {
		where = append(where, "pipeline_name = ?")
		args = append(args, filter.PipelineName)
	}
	if filter.ExpiresBefore != nil {
		where = append(where, "approval_expires_at IS NOT NULL AND approval_expires_at < ?")
		args = append(args, *filter.ExpiresBefore)
	}

	query := `SELECT ` + executionColumns + ` FROM pipeline_executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.PipelineExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

func scanExecution(row rowScanner) (*schema.PipelineExecution, error) {
	exec := &schema.PipelineExecution{}
	var (
		projectID, sessionID, currentStep, token   sql.NullString
		approvalStep, approvalMessage, errMsg      sql.NullString
		expiresAt, completedAt                     sql.NullTime
		status, inputs, outputs, skipped, approved string
	)
	if err := row.Scan(&exec.ID, &exec.PipelineName, &projectID, &sessionID, &status, &inputs, &outputs,
		&skipped, &currentStep, &token, &approvalStep, &approvalMessage, &expiresAt, &approved,
		&errMsg, &exec.CreatedAt, &exec.UpdatedAt, &completedAt); err != nil {
		return nil, err
	}

	var err error
	if exec.Inputs, err = unmarshalMap(inputs); err != nil {
		return nil, fmt.Errorf("unmarshal inputs: %w", err)
	}
	if err := json.Unmarshal([]byte(outputs), &exec.Outputs); err != nil {
		return nil, fmt.Errorf("unmarshal outputs: %w", err)
	}
	if err := json.Unmarshal([]byte(skipped), &exec.Skipped); err != nil {
		return nil, fmt.Errorf("unmarshal skipped: %w", err)
	}
	if err := json.Unmarshal([]byte(approved), &exec.ApprovedSteps); err != nil {
		return nil, fmt.Errorf("unmarshal approved steps: %w", err)
	}

	exec.Status = schema.ExecutionStatus(status)
	exec.ProjectID = projectID.String
	exec.SessionID = sessionID.String
	exec.CurrentStep = currentStep.String
	exec.ApprovalToken = token.String
	exec.ApprovalStep = approvalStep.String
	exec.ApprovalMessage = approvalMessage.String
	exec.ApprovalExpiresAt = timePtr(expiresAt)
	exec.Error = errMsg.String
	exec.CompletedAt = timePtr(completedAt)
	return exec, nil
}
