package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/hookflow/internal/logging"
	"github.com/rendis/hookflow/internal/streaming"
	"github.com/rendis/hookflow/pkg/schema"
)

// Approval outcomes recorded in the approval_result session variable.
const (
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
	ApprovalTimeout  = "timeout"
	// ApprovalCancelled is published when the session ends while waiting.
	ApprovalCancelled = "cancelled"
)

// Session variables written when a step approval resolves.
const (
	VarApprovalResult = "approval_result"
	VarApprovalStep   = "approval_step"
	VarApprovalReason = "approval_reason"
)

// approvalGate applies the step's approval once its condition holds. A nil
// return lets evaluation continue.
func (e *Engine) approvalGate(ctx context.Context, st *schema.WorkflowState, step *schema.WorkflowStep) *schema.HookResponse {
	gate := step.Approval
	log := logging.LogWith(ctx, e.logger)

	if result, ok := resolvedFor(st, step.Name); ok {
		switch result {
		case ApprovalApproved:
			return nil
		default:
			reason := fmt.Sprintf("Approval for step %q was %s.", step.Name, result)
			if r, _ := st.Variables[VarApprovalReason].(string); r != "" {
				reason += " " + r
			}
			resp := schema.Deny(reason)
			resp.Metadata[MetaWorkflow] = st.WorkflowName
			resp.Metadata[MetaStep] = step.Name
			return resp
		}
	}

	if st.ApprovalPending && st.ApprovalExpired(e.now()) {
		if err := e.resolve(ctx, st, ApprovalTimeout, "approval timed out"); err != nil {
			log.ErrorContext(ctx, "expire approval failed", slog.String("error", err.Error()))
		}
		resp := schema.Deny(fmt.Sprintf("Approval for step %q was %s.", step.Name, ApprovalTimeout))
		resp.Metadata[MetaWorkflow] = st.WorkflowName
		resp.Metadata[MetaStep] = step.Name
		return resp
	}

	if !st.ApprovalPending {
		now := e.now().UTC()
		st.ApprovalPending = true
		st.ApprovalRequestedAt = &now
		st.ApprovalTimeout = gate.TimeoutSeconds
		delete(st.Variables, VarApprovalResult)
		delete(st.Variables, VarApprovalStep)
		delete(st.Variables, VarApprovalReason)
		if err := e.cfg.States.Save(ctx, st); err != nil {
			log.ErrorContext(ctx, "save approval request failed", slog.String("error", err.Error()))
		}
		payload := map[string]any{
			"step":            step.Name,
			"message":         gate.Message,
			"timeout_seconds": gate.TimeoutSeconds,
			"blocking":        gate.Blocking,
		}
		e.publish(ctx, st.SessionID, st.WorkflowName, streaming.EventApprovalRequired, payload)
		e.audit(ctx, st.SessionID, schema.AuditApprovalRequired, st.WorkflowName, step.Name, "", payload)
		log.InfoContext(ctx, "step approval requested")
	}
	return pendingResponse(st.WorkflowName, step)
}

// resolvedFor returns the recorded approval result when it belongs to step.
func resolvedFor(st *schema.WorkflowState, step string) (string, bool) {
	result, _ := st.Variables[VarApprovalResult].(string)
	if result == "" {
		return "", false
	}
	if s, _ := st.Variables[VarApprovalStep].(string); s != step {
		return "", false
	}
	return result, true
}

func pendingResponse(workflow string, step *schema.WorkflowStep) *schema.HookResponse {
	msg := step.Approval.Message
	if msg == "" {
		msg = fmt.Sprintf("Step %q of workflow %q needs operator approval.", step.Name, workflow)
	}
	resp := schema.Allow()
	resp.Context = "## Approval Required\n" + msg
	if step.Approval.Blocking {
		resp.Decision = schema.DecisionAsk
		resp.Reason = msg
	}
	resp.Metadata[MetaWorkflow] = workflow
	resp.Metadata[MetaStep] = step.Name
	resp.Metadata[MetaApprovalPending] = true
	return resp
}

// ResolveApproval settles a pending step approval with approved, rejected or
// timeout.
func (e *Engine) ResolveApproval(ctx context.Context, sessionID, result, reason string) error {
	switch result {
	case ApprovalApproved, ApprovalRejected, ApprovalTimeout:
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid approval result %q", result)
	}
	st, err := e.cfg.States.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if st == nil {
		return schema.NewErrorf(schema.ErrCodeNotFound, "no workflow state for session %s", sessionID)
	}
	if !st.ApprovalPending {
		return schema.NewErrorf(schema.ErrCodeConflict, "session %s has no pending approval", sessionID)
	}
	return e.resolve(logging.WithIDs(ctx, sessionID, st.WorkflowName, st.Step), st, result, reason)
}

func (e *Engine) resolve(ctx context.Context, st *schema.WorkflowState, result, reason string) error {
	st.ApprovalPending = false
	st.ApprovalRequestedAt = nil
	st.ApprovalTimeout = 0
	st.Variables[VarApprovalResult] = result
	st.Variables[VarApprovalStep] = st.Step
	if reason != "" {
		st.Variables[VarApprovalReason] = reason
	} else {
		delete(st.Variables, VarApprovalReason)
	}
	if err := e.cfg.States.Save(ctx, st); err != nil {
		return schema.NewError(schema.ErrCodeApproval, "save approval result").WithCause(err)
	}

	e.cfg.Metrics.RecordApproval("step", result)
	payload := map[string]any{"step": st.Step, "result": result}
	if reason != "" {
		payload["reason"] = reason
	}
	e.publish(ctx, st.SessionID, st.WorkflowName, streaming.EventApprovalResolved, payload)
	e.audit(ctx, st.SessionID, schema.AuditApprovalResolved, st.WorkflowName, st.Step, result, payload)
	logging.LogWith(ctx, e.logger).InfoContext(ctx, "step approval resolved", slog.String("result", result))
	return nil
}

// ExpireApprovals times out every pending step approval older than its
// timeout at now. It returns how many were expired.
func (e *Engine) ExpireApprovals(ctx context.Context, now time.Time) (int, error) {
	pending, err := e.cfg.States.ListPendingApprovals(ctx)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, st := range pending {
		if !st.ApprovalExpired(now) {
			continue
		}
		if st.Variables == nil {
			st.Variables = map[string]any{}
		}
		sctx := logging.WithIDs(ctx, st.SessionID, st.WorkflowName, st.Step)
		if err := e.resolve(sctx, st, ApprovalTimeout, "approval timed out"); err != nil {
			logging.LogWith(sctx, e.logger).ErrorContext(sctx, "expire approval failed", slog.String("error", err.Error()))
			continue
		}
		expired++
	}
	return expired, nil
}
