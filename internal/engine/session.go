package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/rendis/hookflow/internal/logging"
	"github.com/rendis/hookflow/internal/streaming"
)

// EndSession deletes the session's workflow state and every lifecycle
// instance. A pending step approval is published as cancelled first.
func (e *Engine) EndSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	ctx = logging.WithSessionID(ctx, sessionID)

	st, err := e.cfg.States.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if st != nil && st.ApprovalPending {
		payload := map[string]any{"step": st.Step, "result": ApprovalCancelled, "reason": "session ended"}
		e.publish(ctx, sessionID, st.WorkflowName, streaming.EventApprovalResolved, payload)
		e.cfg.Metrics.RecordApproval("step", ApprovalCancelled)
	}

	insts, err := e.cfg.Instances.List(ctx, sessionID)
	if err != nil {
		return err
	}
	var errs []error
	for _, inst := range insts {
		errs = append(errs, e.cfg.Instances.Delete(ctx, sessionID, inst.WorkflowName))
	}
	if st != nil {
		errs = append(errs, e.cfg.States.Delete(ctx, sessionID))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	logging.LogWith(ctx, e.logger).DebugContext(ctx, "session state cleared", slog.Int("instances", len(insts)))
	return nil
}

func (e *Engine) endSession(ctx context.Context, sessionID string) {
	if err := e.EndSession(ctx, sessionID); err != nil {
		logging.LogWith(ctx, e.logger).ErrorContext(ctx, "clear ended session failed",
			slog.String("session_id", sessionID), slog.String("error", err.Error()))
	}
}
