package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hookflow/internal/store"
	"github.com/rendis/hookflow/pkg/schema"
)

type recordingAppender struct {
	events []*store.Event
	err    error
}

func (r *recordingAppender) AppendEvent(_ context.Context, e *store.Event) error {
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, e)
	return nil
}

func TestExecutionFSM_Transitions(t *testing.T) {
	ctx := context.Background()
	app := &recordingAppender{}
	fsm := NewExecutionFSM(app)

	var entered []string
	fsm.OnEnter(schema.ExecutionCompleted, func(_ context.Context, exec *schema.PipelineExecution, from schema.ExecutionStatus) {
		entered = append(entered, string(from)+"->"+string(exec.Status))
	})

	exec := &schema.PipelineExecution{ID: "e1", SessionID: "s", PipelineName: "p", Status: schema.ExecutionPending}
	require.NoError(t, fsm.Transition(ctx, exec, schema.ExecutionRunning))
	require.NoError(t, fsm.Transition(ctx, exec, schema.ExecutionWaitingApproval))
	require.NoError(t, fsm.Transition(ctx, exec, schema.ExecutionRunning))
	require.NoError(t, fsm.Transition(ctx, exec, schema.ExecutionCompleted))

	assert.Equal(t, []string{"running->completed"}, entered)
	require.Len(t, app.events, 4)
	assert.Equal(t, schema.AuditPipelineStatus, app.events[3].Type)
	assert.Contains(t, string(app.events[3].Payload), `"to":"completed"`)

	err := fsm.Transition(ctx, exec, schema.ExecutionRunning)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition), "completed is terminal")
	assert.Equal(t, schema.ExecutionCompleted, exec.Status)
}

func TestExecutionFSM_AuditFailure(t *testing.T) {
	fsm := NewExecutionFSM(&recordingAppender{err: errors.New("disk")})
	exec := &schema.PipelineExecution{Status: schema.ExecutionPending}
	err := fsm.Transition(context.Background(), exec, schema.ExecutionRunning)
	assert.True(t, schema.HasCode(err, schema.ErrCodeStore))

	assert.NoError(t, NewExecutionFSM(nil).Transition(context.Background(),
		&schema.PipelineExecution{Status: schema.ExecutionPending}, schema.ExecutionFailed))
}
