package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hookflow/internal/streaming"
	"github.com/rendis/hookflow/pkg/schema"
)

func TestProcess_SessionEndClearsSession(t *testing.T) {
	h := newHarness(t)
	h.loader.AddWorkflow(tddWorkflow())
	closer := unprioritized("closer")
	closer.Triggers = map[string][]schema.ActionSpec{"session_end": {act("record", nil)}}
	h.loader.AddWorkflow(closer)
	h.loader.AddWorkflow(lifecycle("audit", 10, act("record", nil)))
	ctx := context.Background()

	h.engine.Process(ctx, toolEvent("read_file"))
	assert.Equal(t, []string{"audit"}, h.record.order())
	insts, err := h.engine.Instances(ctx, "sess")
	require.NoError(t, err)
	require.Len(t, insts, 1)

	requested := h.now
	h.setState(t, &schema.WorkflowState{
		WorkflowName: "tdd", Step: "red",
		ApprovalPending: true, ApprovalRequestedAt: &requested, ApprovalTimeout: 600,
	})

	notes, unsub, err := h.hub.Subscribe(ctx, streaming.EventFilter{SessionID: "sess"})
	require.NoError(t, err)
	defer unsub()

	end := toolEvent("")
	end.EventType = schema.EventSessionEnd
	end.Data = map[string]any{}
	resp := h.engine.Process(ctx, end)
	assert.Equal(t, schema.DecisionAllow, resp.Decision)
	assert.Equal(t, []string{"audit", "closer"}, h.record.order(), "session_end triggers still run")

	st, err := h.states.Get(ctx, "sess")
	require.NoError(t, err)
	assert.Nil(t, st)
	insts, err = h.engine.Instances(ctx, "sess")
	require.NoError(t, err)
	assert.Empty(t, insts)

	select {
	case ev := <-notes:
		assert.Equal(t, streaming.EventApprovalResolved, ev.EventType)
		payload, ok := ev.Payload.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, ApprovalCancelled, payload["result"])
	case <-time.After(time.Second):
		t.Fatal("no cancellation notification")
	}
}

func TestEndSession_UnknownSessionIsNoop(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.EndSession(context.Background(), "ghost"))
	require.NoError(t, h.engine.EndSession(context.Background(), ""))
}
