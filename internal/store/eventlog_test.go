package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hookflow/pkg/schema"
)

func TestAppendEvent_MonotonicPerSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		e := &Event{SessionID: "a", Type: schema.AuditHookDecision, Decision: "allow"}
		require.NoError(t, s.AppendEvent(ctx, e))
		assert.Equal(t, int64(i+1), e.Sequence)
	}
	other := &Event{SessionID: "b", Type: schema.AuditHookDecision, Decision: "deny"}
	require.NoError(t, s.AppendEvent(ctx, other))
	assert.Equal(t, int64(1), other.Sequence)

	events, err := s.GetEvents(ctx, "a", 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].Sequence)
}

func TestAppendEvent_Concurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.AppendEvent(ctx, &Event{SessionID: "sess", Type: schema.AuditHookDecision}))
		}()
	}
	wg.Wait()

	events, err := s.GetEvents(ctx, "sess", 0)
	require.NoError(t, err)
	require.Len(t, events, 10)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
}

func TestGetEventsByType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendEvent(ctx, &Event{SessionID: "a", Type: schema.AuditHookDecision, Workflow: "tdd"}))
	require.NoError(t, s.AppendEvent(ctx, &Event{SessionID: "a", Type: schema.AuditPipelineStatus,
		Payload: json.RawMessage(`{"status":"completed"}`)}))
	require.NoError(t, s.AppendEvent(ctx, &Event{SessionID: "b", Type: schema.AuditHookDecision, Workflow: "review"}))

	all, err := s.GetEventsByType(ctx, schema.AuditHookDecision, EventFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	tdd, err := s.GetEventsByType(ctx, schema.AuditHookDecision, EventFilter{Workflow: "tdd"})
	require.NoError(t, err)
	require.Len(t, tdd, 1)
	assert.Equal(t, "a", tdd[0].SessionID)

	pipes, err := s.GetEventsByType(ctx, schema.AuditPipelineStatus, EventFilter{SessionID: "a", Limit: 5})
	require.NoError(t, err)
	require.Len(t, pipes, 1)
	assert.JSONEq(t, `{"status":"completed"}`, string(pipes[0].Payload))
}

func TestPruneEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, s.AppendEvent(ctx, &Event{SessionID: "a", Type: schema.AuditHookDecision, Timestamp: old}))
	require.NoError(t, s.AppendEvent(ctx, &Event{SessionID: "a", Type: schema.AuditHookDecision}))

	n, err := s.PruneEvents(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestEventLog_Replay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	el := NewEventLog(s)

	for _, e := range []*Event{
		{SessionID: "sess", Type: schema.AuditWorkflowChanged, Workflow: "tdd", Step: "red"},
		{SessionID: "sess", Type: schema.AuditHookDecision, Decision: "allow", Workflow: "tdd", Step: "red"},
		{SessionID: "sess", Type: schema.AuditHookDecision, Decision: "deny", Workflow: "tdd", Step: "red"},
		{SessionID: "sess", Type: schema.AuditApprovalRequired, Workflow: "tdd", Step: "green"},
		{SessionID: "sess", Type: schema.AuditHookDecision, Decision: "allow", Workflow: "tdd", Step: "green"},
	} {
		require.NoError(t, s.AppendEvent(ctx, e))
	}

	h, err := el.Replay(ctx, "sess")
	require.NoError(t, err)
	assert.Equal(t, 5, h.Events)
	assert.Equal(t, 2, h.Decisions["allow"])
	assert.Equal(t, 1, h.Decisions["deny"])
	assert.Len(t, h.Denials, 1)
	assert.Equal(t, 1, h.Approvals)
	assert.Equal(t, "green", h.Step)
	assert.NotNil(t, h.LastSeen)

	empty, err := el.Replay(ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, empty.Events)
}

type gappyStore struct {
	Store
}

func (gappyStore) GetEvents(context.Context, string, int64) ([]*Event, error) {
	return []*Event{{Sequence: 1}, {Sequence: 3}}, nil
}

func TestEventLog_ReplayDetectsGap(t *testing.T) {
	_, err := NewEventLog(gappyStore{}).Replay(context.Background(), "sess")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeStore))
}
