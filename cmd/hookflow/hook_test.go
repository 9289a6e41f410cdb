package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hookflow/internal/store"
	"github.com/rendis/hookflow/pkg/schema"
)

type mockSessions struct {
	sessions map[string]*store.Session
	getErr   error
}

func (m *mockSessions) GetSession(_ context.Context, id string) (*store.Session, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "session %s not found", id)
}

func (m *mockSessions) UpsertSession(_ context.Context, sess *store.Session) error {
	m.sessions[sess.ID] = sess
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func decodeResponse(t *testing.T, out *bytes.Buffer) schema.HookResponse {
	t.Helper()
	var resp schema.HookResponse
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	return resp
}

func TestRunHook_DecidesEvent(t *testing.T) {
	sessions := &mockSessions{sessions: map[string]*store.Session{}}
	var seen *schema.HookEvent
	decide := func(_ context.Context, ev *schema.HookEvent) *schema.HookResponse {
		seen = ev
		return schema.Deny("write_file is blocked")
	}
	in := strings.NewReader(`{"event_type":"before_tool","session_id":"ext-7","source":"claude","project_id":"web","data":{"tool_name":"write_file"}}`)
	var out bytes.Buffer

	require.NoError(t, runHook(context.Background(), in, &out, sessions, decide, discardLogger()))

	resp := decodeResponse(t, &out)
	assert.Equal(t, schema.DecisionDeny, resp.Decision)
	assert.Equal(t, "write_file is blocked", resp.Reason)

	require.NotNil(t, seen)
	assert.Equal(t, "ext-7", seen.PlatformSessionID())
	assert.False(t, seen.Timestamp.IsZero())

	require.Contains(t, sessions.sessions, "ext-7")
	assert.Equal(t, "claude", sessions.sessions["ext-7"].Source)
	assert.Equal(t, "active", sessions.sessions["ext-7"].Status)
}

func TestRunHook_KeepsPlatformSessionID(t *testing.T) {
	var seen *schema.HookEvent
	decide := func(_ context.Context, ev *schema.HookEvent) *schema.HookResponse {
		seen = ev
		return schema.Allow()
	}
	in := strings.NewReader(`{"event_type":"stop","session_id":"ext-7","metadata":{"_platform_session_id":"sess-1"}}`)
	var out bytes.Buffer

	require.NoError(t, runHook(context.Background(), in, &out, nil, decide, discardLogger()))
	assert.Equal(t, "sess-1", seen.PlatformSessionID())
}

func TestRunHook_FailsOpen(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		decide hookHandler
	}{
		{"malformed json", `{"event_type":`, nil},
		{"missing event type", `{"session_id":"s"}`, nil},
		{"handler panics", `{"event_type":"before_tool","session_id":"s"}`, func(context.Context, *schema.HookEvent) *schema.HookResponse {
			panic("boom")
		}},
		{"handler returns nil", `{"event_type":"before_tool","session_id":"s"}`, func(context.Context, *schema.HookEvent) *schema.HookResponse {
			return nil
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			err := runHook(context.Background(), strings.NewReader(tc.input), &out, nil, tc.decide, discardLogger())
			require.NoError(t, err)
			assert.Equal(t, schema.DecisionAllow, decodeResponse(t, &out).Decision)
		})
	}
}

func TestRegisterSession(t *testing.T) {
	sessions := &mockSessions{sessions: map[string]*store.Session{
		"known": {ID: "known", Title: "kept"},
	}}
	ctx := context.Background()

	require.NoError(t, registerSession(ctx, sessions, &schema.HookEvent{
		Metadata: map[string]any{schema.MetadataSessionID: "known"},
	}))
	assert.Equal(t, "kept", sessions.sessions["known"].Title)

	require.NoError(t, registerSession(ctx, sessions, &schema.HookEvent{}))
	assert.Len(t, sessions.sessions, 1)

	sessions.getErr = schema.NewError(schema.ErrCodeStore, "db locked")
	err := registerSession(ctx, sessions, &schema.HookEvent{
		Metadata: map[string]any{schema.MetadataSessionID: "other"},
	})
	assert.True(t, schema.HasCode(err, schema.ErrCodeStore))
}
