package actions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hookflow/pkg/schema"
)

func TestBreakers_OpenCooldownAndRecover(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreakers(BreakerConfig{FailureThreshold: 2, Cooldown: time.Minute})
	b.now = func() time.Time { return now }

	require.NoError(t, b.Allow("call_llm"))
	assert.Equal(t, CircuitClosed, b.Failure("call_llm"))
	assert.Equal(t, CircuitOpen, b.Failure("call_llm"))

	err := b.Allow("call_llm")
	require.Error(t, err)
	requireCode(t, err, schema.ErrCodeCircuitOpen)
	assert.NoError(t, b.Allow("bash"), "circuits are per action")

	now = now.Add(2 * time.Minute)
	require.NoError(t, b.Allow("call_llm"), "one trial after the cooldown")
	assert.Equal(t, CircuitHalfOpen, b.State("call_llm"))
	require.Error(t, b.Allow("call_llm"), "only one trial at a time")

	assert.Equal(t, CircuitOpen, b.Failure("call_llm"), "a failed trial reopens")
	now = now.Add(2 * time.Minute)
	require.NoError(t, b.Allow("call_llm"))
	b.Success("call_llm")
	assert.Equal(t, CircuitClosed, b.State("call_llm"))
	assert.Equal(t, "closed", b.State("call_llm").String())
}

func TestExecutor_SkipsOpenCircuit(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAction{name: "flaky", err: errors.New("llm exited 1")}))
	e := NewExecutor(reg, nil, nil).WithBreakers(NewBreakers(BreakerConfig{FailureThreshold: 2, Cooldown: time.Hour}))
	actx := NewActionContext(Persistence{}, nil, nil)
	ctx := context.Background()

	assert.Equal(t, "llm exited 1", e.Execute(ctx, actx, spec("flaky", nil)).Err())
	assert.Equal(t, "llm exited 1", e.Execute(ctx, actx, spec("flaky", nil)).Err())
	assert.Contains(t, e.Execute(ctx, actx, spec("flaky", nil)).Err(), "disabled after 2 consecutive failures")
}
