package actions

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hookflow/pkg/schema"
)

// stubAction is a minimal Action for registry and executor tests.
type stubAction struct {
	name     string
	desc     string
	result   Result
	err      error
	validate error
	panics   bool
}

func (s *stubAction) Name() string { return s.name }
func (s *stubAction) Schema() ActionSchema {
	return ActionSchema{Description: s.desc}
}
func (s *stubAction) Execute(_ context.Context, _ *ActionContext, _ map[string]any) (Result, error) {
	if s.panics {
		panic("boom")
	}
	return s.result, s.err
}
func (s *stubAction) Validate(_ map[string]any) error { return s.validate }

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	var he *schema.HookflowError
	require.True(t, errors.As(err, &he), "expected HookflowError, got %v", err)
	assert.Equal(t, code, he.Code)
}

func TestRegistry_Register_Success(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(&stubAction{name: "test_action", desc: "A test action"})
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Count())
	assert.True(t, reg.Has("test_action"))
}

func TestRegistry_Register_Duplicate(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAction{name: "dup"}))

	err := reg.Register(&stubAction{name: "dup"})
	require.Error(t, err)
	requireCode(t, err, schema.ErrCodeConflict)
}

func TestRegistry_Register_Nil(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(nil)
	require.Error(t, err)
	requireCode(t, err, schema.ErrCodeValidation)
}

func TestRegistry_Register_EmptyName(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(&stubAction{name: ""})
	require.Error(t, err)
	requireCode(t, err, schema.ErrCodeValidation)
}

func TestRegistry_Get(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAction{name: "fetch"}))

	got, err := reg.Get("fetch")
	require.NoError(t, err)
	assert.Equal(t, "fetch", got.Name())

	_, err = reg.Get("missing")
	require.Error(t, err)
	requireCode(t, err, schema.ErrCodeActionUnavailable)
	assert.False(t, reg.Has("missing"))
}

func TestRegistry_List_Sorted(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAction{name: "z_action", desc: "last"}))
	require.NoError(t, reg.Register(&stubAction{name: "a_action", desc: "first"}))
	require.NoError(t, reg.Register(&stubAction{name: "m_action", desc: "middle"}))

	infos := reg.List()
	require.Len(t, infos, 3)
	assert.Equal(t, "a_action", infos[0].Name)
	assert.Equal(t, "first", infos[0].Description)
	assert.Equal(t, "m_action", infos[1].Name)
	assert.Equal(t, "z_action", infos[2].Name)

	assert.Empty(t, NewRegistry().List())
}

func TestRegisterBuiltins(t *testing.T) {
	reg, err := NewBuiltinRegistry(Deps{})
	require.NoError(t, err)

	for _, name := range []string{
		"inject_message", "switch_mode", "decide",
		"set_variable", "increment_variable", "get_variable", "mark_loop_complete",
		"mark_session_status", "call_llm", "synthesize_title",
		"bash", "run_pipeline", "save_memory", "recall_memory",
	} {
		assert.True(t, reg.Has(name), name)
	}
	for _, info := range reg.List() {
		assert.NotEmpty(t, info.Description, info.Name)
	}

	require.Error(t, RegisterBuiltins(reg, Deps{}), "second registration conflicts")
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	const n = 100

	var wg sync.WaitGroup
	wg.Add(n * 3)

	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			name := "concurrent_" + string(rune('a'+i%26)) + string(rune('0'+i/26))
			_ = reg.Register(&stubAction{name: name})
		}(i)
	}
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, _ = reg.Get("concurrent_a0")
		}()
	}
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_ = reg.List()
		}()
	}

	wg.Wait()
	assert.True(t, reg.Count() > 0)
}
