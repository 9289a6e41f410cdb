package llm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hookflow/pkg/schema"
)

func TestCommandProvider_PassesPromptAndModel(t *testing.T) {
	var gotStdin, gotName string
	var gotArgs []string
	p := NewCommandProvider("claude", []string{"-p"}, "--model", nil).WithRunner(
		func(_ context.Context, stdin, name string, args ...string) ([]byte, []byte, error) {
			gotStdin, gotName, gotArgs = stdin, name, args
			return []byte("  a title \n"), nil, nil
		})

	out, err := p.Generate(context.Background(), "summarize", "haiku")
	require.NoError(t, err)
	assert.Equal(t, "a title", out)
	assert.Equal(t, "summarize", gotStdin)
	assert.Equal(t, "claude", gotName)
	assert.Equal(t, []string{"-p", "--model", "haiku"}, gotArgs)

	_, err = p.Generate(context.Background(), "again", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"-p"}, gotArgs)
}

func TestCommandProvider_Errors(t *testing.T) {
	_, err := NewCommandProvider("", nil, "", nil).Generate(context.Background(), "x", "")
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	p := NewCommandProvider("llm", nil, "", nil).WithRunner(
		func(context.Context, string, string, ...string) ([]byte, []byte, error) {
			return nil, []byte("quota exceeded"), errors.New("exit status 1")
		})
	_, err = p.Generate(context.Background(), "x", "")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecution))
	assert.Contains(t, err.Error(), "quota exceeded")

	p = NewCommandProvider("llm", nil, "", nil).WithRunner(
		func(ctx context.Context, _ string, _ string, _ ...string) ([]byte, []byte, error) {
			<-ctx.Done()
			return nil, nil, ctx.Err()
		})
	p.Timeout = 10 * time.Millisecond
	_, err = p.Generate(context.Background(), "x", "")
	assert.True(t, schema.HasCode(err, schema.ErrCodeTimeout))
}

func TestCommandProvider_RealProcess(t *testing.T) {
	p := NewCommandProvider("cat", nil, "", nil)
	out, err := p.Generate(context.Background(), "echo me", "")
	require.NoError(t, err)
	assert.Equal(t, "echo me", out)
}

const transcript = `{"type":"user","message":{"role":"user","content":"fix the login bug"}}
not json
{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Looking at auth.go"},{"type":"tool_use","name":"read_file"}]}}
{"type":"system","content":"ignored"}
{"role":"user","content":"thanks"}
{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","name":"bash"}]}}
`

func TestParseTranscript(t *testing.T) {
	msgs, err := ParseTranscript(context.Background(), strings.NewReader(transcript))
	require.NoError(t, err)
	assert.Equal(t, []Message{
		{Role: "user", Text: "fix the login bug"},
		{Role: "assistant", Text: "Looking at auth.go"},
		{Role: "user", Text: "thanks"},
	}, msgs)

	assert.Equal(t, "user: fix the login bug\nassistant: Looking at auth.go\nuser: thanks", Excerpt(msgs, 0))
	assert.Equal(t, "user: thanks", Excerpt(msgs, 12))
}

func TestTranscriptReader_Paths(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sess-1.jsonl"), []byte(transcript), 0o644))
	r := NewTranscriptReader(dir)
	ctx := context.Background()

	msgs, err := r.Read(ctx, "sess-1", "")
	require.NoError(t, err)
	assert.Len(t, msgs, 3)

	msgs, err = r.Read(ctx, "other", filepath.Join(dir, "sess-1.jsonl"))
	require.NoError(t, err)
	assert.Len(t, msgs, 3)

	_, err = r.Read(ctx, "missing", "")
	assert.True(t, schema.IsNotFound(err))

	_, err = NewTranscriptReader("").Read(ctx, "sess-1", "")
	assert.True(t, schema.IsNotFound(err))
}
