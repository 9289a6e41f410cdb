// Package llm holds the text-generation and transcript collaborators used by
// the call_llm and synthesize_title actions and by prompt pipeline steps.
package llm

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/rendis/hookflow/pkg/schema"
)

// DefaultTimeout bounds one Generate call when the provider sets none.
const DefaultTimeout = 2 * time.Minute

// Provider generates text for a prompt. An empty model selects the provider default.
type Provider interface {
	Generate(ctx context.Context, prompt, model string) (string, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, prompt, model string) (string, error)

// Generate calls f.
func (f ProviderFunc) Generate(ctx context.Context, prompt, model string) (string, error) {
	return f(ctx, prompt, model)
}

// CommandRunner runs name with args, feeding stdin, and returns stdout and stderr.
type CommandRunner func(ctx context.Context, stdin string, name string, args ...string) (stdout, stderr []byte, err error)

// CommandProvider pipes the prompt to a CLI such as `claude -p` and returns
// its trimmed stdout.
type CommandProvider struct {
	Command   string
	Args      []string
	ModelFlag string
	Timeout   time.Duration

	run    CommandRunner
	logger *slog.Logger
}

var _ Provider = (*CommandProvider)(nil)

// NewCommandProvider creates a provider for command. modelFlag (for example
// "--model") is appended with the model name when a call names one.
func NewCommandProvider(command string, args []string, modelFlag string, logger *slog.Logger) *CommandProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandProvider{
		Command:   command,
		Args:      args,
		ModelFlag: modelFlag,
		Timeout:   DefaultTimeout,
		run:       defaultCommandRunner,
		logger:    logger,
	}
}

// WithRunner swaps the process runner.
func (p *CommandProvider) WithRunner(run CommandRunner) *CommandProvider {
	p.run = run
	return p
}

// Generate runs the command once.
func (p *CommandProvider) Generate(ctx context.Context, prompt, model string) (string, error) {
	if p.Command == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "no llm command configured")
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append([]string(nil), p.Args...)
	if model != "" && p.ModelFlag != "" {
		args = append(args, p.ModelFlag, model)
	}

	start := time.Now()
	stdout, stderr, err := p.run(ctx, prompt, p.Command, args...)
	p.logger.DebugContext(ctx, "llm command finished",
		"command", p.Command, "model", model, "duration_ms", time.Since(start).Milliseconds())
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", schema.NewErrorf(schema.ErrCodeTimeout, "llm command timed out after %s", timeout).WithCause(err)
		}
		msg := strings.TrimSpace(string(stderr))
		if msg == "" {
			msg = err.Error()
		}
		return "", schema.NewErrorf(schema.ErrCodeExecution, "llm command failed: %s", msg).WithCause(err)
	}
	return strings.TrimSpace(string(stdout)), nil
}

func defaultCommandRunner(ctx context.Context, stdin string, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = strings.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), stderr.Bytes(), fmt.Errorf("run %s: %w", name, err)
	}
	return stdout.Bytes(), stderr.Bytes(), nil
}
