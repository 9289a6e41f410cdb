package isolation

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/rendis/hookflow/pkg/schema"
)

const (
	DefaultTimeout        = 30 * time.Second
	DefaultMaxOutputBytes = 10 * 1024 * 1024
)

// Runner spawns shell commands for the bash action and exec pipeline steps.
type Runner struct {
	Isolator       Isolator
	Limits         ResourceLimits
	DefaultTimeout time.Duration
	MaxOutputBytes int64
}

// NewRunner returns a Runner with defaults filled in.
func NewRunner(iso Isolator, limits ResourceLimits) *Runner {
	if iso == nil {
		iso = NewFallbackIsolator()
	}
	return &Runner{
		Isolator:       iso,
		Limits:         limits,
		DefaultTimeout: DefaultTimeout,
		MaxOutputBytes: DefaultMaxOutputBytes,
	}
}

// Command is one shell invocation. Script runs under /bin/sh -c.
type Command struct {
	Script  string
	Cwd     string
	Env     map[string]string
	Stdin   string
	Timeout time.Duration
}

// Result is the captured outcome of a foreground command.
type Result struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	DurationMs int64  `json:"duration_ms"`
	Killed     bool   `json:"killed,omitempty"`
	Truncated  bool   `json:"truncated,omitempty"`
}

// Run executes cmd in the foreground and captures its output. A non-zero exit
// is reported in Result, not as an error.
func (r *Runner) Run(ctx context.Context, cmd Command) (*Result, error) {
	c, err := r.build(cmd)
	if err != nil {
		return nil, err
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = r.timeout()
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// The deadline is owned here so kills can be detected via execCtx.Err().
	limits := r.Limits
	limits.Timeout = 0

	wrapped, cleanup, err := r.isolator().Wrap(execCtx, c, limits)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeIsolation, "isolation wrap failed: %v", err).WithCause(err)
	}
	defer cleanup()

	var stdout, stderr bytes.Buffer
	outW := &limitedWriter{w: &stdout, limit: r.maxOutput()}
	errW := &limitedWriter{w: &stderr, limit: r.maxOutput()}
	wrapped.Stdout = outW
	wrapped.Stderr = errW

	start := time.Now()
	runErr := wrapped.Run()
	res := &Result{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: time.Since(start).Milliseconds(),
		Truncated:  outW.truncated || errW.truncated,
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "spawn failed: %v", runErr).WithCause(runErr)
		}
		res.ExitCode = exitErr.ExitCode()
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			res.Killed = true
		}
	}
	return res, nil
}

// Start launches cmd detached from ctx and returns its pid. Output is
// discarded and the process is reaped in the background.
func (r *Runner) Start(cmd Command) (int, error) {
	c, err := r.build(cmd)
	if err != nil {
		return 0, err
	}
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	if err := c.Start(); err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeExecution, "spawn failed: %v", err).WithCause(err)
	}
	go func() { _ = c.Wait() }()
	return c.Process.Pid, nil
}

func (r *Runner) build(cmd Command) (*exec.Cmd, error) {
	if strings.TrimSpace(cmd.Script) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "missing command")
	}
	c := exec.Command("/bin/sh", "-c", cmd.Script)
	if cmd.Cwd != "" {
		if err := r.Limits.ValidatePath(cmd.Cwd, PathAccessRead); err != nil {
			return nil, err
		}
		c.Dir = cmd.Cwd
	}
	if len(cmd.Env) > 0 {
		c.Env = mergeEnv(os.Environ(), cmd.Env)
	}
	if cmd.Stdin != "" {
		c.Stdin = strings.NewReader(cmd.Stdin)
	}
	return c, nil
}

func mergeEnv(base []string, extra map[string]string) []string {
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := append([]string(nil), base...)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}

func (r *Runner) isolator() Isolator {
	if r.Isolator == nil {
		return NewFallbackIsolator()
	}
	return r.Isolator
}

func (r *Runner) timeout() time.Duration {
	if r.DefaultTimeout <= 0 {
		return DefaultTimeout
	}
	return r.DefaultTimeout
}

func (r *Runner) maxOutput() int64 {
	if r.MaxOutputBytes <= 0 {
		return DefaultMaxOutputBytes
	}
	return r.MaxOutputBytes
}

// limitedWriter discards bytes beyond limit. Write always reports len(p) so the
// child never blocks on a full pipe.
type limitedWriter struct {
	w         io.Writer
	limit     int64
	written   int64
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		lw.truncated = lw.truncated || total > 0
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
		lw.truncated = true
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return total, err
	}
	return total, nil
}
