package actions

import (
	"context"
	"time"

	"github.com/rendis/hookflow/internal/isolation"
	"github.com/rendis/hookflow/pkg/schema"
)

// --- JSON Schemas ---

const bashInputSchema = `{
  "type": "object",
  "properties": {
    "command": {"type": "string"},
    "background": {"type": "boolean", "default": false},
    "capture_output": {"type": "boolean", "default": true},
    "cwd": {"type": "string"},
    "env": {"type": "object", "additionalProperties": {"type": "string"}},
    "stdin": {"type": "string"},
    "timeout": {"type": "string"}
  },
  "required": ["command"]
}`

// NewBashAction returns the bash action running commands through runner.
func NewBashAction(runner *isolation.Runner) Action {
	return &bashAction{
		meta: meta{
			name:        "bash",
			description: "Run a rendered shell command, in the foreground or detached",
			input:       bashInputSchema,
		},
		runner: runner,
	}
}

// --- bashAction ---

type bashAction struct {
	meta
	runner *isolation.Runner
}

func (a *bashAction) Validate(params map[string]any) error {
	return requireParam(params, "command")
}

// Execute renders the command and its cwd, then runs it. Spawn failures are
// reported in the result with exit_code 1 rather than as errors.
func (a *bashAction) Execute(ctx context.Context, actx *ActionContext, params map[string]any) (Result, error) {
	if a.runner == nil {
		return nil, unavailable(a.name, "command runner")
	}
	script, err := actx.RenderString(ctx, stringParam(params, "command", ""), nil)
	if err != nil {
		return nil, err
	}
	cwd, err := actx.RenderString(ctx, stringParam(params, "cwd", ""), nil)
	if err != nil {
		return nil, err
	}
	if cwd == "" && actx.Event != nil {
		cwd = actx.Event.Cwd
	}

	env := map[string]string{}
	for k, v := range stringMapParam(params, "env") {
		rendered, err := actx.RenderString(ctx, v, nil)
		if err != nil {
			return nil, err
		}
		env[k] = rendered
	}
	env["HOOKFLOW_SESSION_ID"] = actx.SessionID

	cmd := isolation.Command{
		Script: script,
		Cwd:    cwd,
		Env:    env,
		Stdin:  stringParam(params, "stdin", ""),
	}
	if s := stringParam(params, "timeout", ""); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid timeout %q", s)
		}
		cmd.Timeout = d
	}

	if boolParam(params, "background", false) {
		pid, err := a.runner.Start(cmd)
		if err != nil {
			return spawnFailed(err), nil
		}
		return Result{"status": "started", "pid": pid}, nil
	}

	res, err := a.runner.Run(ctx, cmd)
	if err != nil {
		return spawnFailed(err), nil
	}
	out := Result{"exit_code": res.ExitCode}
	if boolParam(params, "capture_output", true) {
		out["stdout"] = res.Stdout
		out["stderr"] = res.Stderr
	}
	if res.Killed {
		out["killed"] = true
	}
	return out, nil
}

func spawnFailed(err error) Result {
	return Result{KeyError: ErrorMessage(err), "exit_code": 1}
}
