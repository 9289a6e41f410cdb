package actions

import (
	"context"
	"log/slog"
	"strings"

	"github.com/rendis/hookflow/internal/llm"
	"github.com/rendis/hookflow/internal/logging"
	"github.com/rendis/hookflow/internal/store"
	"github.com/rendis/hookflow/pkg/schema"
)

const (
	defaultTitleExcerpt = 4000
	titlePrompt         = "Write a short title, at most six words, for the coding session below. " +
		"Reply with the title only.\n\n"
)

// SessionActions returns mark_session_status, call_llm and synthesize_title.
func SessionActions(deps Deps) []Action {
	return []Action{
		&markSessionStatusAction{
			meta: meta{
				name:        "mark_session_status",
				description: "Set the session status",
				input:       `{"type":"object","properties":{"status":{"type":"string","enum":["active","paused","completed","failed"]}},"required":["status"]}`,
			},
			sessions: deps.Sessions,
		},
		&callLLMAction{
			meta: meta{
				name:        "call_llm",
				description: "Send a rendered prompt to the model and store the reply",
				input:       `{"type":"object","properties":{"prompt":{"type":"string"},"output_as":{"type":"string"},"model":{"type":"string"},"workflow":{"type":"string"}},"required":["prompt"]}`,
			},
			provider: deps.LLM,
			logger:   deps.Logger,
		},
		&synthesizeTitleAction{
			meta: meta{
				name:        "synthesize_title",
				description: "Summarize the transcript into a session title",
				input:       `{"type":"object","properties":{"model":{"type":"string"},"max_chars":{"type":"integer"}}}`,
			},
			sessions:    deps.Sessions,
			provider:    deps.LLM,
			transcripts: deps.Transcripts,
		},
	}
}

// --- markSessionStatusAction ---

type markSessionStatusAction struct {
	meta
	sessions SessionService
}

func (a *markSessionStatusAction) Validate(params map[string]any) error {
	if err := requireParam(params, "status"); err != nil {
		return err
	}
	switch status := stringParam(params, "status", ""); status {
	case store.SessionStatusActive, store.SessionStatusPaused, store.SessionStatusCompleted, store.SessionStatusFailed:
		return nil
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid session status %q", status)
	}
}

func (a *markSessionStatusAction) Execute(ctx context.Context, actx *ActionContext, params map[string]any) (Result, error) {
	if a.sessions == nil {
		return nil, unavailable(a.name, "session store")
	}
	status := stringParam(params, "status", "")
	if err := a.sessions.UpdateSessionStatus(ctx, actx.SessionID, status); err != nil {
		return nil, err
	}
	return Result{"status_updated": status}, nil
}

// --- callLLMAction ---

type callLLMAction struct {
	meta
	provider llm.Provider
	logger   *slog.Logger
}

func (a *callLLMAction) Validate(params map[string]any) error {
	return requireParam(params, "prompt")
}

// Execute stores the reply under output_as in the session scope, or in the
// instance named by workflow.
func (a *callLLMAction) Execute(ctx context.Context, actx *ActionContext, params map[string]any) (Result, error) {
	if a.provider == nil {
		return nil, unavailable(a.name, "llm provider")
	}
	prompt, err := actx.RenderString(ctx, stringParam(params, "prompt", ""), nil)
	if err != nil {
		return nil, err
	}
	reply, err := a.provider.Generate(ctx, prompt, stringParam(params, "model", ""))
	if err != nil {
		return nil, err
	}
	logging.LogWith(ctx, a.logger).DebugContext(ctx, "llm replied", slog.Int("chars", len(reply)))

	if key := stringParam(params, "output_as", ""); key != "" {
		workflow := stringParam(params, "workflow", "")
		if err := actx.SetVariable(ctx, workflow, key, reply); err != nil {
			if res, ok := scopeMissing(err, workflow); ok {
				return res, nil
			}
			return nil, err
		}
	}
	return Result{"llm_called": true}, nil
}

// --- synthesizeTitleAction ---

type synthesizeTitleAction struct {
	meta
	sessions    SessionService
	provider    llm.Provider
	transcripts llm.TranscriptSource
}

func (a *synthesizeTitleAction) Validate(map[string]any) error { return nil }

func (a *synthesizeTitleAction) Execute(ctx context.Context, actx *ActionContext, params map[string]any) (Result, error) {
	switch {
	case a.provider == nil:
		return nil, unavailable(a.name, "llm provider")
	case a.transcripts == nil:
		return nil, unavailable(a.name, "transcript source")
	case a.sessions == nil:
		return nil, unavailable(a.name, "session store")
	}

	var path string
	if actx.Event != nil {
		path, _ = actx.Event.Data["transcript_path"].(string)
	}
	msgs, err := a.transcripts.Read(ctx, actx.SessionID, path)
	if err != nil {
		return nil, err
	}
	excerpt := llm.Excerpt(msgs, intParam(params, "max_chars", defaultTitleExcerpt))
	if strings.TrimSpace(excerpt) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "transcript is empty")
	}

	reply, err := a.provider.Generate(ctx, titlePrompt+excerpt, stringParam(params, "model", ""))
	if err != nil {
		return nil, err
	}
	title := cleanTitle(reply)
	if title == "" {
		return nil, schema.NewError(schema.ErrCodeExecution, "model returned an empty title")
	}
	if err := a.sessions.UpdateSessionTitle(ctx, actx.SessionID, title); err != nil {
		return nil, err
	}
	return Result{"title_synthesized": title}, nil
}

// cleanTitle keeps the first line and strips surrounding quotes.
func cleanTitle(s string) string {
	s = strings.TrimSpace(s)
	if line, _, ok := strings.Cut(s, "\n"); ok {
		s = strings.TrimSpace(line)
	}
	return strings.TrimSpace(strings.Trim(s, "\"'`"))
}
