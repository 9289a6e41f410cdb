package actions

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rendis/hookflow/internal/isolation"
	"github.com/rendis/hookflow/internal/llm"
	"github.com/rendis/hookflow/internal/pipeline"
	"github.com/rendis/hookflow/internal/store"
	"github.com/rendis/hookflow/internal/workflows"
	"github.com/rendis/hookflow/pkg/schema"
)

// SessionService reads and updates session rows.
type SessionService interface {
	GetSession(ctx context.Context, id string) (*store.Session, error)
	UpdateSessionStatus(ctx context.Context, id, status string) error
	UpdateSessionTitle(ctx context.Context, id, title string) error
}

// MemoryStore persists notes for save_memory and recall_memory.
type MemoryStore interface {
	SaveMemory(ctx context.Context, mem *store.Memory) error
	RecallMemories(ctx context.Context, query store.MemoryQuery) ([]*store.Memory, error)
}

// PipelineRunner starts pipelines and reads their executions back.
type PipelineRunner interface {
	Run(ctx context.Context, def *schema.PipelineDefinition, inputs map[string]any, opts pipeline.RunOptions) (pipeline.Outcome, error)
	Get(ctx context.Context, id string) (*schema.PipelineExecution, error)
}

// Deps are the collaborators built-in actions call. A nil collaborator makes
// the actions that need it fail with ACTION_UNAVAILABLE.
type Deps struct {
	Runner       *isolation.Runner
	Sessions     SessionService
	Memories     MemoryStore
	LLM          llm.Provider
	Transcripts  llm.TranscriptSource
	Definitions  workflows.Definitions
	Pipelines    PipelineRunner
	PollInterval time.Duration
	Logger       *slog.Logger
}

// RegisterBuiltins registers all built-in actions in the given registry.
func RegisterBuiltins(reg *Registry, deps Deps) error {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.PollInterval <= 0 {
		deps.PollInterval = 2 * time.Second
	}

	all := make([]Action, 0, 16)

	// Context and verdicts.
	all = append(all, MessageActions()...)

	// Variables.
	all = append(all, VariableActions()...)

	// Sessions and the model.
	all = append(all, SessionActions(deps)...)

	// Commands and pipelines.
	all = append(all,
		NewBashAction(deps.Runner),
		NewRunPipelineAction(deps.Definitions, deps.Pipelines, deps.PollInterval),
	)

	// Memories.
	all = append(all, MemoryActions(deps.Memories)...)

	for _, a := range all {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}

// NewBuiltinRegistry returns a registry holding every built-in action.
func NewBuiltinRegistry(deps Deps) (*Registry, error) {
	reg := NewRegistry()
	if err := RegisterBuiltins(reg, deps); err != nil {
		return nil, err
	}
	return reg, nil
}

// meta supplies Name and Schema for built-ins.
type meta struct {
	name        string
	description string
	input       string
}

func (m meta) Name() string { return m.name }

func (m meta) Schema() ActionSchema {
	s := ActionSchema{Description: m.description}
	if m.input != "" {
		s.InputSchema = json.RawMessage(m.input)
	}
	return s
}

func unavailable(action, what string) error {
	return schema.NewErrorf(schema.ErrCodeActionUnavailable, "%s: no %s configured", action, what)
}
