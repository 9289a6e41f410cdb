package actions

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/rendis/hookflow/internal/store"
)

const defaultRecallLimit = 5

// MemoryActions returns save_memory and recall_memory.
func MemoryActions(memories MemoryStore) []Action {
	return []Action{
		&saveMemoryAction{
			meta: meta{
				name:        "save_memory",
				description: "Save a rendered note for later sessions of the project",
				input:       `{"type":"object","properties":{"content":{"type":"string"},"tags":{"type":"array","items":{"type":"string"}}},"required":["content"]}`,
			},
			memories: memories,
		},
		&recallMemoryAction{
			meta: meta{
				name:        "recall_memory",
				description: "Look up saved notes, optionally injecting them into context",
				input:       `{"type":"object","properties":{"query":{"type":"string"},"limit":{"type":"integer"},"inject":{"type":"boolean"}}}`,
			},
			memories: memories,
		},
	}
}

// --- saveMemoryAction ---

type saveMemoryAction struct {
	meta
	memories MemoryStore
}

func (a *saveMemoryAction) Validate(params map[string]any) error {
	return requireParam(params, "content")
}

func (a *saveMemoryAction) Execute(ctx context.Context, actx *ActionContext, params map[string]any) (Result, error) {
	if a.memories == nil {
		return nil, unavailable(a.name, "memory store")
	}
	content, err := actx.RenderString(ctx, stringParam(params, "content", ""), nil)
	if err != nil {
		return nil, err
	}
	mem := &store.Memory{
		ID:        uuid.New().String(),
		SessionID: actx.SessionID,
		ProjectID: actx.ProjectID,
		Content:   content,
		Tags:      stringSliceParam(params, "tags"),
	}
	if err := a.memories.SaveMemory(ctx, mem); err != nil {
		return nil, err
	}
	return Result{"memory_id": mem.ID}, nil
}

// --- recallMemoryAction ---

type recallMemoryAction struct {
	meta
	memories MemoryStore
}

func (a *recallMemoryAction) Validate(map[string]any) error { return nil }

// Execute searches the project's memories. With inject set and at least one
// hit, the notes are also returned as injected context.
func (a *recallMemoryAction) Execute(ctx context.Context, actx *ActionContext, params map[string]any) (Result, error) {
	if a.memories == nil {
		return nil, unavailable(a.name, "memory store")
	}
	query, err := actx.RenderString(ctx, stringParam(params, "query", ""), nil)
	if err != nil {
		return nil, err
	}
	found, err := a.memories.RecallMemories(ctx, store.MemoryQuery{
		ProjectID: actx.ProjectID,
		Query:     query,
		Limit:     intParam(params, "limit", defaultRecallLimit),
	})
	if err != nil {
		return nil, err
	}

	items := make([]any, 0, len(found))
	for _, m := range found {
		items = append(items, map[string]any{"id": m.ID, "content": m.Content, "tags": m.Tags})
	}
	res := Result{"memories": items, "count": len(items)}
	if boolParam(params, "inject", false) && len(found) > 0 {
		var b strings.Builder
		b.WriteString("Relevant memories:")
		for _, m := range found {
			b.WriteString("\n- ")
			b.WriteString(m.Content)
		}
		res[KeyInjectContext] = b.String()
	}
	return res, nil
}
