package expressions

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/rendis/hookflow/pkg/schema"
)

// StepScope accumulates pipeline step outputs for reference resolution.
// Outputs are frozen (deep-copied) on insert and cannot be replaced, so a
// later step always sees exactly what an earlier step produced.
type StepScope struct {
	mu      sync.RWMutex
	inputs  map[string]any
	outputs map[string]any
	order   []string
}

// NewStepScope creates a scope over the given pipeline inputs. Inputs are copied.
func NewStepScope(inputs map[string]any) *StepScope {
	return &StepScope{
		inputs:  deepCopyMap(inputs),
		outputs: make(map[string]any),
	}
}

// AddStepOutput registers a completed step's raw JSON output.
func (sc *StepScope) AddStepOutput(stepID string, output json.RawMessage) error {
	var parsed any
	if len(output) > 0 {
		if err := json.Unmarshal(output, &parsed); err != nil {
			return schema.NewErrorf(schema.ErrCodeInterpolation,
				"cannot parse step %q output: %s", stepID, err.Error()).WithStep(stepID)
		}
	}
	return sc.AddStepValue(stepID, parsed)
}

// AddStepValue registers a completed step's decoded output.
func (sc *StepScope) AddStepValue(stepID string, value any) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if _, exists := sc.outputs[stepID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"step %q output already registered", stepID).WithStep(stepID)
	}
	sc.outputs[stepID] = deepCopyAny(value)
	sc.order = append(sc.order, stepID)
	return nil
}

// Restore rebuilds a scope from persisted outputs, used when a pipeline resumes.
func Restore(inputs map[string]any, outputs map[string]json.RawMessage) (*StepScope, error) {
	sc := NewStepScope(inputs)
	ids := make([]string, 0, len(outputs))
	for id := range outputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := sc.AddStepOutput(id, outputs[id]); err != nil {
			return nil, err
		}
	}
	return sc, nil
}

// Has reports whether the step already produced output.
func (sc *StepScope) Has(stepID string) bool {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	_, ok := sc.outputs[stepID]
	return ok
}

// Namespace returns a snapshot shaped as {inputs, steps: {id: {output}}}.
func (sc *StepScope) Namespace() map[string]any {
	sc.mu.RLock()
	defer sc.mu.RUnlock()

	steps := make(map[string]any, len(sc.outputs))
	for id, out := range sc.outputs {
		steps[id] = map[string]any{"output": deepCopyAny(out)}
	}
	return map[string]any{
		"inputs": deepCopyMap(sc.inputs),
		"steps":  steps,
	}
}

// --- Deep copy utilities ---

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively copies maps and slices. Scalars are returned as is.
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
