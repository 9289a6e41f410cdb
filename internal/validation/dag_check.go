package validation

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/rendis/hookflow/pkg/schema"
)

// validateTransitionGraph warns about steps no transition path reaches from
// the first step. Runtime activation may still jump to them directly.
func validateTransitionGraph(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if len(def.Steps) == 0 {
		return result
	}

	edges := make(map[string][]string, len(def.Steps))
	for _, s := range def.Steps {
		for _, tr := range s.Transitions {
			edges[s.Name] = append(edges[s.Name], tr.NextStep)
		}
	}

	root := def.Steps[0].Name
	reachable := map[string]bool{root: true}
	queue := []string{root}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, next := range edges[node] {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}

	for _, s := range def.Steps {
		if !reachable[s.Name] {
			result.AddWarning(schema.StepPath(s.Name), schema.ErrCodeValidation,
				fmt.Sprintf("step %q is unreachable from %q", s.Name, root))
		}
	}
	return result
}

var stepRefPattern = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_-]*)\.output`)

// validateReferenceOrder requires every $id.output reference to name a step
// that runs earlier. Pipelines run in order, so later or self references can
// never resolve.
func validateReferenceOrder(def *schema.PipelineDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	position := make(map[string]int, len(def.Steps))
	for i, s := range def.Steps {
		if _, dup := position[s.ID]; !dup {
			position[s.ID] = i
		}
	}

	for i := range def.Steps {
		step := &def.Steps[i]
		for _, ref := range stepReferences(step) {
			at, known := position[ref]
			path := schema.StepPath(step.ID)
			switch {
			case !known:
				result.AddWarning(path, schema.ErrCodeValidation,
					fmt.Sprintf("reference $%s.output names no step and is left as text", ref))
			case at >= i:
				result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("step %q references $%s.output, which has not run yet", step.ID, ref))
			}
		}
	}
	return result
}

// stepReferences returns the distinct step ids a step refers to, sorted.
func stepReferences(step *schema.PipelineStep) []string {
	seen := map[string]bool{}
	var walk func(v any)
	walk = func(v any) {
		switch val := v.(type) {
		case string:
			for _, m := range stepRefPattern.FindAllStringSubmatch(val, -1) {
				seen[m[1]] = true
			}
		case map[string]any:
			for _, item := range val {
				walk(item)
			}
		case []any:
			for _, item := range val {
				walk(item)
			}
		}
	}
	walk(step.Exec)
	walk(step.Prompt)
	walk(step.Condition)
	if step.MCP != nil {
		walk(step.MCP.Arguments)
	}

	refs := make([]string, 0, len(seen))
	for id := range seen {
		refs = append(refs, id)
	}
	sort.Strings(refs)
	return refs
}
