package validation

import (
	"fmt"
	"strings"

	"github.com/rendis/hookflow/pkg/schema"
)

// Checkers bundles the optional collaborators used by semantic checks. Any nil
// field skips the checks that need it.
type Checkers struct {
	Actions    ActionLookup
	Conditions ConditionChecker
	CEL        ExpressionChecker
	JQ         ExpressionChecker
}

// validateWorkflowSemantic checks references and expressions a schema cannot express.
func validateWorkflowSemantic(def *schema.WorkflowDefinition, c Checkers) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	names := make(map[string]bool, len(def.Steps))
	for i, step := range def.Steps {
		if names[step.Name] {
			result.AddError(fmt.Sprintf("steps[%d].name", i), schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step name %q", step.Name))
		}
		names[step.Name] = true
	}

	if def.Type == schema.WorkflowTypeLifecycle && len(def.Steps) > 0 {
		result.AddWarning("steps", schema.ErrCodeValidation, "lifecycle workflows ignore steps")
	}
	if def.Type == schema.WorkflowTypeStep && len(def.Triggers) > 0 {
		result.AddWarning("triggers", schema.ErrCodeValidation, "step workflows ignore triggers")
	}

	for i := range def.Steps {
		validateWorkflowStep(&def.Steps[i], schema.StepPath(def.Steps[i].Name), names, c, result)
	}

	for event, actions := range def.Triggers {
		if !knownTrigger(event) {
			result.AddWarning("triggers."+event, schema.ErrCodeValidation,
				fmt.Sprintf("trigger %q does not match any event type", event))
		}
		validateActions(actions, "triggers."+event, c.Actions, result)
	}

	return result
}

func validateWorkflowStep(step *schema.WorkflowStep, path string, names map[string]bool, c Checkers, result *schema.ValidationResult) {
	for j, rule := range step.Rules {
		checkCondition(c.Conditions, rule.Condition, fmt.Sprintf("%s.rules[%d].condition", path, j), result)
	}
	for j, tr := range step.Transitions {
		p := fmt.Sprintf("%s.transitions[%d]", path, j)
		if !names[tr.NextStep] {
			result.AddError(p+".next_step", schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent step %q", tr.NextStep))
		}
		checkCondition(c.Conditions, tr.Condition, p+".condition", result)
	}
	if step.Approval != nil {
		checkCondition(c.Conditions, step.Approval.Condition, path+".approval.condition", result)
	}
	for _, blocked := range step.BlockedTools {
		if !step.AllowedTools.All && schema.MatchTool(step.AllowedTools.Names, blocked) {
			result.AddWarning(path+".blocked_tools", schema.ErrCodeValidation,
				fmt.Sprintf("tool %q is both allowed and blocked; blocked wins", blocked))
		}
	}
	validateActions(step.OnEnter, path+".on_enter", c.Actions, result)
}

func validateActions(actions []schema.ActionSpec, path string, lookup ActionLookup, result *schema.ValidationResult) {
	if lookup == nil {
		return
	}
	for i, a := range actions {
		if !lookup.Has(a.Action) {
			// Unknown actions are tolerated at runtime.
			result.AddWarning(fmt.Sprintf("%s[%d].action", path, i), schema.ErrCodeActionUnavailable,
				fmt.Sprintf("action %q not registered", a.Action))
		}
	}
}

func checkCondition(checker ConditionChecker, expression, path string, result *schema.ValidationResult) {
	if checker == nil || strings.TrimSpace(expression) == "" {
		return
	}
	if err := checker.Check(expression, ConditionNames...); err != nil {
		result.AddError(path, schema.ErrCodeEvaluation, err.Error())
	}
}

func knownTrigger(key string) bool {
	key = strings.TrimPrefix(key, "on_")
	switch schema.EventType(key) {
	case schema.EventSessionStart, schema.EventSessionEnd, schema.EventBeforeAgent, schema.EventAfterAgent,
		schema.EventBeforeTool, schema.EventAfterTool, schema.EventBeforeToolSelect, schema.EventBeforeModel,
		schema.EventAfterModel, schema.EventPreCompact, schema.EventStop, schema.EventNotification:
		return true
	}
	return false
}

// validatePipelineSemantic checks step ids, expressions and output references.
func validatePipelineSemantic(def *schema.PipelineDefinition, c Checkers) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	ids := make(map[string]bool, len(def.Steps))
	for i, step := range def.Steps {
		path := schema.StepPath(step.ID)
		if ids[step.ID] {
			result.AddError(fmt.Sprintf("steps[%d].id", i), schema.ErrCodeValidation, fmt.Sprintf("duplicate step id %q", step.ID))
		}
		ids[step.ID] = true

		if step.Kind() == "" {
			result.AddError(path, schema.ErrCodeValidation, "step must define one of exec, prompt or mcp")
		}
		if step.Condition != "" && c.CEL != nil && !strings.Contains(step.Condition, "{{") {
			if err := c.CEL.Check(step.Condition); err != nil {
				result.AddError(schema.StepPath(step.ID, "condition"), schema.ErrCodeEvaluation, err.Error())
			}
		}
		if step.OutputFilter != "" && c.JQ != nil {
			if err := c.JQ.Check(step.OutputFilter); err != nil {
				result.AddError(schema.StepPath(step.ID, "output_filter"), schema.ErrCodeValidation, err.Error())
			}
		}
		if step.Approval != nil && !step.Approval.Required && step.Approval.Message != "" {
			result.AddWarning(schema.StepPath(step.ID, "approval"), schema.ErrCodeValidation, "approval message set but required is false")
		}
	}

	return result
}
