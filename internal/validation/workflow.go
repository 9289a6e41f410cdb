package validation

import (
	"errors"

	"github.com/rendis/hookflow/pkg/schema"
)

// DefinitionValidator runs the staged checks for workflow and pipeline files:
// structural (JSON Schema on the raw document), semantic, then graph.
// Structural errors short-circuit the later stages.
type DefinitionValidator struct {
	jsonSchema *JSONSchemaValidator
	checkers   Checkers
}

// NewDefinitionValidator creates a DefinitionValidator. Zero-value checkers
// skip the checks that need them.
func NewDefinitionValidator(c Checkers) (*DefinitionValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &DefinitionValidator{jsonSchema: jsv, checkers: c}, nil
}

// ValidateWorkflow checks a decoded workflow document and its typed form.
func (v *DefinitionValidator) ValidateWorkflow(doc any, def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := structural(v.jsonSchema.ValidateWorkflowDocument(doc))
	if !result.Valid() || def == nil {
		return result
	}
	result.Merge(validateWorkflowSemantic(def, v.checkers))
	if result.Valid() {
		result.Merge(validateTransitionGraph(def))
	}
	return result
}

// ValidatePipeline checks a decoded pipeline document and its typed form.
func (v *DefinitionValidator) ValidatePipeline(doc any, def *schema.PipelineDefinition) *schema.ValidationResult {
	result := structural(v.jsonSchema.ValidatePipelineDocument(doc))
	if !result.Valid() || def == nil {
		return result
	}
	result.Merge(validatePipelineSemantic(def, v.checkers))
	if result.Valid() {
		result.Merge(validateReferenceOrder(def))
	}
	return result
}

// ValidateInput delegates to the JSON Schema validator.
func (v *DefinitionValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return v.jsonSchema.ValidateInput(input, inputSchema)
}

// structural converts a schema validation error into result entries, one per violation.
func structural(err error) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if err == nil {
		return result
	}

	var he *schema.HookflowError
	if !errors.As(err, &he) {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := he.Details["violations"].([]string); ok {
		for _, msg := range violations {
			result.AddError("/", schema.ErrCodeValidation, msg)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, he.Message)
	return result
}
