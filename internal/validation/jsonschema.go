package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/hookflow/pkg/schema"
)

const (
	workflowSchemaURL = "https://hookflow.dev/schemas/workflow.json"
	pipelineSchemaURL = "https://hookflow.dev/schemas/pipeline.json"
)

// workflowSchemaJSON describes workflow definition files.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://hookflow.dev/schemas/workflow.json",
  "type": "object",
  "required": ["name", "type"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "version": {"type": ["string", "number"]},
    "type": {"type": "string", "enum": ["step", "lifecycle"]},
    "steps": {"type": "array", "items": {"$ref": "#/$defs/step"}},
    "triggers": {
      "type": "object",
      "additionalProperties": {"type": "array", "items": {"$ref": "#/$defs/action"}}
    },
    "variables": {"type": "object"},
    "enabled": {"type": "boolean"},
    "priority": {"type": "integer"}
  },
  "additionalProperties": false,
  "allOf": [
    {
      "if": {"properties": {"type": {"const": "step"}}},
      "then": {"required": ["steps"], "properties": {"steps": {"minItems": 1}}}
    },
    {
      "if": {"properties": {"type": {"const": "lifecycle"}}},
      "then": {"required": ["triggers"]}
    }
  ],
  "$defs": {
    "step": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "description": {"type": "string"},
        "allowed_tools": {
          "oneOf": [
            {"const": "all"},
            {"type": "array", "items": {"type": "string"}},
            {"type": "null"}
          ]
        },
        "blocked_tools": {"type": "array", "items": {"type": "string"}},
        "rules": {"type": "array", "items": {"$ref": "#/$defs/rule"}},
        "transitions": {"type": "array", "items": {"$ref": "#/$defs/transition"}},
        "exit_conditions": {"type": "array", "items": {"type": "string"}},
        "approval": {"$ref": "#/$defs/approval"},
        "on_enter": {"type": "array", "items": {"$ref": "#/$defs/action"}}
      },
      "additionalProperties": false
    },
    "rule": {
      "type": "object",
      "required": ["condition", "effect"],
      "properties": {
        "condition": {"type": "string", "minLength": 1},
        "effect": {"type": "string", "enum": ["allow", "deny", "ask", "block"]},
        "reason": {"type": "string"}
      },
      "additionalProperties": false
    },
    "transition": {
      "type": "object",
      "required": ["condition", "next_step"],
      "properties": {
        "condition": {"type": "string", "minLength": 1},
        "next_step": {"type": "string", "minLength": 1}
      },
      "additionalProperties": false
    },
    "approval": {
      "type": "object",
      "required": ["condition"],
      "properties": {
        "condition": {"type": "string", "minLength": 1},
        "message": {"type": "string"},
        "timeout_seconds": {"type": "integer", "minimum": 0},
        "blocking": {"type": "boolean"}
      },
      "additionalProperties": false
    },
    "action": {
      "type": "object",
      "required": ["action"],
      "properties": {
        "action": {"type": "string", "minLength": 1}
      }
    }
  }
}`

// pipelineSchemaJSON describes pipeline definition files.
const pipelineSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://hookflow.dev/schemas/pipeline.json",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "inputs": {"type": "object"},
    "steps": {"type": "array", "minItems": 1, "items": {"$ref": "#/$defs/step"}}
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": {"type": "string", "pattern": "^[A-Za-z_][A-Za-z0-9_-]*$"},
        "exec": {"type": "string", "minLength": 1},
        "prompt": {"type": "string", "minLength": 1},
        "mcp": {
          "type": "object",
          "required": ["server", "tool"],
          "properties": {
            "server": {"type": "string", "minLength": 1},
            "tool": {"type": "string", "minLength": 1},
            "arguments": {"type": "object"}
          },
          "additionalProperties": false
        },
        "condition": {"type": "string"},
        "approval": {
          "type": "object",
          "properties": {
            "required": {"type": "boolean"},
            "message": {"type": "string"},
            "timeout_seconds": {"type": "integer", "minimum": 0}
          },
          "additionalProperties": false
        },
        "output_filter": {"type": "string"}
      },
      "oneOf": [
        {"required": ["exec"]},
        {"required": ["prompt"]},
        {"required": ["mcp"]}
      ],
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates definition documents and pipeline inputs
// against JSON Schema Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema
	pipelineSchema *jsonschema.Schema

	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the built-in definition schemas.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()
	for url, doc := range map[string]string{
		workflowSchemaURL: workflowSchemaJSON,
		pipelineSchemaURL: pipelineSchemaJSON,
	} {
		parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", url, err)
		}
		if err := c.AddResource(url, parsed); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", url, err)
		}
	}

	wf, err := c.Compile(workflowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	pl, err := c.Compile(pipelineSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile pipeline schema: %w", err)
	}

	return &JSONSchemaValidator{
		workflowSchema: wf,
		pipelineSchema: pl,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateWorkflowDocument checks a decoded workflow file.
func (v *JSONSchemaValidator) ValidateWorkflowDocument(doc any) error {
	return validateDocument(v.workflowSchema, doc, "workflow")
}

// ValidatePipelineDocument checks a decoded pipeline file.
func (v *JSONSchemaValidator) ValidatePipelineDocument(doc any) error {
	return validateDocument(v.pipelineSchema, doc, "pipeline")
}

func validateDocument(sch *jsonschema.Schema, doc any, kind string) error {
	if doc == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s definition is nil", kind)
	}
	val, err := toJSONValue(doc)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "failed to serialize %s definition", kind).WithCause(err)
	}
	if err := sch.Validate(val); err != nil {
		return toHookflowError(err)
	}
	return nil
}

// ValidateInput validates input against a JSON Schema given as raw bytes.
// An empty schema accepts anything. Compiled schemas are cached by content.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if len(inputSchema) == 0 {
		return nil
	}
	if input == nil {
		input = map[string]any{}
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}
	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toHookflowError(err)
	}
	return nil
}

func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	url := fmt.Sprintf("hookflow://input-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips v through encoding/json so numbers become json.Number.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toHookflowError flattens a ValidationError tree into a VALIDATION_ERROR
// whose details list each leaf violation with its instance location.
func toHookflowError(err error) *schema.HookflowError {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		return []string{fmt.Sprintf("/%s: %s", strings.Join(verr.InstanceLocation, "/"), verr.Error())}
	}
	var out []string
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
