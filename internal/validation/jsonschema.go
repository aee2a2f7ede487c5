package validation

import (
	"bytes"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/riskflow/pkg/schema"
)

const (
	workflowSchemaURL = "https://riskflow.dev/schemas/workflow.json"
	planSchemaURL     = "https://riskflow.dev/schemas/plan.json"
)

// workflowSchemaJSON describes the wire form of a workflow document.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://riskflow.dev/schemas/workflow.json",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "id": { "type": "string" },
    "name": { "type": "string", "minLength": 1 },
    "description": { "type": "string" },
    "enabled": { "type": "boolean" },
    "created_at": { "type": "string" },
    "updated_at": { "type": "string" },
    "trigger": { "$ref": "#/$defs/trigger" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "variables": {
      "type": "object",
      "additionalProperties": { "$ref": "#/$defs/binding" }
    },
    "error_handling": { "$ref": "#/$defs/strategy" }
  },
  "additionalProperties": false,
  "$defs": {
    "duration": {
      "type": "string",
      "pattern": "^\\s*([0-9]+(\\.[0-9]+)?|([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+)\\s*$"
    },
    "trigger": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": { "enum": ["manual", "voice", "scheduled", "event"] },
        "command": { "type": "string" },
        "cron": { "type": "string" },
        "event": { "type": "string" },
        "filter": { "type": "string" }
      },
      "additionalProperties": false
    },
    "binding": {
      "type": "object",
      "required": ["kind"],
      "properties": {
        "kind": { "enum": ["static", "dynamic", "context", "integration", "step_output"] },
        "value": {},
        "expression": { "type": "string" },
        "service": { "type": "string" },
        "step": { "type": "string" },
        "key": { "type": "string" }
      },
      "additionalProperties": false
    },
    "step": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "type": {
          "enum": ["execute_command", "run_script", "browser_action", "integration_call",
                   "conditional", "wait", "set_variable", "user_prompt", "run_workflow"]
        },
        "params": { "type": "object" },
        "depends_on": {
          "type": "array",
          "items": { "type": "string", "minLength": 1 }
        },
        "inputs": {
          "type": "object",
          "additionalProperties": { "$ref": "#/$defs/binding" }
        },
        "on_error": { "$ref": "#/$defs/handling" },
        "timeout": { "$ref": "#/$defs/duration" },
        "rollback": { "type": "string" }
      },
      "additionalProperties": false
    },
    "handling": {
      "type": "object",
      "required": ["strategy"],
      "properties": {
        "strategy": { "enum": ["continue", "stop", "retry", "alternative"] },
        "max_attempts": { "type": "integer", "minimum": 1 },
        "delay": { "$ref": "#/$defs/duration" },
        "backoff": { "enum": ["constant", "linear", "exponential"] },
        "max_delay": { "$ref": "#/$defs/duration" },
        "step": { "type": "string" }
      },
      "additionalProperties": false
    },
    "strategy": {
      "type": "object",
      "properties": {
        "strategy": { "enum": ["stop", "continue", "retry", "fallback"] },
        "retries": { "type": "integer", "minimum": 0 },
        "fallback": { "$ref": "#/$defs/step" }
      },
      "additionalProperties": false
    }
  }
}`

// planSchemaJSON describes the wire form of a plan document.
const planSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://riskflow.dev/schemas/plan.json",
  "type": "object",
  "required": ["steps"],
  "properties": {
    "id": { "type": "string" },
    "name": { "type": "string" },
    "description": { "type": "string" },
    "created_at": { "type": "string" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "command"],
        "properties": {
          "id": { "type": "string", "minLength": 1 },
          "description": { "type": "string" },
          "command": { "type": "string", "minLength": 1 },
          "risk_level": {
            "enum": ["info_only", "safe_operations", "network_access", "system_changes", "destructive", "unknown"]
          },
          "estimated_duration": { "type": "string" },
          "dependencies": { "type": "array", "items": { "type": "string" } },
          "rollback_command": { "type": "string" },
          "timeout": { "type": "string" }
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`

// DocumentValidator checks raw workflow and plan documents against their
// JSON Schemas before they are decoded. It is safe for concurrent use.
type DocumentValidator struct {
	workflow *jsonschema.Schema
	plan     *jsonschema.Schema
}

// NewDocumentValidator compiles the embedded schemas.
func NewDocumentValidator() (*DocumentValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	for url, text := range map[string]string{workflowSchemaURL: workflowSchemaJSON, planSchemaURL: planSchemaJSON} {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", url, err)
		}
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", url, err)
		}
	}

	wf, err := c.Compile(workflowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	plan, err := c.Compile(planSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}
	return &DocumentValidator{workflow: wf, plan: plan}, nil
}

// ValidateWorkflowDocument checks a JSON workflow document.
func (v *DocumentValidator) ValidateWorkflowDocument(raw []byte) error {
	return validateDocument(v.workflow, "workflow", raw)
}

// ValidatePlanDocument checks a JSON plan document.
func (v *DocumentValidator) ValidatePlanDocument(raw []byte) error {
	return validateDocument(v.plan, "plan", raw)
}

func validateDocument(s *jsonschema.Schema, kind string, raw []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s document is not valid JSON", kind).WithCause(err)
	}
	if err := s.Validate(doc); err != nil {
		return toValidationError(kind, err)
	}
	return nil
}

// toValidationError converts a jsonschema.ValidationError into a
// VALIDATION_ERROR listing every leaf violation.
func toValidationError(kind string, err error) *schema.Error {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s: %s", kind, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "%s failed schema validation with %d errors", kind, len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
