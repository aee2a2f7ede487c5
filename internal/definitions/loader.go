// Package definitions reads workflow and plan documents from YAML or JSON,
// checks them against their JSON Schemas and decodes them.
package definitions

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/riskflow/internal/validation"
	"github.com/rendis/riskflow/pkg/schema"
)

// Format is the encoding of a document.
type Format string

const (
	FormatAuto Format = ""
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatOf picks a format from a file extension.
func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".json":
		return FormatJSON
	}
	return FormatAuto
}

// Loader decodes documents. It is safe for concurrent use.
type Loader struct {
	docs *validation.DocumentValidator
}

// NewLoader creates a Loader with the compiled document schemas.
func NewLoader() (*Loader, error) {
	docs, err := validation.NewDocumentValidator()
	if err != nil {
		return nil, err
	}
	return &Loader{docs: docs}, nil
}

// ParseWorkflow decodes a workflow document. A document that does not say
// whether the workflow is enabled yields an enabled workflow.
func (l *Loader) ParseWorkflow(data []byte, format Format) (*schema.Workflow, error) {
	doc, err := toJSON(data, format)
	if err != nil {
		return nil, err
	}
	if err := l.docs.ValidateWorkflowDocument(doc); err != nil {
		return nil, err
	}
	var probe struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.Unmarshal(doc, &probe); err != nil {
		return nil, decodeErr("workflow", err)
	}
	var wf schema.Workflow
	if err := json.Unmarshal(doc, &wf); err != nil {
		return nil, decodeErr("workflow", err)
	}
	if probe.Enabled == nil {
		wf.Enabled = true
	}
	return &wf, nil
}

// ParsePlan decodes a plan document.
func (l *Loader) ParsePlan(data []byte, format Format) (*schema.Plan, error) {
	doc, err := toJSON(data, format)
	if err != nil {
		return nil, err
	}
	if err := l.docs.ValidatePlanDocument(doc); err != nil {
		return nil, err
	}
	var plan schema.Plan
	if err := json.Unmarshal(doc, &plan); err != nil {
		return nil, decodeErr("plan", err)
	}
	return &plan, nil
}

// LoadWorkflowFile reads and decodes a workflow file.
func (l *Loader) LoadWorkflowFile(path string) (*schema.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file: %w", err)
	}
	return l.ParseWorkflow(data, FormatOf(path))
}

// LoadPlanFile reads and decodes a plan file.
func (l *Loader) LoadPlanFile(path string) (*schema.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}
	return l.ParsePlan(data, FormatOf(path))
}

// toJSON returns the document as JSON. Auto treats input starting with '{'
// as JSON and anything else as YAML.
func toJSON(data []byte, format Format) ([]byte, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty document")
	}
	if format == FormatAuto {
		format = FormatYAML
		if trimmed[0] == '{' {
			format = FormatJSON
		}
	}
	if format == FormatJSON {
		return trimmed, nil
	}

	var doc any
	if err := yaml.Unmarshal(trimmed, &doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "document is not valid YAML: %v", err).WithCause(err)
	}
	out, err := json.Marshal(normalize(doc))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "document cannot be expressed as JSON: %v", err).WithCause(err)
	}
	return out, nil
}

// normalize turns YAML maps with non-string keys into JSON-compatible maps.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalize(val)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		for i, val := range t {
			t[i] = normalize(val)
		}
		return t
	}
	return v
}

// MarshalYAML renders a workflow or plan in its YAML wire form.
func MarshalYAML(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return yaml.Marshal(doc)
}

func decodeErr(kind string, err error) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeValidation, "decode %s: %v", kind, err).WithCause(err)
}
