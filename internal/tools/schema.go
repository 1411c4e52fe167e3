package tools

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// SchemaValidator validates tool call arguments against a ToolSpec's
// parameter_schema.
type SchemaValidator struct {
	schema     *jsonschema.Schema
	schemaJSON json.RawMessage
}

// NewSchemaValidator compiles a JSON Schema for validating tool arguments.
func NewSchemaValidator(schemaJSON json.RawMessage) (*SchemaValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &SchemaValidator{schema: schema, schemaJSON: schemaJSON}, nil
}

// SchemaJSON returns the raw schema.
func (sv *SchemaValidator) SchemaJSON() json.RawMessage {
	return sv.schemaJSON
}

// ValidationError describes a schema validation failure.
type ValidationError struct {
	Message string
	Raw     string
}

func (e *ValidationError) Error() string { return e.Message }

// ValidateArgs validates a tool call's raw JSON arguments against the schema.
func (sv *SchemaValidator) ValidateArgs(argsJSON string) (any, error) {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(argsJSON))
	if err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("invalid JSON: %s", err), Raw: argsJSON}
	}
	if err := sv.schema.Validate(parsed); err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("schema validation failed: %s", err), Raw: argsJSON}
	}
	return parsed, nil
}
