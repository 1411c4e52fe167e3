package tools

import (
	"encoding/json"
	"testing"
)

func TestSchemaValidator_ValidAndInvalidArgs(t *testing.T) {
	sv, err := NewSchemaValidator(json.RawMessage(`{
		"type": "object",
		"required": ["to", "subject"],
		"properties": {
			"to": {"type": "string"},
			"subject": {"type": "string"}
		}
	}`))
	if err != nil {
		t.Fatalf("NewSchemaValidator: %v", err)
	}

	if _, err := sv.ValidateArgs(`{"to":"a@example.com","subject":"hi"}`); err != nil {
		t.Fatalf("expected valid args to pass: %v", err)
	}

	if _, err := sv.ValidateArgs(`{"to":"a@example.com"}`); err == nil {
		t.Fatal("expected missing required field to fail")
	}

	if _, err := sv.ValidateArgs(`not json`); err == nil {
		t.Fatal("expected malformed JSON to fail")
	}
}

func TestSchemaValidator_CompileError(t *testing.T) {
	_, err := NewSchemaValidator(json.RawMessage(`{"type": "not-a-real-type"}`))
	if err == nil {
		t.Fatal("expected compile error for invalid schema")
	}
}
