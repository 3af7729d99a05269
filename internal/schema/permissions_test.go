package schema_test

import (
	"encoding/json"
	"testing"

	"github.com/latticerun/core/internal/schema"
)

func TestValidatePermissions_AcceptsKnownShape(t *testing.T) {
	b, _ := json.Marshal(map[string]any{"read": []string{"/tmp/*"}, "run": []string{"node"}})
	if err := schema.ValidatePermissions(b); err != nil {
		t.Fatalf("expected valid permissions, got %v", err)
	}
}

func TestValidatePermissions_RejectsUnknownField(t *testing.T) {
	b, _ := json.Marshal(map[string]any{"execute_as_root": true})
	if err := schema.ValidatePermissions(b); err == nil {
		t.Fatal("expected rejection of unknown permissions field")
	}
}

func TestValidateIsJSONSchema_AcceptsValidSchema(t *testing.T) {
	b := []byte(`{"type":"object","properties":{"name":{"type":"string"}}}`)
	if err := schema.ValidateIsJSONSchema(b); err != nil {
		t.Fatalf("expected valid schema, got %v", err)
	}
}

func TestValidateIsJSONSchema_RejectsMalformedSchema(t *testing.T) {
	b := []byte(`{"type":"not-a-real-type"}`)
	if err := schema.ValidateIsJSONSchema(b); err == nil {
		t.Fatal("expected rejection of malformed schema type")
	}
}
