// Package schema validates the JSON shapes the Metadata Store accepts
// from callers before they are persisted: a Function's permissions
// block and, for "wasm" runtime functions, the optional input_schema
// a caller declares for documentation/validation purposes.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// permissionsSchemaJSON constrains a Function's permissions block to the
// {read, write, env, run} scope-list shape the policy package expects.
const permissionsSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"read": {"type": "array", "items": {"type": "string"}},
		"write": {"type": "array", "items": {"type": "string"}},
		"env": {"type": "array", "items": {"type": "string"}},
		"run": {"type": "array", "items": {"type": "string"}}
	}
}`

var permissionsSchema = mustCompile("permissions.json", permissionsSchemaJSON)

func mustCompile(name, src string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(src)))
	if err != nil {
		panic(fmt.Sprintf("schema: invalid embedded schema %s: %v", name, err))
	}
	if err := c.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("schema: add resource %s: %v", name, err))
	}
	s, err := c.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("schema: compile %s: %v", name, err))
	}
	return s
}

// ValidatePermissions checks permJSON (the marshaled Permissions struct)
// against the fixed permissions schema.
func ValidatePermissions(permJSON []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(permJSON))
	if err != nil {
		return fmt.Errorf("permissions is not valid JSON: %w", err)
	}
	return permissionsSchema.Validate(inst)
}

// ValidateIsJSONSchema checks that raw is itself a syntactically valid
// JSON Schema document, for callers that attach an input_schema to a
// Function describing its expected params shape.
func ValidateIsJSONSchema(raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("input_schema is not valid JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("input_schema is not valid JSON: %w", err)
	}
	const resourceName = "input_schema.json"
	if err := c.AddResource(resourceName, doc); err != nil {
		return fmt.Errorf("input_schema is not a valid JSON Schema: %w", err)
	}
	if _, err := c.Compile(resourceName); err != nil {
		return fmt.Errorf("input_schema is not a valid JSON Schema: %w", err)
	}
	return nil
}
