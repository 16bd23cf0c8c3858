package toolregistry

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// compiledSchema wraps a compiled JSON Schema for one tool's input.
// Grounded on goadesign-goa-ai's santhosh-tekuri/jsonschema dependency,
// wired here to validate tool-call arguments before dispatch.
type compiledSchema struct {
	name   string
	schema *jsonschema.Schema
}

func compileSchema(name, schemaJSON string) (*compiledSchema, error) {
	compiler := jsonschema.NewCompiler()
	resource := "tool://" + name + "/schema.json"
	if err := compiler.AddResource(resource, bytes.NewReader([]byte(schemaJSON))); err != nil {
		return nil, fmt.Errorf("adding schema resource: %w", err)
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}
	return &compiledSchema{name: name, schema: schema}, nil
}

// Validate checks args (already decoded into a Go map) against the
// compiled schema. jsonschema validates against any; round-tripping
// through JSON normalizes numeric types the same way the wire
// provider JSON would have produced them.
func (c *compiledSchema) Validate(args map[string]any) error {
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshaling arguments: %w", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshaling arguments: %w", err)
	}
	return c.schema.Validate(v)
}
