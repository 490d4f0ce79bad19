package plan

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// planSchema is the JSON Schema every plan document must satisfy before
// structural validation runs.
const planSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "tool_calls"],
  "properties": {
    "version": {"const": 1},
    "created_at": {"type": "string"},
    "plan_hash": {"type": "string"},
    "checkpoints": {
      "type": "array",
      "items": {"type": "string", "minLength": 1}
    },
    "tool_calls": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "tool", "args"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "tool": {"type": "string", "minLength": 1},
          "args": {"type": "object"},
          "rollback": {"type": "string"}
        }
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(planSchema))
		if err != nil {
			schemaErr = fmt.Errorf("unmarshal plan schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("plan.schema.json", doc); err != nil {
			schemaErr = fmt.Errorf("add plan schema resource: %w", err)
			return
		}
		schema, schemaErr = c.Compile("plan.schema.json")
	})
	return schema, schemaErr
}

// ValidateJSON checks raw plan JSON against the plan schema.
func ValidateJSON(data []byte) error {
	sch, err := compiledSchema()
	if err != nil {
		return err
	}
	// jsonschema needs json.Number decoding, so parse with its helper.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return fmt.Errorf("invalid plan JSON: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("plan schema validation: %w", err)
	}
	return nil
}
