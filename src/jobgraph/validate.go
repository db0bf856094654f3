package jobgraph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// templateSchema only pins the outer shape: node id -> object with a class
// name and an inputs object. Node semantics stay opaque.
const templateSchema = `{
  "type": "object",
  "minProperties": 1,
  "additionalProperties": {
    "type": "object",
    "required": ["class_type", "inputs"],
    "properties": {
      "class_type": {"type": "string", "minLength": 1},
      "inputs": {"type": "object"}
    }
  }
}`

var compiled *jsonschema.Schema

func init() {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("template.json", strings.NewReader(templateSchema)); err != nil {
		panic(fmt.Sprintf("jobgraph: add schema: %v", err))
	}
	s, err := compiler.Compile("template.json")
	if err != nil {
		panic(fmt.Sprintf("jobgraph: compile schema: %v", err))
	}
	compiled = s
}

// Validate checks that g has the node-map shape the endpoints expect.
func Validate(g Graph) error {
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshal template: %w", err)
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("unmarshal template: %w", err)
	}
	if err := compiled.Validate(v); err != nil {
		return fmt.Errorf("template does not match schema: %w", err)
	}
	return nil
}
