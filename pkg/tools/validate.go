package tools

import (
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// argSchema validates tool call arguments against the tool's declared
// input schema before the call leaves the runtime.
type argSchema struct {
	schema *jsonschema.Schema
}

func compileArgSchema(parameters map[string]any) (*argSchema, error) {
	if parameters == nil {
		return nil, fmt.Errorf("no schema")
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("tool.json", parameters); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile("tool.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &argSchema{schema: schema}, nil
}

func (s *argSchema) Validate(args map[string]any) error {
	// jsonschema validates any-typed JSON values; a nil map is an
	// empty object.
	var value any = map[string]any{}
	if args != nil {
		value = mapToAny(args)
	}
	if err := s.schema.Validate(value); err != nil {
		return fmt.Errorf("arguments failed validation: %w", err)
	}
	return nil
}

// mapToAny normalizes nested map values so the validator sees plain
// JSON types.
func mapToAny(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
