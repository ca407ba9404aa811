package catalog

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// SchemaFor derives a JSON schema map from a Go arguments struct, so tool
// authors declare parameters once as a typed struct instead of hand-writing
// schema literals.
func SchemaFor(v any) (map[string]any, error) {
	reflector := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(v)
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode schema map: %w", err)
	}
	delete(out, "$schema")
	return out, nil
}

// MustSchemaFor panics on reflection failure. Intended for package-level
// tool definitions where a bad schema is a programming error.
func MustSchemaFor(v any) map[string]any {
	schema, err := SchemaFor(v)
	if err != nil {
		panic(err)
	}
	return schema
}
