package llm

import (
	"github.com/wayflowcore/wayflow-go/pkg/property"
)

// structuredOutputSchema wraps a response-format property into the strict
// json_schema envelope providers expect. Object schemas get
// additionalProperties: false so the model cannot invent fields.
func structuredOutputSchema(p *property.Property) map[string]any {
	schema := p.ToJSONSchema()
	closeObjectSchemas(schema)

	name := p.Name
	if name == "" {
		name = "response"
	}
	return map[string]any{
		"name":   name,
		"strict": true,
		"schema": schema,
	}
}

func closeObjectSchemas(schema map[string]any) {
	if schema["type"] == "object" {
		if _, set := schema["additionalProperties"]; !set {
			schema["additionalProperties"] = false
		}
	}
	for _, key := range []string{"properties"} {
		if props, ok := schema[key].(map[string]any); ok {
			for _, sub := range props {
				if m, ok := sub.(map[string]any); ok {
					closeObjectSchemas(m)
				}
			}
		}
	}
	for _, key := range []string{"items", "additionalProperties"} {
		if m, ok := schema[key].(map[string]any); ok {
			closeObjectSchemas(m)
		}
	}
	if alts, ok := schema["anyOf"].([]any); ok {
		for _, alt := range alts {
			if m, ok := alt.(map[string]any); ok {
				closeObjectSchemas(m)
			}
		}
	}
}

// flattenNullableAnyOf rewrites anyOf: [T, null] into T with default: null.
// Several providers reject nullable unions inside tool parameter schemas,
// and an optional parameter expresses the same contract.
func flattenNullableAnyOf(schema map[string]any) map[string]any {
	alts, ok := schema["anyOf"].([]any)
	if ok && len(alts) == 2 {
		var nonNull map[string]any
		sawNull := false
		for _, alt := range alts {
			m, ok := alt.(map[string]any)
			if !ok {
				nonNull = nil
				break
			}
			if m["type"] == "null" {
				sawNull = true
			} else {
				nonNull = m
			}
		}
		if sawNull && nonNull != nil {
			out := make(map[string]any, len(nonNull)+1)
			for k, v := range nonNull {
				out[k] = v
			}
			if _, set := out["default"]; !set {
				out["default"] = nil
			}
			if desc, ok := schema["description"]; ok {
				out["description"] = desc
			}
			schema = out
		}
	}

	for _, key := range []string{"items", "additionalProperties"} {
		if m, ok := schema[key].(map[string]any); ok {
			schema[key] = flattenNullableAnyOf(m)
		}
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		for name, sub := range props {
			if m, ok := sub.(map[string]any); ok {
				props[name] = flattenNullableAnyOf(m)
			}
		}
	}
	if alts, ok := schema["anyOf"].([]any); ok {
		for i, alt := range alts {
			if m, ok := alt.(map[string]any); ok {
				alts[i] = flattenNullableAnyOf(m)
			}
		}
	}
	return schema
}

// toolParameterSchema builds the function-calling parameter block for a
// tool, normalized for providers that reject nullable unions.
func toolParameterSchema(t interface {
	InputDescriptors() []*property.Property
}) map[string]any {
	return flattenNullableAnyOf(property.SchemaForDescriptors(t.InputDescriptors()))
}
