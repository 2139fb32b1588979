package property

import (
	"fmt"
)

// ToJSONSchema converts the property to a JSON Schema fragment.
//
// Unions serialize as anyOf. The nullable union [T, null] collapses to T with
// "default": null, which is the shape strict structured-output modes accept.
func (p *Property) ToJSONSchema() map[string]any {
	schema := map[string]any{}
	if p.Description != "" {
		schema["description"] = p.Description
	}
	if p.HasDefault() {
		schema["default"] = p.DefaultValue
	}

	switch p.Kind {
	case KindString:
		schema["type"] = "string"
		if len(p.Enum) > 0 {
			enum := make([]any, len(p.Enum))
			for i, e := range p.Enum {
				enum[i] = e
			}
			schema["enum"] = enum
		}
	case KindInteger:
		schema["type"] = "integer"
	case KindFloat:
		schema["type"] = "number"
	case KindBoolean:
		schema["type"] = "boolean"
	case KindList:
		schema["type"] = "array"
		if p.ItemType != nil {
			schema["items"] = p.ItemType.ToJSONSchema()
		}
	case KindVector:
		schema["type"] = "array"
		schema["items"] = map[string]any{"type": "number"}
	case KindDict:
		schema["type"] = "object"
		if p.ValueType != nil {
			schema["additionalProperties"] = p.ValueType.ToJSONSchema()
		}
	case KindObject:
		schema["type"] = "object"
		props := make(map[string]any, len(p.Properties))
		for name, field := range p.Properties {
			props[name] = field.ToJSONSchema()
		}
		schema["properties"] = props
		if len(p.RequiredKeys) > 0 {
			required := make([]any, len(p.RequiredKeys))
			for i, k := range p.RequiredKeys {
				required[i] = k
			}
			schema["required"] = required
		}
	case KindUnion:
		// [T, null] flattens to T with default null.
		if len(p.AnyOf) == 2 {
			var nonNull *Property
			nullCount := 0
			for _, alt := range p.AnyOf {
				if alt == nil || alt.Kind == "" {
					nullCount++
				} else {
					nonNull = alt
				}
			}
			if nullCount == 1 && nonNull != nil {
				flat := nonNull.ToJSONSchema()
				flat["default"] = nil
				if p.Description != "" {
					flat["description"] = p.Description
				}
				return flat
			}
		}
		alts := make([]any, 0, len(p.AnyOf))
		for _, alt := range p.AnyOf {
			if alt == nil {
				alts = append(alts, map[string]any{"type": "null"})
				continue
			}
			alts = append(alts, alt.ToJSONSchema())
		}
		schema["anyOf"] = alts
	case KindAny:
		// no type constraint
	}
	return schema
}

// FromJSONSchema reconstructs a Property from a JSON Schema fragment.
// Unknown or absent types map to KindAny, which is what MCP servers with
// loose schemas effectively advertise.
func FromJSONSchema(name string, schema map[string]any) (*Property, error) {
	p := &Property{Name: name, DefaultValue: Empty}
	if schema == nil {
		p.Kind = KindAny
		return p, nil
	}
	if desc, ok := schema["description"].(string); ok {
		p.Description = desc
	}
	if def, ok := schema["default"]; ok {
		p.DefaultValue = def
	}

	if anyOf, ok := schema["anyOf"].([]any); ok {
		p.Kind = KindUnion
		for i, raw := range anyOf {
			altSchema, ok := raw.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("anyOf[%d] of %q is not a schema object", i, name)
			}
			if altSchema["type"] == "null" {
				p.AnyOf = append(p.AnyOf, nil)
				continue
			}
			alt, err := FromJSONSchema(fmt.Sprintf("%s_%d", name, i), altSchema)
			if err != nil {
				return nil, err
			}
			p.AnyOf = append(p.AnyOf, alt)
		}
		return p, nil
	}

	typ, _ := schema["type"].(string)
	switch typ {
	case "string":
		p.Kind = KindString
		if enum, ok := schema["enum"].([]any); ok {
			for _, e := range enum {
				if s, ok := e.(string); ok {
					p.Enum = append(p.Enum, s)
				}
			}
		}
	case "integer":
		p.Kind = KindInteger
	case "number":
		p.Kind = KindFloat
	case "boolean":
		p.Kind = KindBoolean
	case "array":
		p.Kind = KindList
		if items, ok := schema["items"].(map[string]any); ok {
			item, err := FromJSONSchema("item", items)
			if err != nil {
				return nil, err
			}
			p.ItemType = item
		}
	case "object":
		if props, ok := schema["properties"].(map[string]any); ok {
			p.Kind = KindObject
			p.Properties = make(map[string]*Property, len(props))
			for fieldName, raw := range props {
				fieldSchema, ok := raw.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("property %q of %q is not a schema object", fieldName, name)
				}
				field, err := FromJSONSchema(fieldName, fieldSchema)
				if err != nil {
					return nil, err
				}
				p.Properties[fieldName] = field
			}
			if required, ok := schema["required"].([]any); ok {
				for _, r := range required {
					if s, ok := r.(string); ok {
						p.RequiredKeys = append(p.RequiredKeys, s)
					}
				}
			}
		} else if valueType, ok := schema["additionalProperties"].(map[string]any); ok {
			p.Kind = KindDict
			value, err := FromJSONSchema("value", valueType)
			if err != nil {
				return nil, err
			}
			p.ValueType = value
		} else {
			p.Kind = KindDict
		}
	case "":
		p.Kind = KindAny
	default:
		return nil, fmt.Errorf("unsupported JSON schema type %q for %q", typ, name)
	}
	return p, nil
}

// SchemaForDescriptors builds an object schema from a list of properties,
// treating properties without defaults as required. This is the shape used
// for LLM function-calling parameter blocks.
func SchemaForDescriptors(descriptors []*Property) map[string]any {
	props := make(map[string]any, len(descriptors))
	required := make([]any, 0, len(descriptors))
	for _, d := range descriptors {
		props[d.Name] = d.ToJSONSchema()
		if !d.HasDefault() {
			required = append(required, d.Name)
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}
