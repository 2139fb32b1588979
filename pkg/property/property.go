// Package property implements typed value descriptors for component I/O.
//
// A Property describes a single named value flowing between steps, tools and
// flows: its kind (string, integer, list of X, union, ...), an optional
// default, and a human-readable description. Properties round-trip to JSON
// Schema, which is the exchange format used for LLM tool parameters and for
// MCP tool discovery.
package property

import (
	"fmt"
	"math"
	"strconv"
)

// Kind identifies the type of value a Property describes.
type Kind string

const (
	KindString  Kind = "string"
	KindInteger Kind = "integer"
	KindFloat   Kind = "number"
	KindBoolean Kind = "boolean"
	KindList    Kind = "array"
	KindDict    Kind = "dict"
	KindObject  Kind = "object"
	KindUnion   Kind = "union"
	KindVector  Kind = "vector"
	KindAny     Kind = "any"
)

// empty is the sentinel default for properties with no default value.
// It is distinct from an explicit nil default.
type emptyDefault struct{}

func (emptyDefault) String() string { return "<empty>" }

// Empty is the sentinel used for DefaultValue when a property has no default.
var Empty any = emptyDefault{}

// Property is a typed descriptor for a named value.
//
// Kind-specific fields:
//   - KindList uses ItemType
//   - KindDict uses ValueType
//   - KindUnion uses AnyOf
//   - KindObject uses Properties (and optionally RequiredKeys)
type Property struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Kind        Kind   `json:"kind"`

	// DefaultValue is Empty when the property has no default. A nil default
	// is a real default (the value null).
	DefaultValue any `json:"default_value,omitempty"`

	ItemType     *Property            `json:"item_type,omitempty"`
	ValueType    *Property            `json:"value_type,omitempty"`
	AnyOf        []*Property          `json:"any_of,omitempty"`
	Properties   map[string]*Property `json:"properties,omitempty"`
	RequiredKeys []string             `json:"required_keys,omitempty"`

	Enum []string `json:"enum,omitempty"`
}

// String returns a new string property without a default.
func String(name, description string) *Property {
	return &Property{Name: name, Description: description, Kind: KindString, DefaultValue: Empty}
}

// Integer returns a new integer property without a default.
func Integer(name, description string) *Property {
	return &Property{Name: name, Description: description, Kind: KindInteger, DefaultValue: Empty}
}

// Float returns a new float property without a default.
func Float(name, description string) *Property {
	return &Property{Name: name, Description: description, Kind: KindFloat, DefaultValue: Empty}
}

// Boolean returns a new boolean property without a default.
func Boolean(name, description string) *Property {
	return &Property{Name: name, Description: description, Kind: KindBoolean, DefaultValue: Empty}
}

// Any returns a property accepting any value.
func Any(name, description string) *Property {
	return &Property{Name: name, Description: description, Kind: KindAny, DefaultValue: Empty}
}

// ListOf returns a list property with the given item type.
func ListOf(name, description string, item *Property) *Property {
	return &Property{Name: name, Description: description, Kind: KindList, ItemType: item, DefaultValue: Empty}
}

// DictOf returns a dict property with string keys and the given value type.
func DictOf(name, description string, value *Property) *Property {
	return &Property{Name: name, Description: description, Kind: KindDict, ValueType: value, DefaultValue: Empty}
}

// Union returns a union property over the given alternatives.
func Union(name, description string, anyOf ...*Property) *Property {
	return &Property{Name: name, Description: description, Kind: KindUnion, AnyOf: anyOf, DefaultValue: Empty}
}

// Object returns an object property with the given named fields.
func Object(name, description string, fields map[string]*Property) *Property {
	return &Property{Name: name, Description: description, Kind: KindObject, Properties: fields, DefaultValue: Empty}
}

// Vector returns a vector (embedding) property.
func Vector(name, description string) *Property {
	return &Property{Name: name, Description: description, Kind: KindVector, DefaultValue: Empty}
}

// WithDefault returns a copy of the property carrying the given default.
func (p *Property) WithDefault(v any) *Property {
	cp := *p
	cp.DefaultValue = v
	return &cp
}

// WithName returns a copy of the property under a different name.
func (p *Property) WithName(name string) *Property {
	cp := *p
	cp.Name = name
	return &cp
}

// HasDefault reports whether the property carries a default value.
func (p *Property) HasDefault() bool {
	_, isEmpty := p.DefaultValue.(emptyDefault)
	return !isEmpty
}

// IsValueOfExpectedType reports whether v conforms to the property's kind
// without coercion. Integers are accepted for float properties; the reverse
// only when the float has no fractional part.
func (p *Property) IsValueOfExpectedType(v any) bool {
	switch p.Kind {
	case KindAny:
		return true
	case KindString:
		_, ok := v.(string)
		return ok
	case KindBoolean:
		_, ok := v.(bool)
		return ok
	case KindInteger:
		switch n := v.(type) {
		case int, int32, int64:
			return true
		case float64:
			return n == math.Trunc(n)
		case float32:
			return float64(n) == math.Trunc(float64(n))
		}
		return false
	case KindFloat:
		switch v.(type) {
		case float32, float64, int, int32, int64:
			return true
		}
		return false
	case KindList:
		items, ok := v.([]any)
		if !ok {
			return false
		}
		if p.ItemType == nil {
			return true
		}
		for _, item := range items {
			if !p.ItemType.IsValueOfExpectedType(item) {
				return false
			}
		}
		return true
	case KindVector:
		switch vec := v.(type) {
		case []float64, []float32:
			return true
		case []any:
			for _, item := range vec {
				switch item.(type) {
				case float64, float32, int:
				default:
					return false
				}
			}
			return true
		}
		return false
	case KindDict:
		m, ok := v.(map[string]any)
		if !ok {
			return false
		}
		if p.ValueType == nil {
			return true
		}
		for _, val := range m {
			if !p.ValueType.IsValueOfExpectedType(val) {
				return false
			}
		}
		return true
	case KindObject:
		m, ok := v.(map[string]any)
		if !ok {
			return false
		}
		for _, key := range p.RequiredKeys {
			if _, present := m[key]; !present {
				return false
			}
		}
		for name, field := range p.Properties {
			val, present := m[name]
			if !present {
				continue
			}
			if !field.IsValueOfExpectedType(val) {
				return false
			}
		}
		return true
	case KindUnion:
		for _, alt := range p.AnyOf {
			if alt.IsValueOfExpectedType(v) {
				return true
			}
		}
		return false
	}
	return false
}

// CastValueInto coerces v into the property's kind, converting string
// representations of scalars where the conversion is unambiguous. Returns an
// error when no lossless conversion exists.
func (p *Property) CastValueInto(v any) (any, error) {
	if p.IsValueOfExpectedType(v) {
		return normalize(p.Kind, v), nil
	}

	switch p.Kind {
	case KindString:
		switch s := v.(type) {
		case fmt.Stringer:
			return s.String(), nil
		case int, int64, float64, bool:
			return fmt.Sprintf("%v", s), nil
		}
	case KindInteger:
		if s, ok := v.(string); ok {
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				return n, nil
			}
		}
	case KindFloat:
		if s, ok := v.(string); ok {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return f, nil
			}
		}
	case KindBoolean:
		if s, ok := v.(string); ok {
			if b, err := strconv.ParseBool(s); err == nil {
				return b, nil
			}
		}
	case KindList:
		if p.ItemType != nil {
			if items, ok := v.([]any); ok {
				out := make([]any, len(items))
				for i, item := range items {
					cast, err := p.ItemType.CastValueInto(item)
					if err != nil {
						return nil, fmt.Errorf("item %d of %q: %w", i, p.Name, err)
					}
					out[i] = cast
				}
				return out, nil
			}
		}
	case KindUnion:
		for _, alt := range p.AnyOf {
			if cast, err := alt.CastValueInto(v); err == nil {
				return cast, nil
			}
		}
	}
	return nil, fmt.Errorf("value %v (%T) is not assignable to %s property %q", v, v, p.Kind, p.Name)
}

// normalize widens integer-typed Go values so equality checks downstream see
// a single representation per kind.
func normalize(kind Kind, v any) any {
	switch kind {
	case KindInteger:
		switch n := v.(type) {
		case int:
			return int64(n)
		case int32:
			return int64(n)
		case float64:
			return int64(n)
		case float32:
			return int64(n)
		}
	case KindFloat:
		switch n := v.(type) {
		case int:
			return float64(n)
		case int32:
			return float64(n)
		case int64:
			return float64(n)
		case float32:
			return float64(n)
		}
	}
	return v
}

// CompatibleWith reports whether a value produced under p could be consumed
// where other is expected. Any accepts everything; unions are compatible when
// at least one alternative matches.
func (p *Property) CompatibleWith(other *Property) bool {
	if other == nil || other.Kind == KindAny || p.Kind == KindAny {
		return true
	}
	if p.Kind == other.Kind {
		switch p.Kind {
		case KindList:
			if p.ItemType == nil || other.ItemType == nil {
				return true
			}
			return p.ItemType.CompatibleWith(other.ItemType)
		case KindDict:
			if p.ValueType == nil || other.ValueType == nil {
				return true
			}
			return p.ValueType.CompatibleWith(other.ValueType)
		default:
			return true
		}
	}
	if p.Kind == KindInteger && other.Kind == KindFloat {
		return true
	}
	if other.Kind == KindUnion {
		for _, alt := range other.AnyOf {
			if p.CompatibleWith(alt) {
				return true
			}
		}
	}
	if p.Kind == KindUnion {
		for _, alt := range p.AnyOf {
			if !alt.CompatibleWith(other) {
				return false
			}
		}
		return true
	}
	return false
}
