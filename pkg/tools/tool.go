// Package tools defines the tool abstraction agents invoke during a
// conversation.
//
// A tool is described by typed input and output descriptors and executed
// through one of several transports:
//
//	Tool (base)
//	  ├── ServerTool  - local callable, optionally streaming
//	  ├── ClientTool  - executed by the caller, conversation yields
//	  └── RemoteTool  - HTTP endpoint with a templated URL
//
// MCP-backed tools live in the mcp package and satisfy the same interface.
package tools

import (
	"fmt"
	"log/slog"
	"regexp"

	"github.com/wayflowcore/wayflow-go/pkg/property"
)

// ToolOutputName is the descriptor name carrying a tool's single output
// when the tool does not declare named outputs.
const ToolOutputName = "tool_output"

var toolNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Tool is the base interface every tool satisfies. Implementations are
// immutable once constructed and safe for concurrent use.
type Tool interface {
	// Name returns the unique name of the tool. LLM providers require
	// names matching ^[A-Za-z0-9_-]+$.
	Name() string

	// Description tells the LLM what the tool does and when to use it.
	Description() string

	// InputDescriptors describes the tool's parameters.
	InputDescriptors() []*property.Property

	// OutputDescriptors describes the values the tool produces. A tool
	// with a single anonymous output uses ToolOutputName.
	OutputDescriptors() []*property.Property

	// RequiresConfirmation reports whether execution must be confirmed
	// by the caller before the tool runs.
	RequiresConfirmation() bool
}

// ValidateName checks a tool name against the provider-safe pattern.
// When strict is false an invalid name is logged and accepted, because
// some deployed tools predate the restriction.
func ValidateName(name string, strict bool) error {
	if name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if toolNamePattern.MatchString(name) {
		return nil
	}
	if strict {
		return fmt.Errorf("tool name %q must match %s", name, toolNamePattern.String())
	}
	slog.Warn("tool name does not match the provider-safe pattern, some LLM APIs may reject it",
		"name", name,
		"pattern", toolNamePattern.String(),
	)
	return nil
}

// Definition is the function-calling view of a tool handed to LLM adapters.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToDefinition converts a tool into its function-calling definition.
func ToDefinition(t Tool) Definition {
	return Definition{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  property.SchemaForDescriptors(t.InputDescriptors()),
	}
}

// ValidateArgs checks the provided arguments against the tool's input
// descriptors, filling defaults and casting values where the descriptor
// allows it. It returns the normalized argument map.
func ValidateArgs(t Tool, args map[string]any) (map[string]any, error) {
	normalized := make(map[string]any, len(args))
	for _, desc := range t.InputDescriptors() {
		value, ok := args[desc.Name]
		if !ok {
			if !desc.HasDefault() {
				return nil, fmt.Errorf("tool %q: missing required argument %q", t.Name(), desc.Name)
			}
			if desc.DefaultValue != property.Empty {
				normalized[desc.Name] = desc.DefaultValue
			}
			continue
		}
		cast, err := desc.CastValueInto(value)
		if err != nil {
			return nil, fmt.Errorf("tool %q: argument %q: %w", t.Name(), desc.Name, err)
		}
		normalized[desc.Name] = cast
	}
	return normalized, nil
}
