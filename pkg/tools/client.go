package tools

import "github.com/wayflowcore/wayflow-go/pkg/property"

// ClientTool is a tool executed by the caller rather than the server.
// When the LLM requests it, the conversation yields a tool request and
// resumes once the caller submits the matching tool result.
type ClientTool struct {
	name                 string
	description          string
	inputs               []*property.Property
	outputs              []*property.Property
	requiresConfirmation bool
}

type ClientToolOption func(*ClientTool)

// WithClientConfirmation marks the client tool as requiring confirmation.
func WithClientConfirmation() ClientToolOption {
	return func(t *ClientTool) { t.requiresConfirmation = true }
}

// WithClientOutputs declares named outputs for the client tool.
func WithClientOutputs(outputs ...*property.Property) ClientToolOption {
	return func(t *ClientTool) { t.outputs = outputs }
}

// NewClientTool builds a caller-executed tool.
func NewClientTool(name, description string, inputs []*property.Property, opts ...ClientToolOption) (*ClientTool, error) {
	if err := ValidateName(name, false); err != nil {
		return nil, err
	}
	t := &ClientTool{
		name:        name,
		description: description,
		inputs:      inputs,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.outputs == nil {
		t.outputs = []*property.Property{property.Any(ToolOutputName, "")}
	}
	return t, nil
}

func (t *ClientTool) Name() string                            { return t.name }
func (t *ClientTool) Description() string                     { return t.description }
func (t *ClientTool) InputDescriptors() []*property.Property  { return t.inputs }
func (t *ClientTool) OutputDescriptors() []*property.Property { return t.outputs }
func (t *ClientTool) RequiresConfirmation() bool              { return t.requiresConfirmation }
