package tools

import "context"

// ToolBox resolves tools dynamically. GetTools is called every time an
// agent prepares an LLM request, so a toolbox can vary its tools with
// external state (an MCP server's catalog, feature flags, the user).
type ToolBox interface {
	// Name identifies the toolbox in logs and serialized configs.
	Name() string

	// GetTools returns the currently available tools.
	GetTools(ctx context.Context) ([]Tool, error)
}

// ConfirmationMode optionally overrides RequiresConfirmation for every
// tool a toolbox returns.
type ConfirmationMode int

const (
	// ConfirmationPerTool keeps each tool's own flag.
	ConfirmationPerTool ConfirmationMode = iota
	// ConfirmationAlways forces confirmation for every tool.
	ConfirmationAlways
	// ConfirmationNever disables confirmation for every tool.
	ConfirmationNever
)

// StaticToolBox serves a fixed set of tools, optionally overriding their
// confirmation flags.
type StaticToolBox struct {
	name         string
	tools        []Tool
	confirmation ConfirmationMode
}

// NewStaticToolBox builds a toolbox over a fixed tool list.
func NewStaticToolBox(name string, toolList []Tool, confirmation ConfirmationMode) *StaticToolBox {
	return &StaticToolBox{name: name, tools: toolList, confirmation: confirmation}
}

func (b *StaticToolBox) Name() string { return b.name }

func (b *StaticToolBox) GetTools(ctx context.Context) ([]Tool, error) {
	return ApplyConfirmationMode(b.tools, b.confirmation), nil
}

// ApplyConfirmationMode wraps tools whose confirmation flag differs from
// the requested mode. Used by toolboxes that override per-tool flags.
func ApplyConfirmationMode(toolList []Tool, mode ConfirmationMode) []Tool {
	if mode == ConfirmationPerTool {
		return toolList
	}
	force := mode == ConfirmationAlways
	out := make([]Tool, len(toolList))
	for i, t := range toolList {
		if t.RequiresConfirmation() == force {
			out[i] = t
			continue
		}
		out[i] = &confirmationOverride{Tool: t, requires: force}
	}
	return out
}

type confirmationOverride struct {
	Tool
	requires bool
}

func (o *confirmationOverride) RequiresConfirmation() bool { return o.requires }
