package llm

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/wayflowcore/wayflow-go/pkg/messages"
)

// applyFrequencyPenaltyQuirk clamps the penalty for providers that reject
// negative values. Cohere additionally scales penalties into [0, 1], so
// the configured value is halved before clamping.
func applyFrequencyPenaltyQuirk(provider string, penalty *float64) *float64 {
	if penalty == nil || provider != "cohere" {
		return penalty
	}
	adjusted := *penalty / 2
	if adjusted < 0 {
		adjusted = 0
	}
	return &adjusted
}

// needsTrailingUserMessage reports whether the provider rejects a prompt
// that ends without a user turn. Google models refuse a standalone system
// message; an empty user message satisfies them.
func needsTrailingUserMessage(provider string, msgs []*messages.Message) bool {
	if provider != "google" {
		return false
	}
	for _, m := range msgs {
		if m.Role != messages.RoleSystem {
			return false
		}
	}
	return len(msgs) > 0
}

// usesTemplateToolCalling reports whether the model needs tools rendered
// into the system prompt instead of the native tools field. Llama 3.x
// served without a tool-calling template falls in this bucket.
func usesTemplateToolCalling(provider, model string) bool {
	if provider != "llama" {
		return false
	}
	lower := strings.ToLower(model)
	return strings.Contains(lower, "llama-3") || strings.Contains(lower, "llama3")
}

// parseTemplatedToolCall recognizes the {"name": ..., "arguments": {...}}
// reply format requested by renderToolCallingTemplate.
func parseTemplatedToolCall(text string) (*messages.ToolRequest, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "{") {
		return nil, false
	}
	var call struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(text), &call); err != nil || call.Name == "" {
		return nil, false
	}
	if call.Arguments == nil {
		call.Arguments = map[string]any{}
	}
	return &messages.ToolRequest{
		Name:          call.Name,
		Args:          call.Arguments,
		ToolRequestID: uuid.NewString(),
	}, true
}
