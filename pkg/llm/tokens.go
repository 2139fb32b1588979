package llm

import (
	"github.com/pkoukk/tiktoken-go"

	"github.com/wayflowcore/wayflow-go/pkg/messages"
)

// EstimateTokens counts the tokens of text with the model's tokenizer,
// falling back to cl100k_base for models tiktoken does not know. Used
// when a provider omits usage accounting from its response.
func EstimateTokens(model, text string) int {
	if text == "" {
		return 0
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			// Crude upper bound when even the fallback encoding is
			// unavailable (offline without the embedded vocabularies).
			return len(text) / 4
		}
	}
	return len(enc.Encode(text, nil, nil))
}

// estimateUsage fills in usage for providers that return none.
func estimateUsage(model string, prompt *Prompt, outputText string) messages.TokenUsage {
	inputTokens := 0
	for _, m := range prompt.Messages {
		inputTokens += EstimateTokens(model, m.TextValue())
	}
	outputTokens := EstimateTokens(model, outputText)
	return messages.TokenUsage{
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		TotalTokens:  inputTokens + outputTokens,
	}
}
