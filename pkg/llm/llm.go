// Package llm adapts chat models behind a single Model interface.
//
// Two wire shapes are supported: the Chat Completions API (role-tagged
// messages, nested function tools) and the Responses API (a flat input
// item list). Both return either a single Completion or a stream of
// START/TEXT/END chunks with token usage on the final chunk.
package llm

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/wayflowcore/wayflow-go/pkg/messages"
	"github.com/wayflowcore/wayflow-go/pkg/property"
	"github.com/wayflowcore/wayflow-go/pkg/tools"
)

// GenerationConfig carries the sampling parameters of a request. Nil
// pointers mean "provider default". ExtraArgs are merged verbatim into
// the request body, last so they can override anything.
type GenerationConfig struct {
	Temperature      *float64
	TopP             *float64
	MaxTokens        *int
	Stop             []string
	FrequencyPenalty *float64
	ExtraArgs        map[string]any
}

// Prompt is a single model invocation.
type Prompt struct {
	Messages []*messages.Message
	Tools    []tools.Tool

	// ResponseFormat, when set, requests structured output conforming to
	// the property's JSON schema.
	ResponseFormat *property.Property

	Generation GenerationConfig
}

// Completion is the non-streaming result of a model invocation.
type Completion struct {
	Message *messages.Message
	Usage   messages.TokenUsage
}

// Model is a chat model. Implementations are safe for concurrent use
// and share one HTTP client across requests.
type Model interface {
	// ModelID returns the provider-qualified model identifier.
	ModelID() string

	// Generate performs a single-shot completion.
	Generate(ctx context.Context, prompt *Prompt) (*Completion, error)

	// GenerateStream performs a streaming completion. The channel is
	// closed after the END chunk (or an error chunk) is delivered.
	GenerateStream(ctx context.Context, prompt *Prompt) (<-chan messages.StreamChunk, error)
}

// Config describes a model endpoint.
type Config struct {
	// Provider selects vendor quirks: "openai", "cohere", "google",
	// "llama", "vllm", "ollama". Unknown providers get no quirks.
	Provider string
	Model    string
	BaseURL  string
	APIKey   string

	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return 60 * time.Second
	}
	return c.Timeout
}

// promptCacheKey returns the cache key of the last assistant message, or
// a fresh UUID when no message carries one. Reusing the key lets the
// provider keep its prefix cache warm across turns.
func promptCacheKey(msgs []*messages.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == messages.RoleAssistant && msgs[i].PromptCacheKey != "" {
			return msgs[i].PromptCacheKey
		}
	}
	return uuid.NewString()
}
