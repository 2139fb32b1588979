package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wayflowcore/wayflow-go/pkg/httpclient"
	"github.com/wayflowcore/wayflow-go/pkg/messages"
	"github.com/wayflowcore/wayflow-go/pkg/observability"
)

// ResponsesModel talks to a /responses endpoint. Unlike chat completions,
// the request carries a flat list of input items and tools are flat
// objects rather than nested function wrappers.
type ResponsesModel struct {
	cfg    Config
	client *httpclient.Client
}

func NewResponsesModel(cfg Config, opts ...httpclient.Option) *ResponsesModel {
	clientOpts := []httpclient.Option{
		httpclient.WithHTTPClient(&http.Client{Timeout: cfg.timeout()}),
	}
	if cfg.MaxRetries > 0 {
		clientOpts = append(clientOpts, httpclient.WithMaxRetries(cfg.MaxRetries))
	}
	if cfg.RetryDelay > 0 {
		clientOpts = append(clientOpts, httpclient.WithBaseDelay(cfg.RetryDelay))
	}
	clientOpts = append(clientOpts, opts...)

	return &ResponsesModel{cfg: cfg, client: httpclient.New(clientOpts...)}
}

func (m *ResponsesModel) ModelID() string { return m.cfg.Model }

type responsesRequest struct {
	Model           string          `json:"model"`
	Input           []any           `json:"input"`
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"top_p,omitempty"`
	MaxOutputTokens *int            `json:"max_output_tokens,omitempty"`
	Stream          bool            `json:"stream"`
	Tools           []responsesTool `json:"tools,omitempty"`
	Text            *responsesText  `json:"text,omitempty"`
	PromptCacheKey  string          `json:"prompt_cache_key,omitempty"`
}

type responsesTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type responsesText struct {
	Format map[string]any `json:"format"`
}

type responsesInputMessage struct {
	Type    string                  `json:"type"`
	Role    string                  `json:"role"`
	Content []responsesContentPart  `json:"content"`
}

type responsesContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type responsesFunctionCall struct {
	Type      string `json:"type"`
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type responsesFunctionCallOutput struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

type responsesResult struct {
	ID     string               `json:"id"`
	Status string               `json:"status"`
	Output []responsesOutputItem `json:"output"`
	Usage  *responsesUsage      `json:"usage"`
	Error  *apiError            `json:"error,omitempty"`
}

type responsesOutputItem struct {
	Type      string                 `json:"type"`
	Role      string                 `json:"role,omitempty"`
	Content   []responsesContentPart `json:"content,omitempty"`
	CallID    string                 `json:"call_id,omitempty"`
	Name      string                 `json:"name,omitempty"`
	Arguments string                 `json:"arguments,omitempty"`
	Summary   []responsesContentPart `json:"summary,omitempty"`
}

type responsesUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

func (u *responsesUsage) toTokenUsage() messages.TokenUsage {
	if u == nil {
		return messages.TokenUsage{}
	}
	return messages.TokenUsage{
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		TotalTokens:  u.TotalTokens,
	}
}

// responsesStreamEvent is the tagged union carried on SSE data lines.
type responsesStreamEvent struct {
	Type           string           `json:"type"`
	SequenceNumber int              `json:"sequence_number"`
	Delta          string           `json:"delta,omitempty"`
	Response       *responsesResult `json:"response,omitempty"`
}

func (m *ResponsesModel) buildRequest(prompt *Prompt, stream bool) (*responsesRequest, error) {
	input := make([]any, 0, len(prompt.Messages))
	for _, msg := range prompt.Messages {
		if msg.Type == messages.TypeInternal || msg.Type == messages.TypeThought {
			continue
		}
		items, err := toResponsesItems(msg)
		if err != nil {
			return nil, err
		}
		input = append(input, items...)
	}

	req := &responsesRequest{
		Model:           m.cfg.Model,
		Input:           input,
		Temperature:     prompt.Generation.Temperature,
		TopP:            prompt.Generation.TopP,
		MaxOutputTokens: prompt.Generation.MaxTokens,
		Stream:          stream,
		PromptCacheKey:  promptCacheKey(prompt.Messages),
	}

	for _, t := range prompt.Tools {
		req.Tools = append(req.Tools, responsesTool{
			Type:        "function",
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  toolParameterSchema(t),
		})
	}

	if prompt.ResponseFormat != nil {
		wrapped := structuredOutputSchema(prompt.ResponseFormat)
		format := map[string]any{"type": "json_schema"}
		for k, v := range wrapped {
			format[k] = v
		}
		req.Text = &responsesText{Format: format}
	}

	return req, nil
}

// toResponsesItems flattens one internal message into input items. A
// message with tool requests becomes a message item (when it has text)
// followed by one function_call item per request.
func toResponsesItems(msg *messages.Message) ([]any, error) {
	if msg.ToolResult != nil {
		output, err := encodeToolResultContent(msg.ToolResult.Content)
		if err != nil {
			return nil, err
		}
		return []any{responsesFunctionCallOutput{
			Type:   "function_call_output",
			CallID: msg.ToolResult.ToolRequestID,
			Output: output,
		}}, nil
	}

	var items []any

	var parts []responsesContentPart
	textType := "input_text"
	imageType := "input_image"
	if msg.Role == messages.RoleAssistant {
		textType = "output_text"
	}
	for _, c := range msg.Contents {
		switch c.Kind {
		case messages.ContentText:
			parts = append(parts, responsesContentPart{Type: textType, Text: c.Text})
		case messages.ContentImage:
			parts = append(parts, responsesContentPart{
				Type:     imageType,
				ImageURL: fmt.Sprintf("data:%s;base64,%s", c.MediaType, c.Data),
			})
		}
	}
	if len(parts) > 0 {
		items = append(items, responsesInputMessage{
			Type:    "message",
			Role:    string(msg.Role),
			Content: parts,
		})
	}

	for _, tr := range msg.ToolRequests {
		argsJSON, err := json.Marshal(tr.Args)
		if err != nil {
			return nil, fmt.Errorf("cannot encode tool request %q: %w", tr.Name, err)
		}
		items = append(items, responsesFunctionCall{
			Type:      "function_call",
			CallID:    tr.ToolRequestID,
			Name:      tr.Name,
			Arguments: string(argsJSON),
		})
	}

	return items, nil
}

func (m *ResponsesModel) Generate(ctx context.Context, prompt *Prompt) (*Completion, error) {
	tracer := observability.GetTracer("wayflow.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, m.cfg.Model),
			attribute.String("provider", m.cfg.Provider),
			attribute.String("api", "responses"),
			attribute.Bool("streaming", false),
		),
	)
	defer span.End()

	request, err := m.buildRequest(prompt, false)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	resp, err := m.doPost(ctx, request)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var result responsesResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if result.Error != nil {
		apiErr := fmt.Errorf("responses API error: %s", result.Error.Message)
		span.RecordError(apiErr)
		span.SetStatus(codes.Error, result.Error.Message)
		return nil, apiErr
	}

	msg, err := fromResponsesOutput(result.Output, request.PromptCacheKey)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	usage := result.Usage.toTokenUsage()
	if usage.TotalTokens == 0 {
		usage = estimateUsage(m.cfg.Model, prompt, msg.TextValue())
	}

	span.SetAttributes(
		attribute.Int(observability.AttrLLMTokensInput, usage.InputTokens),
		attribute.Int(observability.AttrLLMTokensOutput, usage.OutputTokens),
	)
	span.SetStatus(codes.Ok, "")

	return &Completion{Message: msg, Usage: usage}, nil
}

func (m *ResponsesModel) GenerateStream(ctx context.Context, prompt *Prompt) (<-chan messages.StreamChunk, error) {
	request, err := m.buildRequest(prompt, true)
	if err != nil {
		return nil, err
	}

	out := make(chan messages.StreamChunk, 100)
	go func() {
		defer close(out)
		if err := m.streamRequest(ctx, request, out); err != nil {
			out <- messages.StreamChunk{Type: messages.EndChunk, Err: err}
		}
	}()
	return out, nil
}

func (m *ResponsesModel) doPost(ctx context.Context, request *responsesRequest) (*http.Response, error) {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.BaseURL+"/responses", bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(requestBody)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	if m.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.cfg.APIKey)
	}

	resp, err := m.client.Do(req)
	if resp != nil && resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if apiErr := parseAPIError(body); apiErr != nil {
			return nil, fmt.Errorf("API request failed with status %d: %s (type: %s)",
				resp.StatusCode, apiErr.Message, apiErr.Type)
		}
		return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	return resp, nil
}

func (m *ResponsesModel) streamRequest(ctx context.Context, request *responsesRequest, out chan<- messages.StreamChunk) error {
	resp, err := m.doPost(ctx, request)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	out <- messages.StreamChunk{Type: messages.StartChunk}

	reader := bufio.NewReader(resp.Body)
	var text strings.Builder
	var final *responsesResult

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("failed to read stream: %w", err)
		}

		line = bytes.TrimSpace(line)
		// The Responses API interleaves "event:" preamble lines with the
		// data lines; only the latter carry payloads.
		if len(line) == 0 || bytes.HasPrefix(line, []byte("event:")) {
			continue
		}
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		line = bytes.TrimSpace(line[5:])
		if bytes.Equal(line, []byte("[DONE]")) {
			break
		}

		var event responsesStreamEvent
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}

		switch event.Type {
		case "response.output_text.delta":
			text.WriteString(event.Delta)
			out <- messages.StreamChunk{Type: messages.TextChunk, Delta: event.Delta}
		case "response.completed":
			final = event.Response
		case "response.failed":
			if event.Response != nil && event.Response.Error != nil {
				return fmt.Errorf("responses API error: %s", event.Response.Error.Message)
			}
			return fmt.Errorf("responses API reported failure")
		}
	}

	var msg *messages.Message
	usage := messages.TokenUsage{}
	if final != nil {
		msg, err = fromResponsesOutput(final.Output, request.PromptCacheKey)
		if err != nil {
			return err
		}
		usage = final.Usage.toTokenUsage()
	} else {
		msg = messages.MustNew(messages.Message{
			Role:           messages.RoleAssistant,
			Contents:       []messages.Content{messages.TextContent(text.String())},
			Type:           messages.TypeAgent,
			PromptCacheKey: request.PromptCacheKey,
		})
	}
	if usage.TotalTokens == 0 {
		usage.OutputTokens = EstimateTokens(m.cfg.Model, msg.TextValue())
		usage.TotalTokens = usage.OutputTokens
	}

	out <- messages.StreamChunk{Type: messages.EndChunk, Message: msg, Usage: &usage}
	return nil
}

// fromResponsesOutput folds the output item list into one assistant
// message: text from message items, tool requests from function_call
// items, reasoning summaries kept opaque.
func fromResponsesOutput(output []responsesOutputItem, cacheKey string) (*messages.Message, error) {
	msg := messages.Message{
		Role:           messages.RoleAssistant,
		Type:           messages.TypeAgent,
		PromptCacheKey: cacheKey,
	}

	var text strings.Builder
	var reasoning strings.Builder
	for _, item := range output {
		switch item.Type {
		case "message":
			for _, part := range item.Content {
				if part.Type == "output_text" {
					text.WriteString(part.Text)
				}
			}
		case "function_call":
			args, err := DecodeToolArguments(item.Arguments)
			if err != nil {
				return nil, err
			}
			msg.ToolRequests = append(msg.ToolRequests, messages.ToolRequest{
				Name:          item.Name,
				Args:          args,
				ToolRequestID: item.CallID,
			})
		case "reasoning":
			for _, part := range item.Summary {
				reasoning.WriteString(part.Text)
			}
		}
	}

	if text.Len() > 0 {
		msg.Contents = []messages.Content{messages.TextContent(text.String())}
	}
	if len(msg.ToolRequests) > 0 {
		msg.Type = messages.TypeToolRequest
	}
	msg.ReasoningContent = reasoning.String()

	return messages.New(msg)
}
