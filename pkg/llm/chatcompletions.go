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
	"github.com/wayflowcore/wayflow-go/pkg/tools"
)

// ChatCompletionsModel talks to a /chat/completions endpoint (OpenAI and
// the many providers that mirror its shape).
type ChatCompletionsModel struct {
	cfg    Config
	client *httpclient.Client
}

func NewChatCompletionsModel(cfg Config, opts ...httpclient.Option) *ChatCompletionsModel {
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

	return &ChatCompletionsModel{
		cfg:    cfg,
		client: httpclient.New(clientOpts...),
	}
}

func (m *ChatCompletionsModel) ModelID() string { return m.cfg.Model }

type chatRequest struct {
	Model            string              `json:"model"`
	Messages         []chatMessage       `json:"messages"`
	Temperature      *float64            `json:"temperature,omitempty"`
	TopP             *float64            `json:"top_p,omitempty"`
	MaxTokens        *int                `json:"max_tokens,omitempty"`
	Stop             []string            `json:"stop,omitempty"`
	FrequencyPenalty *float64            `json:"frequency_penalty,omitempty"`
	Stream           bool                `json:"stream"`
	StreamOptions    *chatStreamOptions  `json:"stream_options,omitempty"`
	Tools            []chatTool          `json:"tools,omitempty"`
	ToolChoice       string              `json:"tool_choice,omitempty"`
	ResponseFormat   *chatResponseFormat `json:"response_format,omitempty"`
	PromptCacheKey   string              `json:"prompt_cache_key,omitempty"`
}

type chatStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    any            `json:"content"` // string or []chatContentPart
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type chatContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL string `json:"url"`
}

type chatTool struct {
	Type     string           `json:"type"`
	Function chatToolFunction `json:"function"`
}

type chatToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type chatToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function chatFunctionCall `json:"function"`
}

type chatFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatResponseFormat struct {
	Type       string         `json:"type"`
	JSONSchema map[string]any `json:"json_schema,omitempty"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage"`
	Error   *apiError    `json:"error,omitempty"`
}

type chatChoice struct {
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatStreamResponse struct {
	Choices []chatStreamChoice `json:"choices"`
	Usage   *chatUsage         `json:"usage,omitempty"`
	Error   *apiError          `json:"error,omitempty"`
}

type chatStreamChoice struct {
	Delta        chatDelta `json:"delta"`
	FinishReason string    `json:"finish_reason"`
}

type chatDelta struct {
	Content          string         `json:"content,omitempty"`
	ReasoningContent string         `json:"reasoning_content,omitempty"`
	ToolCalls        []chatToolCall `json:"tool_calls,omitempty"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *chatUsage) toTokenUsage() messages.TokenUsage {
	if u == nil {
		return messages.TokenUsage{}
	}
	return messages.TokenUsage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		TotalTokens:  u.TotalTokens,
	}
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

func (m *ChatCompletionsModel) buildRequest(prompt *Prompt, stream bool) (*chatRequest, error) {
	msgs := prompt.Messages
	toolList := prompt.Tools

	var systemSuffix string
	if len(toolList) > 0 && usesTemplateToolCalling(m.cfg.Provider, m.cfg.Model) {
		systemSuffix = renderToolCallingTemplate(toolList)
		toolList = nil
	}

	wireMessages := make([]chatMessage, 0, len(msgs)+1)
	for _, msg := range msgs {
		if msg.Type == messages.TypeInternal || msg.Type == messages.TypeThought {
			continue
		}
		wire, err := toChatMessage(msg)
		if err != nil {
			return nil, err
		}
		wireMessages = append(wireMessages, wire...)
	}

	if systemSuffix != "" {
		wireMessages = append([]chatMessage{{Role: "system", Content: systemSuffix}}, wireMessages...)
	}
	if needsTrailingUserMessage(m.cfg.Provider, msgs) {
		wireMessages = append(wireMessages, chatMessage{Role: "user", Content: ""})
	}

	req := &chatRequest{
		Model:            m.cfg.Model,
		Messages:         wireMessages,
		Temperature:      prompt.Generation.Temperature,
		TopP:             prompt.Generation.TopP,
		MaxTokens:        prompt.Generation.MaxTokens,
		Stop:             prompt.Generation.Stop,
		FrequencyPenalty: applyFrequencyPenaltyQuirk(m.cfg.Provider, prompt.Generation.FrequencyPenalty),
		Stream:           stream,
		PromptCacheKey:   promptCacheKey(msgs),
	}
	if stream {
		req.StreamOptions = &chatStreamOptions{IncludeUsage: true}
	}

	if len(toolList) > 0 {
		req.Tools = make([]chatTool, len(toolList))
		for i, t := range toolList {
			req.Tools[i] = chatTool{
				Type: "function",
				Function: chatToolFunction{
					Name:        t.Name(),
					Description: t.Description(),
					Parameters:  toolParameterSchema(t),
				},
			}
		}
		req.ToolChoice = "auto"
	}

	if prompt.ResponseFormat != nil {
		req.ResponseFormat = &chatResponseFormat{
			Type:       "json_schema",
			JSONSchema: structuredOutputSchema(prompt.ResponseFormat),
		}
	}

	return req, nil
}

// toChatMessage converts one internal message into its wire form. A tool
// result becomes a dedicated "tool" role message.
func toChatMessage(msg *messages.Message) ([]chatMessage, error) {
	if msg.ToolResult != nil {
		content, err := encodeToolResultContent(msg.ToolResult.Content)
		if err != nil {
			return nil, err
		}
		return []chatMessage{{
			Role:       "tool",
			Content:    content,
			ToolCallID: msg.ToolResult.ToolRequestID,
		}}, nil
	}

	wire := chatMessage{Role: string(msg.Role)}

	var parts []chatContentPart
	for _, c := range msg.Contents {
		switch c.Kind {
		case messages.ContentText:
			parts = append(parts, chatContentPart{Type: "text", Text: c.Text})
		case messages.ContentImage:
			parts = append(parts, chatContentPart{
				Type:     "image_url",
				ImageURL: &chatImageURL{URL: fmt.Sprintf("data:%s;base64,%s", c.MediaType, c.Data)},
			})
		}
	}
	if parts != nil {
		wire.Content = parts
	} else {
		wire.Content = ""
	}

	for _, tr := range msg.ToolRequests {
		argsJSON, err := json.Marshal(tr.Args)
		if err != nil {
			return nil, fmt.Errorf("cannot encode tool request %q: %w", tr.Name, err)
		}
		wire.ToolCalls = append(wire.ToolCalls, chatToolCall{
			ID:   tr.ToolRequestID,
			Type: "function",
			Function: chatFunctionCall{
				Name:      tr.Name,
				Arguments: string(argsJSON),
			},
		})
	}

	return []chatMessage{wire}, nil
}

func encodeToolResultContent(content any) (string, error) {
	if s, ok := content.(string); ok {
		return s, nil
	}
	encoded, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("cannot encode tool result: %w", err)
	}
	return string(encoded), nil
}

// Generate performs a single-shot completion.
func (m *ChatCompletionsModel) Generate(ctx context.Context, prompt *Prompt) (*Completion, error) {
	tracer := observability.GetTracer("wayflow.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, m.cfg.Model),
			attribute.String("provider", m.cfg.Provider),
			attribute.Bool("streaming", false),
		),
	)
	defer span.End()

	request, err := m.buildRequest(prompt, false)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	response, err := m.post(ctx, request)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if response.Error != nil {
		apiErr := fmt.Errorf("chat completions API error: %s", response.Error.Message)
		span.RecordError(apiErr)
		span.SetStatus(codes.Error, response.Error.Message)
		return nil, apiErr
	}
	if len(response.Choices) == 0 {
		err := fmt.Errorf("no response choices returned")
		span.RecordError(err)
		return nil, err
	}

	msg, err := fromChatMessage(response.Choices[0].Message, request.PromptCacheKey)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	msg = m.recoverTemplatedToolCall(msg)

	usage := response.Usage.toTokenUsage()
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

// GenerateStream performs a streaming completion. Chunks arrive in the
// order START, TEXT..., END; usage rides on the END chunk.
func (m *ChatCompletionsModel) GenerateStream(ctx context.Context, prompt *Prompt) (<-chan messages.StreamChunk, error) {
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

func (m *ChatCompletionsModel) post(ctx context.Context, request *chatRequest) (*chatResponse, error) {
	resp, err := m.doPost(ctx, request)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var response chatResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &response, nil
}

func (m *ChatCompletionsModel) doPost(ctx context.Context, request *chatRequest) (*http.Response, error) {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.BaseURL+"/chat/completions", bytes.NewReader(requestBody))
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

func parseAPIError(body []byte) *apiError {
	if len(body) == 0 {
		return nil
	}
	var wrapped struct {
		Error apiError `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Error.Message != "" {
		return &wrapped.Error
	}
	return nil
}

func (m *ChatCompletionsModel) streamRequest(ctx context.Context, request *chatRequest, out chan<- messages.StreamChunk) error {
	tracer := observability.GetTracer("wayflow.llm")
	ctx, span := tracer.Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, m.cfg.Model),
			attribute.String("provider", m.cfg.Provider),
			attribute.Bool("streaming", true),
		),
	)
	defer span.End()

	resp, err := m.doPost(ctx, request)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	defer resp.Body.Close()

	out <- messages.StreamChunk{Type: messages.StartChunk}

	reader := bufio.NewReader(resp.Body)

	var text strings.Builder
	var reasoning strings.Builder
	var toolCalls []chatToolCall
	var usage *chatUsage

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			span.RecordError(err)
			return fmt.Errorf("failed to read stream: %w", err)
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 || !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		line = bytes.TrimSpace(line[5:])
		if bytes.Equal(line, []byte("[DONE]")) {
			break
		}

		var streamResp chatStreamResponse
		if err := json.Unmarshal(line, &streamResp); err != nil {
			continue
		}
		if streamResp.Error != nil {
			return fmt.Errorf("chat completions API error: %s", streamResp.Error.Message)
		}
		if streamResp.Usage != nil {
			usage = streamResp.Usage
		}
		if len(streamResp.Choices) == 0 {
			continue
		}

		choice := streamResp.Choices[0]
		if choice.Delta.ReasoningContent != "" {
			reasoning.WriteString(choice.Delta.ReasoningContent)
		}
		if choice.Delta.Content != "" {
			text.WriteString(choice.Delta.Content)
			out <- messages.StreamChunk{Type: messages.TextChunk, Delta: choice.Delta.Content}
		}
		for _, deltaCall := range choice.Delta.ToolCalls {
			if deltaCall.ID != "" {
				toolCalls = append(toolCalls, deltaCall)
			} else if len(toolCalls) > 0 {
				toolCalls[len(toolCalls)-1].Function.Arguments += deltaCall.Function.Arguments
			}
		}
	}

	final := chatMessage{
		Role:      "assistant",
		Content:   text.String(),
		ToolCalls: toolCalls,
	}
	msg, err := fromChatMessage(final, request.PromptCacheKey)
	if err != nil {
		span.RecordError(err)
		return err
	}
	msg.ReasoningContent = reasoning.String()
	msg = m.recoverTemplatedToolCall(msg)

	finalUsage := usage.toTokenUsage()
	if finalUsage.TotalTokens == 0 {
		finalUsage = messages.TokenUsage{
			OutputTokens: EstimateTokens(m.cfg.Model, text.String()),
		}
		finalUsage.TotalTokens = finalUsage.OutputTokens
	}

	span.SetAttributes(
		attribute.Int(observability.AttrLLMTokensInput, finalUsage.InputTokens),
		attribute.Int(observability.AttrLLMTokensOutput, finalUsage.OutputTokens),
	)
	span.SetStatus(codes.Ok, "")

	out <- messages.StreamChunk{Type: messages.EndChunk, Message: msg, Usage: &finalUsage}
	return nil
}

// fromChatMessage converts an assistant wire message back to the internal
// form, parsing tool-call arguments leniently.
func fromChatMessage(wire chatMessage, cacheKey string) (*messages.Message, error) {
	msg := messages.Message{
		Role:           messages.RoleAssistant,
		PromptCacheKey: cacheKey,
	}

	text := ""
	switch content := wire.Content.(type) {
	case string:
		text = content
	case []any:
		var sb strings.Builder
		for _, part := range content {
			if m, ok := part.(map[string]any); ok {
				if t, ok := m["text"].(string); ok {
					sb.WriteString(t)
				}
			}
		}
		text = sb.String()
	}
	if text != "" {
		msg.Contents = []messages.Content{messages.TextContent(text)}
	}

	if len(wire.ToolCalls) > 0 {
		msg.Type = messages.TypeToolRequest
		for _, tc := range wire.ToolCalls {
			args, err := DecodeToolArguments(tc.Function.Arguments)
			if err != nil {
				return nil, err
			}
			msg.ToolRequests = append(msg.ToolRequests, messages.ToolRequest{
				Name:          tc.Function.Name,
				Args:          args,
				ToolRequestID: tc.ID,
			})
		}
	} else {
		msg.Type = messages.TypeAgent
	}

	return messages.New(msg)
}

// recoverTemplatedToolCall turns a templated tool-call reply into a real
// tool request for models without native tool calling.
func (m *ChatCompletionsModel) recoverTemplatedToolCall(msg *messages.Message) *messages.Message {
	if !usesTemplateToolCalling(m.cfg.Provider, m.cfg.Model) || len(msg.ToolRequests) > 0 {
		return msg
	}
	request, ok := parseTemplatedToolCall(msg.TextValue())
	if !ok {
		return msg
	}
	recovered := msg.Copy()
	recovered.Contents = nil
	recovered.ToolRequests = []messages.ToolRequest{*request}
	recovered.Type = messages.TypeToolRequest
	return messages.MustNew(recovered)
}

// renderToolCallingTemplate writes tool definitions into a system prompt
// for models without reliable native tool calling. The model is told to
// answer with a bare JSON object when it wants to call a tool.
func renderToolCallingTemplate(toolList []tools.Tool) string {
	var sb strings.Builder
	sb.WriteString("You have access to the following tools:\n\n")
	for _, t := range toolList {
		def := tools.ToDefinition(t)
		params, _ := json.Marshal(def.Parameters)
		fmt.Fprintf(&sb, "- %s: %s\n  parameters: %s\n", def.Name, def.Description, params)
	}
	sb.WriteString("\nTo call a tool, respond with only a JSON object of the form ")
	sb.WriteString(`{"name": "<tool_name>", "arguments": {...}} and nothing else.`)
	return sb.String()
}
