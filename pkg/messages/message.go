// Package messages defines the conversation message model.
//
// Messages are immutable by convention: once appended to a conversation they
// are never modified, only superseded by later messages.
package messages

import (
	"fmt"

	"github.com/google/uuid"
)

// Role is the chat role a message carries on the wire.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Type classifies a message inside a conversation beyond its wire role.
type Type string

const (
	TypeUser        Type = "USER"
	TypeAgent       Type = "AGENT"
	TypeToolRequest Type = "TOOL_REQUEST"
	TypeToolResult  Type = "TOOL_RESULT"
	TypeSystem      Type = "SYSTEM"
	TypeInternal    Type = "INTERNAL"
	TypeThought     Type = "THOUGHT"
)

// ContentKind discriminates message content parts.
type ContentKind string

const (
	ContentText  ContentKind = "text"
	ContentImage ContentKind = "image"
)

// Content is one part of a message body: text, or a base64 image.
type Content struct {
	Kind      ContentKind `json:"kind"`
	Text      string      `json:"text,omitempty"`
	MediaType string      `json:"media_type,omitempty"`
	Data      string      `json:"data,omitempty"` // base64 for images
}

// TextContent builds a text content part.
func TextContent(text string) Content {
	return Content{Kind: ContentText, Text: text}
}

// ImageContent builds a base64 image content part.
func ImageContent(mediaType, base64Data string) Content {
	return Content{Kind: ContentImage, MediaType: mediaType, Data: base64Data}
}

// ToolRequest is an LLM's request to invoke a named tool.
type ToolRequest struct {
	Name                 string         `json:"name"`
	Args                 map[string]any `json:"args"`
	ToolRequestID        string         `json:"tool_request_id"`
	RequiresConfirmation bool           `json:"requires_confirmation,omitempty"`

	// Confirmed is nil until a human approves or rejects the request.
	Confirmed       *bool  `json:"confirmed,omitempty"`
	RejectionReason string `json:"rejection_reason,omitempty"`
}

// ToolResult carries the outcome of a tool invocation back to the model.
type ToolResult struct {
	Content       any    `json:"content"`
	ToolRequestID string `json:"tool_request_id"`
}

// Message is a single entry in a conversation history.
//
// Invariants, enforced by New:
//   - a message with tool requests has text-only contents
//   - a message with a tool result has no contents
type Message struct {
	ID           string        `json:"id"`
	Role         Role          `json:"role"`
	Contents     []Content     `json:"contents,omitempty"`
	ToolRequests []ToolRequest `json:"tool_requests,omitempty"`
	ToolResult   *ToolResult   `json:"tool_result,omitempty"`
	Sender       string        `json:"sender,omitempty"`
	Recipients   []string      `json:"recipients,omitempty"`
	Type         Type          `json:"message_type"`
	Metadata     map[string]any `json:"metadata,omitempty"`

	// ReasoningContent holds opaque provider reasoning traces. It is carried
	// along but never rendered into prompts for other providers.
	ReasoningContent string `json:"-"`

	// PromptCacheKey is an opaque provider-side cache handle.
	PromptCacheKey string `json:"-"`
}

// New validates and constructs a message, assigning an id when absent.
func New(m Message) (*Message, error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Type == "" {
		m.Type = inferType(m)
	}
	if len(m.ToolRequests) > 0 {
		for _, c := range m.Contents {
			if c.Kind != ContentText {
				return nil, fmt.Errorf("message %s carries tool requests and non-text content", m.ID)
			}
		}
	}
	if m.ToolResult != nil && len(m.Contents) > 0 {
		return nil, fmt.Errorf("message %s carries both a tool result and contents", m.ID)
	}
	return &m, nil
}

// MustNew is New for statically correct messages; it panics on invariant
// violations and is intended for literals in tests and step bodies.
func MustNew(m Message) *Message {
	msg, err := New(m)
	if err != nil {
		panic(err)
	}
	return msg
}

func inferType(m Message) Type {
	switch {
	case len(m.ToolRequests) > 0:
		return TypeToolRequest
	case m.ToolResult != nil:
		return TypeToolResult
	case m.Role == RoleSystem:
		return TypeSystem
	case m.Role == RoleUser:
		return TypeUser
	default:
		return TypeAgent
	}
}

// UserMessage builds a plain text user message.
func UserMessage(text string) *Message {
	return MustNew(Message{Role: RoleUser, Contents: []Content{TextContent(text)}, Type: TypeUser})
}

// AgentMessage builds a plain text assistant message.
func AgentMessage(text string) *Message {
	return MustNew(Message{Role: RoleAssistant, Contents: []Content{TextContent(text)}, Type: TypeAgent})
}

// SystemMessage builds a system message.
func SystemMessage(text string) *Message {
	return MustNew(Message{Role: RoleSystem, Contents: []Content{TextContent(text)}, Type: TypeSystem})
}

// ToolRequestMessage builds an assistant message carrying tool requests.
func ToolRequestMessage(text string, requests ...ToolRequest) *Message {
	var contents []Content
	if text != "" {
		contents = []Content{TextContent(text)}
	}
	return MustNew(Message{
		Role:         RoleAssistant,
		Contents:     contents,
		ToolRequests: requests,
		Type:         TypeToolRequest,
	})
}

// ToolResultMessage builds a user-role message carrying a tool result.
func ToolResultMessage(result ToolResult) *Message {
	return MustNew(Message{Role: RoleUser, ToolResult: &result, Type: TypeToolResult})
}

// TextValue concatenates the text parts of the message.
func (m *Message) TextValue() string {
	out := ""
	for _, c := range m.Contents {
		if c.Kind == ContentText {
			out += c.Text
		}
	}
	return out
}

// Copy returns a shallow copy with fresh slices, suitable for mutation before
// re-validation through New.
func (m *Message) Copy() Message {
	cp := *m
	cp.Contents = append([]Content(nil), m.Contents...)
	cp.ToolRequests = append([]ToolRequest(nil), m.ToolRequests...)
	cp.Recipients = append([]string(nil), m.Recipients...)
	return cp
}
