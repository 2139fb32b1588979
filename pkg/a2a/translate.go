package a2a

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/wayflowcore/wayflow-go/pkg/messages"
)

// partType reads the payload type of a data part from its metadata.
func partType(p Part) string {
	if p.Metadata == nil {
		return ""
	}
	t, _ := p.Metadata["type"].(string)
	return t
}

// incomingToolResults extracts the tool results carried by a message's data
// parts.
func incomingToolResults(msg Message) []messages.ToolResult {
	var results []messages.ToolResult
	for _, part := range msg.Parts {
		if part.Kind != PartKindData || partType(part) != DataTypeToolResult {
			continue
		}
		result := messages.ToolResult{}
		if id, ok := part.Data["tool_request_id"].(string); ok {
			result.ToolRequestID = id
		}
		result.Content = part.Data["content"]
		results = append(results, result)
	}
	return results
}

// incomingText joins the text parts of a message.
func incomingText(msg Message) string {
	text := ""
	for _, part := range msg.Parts {
		if part.Kind == PartKindText {
			text += part.Text
		}
	}
	return text
}

// toProtocolMessage renders an internal message as A2A parts. Tool requests
// and results become data parts tagged through part metadata, so callers can
// round-trip them.
func toProtocolMessage(msg *messages.Message, taskID, contextID string) (Message, error) {
	out := Message{
		MessageID: msg.ID,
		Role:      "agent",
		TaskID:    taskID,
		ContextID: contextID,
		Kind:      "message",
	}
	if msg.Role == messages.RoleUser {
		out.Role = "user"
	}

	for _, content := range msg.Contents {
		switch content.Kind {
		case messages.ContentText:
			out.Parts = append(out.Parts, TextPart(content.Text))
		case messages.ContentImage:
			out.Parts = append(out.Parts, Part{
				Kind: PartKindFile,
				File: &FilePart{MimeType: content.MediaType, Bytes: content.Data},
			})
		default:
			return Message{}, fmt.Errorf("message %s: unsupported content kind %q", msg.ID, content.Kind)
		}
	}

	for _, req := range msg.ToolRequests {
		data, err := toDataMap(req)
		if err != nil {
			return Message{}, fmt.Errorf("message %s: %w", msg.ID, err)
		}
		out.Parts = append(out.Parts, Part{
			Kind:     PartKindData,
			Data:     data,
			Metadata: map[string]any{"type": DataTypeToolRequest},
		})
	}
	if msg.ToolResult != nil {
		data, err := toDataMap(msg.ToolResult)
		if err != nil {
			return Message{}, fmt.Errorf("message %s: %w", msg.ID, err)
		}
		out.Parts = append(out.Parts, Part{
			Kind:     PartKindData,
			Data:     data,
			Metadata: map[string]any{"type": DataTypeToolResult},
		})
	}

	if out.MessageID == "" {
		out.MessageID = uuid.NewString()
	}
	return out, nil
}

func toDataMap(v any) (map[string]any, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var data map[string]any
	if err := json.Unmarshal(encoded, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// visibleToCaller filters internal bookkeeping out of the task history:
// thought and internal messages never leave the server.
func visibleToCaller(msg *messages.Message) bool {
	switch msg.Type {
	case messages.TypeInternal, messages.TypeThought, messages.TypeSystem:
		return false
	}
	return true
}
