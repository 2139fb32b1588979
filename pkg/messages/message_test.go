package messages

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAssignsIDAndInfersType(t *testing.T) {
	msg, err := New(Message{Role: RoleUser, Contents: []Content{TextContent("hi")}})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, TypeUser, msg.Type)

	msg, err = New(Message{Role: RoleAssistant, ToolRequests: []ToolRequest{{Name: "t", ToolRequestID: "r1"}}})
	require.NoError(t, err)
	assert.Equal(t, TypeToolRequest, msg.Type)

	msg, err = New(Message{Role: RoleUser, ToolResult: &ToolResult{ToolRequestID: "r1"}})
	require.NoError(t, err)
	assert.Equal(t, TypeToolResult, msg.Type)

	msg, err = New(Message{Role: RoleSystem, Contents: []Content{TextContent("rules")}})
	require.NoError(t, err)
	assert.Equal(t, TypeSystem, msg.Type)
}

func TestNewRejectsInvalidCombinations(t *testing.T) {
	_, err := New(Message{
		Role:         RoleAssistant,
		Contents:     []Content{ImageContent("image/png", "aGk=")},
		ToolRequests: []ToolRequest{{Name: "t", ToolRequestID: "r1"}},
	})
	require.Error(t, err, "tool requests allow text-only contents")

	_, err = New(Message{
		Role:       RoleUser,
		Contents:   []Content{TextContent("hi")},
		ToolResult: &ToolResult{ToolRequestID: "r1"},
	})
	require.Error(t, err, "a tool result message carries no contents")
}

func TestTextValueConcatenatesTextParts(t *testing.T) {
	msg := MustNew(Message{Role: RoleUser, Contents: []Content{
		TextContent("see "),
		ImageContent("image/png", "aGk="),
		TextContent("this"),
	}})
	assert.Equal(t, "see this", msg.TextValue())
}

func TestCopyDetachesSlices(t *testing.T) {
	original := ToolRequestMessage("checking", ToolRequest{Name: "lookup", ToolRequestID: "r1"})

	cp := original.Copy()
	cp.ToolRequests[0].Name = "changed"
	cp.Contents[0].Text = "changed"

	assert.Equal(t, "lookup", original.ToolRequests[0].Name)
	assert.Equal(t, "checking", original.TextValue())
}

func TestConstructors(t *testing.T) {
	assert.Equal(t, RoleUser, UserMessage("q").Role)
	assert.Equal(t, RoleAssistant, AgentMessage("a").Role)
	assert.Equal(t, RoleSystem, SystemMessage("s").Role)

	result := ToolResultMessage(ToolResult{Content: 42, ToolRequestID: "r1"})
	assert.Equal(t, RoleUser, result.Role)
	require.NotNil(t, result.ToolResult)
	assert.Equal(t, 42, result.ToolResult.Content)

	request := ToolRequestMessage("", ToolRequest{Name: "t", ToolRequestID: "r1"})
	assert.Empty(t, request.Contents)
}
