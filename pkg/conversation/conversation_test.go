package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wayflowcore/wayflow-go/pkg/messages"
)

// echoComponent yields for user input until it has seen one message, then
// finishes with that text.
type echoComponent struct{}

func (echoComponent) Name() string        { return "echo" }
func (echoComponent) Description() string { return "echoes the first user message" }

func (echoComponent) Execute(_ context.Context, conv *Conversation) (ExecutionStatus, error) {
	if reason, fired := conv.CheckInterrupts(); fired {
		return conv.NewInterruptedStatus(reason), nil
	}
	if !conv.ConsumePendingUserMessage() {
		return conv.NewUserMessageRequestStatus(), nil
	}
	text := conv.LastMessage().TextValue()
	conv.AppendMessage(messages.AgentMessage(text))
	return conv.NewFinishedStatus(map[string]any{"echoed": text}, "next"), nil
}

func TestConversationYieldAndResume(t *testing.T) {
	conv := New(echoComponent{}, nil)

	status, err := conv.Execute(context.Background())
	require.NoError(t, err)
	userReq, ok := status.(*UserMessageRequestStatus)
	require.True(t, ok)
	assert.Equal(t, conv.ID, status.ConversationID())

	userReq.SubmitUserMessage(conv, "hello")

	status, err = conv.Execute(context.Background())
	require.NoError(t, err)
	finished, ok := status.(*FinishedStatus)
	require.True(t, ok)
	assert.Equal(t, "hello", finished.OutputValues["echoed"])
	assert.Equal(t, "hello", conv.LastMessage().TextValue())
	assert.Same(t, status, conv.Status())
}

func TestStatusBindsToItsConversation(t *testing.T) {
	first := New(echoComponent{}, nil)
	second := New(echoComponent{}, nil)

	status, err := first.Execute(context.Background())
	require.NoError(t, err)
	userReq := status.(*UserMessageRequestStatus)

	// Submitting against a different conversation is a no-op.
	userReq.SubmitUserMessage(second, "misdirected")
	assert.Empty(t, second.Messages())
	assert.False(t, second.pendingUserMessage)

	userReq.SubmitUserMessage(first, "direct")
	assert.True(t, first.pendingUserMessage)
}

func TestToolRequestStatusValidatesIDs(t *testing.T) {
	conv := New(echoComponent{}, nil)
	status := conv.NewToolRequestStatus([]messages.ToolRequest{
		{Name: "search", ToolRequestID: "r1"},
	})

	err := status.SubmitToolResults(conv, messages.ToolResult{ToolRequestID: "r9", Content: "x"})
	require.Error(t, err)

	require.NoError(t, status.SubmitToolResults(conv, messages.ToolResult{ToolRequestID: "r1", Content: "x"}))
	last := conv.LastMessage()
	require.NotNil(t, last.ToolResult)
	assert.Equal(t, "r1", last.ToolResult.ToolRequestID)
}

func TestConfirmationDecisionsAreStaged(t *testing.T) {
	conv := New(echoComponent{}, nil)
	status := conv.NewToolExecutionConfirmationStatus([]messages.ToolRequest{
		{Name: "delete_all", ToolRequestID: "r1", RequiresConfirmation: true},
	})

	require.Error(t, status.ConfirmToolExecution(conv, "missing", true, ""))
	require.NoError(t, status.ConfirmToolExecution(conv, "r1", false, "too risky"))

	decisions := conv.ConsumePendingConfirmations()
	require.Len(t, decisions, 1)
	require.NotNil(t, decisions[0].Confirmed)
	assert.False(t, *decisions[0].Confirmed)
	assert.Equal(t, "too risky", decisions[0].RejectionReason)
	assert.Empty(t, conv.ConsumePendingConfirmations())
}

func TestInterrupts(t *testing.T) {
	conv := New(echoComponent{}, nil, WithInterrupts(&DeadlineInterrupt{Deadline: time.Now().Add(-time.Second)}))

	status, err := conv.Execute(context.Background())
	require.NoError(t, err)
	interrupted, ok := status.(*InterruptedExecutionStatus)
	require.True(t, ok)
	assert.Contains(t, interrupted.Reason, "deadline")
}

func TestStepLimitInterrupt(t *testing.T) {
	interrupt := &StepLimitInterrupt{MaxSteps: 2}
	conv := New(echoComponent{}, nil)

	_, fired := interrupt.ShouldInterrupt(conv)
	assert.False(t, fired)
	_, fired = interrupt.ShouldInterrupt(conv)
	assert.False(t, fired)
	reason, fired := interrupt.ShouldInterrupt(conv)
	assert.True(t, fired)
	assert.Contains(t, reason, "step limit")
}

func TestEventsAndSubconversations(t *testing.T) {
	var events []Event
	conv := New(echoComponent{}, nil, WithListener(func(e Event) { events = append(events, e) }))

	sub := conv.NewSubconversation(echoComponent{}, nil)
	sub.AppendMessage(messages.UserMessage("hi"))

	// Subconversations inherit the parent's listeners.
	require.Len(t, events, 1)
	appended, ok := events[0].(*MessageAppendedEvent)
	require.True(t, ok)
	assert.Equal(t, sub.ID, appended.ConversationID)
	assert.Equal(t, []*Conversation{sub}, conv.Subconversations())
}

func TestTokenUsageAggregation(t *testing.T) {
	conv := New(echoComponent{}, nil)
	conv.AddTokenUsage(messages.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15})
	conv.AddTokenUsage(messages.TokenUsage{InputTokens: 3, OutputTokens: 2, TotalTokens: 5})

	usage := conv.TokenUsage()
	assert.Equal(t, 13, usage.InputTokens)
	assert.Equal(t, 7, usage.OutputTokens)
	assert.Equal(t, 20, usage.TotalTokens)
}
