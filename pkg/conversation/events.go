package conversation

import "github.com/wayflowcore/wayflow-go/pkg/messages"

// Event is a notification emitted while a conversation executes. Listeners
// run synchronously on the executing task; they must not block.
type Event interface{ event() }

// EventListener receives execution events.
type EventListener func(Event)

// StepInvocationStartedEvent fires before each step run.
type StepInvocationStartedEvent struct {
	ConversationID string
	StepName       string
}

// ToolExecutionStreamingChunkReceivedEvent fires for each intermediate chunk
// of a streaming tool.
type ToolExecutionStreamingChunkReceivedEvent struct {
	ConversationID string
	ToolName       string
	ToolRequestID  string
	Chunk          any
}

// MessageAppendedEvent fires when a message lands on the history.
type MessageAppendedEvent struct {
	ConversationID string
	Message        *messages.Message
}

// StreamChunkEvent forwards LLM stream chunks (START/TEXT/END) to listeners
// as they arrive; only the END chunk's message joins the history.
type StreamChunkEvent struct {
	ConversationID string
	Chunk          messages.StreamChunk
}

func (*StepInvocationStartedEvent) event()               {}
func (*ToolExecutionStreamingChunkReceivedEvent) event() {}
func (*MessageAppendedEvent) event()                     {}
func (*StreamChunkEvent) event()                         {}
