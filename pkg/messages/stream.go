package messages

// ChunkType tags a streamed assistant-message chunk.
type ChunkType string

const (
	StartChunk ChunkType = "START_CHUNK"
	TextChunk  ChunkType = "TEXT_CHUNK"
	EndChunk   ChunkType = "END_CHUNK"
)

// StreamChunk is one element of a streamed assistant message.
//
// A well-formed stream is START, zero or more TEXT deltas, then exactly one
// END whose Message is the message appended to history. Chunks themselves
// never land in the history.
type StreamChunk struct {
	Type ChunkType

	// Delta is the incremental text for TEXT chunks.
	Delta string

	// Message is set on END chunks and holds the complete message.
	Message *Message

	// Usage is provider token accounting, attached to the END chunk when the
	// provider reports it.
	Usage *TokenUsage

	// Err aborts the stream when non-nil.
	Err error
}

// TokenUsage is normalized token accounting across providers.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add accumulates usage from another sample.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}
