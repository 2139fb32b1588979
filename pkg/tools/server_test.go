package tools

import (
	"context"
	"fmt"
	"iter"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wayflowcore/wayflow-go/pkg/property"
)

func countingStream(n int) StreamFunc {
	return func(ctx context.Context, args map[string]any) iter.Seq2[any, error] {
		return func(yield func(any, error) bool) {
			for i := 0; i < n; i++ {
				if !yield(fmt.Sprintf("chunk-%d", i), nil) {
					return
				}
			}
		}
	}
}

func TestStreamingServerTool(t *testing.T) {
	t.Run("final chunk is the output", func(t *testing.T) {
		tool, err := NewStreamingServerTool("stream", "", nil, countingStream(3))
		require.NoError(t, err)

		out, err := tool.Run(context.Background(), nil)
		require.NoError(t, err)
		assert.Equal(t, "chunk-2", out)
	})

	t.Run("all chunks observable", func(t *testing.T) {
		tool, err := NewStreamingServerTool("stream", "", nil, countingStream(3))
		require.NoError(t, err)

		var chunks []any
		for chunk, err := range tool.RunStreaming(context.Background(), nil) {
			require.NoError(t, err)
			chunks = append(chunks, chunk)
		}
		assert.Equal(t, []any{"chunk-0", "chunk-1", "chunk-2"}, chunks)
	})

	t.Run("per-tool cap aborts runaway streams", func(t *testing.T) {
		tool, err := NewStreamingServerTool("stream", "", nil, countingStream(100),
			WithMaxStreamChunks(10))
		require.NoError(t, err)

		_, err = tool.Run(context.Background(), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "streaming cap of 10")
	})

	t.Run("unbounded cap", func(t *testing.T) {
		tool, err := NewStreamingServerTool("stream", "", nil, countingStream(500),
			WithMaxStreamChunks(UnboundedStreamChunks))
		require.NoError(t, err)

		out, err := tool.Run(context.Background(), nil)
		require.NoError(t, err)
		assert.Equal(t, "chunk-499", out)
	})

	t.Run("process-wide default cap", func(t *testing.T) {
		SetDefaultMaxStreamChunks(5)
		defer SetDefaultMaxStreamChunks(DefaultMaxStreamChunks)

		tool, err := NewStreamingServerTool("stream", "", nil, countingStream(100))
		require.NoError(t, err)

		_, err = tool.Run(context.Background(), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "streaming cap of 5")
	})
}

func TestNonStreamingRunStreaming(t *testing.T) {
	tool, err := NewServerTool("echo", "", []*property.Property{property.String("text", "")},
		func(ctx context.Context, args map[string]any) (any, error) {
			return args["text"], nil
		})
	require.NoError(t, err)

	var chunks []any
	for chunk, err := range tool.RunStreaming(context.Background(), map[string]any{"text": "hi"}) {
		require.NoError(t, err)
		chunks = append(chunks, chunk)
	}
	assert.Equal(t, []any{"hi"}, chunks)
}

func TestNewStructTool(t *testing.T) {
	type searchArgs struct {
		Query string `json:"query" jsonschema:"description=the search query"`
		Limit int    `json:"limit,omitempty"`
	}

	tool, err := NewStructTool("search", "searches",
		func(ctx context.Context, args searchArgs) (any, error) {
			return fmt.Sprintf("%s/%d", args.Query, args.Limit), nil
		})
	require.NoError(t, err)

	names := make([]string, 0)
	for _, d := range tool.InputDescriptors() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"limit", "query"}, names)

	out, err := tool.Run(context.Background(), map[string]any{"query": "go", "limit": 3})
	require.NoError(t, err)
	assert.Equal(t, "go/3", out)
}

func TestConfirmationModes(t *testing.T) {
	plain, err := NewServerTool("plain", "", nil,
		func(ctx context.Context, args map[string]any) (any, error) { return nil, nil })
	require.NoError(t, err)

	guarded, err := NewServerTool("guarded", "", nil,
		func(ctx context.Context, args map[string]any) (any, error) { return nil, nil },
		WithConfirmation())
	require.NoError(t, err)

	tests := []struct {
		name string
		mode ConfirmationMode
		want []bool
	}{
		{"per tool", ConfirmationPerTool, []bool{false, true}},
		{"always", ConfirmationAlways, []bool{true, true}},
		{"never", ConfirmationNever, []bool{false, false}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			box := NewStaticToolBox("box", []Tool{plain, guarded}, tt.mode)
			got, err := box.GetTools(context.Background())
			require.NoError(t, err)
			require.Len(t, got, 2)
			for i, tool := range got {
				assert.Equal(t, tt.want[i], tool.RequiresConfirmation(), tool.Name())
			}
		})
	}
}
