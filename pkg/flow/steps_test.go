package flow

import (
	"context"
	"errors"
	"iter"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wayflowcore/wayflow-go/pkg/conversation"
	"github.com/wayflowcore/wayflow-go/pkg/datastore"
	"github.com/wayflowcore/wayflow-go/pkg/llm"
	"github.com/wayflowcore/wayflow-go/pkg/messages"
	"github.com/wayflowcore/wayflow-go/pkg/property"
	"github.com/wayflowcore/wayflow-go/pkg/tools"
)

type scriptedModel struct {
	replies []string
	calls   int
}

func (m *scriptedModel) ModelID() string { return "test/scripted" }

func (m *scriptedModel) Generate(context.Context, *llm.Prompt) (*llm.Completion, error) {
	reply := m.replies[len(m.replies)-1]
	if m.calls < len(m.replies) {
		reply = m.replies[m.calls]
	}
	m.calls++
	return &llm.Completion{
		Message: messages.AgentMessage(reply),
		Usage:   messages.TokenUsage{InputTokens: 3, OutputTokens: 5, TotalTokens: 8},
	}, nil
}

func (m *scriptedModel) GenerateStream(context.Context, *llm.Prompt) (<-chan messages.StreamChunk, error) {
	return nil, errors.New("streaming is not scripted")
}

func addTool(t *testing.T) *tools.ServerTool {
	t.Helper()
	tool, err := tools.NewServerTool("add", "adds two integers",
		[]*property.Property{property.Integer("a", ""), property.Integer("b", "")},
		func(_ context.Context, args map[string]any) (any, error) {
			return args["a"].(int64) + args["b"].(int64), nil
		},
		tools.WithOutputs(property.Integer("sum", "")),
	)
	require.NoError(t, err)
	return tool
}

func TestToolExecutionStepRunsServerTool(t *testing.T) {
	f := MustNew("calc", WithSteps(NewToolExecutionStep("add", addTool(t))))

	conv := conversation.New(f, map[string]any{"a": 2, "b": 3})
	status, err := conv.Execute(context.Background())
	require.NoError(t, err)

	finished := finish(t, status)
	assert.Equal(t, int64(5), finished.OutputValues["sum"])

	history := conv.Messages()
	require.Len(t, history, 2)
	require.Len(t, history[0].ToolRequests, 1)
	require.NotNil(t, history[1].ToolResult)
	assert.Equal(t, history[0].ToolRequests[0].ToolRequestID, history[1].ToolResult.ToolRequestID)
	assert.Equal(t, int64(5), history[1].ToolResult.Content)
}

// Every tool result on the history follows the message carrying its request.
func TestToolResultsFollowTheirRequests(t *testing.T) {
	f := MustNew("chained",
		WithSteps(
			NewToolExecutionStep("first", addTool(t)),
			NewToolExecutionStep("second", addTool(t)),
		),
		WithTransitions(map[string][]string{"first": {"second"}}),
	)

	conv := conversation.New(f, map[string]any{"a": 1, "b": 2})
	status, err := conv.Execute(context.Background())
	require.NoError(t, err)
	finish(t, status)

	history := conv.Messages()
	for i, msg := range history {
		if msg.ToolResult == nil {
			continue
		}
		require.Greater(t, i, 0, "tool result message has no preceding message")
		previous := history[i-1]
		require.Len(t, previous.ToolRequests, 1)
		assert.Equal(t, previous.ToolRequests[0].ToolRequestID, msg.ToolResult.ToolRequestID)
	}
}

func TestToolExecutionStepStreamsChunks(t *testing.T) {
	tool, err := tools.NewStreamingServerTool("counter", "",
		nil,
		func(context.Context, map[string]any) iter.Seq2[any, error] {
			return func(yield func(any, error) bool) {
				for _, chunk := range []string{"1", "12", "123"} {
					if !yield(chunk, nil) {
						return
					}
				}
			}
		},
	)
	require.NoError(t, err)

	f := MustNew("stream", WithSteps(NewToolExecutionStep("count", tool)))

	var chunks []any
	conv := conversation.New(f, nil, conversation.WithListener(func(event conversation.Event) {
		if received, ok := event.(*conversation.ToolExecutionStreamingChunkReceivedEvent); ok {
			chunks = append(chunks, received.Chunk)
		}
	}))
	status, err := conv.Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []any{"1", "12", "123"}, chunks)
	assert.Equal(t, "123", finish(t, status).OutputValues[tools.ToolOutputName])
}

func TestToolExecutionStepYieldsForClientTool(t *testing.T) {
	tool, err := tools.NewClientTool("lookup", "resolves a key on the caller's side",
		[]*property.Property{property.String("key", "")})
	require.NoError(t, err)

	f := MustNew("client", WithSteps(NewToolExecutionStep("lookup", tool)))

	conv := conversation.New(f, map[string]any{"key": "k1"})
	status, err := conv.Execute(context.Background())
	require.NoError(t, err)

	request, ok := status.(*conversation.ToolRequestStatus)
	require.True(t, ok, "expected ToolRequestStatus, got %T", status)
	require.Len(t, request.ToolRequests, 1)
	assert.Equal(t, "lookup", request.ToolRequests[0].Name)
	assert.Equal(t, map[string]any{"key": "k1"}, request.ToolRequests[0].Args)

	require.NoError(t, request.SubmitToolResults(conv, messages.ToolResult{
		Content:       "v1",
		ToolRequestID: request.ToolRequests[0].ToolRequestID,
	}))

	status, err = conv.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v1", finish(t, status).OutputValues[tools.ToolOutputName])
}

func TestToolExecutionStepConfirmation(t *testing.T) {
	newFlow := func(t *testing.T, ran *bool) *Flow {
		tool, err := tools.NewServerTool("wipe", "deletes everything",
			nil,
			func(context.Context, map[string]any) (any, error) {
				*ran = true
				return "wiped", nil
			},
			tools.WithConfirmation(),
		)
		require.NoError(t, err)
		return MustNew("dangerous", WithSteps(NewToolExecutionStep("wipe", tool)))
	}

	t.Run("approved", func(t *testing.T) {
		var ran bool
		conv := conversation.New(newFlow(t, &ran), nil)
		status, err := conv.Execute(context.Background())
		require.NoError(t, err)

		confirmation, ok := status.(*conversation.ToolExecutionConfirmationStatus)
		require.True(t, ok, "expected ToolExecutionConfirmationStatus, got %T", status)
		require.Len(t, confirmation.ToolRequests, 1)
		require.NoError(t, confirmation.ConfirmToolExecution(conv, confirmation.ToolRequests[0].ToolRequestID, true, ""))

		status, err = conv.Execute(context.Background())
		require.NoError(t, err)
		assert.True(t, ran)
		assert.Equal(t, "wiped", finish(t, status).OutputValues[tools.ToolOutputName])
	})

	t.Run("rejected", func(t *testing.T) {
		var ran bool
		conv := conversation.New(newFlow(t, &ran), nil)
		status, err := conv.Execute(context.Background())
		require.NoError(t, err)

		confirmation, ok := status.(*conversation.ToolExecutionConfirmationStatus)
		require.True(t, ok)
		require.NoError(t, confirmation.ConfirmToolExecution(conv, confirmation.ToolRequests[0].ToolRequestID, false, "too risky"))

		status, err = conv.Execute(context.Background())
		require.NoError(t, err)
		assert.False(t, ran)
		assert.Equal(t, "Tool execution was rejected by the user: too risky",
			finish(t, status).OutputValues[tools.ToolOutputName])
	})
}

func TestRetryStep(t *testing.T) {
	newFlow := func(inner Step) *Flow {
		return MustNew("retrying",
			WithSteps(
				NewRetryStep("retry", inner, 2, 0),
				NewCompleteStep("ok", "succeeded"),
				NewCompleteStep("bad", "gave_up"),
			),
			WithBeginStep("retry"),
			WithControlFlowEdges(
				ControlFlowEdge{Source: "retry", SourceBranch: BranchSuccess, Destination: "ok"},
				ControlFlowEdge{Source: "retry", SourceBranch: BranchFailure, Destination: "bad"},
			),
		)
	}

	t.Run("succeeds within budget", func(t *testing.T) {
		attempts := 0
		flaky := &testStep{baseStep: baseStep{name: "flaky"}, run: func(context.Context, *StepRun) (*StepResult, error) {
			attempts++
			if attempts < 3 {
				return nil, errors.New("transient")
			}
			return next(nil), nil
		}}

		conv := conversation.New(newFlow(flaky), nil)
		status, err := conv.Execute(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "succeeded", finish(t, status).BranchName)
		assert.Equal(t, 3, attempts)
	})

	t.Run("routes to failure when exhausted", func(t *testing.T) {
		broken := &testStep{baseStep: baseStep{name: "broken"}, run: func(context.Context, *StepRun) (*StepResult, error) {
			return nil, errors.New("permanent")
		}}

		conv := conversation.New(newFlow(broken), nil)
		status, err := conv.Execute(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "gave_up", finish(t, status).BranchName)
	})
}

func doublerFlow(t *testing.T) *Flow {
	t.Helper()
	tool, err := tools.NewServerTool("double", "",
		[]*property.Property{property.Integer("x", "")},
		func(_ context.Context, args map[string]any) (any, error) {
			return args["x"].(int64) * 2, nil
		},
		tools.WithOutputs(property.Integer("doubled", "")),
	)
	require.NoError(t, err)
	return MustNew("double", WithSteps(NewToolExecutionStep("double", tool)))
}

func TestMapStep(t *testing.T) {
	for _, parallel := range []bool{false, true} {
		name := "sequential"
		if parallel {
			name = "parallel"
		}
		t.Run(name, func(t *testing.T) {
			f := MustNew("mapper", WithSteps(NewMapStep("map", doublerFlow(t), parallel)))

			conv := conversation.New(f, map[string]any{MapIteratedInput: []any{1, 2, 3}})
			status, err := conv.Execute(context.Background())
			require.NoError(t, err)

			results, ok := finish(t, status).OutputValues[MapOutput].([]any)
			require.True(t, ok)
			assert.Equal(t, []any{int64(2), int64(4), int64(6)}, results)
		})
	}
}

func TestMapStepRejectsYieldingSubflows(t *testing.T) {
	subflow := MustNew("chatty", WithSteps(NewInputMessageStep("ask", "?")))
	f := MustNew("mapper", WithSteps(NewMapStep("map", subflow, false)))

	conv := conversation.New(f, map[string]any{MapIteratedInput: []any{map[string]any{}}})
	_, err := conv.Execute(context.Background())
	require.ErrorContains(t, err, "must run to completion")
}

func TestChoiceSelectionStep(t *testing.T) {
	newFlow := func(model llm.Model) *Flow {
		return MustNew("triage",
			WithSteps(
				NewChoiceSelectionStep("route", model, []Choice{
					{Branch: "billing", Description: "invoices and payments", Trigger: "where is my invoice"},
					{Branch: "support", Description: "technical problems", Trigger: "the app crashes"},
				}),
				NewCompleteStep("billing_exit", "billing"),
				NewCompleteStep("support_exit", "support"),
				NewCompleteStep("other_exit", "other"),
			),
			WithBeginStep("route"),
			WithControlFlowEdges(
				ControlFlowEdge{Source: "route", SourceBranch: "billing", Destination: "billing_exit"},
				ControlFlowEdge{Source: "route", SourceBranch: "support", Destination: "support_exit"},
				ControlFlowEdge{Source: "route", SourceBranch: BranchDefault, Destination: "other_exit"},
			),
		)
	}

	t.Run("routes on the model's answer", func(t *testing.T) {
		conv := conversation.New(newFlow(&scriptedModel{replies: []string{"billing"}}),
			map[string]any{ChoiceSelectionInput: "where is my invoice"})
		status, err := conv.Execute(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "billing", finish(t, status).BranchName)
	})

	t.Run("routes on a trigger phrase answer", func(t *testing.T) {
		conv := conversation.New(newFlow(&scriptedModel{replies: []string{"the app crashes"}}),
			map[string]any{ChoiceSelectionInput: "it keeps crashing on startup"})
		status, err := conv.Execute(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "support", finish(t, status).BranchName)
	})

	t.Run("falls back to the default branch", func(t *testing.T) {
		conv := conversation.New(newFlow(&scriptedModel{replies: []string{"no idea, sorry"}}),
			map[string]any{ChoiceSelectionInput: "???"})
		status, err := conv.Execute(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "other", finish(t, status).BranchName)
	})
}

func TestPromptExecutionStep(t *testing.T) {
	t.Run("plain text", func(t *testing.T) {
		f := MustNew("ask",
			WithSteps(NewPromptExecutionStep("ask", "Summarize: {{text}}", &scriptedModel{replies: []string{"a summary"}})),
		)

		conv := conversation.New(f, map[string]any{"text": "a very long story"})
		status, err := conv.Execute(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "a summary", finish(t, status).OutputValues[PromptOutput])
		assert.Equal(t, 8, conv.TokenUsage().TotalTokens)
		assert.Empty(t, conv.Messages(), "prompt steps do not touch the history")
	})

	t.Run("structured output", func(t *testing.T) {
		f := MustNew("count",
			WithSteps(NewPromptExecutionStep("count", "How many words: {{text}}",
				&scriptedModel{replies: []string{"7"}},
				WithStructuredOutput(property.Integer("answer", "")),
			)),
		)

		conv := conversation.New(f, map[string]any{"text": "one two three"})
		status, err := conv.Execute(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(7), finish(t, status).OutputValues["answer"])
	})
}

type directionEmbedder struct {
	vectors map[string][]float32
}

func (e *directionEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := e.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0}, nil
}

func TestSearchStep(t *testing.T) {
	schema := datastore.Schema{
		"documents": {
			Name: "documents",
			Properties: map[string]*property.Property{
				"title":     property.String("title", ""),
				"embedding": property.Vector("embedding", ""),
			},
		},
	}
	store := datastore.NewInMemoryDatastore(schema)
	_, err := store.Create(context.Background(), "documents", []map[string]any{
		{"title": "sky", "embedding": []float32{0, 1}},
		{"title": "ground", "embedding": []float32{1, 0}},
	})
	require.NoError(t, err)

	searcher := datastore.NewSearcher(store, schema, nil, []datastore.SearchConfig{{
		Collection: "documents",
		Retriever: datastore.RetrieverConfig{
			Model:  &directionEmbedder{vectors: map[string][]float32{"up": {0, 1}}},
			Metric: datastore.MetricCosine,
			Column: "embedding",
		},
	}})

	f := MustNew("lookup", WithSteps(NewSearchStep("find", searcher, "documents", 1)))

	conv := conversation.New(f, map[string]any{SearchQueryInput: "up"})
	status, err := conv.Execute(context.Background())
	require.NoError(t, err)

	rows, ok := finish(t, status).OutputValues[SearchResultsOutput].([]any)
	require.True(t, ok)
	require.Len(t, rows, 1)
	top := rows[0].(map[string]any)
	values := top["values"].(map[string]any)
	assert.Equal(t, "sky", values["title"])
}
