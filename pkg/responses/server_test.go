package responses

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wayflowcore/wayflow-go/pkg/conversation"
	"github.com/wayflowcore/wayflow-go/pkg/datastore"
	"github.com/wayflowcore/wayflow-go/pkg/messages"
	"github.com/wayflowcore/wayflow-go/pkg/serialization"
	"github.com/wayflowcore/wayflow-go/pkg/serving"
)

// echoModel replies with a recap of everything the user said so far, then
// waits for the next user message.
type echoModel struct{}

func (echoModel) Name() string        { return "echo-model" }
func (echoModel) Description() string { return "recaps the conversation" }

func (echoModel) Execute(_ context.Context, conv *conversation.Conversation) (conversation.ExecutionStatus, error) {
	conv.ConsumePendingUserMessage()
	var said []string
	for _, msg := range conv.Messages() {
		if msg.Type == messages.TypeUser {
			said = append(said, msg.TextValue())
		}
	}
	conv.AppendMessage(messages.AgentMessage("You said: " + strings.Join(said, " | ")))
	return conv.NewUserMessageRequestStatus(), nil
}

// weatherModel asks the caller to run one client tool, then reports its
// result.
type weatherModel struct{}

func (weatherModel) Name() string        { return "weather-model" }
func (weatherModel) Description() string { return "asks for a forecast lookup" }

func (weatherModel) Execute(_ context.Context, conv *conversation.Conversation) (conversation.ExecutionStatus, error) {
	conv.ConsumePendingUserMessage()
	last := conv.LastMessage()
	if last != nil && last.Type == messages.TypeToolResult {
		conv.AppendMessage(messages.AgentMessage(fmt.Sprintf("forecast: %v", last.ToolResult.Content)))
		return conv.NewFinishedStatus(nil, ""), nil
	}
	request := messages.ToolRequest{
		Name:          "get_weather",
		Args:          map[string]any{"city": "zurich"},
		ToolRequestID: "call-1",
	}
	conv.AppendMessage(messages.ToolRequestMessage("", request))
	return conv.NewToolRequestStatus([]messages.ToolRequest{request}), nil
}

// chunkedModel streams its reply as chunks before appending it.
type chunkedModel struct{}

func (chunkedModel) Name() string        { return "chunked-model" }
func (chunkedModel) Description() string { return "streams a fixed reply" }

func (chunkedModel) Execute(_ context.Context, conv *conversation.Conversation) (conversation.ExecutionStatus, error) {
	conv.ConsumePendingUserMessage()
	msg := messages.AgentMessage("hello world")
	conv.Emit(&conversation.StreamChunkEvent{ConversationID: conv.ID, Chunk: messages.StreamChunk{Type: messages.StartChunk}})
	for _, delta := range []string{"hello ", "world"} {
		conv.Emit(&conversation.StreamChunkEvent{ConversationID: conv.ID, Chunk: messages.StreamChunk{Type: messages.TextChunk, Delta: delta}})
	}
	conv.Emit(&conversation.StreamChunkEvent{ConversationID: conv.ID, Chunk: messages.StreamChunk{Type: messages.EndChunk, Message: msg}})
	conv.AppendMessage(msg)
	return conv.NewFinishedStatus(nil, ""), nil
}

func newTestServer(t *testing.T, opts ...ServerOption) *httptest.Server {
	t.Helper()
	components := []conversation.Component{echoModel{}, weatherModel{}, chunkedModel{}}
	serializer, err := serialization.New(components...)
	require.NoError(t, err)
	store := serving.NewConversationStore(
		datastore.NewInMemoryDatastore(serving.TurnSchema(serving.DefaultCollection)),
		serializer, serving.DefaultCollection)

	server := NewServer(store, components, opts...)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func createResponse(t *testing.T, ts *httptest.Server, req CreateResponse) Response {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/v1/responses", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestModelsList(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/v1/models")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list ModelList
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Equal(t, "list", list.Object)
	require.Len(t, list.Data, 3)
	assert.Equal(t, "echo-model", list.Data[0].ID)
}

func TestCreateResponseWithStringInput(t *testing.T) {
	ts := newTestServer(t)

	out := createResponse(t, ts, CreateResponse{Model: "echo-model", Input: Input{Text: "Hi! My name is John"}})
	assert.Equal(t, StatusCompleted, out.Status)
	assert.NotEmpty(t, out.ID)
	require.Len(t, out.Output, 1)
	assert.Equal(t, "message", out.Output[0].Type)
	assert.Contains(t, out.Output[0].Content[0].Text, "John")
}

func TestPreviousResponseIDChainsConversations(t *testing.T) {
	ts := newTestServer(t)

	first := createResponse(t, ts, CreateResponse{Model: "echo-model", Input: Input{Text: "Hi! My name is John"}})
	second := createResponse(t, ts, CreateResponse{
		Model:              "echo-model",
		Input:              Input{Text: "What is my name?"},
		PreviousResponseID: first.ID,
	})
	assert.Equal(t, StatusCompleted, second.Status)
	assert.Equal(t, first.ID, second.PreviousResponseID)
	require.Len(t, second.Output, 1)
	assert.Contains(t, second.Output[0].Content[0].Text, "John")
}

func TestUnknownModelRejected(t *testing.T) {
	ts := newTestServer(t)

	body := []byte(`{"model":"no-such-model","input":"hi"}`)
	resp, err := http.Post(ts.URL+"/v1/responses", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUnknownPreviousResponseRejected(t *testing.T) {
	ts := newTestServer(t)

	body := []byte(`{"model":"echo-model","input":"hi","previous_response_id":"resp_missing"}`)
	resp, err := http.Post(ts.URL+"/v1/responses", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClientToolRoundTrip(t *testing.T) {
	ts := newTestServer(t)

	first := createResponse(t, ts, CreateResponse{Model: "weather-model", Input: Input{Text: "weather in zurich?"}})
	assert.Equal(t, StatusCompleted, first.Status)
	require.Len(t, first.Output, 1)
	call := first.Output[0]
	assert.Equal(t, "function_call", call.Type)
	assert.Equal(t, "get_weather", call.Name)
	assert.Equal(t, "call-1", call.CallID)
	assert.Contains(t, call.Arguments, "zurich")

	second := createResponse(t, ts, CreateResponse{
		Model: "weather-model",
		Input: Input{Items: []InputItem{{
			Type:   "function_call_output",
			CallID: "call-1",
			Output: "sunny, 24C",
		}}},
		PreviousResponseID: first.ID,
	})
	assert.Equal(t, StatusCompleted, second.Status)
	require.Len(t, second.Output, 1)
	assert.Contains(t, second.Output[0].Content[0].Text, "sunny")
}

func TestGetAndDeleteResponse(t *testing.T) {
	ts := newTestServer(t)

	created := createResponse(t, ts, CreateResponse{Model: "echo-model", Input: Input{Text: "hello"}})

	resp, err := http.Get(ts.URL + "/v1/responses/" + created.ID)
	require.NoError(t, err)
	var fetched Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&fetched))
	resp.Body.Close()
	assert.Equal(t, created.ID, fetched.ID)
	assert.Equal(t, StatusCompleted, fetched.Status)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/v1/responses/"+created.ID, nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/v1/responses/" + created.ID)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelUnknownResponse(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/v1/responses/resp_missing/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStoreFalseSkipsPersistence(t *testing.T) {
	ts := newTestServer(t)

	noStore := false
	created := createResponse(t, ts, CreateResponse{Model: "echo-model", Input: Input{Text: "hi"}, Store: &noStore})
	assert.Equal(t, StatusCompleted, created.Status)

	resp, err := http.Get(ts.URL + "/v1/responses/" + created.ID)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

type sseFrame struct {
	event string
	data  StreamEvent
}

func readStream(t *testing.T, body *bufio.Scanner) []sseFrame {
	t.Helper()
	var frames []sseFrame
	var current sseFrame
	for body.Scan() {
		line := body.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &current.data))
			frames = append(frames, current)
			current = sseFrame{}
		}
	}
	return frames
}

func TestStreamingEmitsSequencedEvents(t *testing.T) {
	ts := newTestServer(t)

	body := []byte(`{"model":"chunked-model","input":"hi","stream":true}`)
	resp, err := http.Post(ts.URL+"/v1/responses", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	frames := readStream(t, bufio.NewScanner(resp.Body))
	require.NotEmpty(t, frames)

	assert.Equal(t, EventResponseCreated, frames[0].event)
	for i, frame := range frames {
		assert.Equal(t, i, frame.data.SequenceNumber)
		assert.Equal(t, frame.event, frame.data.Type)
	}

	var deltas string
	for _, frame := range frames {
		if frame.event == EventOutputTextDelta {
			deltas += frame.data.Delta
		}
	}
	assert.Equal(t, "hello world", deltas)

	last := frames[len(frames)-1]
	assert.Equal(t, EventResponseCompleted, last.event)
	require.NotNil(t, last.data.Response)
	assert.Equal(t, StatusCompleted, last.data.Response.Status)
	require.Len(t, last.data.Response.Output, 1)
	assert.Equal(t, "hello world", last.data.Response.Output[0].Content[0].Text)
}

func TestBearerTokenProtectsRoutes(t *testing.T) {
	ts := newTestServer(t, WithBearerToken("sesame"))

	resp, err := http.Get(ts.URL + "/v1/models")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/models", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer sesame")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
