package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wayflowcore/wayflow-go/pkg/conversation"
	"github.com/wayflowcore/wayflow-go/pkg/datastore"
	"github.com/wayflowcore/wayflow-go/pkg/messages"
	"github.com/wayflowcore/wayflow-go/pkg/serialization"
	"github.com/wayflowcore/wayflow-go/pkg/serving"
)

// echoAssistant replies to every user message with a recap of everything
// the user said so far, then waits for more input. It stands in for an
// LLM-backed agent so server tests stay deterministic.
type echoAssistant struct{}

func (echoAssistant) Name() string        { return "echo-assistant" }
func (echoAssistant) Description() string { return "recaps the conversation" }

func (e echoAssistant) Execute(_ context.Context, conv *conversation.Conversation) (conversation.ExecutionStatus, error) {
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

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	component := echoAssistant{}
	serializer, err := serialization.New(component)
	require.NoError(t, err)
	store := serving.NewConversationStore(
		datastore.NewInMemoryDatastore(serving.TurnSchema(serving.DefaultCollection)),
		serializer, serving.DefaultCollection)

	server := NewServer(component, store, "http://127.0.0.1:0")
	server.Manager().Start()
	t.Cleanup(server.Manager().Stop)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return server, ts
}

func rpc(t *testing.T, ts *httptest.Server, method string, params any) Response {
	t.Helper()
	encoded, err := json.Marshal(params)
	require.NoError(t, err)
	body, err := json.Marshal(Request{JSONRPC: "2.0", ID: 1, Method: method, Params: encoded})
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func taskOf(t *testing.T, resp Response) Task {
	t.Helper()
	require.Nil(t, resp.Error, "rpc error: %+v", resp.Error)
	encoded, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var task Task
	require.NoError(t, json.Unmarshal(encoded, &task))
	return task
}

func userSend(text, taskID, contextID string) MessageSendParams {
	return MessageSendParams{Message: Message{
		Role:      "user",
		Parts:     []Part{TextPart(text)},
		TaskID:    taskID,
		ContextID: contextID,
	}}
}

func awaitState(t *testing.T, ts *httptest.Server, taskID string, want TaskState) Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task := taskOf(t, rpc(t, ts, "tasks/get", TaskQueryParams{ID: taskID}))
		if task.Status.State == want {
			return task
		}
		if task.Status.State.terminal() && want != task.Status.State {
			t.Fatalf("task %s settled in %s while waiting for %s", taskID, task.Status.State, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never reached state %s", taskID, want)
	return Task{}
}

func TestMessageSendHappyPath(t *testing.T) {
	_, ts := newTestServer(t)

	task := taskOf(t, rpc(t, ts, "message/send", userSend("Hi! My name is John", "", "")))
	assert.Equal(t, TaskStateSubmitted, task.Status.State)
	require.NotEmpty(t, task.ID)
	require.NotEmpty(t, task.ContextID)

	settled := awaitState(t, ts, task.ID, TaskStateInputRequired)
	require.GreaterOrEqual(t, len(settled.History), 2)
	assert.Equal(t, "user", settled.History[0].Role)
	assert.Equal(t, "agent", settled.History[len(settled.History)-1].Role)
	assert.Contains(t, settled.History[len(settled.History)-1].Parts[0].Text, "John")
}

func TestContextContinuationRemembersEarlierTurns(t *testing.T) {
	_, ts := newTestServer(t)

	first := taskOf(t, rpc(t, ts, "message/send", userSend("Hi! My name is John", "", "")))
	awaitState(t, ts, first.ID, TaskStateInputRequired)

	// A fresh task in the same context continues from the context's last
	// persisted conversation.
	second := taskOf(t, rpc(t, ts, "message/send", userSend("What is my name?", "", first.ContextID)))
	assert.Equal(t, first.ContextID, second.ContextID)
	settled := awaitState(t, ts, second.ID, TaskStateInputRequired)

	last := settled.History[len(settled.History)-1]
	assert.Contains(t, last.Parts[0].Text, "John")
}

func TestBlockingSendWaitsForWorker(t *testing.T) {
	_, ts := newTestServer(t)

	params := userSend("hello", "", "")
	params.Configuration = &SendConfiguration{Blocking: true}
	task := taskOf(t, rpc(t, ts, "message/send", params))
	assert.Equal(t, TaskStateInputRequired, task.Status.State)
	require.GreaterOrEqual(t, len(task.History), 2)
}

func TestContinueTaskRequiresInputRequired(t *testing.T) {
	_, ts := newTestServer(t)

	params := userSend("hello", "", "")
	params.Configuration = &SendConfiguration{Blocking: true}
	task := taskOf(t, rpc(t, ts, "message/send", params))

	// Continuing an input-required task works.
	followup := userSend("again", task.ID, task.ContextID)
	followup.Configuration = &SendConfiguration{Blocking: true}
	settled := taskOf(t, rpc(t, ts, "message/send", followup))
	assert.Equal(t, TaskStateInputRequired, settled.Status.State)

	// Continuing an unknown task does not.
	resp := rpc(t, ts, "message/send", userSend("again", "no-such-task", ""))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeTaskNotFound, resp.Error.Code)
}

func TestTasksGetUnknownTask(t *testing.T) {
	_, ts := newTestServer(t)
	resp := rpc(t, ts, "tasks/get", TaskQueryParams{ID: "nope"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeTaskNotFound, resp.Error.Code)
}

func TestUnimplementedMethods(t *testing.T) {
	_, ts := newTestServer(t)
	for _, method := range []string{"message/stream", "tasks/resubscribe", "bogus/method"} {
		resp := rpc(t, ts, method, map[string]any{})
		require.NotNil(t, resp.Error, method)
		assert.Equal(t, CodeMethodNotFound, resp.Error.Code, method)
	}
}

func TestTasksCancelInputRequired(t *testing.T) {
	_, ts := newTestServer(t)

	params := userSend("hello", "", "")
	params.Configuration = &SendConfiguration{Blocking: true}
	task := taskOf(t, rpc(t, ts, "message/send", params))

	canceled := taskOf(t, rpc(t, ts, "tasks/cancel", TaskQueryParams{ID: task.ID}))
	assert.Equal(t, TaskStateCanceled, canceled.Status.State)

	// Terminal tasks cannot be cancelled twice.
	resp := rpc(t, ts, "tasks/cancel", TaskQueryParams{ID: task.ID})
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidParams, resp.Error.Code)
}

func TestAgentCardIsServed(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/.well-known/agent-card.json")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var card AgentCard
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&card))
	assert.Equal(t, "echo-assistant", card.Name)
	assert.NotEmpty(t, card.Version)
}

func TestBearerAuthGuardsRoutes(t *testing.T) {
	component := echoAssistant{}
	serializer, err := serialization.New(component)
	require.NoError(t, err)
	store := serving.NewConversationStore(
		datastore.NewInMemoryDatastore(serving.TurnSchema(serving.DefaultCollection)),
		serializer, serving.DefaultCollection)
	server := NewServer(component, store, "http://127.0.0.1:0", WithBearerToken("sesame"))
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/.well-known/agent-card.json")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/.well-known/agent-card.json", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer sesame")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHistoryLengthTruncates(t *testing.T) {
	_, ts := newTestServer(t)

	params := userSend("one", "", "")
	params.Configuration = &SendConfiguration{Blocking: true}
	task := taskOf(t, rpc(t, ts, "message/send", params))
	for _, text := range []string{"two", "three"} {
		followup := userSend(text, task.ID, task.ContextID)
		followup.Configuration = &SendConfiguration{Blocking: true}
		task = taskOf(t, rpc(t, ts, "message/send", followup))
	}
	require.Greater(t, len(task.History), 2)

	got := taskOf(t, rpc(t, ts, "tasks/get", TaskQueryParams{ID: task.ID, HistoryLength: 2}))
	assert.Len(t, got.History, 2)
}

func TestTranslateToolRequestRoundTrip(t *testing.T) {
	msg := messages.ToolRequestMessage("",
		messages.ToolRequest{Name: "weather", Args: map[string]any{"city": "zurich"}, ToolRequestID: "tr-1"})
	translated, err := toProtocolMessage(msg, "task-1", "ctx-1")
	require.NoError(t, err)
	require.Len(t, translated.Parts, 1)
	assert.Equal(t, PartKindData, translated.Parts[0].Kind)
	assert.Equal(t, DataTypeToolRequest, partType(translated.Parts[0]))
	assert.Equal(t, "weather", translated.Parts[0].Data["name"])

	reply := Message{Parts: []Part{{
		Kind:     PartKindData,
		Data:     map[string]any{"tool_request_id": "tr-1", "content": "45"},
		Metadata: map[string]any{"type": DataTypeToolResult},
	}}}
	results := incomingToolResults(reply)
	require.Len(t, results, 1)
	assert.Equal(t, "tr-1", results[0].ToolRequestID)
	assert.Equal(t, "45", results[0].Content)
}

func TestSendWithoutWorkersStaysSubmitted(t *testing.T) {
	component := echoAssistant{}
	serializer, err := serialization.New(component)
	require.NoError(t, err)
	store := serving.NewConversationStore(
		datastore.NewInMemoryDatastore(serving.TurnSchema(serving.DefaultCollection)),
		serializer, serving.DefaultCollection)
	server := NewServer(component, store, "http://127.0.0.1:0")

	// Workers never started: the task is queued but nothing runs it.
	task, rpcErr := server.Manager().Send(userSend("hello", "", ""))
	require.Nil(t, rpcErr)
	assert.Equal(t, TaskStateSubmitted, task.Status.State)

	got, rpcErr := server.Manager().Get(TaskQueryParams{ID: task.ID})
	require.Nil(t, rpcErr)
	assert.Equal(t, TaskStateSubmitted, got.Status.State)
}
