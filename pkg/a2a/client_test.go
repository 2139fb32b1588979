package a2a

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wayflowcore/wayflow-go/pkg/conversation"
	"github.com/wayflowcore/wayflow-go/pkg/datastore"
	"github.com/wayflowcore/wayflow-go/pkg/messages"
	"github.com/wayflowcore/wayflow-go/pkg/serialization"
	"github.com/wayflowcore/wayflow-go/pkg/serving"
)

func newRemoteAgent(t *testing.T) *RemoteAgent {
	t.Helper()
	_, ts := newTestServer(t)
	remote, err := NewRemoteAgent("remote-echo", ts.URL)
	require.NoError(t, err)
	return remote
}

func TestRemoteAgentRoundTrip(t *testing.T) {
	remote := newRemoteAgent(t)

	conv := conversation.New(remote, nil)
	conv.AppendMessage(messages.UserMessage("Hi! My name is John"))

	status, err := conv.Execute(context.Background())
	require.NoError(t, err)
	request, ok := status.(*conversation.UserMessageRequestStatus)
	require.True(t, ok)

	reply := conv.LastMessage()
	require.Equal(t, messages.TypeAgent, reply.Type)
	assert.Contains(t, reply.TextValue(), "John")
	assert.Equal(t, "remote-echo", reply.Sender)

	// The follow-up turn continues the same remote task.
	request.SubmitUserMessage(conv, "What is my name?")
	status, err = conv.Execute(context.Background())
	require.NoError(t, err)
	require.IsType(t, &conversation.UserMessageRequestStatus{}, status)
	assert.Contains(t, conv.LastMessage().TextValue(), "John")

	taskID, contextID := lastRemoteIDs(conv)
	assert.NotEmpty(t, taskID)
	assert.NotEmpty(t, contextID)
}

func TestRemoteAgentWithoutUserMessageFails(t *testing.T) {
	remote := newRemoteAgent(t)
	conv := conversation.New(remote, nil)

	_, err := conv.Execute(context.Background())
	require.Error(t, err)
}

func TestRemoteAgentFetchesCard(t *testing.T) {
	_, ts := newTestServer(t)
	remote, err := NewRemoteAgent("remote-echo", ts.URL)
	require.NoError(t, err)

	card, err := remote.FetchAgentCard(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "echo-assistant", card.Name)
}

func TestRemoteAgentBearerToken(t *testing.T) {
	ts := newAuthedServer(t, echoAssistant{}, "sesame")

	denied, err := NewRemoteAgent("remote-echo", ts.URL)
	require.NoError(t, err)
	_, err = denied.FetchAgentCard(context.Background())
	require.Error(t, err)

	allowed, err := NewRemoteAgent("remote-echo", ts.URL, RemoteWithBearerToken("sesame"))
	require.NoError(t, err)
	card, err := allowed.FetchAgentCard(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "echo-assistant", card.Name)
}

func newAuthedServer(t *testing.T, component conversation.Component, token string) *httptest.Server {
	t.Helper()
	serializer, err := serialization.New(component)
	require.NoError(t, err)
	store := serving.NewConversationStore(
		datastore.NewInMemoryDatastore(serving.TurnSchema(serving.DefaultCollection)),
		serializer, serving.DefaultCollection)
	server := NewServer(component, store, "http://127.0.0.1:0", WithBearerToken(token))
	server.Manager().Start()
	t.Cleanup(server.Manager().Stop)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts
}
