package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wayflowcore/wayflow-go/pkg/conversation"
	"github.com/wayflowcore/wayflow-go/pkg/httpclient"
	"github.com/wayflowcore/wayflow-go/pkg/messages"
)

// Metadata keys stamped on messages mirrored from a remote agent. The ids
// travel with the history, so a restored conversation continues the same
// remote task without extra state.
const (
	metaRemoteMessageID = "a2a_message_id"
	metaRemoteTaskID    = "a2a_task_id"
	metaRemoteContextID = "a2a_context_id"
)

// remotePollInterval paces tasks/get polling when a blocking send returns
// before the task settles.
const remotePollInterval = 500 * time.Millisecond

// RemoteAgent drives conversations against an agent served elsewhere over
// the A2A protocol. It implements conversation.Component: each Execute call
// sends the newest user message as one task turn and mirrors the remote
// agent's replies into the local history.
type RemoteAgent struct {
	name        string
	url         string
	description string
	token       string
	client      *httpclient.Client
}

type RemoteAgentOption func(*RemoteAgent)

// RemoteWithBearerToken authenticates every request to the remote server.
func RemoteWithBearerToken(token string) RemoteAgentOption {
	return func(r *RemoteAgent) { r.token = token }
}

func RemoteWithDescription(description string) RemoteAgentOption {
	return func(r *RemoteAgent) { r.description = description }
}

func RemoteWithHTTPClient(client *httpclient.Client) RemoteAgentOption {
	return func(r *RemoteAgent) { r.client = client }
}

func NewRemoteAgent(name, url string, opts ...RemoteAgentOption) (*RemoteAgent, error) {
	if name == "" {
		return nil, fmt.Errorf("remote agent needs a name")
	}
	if url == "" {
		return nil, fmt.Errorf("remote agent %q needs a server url", name)
	}
	r := &RemoteAgent{
		name:        name,
		url:         strings.TrimSuffix(url, "/"),
		description: fmt.Sprintf("remote agent at %s", url),
		client:      httpclient.New(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *RemoteAgent) Name() string        { return r.name }
func (r *RemoteAgent) Description() string { return r.description }

// FetchAgentCard retrieves the remote server's agent card.
func (r *RemoteAgent) FetchAgentCard(ctx context.Context) (AgentCard, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url+"/.well-known/agent-card.json", nil)
	if err != nil {
		return AgentCard{}, err
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return AgentCard{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return AgentCard{}, fmt.Errorf("agent card request returned %d", resp.StatusCode)
	}
	var card AgentCard
	if err := json.NewDecoder(resp.Body).Decode(&card); err != nil {
		return AgentCard{}, fmt.Errorf("decoding agent card: %w", err)
	}
	return card, nil
}

// Execute sends the newest user message to the remote agent and maps the
// resulting task state onto an execution status.
func (r *RemoteAgent) Execute(ctx context.Context, conv *conversation.Conversation) (conversation.ExecutionStatus, error) {
	conv.ConsumePendingUserMessage()
	outgoing := lastUserText(conv)
	if outgoing == "" {
		return nil, fmt.Errorf("remote agent %q has no user message to send", r.name)
	}
	taskID, contextID := lastRemoteIDs(conv)

	params := MessageSendParams{
		Message: Message{
			MessageID: uuid.NewString(),
			Role:      "user",
			Parts:     []Part{TextPart(outgoing)},
			TaskID:    taskID,
			ContextID: contextID,
		},
		Configuration: &SendConfiguration{Blocking: true},
	}
	task, err := r.send(ctx, params)
	if err != nil {
		return nil, err
	}
	task, err = r.awaitSettled(ctx, task)
	if err != nil {
		return nil, err
	}

	r.mirrorHistory(conv, task)

	switch task.Status.State {
	case TaskStateInputRequired:
		return conv.NewUserMessageRequestStatus(), nil
	case TaskStateCompleted:
		return conv.NewFinishedStatus(nil, ""), nil
	case TaskStateCanceled:
		return conv.NewInterruptedStatus("remote task canceled"), nil
	default:
		return nil, fmt.Errorf("remote task %s settled in state %q", task.ID, task.Status.State)
	}
}

func (r *RemoteAgent) send(ctx context.Context, params MessageSendParams) (Task, error) {
	var task Task
	if err := r.rpc(ctx, "message/send", params, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// awaitSettled polls tasks/get until the task leaves the submitted and
// working states. A blocking send usually settles server-side; polling
// covers servers that time out the wait.
func (r *RemoteAgent) awaitSettled(ctx context.Context, task Task) (Task, error) {
	for task.Status.State == TaskStateSubmitted || task.Status.State == TaskStateWorking {
		select {
		case <-ctx.Done():
			return Task{}, ctx.Err()
		case <-time.After(remotePollInterval):
		}
		if err := r.rpc(ctx, "tasks/get", TaskQueryParams{ID: task.ID}, &task); err != nil {
			return Task{}, err
		}
	}
	return task, nil
}

// mirrorHistory appends remote agent replies the local history has not seen
// yet, stamped with the remote ids for the next turn.
func (r *RemoteAgent) mirrorHistory(conv *conversation.Conversation, task Task) {
	seen := map[string]bool{}
	for _, msg := range conv.Messages() {
		if id, ok := msg.Metadata[metaRemoteMessageID].(string); ok {
			seen[id] = true
		}
	}
	for _, msg := range task.History {
		if msg.Role != "agent" || seen[msg.MessageID] {
			continue
		}
		text := incomingText(msg)
		if text == "" {
			continue
		}
		conv.AppendMessage(messages.MustNew(messages.Message{
			Role:     messages.RoleAssistant,
			Contents: []messages.Content{messages.TextContent(text)},
			Sender:   r.name,
			Metadata: map[string]any{
				metaRemoteMessageID: msg.MessageID,
				metaRemoteTaskID:    task.ID,
				metaRemoteContextID: task.ContextID,
			},
		}))
	}
}

func (r *RemoteAgent) rpc(ctx context.Context, method string, params, result any) error {
	encoded, err := json.Marshal(params)
	if err != nil {
		return err
	}
	body, err := json.Marshal(Request{JSONRPC: "2.0", ID: uuid.NewString(), Method: method, Params: encoded})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url+"/", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned HTTP %d", method, resp.StatusCode)
	}

	var envelope Response
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decoding %s response: %w", method, err)
	}
	if envelope.Error != nil {
		return fmt.Errorf("%s failed: %d %s", method, envelope.Error.Code, envelope.Error.Message)
	}
	encoded, err = json.Marshal(envelope.Result)
	if err != nil {
		return err
	}
	return json.Unmarshal(encoded, result)
}

func lastUserText(conv *conversation.Conversation) string {
	msgs := conv.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Type == messages.TypeUser {
			return msgs[i].TextValue()
		}
	}
	return ""
}

func lastRemoteIDs(conv *conversation.Conversation) (taskID, contextID string) {
	msgs := conv.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		meta := msgs[i].Metadata
		if meta == nil {
			continue
		}
		task, _ := meta[metaRemoteTaskID].(string)
		context, _ := meta[metaRemoteContextID].(string)
		if task != "" || context != "" {
			return task, context
		}
	}
	return "", ""
}
