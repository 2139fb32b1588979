package a2a

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wayflowcore/wayflow-go/pkg/conversation"
	"github.com/wayflowcore/wayflow-go/pkg/messages"
	"github.com/wayflowcore/wayflow-go/pkg/serving"
)

// BlockingRequestsMaxTime caps how long a blocking message/send waits for
// the worker before replying with an internal error.
const BlockingRequestsMaxTime = 10 * time.Second

// MetadataPrioritizeTask selects, for continuations, the task's own stored
// conversation over the context's latest one.
const MetadataPrioritizeTask = "prioritize_task"

// taskRecord tracks one task and the notifier of its in-flight run.
type taskRecord struct {
	task            Task
	cancelRequested bool

	// done is closed by the worker when the current run settles. A new
	// channel is installed every time the task re-enters the queue.
	done chan struct{}
}

type runRequest struct {
	taskID   string
	message  Message
	metadata map[string]any
}

// Manager owns the task table and the broker queue, and maps executor
// suspensions onto task state transitions.
type Manager struct {
	component conversation.Component
	store     *serving.ConversationStore

	mu    sync.Mutex
	tasks map[string]*taskRecord

	queue   chan runRequest
	workers int
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

func NewManager(component conversation.Component, store *serving.ConversationStore, workers int) *Manager {
	if workers <= 0 {
		workers = 4
	}
	return &Manager{
		component: component,
		store:     store,
		tasks:     make(map[string]*taskRecord),
		queue:     make(chan runRequest, 64),
		workers:   workers,
	}
}

// Start launches the worker pool. Stop drains it.
func (m *Manager) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case req := <-m.queue:
					m.runTask(ctx, req)
				}
			}
		}()
	}
}

func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Send implements message/send: it creates or continues a task, hands it to
// the broker, and waits for the run when blocking is requested.
func (m *Manager) Send(params MessageSendParams) (Task, *RPCError) {
	msg := params.Message
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}

	m.mu.Lock()
	var rec *taskRecord
	if msg.TaskID == "" {
		rec = m.submitTask(msg)
	} else {
		existing, ok := m.tasks[msg.TaskID]
		if !ok {
			m.mu.Unlock()
			return Task{}, &RPCError{Code: CodeTaskNotFound, Message: fmt.Sprintf("task %q not found", msg.TaskID)}
		}
		if existing.task.Status.State != TaskStateInputRequired {
			m.mu.Unlock()
			return Task{}, &RPCError{
				Code:    CodeInvalidParams,
				Message: fmt.Sprintf("task %q is %s, only input-required tasks accept messages", msg.TaskID, existing.task.Status.State),
			}
		}
		existing.task.Status = TaskStatus{State: TaskStateSubmitted, Timestamp: nowTimestamp()}
		existing.task.History = append(existing.task.History, msg)
		existing.done = make(chan struct{})
		rec = existing
	}
	done := rec.done
	task := cloneTask(rec.task)
	m.mu.Unlock()

	m.queue <- runRequest{taskID: task.ID, message: msg, metadata: params.Metadata}

	if params.Configuration == nil || !params.Configuration.Blocking {
		return task, nil
	}

	select {
	case <-done:
		m.mu.Lock()
		task = cloneTask(m.tasks[task.ID].task)
		m.mu.Unlock()
		return task, nil
	case <-time.After(BlockingRequestsMaxTime):
		return Task{}, &RPCError{Code: CodeInternalError, Message: fmt.Sprintf("task %q did not settle within %s", task.ID, BlockingRequestsMaxTime)}
	}
}

// submitTask stores a fresh task in state submitted. Caller holds the lock.
func (m *Manager) submitTask(msg Message) *taskRecord {
	contextID := msg.ContextID
	if contextID == "" {
		contextID = uuid.NewString()
	}
	rec := &taskRecord{
		task: Task{
			ID:        uuid.NewString(),
			ContextID: contextID,
			Kind:      "task",
			Status:    TaskStatus{State: TaskStateSubmitted, Timestamp: nowTimestamp()},
			History:   []Message{msg},
		},
		done: make(chan struct{}),
	}
	rec.task.History[0].TaskID = rec.task.ID
	rec.task.History[0].ContextID = contextID
	m.tasks[rec.task.ID] = rec
	return rec
}

// Get implements tasks/get.
func (m *Manager) Get(params TaskQueryParams) (Task, *RPCError) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tasks[params.ID]
	if !ok {
		return Task{}, &RPCError{Code: CodeTaskNotFound, Message: fmt.Sprintf("task %q not found", params.ID)}
	}
	task := cloneTask(rec.task)
	if params.HistoryLength > 0 && len(task.History) > params.HistoryLength {
		task.History = task.History[len(task.History)-params.HistoryLength:]
	}
	return task, nil
}

// Cancel implements tasks/cancel cooperatively: a queued task cancels
// before it runs, a running task cancels after its current executor turn.
func (m *Manager) Cancel(params TaskQueryParams) (Task, *RPCError) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tasks[params.ID]
	if !ok {
		return Task{}, &RPCError{Code: CodeTaskNotFound, Message: fmt.Sprintf("task %q not found", params.ID)}
	}
	if rec.task.Status.State.terminal() {
		return Task{}, &RPCError{Code: CodeInvalidParams, Message: fmt.Sprintf("task %q is already %s", params.ID, rec.task.Status.State)}
	}
	rec.cancelRequested = true
	if rec.task.Status.State == TaskStateInputRequired {
		// Nothing is running; settle immediately.
		rec.task.Status = TaskStatus{State: TaskStateCanceled, Timestamp: nowTimestamp()}
	}
	return cloneTask(rec.task), nil
}

// runTask is the worker body: load or create the conversation, feed it the
// incoming message, run the executor, translate what came out, persist.
func (m *Manager) runTask(ctx context.Context, req runRequest) {
	m.mu.Lock()
	rec, ok := m.tasks[req.taskID]
	if !ok {
		m.mu.Unlock()
		return
	}
	done := rec.done
	defer close(done)
	if rec.cancelRequested {
		rec.task.Status = TaskStatus{State: TaskStateCanceled, Timestamp: nowTimestamp()}
		task := cloneTask(rec.task)
		m.mu.Unlock()
		m.persist(ctx, task, nil)
		return
	}
	rec.task.Status = TaskStatus{State: TaskStateWorking, Timestamp: nowTimestamp()}
	task := cloneTask(rec.task)
	m.mu.Unlock()

	conv, err := m.loadConversation(ctx, task, req.metadata)
	if err == nil {
		err = m.feedMessage(conv, req.message)
	}

	var status conversation.ExecutionStatus
	var newMessages []*messages.Message
	if err == nil {
		before := len(conv.Messages())
		status, err = conv.Execute(ctx)
		if conv != nil {
			newMessages = conv.Messages()[before:]
		}
	}

	m.mu.Lock()
	for _, msg := range newMessages {
		if !visibleToCaller(msg) {
			continue
		}
		translated, terr := toProtocolMessage(msg, task.ID, task.ContextID)
		if terr != nil {
			slog.Warn("dropping untranslatable message from task history", "task", task.ID, "error", terr)
			continue
		}
		rec.task.History = append(rec.task.History, translated)
	}
	switch {
	case err != nil:
		slog.Error("task execution failed", "task", task.ID, "error", err)
		rec.task.Status = TaskStatus{State: TaskStateFailed, Timestamp: nowTimestamp()}
		if rec.task.Metadata == nil {
			rec.task.Metadata = map[string]any{}
		}
		rec.task.Metadata["error"] = err.Error()
	case rec.cancelRequested:
		rec.task.Status = TaskStatus{State: TaskStateCanceled, Timestamp: nowTimestamp()}
	default:
		rec.task.Status = TaskStatus{State: stateForStatus(status), Timestamp: nowTimestamp()}
	}
	task = cloneTask(rec.task)
	m.mu.Unlock()

	m.persist(ctx, task, conv)
}

func stateForStatus(status conversation.ExecutionStatus) TaskState {
	switch status.(type) {
	case *conversation.FinishedStatus:
		return TaskStateCompleted
	case *conversation.UserMessageRequestStatus,
		*conversation.ToolRequestStatus,
		*conversation.ToolExecutionConfirmationStatus:
		return TaskStateInputRequired
	default:
		return TaskStateFailed
	}
}

// loadConversation resolves which stored conversation this turn continues.
// By default the context's latest turn wins; metadata.prioritize_task
// selects the task's own conversation instead.
func (m *Manager) loadConversation(ctx context.Context, task Task, metadata map[string]any) (*conversation.Conversation, error) {
	if m.store != nil {
		prioritize, _ := metadata[MetadataPrioritizeTask].(bool)
		if prioritize {
			conv, _, err := m.store.LoadTurn(ctx, task.ID)
			if err != nil {
				return nil, err
			}
			if conv != nil {
				return conv, nil
			}
		}
		conv, _, _, err := m.store.LoadLastTurn(ctx, task.ContextID)
		if err != nil {
			return nil, err
		}
		if conv != nil {
			return conv, nil
		}
	}
	return conversation.New(m.component, nil), nil
}

// feedMessage routes the incoming protocol message into the conversation
// according to what the conversation is waiting for.
func (m *Manager) feedMessage(conv *conversation.Conversation, msg Message) error {
	text := incomingText(msg)
	switch status := conv.Status().(type) {
	case *conversation.UserMessageRequestStatus:
		status.SubmitUserMessage(conv, text)
		return nil
	case *conversation.ToolRequestStatus:
		results := incomingToolResults(msg)
		if len(results) == 0 {
			return fmt.Errorf("conversation %s awaits tool results but the message carries none", conv.ID)
		}
		return status.SubmitToolResults(conv, results...)
	case *conversation.ToolExecutionConfirmationStatus:
		return feedConfirmations(conv, status, msg)
	default:
		if text != "" {
			conv.AppendMessage(messages.UserMessage(text))
		}
		return nil
	}
}

func feedConfirmations(conv *conversation.Conversation, status *conversation.ToolExecutionConfirmationStatus, msg Message) error {
	fed := false
	for _, part := range msg.Parts {
		if part.Kind != PartKindData {
			continue
		}
		id, _ := part.Data["tool_request_id"].(string)
		approved, _ := part.Data["confirmed"].(bool)
		reason, _ := part.Data["rejection_reason"].(string)
		if id == "" {
			continue
		}
		if err := status.ConfirmToolExecution(conv, id, approved, reason); err != nil {
			return err
		}
		fed = true
	}
	if !fed {
		return fmt.Errorf("conversation %s awaits confirmation decisions but the message carries none", conv.ID)
	}
	return nil
}

func (m *Manager) persist(ctx context.Context, task Task, conv *conversation.Conversation) {
	if m.store == nil || conv == nil {
		return
	}
	extra := map[string]any{
		"state":   string(task.Status.State),
		"history": task.History,
	}
	if err := m.store.SaveTurn(ctx, m.component.Name(), task.ContextID, task.ID, conv, extra); err != nil {
		slog.Error("persisting conversation turn failed", "task", task.ID, "error", err)
	}
}

func cloneTask(task Task) Task {
	clone := task
	clone.History = append([]Message(nil), task.History...)
	clone.Artifacts = append([]Artifact(nil), task.Artifacts...)
	if task.Metadata != nil {
		clone.Metadata = make(map[string]any, len(task.Metadata))
		for k, v := range task.Metadata {
			clone.Metadata[k] = v
		}
	}
	return clone
}
