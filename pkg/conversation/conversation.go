// Package conversation holds the runtime state of a component execution:
// its message history, component-specific state, the status it last yielded
// with, and the machinery to resume it with externally submitted input.
package conversation

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/wayflowcore/wayflow-go/pkg/mcp"
	"github.com/wayflowcore/wayflow-go/pkg/messages"
)

// Component is anything a conversation can drive: a flow, an agent, a
// swarm, or a manager-workers ensemble. Execute advances the conversation
// until the next yield condition or terminal state and returns the status
// describing why it stopped.
type Component interface {
	Name() string
	Description() string
	Execute(ctx context.Context, conv *Conversation) (ExecutionStatus, error)
}

// Conversation owns the state of one dialogue with a component. It is
// mutated only by the task currently executing it; other tasks observe
// progress through events and the returned statuses.
type Conversation struct {
	ID        string
	Component Component
	Inputs    map[string]any

	// State is component-specific execution state (the flow's current step
	// and io values, the agent's iteration counter, ...).
	State any

	messageList      []*messages.Message
	status           ExecutionStatus
	tokenUsage       messages.TokenUsage
	subconversations []*Conversation

	listeners  []EventListener
	interrupts []ExecutionInterrupt

	// Submitted-input staging, consumed by the component on the next
	// Execute call.
	pendingUserMessage   bool
	pendingConfirmations []messages.ToolRequest
	pendingAuthResolved  bool
	pendingAuthCancelled bool
}

// Option configures a new conversation.
type Option func(*Conversation)

// WithInterrupts installs execution interrupts checked before every step.
func WithInterrupts(interrupts ...ExecutionInterrupt) Option {
	return func(c *Conversation) { c.interrupts = append(c.interrupts, interrupts...) }
}

// WithListener subscribes to execution events.
func WithListener(listener EventListener) Option {
	return func(c *Conversation) { c.listeners = append(c.listeners, listener) }
}

// WithMessages seeds the history, for resumed conversations.
func WithMessages(history []*messages.Message) Option {
	return func(c *Conversation) { c.messageList = append(c.messageList, history...) }
}

// WithID fixes the conversation id, for resumed conversations.
func WithID(id string) Option {
	return func(c *Conversation) { c.ID = id }
}

func New(component Component, inputs map[string]any, opts ...Option) *Conversation {
	conv := &Conversation{
		ID:        uuid.NewString(),
		Component: component,
		Inputs:    inputs,
	}
	for _, opt := range opts {
		opt(conv)
	}
	return conv
}

// Execute advances the conversation until the component yields or finishes.
// The returned status is also stored on the conversation.
func (c *Conversation) Execute(ctx context.Context) (ExecutionStatus, error) {
	if c.pendingAuthCancelled {
		c.pendingAuthCancelled = false
		var serverURL string
		if auth, ok := c.status.(*AuthChallengeStatus); ok && auth.pending != nil {
			serverURL = auth.pending.ServerURL()
		}
		c.status = nil
		return nil, &OAuthCancelledError{ServerURL: serverURL}
	}

	status, err := c.Component.Execute(ctx, c)
	if err != nil {
		return nil, err
	}
	if status == nil {
		return nil, fmt.Errorf("component %q returned no execution status", c.Component.Name())
	}
	c.status = status
	return status, nil
}

// Status returns the status of the last Execute call, nil before the first.
func (c *Conversation) Status() ExecutionStatus { return c.status }

// RestoreStatus reinstalls a status on a conversation rebuilt from storage.
// The status must have been produced through this conversation's
// constructors.
func (c *Conversation) RestoreStatus(status ExecutionStatus) { c.status = status }

// Messages returns the history. The slice is shared; callers must not
// modify it.
func (c *Conversation) Messages() []*messages.Message { return c.messageList }

// AppendMessage adds one message to the history and notifies listeners.
func (c *Conversation) AppendMessage(msg *messages.Message) {
	c.messageList = append(c.messageList, msg)
	c.Emit(&MessageAppendedEvent{ConversationID: c.ID, Message: msg})
}

// LastMessage returns the newest message, nil on an empty history.
func (c *Conversation) LastMessage() *messages.Message {
	if len(c.messageList) == 0 {
		return nil
	}
	return c.messageList[len(c.messageList)-1]
}

// TokenUsage returns the usage accumulated across all LLM calls of this
// conversation and its subconversations.
func (c *Conversation) TokenUsage() messages.TokenUsage { return c.tokenUsage }

// AddTokenUsage accumulates usage from one LLM call.
func (c *Conversation) AddTokenUsage(usage messages.TokenUsage) {
	c.tokenUsage.Add(usage)
}

// Subconversations lists conversations spawned by sub-components (sub-flows,
// swarm recipients, map branches).
func (c *Conversation) Subconversations() []*Conversation { return c.subconversations }

// Find returns the conversation with the given id in this conversation's
// tree, or nil.
func (c *Conversation) Find(id string) *Conversation {
	if c.ID == id {
		return c
	}
	for _, sub := range c.subconversations {
		if found := sub.Find(id); found != nil {
			return found
		}
	}
	return nil
}

// NewSubconversation creates a child conversation sharing this
// conversation's listeners, and tracks it.
func (c *Conversation) NewSubconversation(component Component, inputs map[string]any, opts ...Option) *Conversation {
	sub := New(component, inputs, opts...)
	sub.listeners = append(sub.listeners, c.listeners...)
	c.subconversations = append(c.subconversations, sub)
	return sub
}

// AddListener subscribes to execution events after construction, for
// conversations restored from storage.
func (c *Conversation) AddListener(listener EventListener) {
	c.listeners = append(c.listeners, listener)
}

// Emit delivers an event to every listener.
func (c *Conversation) Emit(event Event) {
	for _, listener := range c.listeners {
		listener(event)
	}
}

// CheckInterrupts runs the pre-step interrupt hooks and returns the first
// fired reason.
func (c *Conversation) CheckInterrupts() (string, bool) {
	for _, interrupt := range c.interrupts {
		if reason, fired := interrupt.ShouldInterrupt(c); fired {
			return reason, true
		}
	}
	return "", false
}

// ConsumePendingUserMessage reports whether a user message was submitted
// since the last Execute and clears the flag. The message itself is already
// on the history.
func (c *Conversation) ConsumePendingUserMessage() bool {
	pending := c.pendingUserMessage
	c.pendingUserMessage = false
	return pending
}

// ConsumePendingConfirmations returns the confirmation decisions submitted
// since the last Execute and clears them.
func (c *Conversation) ConsumePendingConfirmations() []messages.ToolRequest {
	pending := c.pendingConfirmations
	c.pendingConfirmations = nil
	return pending
}

// ConsumePendingAuthResolution reports whether the pending auth challenge
// was completed and clears the flag.
func (c *Conversation) ConsumePendingAuthResolution() bool {
	pending := c.pendingAuthResolved
	c.pendingAuthResolved = false
	return pending
}

// Status constructors, stamped with the conversation id so submit methods
// bind to this conversation only.

func (c *Conversation) NewUserMessageRequestStatus() *UserMessageRequestStatus {
	return &UserMessageRequestStatus{statusBase: statusBase{conversationID: c.ID}}
}

func (c *Conversation) NewToolRequestStatus(requests []messages.ToolRequest) *ToolRequestStatus {
	return &ToolRequestStatus{statusBase: statusBase{conversationID: c.ID}, ToolRequests: requests}
}

func (c *Conversation) NewToolExecutionConfirmationStatus(requests []messages.ToolRequest) *ToolExecutionConfirmationStatus {
	return &ToolExecutionConfirmationStatus{statusBase: statusBase{conversationID: c.ID}, ToolRequests: requests}
}

func (c *Conversation) NewInterruptedStatus(reason string) *InterruptedExecutionStatus {
	return &InterruptedExecutionStatus{statusBase: statusBase{conversationID: c.ID}, Reason: reason}
}

func (c *Conversation) NewFinishedStatus(outputs map[string]any, branch string) *FinishedStatus {
	return &FinishedStatus{statusBase: statusBase{conversationID: c.ID}, OutputValues: outputs, BranchName: branch}
}

func (c *Conversation) NewAuthChallengeStatus(pending *mcp.PendingAuthorization) *AuthChallengeStatus {
	return &AuthChallengeStatus{
		statusBase:       statusBase{conversationID: c.ID},
		AuthorizationURL: pending.AuthorizationURL,
		pending:          pending,
	}
}
