// Package agent implements LLM-driven components: the single-agent tool
// loop, multi-agent swarms with message passing and handoff, and the
// manager-workers composition. Agents plug into flows through
// AgentExecutionStep and run standalone as conversation components.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wayflowcore/wayflow-go/pkg/conversation"
	"github.com/wayflowcore/wayflow-go/pkg/flow"
	"github.com/wayflowcore/wayflow-go/pkg/llm"
	"github.com/wayflowcore/wayflow-go/pkg/mcp"
	"github.com/wayflowcore/wayflow-go/pkg/messages"
	"github.com/wayflowcore/wayflow-go/pkg/observability"
	"github.com/wayflowcore/wayflow-go/pkg/property"
	"github.com/wayflowcore/wayflow-go/pkg/templates"
	"github.com/wayflowcore/wayflow-go/pkg/tools"
)

// CallerInputMode controls when the agent yields the conversation back to
// the user.
type CallerInputMode string

const (
	// CallerInputNever loops without ever yielding to the user; after a few
	// reminder turns without progress the conversation is forced to finish.
	CallerInputNever CallerInputMode = "never"
	// CallerInputAlways yields after every assistant turn.
	CallerInputAlways CallerInputMode = "always"
	// CallerInputDefault yields when the model addresses the user directly.
	CallerInputDefault CallerInputMode = "default"
)

// Pseudo-tool names the agent offers the model.
const (
	TalkToUserToolName = "talk_to_user"
	ExitToolName       = "end_conversation"
)

// AgentOutput names the output value carrying the agent's final text.
const AgentOutput = "output"

const noCallerReminder = "There is no user in this conversation. Continue with your task, " +
	"or call " + ExitToolName + " when it is done."

// toolRunner is implemented by tools that execute in-process.
type toolRunner interface {
	Run(ctx context.Context, args map[string]any) (any, error)
}

// Agent is an LLM tool loop: prompt the model with the conversation and
// its tools, execute requested tools, and repeat until the model addresses
// the user, finishes, or the iteration budget runs out.
type Agent struct {
	name        string
	description string
	model       llm.Model
	instruction string

	toolList  []tools.Tool
	toolboxes []tools.ToolBox
	providers []flow.ContextProvider

	callerInputMode CallerInputMode
	maxIterations   int
	maxReminders    int
	canFinish       bool
	streaming       bool
	generation      llm.GenerationConfig

	// extraTools are injected by compositions (swarm message passing,
	// handoff) and never serialized.
	extraTools []tools.Tool
}

type Option func(*Agent)

func WithDescription(description string) Option {
	return func(a *Agent) { a.description = description }
}

// WithInstruction sets the system prompt template. Template variables are
// filled from conversation inputs and context providers.
func WithInstruction(instruction string) Option {
	return func(a *Agent) { a.instruction = instruction }
}

func WithTools(toolList ...tools.Tool) Option {
	return func(a *Agent) { a.toolList = append(a.toolList, toolList...) }
}

func WithToolBoxes(boxes ...tools.ToolBox) Option {
	return func(a *Agent) { a.toolboxes = append(a.toolboxes, boxes...) }
}

func WithContextProviders(providers ...flow.ContextProvider) Option {
	return func(a *Agent) { a.providers = append(a.providers, providers...) }
}

func WithCallerInputMode(mode CallerInputMode) Option {
	return func(a *Agent) { a.callerInputMode = mode }
}

func WithMaxIterations(n int) Option {
	return func(a *Agent) { a.maxIterations = n }
}

// WithConversationExit offers the model an explicit tool to finish the
// conversation.
func WithConversationExit() Option {
	return func(a *Agent) { a.canFinish = true }
}

// WithStreaming streams assistant turns, emitting START/TEXT/END chunks as
// events. Only the final message joins the history.
func WithStreaming() Option {
	return func(a *Agent) { a.streaming = true }
}

func WithGenerationConfig(cfg llm.GenerationConfig) Option {
	return func(a *Agent) { a.generation = cfg }
}

func New(name string, model llm.Model, opts ...Option) (*Agent, error) {
	if name == "" {
		return nil, fmt.Errorf("agent needs a name")
	}
	if model == nil {
		return nil, fmt.Errorf("agent %q needs a model", name)
	}
	a := &Agent{
		name:            name,
		model:           model,
		callerInputMode: CallerInputDefault,
		maxIterations:   10,
		maxReminders:    3,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func MustNew(name string, model llm.Model, opts ...Option) *Agent {
	a, err := New(name, model, opts...)
	if err != nil {
		panic(err)
	}
	return a
}

func (a *Agent) Name() string        { return a.name }
func (a *Agent) Description() string { return a.description }

// withExtraTools returns a shallow copy carrying additional tools, used by
// swarm and manager-workers compositions.
func (a *Agent) withExtraTools(extra ...tools.Tool) *Agent {
	clone := *a
	clone.extraTools = append(append([]tools.Tool(nil), a.extraTools...), extra...)
	return &clone
}

// LoopState is the per-conversation loop state. Its fields are exported so
// the serialization layer can persist and restore an agent mid-loop.
type LoopState struct {
	Iterations int
	Reminders  int
	Pending    []messages.ToolRequest
}

func (a *Agent) stateOf(conv *conversation.Conversation) *LoopState {
	if state, ok := conv.State.(*LoopState); ok {
		return state
	}
	state := &LoopState{}
	conv.State = state
	return state
}

// Execute drives the agent turn loop. It implements conversation.Component.
func (a *Agent) Execute(ctx context.Context, conv *conversation.Conversation) (conversation.ExecutionStatus, error) {
	state := a.stateOf(conv)
	conv.ConsumePendingUserMessage()

	for {
		if reason, fired := conv.CheckInterrupts(); fired {
			return conv.NewInterruptedStatus(reason), nil
		}

		if len(state.Pending) > 0 {
			status, err := a.processPending(ctx, conv, state)
			if err != nil {
				return nil, err
			}
			if status != nil {
				return status, nil
			}
			continue
		}

		if state.Iterations >= a.maxIterations {
			slog.Warn("agent reached its iteration budget", "agent", a.name, "iterations", state.Iterations)
			return a.finish(conv, lastAssistantText(conv)), nil
		}

		prompt, err := a.buildPrompt(ctx, conv)
		if err != nil {
			return nil, err
		}
		msg, err := a.generate(ctx, conv, prompt)
		if err != nil {
			return nil, fmt.Errorf("agent %q: %w", a.name, err)
		}
		state.Iterations++

		if len(msg.ToolRequests) > 0 {
			status, done, err := a.handleToolRequests(ctx, conv, state, msg)
			if err != nil {
				return nil, err
			}
			if done {
				return status, nil
			}
			continue
		}

		conv.AppendMessage(msg)
		if a.callerInputMode == CallerInputNever {
			state.Reminders++
			if state.Reminders > a.maxReminders {
				slog.Warn("agent kept addressing an absent caller; finishing", "agent", a.name)
				return a.finish(conv, msg.TextValue()), nil
			}
			conv.AppendMessage(messages.UserMessage(noCallerReminder))
			continue
		}
		return conv.NewUserMessageRequestStatus(), nil
	}
}

// handleToolRequests splits pseudo-calls from real tool requests. Real
// requests are appended to the history and queued; talk_to_user and
// end_conversation terminate the turn directly.
func (a *Agent) handleToolRequests(ctx context.Context, conv *conversation.Conversation, state *LoopState, msg *messages.Message) (conversation.ExecutionStatus, bool, error) {
	available, err := a.availableTools(ctx)
	if err != nil {
		return nil, false, err
	}

	var real []messages.ToolRequest
	var talk, exit bool
	var talkText, exitText string
	for _, req := range msg.ToolRequests {
		switch req.Name {
		case TalkToUserToolName:
			talk = true
			talkText, _ = req.Args["message"].(string)
		case ExitToolName:
			exit = true
			exitText, _ = req.Args["message"].(string)
		default:
			if tool, ok := available[req.Name]; ok {
				req.RequiresConfirmation = tool.RequiresConfirmation()
			}
			real = append(real, req)
		}
	}

	if len(real) > 0 {
		if talk || exit {
			slog.Warn("agent mixed pseudo-tool calls with tool requests; deferring the pseudo-call",
				"agent", a.name)
		}
		conv.AppendMessage(messages.ToolRequestMessage(msg.TextValue(), real...))
		state.Pending = real
		return nil, false, nil
	}

	if exit {
		if exitText != "" {
			conv.AppendMessage(messages.AgentMessage(exitText))
		}
		return a.finish(conv, lastAssistantText(conv)), true, nil
	}
	if talk {
		conv.AppendMessage(messages.AgentMessage(talkText))
		return conv.NewUserMessageRequestStatus(), true, nil
	}
	return nil, false, nil
}

// processPending works through the queued tool requests in order. Each
// served request gets its ToolResult appended immediately after the message
// that carried it; requests needing outside input yield.
func (a *Agent) processPending(ctx context.Context, conv *conversation.Conversation, state *LoopState) (conversation.ExecutionStatus, error) {
	a.applyConfirmations(conv, state)
	conv.ConsumePendingAuthResolution()

	available, err := a.availableTools(ctx)
	if err != nil {
		return nil, err
	}

	for i := range state.Pending {
		req := state.Pending[i]
		if hasToolResult(conv, req.ToolRequestID) {
			continue
		}

		if req.RequiresConfirmation && req.Confirmed == nil {
			return conv.NewToolExecutionConfirmationStatus(undecided(state.Pending)), nil
		}
		if req.Confirmed != nil && !*req.Confirmed {
			text := "Tool execution was rejected by the user."
			if req.RejectionReason != "" {
				text = fmt.Sprintf("Tool execution was rejected by the user: %s", req.RejectionReason)
			}
			conv.AppendMessage(messages.ToolResultMessage(messages.ToolResult{
				Content: text, ToolRequestID: req.ToolRequestID,
			}))
			continue
		}

		tool, known := available[req.Name]
		if !known {
			conv.AppendMessage(messages.ToolResultMessage(messages.ToolResult{
				Content:       fmt.Sprintf("error: no tool named %q", req.Name),
				ToolRequestID: req.ToolRequestID,
			}))
			continue
		}
		runner, runnable := tool.(toolRunner)
		if !runnable {
			return conv.NewToolRequestStatus(unserved(conv, state.Pending)), nil
		}

		output, err := a.runTool(ctx, conv, runner, tool, req)
		if err != nil {
			var authErr *mcp.AuthorizationRequiredError
			if errors.As(err, &authErr) {
				return conv.NewAuthChallengeStatus(authErr.Pending), nil
			}
			var handoff *handoffError
			if errors.As(err, &handoff) {
				conv.AppendMessage(messages.ToolResultMessage(messages.ToolResult{
					Content:       fmt.Sprintf("conversation handed off to %q", handoff.recipient),
					ToolRequestID: req.ToolRequestID,
				}))
				state.Pending = nil
				return a.finish(conv, lastAssistantText(conv)), nil
			}
			// Tool failures go back to the model as results, not up the stack.
			output = fmt.Sprintf("error: %s", err)
		}
		conv.AppendMessage(messages.ToolResultMessage(messages.ToolResult{
			Content: output, ToolRequestID: req.ToolRequestID,
		}))
	}

	state.Pending = nil
	return nil, nil
}

func (a *Agent) runTool(ctx context.Context, conv *conversation.Conversation, runner toolRunner, tool tools.Tool, req messages.ToolRequest) (any, error) {
	ctx, span := observability.GetTracer("wayflow.agent").Start(ctx,
		observability.SpanToolExecution,
		trace.WithAttributes(attribute.String(observability.AttrToolName, tool.Name())))
	defer span.End()

	if server, ok := tool.(*tools.ServerTool); ok && server.IsStreaming() {
		var output any
		for chunk, err := range server.RunStreaming(ctx, req.Args) {
			if err != nil {
				return nil, err
			}
			conv.Emit(&conversation.ToolExecutionStreamingChunkReceivedEvent{
				ConversationID: conv.ID,
				ToolName:       tool.Name(),
				ToolRequestID:  req.ToolRequestID,
				Chunk:          chunk,
			})
			output = chunk
		}
		return output, nil
	}
	return runner.Run(ctx, req.Args)
}

// applyConfirmations copies submitted decisions onto the queued requests.
func (a *Agent) applyConfirmations(conv *conversation.Conversation, state *LoopState) {
	decisions := conv.ConsumePendingConfirmations()
	if len(decisions) == 0 {
		return
	}
	byID := make(map[string]messages.ToolRequest, len(decisions))
	for _, d := range decisions {
		byID[d.ToolRequestID] = d
	}
	for i := range state.Pending {
		if d, ok := byID[state.Pending[i].ToolRequestID]; ok {
			state.Pending[i].Confirmed = d.Confirmed
			state.Pending[i].RejectionReason = d.RejectionReason
		}
	}
}

func (a *Agent) generate(ctx context.Context, conv *conversation.Conversation, prompt *llm.Prompt) (*messages.Message, error) {
	if !a.streaming {
		completion, err := a.model.Generate(ctx, prompt)
		if err != nil {
			return nil, err
		}
		conv.AddTokenUsage(completion.Usage)
		return completion.Message, nil
	}

	stream, err := a.model.GenerateStream(ctx, prompt)
	if err != nil {
		return nil, err
	}
	var final *messages.Message
	for chunk := range stream {
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		conv.Emit(&conversation.StreamChunkEvent{ConversationID: conv.ID, Chunk: chunk})
		if chunk.Type == messages.EndChunk {
			final = chunk.Message
			if chunk.Usage != nil {
				conv.AddTokenUsage(*chunk.Usage)
			}
		}
	}
	if final == nil {
		return nil, fmt.Errorf("stream ended without a final message")
	}
	return final, nil
}

func (a *Agent) buildPrompt(ctx context.Context, conv *conversation.Conversation) (*llm.Prompt, error) {
	available, err := a.availableTools(ctx)
	if err != nil {
		return nil, err
	}
	toolList := make([]tools.Tool, 0, len(available)+2)
	for _, tool := range available {
		toolList = append(toolList, tool)
	}
	if a.callerInputMode != CallerInputNever {
		toolList = append(toolList, talkToUserTool())
	}
	if a.canFinish || a.callerInputMode == CallerInputNever {
		toolList = append(toolList, exitTool())
	}

	history := conv.Messages()
	prompt := &llm.Prompt{
		Messages:   make([]*messages.Message, 0, len(history)+1),
		Tools:      toolList,
		Generation: a.generation,
	}
	if a.instruction != "" {
		system, err := a.systemPrompt(ctx, conv)
		if err != nil {
			return nil, err
		}
		prompt.Messages = append(prompt.Messages, messages.SystemMessage(system))
	}
	prompt.Messages = append(prompt.Messages, history...)
	return prompt, nil
}

// systemPrompt renders the instruction template against conversation inputs
// and context provider outputs.
func (a *Agent) systemPrompt(ctx context.Context, conv *conversation.Conversation) (string, error) {
	if len(templates.Variables(a.instruction)) == 0 {
		return a.instruction, nil
	}
	values := make(map[string]any, len(conv.Inputs))
	for name, value := range conv.Inputs {
		values[name] = value
	}
	for _, provider := range a.providers {
		produced, err := provider.Provide(ctx, conv)
		if err != nil {
			return "", fmt.Errorf("context provider %q: %w", provider.Name(), err)
		}
		for name, value := range produced {
			values[name] = value
		}
	}
	return templates.Render(a.instruction, values)
}

// availableTools gathers static tools, composition-injected tools, and
// toolbox tools, keyed by name. Later sources win on collisions.
func (a *Agent) availableTools(ctx context.Context) (map[string]tools.Tool, error) {
	available := make(map[string]tools.Tool, len(a.toolList)+len(a.extraTools))
	for _, tool := range a.toolList {
		available[tool.Name()] = tool
	}
	for _, tool := range a.extraTools {
		available[tool.Name()] = tool
	}
	for _, box := range a.toolboxes {
		boxTools, err := box.GetTools(ctx)
		if err != nil {
			return nil, fmt.Errorf("toolbox %q: %w", box.Name(), err)
		}
		for _, tool := range boxTools {
			available[tool.Name()] = tool
		}
	}
	return available, nil
}

func (a *Agent) finish(conv *conversation.Conversation, text string) conversation.ExecutionStatus {
	return conv.NewFinishedStatus(map[string]any{AgentOutput: text}, "")
}

func lastAssistantText(conv *conversation.Conversation) string {
	history := conv.Messages()
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == messages.RoleAssistant && len(history[i].ToolRequests) == 0 {
			return history[i].TextValue()
		}
	}
	return ""
}

func hasToolResult(conv *conversation.Conversation, requestID string) bool {
	history := conv.Messages()
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].ToolResult != nil && history[i].ToolResult.ToolRequestID == requestID {
			return true
		}
	}
	return false
}

// undecided filters the requests still awaiting a confirmation decision.
func undecided(pending []messages.ToolRequest) []messages.ToolRequest {
	var out []messages.ToolRequest
	for _, req := range pending {
		if req.RequiresConfirmation && req.Confirmed == nil {
			out = append(out, req)
		}
	}
	return out
}

// unserved filters the requests with no result on the history yet.
func unserved(conv *conversation.Conversation, pending []messages.ToolRequest) []messages.ToolRequest {
	var out []messages.ToolRequest
	for _, req := range pending {
		if !hasToolResult(conv, req.ToolRequestID) {
			out = append(out, req)
		}
	}
	return out
}

func talkToUserTool() tools.Tool {
	tool, err := tools.NewClientTool(TalkToUserToolName,
		"Send a message to the user and wait for their reply.",
		[]*property.Property{property.String("message", "the message to show the user")})
	if err != nil {
		panic(err)
	}
	return tool
}

func exitTool() tools.Tool {
	tool, err := tools.NewClientTool(ExitToolName,
		"Finish the conversation once the task is complete.",
		[]*property.Property{property.String("message", "an optional closing message").WithDefault("")})
	if err != nil {
		panic(err)
	}
	return tool
}

var _ conversation.Component = (*Agent)(nil)
