package flow

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/wayflowcore/wayflow-go/pkg/conversation"
	"github.com/wayflowcore/wayflow-go/pkg/mcp"
	"github.com/wayflowcore/wayflow-go/pkg/messages"
	"github.com/wayflowcore/wayflow-go/pkg/property"
	"github.com/wayflowcore/wayflow-go/pkg/tools"
)

// toolRunner is implemented by tools that execute inside this process.
// Client tools do not implement it; their execution happens caller-side.
type toolRunner interface {
	Run(ctx context.Context, args map[string]any) (any, error)
}

// ToolExecutionStep invokes one tool with the step inputs as arguments.
//
// Server tools run in-process, with streaming chunks surfaced as events.
// Client tools yield a ToolRequestStatus and resume on the submitted
// result. Tools requiring confirmation yield a confirmation status first;
// a rejected request produces the rejection text as the tool output. An
// MCP tool whose server demands authorization yields an auth challenge and
// retries after the flow completes.
type ToolExecutionStep struct {
	baseStep
	tool tools.Tool
}

func NewToolExecutionStep(name string, tool tools.Tool) *ToolExecutionStep {
	return &ToolExecutionStep{baseStep: baseStep{name: name}, tool: tool}
}

func (s *ToolExecutionStep) MightYield() bool { return true }

func (s *ToolExecutionStep) InputDescriptors() []*property.Property {
	return s.tool.InputDescriptors()
}

func (s *ToolExecutionStep) OutputDescriptors() []*property.Property {
	return s.tool.OutputDescriptors()
}

func (s *ToolExecutionStep) Run(ctx context.Context, run *StepRun) (*StepResult, error) {
	if run.Resuming {
		return s.resume(ctx, run)
	}

	request := messages.ToolRequest{
		Name:                 s.tool.Name(),
		Args:                 run.Inputs,
		ToolRequestID:        uuid.NewString(),
		RequiresConfirmation: s.tool.RequiresConfirmation(),
	}

	if request.RequiresConfirmation {
		run.Conversation.AppendMessage(messages.ToolRequestMessage("", request))
		run.setPendingRequests(s.name, []messages.ToolRequest{request})
		return yield(run.Conversation.NewToolExecutionConfirmationStatus([]messages.ToolRequest{request})), nil
	}

	if _, runnable := s.tool.(toolRunner); !runnable {
		run.Conversation.AppendMessage(messages.ToolRequestMessage("", request))
		run.setPendingRequests(s.name, []messages.ToolRequest{request})
		return yield(run.Conversation.NewToolRequestStatus([]messages.ToolRequest{request})), nil
	}

	// The request goes on the history before execution, so the result
	// message always follows its request.
	run.Conversation.AppendMessage(messages.ToolRequestMessage("", request))
	return s.execute(ctx, run, request)
}

// resume handles the three ways a suspended tool step wakes up: a
// confirmation decision, a caller-side tool result, or a completed
// authorization flow.
func (s *ToolExecutionStep) resume(ctx context.Context, run *StepRun) (*StepResult, error) {
	pending := run.pendingRequests(s.name)
	if len(pending) == 0 {
		return nil, fmt.Errorf("tool step %q resumed with no pending request", s.name)
	}
	request := pending[0]

	if decisions := run.Conversation.ConsumePendingConfirmations(); len(decisions) > 0 {
		for _, decided := range decisions {
			if decided.ToolRequestID != request.ToolRequestID {
				continue
			}
			if decided.Confirmed != nil && *decided.Confirmed {
				if _, runnable := s.tool.(toolRunner); !runnable {
					run.setPendingRequests(s.name, []messages.ToolRequest{request})
					return yield(run.Conversation.NewToolRequestStatus([]messages.ToolRequest{request})), nil
				}
				return s.execute(ctx, run, request)
			}
			run.setPendingRequests(s.name, nil)
			rejection := "Tool execution was rejected by the user."
			if decided.RejectionReason != "" {
				rejection = fmt.Sprintf("Tool execution was rejected by the user: %s", decided.RejectionReason)
			}
			return next(s.outputsFor(rejection)), nil
		}
		return nil, fmt.Errorf("tool step %q received a decision for an unknown request", s.name)
	}

	if run.Conversation.ConsumePendingAuthResolution() {
		return s.execute(ctx, run, request)
	}

	// A caller-side result for a client tool.
	for i := len(run.Conversation.Messages()) - 1; i >= 0; i-- {
		msg := run.Conversation.Messages()[i]
		if msg.ToolResult != nil && msg.ToolResult.ToolRequestID == request.ToolRequestID {
			run.setPendingRequests(s.name, nil)
			return next(s.outputsFor(msg.ToolResult.Content)), nil
		}
	}
	return nil, fmt.Errorf("tool step %q resumed without a result for request %q", s.name, request.ToolRequestID)
}

func (s *ToolExecutionStep) execute(ctx context.Context, run *StepRun, request messages.ToolRequest) (*StepResult, error) {
	run.setPendingRequests(s.name, nil)

	output, err := s.runTool(ctx, run, request.Args)
	if err != nil {
		var authErr *mcp.AuthorizationRequiredError
		if errors.As(err, &authErr) {
			run.setPendingRequests(s.name, []messages.ToolRequest{request})
			return yield(run.Conversation.NewAuthChallengeStatus(authErr.Pending)), nil
		}
		return nil, fmt.Errorf("tool %q: %w", s.tool.Name(), err)
	}

	run.Conversation.AppendMessage(messages.ToolResultMessage(messages.ToolResult{
		Content:       output,
		ToolRequestID: request.ToolRequestID,
	}))
	return next(s.outputsFor(output)), nil
}

func (s *ToolExecutionStep) runTool(ctx context.Context, run *StepRun, args map[string]any) (any, error) {
	if server, ok := s.tool.(*tools.ServerTool); ok && server.IsStreaming() {
		return s.runStreaming(ctx, run, server, args)
	}
	runner, ok := s.tool.(toolRunner)
	if !ok {
		return nil, fmt.Errorf("tool %q is not executable in-process", s.tool.Name())
	}
	return runner.Run(ctx, args)
}

func (s *ToolExecutionStep) runStreaming(ctx context.Context, run *StepRun, server *tools.ServerTool, args map[string]any) (any, error) {
	requestID := uuid.NewString()
	var output any
	for chunk, err := range server.RunStreaming(ctx, args) {
		if err != nil {
			return nil, err
		}
		run.Conversation.Emit(&conversation.ToolExecutionStreamingChunkReceivedEvent{
			ConversationID: run.Conversation.ID,
			ToolName:       s.tool.Name(),
			ToolRequestID:  requestID,
			Chunk:          chunk,
		})
		output = chunk
	}
	return output, nil
}

// outputsFor maps the tool's raw output onto its output descriptors. A
// multi-output tool returns a map keyed by output name; a single-output
// tool's value is wrapped under its one descriptor.
func (s *ToolExecutionStep) outputsFor(value any) map[string]any {
	descriptors := s.tool.OutputDescriptors()
	if len(descriptors) > 1 {
		if values, ok := value.(map[string]any); ok {
			outputs := make(map[string]any, len(descriptors))
			for _, descriptor := range descriptors {
				if v, ok := values[descriptor.Name]; ok {
					outputs[descriptor.Name] = v
				}
			}
			return outputs
		}
	}
	name := tools.ToolOutputName
	if len(descriptors) == 1 {
		name = descriptors[0].Name
	}
	return map[string]any{name: value}
}
