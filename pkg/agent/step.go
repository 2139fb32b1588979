package agent

import (
	"context"
	"fmt"

	"github.com/wayflowcore/wayflow-go/pkg/conversation"
	"github.com/wayflowcore/wayflow-go/pkg/flow"
	"github.com/wayflowcore/wayflow-go/pkg/property"
	"github.com/wayflowcore/wayflow-go/pkg/templates"
)

// AgentExecutionStep runs an agent as a flow step. The agent executes in a
// subconversation; with shared history it starts from the outer
// conversation's messages. Yields inside the agent suspend the flow at this
// step.
type AgentExecutionStep struct {
	name         string
	agent        *Agent
	shareHistory bool
}

type StepOption func(*AgentExecutionStep)

// WithSharedHistory seeds the agent's subconversation with the outer
// conversation's messages.
func WithSharedHistory() StepOption {
	return func(s *AgentExecutionStep) { s.shareHistory = true }
}

func NewAgentExecutionStep(name string, a *Agent, opts ...StepOption) *AgentExecutionStep {
	step := &AgentExecutionStep{name: name, agent: a}
	for _, opt := range opts {
		opt(step)
	}
	return step
}

func (s *AgentExecutionStep) Name() string { return s.name }

// InputDescriptors exposes the agent's instruction template variables as
// step inputs.
func (s *AgentExecutionStep) InputDescriptors() []*property.Property {
	names := templates.Variables(s.agent.instruction)
	descriptors := make([]*property.Property, 0, len(names))
	for _, name := range names {
		descriptors = append(descriptors, property.String(name, ""))
	}
	return descriptors
}

func (s *AgentExecutionStep) OutputDescriptors() []*property.Property {
	return []*property.Property{property.String(AgentOutput, "the agent's final answer")}
}

func (s *AgentExecutionStep) Branches() []string { return []string{flow.BranchNext} }

func (s *AgentExecutionStep) MightYield() bool { return true }

func (s *AgentExecutionStep) Run(ctx context.Context, run *flow.StepRun) (*flow.StepResult, error) {
	var opts []conversation.Option
	if s.shareHistory {
		opts = append(opts, conversation.WithMessages(run.Conversation.Messages()))
	}
	sub := run.Subconversation(s.name, s.agent, run.Inputs, opts...)

	status, err := sub.Execute(ctx)
	if err != nil {
		return nil, fmt.Errorf("agent %q: %w", s.agent.Name(), err)
	}
	if finished, ok := status.(*conversation.FinishedStatus); ok {
		run.ClearSubconversation(s.name)
		return &flow.StepResult{Branch: flow.BranchNext, Outputs: finished.OutputValues}, nil
	}
	return &flow.StepResult{Yield: status}, nil
}

var _ flow.Step = (*AgentExecutionStep)(nil)
