// Package flow implements the step graph runtime: a directed graph of typed
// steps compiled by an I/O resolver and driven by a cooperative executor
// that suspends on well-defined yield conditions.
package flow

import (
	"context"

	"github.com/wayflowcore/wayflow-go/pkg/conversation"
	"github.com/wayflowcore/wayflow-go/pkg/messages"
	"github.com/wayflowcore/wayflow-go/pkg/property"
)

// BranchNext is the default output branch every step declares unless it
// says otherwise.
const BranchNext = "next"

// Step is one node of a flow. Inputs and outputs are typed by property
// descriptors; Branches names the control edges leaving the step; MightYield
// tells the compiler whether running the step can suspend the conversation.
type Step interface {
	Name() string
	InputDescriptors() []*property.Property
	OutputDescriptors() []*property.Property
	Branches() []string
	MightYield() bool
	Run(ctx context.Context, run *StepRun) (*StepResult, error)
}

// StepRun is the context a step executes in.
type StepRun struct {
	Conversation *conversation.Conversation

	// Inputs holds the resolved values for the step's input descriptors.
	Inputs map[string]any

	// Resuming is true when the step yielded on the previous Execute call
	// and the conversation was resumed with submitted input.
	Resuming bool

	flow  *Flow
	state *State
}

// Variables exposes the conversation's variable store to variable steps.
func (r *StepRun) Variables() map[string]any { return r.state.Variables }

// pendingRequests accesses the tool requests this step yielded on.
func (r *StepRun) pendingRequests(stepName string) []messages.ToolRequest {
	return r.state.PendingRequests[stepName]
}

func (r *StepRun) setPendingRequests(stepName string, requests []messages.ToolRequest) {
	if requests == nil {
		delete(r.state.PendingRequests, stepName)
		return
	}
	r.state.PendingRequests[stepName] = requests
}

// Subconversation returns the live subconversation of a composite step,
// creating it on first use. A step that delegates to another component keeps
// its subconversation here across yields.
func (r *StepRun) Subconversation(stepName string, component conversation.Component, inputs map[string]any, opts ...conversation.Option) *conversation.Conversation {
	if sub, ok := r.state.Subconversations[stepName]; ok {
		return sub
	}
	sub := r.Conversation.NewSubconversation(component, inputs, opts...)
	r.state.Subconversations[stepName] = sub
	return sub
}

// ClearSubconversation drops a finished subconversation.
func (r *StepRun) ClearSubconversation(stepName string) {
	delete(r.state.Subconversations, stepName)
}

// StepResult is what a step run produced: either a branch with outputs, or
// a yield status suspending the conversation at this step.
type StepResult struct {
	Branch  string
	Outputs map[string]any

	// Yield, when non-nil, suspends execution; the executor re-runs the
	// step with Resuming set after input is submitted.
	Yield conversation.ExecutionStatus
}

// yield builds a suspension result.
func yield(status conversation.ExecutionStatus) *StepResult {
	return &StepResult{Yield: status}
}

// next builds a plain advance on the default branch.
func next(outputs map[string]any) *StepResult {
	return &StepResult{Branch: BranchNext, Outputs: outputs}
}

// baseStep carries the name shared by all step kinds.
type baseStep struct {
	name string
}

func (s baseStep) Name() string { return s.name }

func (baseStep) Branches() []string { return []string{BranchNext} }

func (baseStep) MightYield() bool { return false }

func (baseStep) InputDescriptors() []*property.Property { return nil }

func (baseStep) OutputDescriptors() []*property.Property { return nil }
