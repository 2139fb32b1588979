package flow

import (
	"context"
	"fmt"
	"regexp"

	"github.com/wayflowcore/wayflow-go/pkg/messages"
	"github.com/wayflowcore/wayflow-go/pkg/property"
	"github.com/wayflowcore/wayflow-go/pkg/templates"
)

// StartStep is the single entry of a flow. It exposes the flow inputs as
// its outputs; the compiler fills its descriptors in.
type StartStep struct {
	baseStep
	outputs []*property.Property
}

func NewStartStep(name string) *StartStep {
	return &StartStep{baseStep: baseStep{name: name}}
}

func (s *StartStep) setOutputs(descriptors []*property.Property) { s.outputs = descriptors }

func (s *StartStep) OutputDescriptors() []*property.Property { return s.outputs }

func (s *StartStep) Run(context.Context, *StepRun) (*StepResult, error) {
	return next(nil), nil
}

// CompleteStep terminates a flow. Distinct complete steps define distinct
// flow-exit branches.
type CompleteStep struct {
	baseStep
	branchName string
}

// NewCompleteStep builds a terminal step. The exit branch defaults to the
// step name.
func NewCompleteStep(name string, branchName ...string) *CompleteStep {
	step := &CompleteStep{baseStep: baseStep{name: name}, branchName: name}
	if len(branchName) > 0 && branchName[0] != "" {
		step.branchName = branchName[0]
	}
	return step
}

func (s *CompleteStep) BranchName() string { return s.branchName }

func (s *CompleteStep) Branches() []string { return nil }

func (s *CompleteStep) Run(context.Context, *StepRun) (*StepResult, error) {
	return &StepResult{}, nil
}

// UserProvidedInputOutput names the output of InputMessageStep.
const UserProvidedInputOutput = "user_provided_input"

// InputMessageStep renders a prompt to the user, yields for their reply,
// and exposes the reply text.
type InputMessageStep struct {
	baseStep
	template string
}

func NewInputMessageStep(name, template string) *InputMessageStep {
	return &InputMessageStep{baseStep: baseStep{name: name}, template: template}
}

func (s *InputMessageStep) MightYield() bool { return true }

func (s *InputMessageStep) InputDescriptors() []*property.Property {
	return templateInputs(s.template)
}

func (s *InputMessageStep) OutputDescriptors() []*property.Property {
	return []*property.Property{property.String(UserProvidedInputOutput, "the user's reply")}
}

func (s *InputMessageStep) Run(_ context.Context, run *StepRun) (*StepResult, error) {
	if run.Resuming && run.Conversation.ConsumePendingUserMessage() {
		reply := run.Conversation.LastMessage().TextValue()
		return next(map[string]any{UserProvidedInputOutput: reply}), nil
	}

	if s.template != "" {
		rendered, err := templates.Render(s.template, run.Inputs)
		if err != nil {
			return nil, err
		}
		run.Conversation.AppendMessage(messages.AgentMessage(rendered))
	}
	return yield(run.Conversation.NewUserMessageRequestStatus()), nil
}

// OutputMessageOutput names the output of OutputMessageStep.
const OutputMessageOutput = "output_message"

// OutputMessageStep renders a template against the current state and
// appends one agent message.
type OutputMessageStep struct {
	baseStep
	template string
}

func NewOutputMessageStep(name, template string) *OutputMessageStep {
	return &OutputMessageStep{baseStep: baseStep{name: name}, template: template}
}

func (s *OutputMessageStep) InputDescriptors() []*property.Property {
	return templateInputs(s.template)
}

func (s *OutputMessageStep) OutputDescriptors() []*property.Property {
	return []*property.Property{property.String(OutputMessageOutput, "the rendered message")}
}

func (s *OutputMessageStep) Run(_ context.Context, run *StepRun) (*StepResult, error) {
	rendered, err := templates.Render(s.template, run.Inputs)
	if err != nil {
		return nil, err
	}
	run.Conversation.AppendMessage(messages.AgentMessage(rendered))
	return next(map[string]any{OutputMessageOutput: rendered}), nil
}

// Input and output names of RegexExtractionStep.
const (
	RegexTextInput = "text"
	RegexOutput    = "output"
)

// RegexExtractionStep extracts the first match of a pattern from its text
// input. With a capture group, the first group is extracted; otherwise the
// whole match. No match produces an empty string.
type RegexExtractionStep struct {
	baseStep
	pattern *regexp.Regexp
}

func NewRegexExtractionStep(name, pattern string) (*RegexExtractionStep, error) {
	compiled, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("step %q: %w", name, err)
	}
	return &RegexExtractionStep{baseStep: baseStep{name: name}, pattern: compiled}, nil
}

func (s *RegexExtractionStep) InputDescriptors() []*property.Property {
	return []*property.Property{property.String(RegexTextInput, "text to extract from")}
}

func (s *RegexExtractionStep) OutputDescriptors() []*property.Property {
	return []*property.Property{property.String(RegexOutput, "the extracted text")}
}

func (s *RegexExtractionStep) Run(_ context.Context, run *StepRun) (*StepResult, error) {
	text, _ := run.Inputs[RegexTextInput].(string)
	extracted := ""
	if match := s.pattern.FindStringSubmatch(text); match != nil {
		extracted = match[0]
		if len(match) > 1 {
			extracted = match[1]
		}
	}
	return next(map[string]any{RegexOutput: extracted}), nil
}

// Branching step names.
const (
	BranchingSelectionInput = "selection"
	BranchDefault           = "default"
)

// BranchingStep maps an input value to a named branch. Unmapped values take
// the implicit default branch.
type BranchingStep struct {
	baseStep
	mapping map[string]string
}

func NewBranchingStep(name string, mapping map[string]string) *BranchingStep {
	return &BranchingStep{baseStep: baseStep{name: name}, mapping: mapping}
}

func (s *BranchingStep) InputDescriptors() []*property.Property {
	return []*property.Property{property.String(BranchingSelectionInput, "value deciding the branch")}
}

func (s *BranchingStep) Branches() []string {
	seen := map[string]bool{BranchDefault: true}
	branches := []string{BranchDefault}
	for _, branch := range s.mapping {
		if !seen[branch] {
			seen[branch] = true
			branches = append(branches, branch)
		}
	}
	return branches
}

func (s *BranchingStep) Run(_ context.Context, run *StepRun) (*StepResult, error) {
	selection, _ := run.Inputs[BranchingSelectionInput].(string)
	branch, ok := s.mapping[selection]
	if !ok {
		branch = BranchDefault
	}
	return &StepResult{Branch: branch}, nil
}

// VariableReadStep exposes a conversation variable as its output, named
// after the variable.
type VariableReadStep struct {
	baseStep
	variable *Variable
}

func NewVariableReadStep(name string, variable *Variable) *VariableReadStep {
	return &VariableReadStep{baseStep: baseStep{name: name}, variable: variable}
}

func (s *VariableReadStep) OutputDescriptors() []*property.Property {
	return []*property.Property{variableDescriptor(s.variable)}
}

func (s *VariableReadStep) Run(_ context.Context, run *StepRun) (*StepResult, error) {
	value, ok := run.Variables()[s.variable.Name]
	if !ok {
		value = s.variable.DefaultValue
	}
	return next(map[string]any{s.variable.Name: value}), nil
}

// VariableWriteStep stores its input, named after the variable, into the
// conversation's variable store.
type VariableWriteStep struct {
	baseStep
	variable *Variable
}

func NewVariableWriteStep(name string, variable *Variable) *VariableWriteStep {
	return &VariableWriteStep{baseStep: baseStep{name: name}, variable: variable}
}

func (s *VariableWriteStep) InputDescriptors() []*property.Property {
	return []*property.Property{variableDescriptor(s.variable)}
}

func (s *VariableWriteStep) Run(_ context.Context, run *StepRun) (*StepResult, error) {
	run.Variables()[s.variable.Name] = run.Inputs[s.variable.Name]
	return next(nil), nil
}

func variableDescriptor(variable *Variable) *property.Property {
	if variable.Type != nil {
		return variable.Type.WithName(variable.Name)
	}
	return property.Any(variable.Name, "")
}

// templateInputs infers string input descriptors from template variables.
func templateInputs(template string) []*property.Property {
	names := templates.Variables(template)
	descriptors := make([]*property.Property, 0, len(names))
	for _, name := range names {
		descriptors = append(descriptors, property.String(name, ""))
	}
	return descriptors
}
