package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/wayflowcore/wayflow-go/pkg/llm"
	"github.com/wayflowcore/wayflow-go/pkg/messages"
	"github.com/wayflowcore/wayflow-go/pkg/property"
	"github.com/wayflowcore/wayflow-go/pkg/templates"
)

// PromptOutput names the output of PromptExecutionStep.
const PromptOutput = "output"

// PromptExecutionStep renders a prompt template and performs one model
// invocation. The exchange does not touch the conversation history; only
// the output value is produced. A structured output property makes the
// model return JSON conforming to its schema, decoded into the output.
type PromptExecutionStep struct {
	baseStep
	template   string
	model      llm.Model
	output     *property.Property
	generation llm.GenerationConfig
}

type PromptOption func(*PromptExecutionStep)

// WithStructuredOutput requests JSON output conforming to the property's
// schema. The property's name becomes the step's output name.
func WithStructuredOutput(descriptor *property.Property) PromptOption {
	return func(s *PromptExecutionStep) { s.output = descriptor }
}

func WithGenerationConfig(cfg llm.GenerationConfig) PromptOption {
	return func(s *PromptExecutionStep) { s.generation = cfg }
}

func NewPromptExecutionStep(name, template string, model llm.Model, opts ...PromptOption) *PromptExecutionStep {
	step := &PromptExecutionStep{baseStep: baseStep{name: name}, template: template, model: model}
	for _, opt := range opts {
		opt(step)
	}
	return step
}

func (s *PromptExecutionStep) InputDescriptors() []*property.Property {
	return templateInputs(s.template)
}

func (s *PromptExecutionStep) OutputDescriptors() []*property.Property {
	if s.output != nil {
		return []*property.Property{s.output}
	}
	return []*property.Property{property.String(PromptOutput, "the model's answer")}
}

func (s *PromptExecutionStep) Run(ctx context.Context, run *StepRun) (*StepResult, error) {
	rendered, err := templates.Render(s.template, run.Inputs)
	if err != nil {
		return nil, err
	}

	prompt := &llm.Prompt{
		Messages:   []*messages.Message{messages.UserMessage(rendered)},
		Generation: s.generation,
	}
	if s.output != nil {
		prompt.ResponseFormat = s.output
	}

	completion, err := s.model.Generate(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("model %q: %w", s.model.ModelID(), err)
	}
	run.Conversation.AddTokenUsage(completion.Usage)

	text := completion.Message.TextValue()
	if s.output == nil {
		return next(map[string]any{PromptOutput: text}), nil
	}

	var decoded any
	if err := json.Unmarshal([]byte(text), &decoded); err != nil {
		return nil, fmt.Errorf("structured output of %q is not valid JSON: %w", s.name, err)
	}
	value, err := s.output.CastValueInto(decoded)
	if err != nil {
		return nil, fmt.Errorf("structured output of %q: %w", s.name, err)
	}
	return next(map[string]any{s.output.Name: value}), nil
}

// ChoiceSelectionInput names the text input of ChoiceSelectionStep.
const ChoiceSelectionInput = "input"

// Choice is one selectable branch of a ChoiceSelectionStep. Trigger is an
// example input that should select this choice; it is shown to the model
// and accepted as an answer.
type Choice struct {
	Branch      string
	Description string
	Trigger     string
}

// ChoiceSelectionStep asks a model to pick the branch whose description
// best matches the input text. An unparseable answer takes the default
// branch.
type ChoiceSelectionStep struct {
	baseStep
	model   llm.Model
	choices []Choice
}

func NewChoiceSelectionStep(name string, model llm.Model, choices []Choice) *ChoiceSelectionStep {
	return &ChoiceSelectionStep{baseStep: baseStep{name: name}, model: model, choices: choices}
}

func (s *ChoiceSelectionStep) InputDescriptors() []*property.Property {
	return []*property.Property{property.String(ChoiceSelectionInput, "text to route on")}
}

func (s *ChoiceSelectionStep) Branches() []string {
	branches := make([]string, 0, len(s.choices)+1)
	for _, choice := range s.choices {
		branches = append(branches, choice.Branch)
	}
	return append(branches, BranchDefault)
}

func (s *ChoiceSelectionStep) Run(ctx context.Context, run *StepRun) (*StepResult, error) {
	input, _ := run.Inputs[ChoiceSelectionInput].(string)

	var sb strings.Builder
	sb.WriteString("Select the option that best matches the input. Answer with the option name only.\n\nOptions:\n")
	for _, choice := range s.choices {
		fmt.Fprintf(&sb, "- %s: %s", choice.Branch, choice.Description)
		if choice.Trigger != "" {
			fmt.Fprintf(&sb, " (example: %s)", choice.Trigger)
		}
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "\nInput:\n%s\n", input)

	completion, err := s.model.Generate(ctx, &llm.Prompt{
		Messages: []*messages.Message{messages.UserMessage(sb.String())},
	})
	if err != nil {
		return nil, fmt.Errorf("model %q: %w", s.model.ModelID(), err)
	}
	run.Conversation.AddTokenUsage(completion.Usage)

	answer := strings.TrimSpace(completion.Message.TextValue())
	for _, choice := range s.choices {
		if strings.EqualFold(answer, choice.Branch) {
			return &StepResult{Branch: choice.Branch}, nil
		}
		if choice.Trigger != "" && strings.EqualFold(answer, choice.Trigger) {
			return &StepResult{Branch: choice.Branch}, nil
		}
	}
	for _, choice := range s.choices {
		if strings.Contains(strings.ToLower(answer), strings.ToLower(choice.Branch)) {
			return &StepResult{Branch: choice.Branch}, nil
		}
	}
	return &StepResult{Branch: BranchDefault}, nil
}
