package flow

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wayflowcore/wayflow-go/pkg/conversation"
	"github.com/wayflowcore/wayflow-go/pkg/messages"
	"github.com/wayflowcore/wayflow-go/pkg/observability"
	"github.com/wayflowcore/wayflow-go/pkg/property"
)

// ControlFlowEdge routes one named branch of a source step to a destination
// step. An empty destination exits the flow.
type ControlFlowEdge struct {
	Source       string
	SourceBranch string
	Destination  string
}

// DataFlowEdge wires one step output to another step's input.
type DataFlowEdge struct {
	SourceStep       string
	SourceOutput     string
	DestinationStep  string
	DestinationInput string
}

// ContextProvider produces named values available as step inputs without an
// explicit data edge. Providers are re-evaluated lazily once per step
// invocation.
type ContextProvider interface {
	Name() string
	OutputDescriptors() []*property.Property
	Provide(ctx context.Context, conv *conversation.Conversation) (map[string]any, error)
}

// Variable is a per-conversation key/value slot accessed through
// VariableReadStep and VariableWriteStep.
type Variable struct {
	Name         string
	Type         *property.Property
	DefaultValue any
}

// Flow is a compiled step graph. Construction resolves the flow's inputs
// and outputs and validates the topology; a flow that constructed without
// error executes without further validation.
type Flow struct {
	name        string
	description string

	steps            map[string]Step
	order            []string
	beginStep        string
	controlEdges     []ControlFlowEdge
	dataEdges        []DataFlowEdge
	contextProviders []ContextProvider
	variables        []*Variable

	declaredInputs  []*property.Property
	declaredOutputs []*property.Property

	inputDescriptors  []*property.Property
	outputDescriptors []*property.Property
	inputSources      map[string]map[string]inputSource
	edgeIndex         map[string]map[string]ControlFlowEdge
}

// FlowOption configures flow construction.
type FlowOption func(*flowConfig)

type flowConfig struct {
	description      string
	steps            []Step
	beginStep        string
	controlEdges     []ControlFlowEdge
	dataEdges        []DataFlowEdge
	contextProviders []ContextProvider
	variables        []*Variable
	declaredInputs   []*property.Property
	declaredOutputs  []*property.Property
	transitions      map[string][]string
}

func WithDescription(description string) FlowOption {
	return func(c *flowConfig) { c.description = description }
}

func WithSteps(steps ...Step) FlowOption {
	return func(c *flowConfig) { c.steps = append(c.steps, steps...) }
}

func WithBeginStep(name string) FlowOption {
	return func(c *flowConfig) { c.beginStep = name }
}

func WithControlFlowEdges(edges ...ControlFlowEdge) FlowOption {
	return func(c *flowConfig) { c.controlEdges = append(c.controlEdges, edges...) }
}

func WithDataFlowEdges(edges ...DataFlowEdge) FlowOption {
	return func(c *flowConfig) { c.dataEdges = append(c.dataEdges, edges...) }
}

func WithContextProviders(providers ...ContextProvider) FlowOption {
	return func(c *flowConfig) { c.contextProviders = append(c.contextProviders, providers...) }
}

func WithVariables(variables ...*Variable) FlowOption {
	return func(c *flowConfig) { c.variables = append(c.variables, variables...) }
}

func WithInputDescriptors(descriptors ...*property.Property) FlowOption {
	return func(c *flowConfig) { c.declaredInputs = append(c.declaredInputs, descriptors...) }
}

func WithOutputDescriptors(descriptors ...*property.Property) FlowOption {
	return func(c *flowConfig) { c.declaredOutputs = append(c.declaredOutputs, descriptors...) }
}

// WithTransitions is the legacy step-name to next-step-names API. It cannot
// be combined with WithControlFlowEdges.
func WithTransitions(transitions map[string][]string) FlowOption {
	return func(c *flowConfig) { c.transitions = transitions }
}

// New compiles a flow. Every topology or typing problem is reported as a
// ValidationError.
func New(name string, opts ...FlowOption) (*Flow, error) {
	cfg := &flowConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	if len(cfg.transitions) > 0 && len(cfg.controlEdges) > 0 {
		return nil, validationErrorf(LegacyTransitionsConflict,
			"both transitions and control flow edges were supplied; use control flow edges")
	}
	if len(cfg.transitions) > 0 {
		for src, dsts := range cfg.transitions {
			for _, dst := range dsts {
				cfg.controlEdges = append(cfg.controlEdges, ControlFlowEdge{
					Source: src, SourceBranch: BranchNext, Destination: dst,
				})
			}
		}
	}

	f := &Flow{
		name:             name,
		description:      cfg.description,
		steps:            make(map[string]Step, len(cfg.steps)),
		beginStep:        cfg.beginStep,
		controlEdges:     cfg.controlEdges,
		dataEdges:        cfg.dataEdges,
		contextProviders: cfg.contextProviders,
		variables:        cfg.variables,
		declaredInputs:   cfg.declaredInputs,
		declaredOutputs:  cfg.declaredOutputs,
	}

	for _, step := range cfg.steps {
		if _, exists := f.steps[step.Name()]; exists {
			return nil, validationErrorf(DuplicateStepName, "step %q is defined twice", step.Name())
		}
		f.steps[step.Name()] = step
		f.order = append(f.order, step.Name())
	}

	if err := f.ensureStartStep(); err != nil {
		return nil, err
	}
	if err := f.compile(); err != nil {
		return nil, err
	}
	return f, nil
}

// MustNew panics on validation errors, for statically known flows.
func MustNew(name string, opts ...FlowOption) *Flow {
	f, err := New(name, opts...)
	if err != nil {
		panic(err)
	}
	return f
}

func (f *Flow) Name() string        { return f.name }
func (f *Flow) Description() string { return f.description }

// InputDescriptors lists the values the flow requires from its caller.
func (f *Flow) InputDescriptors() []*property.Property { return f.inputDescriptors }

// OutputDescriptors lists the values the flow produces on every exit path.
func (f *Flow) OutputDescriptors() []*property.Property { return f.outputDescriptors }

// Steps returns the step set keyed by name.
func (f *Flow) Steps() map[string]Step { return f.steps }

// BeginStep returns the name of the entry step.
func (f *Flow) BeginStep() string { return f.beginStep }

// ensureStartStep guarantees exactly one StartStep, inserting one ahead of
// the declared begin step when absent.
func (f *Flow) ensureStartStep() error {
	var starts []string
	for name, step := range f.steps {
		if _, ok := step.(*StartStep); ok {
			starts = append(starts, name)
		}
	}
	switch len(starts) {
	case 0:
		if f.beginStep == "" && len(f.order) > 0 {
			f.beginStep = f.order[0]
		}
		start := NewStartStep("__start__")
		f.steps[start.Name()] = start
		f.order = append([]string{start.Name()}, f.order...)
		if f.beginStep != "" {
			f.controlEdges = append(f.controlEdges, ControlFlowEdge{
				Source: start.Name(), SourceBranch: BranchNext, Destination: f.beginStep,
			})
		}
		f.beginStep = start.Name()
	case 1:
		if f.beginStep == "" {
			f.beginStep = starts[0]
		} else if f.beginStep != starts[0] {
			return validationErrorf(ForbiddenStartStepAsDestination,
				"start step %q is not the begin step", starts[0])
		}
	default:
		return validationErrorf(DuplicateStepName, "flow has %d start steps", len(starts))
	}
	return nil
}

// State is the flow-specific execution state stored on the conversation.
type State struct {
	CurrentStep string
	IOValues    map[string]any
	Variables   map[string]any

	// YieldedStep names the step awaiting resume after a yield.
	YieldedStep string

	// PendingRequests holds the tool requests the yielded step is waiting
	// on, keyed by step name.
	PendingRequests map[string][]messages.ToolRequest

	// Subconversations holds the live subconversation of each composite
	// step, keyed by step name.
	Subconversations map[string]*conversation.Conversation
}

func (f *Flow) stateOf(conv *conversation.Conversation) (*State, error) {
	if state, ok := conv.State.(*State); ok {
		return state, nil
	}
	state := &State{
		CurrentStep:      f.beginStep,
		IOValues:         make(map[string]any),
		Variables:        make(map[string]any),
		PendingRequests:  make(map[string][]messages.ToolRequest),
		Subconversations: make(map[string]*conversation.Conversation),
	}
	for _, descriptor := range f.inputDescriptors {
		value, ok := conv.Inputs[descriptor.Name]
		if !ok {
			if !descriptor.HasDefault() {
				return nil, fmt.Errorf("missing required flow input %q", descriptor.Name)
			}
			state.IOValues[descriptor.Name] = descriptor.DefaultValue
			continue
		}
		cast, err := descriptor.CastValueInto(value)
		if err != nil {
			return nil, fmt.Errorf("flow input %q: %w", descriptor.Name, err)
		}
		state.IOValues[descriptor.Name] = cast
	}
	for _, variable := range f.variables {
		state.Variables[variable.Name] = variable.DefaultValue
	}
	conv.State = state
	return state, nil
}

// Execute drives the conversation step by step until a yield condition or a
// terminal state. It implements conversation.Component.
func (f *Flow) Execute(ctx context.Context, conv *conversation.Conversation) (conversation.ExecutionStatus, error) {
	state, err := f.stateOf(conv)
	if err != nil {
		return nil, err
	}

	for {
		if reason, fired := conv.CheckInterrupts(); fired {
			return conv.NewInterruptedStatus(reason), nil
		}

		stepName := state.CurrentStep
		step, ok := f.steps[stepName]
		if !ok {
			return nil, fmt.Errorf("flow %q has no step %q", f.name, stepName)
		}

		inputs, err := f.resolveInputs(ctx, conv, state, step)
		if err != nil {
			return nil, err
		}

		conv.Emit(&conversation.StepInvocationStartedEvent{
			ConversationID: conv.ID,
			StepName:       stepName,
		})

		run := &StepRun{
			Conversation: conv,
			Inputs:       inputs,
			Resuming:     state.YieldedStep == stepName,
			flow:         f,
			state:        state,
		}
		stepCtx, span := observability.GetTracer("wayflow.flow").Start(ctx,
			observability.SpanStepExecution,
			trace.WithAttributes(attribute.String(observability.AttrStepName, stepName)))
		result, err := step.Run(stepCtx, run)
		span.End()
		if err != nil {
			return nil, fmt.Errorf("step %q: %w", stepName, err)
		}

		if result.Yield != nil {
			state.YieldedStep = stepName
			return result.Yield, nil
		}
		state.YieldedStep = ""

		for name, value := range result.Outputs {
			state.IOValues[name] = value
		}

		// A branch without an outgoing edge exits the flow, like an edge
		// with an empty destination. Compilation warned about it already.
		edge, ok := f.edgeIndex[stepName][result.Branch]
		if !ok || edge.Destination == "" {
			return f.finish(conv, state, result.Branch), nil
		}
		if complete, ok := f.steps[edge.Destination].(*CompleteStep); ok {
			return f.finish(conv, state, complete.BranchName()), nil
		}
		state.CurrentStep = edge.Destination
	}
}

func (f *Flow) finish(conv *conversation.Conversation, state *State, branch string) conversation.ExecutionStatus {
	outputs := make(map[string]any, len(f.outputDescriptors))
	for _, descriptor := range f.outputDescriptors {
		if value, ok := state.IOValues[descriptor.Name]; ok {
			outputs[descriptor.Name] = value
		} else if descriptor.HasDefault() {
			outputs[descriptor.Name] = descriptor.DefaultValue
		}
	}
	return conv.NewFinishedStatus(outputs, branch)
}

// resolveInputs gathers a step's input values from data edges, context
// providers, flow inputs, and defaults, casting each into the declared
// descriptor.
func (f *Flow) resolveInputs(ctx context.Context, conv *conversation.Conversation, state *State, step Step) (map[string]any, error) {
	descriptors := step.InputDescriptors()
	if len(descriptors) == 0 {
		return nil, nil
	}

	sources := f.inputSources[step.Name()]
	inputs := make(map[string]any, len(descriptors))
	providerValues := make(map[string]map[string]any)

	for _, descriptor := range descriptors {
		source := sources[descriptor.Name]
		var value any
		var found bool

		switch source.kind {
		case sourceDataEdge:
			value, found = state.IOValues[source.valueName]
		case sourceContextProvider:
			values, cached := providerValues[source.provider]
			if !cached {
				provider := f.providerByName(source.provider)
				produced, err := provider.Provide(ctx, conv)
				if err != nil {
					return nil, fmt.Errorf("context provider %q: %w", source.provider, err)
				}
				providerValues[source.provider] = produced
				values = produced
			}
			value, found = values[source.valueName]
		case sourceFlowInput:
			value, found = state.IOValues[source.valueName]
		}

		if !found {
			if descriptor.HasDefault() {
				inputs[descriptor.Name] = descriptor.DefaultValue
				continue
			}
			return nil, fmt.Errorf("step %q input %q has no value", step.Name(), descriptor.Name)
		}
		cast, err := descriptor.CastValueInto(value)
		if err != nil {
			return nil, fmt.Errorf("step %q input %q: %w", step.Name(), descriptor.Name, err)
		}
		inputs[descriptor.Name] = cast
	}
	return inputs, nil
}

func (f *Flow) providerByName(name string) ContextProvider {
	for _, provider := range f.contextProviders {
		if provider.Name() == name {
			return provider
		}
	}
	return nil
}

var _ conversation.Component = (*Flow)(nil)
