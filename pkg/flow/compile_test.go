package flow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wayflowcore/wayflow-go/pkg/property"
)

// testStep is a configurable step for exercising the compiler.
type testStep struct {
	baseStep
	inputs   []*property.Property
	outputs  []*property.Property
	branches []string
	run      func(ctx context.Context, run *StepRun) (*StepResult, error)
}

func (s *testStep) InputDescriptors() []*property.Property  { return s.inputs }
func (s *testStep) OutputDescriptors() []*property.Property { return s.outputs }

func (s *testStep) Branches() []string {
	if s.branches == nil {
		return []string{BranchNext}
	}
	return s.branches
}

func (s *testStep) Run(ctx context.Context, run *StepRun) (*StepResult, error) {
	if s.run != nil {
		return s.run(ctx, run)
	}
	return next(nil), nil
}

func descriptorNames(descriptors []*property.Property) []string {
	names := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		names = append(names, d.Name)
	}
	return names
}

func TestFlowInfersInputsAndOutputs(t *testing.T) {
	f, err := New("greeter",
		WithSteps(NewOutputMessageStep("greet", "Hello {{name}}")),
	)
	require.NoError(t, err)

	assert.Equal(t, []string{"name"}, descriptorNames(f.InputDescriptors()))
	assert.Equal(t, []string{OutputMessageOutput}, descriptorNames(f.OutputDescriptors()))
}

func TestFlowValidationFailures(t *testing.T) {
	tests := []struct {
		name string
		opts []FlowOption
		kind ValidationKind
	}{
		{
			name: "duplicate step name",
			opts: []FlowOption{WithSteps(
				NewOutputMessageStep("say", "a"),
				NewOutputMessageStep("say", "b"),
			)},
			kind: DuplicateStepName,
		},
		{
			name: "edge to unknown step",
			opts: []FlowOption{
				WithSteps(NewOutputMessageStep("say", "a")),
				WithControlFlowEdges(ControlFlowEdge{Source: "say", SourceBranch: BranchNext, Destination: "nowhere"}),
			},
			kind: DanglingEdge,
		},
		{
			name: "edge from unknown step",
			opts: []FlowOption{
				WithSteps(NewOutputMessageStep("say", "a")),
				WithControlFlowEdges(ControlFlowEdge{Source: "ghost", SourceBranch: BranchNext, Destination: "say"}),
			},
			kind: DanglingEdge,
		},
		{
			name: "undeclared branch",
			opts: []FlowOption{
				WithSteps(NewOutputMessageStep("say", "a"), NewOutputMessageStep("then", "b")),
				WithControlFlowEdges(
					ControlFlowEdge{Source: "say", SourceBranch: "sideways", Destination: "then"},
					ControlFlowEdge{Source: "say", SourceBranch: BranchNext, Destination: "then"},
				),
			},
			kind: DanglingEdge,
		},
		{
			name: "start step as destination",
			opts: []FlowOption{
				WithSteps(NewStartStep("start"), NewOutputMessageStep("say", "a")),
				WithControlFlowEdges(
					ControlFlowEdge{Source: "start", SourceBranch: BranchNext, Destination: "say"},
					ControlFlowEdge{Source: "say", SourceBranch: BranchNext, Destination: "start"},
				),
			},
			kind: ForbiddenStartStepAsDestination,
		},
		{
			name: "two edges on one branch",
			opts: []FlowOption{
				WithSteps(NewOutputMessageStep("say", "a"), NewOutputMessageStep("b1", "b"), NewOutputMessageStep("b2", "c")),
				WithControlFlowEdges(
					ControlFlowEdge{Source: "say", SourceBranch: BranchNext, Destination: "b1"},
					ControlFlowEdge{Source: "say", SourceBranch: BranchNext, Destination: "b2"},
				),
			},
			kind: DuplicateBranch,
		},
		{
			name: "transitions combined with edges",
			opts: []FlowOption{
				WithSteps(NewOutputMessageStep("say", "a"), NewOutputMessageStep("then", "b")),
				WithTransitions(map[string][]string{"say": {"then"}}),
				WithControlFlowEdges(ControlFlowEdge{Source: "say", SourceBranch: BranchNext, Destination: "then"}),
			},
			kind: LegacyTransitionsConflict,
		},
		{
			name: "conflicting input types",
			opts: []FlowOption{WithSteps(
				&testStep{baseStep: baseStep{name: "a"}, inputs: []*property.Property{property.String("value", "")}},
				&testStep{baseStep: baseStep{name: "b"}, inputs: []*property.Property{property.Boolean("value", "")}},
			), WithTransitions(map[string][]string{"a": {"b"}})},
			kind: ConflictingInputType,
		},
		{
			name: "declared inputs omit a required one",
			opts: []FlowOption{
				WithSteps(NewOutputMessageStep("greet", "Hello {{name}}")),
				WithInputDescriptors(property.String("unrelated", "")),
			},
			kind: MissingRequiredInput,
		},
		{
			name: "declared output incompatible with produced type",
			opts: []FlowOption{
				WithSteps(NewOutputMessageStep("say", "hi")),
				WithOutputDescriptors(property.Boolean(OutputMessageOutput, "")),
			},
			kind: ConflictingInputType,
		},
		{
			name: "unreachable step",
			opts: []FlowOption{
				WithSteps(NewOutputMessageStep("say", "a"), NewOutputMessageStep("island", "b")),
				WithBeginStep("say"),
				WithControlFlowEdges(ControlFlowEdge{Source: "say", SourceBranch: BranchNext}),
			},
			kind: DanglingEdge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New("broken", tt.opts...)
			require.Error(t, err)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.kind, verr.Kind)
		})
	}
}

func TestFlowOutputsRequireEveryExitPath(t *testing.T) {
	// "maybe" is produced on one branch only; "always" on both.
	router := &testStep{
		baseStep: baseStep{name: "router"},
		outputs:  []*property.Property{property.String("always", "")},
		branches: []string{"left", "right"},
	}
	producer := &testStep{
		baseStep: baseStep{name: "producer"},
		outputs:  []*property.Property{property.String("maybe", "")},
	}

	f, err := New("split",
		WithSteps(router, producer),
		WithBeginStep("router"),
		WithControlFlowEdges(
			ControlFlowEdge{Source: "router", SourceBranch: "left", Destination: "producer"},
			ControlFlowEdge{Source: "router", SourceBranch: "right"},
			ControlFlowEdge{Source: "producer", SourceBranch: BranchNext},
		),
	)
	require.NoError(t, err)

	assert.Equal(t, []string{"always"}, descriptorNames(f.OutputDescriptors()))
}

func TestFlowOutputsContractThroughLoops(t *testing.T) {
	// The loop body produces "inside" after the router has already been
	// visited once, so it never counts on the exit taken on the first pass.
	router := &testStep{
		baseStep: baseStep{name: "router"},
		branches: []string{"loop", "exit"},
	}
	body := &testStep{
		baseStep: baseStep{name: "body"},
		outputs:  []*property.Property{property.String("inside", "")},
	}

	f, err := New("looper",
		WithSteps(router, body),
		WithBeginStep("router"),
		WithControlFlowEdges(
			ControlFlowEdge{Source: "router", SourceBranch: "loop", Destination: "body"},
			ControlFlowEdge{Source: "body", SourceBranch: BranchNext, Destination: "router"},
			ControlFlowEdge{Source: "router", SourceBranch: "exit"},
		),
	)
	require.NoError(t, err)

	assert.Empty(t, descriptorNames(f.OutputDescriptors()))
}

func TestFlowSharesCompatibleInputs(t *testing.T) {
	f, err := New("shared",
		WithSteps(
			NewOutputMessageStep("first", "Hi {{name}}"),
			NewOutputMessageStep("second", "Bye {{name}}"),
		),
		WithTransitions(map[string][]string{"first": {"second"}}),
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"name"}, descriptorNames(f.InputDescriptors()))
}

func TestFlowDataEdgeValidation(t *testing.T) {
	step, err := NewRegexExtractionStep("extract", `\d+`)
	require.NoError(t, err)

	_, err = New("wired",
		WithSteps(NewOutputMessageStep("say", "order 42"), step),
		WithTransitions(map[string][]string{"say": {"extract"}}),
		WithDataFlowEdges(DataFlowEdge{
			SourceStep: "say", SourceOutput: "no_such_output",
			DestinationStep: "extract", DestinationInput: RegexTextInput,
		}),
	)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, DanglingEdge, verr.Kind)
}

func TestFlowDeclaredDescriptorsWin(t *testing.T) {
	f, err := New("declared",
		WithSteps(NewOutputMessageStep("greet", "Hello {{name}}")),
		WithInputDescriptors(property.String("name", "who to greet")),
		WithOutputDescriptors(property.String(OutputMessageOutput, "the greeting")),
	)
	require.NoError(t, err)
	require.Len(t, f.InputDescriptors(), 1)
	assert.Equal(t, "who to greet", f.InputDescriptors()[0].Description)
}
