package flow

import (
	"log/slog"
	"sort"

	"github.com/wayflowcore/wayflow-go/pkg/property"
)

type sourceKind int

const (
	sourceFlowInput sourceKind = iota
	sourceDataEdge
	sourceContextProvider
	sourceDefault
)

// inputSource records where one step input gets its value from.
type inputSource struct {
	kind      sourceKind
	valueName string
	provider  string
}

// compile is the I/O resolver: it validates the topology, decides the
// source of every step input, derives the flow's own input descriptors from
// the unsatisfied ones, and computes the outputs produced on every exit
// path.
func (f *Flow) compile() error {
	if err := f.validateControlEdges(); err != nil {
		return err
	}
	if err := f.validateDataEdges(); err != nil {
		return err
	}
	if err := f.resolveSources(); err != nil {
		return err
	}
	if err := f.resolveOutputs(); err != nil {
		return err
	}
	return nil
}

func (f *Flow) validateControlEdges() error {
	f.edgeIndex = make(map[string]map[string]ControlFlowEdge)

	for _, edge := range f.controlEdges {
		source, ok := f.steps[edge.Source]
		if !ok {
			return validationErrorf(DanglingEdge, "edge leaves unknown step %q", edge.Source)
		}
		if edge.Destination != "" {
			if _, ok := f.steps[edge.Destination]; !ok {
				return validationErrorf(DanglingEdge, "edge from %q targets unknown step %q", edge.Source, edge.Destination)
			}
			if edge.Destination == f.beginStep {
				if _, isStart := f.steps[f.beginStep].(*StartStep); isStart {
					return validationErrorf(ForbiddenStartStepAsDestination,
						"edge from %q targets the start step", edge.Source)
				}
			}
		}

		declared := false
		for _, branch := range source.Branches() {
			if branch == edge.SourceBranch {
				declared = true
				break
			}
		}
		if !declared {
			return validationErrorf(DanglingEdge,
				"step %q declares no branch %q", edge.Source, edge.SourceBranch)
		}

		branches := f.edgeIndex[edge.Source]
		if branches == nil {
			branches = make(map[string]ControlFlowEdge)
			f.edgeIndex[edge.Source] = branches
		}
		if _, dup := branches[edge.SourceBranch]; dup {
			return validationErrorf(DuplicateBranch,
				"step %q has two edges for branch %q", edge.Source, edge.SourceBranch)
		}
		branches[edge.SourceBranch] = edge
	}

	for _, name := range f.order {
		step := f.steps[name]
		if _, isComplete := step.(*CompleteStep); isComplete {
			continue
		}
		for _, branch := range step.Branches() {
			if _, covered := f.edgeIndex[name][branch]; !covered {
				slog.Warn("flow branch has no outgoing edge", "flow", f.name, "step", name, "branch", branch)
			}
		}
		if name == f.beginStep {
			continue
		}
		if !f.isDestination(name) {
			return validationErrorf(DanglingEdge, "step %q is not reachable by any edge", name)
		}
	}
	return nil
}

func (f *Flow) isDestination(name string) bool {
	for _, edge := range f.controlEdges {
		if edge.Destination == name {
			return true
		}
	}
	return false
}

func (f *Flow) validateDataEdges() error {
	for _, edge := range f.dataEdges {
		source, ok := f.steps[edge.SourceStep]
		if !ok {
			return validationErrorf(DanglingEdge, "data edge reads unknown step %q", edge.SourceStep)
		}
		destination, ok := f.steps[edge.DestinationStep]
		if !ok {
			return validationErrorf(DanglingEdge, "data edge writes unknown step %q", edge.DestinationStep)
		}
		if _, isStart := source.(*StartStep); !isStart {
			if descriptorByName(source.OutputDescriptors(), edge.SourceOutput) == nil {
				return validationErrorf(DanglingEdge,
					"step %q has no output %q", edge.SourceStep, edge.SourceOutput)
			}
		}
		if descriptorByName(destination.InputDescriptors(), edge.DestinationInput) == nil {
			return validationErrorf(DanglingEdge,
				"step %q has no input %q", edge.DestinationStep, edge.DestinationInput)
		}
	}
	return nil
}

// resolveSources decides, for every step input, whether a data edge, a
// context provider, a default, or a flow input satisfies it. Unsatisfied
// inputs become flow inputs; same-named flow inputs from different steps
// must be type-compatible.
func (f *Flow) resolveSources() error {
	providerOutputs := make(map[string]string)
	for _, provider := range f.contextProviders {
		for _, descriptor := range provider.OutputDescriptors() {
			providerOutputs[descriptor.Name] = provider.Name()
		}
	}

	dataEdgeFor := func(step, input string) *DataFlowEdge {
		for i := range f.dataEdges {
			edge := &f.dataEdges[i]
			if edge.DestinationStep == step && edge.DestinationInput == input {
				return edge
			}
		}
		return nil
	}

	f.inputSources = make(map[string]map[string]inputSource)
	inferred := make(map[string]*property.Property)
	var inferredOrder []string
	upstream := f.upstreamProduced()

	for _, name := range f.order {
		step := f.steps[name]
		sources := make(map[string]inputSource)
		for _, descriptor := range step.InputDescriptors() {
			if edge := dataEdgeFor(name, descriptor.Name); edge != nil {
				sources[descriptor.Name] = inputSource{kind: sourceDataEdge, valueName: edge.SourceOutput}
				continue
			}
			if provider, ok := providerOutputs[descriptor.Name]; ok {
				sources[descriptor.Name] = inputSource{kind: sourceContextProvider, provider: provider, valueName: descriptor.Name}
				continue
			}
			// A same-named output guaranteed by every path into this step
			// wires by name; explicit data edges override it above.
			if upstream[name][descriptor.Name] {
				sources[descriptor.Name] = inputSource{kind: sourceDataEdge, valueName: descriptor.Name}
				continue
			}
			if descriptor.HasDefault() {
				sources[descriptor.Name] = inputSource{kind: sourceDefault}
				continue
			}

			// Unsatisfied: the value must come from the flow caller. Two
			// steps requesting the same name share one flow input when the
			// types are compatible.
			if existing, ok := inferred[descriptor.Name]; ok {
				if !existing.CompatibleWith(descriptor) && !descriptor.CompatibleWith(existing) {
					return validationErrorf(ConflictingInputType,
						"input %q is requested as %s and as %s", descriptor.Name, existing.Kind, descriptor.Kind)
				}
				if existing.Kind != descriptor.Kind {
					slog.Warn("flow input requested with different compatible types",
						"flow", f.name, "input", descriptor.Name)
				}
			} else {
				inferred[descriptor.Name] = descriptor
				inferredOrder = append(inferredOrder, descriptor.Name)
			}
			sources[descriptor.Name] = inputSource{kind: sourceFlowInput, valueName: descriptor.Name}
		}
		f.inputSources[name] = sources
	}

	if len(f.declaredInputs) > 0 {
		declared := make(map[string]*property.Property, len(f.declaredInputs))
		for _, descriptor := range f.declaredInputs {
			declared[descriptor.Name] = descriptor
		}
		for _, name := range inferredOrder {
			descriptor := inferred[name]
			override, ok := declared[name]
			if !ok {
				if !descriptor.HasDefault() {
					return validationErrorf(MissingRequiredInput,
						"declared input descriptors omit required input %q", name)
				}
				slog.Warn("declared input descriptors omit auto-detected input",
					"flow", f.name, "input", name)
				continue
			}
			if !override.CompatibleWith(descriptor) && !descriptor.CompatibleWith(override) {
				return validationErrorf(ConflictingInputType,
					"declared input %q (%s) is incompatible with inferred type %s", name, override.Kind, descriptor.Kind)
			}
		}
		f.inputDescriptors = f.declaredInputs
	} else {
		for _, name := range inferredOrder {
			f.inputDescriptors = append(f.inputDescriptors, inferred[name])
		}
	}

	// The start step exposes the flow inputs as its outputs.
	if start, ok := f.steps[f.beginStep].(*StartStep); ok {
		start.setOutputs(f.inputDescriptors)
	}
	return nil
}

// upstreamProduced computes, per step, the values guaranteed to exist when
// the step runs: outputs produced by non-start steps on every path from the
// begin step. Loops contract monotonically, as in resolveOutputs.
func (f *Flow) upstreamProduced() map[string]map[string]bool {
	produced := make(map[string]map[string]bool)
	visited := map[string]bool{f.beginStep: true}
	produced[f.beginStep] = make(map[string]bool)
	queue := []string{f.beginStep}

	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		step := f.steps[name]

		after := make(map[string]bool, len(produced[name]))
		for value := range produced[name] {
			after[value] = true
		}
		if _, isStart := step.(*StartStep); !isStart {
			for _, descriptor := range step.OutputDescriptors() {
				after[descriptor.Name] = true
			}
		}

		for _, edge := range f.edgeIndex[name] {
			if edge.Destination == "" {
				continue
			}
			if !visited[edge.Destination] {
				visited[edge.Destination] = true
				produced[edge.Destination] = after
				queue = append(queue, edge.Destination)
				continue
			}
			merged, shrank := intersect(produced[edge.Destination], after)
			if shrank {
				produced[edge.Destination] = merged
				queue = append(queue, edge.Destination)
			}
		}
	}
	return produced
}

// resolveOutputs computes the set of values produced on every path to every
// exit. Loops contract monotonically: a step is revisited only when the
// incoming produced set would shrink its recorded set, which guarantees a
// fixed point.
func (f *Flow) resolveOutputs() error {
	produced := make(map[string]map[string]bool)
	visited := make(map[string]bool)
	var exitSets []map[string]bool

	produced[f.beginStep] = make(map[string]bool)
	visited[f.beginStep] = true
	queue := []string{f.beginStep}

	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		step := f.steps[name]

		after := make(map[string]bool, len(produced[name]))
		for value := range produced[name] {
			after[value] = true
		}
		for _, descriptor := range step.OutputDescriptors() {
			after[descriptor.Name] = true
		}

		edges := f.edgeIndex[name]
		if _, isComplete := step.(*CompleteStep); isComplete || len(edges) == 0 {
			exitSets = append(exitSets, after)
			continue
		}
		for _, edge := range edges {
			if edge.Destination == "" {
				exitSets = append(exitSets, after)
				continue
			}
			if _, ok := f.steps[edge.Destination].(*CompleteStep); ok {
				exitSets = append(exitSets, after)
				continue
			}
			if !visited[edge.Destination] {
				visited[edge.Destination] = true
				produced[edge.Destination] = after
				queue = append(queue, edge.Destination)
				continue
			}
			merged, shrank := intersect(produced[edge.Destination], after)
			if shrank {
				produced[edge.Destination] = merged
				queue = append(queue, edge.Destination)
			}
		}
	}

	if len(exitSets) == 0 {
		f.outputDescriptors = nil
		return nil
	}

	common := exitSets[0]
	for _, set := range exitSets[1:] {
		common, _ = intersect(common, set)
	}

	var inferred []*property.Property
	names := make([]string, 0, len(common))
	for name := range common {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		descriptor := f.producerDescriptor(name)
		if descriptor == nil {
			// Produced only by the start step: a flow input, not an output.
			continue
		}
		inferred = append(inferred, descriptor)
	}

	if len(f.declaredOutputs) > 0 {
		inferredByName := make(map[string]*property.Property, len(inferred))
		for _, descriptor := range inferred {
			inferredByName[descriptor.Name] = descriptor
		}
		for _, declared := range f.declaredOutputs {
			detected, ok := inferredByName[declared.Name]
			if !ok {
				slog.Warn("declared output was not auto-detected on every exit path",
					"flow", f.name, "output", declared.Name)
				continue
			}
			if !detected.CompatibleWith(declared) && !declared.CompatibleWith(detected) {
				return validationErrorf(ConflictingInputType,
					"declared output %q (%s) is incompatible with produced type %s", declared.Name, declared.Kind, detected.Kind)
			}
		}
		f.outputDescriptors = f.declaredOutputs
	} else {
		f.outputDescriptors = inferred
	}
	return nil
}

// producerDescriptor finds the descriptor of a value produced by a
// non-start step.
func (f *Flow) producerDescriptor(name string) *property.Property {
	for _, stepName := range f.order {
		step := f.steps[stepName]
		if _, isStart := step.(*StartStep); isStart {
			continue
		}
		if descriptor := descriptorByName(step.OutputDescriptors(), name); descriptor != nil {
			return descriptor
		}
	}
	return nil
}

func descriptorByName(descriptors []*property.Property, name string) *property.Property {
	for _, descriptor := range descriptors {
		if descriptor.Name == name {
			return descriptor
		}
	}
	return nil
}

// intersect returns the intersection and whether it is smaller than a.
func intersect(a, b map[string]bool) (map[string]bool, bool) {
	out := make(map[string]bool, len(a))
	for value := range a {
		if b[value] {
			out[value] = true
		}
	}
	return out, len(out) < len(a)
}
