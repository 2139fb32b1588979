package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wayflowcore/wayflow-go/pkg/conversation"
	"github.com/wayflowcore/wayflow-go/pkg/datastore"
	"github.com/wayflowcore/wayflow-go/pkg/property"
)

// FlowExecutionStep runs another flow as a single step. The subflow's
// inputs and outputs become the step's own; a yield inside the subflow
// suspends the outer flow at this step and resumes into the subflow.
type FlowExecutionStep struct {
	baseStep
	subflow *Flow
}

func NewFlowExecutionStep(name string, subflow *Flow) *FlowExecutionStep {
	return &FlowExecutionStep{baseStep: baseStep{name: name}, subflow: subflow}
}

func (s *FlowExecutionStep) MightYield() bool { return true }

func (s *FlowExecutionStep) InputDescriptors() []*property.Property {
	return s.subflow.InputDescriptors()
}

func (s *FlowExecutionStep) OutputDescriptors() []*property.Property {
	return s.subflow.OutputDescriptors()
}

func (s *FlowExecutionStep) Run(ctx context.Context, run *StepRun) (*StepResult, error) {
	sub := run.Subconversation(s.name, s.subflow, run.Inputs)
	status, err := sub.Execute(ctx)
	if err != nil {
		return nil, fmt.Errorf("subflow %q: %w", s.subflow.Name(), err)
	}
	if finished, ok := status.(*conversation.FinishedStatus); ok {
		run.ClearSubconversation(s.name)
		return next(finished.OutputValues), nil
	}
	return yield(status), nil
}

// Map step names.
const (
	MapIteratedInput = "iterated_input"
	MapOutput        = "output"
)

// MapStep runs a subflow once per element of its input list, sequentially
// or in parallel. The subflow must complete without yielding; suspension
// has no meaningful resume point inside a fan-out.
type MapStep struct {
	baseStep
	subflow  *Flow
	parallel bool
}

func NewMapStep(name string, subflow *Flow, parallel bool) *MapStep {
	return &MapStep{baseStep: baseStep{name: name}, subflow: subflow, parallel: parallel}
}

func (s *MapStep) InputDescriptors() []*property.Property {
	return []*property.Property{
		property.ListOf(MapIteratedInput, "elements to map the subflow over", property.Any("", "")),
	}
}

func (s *MapStep) OutputDescriptors() []*property.Property {
	return []*property.Property{
		property.ListOf(MapOutput, "one subflow result per element", property.Any("", "")),
	}
}

func (s *MapStep) Run(ctx context.Context, run *StepRun) (*StepResult, error) {
	items, ok := run.Inputs[MapIteratedInput].([]any)
	if !ok {
		return nil, fmt.Errorf("map step %q: input %q is not a list", s.name, MapIteratedInput)
	}

	// Subconversations attach to the parent sequentially; only their
	// execution fans out.
	subs := make([]*conversation.Conversation, len(items))
	for i, item := range items {
		inputs, err := s.inputsFor(item)
		if err != nil {
			return nil, err
		}
		subs[i] = run.Conversation.NewSubconversation(s.subflow, inputs)
	}

	results := make([]any, len(items))
	if s.parallel {
		group, groupCtx := errgroup.WithContext(ctx)
		for i := range subs {
			group.Go(func() error {
				result, err := s.runOne(groupCtx, subs[i])
				if err != nil {
					return err
				}
				results[i] = result
				return nil
			})
		}
		if err := group.Wait(); err != nil {
			return nil, err
		}
	} else {
		for i := range subs {
			result, err := s.runOne(ctx, subs[i])
			if err != nil {
				return nil, err
			}
			results[i] = result
		}
	}
	return next(map[string]any{MapOutput: results}), nil
}

func (s *MapStep) runOne(ctx context.Context, sub *conversation.Conversation) (any, error) {
	status, err := sub.Execute(ctx)
	if err != nil {
		return nil, fmt.Errorf("map step %q: %w", s.name, err)
	}
	finished, ok := status.(*conversation.FinishedStatus)
	if !ok {
		return nil, fmt.Errorf("map step %q: subflow %q yielded; mapped subflows must run to completion",
			s.name, s.subflow.Name())
	}
	if len(finished.OutputValues) == 1 {
		for _, value := range finished.OutputValues {
			return value, nil
		}
	}
	return finished.OutputValues, nil
}

// inputsFor spreads a map element over the subflow's inputs; any other
// element binds to the subflow's single input.
func (s *MapStep) inputsFor(item any) (map[string]any, error) {
	if values, ok := item.(map[string]any); ok {
		return values, nil
	}
	descriptors := s.subflow.InputDescriptors()
	if len(descriptors) != 1 {
		return nil, fmt.Errorf("map step %q: subflow %q takes %d inputs; elements must be maps",
			s.name, s.subflow.Name(), len(descriptors))
	}
	return map[string]any{descriptors[0].Name: item}, nil
}

// Retry branch names.
const (
	BranchSuccess = "success"
	BranchFailure = "failure"
)

// RetryStep re-runs a wrapped step on error, waiting between attempts.
// Success routes the inner outputs to the success branch; exhausting the
// budget routes to the failure branch instead of failing the flow.
type RetryStep struct {
	baseStep
	inner      Step
	maxRetries int
	backoff    time.Duration
}

func NewRetryStep(name string, inner Step, maxRetries int, backoff time.Duration) *RetryStep {
	return &RetryStep{baseStep: baseStep{name: name}, inner: inner, maxRetries: maxRetries, backoff: backoff}
}

func (s *RetryStep) InputDescriptors() []*property.Property  { return s.inner.InputDescriptors() }
func (s *RetryStep) OutputDescriptors() []*property.Property { return s.inner.OutputDescriptors() }
func (s *RetryStep) MightYield() bool                        { return s.inner.MightYield() }

func (s *RetryStep) Branches() []string { return []string{BranchSuccess, BranchFailure} }

func (s *RetryStep) Run(ctx context.Context, run *StepRun) (*StepResult, error) {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 && s.backoff > 0 {
			select {
			case <-time.After(s.backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		result, err := s.inner.Run(ctx, run)
		if err == nil {
			if result.Yield != nil {
				return result, nil
			}
			return &StepResult{Branch: BranchSuccess, Outputs: result.Outputs}, nil
		}
		lastErr = err
		slog.Warn("retried step failed", "step", s.inner.Name(), "attempt", attempt+1, "error", err)
	}
	slog.Warn("retried step exhausted its budget", "step", s.inner.Name(), "retries", s.maxRetries, "error", lastErr)
	return &StepResult{Branch: BranchFailure}, nil
}

// Search step names.
const (
	SearchQueryInput    = "query"
	SearchResultsOutput = "search_results"
)

// SearchStep embeds its query input and retrieves the k nearest rows from
// a datastore collection. Each result carries the row values and the
// similarity score.
type SearchStep struct {
	baseStep
	searcher   *datastore.Searcher
	collection string
	k          int
}

func NewSearchStep(name string, searcher *datastore.Searcher, collection string, k int) *SearchStep {
	return &SearchStep{baseStep: baseStep{name: name}, searcher: searcher, collection: collection, k: k}
}

func (s *SearchStep) InputDescriptors() []*property.Property {
	return []*property.Property{property.String(SearchQueryInput, "text to search for")}
}

func (s *SearchStep) OutputDescriptors() []*property.Property {
	return []*property.Property{
		property.ListOf(SearchResultsOutput, "matching rows, best first",
			property.DictOf("", "", property.Any("", ""))),
	}
}

func (s *SearchStep) Run(ctx context.Context, run *StepRun) (*StepResult, error) {
	query, _ := run.Inputs[SearchQueryInput].(string)
	results, err := s.searcher.Search(ctx, s.collection, query, s.k, nil)
	if err != nil {
		return nil, fmt.Errorf("search step %q: %w", s.name, err)
	}
	rows := make([]any, len(results))
	for i, result := range results {
		rows[i] = map[string]any{"values": result.Values, "score": result.Score}
	}
	return next(map[string]any{SearchResultsOutput: rows}), nil
}
