package flow

import "fmt"

// ValidationKind names the class of a flow-construction failure.
type ValidationKind string

const (
	MissingRequiredInput            ValidationKind = "missing_required_input"
	ConflictingInputType            ValidationKind = "conflicting_input_type"
	DuplicateStepName               ValidationKind = "duplicate_step_name"
	DanglingEdge                    ValidationKind = "dangling_edge"
	ForbiddenStartStepAsDestination ValidationKind = "forbidden_start_step_as_destination"
	DuplicateBranch                 ValidationKind = "duplicate_branch"
	LegacyTransitionsConflict       ValidationKind = "legacy_transitions_conflict"
)

// ValidationError is raised at flow construction and never caught
// internally.
type ValidationError struct {
	Kind   ValidationKind
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid flow (%s): %s", e.Kind, e.Detail)
}

func validationErrorf(kind ValidationKind, format string, args ...any) *ValidationError {
	return &ValidationError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}
