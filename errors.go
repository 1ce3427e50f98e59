package framegraph

import "errors"

// Construction errors. These report a caller contract violation and leave
// the graph usable.
var (
	// ErrStaleHandle is returned when a handle belongs to another graph or
	// to a frame that has since been reset.
	ErrStaleHandle = errors.New("framegraph: stale handle")

	// ErrInvalidDescriptor is returned for zero extents, zero sizes,
	// undefined formats, or missing native objects on import.
	ErrInvalidDescriptor = errors.New("framegraph: invalid descriptor")

	// ErrRangeOutOfBounds is returned when a view range does not fit
	// inside its resource.
	ErrRangeOutOfBounds = errors.New("framegraph: range out of bounds")

	// ErrInvalidState is returned when a state does not apply to the
	// resource kind or format it is used with.
	ErrInvalidState = errors.New("framegraph: invalid state")

	// ErrQueueMismatch is returned when a pass declares a state that its
	// queue cannot execute.
	ErrQueueMismatch = errors.New("framegraph: state not supported on queue")

	// ErrConflictingUsage is returned when one pass uses the same
	// subresource in two states with different layouts.
	ErrConflictingUsage = errors.New("framegraph: conflicting usages in one pass")

	// ErrNoFinalOutput is returned by Compile when no pass touches the
	// final output.
	ErrNoFinalOutput = errors.New("framegraph: final output is never produced")

	// ErrAlreadyCompiled is returned when the graph is modified or
	// compiled again before Reset.
	ErrAlreadyCompiled = errors.New("framegraph: graph already compiled; call Reset")

	// ErrNotDeclared is returned when a record callback resolves a
	// resource or view its pass did not declare.
	ErrNotDeclared = errors.New("framegraph: resource not declared by pass")

	// ErrNotHostVisible is returned by Map for device-local buffers.
	ErrNotHostVisible = errors.New("framegraph: buffer is not host visible")

	// ErrTaskRecorded is returned when a task is recorded twice.
	ErrTaskRecorded = errors.New("framegraph: task already recorded")

	// ErrPlanSubmitted is returned when a submitted plan is recorded or
	// submitted again.
	ErrPlanSubmitted = errors.New("framegraph: plan already submitted")
)

// Fatal errors. Only Reset recovers from these.
var (
	// ErrAllocationFailed wraps native allocation failures.
	ErrAllocationFailed = errors.New("framegraph: resource allocation failed")

	// ErrQueryBudget is returned when a frame needs more timestamp
	// queries than WithTimingQueries allows.
	ErrQueryBudget = errors.New("framegraph: timestamp query budget exceeded")

	// ErrDevice wraps errors returned by the Device during recording,
	// submission, or fence waits.
	ErrDevice = errors.New("framegraph: device error")
)

// IsFatal reports whether err belongs to the fatal class: the frame cannot
// continue and the graph must be Reset.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAllocationFailed) ||
		errors.Is(err, ErrQueryBudget) ||
		errors.Is(err, ErrDevice)
}
