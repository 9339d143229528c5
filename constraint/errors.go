package constraint

import "errors"

// Domain errors for constraint specification operations.
var (
	// ErrConflict indicates a selection overlapping an existing mutually
	// exclusive role (e.g. a facet both fixed and load-carrying).
	ErrConflict = errors.New("constraint: selection conflicts with an existing role")

	// ErrInvalidLoad indicates a load with a zero direction, a non-finite
	// magnitude, an empty selection or a reference of the wrong kind.
	ErrInvalidLoad = errors.New("constraint: invalid load")

	// ErrUnderconstrained indicates that the boundary conditions do not
	// conclusively eliminate all six rigid-body modes.
	ErrUnderconstrained = errors.New("constraint: rigid-body motion not eliminated")

	// ErrNoMaterial indicates a spec validated or snapshotted without a
	// material assignment.
	ErrNoMaterial = errors.New("constraint: no material assigned")

	// ErrStaleSelection indicates an operation touching a selection that
	// references unmappable entities and awaits a re-pick.
	ErrStaleSelection = errors.New("constraint: selection is stale")
)
