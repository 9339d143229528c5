package solver

import (
	"errors"
	"fmt"
	"time"
)

// Terminal failure classes for one solve attempt. Divergence triggers
// exactly one automatic fallback to the direct strategy before it is
// surfaced; the others are modeling or budget errors that retrying with
// the same inputs cannot fix.
var (
	// ErrDivergence indicates an iterative solve that failed to converge
	// within its iteration budget.
	ErrDivergence = errors.New("solver: iterative solve diverged")

	// ErrSingular indicates a numerically singular assembled system:
	// rigid-body motion undetected by validation, or degenerate geometry.
	ErrSingular = errors.New("solver: assembled system is numerically singular")

	// ErrTimeout indicates the wall-clock budget was exceeded.
	ErrTimeout = errors.New("solver: wall-clock budget exceeded")

	// ErrCanceled indicates the caller canceled the solve. Cancellation is
	// all-or-nothing: no partial result is produced.
	ErrCanceled = errors.New("solver: solve canceled")
)

// SolveError wraps a terminal failure with enough diagnostic context to
// explain itself to the operator without re-running the solve.
type SolveError struct {
	Strategy        StrategyChoice
	Iterations      int
	Residual        float64
	ResidualHistory []float64
	Elapsed         time.Duration
	Wrapped         error
}

func (e *SolveError) Error() string {
	return fmt.Sprintf("%v (strategy=%s, iterations=%d, residual=%g, elapsed=%s)",
		e.Wrapped, e.Strategy.Method, e.Iterations, e.Residual, e.Elapsed)
}

func (e *SolveError) Unwrap() error {
	return e.Wrapped
}
