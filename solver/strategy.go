package solver

import (
	"fmt"

	"github.com/structmesh/femcore/problem"
)

// Method is the solution method of a strategy.
type Method uint8

const (
	// Direct factorization: deterministic, robust for small or
	// ill-conditioned systems.
	Direct Method = iota
	// Iterative Krylov solve with a preconditioner, for large systems.
	Iterative
)

// String returns the string representation of a Method.
func (m Method) String() string {
	switch m {
	case Direct:
		return "direct"
	case Iterative:
		return "iterative"
	default:
		return fmt.Sprintf("Method(%d)", uint8(m))
	}
}

// StrategyChoice is the combination of solution method, preconditioner and
// convergence parameters used for one solve.
type StrategyChoice struct {
	Method        Method
	Precond       Preconditioner // ignored for Direct
	MaxIterations int            // ignored for Direct
	Tolerance     float64        // ignored for Direct
}

// String returns a short description for logs and bundle summaries.
func (s StrategyChoice) String() string {
	if s.Method == Direct {
		return "direct"
	}
	return fmt.Sprintf("iterative(%s, max_iter=%d, tol=%g)", s.Precond, s.MaxIterations, s.Tolerance)
}

// SelectStrategy chooses a solve strategy from the descriptor's size
// estimates: below the configured DOF threshold a direct factorization,
// at or above it an iterative solve with the configured preconditioner and
// budgets. The function is pure: no side effects, so it is independently
// testable against synthetic descriptors.
func SelectStrategy(d *problem.Descriptor, cfg Config) StrategyChoice {
	if d.DOFCount < cfg.DOFThreshold {
		return StrategyChoice{Method: Direct}
	}
	return StrategyChoice{
		Method:        Iterative,
		Precond:       cfg.Precond,
		MaxIterations: cfg.MaxIterations,
		Tolerance:     cfg.Tolerance,
	}
}

// DirectFallback derives the bounded fallback strategy used after an
// iterative divergence.
func DirectFallback() StrategyChoice {
	return StrategyChoice{Method: Direct}
}
