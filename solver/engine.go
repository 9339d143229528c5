package solver

import (
	"context"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/structmesh/femcore/mesh"
	"github.com/structmesh/femcore/problem"
)

// Iteration is one progress sample emitted during an iterative solve.
// Samples are observational only; they never affect control flow.
type Iteration struct {
	Index    int
	Residual float64
}

// ProgressFunc receives iteration samples. Implementations must not block.
type ProgressFunc func(Iteration)

// LinearSystem is the assembled form of a boundary value problem. Engines
// return their own concrete system type; the orchestrator only needs its
// size.
type LinearSystem interface {
	DOFCount() int
}

// RawSolution is the engine's solution of a linear system, before field
// recovery.
type RawSolution struct {
	// U is the displacement vector, 3 components per vertex.
	U []float64

	Iterations      int
	Residual        float64
	ResidualHistory []float64
}

// FieldSolution holds the recovered per-vertex solution fields.
type FieldSolution struct {
	Displacement []r3.Vec
	VonMises     []float64 // equivalent stress
	StrainEq     []float64 // equivalent strain
}

// Engine is the external FEM collaborator. The core drives it through this
// interface and implements neither the matrix assembly nor the solve
// itself. DenseEngine is a reference implementation for tests and small
// problems.
type Engine interface {
	// Assemble builds the linear system for a descriptor against its mesh
	// generation.
	Assemble(ctx context.Context, d *problem.Descriptor, m *mesh.Mesh) (LinearSystem, error)

	// Solve solves the assembled system with the given strategy,
	// reporting iteration progress. Returns ErrDivergence, ErrSingular,
	// ErrTimeout or ErrCanceled on failure.
	Solve(ctx context.Context, sys LinearSystem, strategy StrategyChoice, progress ProgressFunc) (*RawSolution, error)

	// Recover computes displacement, stress and strain fields from the
	// raw solution.
	Recover(sys LinearSystem, raw *RawSolution) (*FieldSolution, error)
}
