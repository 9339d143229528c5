package solver

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/structmesh/femcore/constraint"
	"github.com/structmesh/femcore/mesh"
	"github.com/structmesh/femcore/problem"
	"github.com/structmesh/femcore/registry"
)

const (
	beamLength   = 1.0
	beamSide     = 0.1
	tipTraction  = 1.0e6 // Pa, applied along -z on the free end
	cantileverNx = 8
	cantileverNy = 2
	cantileverNz = 2
)

// buildCantilever assembles the descriptor of a steel beam clamped at x=0
// with a downward traction on the x=L end face.
func buildCantilever(t *testing.T) (*problem.Descriptor, *mesh.Mesh) {
	t.Helper()
	bm, err := mesh.NewBoxMesher(r3.Vec{}, r3.Vec{X: beamLength, Y: beamSide, Z: beamSide},
		cantileverNx, cantileverNy, cantileverNz)
	require.NoError(t, err)
	m, err := bm.Generate(1)
	require.NoError(t, err)
	reg, err := registry.New(m, 0, nil)
	require.NoError(t, err)
	spec, err := constraint.NewSpec(reg, nil)
	require.NoError(t, err)
	require.NoError(t, spec.SetMaterial(constraint.StructuralSteel))

	pick := func(name string, at float64) constraint.Selection {
		var ids []registry.EntityID
		for i := 0; i < m.FacetCount(); i++ {
			c, err := m.FacetCentroid(i)
			require.NoError(t, err)
			if math.Abs(c.X-at) > 1e-9 {
				continue
			}
			id, err := reg.Register(registry.Facet, i)
			require.NoError(t, err)
			ids = append(ids, id)
		}
		sel, err := constraint.NewSelection(name, registry.Facet, ids)
		require.NoError(t, err)
		return sel
	}

	require.NoError(t, spec.AddBoundaryCondition(pick("root", 0), constraint.BCFixed))
	require.NoError(t, spec.AddAreaLoad(pick("tip", beamLength), r3.Vec{Z: -1}, tipTraction))

	snap, err := spec.Snapshot()
	require.NoError(t, err)
	d, err := problem.NewBuilder(nil).Build(snap, reg)
	require.NoError(t, err)
	return d, m
}

func TestCantileverDirectSolve(t *testing.T) {
	d, m := buildCantilever(t)
	eng := &DenseEngine{}
	ctx := context.Background()

	sys, err := eng.Assemble(ctx, d, m)
	require.NoError(t, err)
	assert.Equal(t, m.DOFCount(), sys.DOFCount())

	raw, err := eng.Solve(ctx, sys, DirectFallback(), nil)
	require.NoError(t, err)
	assert.Less(t, raw.Residual, 1e-8)

	fields, err := eng.Recover(sys, raw)
	require.NoError(t, err)
	require.Len(t, fields.Displacement, m.VertexCount())

	// The tip must deflect downward, the clamped root must not move.
	var tipUz, maxDefl float64
	for v := 0; v < m.VertexCount(); v++ {
		p, err := m.VertexPosition(v)
		require.NoError(t, err)
		u := fields.Displacement[v]
		if math.Abs(p.X) < 1e-9 {
			assert.InDelta(t, 0, r3.Norm(u), 1e-12, "clamped vertex %d", v)
		}
		if math.Abs(p.X-beamLength) < 1e-9 {
			tipUz = math.Min(tipUz, u.Z)
		}
		maxDefl = math.Max(maxDefl, r3.Norm(u))
	}
	assert.Less(t, tipUz, 0.0, "tip deflects along the load")

	// Euler-Bernoulli estimate for the tip deflection. Linear tets are
	// stiffer than the beam, so only the order of magnitude is pinned.
	load := tipTraction * beamSide * beamSide
	inertia := beamSide * math.Pow(beamSide, 3) / 12
	analytic := load * math.Pow(beamLength, 3) / (3 * constraint.StructuralSteel.YoungsModulus * inertia)
	assert.Greater(t, -tipUz, analytic/100)
	assert.Less(t, -tipUz, 2*analytic)

	// Bending stress concentrates at the clamped root.
	maxVM, argVM := 0.0, -1
	for v, vm := range fields.VonMises {
		assert.GreaterOrEqual(t, vm, 0.0)
		if vm > maxVM {
			maxVM, argVM = vm, v
		}
	}
	require.GreaterOrEqual(t, argVM, 0)
	p, err := m.VertexPosition(argVM)
	require.NoError(t, err)
	assert.Less(t, p.X, beamLength/2, "peak stress sits in the root half")
	assert.Greater(t, maxVM, 0.0)
}

func TestIterativeAgreesWithDirect(t *testing.T) {
	d, m := buildCantilever(t)
	eng := &DenseEngine{}
	ctx := context.Background()

	sys, err := eng.Assemble(ctx, d, m)
	require.NoError(t, err)

	direct, err := eng.Solve(ctx, sys, DirectFallback(), nil)
	require.NoError(t, err)

	iterative, err := eng.Solve(ctx, sys, StrategyChoice{
		Method: Iterative, Precond: PrecondJacobi, MaxIterations: 20000, Tolerance: 1e-10,
	}, nil)
	require.NoError(t, err)
	assert.Greater(t, iterative.Iterations, 0)
	assert.NotEmpty(t, iterative.ResidualHistory)

	scale := 0.0
	for _, u := range direct.U {
		scale = math.Max(scale, math.Abs(u))
	}
	require.Greater(t, scale, 0.0)
	for i := range direct.U {
		assert.InDelta(t, direct.U[i], iterative.U[i], 1e-4*scale, "dof %d", i)
	}
}

func TestIterativeBudgetExhaustionIsDivergence(t *testing.T) {
	d, m := buildCantilever(t)
	eng := &DenseEngine{}
	ctx := context.Background()

	sys, err := eng.Assemble(ctx, d, m)
	require.NoError(t, err)

	_, err = eng.Solve(ctx, sys, StrategyChoice{
		Method: Iterative, Precond: PrecondJacobi, MaxIterations: 2, Tolerance: 1e-12,
	}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDivergence)

	var se *SolveError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 2, se.Iterations)
	assert.Len(t, se.ResidualHistory, 2)
}

func TestOrchestratorFallbackOnRealSystem(t *testing.T) {
	d, m := buildCantilever(t)
	o, err := NewOrchestrator(&DenseEngine{}, DefaultConfig(), nil)
	require.NoError(t, err)

	// An unreachable tolerance with a two-iteration budget forces the
	// iterative attempt to diverge; the direct fallback must still converge.
	starved := StrategyChoice{Method: Iterative, Precond: PrecondJacobi, MaxIterations: 2, Tolerance: 1e-15}
	res, err := o.Solve(context.Background(), d, m, starved)
	require.NoError(t, err)

	assert.True(t, res.Diagnostics.FallbackUsed)
	assert.Equal(t, Direct, res.Diagnostics.Strategy.Method)

	maxDisp, at := res.MaxDisplacement()
	assert.Greater(t, maxDisp, 0.0)
	assert.GreaterOrEqual(t, at, 0)
}

func TestAssembleRejectsGenerationMismatch(t *testing.T) {
	d, m := buildCantilever(t)
	d.MeshGeneration++

	_, err := (&DenseEngine{}).Assemble(context.Background(), d, m)
	assert.Error(t, err)
}

func TestSolveCanceledBetweenIterations(t *testing.T) {
	d, m := buildCantilever(t)
	eng := &DenseEngine{}

	sys, err := eng.Assemble(context.Background(), d, m)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	progress := func(it Iteration) {
		if it.Index == 1 {
			cancel()
		}
	}
	_, err = eng.Solve(ctx, sys, StrategyChoice{
		Method: Iterative, Precond: PrecondJacobi, MaxIterations: 10000, Tolerance: 1e-12,
	}, progress)
	assert.ErrorIs(t, err, ErrCanceled)
}

func TestUnconstrainedSystemIsSingular(t *testing.T) {
	bm, err := mesh.NewBoxMesher(r3.Vec{}, r3.Vec{X: 1, Y: 1, Z: 1}, 1, 1, 1)
	require.NoError(t, err)
	m, err := bm.Generate(1)
	require.NoError(t, err)

	// No constraints at all: the stiffness matrix keeps its six rigid-body
	// null modes and the direct solve must refuse it.
	d := &problem.Descriptor{
		SchemaVersion:  problem.DescriptorSchemaVersion,
		MeshGeneration: m.Generation,
		Material:       constraint.StructuralSteel,
		DOFCount:       m.DOFCount(),
	}
	eng := &DenseEngine{}
	sys, err := eng.Assemble(context.Background(), d, m)
	require.NoError(t, err)

	_, err = eng.Solve(context.Background(), sys, DirectFallback(), nil)
	assert.ErrorIs(t, err, ErrSingular)
}
