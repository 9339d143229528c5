package solver

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/structmesh/femcore/constraint"
	"github.com/structmesh/femcore/mesh"
	"github.com/structmesh/femcore/problem"
)

// DenseEngine is a reference FEM engine on dense gonum matrices: linear
// tetrahedral elements, homogeneous Dirichlet elimination, LU for the
// direct strategy and preconditioned conjugate gradients for the iterative
// one. It stands in for the external engine in tests and examples; it
// implements every preconditioner choice as diagonal scaling.
type DenseEngine struct{}

// DenseSystem is the assembled system produced by DenseEngine.
type DenseSystem struct {
	A     *mat.SymDense
	B     *mat.VecDense
	Mesh  *mesh.Mesh
	Mat   constraint.Material
	Fixed []bool // per DOF
}

// DOFCount returns the system size.
func (s *DenseSystem) DOFCount() int { return s.B.Len() }

// condLimit is the reciprocal-condition threshold beyond which a factorized
// system is reported singular.
const condLimit = 1e14

// Assemble builds the global stiffness matrix and load vector.
func (e *DenseEngine) Assemble(ctx context.Context, d *problem.Descriptor, m *mesh.Mesh) (LinearSystem, error) {
	if err := ctx.Err(); err != nil {
		return nil, mapContextErr(err)
	}
	if d.MeshGeneration != m.Generation {
		return nil, fmt.Errorf("solver: descriptor generation %d does not match mesh generation %d",
			d.MeshGeneration, m.Generation)
	}
	n := m.DOFCount()
	if n == 0 {
		return nil, fmt.Errorf("solver: mesh has no vertices")
	}

	sys := &DenseSystem{
		A:     mat.NewSymDense(n, nil),
		B:     mat.NewVecDense(n, nil),
		Mesh:  m,
		Mat:   d.Material,
		Fixed: make([]bool, n),
	}

	D := elasticityMatrix(d.Material)
	for t := range m.Tets {
		vol, B, err := tetStrainMatrix(m, t)
		if err != nil {
			return nil, fmt.Errorf("%w: cell %d: %v", ErrSingular, t, err)
		}
		// Ke = V * B^T D B
		var DB, Ke mat.Dense
		DB.Mul(D, B)
		Ke.Mul(B.T(), &DB)
		Ke.Scale(vol, &Ke)

		// Scatter into the global matrix
		for a := 0; a < 4; a++ {
			for b := 0; b < 4; b++ {
				for i := 0; i < 3; i++ {
					for j := 0; j < 3; j++ {
						gi := 3*m.Tets[t][a] + i
						gj := 3*m.Tets[t][b] + j
						if gi <= gj {
							sys.A.SetSym(gi, gj, sys.A.At(gi, gj)+Ke.At(3*a+i, 3*b+j))
						}
					}
				}
			}
		}
	}

	// Loads: concentrated forces at vertices, tractions lumped equally
	// onto facet vertices.
	for _, pl := range d.PointLoads {
		base := 3 * pl.Vertex
		sys.B.SetVec(base, sys.B.AtVec(base)+pl.Force.X)
		sys.B.SetVec(base+1, sys.B.AtVec(base+1)+pl.Force.Y)
		sys.B.SetVec(base+2, sys.B.AtVec(base+2)+pl.Force.Z)
	}
	for _, al := range d.AreaLoads {
		if al.Facet < 0 || al.Facet >= m.FacetCount() {
			return nil, fmt.Errorf("solver: area load facet %d outside mesh", al.Facet)
		}
		f := r3.Scale(al.Area/3.0, al.Traction)
		for _, v := range m.BoundaryFacets[al.Facet] {
			base := 3 * v
			sys.B.SetVec(base, sys.B.AtVec(base)+f.X)
			sys.B.SetVec(base+1, sys.B.AtVec(base+1)+f.Y)
			sys.B.SetVec(base+2, sys.B.AtVec(base+2)+f.Z)
		}
	}

	// Homogeneous Dirichlet rows: zero row and column, unit diagonal.
	for _, c := range d.Constraints {
		for i, bit := range []problem.DOFMask{problem.FixX, problem.FixY, problem.FixZ} {
			if c.Mask&bit == 0 {
				continue
			}
			g := 3*c.Vertex + i
			sys.Fixed[g] = true
			for k := 0; k < n; k++ {
				if k <= g {
					sys.A.SetSym(k, g, 0)
				} else {
					sys.A.SetSym(g, k, 0)
				}
			}
			sys.A.SetSym(g, g, 1)
			sys.B.SetVec(g, 0)
		}
	}
	return sys, nil
}

// Solve runs the requested strategy on an assembled system.
func (e *DenseEngine) Solve(ctx context.Context, sys LinearSystem, strategy StrategyChoice, progress ProgressFunc) (*RawSolution, error) {
	ds, ok := sys.(*DenseSystem)
	if !ok {
		return nil, fmt.Errorf("solver: DenseEngine got foreign system type %T", sys)
	}
	switch strategy.Method {
	case Direct:
		return e.solveDirect(ctx, ds)
	case Iterative:
		return e.solveCG(ctx, ds, strategy, progress)
	default:
		return nil, fmt.Errorf("solver: unknown method %v", strategy.Method)
	}
}

func (e *DenseEngine) solveDirect(ctx context.Context, sys *DenseSystem) (*RawSolution, error) {
	if err := ctx.Err(); err != nil {
		return nil, mapContextErr(err)
	}
	var lu mat.LU
	lu.Factorize(sys.A)
	if rcond := lu.Cond(); rcond > condLimit || math.IsInf(rcond, 0) || math.IsNaN(rcond) {
		return nil, fmt.Errorf("%w: condition number estimate %g", ErrSingular, rcond)
	}
	x := mat.NewVecDense(sys.DOFCount(), nil)
	if err := lu.SolveVecTo(x, false, sys.B); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSingular, err)
	}
	res := residualNorm(sys, x)
	return &RawSolution{U: append([]float64(nil), x.RawVector().Data...), Iterations: 0, Residual: res}, nil
}

// solveCG is a Jacobi-preconditioned conjugate-gradient loop. The context
// is checked on every iteration so cancellation and timeouts take effect
// between iterations, never mid-update.
func (e *DenseEngine) solveCG(ctx context.Context, sys *DenseSystem, strategy StrategyChoice, progress ProgressFunc) (*RawSolution, error) {
	n := sys.DOFCount()
	x := mat.NewVecDense(n, nil)
	r := mat.NewVecDense(n, nil)
	r.CopyVec(sys.B)

	bnorm := mat.Norm(sys.B, 2)
	if bnorm == 0 {
		return &RawSolution{U: make([]float64, n)}, nil
	}

	invDiag := make([]float64, n)
	for i := 0; i < n; i++ {
		d := sys.A.At(i, i)
		if d == 0 || math.IsNaN(d) {
			return nil, fmt.Errorf("%w: zero diagonal at dof %d", ErrSingular, i)
		}
		invDiag[i] = 1 / d
	}
	applyPrecond := func(dst, src *mat.VecDense) {
		for i := 0; i < n; i++ {
			dst.SetVec(i, invDiag[i]*src.AtVec(i))
		}
	}

	z := mat.NewVecDense(n, nil)
	applyPrecond(z, r)
	p := mat.NewVecDense(n, nil)
	p.CopyVec(z)
	rz := mat.Dot(r, z)

	ap := mat.NewVecDense(n, nil)
	history := make([]float64, 0, strategy.MaxIterations)

	for iter := 1; iter <= strategy.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, mapContextErr(err)
		}

		ap.MulVec(sys.A, p)
		pap := mat.Dot(p, ap)
		if pap <= 0 || math.IsNaN(pap) {
			return nil, &SolveError{
				Iterations: iter, Residual: mat.Norm(r, 2) / bnorm,
				ResidualHistory: history,
				Wrapped:         fmt.Errorf("%w: conjugate gradient breakdown (pAp=%g)", ErrSingular, pap),
			}
		}
		alpha := rz / pap
		x.AddScaledVec(x, alpha, p)
		r.AddScaledVec(r, -alpha, ap)

		rel := mat.Norm(r, 2) / bnorm
		history = append(history, rel)
		if progress != nil {
			progress(Iteration{Index: iter, Residual: rel})
		}
		if rel < strategy.Tolerance {
			return &RawSolution{
				U:               append([]float64(nil), x.RawVector().Data...),
				Iterations:      iter,
				Residual:        rel,
				ResidualHistory: history,
			}, nil
		}

		applyPrecond(z, r)
		rzNew := mat.Dot(r, z)
		beta := rzNew / rz
		p.AddScaledVec(z, beta, p)
		rz = rzNew
	}

	final := mat.Norm(r, 2) / bnorm
	return nil, &SolveError{
		Iterations: strategy.MaxIterations, Residual: final,
		ResidualHistory: history,
		Wrapped: fmt.Errorf("%w: residual %g after %d iterations (tolerance %g)",
			ErrDivergence, final, strategy.MaxIterations, strategy.Tolerance),
	}
}

// Recover computes per-vertex displacement and volume-averaged equivalent
// stress and strain from the raw solution.
func (e *DenseEngine) Recover(sys LinearSystem, raw *RawSolution) (*FieldSolution, error) {
	ds, ok := sys.(*DenseSystem)
	if !ok {
		return nil, fmt.Errorf("solver: DenseEngine got foreign system type %T", sys)
	}
	m := ds.Mesh
	nv := m.VertexCount()
	if len(raw.U) != 3*nv {
		return nil, fmt.Errorf("solver: solution length %d does not match %d DOFs", len(raw.U), 3*nv)
	}

	out := &FieldSolution{
		Displacement: make([]r3.Vec, nv),
		VonMises:     make([]float64, nv),
		StrainEq:     make([]float64, nv),
	}
	for v := 0; v < nv; v++ {
		out.Displacement[v] = r3.Vec{X: raw.U[3*v], Y: raw.U[3*v+1], Z: raw.U[3*v+2]}
	}

	D := elasticityMatrix(ds.Mat)
	weight := make([]float64, nv)
	for t := range m.Tets {
		vol, B, err := tetStrainMatrix(m, t)
		if err != nil {
			return nil, fmt.Errorf("solver: cell %d: %w", t, err)
		}
		ue := mat.NewVecDense(12, nil)
		for a, v := range m.Tets[t] {
			ue.SetVec(3*a, raw.U[3*v])
			ue.SetVec(3*a+1, raw.U[3*v+1])
			ue.SetVec(3*a+2, raw.U[3*v+2])
		}
		strain := mat.NewVecDense(6, nil)
		strain.MulVec(B, ue)
		stress := mat.NewVecDense(6, nil)
		stress.MulVec(D, strain)

		vm := vonMises(stress)
		eq := equivalentStrain(strain)
		for _, v := range m.Tets[t] {
			out.VonMises[v] += vol * vm
			out.StrainEq[v] += vol * eq
			weight[v] += vol
		}
	}
	for v := 0; v < nv; v++ {
		if weight[v] > 0 {
			out.VonMises[v] /= weight[v]
			out.StrainEq[v] /= weight[v]
		}
		// Clamp numerical noise
		if out.VonMises[v] < 0 {
			out.VonMises[v] = 0
		}
	}
	return out, nil
}

// elasticityMatrix returns the 6x6 isotropic constitutive matrix in Voigt
// order (xx, yy, zz, xy, yz, xz).
func elasticityMatrix(m constraint.Material) *mat.Dense {
	la, mu := m.LameLambda(), m.LameMu()
	D := mat.NewDense(6, 6, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if i == j {
				D.Set(i, j, la+2*mu)
			} else {
				D.Set(i, j, la)
			}
		}
		D.Set(3+i, 3+i, mu)
	}
	return D
}

// tetStrainMatrix returns the volume and 6x12 strain-displacement matrix of
// cell t (engineering shear strains).
func tetStrainMatrix(m *mesh.Mesh, t int) (float64, *mat.Dense, error) {
	tet := m.Tets[t]
	p := [4]r3.Vec{m.Vertices[tet[0]], m.Vertices[tet[1]], m.Vertices[tet[2]], m.Vertices[tet[3]]}

	J := mat.NewDense(3, 3, []float64{
		p[1].X - p[0].X, p[2].X - p[0].X, p[3].X - p[0].X,
		p[1].Y - p[0].Y, p[2].Y - p[0].Y, p[3].Y - p[0].Y,
		p[1].Z - p[0].Z, p[2].Z - p[0].Z, p[3].Z - p[0].Z,
	})
	det := mat.Det(J)
	vol := det / 6.0
	if vol <= 0 {
		return 0, nil, fmt.Errorf("non-positive volume %g", vol)
	}
	var Jinv mat.Dense
	if err := Jinv.Inverse(J); err != nil {
		return 0, nil, fmt.Errorf("degenerate jacobian: %w", err)
	}

	// Shape-function gradients: rows of J^-1 for nodes 1..3, node 0 is the
	// negative sum.
	var grads [4]r3.Vec
	for i := 1; i < 4; i++ {
		grads[i] = r3.Vec{X: Jinv.At(i-1, 0), Y: Jinv.At(i-1, 1), Z: Jinv.At(i-1, 2)}
		grads[0] = r3.Sub(grads[0], grads[i])
	}

	B := mat.NewDense(6, 12, nil)
	for a := 0; a < 4; a++ {
		g := grads[a]
		c := 3 * a
		B.Set(0, c, g.X)
		B.Set(1, c+1, g.Y)
		B.Set(2, c+2, g.Z)
		B.Set(3, c, g.Y)
		B.Set(3, c+1, g.X)
		B.Set(4, c+1, g.Z)
		B.Set(4, c+2, g.Y)
		B.Set(5, c, g.Z)
		B.Set(5, c+2, g.X)
	}
	return vol, B, nil
}

func vonMises(s *mat.VecDense) float64 {
	sxx, syy, szz := s.AtVec(0), s.AtVec(1), s.AtVec(2)
	sxy, syz, sxz := s.AtVec(3), s.AtVec(4), s.AtVec(5)
	return math.Sqrt(0.5*((sxx-syy)*(sxx-syy)+(syy-szz)*(syy-szz)+(szz-sxx)*(szz-sxx)) +
		3*(sxy*sxy+syz*syz+sxz*sxz))
}

func equivalentStrain(e *mat.VecDense) float64 {
	exx, eyy, ezz := e.AtVec(0), e.AtVec(1), e.AtVec(2)
	// Engineering shears back to tensor shears
	exy, eyz, exz := e.AtVec(3)/2, e.AtVec(4)/2, e.AtVec(5)/2
	mean := (exx + eyy + ezz) / 3
	dx, dy, dz := exx-mean, eyy-mean, ezz-mean
	return math.Sqrt(2.0 / 3.0 * (dx*dx + dy*dy + dz*dz + 2*(exy*exy+eyz*eyz+exz*exz)))
}

func residualNorm(sys *DenseSystem, x *mat.VecDense) float64 {
	n := sys.DOFCount()
	ax := mat.NewVecDense(n, nil)
	ax.MulVec(sys.A, x)
	ax.SubVec(ax, sys.B)
	bnorm := mat.Norm(sys.B, 2)
	if bnorm == 0 {
		return 0
	}
	return mat.Norm(ax, 2) / bnorm
}

func mapContextErr(err error) error {
	if err == context.DeadlineExceeded {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrCanceled, err)
}
