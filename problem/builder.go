package problem

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/structmesh/femcore/constraint"
	"github.com/structmesh/femcore/logging"
	"github.com/structmesh/femcore/registry"
)

// ErrSchema indicates a snapshot that cannot be resolved against the
// current mesh into a well-formed descriptor. The wrapped message names the
// offending selection or entity.
var ErrSchema = errors.New("problem: schema error")

// Builder converts constraint snapshots into solver-ready descriptors.
type Builder struct {
	log logging.Logger
}

// NewBuilder creates a builder. A nil logger disables logging.
func NewBuilder(log logging.Logger) *Builder {
	return &Builder{log: logging.OrNoOp(log)}
}

// Build resolves a snapshot against the registry's current mesh generation.
// The registry's build gate is held for the duration, so mutations racing a
// build fail with the registry's busy condition instead of racing.
//
// Guarantees on success:
//   - every selection resolved to live mesh entities
//   - facet boundary conditions expanded to their vertices, masks merged
//   - loads referencing the same entity vector-summed, never overwritten
//   - point loads on fully fixed vertices rejected, not silently swallowed
//   - all entry slices stable-sorted by entity index
func (b *Builder) Build(snap *constraint.Snapshot, reg *registry.Registry) (*Descriptor, error) {
	if snap == nil {
		return nil, fmt.Errorf("%w: snapshot is nil", ErrSchema)
	}
	if err := reg.BeginBuild(); err != nil {
		return nil, err
	}
	defer reg.EndBuild()

	m := reg.Mesh()
	if snap.Generation != m.Generation {
		return nil, fmt.Errorf("%w: snapshot taken against mesh generation %d, current is %d",
			ErrSchema, snap.Generation, m.Generation)
	}

	d := &Descriptor{
		SchemaVersion:  DescriptorSchemaVersion,
		MeshGeneration: m.Generation,
		Material:       snap.Material,
		DOFCount:       m.DOFCount(),
	}

	// Constraints: expand facet selections to vertices, merge masks by OR.
	masks := make(map[int]DOFMask)
	for _, bc := range snap.Boundaries {
		mask, err := maskFor(bc.Kind)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrSchema, bc.Selection.Name, err)
		}
		for _, id := range bc.Selection.IDs {
			if !entityIndexOK(id, m.Generation) {
				return nil, fmt.Errorf("%w: %q references stale entity %s", ErrSchema, bc.Selection.Name, id)
			}
			if _, err := reg.Resolve(id); err != nil {
				return nil, fmt.Errorf("%w: %q: %v", ErrSchema, bc.Selection.Name, err)
			}
			switch id.Kind {
			case registry.Vertex:
				masks[id.Index] |= mask
			case registry.Facet:
				if id.Index < 0 || id.Index >= m.FacetCount() {
					return nil, fmt.Errorf("%w: %q references facet %d outside mesh", ErrSchema, bc.Selection.Name, id.Index)
				}
				for _, v := range m.BoundaryFacets[id.Index] {
					masks[v] |= mask
				}
			default:
				return nil, fmt.Errorf("%w: %q constrains unsupported entity kind %s", ErrSchema, bc.Selection.Name, id.Kind)
			}
		}
	}
	for v, mask := range masks {
		pos, err := m.VertexPosition(v)
		if err != nil {
			return nil, fmt.Errorf("%w: constrained vertex %d: %v", ErrSchema, v, err)
		}
		d.Constraints = append(d.Constraints, ConstraintEntry{Vertex: v, Mask: mask, Position: pos})
	}
	sort.Slice(d.Constraints, func(i, j int) bool { return d.Constraints[i].Vertex < d.Constraints[j].Vertex })

	// Point loads: vector sum per vertex. A load on a fully fixed vertex
	// would vanish into the Dirichlet rows, so it is a schema error.
	forces := make(map[int]r3.Vec)
	for _, pl := range snap.PointLoads {
		if !entityIndexOK(pl.Vertex, m.Generation) {
			return nil, fmt.Errorf("%w: point load references stale entity %s", ErrSchema, pl.Vertex)
		}
		if _, err := reg.Resolve(pl.Vertex); err != nil {
			return nil, fmt.Errorf("%w: point load target %s: %v", ErrSchema, pl.Vertex, err)
		}
		if masks[pl.Vertex.Index] == FixAll {
			return nil, fmt.Errorf("%w: point load on fully fixed vertex %s would be swallowed by the constraint",
				ErrSchema, pl.Vertex)
		}
		n := r3.Norm(pl.Direction)
		if n == 0 {
			return nil, fmt.Errorf("%w: point load at %s has zero direction", ErrSchema, pl.Vertex)
		}
		f := r3.Scale(pl.Magnitude/n, pl.Direction)
		forces[pl.Vertex.Index] = r3.Add(forces[pl.Vertex.Index], f)
	}
	for v, f := range forces {
		pos, err := m.VertexPosition(v)
		if err != nil {
			return nil, fmt.Errorf("%w: loaded vertex %d: %v", ErrSchema, v, err)
		}
		d.PointLoads = append(d.PointLoads, ResolvedPointLoad{Vertex: v, Position: pos, Force: f})
	}
	sort.Slice(d.PointLoads, func(i, j int) bool { return d.PointLoads[i].Vertex < d.PointLoads[j].Vertex })

	// Area loads: traction sum per facet.
	tractions := make(map[int]r3.Vec)
	for _, al := range snap.AreaLoads {
		n := r3.Norm(al.Direction)
		if n == 0 {
			return nil, fmt.Errorf("%w: area load %q has zero direction", ErrSchema, al.Selection.Name)
		}
		t := r3.Scale(al.Magnitude/n, al.Direction)
		for _, id := range al.Selection.IDs {
			if !entityIndexOK(id, m.Generation) {
				return nil, fmt.Errorf("%w: %q references stale entity %s", ErrSchema, al.Selection.Name, id)
			}
			if _, err := reg.Resolve(id); err != nil {
				return nil, fmt.Errorf("%w: %q: %v", ErrSchema, al.Selection.Name, err)
			}
			tractions[id.Index] = r3.Add(tractions[id.Index], t)
		}
	}
	for f, t := range tractions {
		centroid, err := m.FacetCentroid(f)
		if err != nil {
			return nil, fmt.Errorf("%w: loaded facet %d: %v", ErrSchema, f, err)
		}
		area, err := m.FacetArea(f)
		if err != nil {
			return nil, fmt.Errorf("%w: loaded facet %d: %v", ErrSchema, f, err)
		}
		d.AreaLoads = append(d.AreaLoads, ResolvedAreaLoad{Facet: f, Centroid: centroid, Area: area, Traction: t})
	}
	sort.Slice(d.AreaLoads, func(i, j int) bool { return d.AreaLoads[i].Facet < d.AreaLoads[j].Facet })

	d.HalfBandwidth, d.NonzeroFraction = estimateSparsity(m.Tets, m.VertexCount())

	b.log.Info("problem descriptor built",
		"generation", d.MeshGeneration,
		"dofs", d.DOFCount,
		"constraints", len(d.Constraints),
		"point_loads", len(d.PointLoads),
		"area_loads", len(d.AreaLoads),
		"half_bandwidth", d.HalfBandwidth)
	return d, nil
}

// estimateSparsity derives the stiffness-matrix half bandwidth and nonzero
// fraction from mesh connectivity: vertices couple when they share a tet,
// and each coupled vertex pair contributes a 3x3 block.
func estimateSparsity(tets [][4]int, nverts int) (halfBandwidth int, nonzeroFraction float64) {
	if nverts == 0 {
		return 0, 0
	}
	pairs := make(map[[2]int]bool)
	maxSpread := 0
	for _, t := range tets {
		for a := 0; a < 4; a++ {
			for b := a + 1; b < 4; b++ {
				i, j := t[a], t[b]
				if i > j {
					i, j = j, i
				}
				pairs[[2]int{i, j}] = true
				if spread := j - i; spread > maxSpread {
					maxSpread = spread
				}
			}
		}
	}
	halfBandwidth = 3 * (maxSpread + 1)
	nnzBlocks := 2*len(pairs) + nverts // off-diagonal pairs both ways plus the diagonal
	dofs := float64(3 * nverts)
	nonzeroFraction = float64(9*nnzBlocks) / (dofs * dofs)
	return halfBandwidth, nonzeroFraction
}
