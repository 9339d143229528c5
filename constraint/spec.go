// Package constraint assembles a validated, non-contradictory description
// of one structural analysis: a material assignment, boundary conditions on
// picked selections, and point or area loads. A spec is mutated only
// through validated operations and handed to the problem builder as an
// immutable snapshot.
package constraint

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/structmesh/femcore/logging"
	"github.com/structmesh/femcore/registry"
)

// BoundaryCondition attaches a constraint kind to a selection of vertices
// or facets.
type BoundaryCondition struct {
	Selection Selection
	Kind      BCKind
	Stale     bool // true when the selection references unmappable entities
}

// PointLoad is a concentrated force at a single vertex. Direction is
// normalized at assembly; magnitude is in force units.
type PointLoad struct {
	Vertex    registry.EntityID
	Direction r3.Vec
	Magnitude float64
	Stale     bool
}

// AreaLoad distributes a traction over a facet selection. Magnitude is
// interpreted as force per unit area along Direction.
type AreaLoad struct {
	Selection Selection
	Direction r3.Vec
	Magnitude float64
	Stale     bool
}

// Spec is the mutable constraint specification for one analysis session.
// It aggregates exactly one material, one or more boundary conditions and
// zero or more loads. Not safe for concurrent mutation.
type Spec struct {
	reg *registry.Registry
	log logging.Logger

	material   *Material
	boundaries []BoundaryCondition
	pointLoads []PointLoad
	areaLoads  []AreaLoad
}

// NewSpec creates an empty spec bound to an entity registry.
func NewSpec(reg *registry.Registry, log logging.Logger) (*Spec, error) {
	if reg == nil {
		return nil, fmt.Errorf("constraint: registry is nil")
	}
	return &Spec{reg: reg, log: logging.OrNoOp(log)}, nil
}

// SetMaterial assigns the active material, replacing any previous one.
func (s *Spec) SetMaterial(m Material) error {
	if err := m.Validate(); err != nil {
		return err
	}
	s.material = &m
	s.log.Info("material assigned", "name", m.Name, "E", m.YoungsModulus, "nu", m.PoissonRatio)
	return nil
}

// Material returns the active material, if assigned.
func (s *Spec) Material() (Material, bool) {
	if s.material == nil {
		return Material{}, false
	}
	return *s.material, true
}

// AddBoundaryCondition attaches a constraint to a selection. The selection
// may contain vertices or facets. A facet already carrying an area load is
// a mutually exclusive role and fails with ErrConflict.
func (s *Spec) AddBoundaryCondition(sel Selection, kind BCKind) error {
	if sel.Kind != registry.Vertex && sel.Kind != registry.Facet {
		return fmt.Errorf("constraint: boundary condition %q must select vertices or facets, got %s", sel.Name, sel.Kind)
	}
	if err := s.checkGeneration(sel); err != nil {
		return err
	}
	for _, al := range s.areaLoads {
		if id, ok := sel.overlap(al.Selection); ok {
			return fmt.Errorf("%w: %s in %q already carries area load %q",
				ErrConflict, id, sel.Name, al.Selection.Name)
		}
	}
	for _, bc := range s.boundaries {
		if bc.Selection.Name == sel.Name {
			return fmt.Errorf("constraint: boundary condition %q already exists", sel.Name)
		}
	}
	s.boundaries = append(s.boundaries, BoundaryCondition{Selection: sel.clone(), Kind: kind})
	s.log.Info("boundary condition added", "selection", sel.Name, "kind", kind.String(), "entities", len(sel.IDs))
	return nil
}

// RemoveBoundaryCondition removes the boundary condition named name.
func (s *Spec) RemoveBoundaryCondition(name string) error {
	for i, bc := range s.boundaries {
		if bc.Selection.Name == name {
			s.boundaries = append(s.boundaries[:i], s.boundaries[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("constraint: no boundary condition named %q", name)
}

// AddPointLoad applies a concentrated force at a vertex. Zero directions
// and non-finite magnitudes are rejected; a zero magnitude is accepted with
// a warning.
func (s *Spec) AddPointLoad(vertex registry.EntityID, direction r3.Vec, magnitude float64) error {
	if vertex.Kind != registry.Vertex {
		return fmt.Errorf("%w: point load target %s is not a vertex", ErrInvalidLoad, vertex)
	}
	if r3.Norm(direction) == 0 {
		return fmt.Errorf("%w: point load at %s has zero direction", ErrInvalidLoad, vertex)
	}
	if math.IsNaN(magnitude) || math.IsInf(magnitude, 0) {
		return fmt.Errorf("%w: point load at %s has non-finite magnitude %g", ErrInvalidLoad, vertex, magnitude)
	}
	if _, err := s.reg.Resolve(vertex); err != nil {
		return fmt.Errorf("%w: point load target %s: %v", ErrInvalidLoad, vertex, err)
	}
	if magnitude == 0 {
		s.log.Warn("point load has zero magnitude", "vertex", vertex.String())
	}
	s.pointLoads = append(s.pointLoads, PointLoad{Vertex: vertex, Direction: direction, Magnitude: magnitude})
	s.log.Info("point load added", "vertex", vertex.String(), "magnitude", magnitude)
	return nil
}

// RemovePointLoad removes the i-th point load.
func (s *Spec) RemovePointLoad(i int) error {
	if i < 0 || i >= len(s.pointLoads) {
		return fmt.Errorf("constraint: point load index %d out of range [0,%d)", i, len(s.pointLoads))
	}
	s.pointLoads = append(s.pointLoads[:i], s.pointLoads[i+1:]...)
	return nil
}

// AddAreaLoad distributes a traction over a facet selection. Facets already
// bound to a boundary condition are a mutually exclusive role.
func (s *Spec) AddAreaLoad(sel Selection, direction r3.Vec, magnitude float64) error {
	if len(sel.IDs) == 0 {
		return fmt.Errorf("%w: area load selection %q is empty", ErrInvalidLoad, sel.Name)
	}
	if sel.Kind != registry.Facet {
		return fmt.Errorf("%w: area load selection %q must select facets, got %s", ErrInvalidLoad, sel.Name, sel.Kind)
	}
	if r3.Norm(direction) == 0 {
		return fmt.Errorf("%w: area load %q has zero direction", ErrInvalidLoad, sel.Name)
	}
	if math.IsNaN(magnitude) || math.IsInf(magnitude, 0) {
		return fmt.Errorf("%w: area load %q has non-finite magnitude %g", ErrInvalidLoad, sel.Name, magnitude)
	}
	if err := s.checkGeneration(sel); err != nil {
		return err
	}
	for _, bc := range s.boundaries {
		if id, ok := sel.overlap(bc.Selection); ok {
			return fmt.Errorf("%w: %s in %q already carries boundary condition %q",
				ErrConflict, id, sel.Name, bc.Selection.Name)
		}
	}
	if magnitude == 0 {
		s.log.Warn("area load has zero magnitude", "selection", sel.Name)
	}
	s.areaLoads = append(s.areaLoads, AreaLoad{Selection: sel.clone(), Direction: direction, Magnitude: magnitude})
	s.log.Info("area load added", "selection", sel.Name, "facets", len(sel.IDs), "magnitude", magnitude)
	return nil
}

// RemoveAreaLoad removes the area load whose selection is named name.
func (s *Spec) RemoveAreaLoad(name string) error {
	for i, al := range s.areaLoads {
		if al.Selection.Name == name {
			s.areaLoads = append(s.areaLoads[:i], s.areaLoads[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("constraint: no area load named %q", name)
}

// ApplyRemap rewrites every selection and load after a registry remap. Ids
// with a mapping are replaced in place; anything referencing an unmappable
// id is flagged stale and excluded from validation and building until the
// user re-picks it.
func (s *Spec) ApplyRemap(result *registry.RemapResult) {
	remapIDs := func(ids []registry.EntityID) bool {
		stale := false
		for i, id := range ids {
			if newID, ok := result.Mapping[id]; ok {
				ids[i] = newID
			} else {
				stale = true
			}
		}
		return stale
	}
	for i := range s.boundaries {
		if remapIDs(s.boundaries[i].Selection.IDs) {
			s.boundaries[i].Stale = true
			s.log.Warn("boundary condition stale after remesh", "selection", s.boundaries[i].Selection.Name)
		}
	}
	for i := range s.pointLoads {
		if newID, ok := result.Mapping[s.pointLoads[i].Vertex]; ok {
			s.pointLoads[i].Vertex = newID
		} else {
			s.pointLoads[i].Stale = true
			s.log.Warn("point load stale after remesh", "vertex", s.pointLoads[i].Vertex.String())
		}
	}
	for i := range s.areaLoads {
		if remapIDs(s.areaLoads[i].Selection.IDs) {
			s.areaLoads[i].Stale = true
			s.log.Warn("area load stale after remesh", "selection", s.areaLoads[i].Selection.Name)
		}
	}
}

// checkGeneration rejects selections minted against an earlier mesh
// generation before they enter the spec.
func (s *Spec) checkGeneration(sel Selection) error {
	gen := s.reg.Generation()
	for _, id := range sel.IDs {
		if id.Generation != gen {
			return fmt.Errorf("%w: %q references %s, current generation is %d",
				ErrStaleSelection, sel.Name, id, gen)
		}
	}
	return nil
}

// MarkStale flags every boundary condition and load referencing one of the
// given ids as stale, excluding it from validation and building until the
// user re-picks it.
func (s *Spec) MarkStale(ids []registry.EntityID) {
	set := make(map[registry.EntityID]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	contains := func(sel Selection) bool {
		for _, id := range sel.IDs {
			if set[id] {
				return true
			}
		}
		return false
	}
	for i := range s.boundaries {
		if contains(s.boundaries[i].Selection) {
			s.boundaries[i].Stale = true
		}
	}
	for i := range s.pointLoads {
		if set[s.pointLoads[i].Vertex] {
			s.pointLoads[i].Stale = true
		}
	}
	for i := range s.areaLoads {
		if contains(s.areaLoads[i].Selection) {
			s.areaLoads[i].Stale = true
		}
	}
}

// StaleSelections names every boundary condition and load currently
// excluded because of unmappable entities.
func (s *Spec) StaleSelections() []string {
	var names []string
	for _, bc := range s.boundaries {
		if bc.Stale {
			names = append(names, bc.Selection.Name)
		}
	}
	for _, pl := range s.pointLoads {
		if pl.Stale {
			names = append(names, pl.Vertex.String())
		}
	}
	for _, al := range s.areaLoads {
		if al.Stale {
			names = append(names, al.Selection.Name)
		}
	}
	return names
}

// Validate checks well-posedness: a material is assigned and the boundary
// conditions conclusively eliminate all six rigid-body modes (three
// translations, three rotations). The check fails closed: if any
// constrained entity cannot be resolved to geometry, the result is
// ErrUnderconstrained rather than an assumption of correctness.
func (s *Spec) Validate() error {
	if s.material == nil {
		return ErrNoMaterial
	}
	if len(s.boundaries) == 0 {
		return fmt.Errorf("%w: no boundary conditions", ErrUnderconstrained)
	}

	// Each constrained direction d at position p removes the rigid-motion
	// component d.(t + w x p) = [d, p x d] . [t, w]. Collecting one row
	// per constrained direction, all six modes are eliminated exactly
	// when the row matrix has rank 6.
	var rows []float64
	nrows := 0
	for _, bc := range s.boundaries {
		if bc.Stale {
			s.log.Warn("skipping stale boundary condition", "selection", bc.Selection.Name)
			continue
		}
		dirs := constrainedDirections(bc.Kind)
		for _, id := range bc.Selection.IDs {
			geom, err := s.reg.Resolve(id)
			if err != nil {
				return fmt.Errorf("%w: cannot resolve %s in %q: %v", ErrUnderconstrained, id, bc.Selection.Name, err)
			}
			for _, d := range dirs {
				m := r3.Cross(geom.Centroid, d)
				rows = append(rows, d.X, d.Y, d.Z, m.X, m.Y, m.Z)
				nrows++
			}
		}
	}
	if nrows == 0 {
		return fmt.Errorf("%w: all boundary conditions are stale", ErrUnderconstrained)
	}

	a := mat.NewDense(nrows, 6, rows)
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return fmt.Errorf("%w: constraint rank check failed to factorize", ErrUnderconstrained)
	}
	sv := svd.Values(nil)
	rank := 0
	tol := float64(nrows) * sv[0] * 1e-12
	for _, v := range sv {
		if v > tol {
			rank++
		}
	}
	if rank < 6 {
		return fmt.Errorf("%w: constraints cover %d of 6 rigid-body modes", ErrUnderconstrained, rank)
	}
	return nil
}

// constrainedDirections returns the displacement directions a BC kind fixes
// at each constrained entity.
func constrainedDirections(kind BCKind) []r3.Vec {
	switch kind {
	case BCFixed:
		return []r3.Vec{{X: 1}, {Y: 1}, {Z: 1}}
	case BCConstrainedX:
		return []r3.Vec{{X: 1}}
	case BCConstrainedY:
		return []r3.Vec{{Y: 1}}
	case BCConstrainedZ:
		return []r3.Vec{{Z: 1}}
	default:
		return nil
	}
}

// Snapshot is an immutable deep copy of a validated spec, the hand-off form
// consumed by the problem builder. Stale entries are excluded.
type Snapshot struct {
	Material   Material
	Boundaries []BoundaryCondition
	PointLoads []PointLoad
	AreaLoads  []AreaLoad
	Generation uint64
}

// Snapshot validates the spec and returns its immutable form. Stale entries
// are excluded from the snapshot; they wait for a re-pick.
func (s *Spec) Snapshot() (*Snapshot, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	snap := &Snapshot{Material: *s.material, Generation: s.reg.Generation()}
	for _, bc := range s.boundaries {
		if bc.Stale {
			continue
		}
		snap.Boundaries = append(snap.Boundaries, BoundaryCondition{Selection: bc.Selection.clone(), Kind: bc.Kind})
	}
	for _, pl := range s.pointLoads {
		if pl.Stale {
			continue
		}
		snap.PointLoads = append(snap.PointLoads, pl)
	}
	for _, al := range s.areaLoads {
		if al.Stale {
			continue
		}
		snap.AreaLoads = append(snap.AreaLoads, AreaLoad{
			Selection: al.Selection.clone(),
			Direction: al.Direction,
			Magnitude: al.Magnitude,
		})
	}
	return snap, nil
}
