// Package problem converts an immutable constraint snapshot plus the
// current mesh generation into a solver-ready boundary-value-problem
// descriptor: selections resolved to mesh entities, loads merged by vector
// sum, constraints expanded to vertex degrees of freedom, everything in a
// deterministic order so identical inputs build byte-identical descriptors.
package problem

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/structmesh/femcore/constraint"
	"github.com/structmesh/femcore/registry"
)

// DOFMask marks which displacement components of a vertex are constrained
// to zero. Masks from overlapping boundary conditions merge by OR.
type DOFMask uint8

const (
	FixX DOFMask = 1 << iota
	FixY
	FixZ
	FixAll = FixX | FixY | FixZ
)

// Count returns the number of constrained components.
func (m DOFMask) Count() int {
	n := 0
	for _, b := range []DOFMask{FixX, FixY, FixZ} {
		if m&b != 0 {
			n++
		}
	}
	return n
}

// ConstraintEntry is one constrained vertex with its merged DOF mask.
type ConstraintEntry struct {
	Vertex   int     `json:"vertex"`
	Mask     DOFMask `json:"mask"`
	Position r3.Vec  `json:"position"`
}

// ResolvedPointLoad is the merged concentrated force on one vertex.
type ResolvedPointLoad struct {
	Vertex   int    `json:"vertex"`
	Position r3.Vec `json:"position"`
	Force    r3.Vec `json:"force"`
}

// ResolvedAreaLoad is the merged traction on one boundary facet.
type ResolvedAreaLoad struct {
	Facet    int     `json:"facet"`
	Centroid r3.Vec  `json:"centroid"`
	Area     float64 `json:"area"`
	Traction r3.Vec  `json:"traction"` // force per unit area
}

// Descriptor is the validated, solver-ready boundary value problem. It is
// owned exclusively by the orchestrator for the duration of one solve and
// discarded after. Entries are stable-sorted by entity index, so repeated
// builds from identical input are byte-identical under CanonicalJSON.
type Descriptor struct {
	SchemaVersion  string              `json:"schema_version"`
	MeshGeneration uint64              `json:"mesh_generation"`
	Material       constraint.Material `json:"material"`
	Constraints    []ConstraintEntry   `json:"constraints"`
	PointLoads     []ResolvedPointLoad `json:"point_loads"`
	AreaLoads      []ResolvedAreaLoad  `json:"area_loads"`

	// Size and conditioning estimates for strategy selection
	DOFCount        int     `json:"dof_count"`
	HalfBandwidth   int     `json:"half_bandwidth"`
	NonzeroFraction float64 `json:"nonzero_fraction"`
}

// DescriptorSchemaVersion identifies the descriptor encoding.
const DescriptorSchemaVersion = "1"

// CanonicalJSON returns the canonical encoding of the descriptor. Identical
// constraint snapshots against the same mesh generation produce identical
// bytes (struct field order is fixed and all slices are sorted).
func (d *Descriptor) CanonicalJSON() ([]byte, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("problem: encoding descriptor: %w", err)
	}
	return b, nil
}

// Fingerprint returns the hex sha256 of the canonical encoding, used for
// reproducibility checks.
func (d *Descriptor) Fingerprint() (string, error) {
	b, err := d.CanonicalJSON()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Summary condenses the descriptor for the persisted result bundle, enough
// for later independent review without re-running the solve.
type Summary struct {
	MaterialName    string  `json:"material"`
	ConstraintCount int     `json:"constraint_count"`
	ConstrainedDOFs int     `json:"constrained_dofs"`
	PointLoadCount  int     `json:"point_load_count"`
	AreaLoadCount   int     `json:"area_load_count"`
	TotalForce      r3.Vec  `json:"total_force"`
	DOFCount        int     `json:"dof_count"`
	MeshGeneration  uint64  `json:"mesh_generation"`
	NonzeroFraction float64 `json:"nonzero_fraction"`
}

// Summarize builds the bundle summary record for this descriptor.
func (d *Descriptor) Summarize() Summary {
	s := Summary{
		MaterialName:    d.Material.Name,
		ConstraintCount: len(d.Constraints),
		PointLoadCount:  len(d.PointLoads),
		AreaLoadCount:   len(d.AreaLoads),
		DOFCount:        d.DOFCount,
		MeshGeneration:  d.MeshGeneration,
		NonzeroFraction: d.NonzeroFraction,
	}
	for _, c := range d.Constraints {
		s.ConstrainedDOFs += c.Mask.Count()
	}
	for _, pl := range d.PointLoads {
		s.TotalForce = r3.Add(s.TotalForce, pl.Force)
	}
	for _, al := range d.AreaLoads {
		s.TotalForce = r3.Add(s.TotalForce, r3.Scale(al.Area, al.Traction))
	}
	return s
}

// maskFor maps a boundary-condition kind to its DOF mask. The switch is
// exhaustive over the closed BCKind set.
func maskFor(kind constraint.BCKind) (DOFMask, error) {
	switch kind {
	case constraint.BCFixed:
		return FixAll, nil
	case constraint.BCConstrainedX:
		return FixX, nil
	case constraint.BCConstrainedY:
		return FixY, nil
	case constraint.BCConstrainedZ:
		return FixZ, nil
	default:
		return 0, fmt.Errorf("problem: unknown boundary condition kind %v", kind)
	}
}

// entityIndexOK reports whether an id belongs to the expected generation.
func entityIndexOK(id registry.EntityID, generation uint64) bool {
	return id.Generation == generation
}
