// Package mesh defines the volumetric tetrahedral mesh consumed by the
// selection and solve pipeline, the Mesher collaborator interface, and mesh
// quality evaluation. Mesh generation from imported surface geometry is
// delegated to an external mesher; the BoxMesher here produces deterministic
// structured meshes for tests and examples.
package mesh

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
)

// Mesh is one generation of a tetrahedral volume mesh. Entity indices
// (vertex, facet, cell) are stable within a generation and invalid across
// generations; the registry package enforces that boundary.
type Mesh struct {
	// Generation number, bumped by the mesher on every remesh/refinement
	Generation uint64

	// Vertex coordinates
	Vertices []r3.Vec

	// Tets holds vertex indices per tetrahedron, ordered for positive
	// signed volume
	Tets [][4]int

	// BoundaryFacets holds vertex indices per boundary triangle, ordered
	// so the right-hand normal points out of the volume
	BoundaryFacets [][3]int
}

// VertexCount returns the number of mesh vertices.
func (m *Mesh) VertexCount() int { return len(m.Vertices) }

// CellCount returns the number of tetrahedra.
func (m *Mesh) CellCount() int { return len(m.Tets) }

// FacetCount returns the number of boundary triangles.
func (m *Mesh) FacetCount() int { return len(m.BoundaryFacets) }

// DOFCount returns the degrees of freedom of the discretized displacement
// field: three translational unknowns per vertex.
func (m *Mesh) DOFCount() int { return 3 * len(m.Vertices) }

// VertexPosition returns the coordinates of vertex i.
func (m *Mesh) VertexPosition(i int) (r3.Vec, error) {
	if i < 0 || i >= len(m.Vertices) {
		return r3.Vec{}, fmt.Errorf("vertex index %d out of range [0,%d)", i, len(m.Vertices))
	}
	return m.Vertices[i], nil
}

// FacetCentroid returns the centroid of boundary facet i.
func (m *Mesh) FacetCentroid(i int) (r3.Vec, error) {
	if i < 0 || i >= len(m.BoundaryFacets) {
		return r3.Vec{}, fmt.Errorf("facet index %d out of range [0,%d)", i, len(m.BoundaryFacets))
	}
	f := m.BoundaryFacets[i]
	a, b, c := m.Vertices[f[0]], m.Vertices[f[1]], m.Vertices[f[2]]
	return r3.Scale(1.0/3.0, r3.Add(a, r3.Add(b, c))), nil
}

// FacetNormal returns the unit outward normal of boundary facet i.
func (m *Mesh) FacetNormal(i int) (r3.Vec, error) {
	if i < 0 || i >= len(m.BoundaryFacets) {
		return r3.Vec{}, fmt.Errorf("facet index %d out of range [0,%d)", i, len(m.BoundaryFacets))
	}
	f := m.BoundaryFacets[i]
	a, b, c := m.Vertices[f[0]], m.Vertices[f[1]], m.Vertices[f[2]]
	n := r3.Cross(r3.Sub(b, a), r3.Sub(c, a))
	norm := r3.Norm(n)
	if norm == 0 {
		return r3.Vec{}, fmt.Errorf("facet %d is degenerate", i)
	}
	return r3.Scale(1/norm, n), nil
}

// FacetArea returns the area of boundary facet i.
func (m *Mesh) FacetArea(i int) (float64, error) {
	if i < 0 || i >= len(m.BoundaryFacets) {
		return 0, fmt.Errorf("facet index %d out of range [0,%d)", i, len(m.BoundaryFacets))
	}
	f := m.BoundaryFacets[i]
	a, b, c := m.Vertices[f[0]], m.Vertices[f[1]], m.Vertices[f[2]]
	return 0.5 * r3.Norm(r3.Cross(r3.Sub(b, a), r3.Sub(c, a))), nil
}

// CellCentroid returns the centroid of tetrahedron i.
func (m *Mesh) CellCentroid(i int) (r3.Vec, error) {
	if i < 0 || i >= len(m.Tets) {
		return r3.Vec{}, fmt.Errorf("cell index %d out of range [0,%d)", i, len(m.Tets))
	}
	t := m.Tets[i]
	sum := r3.Vec{}
	for _, v := range t {
		sum = r3.Add(sum, m.Vertices[v])
	}
	return r3.Scale(0.25, sum), nil
}

// TetVolume returns the signed volume of tetrahedron i. Well-formed meshes
// order vertices for positive volume.
func (m *Mesh) TetVolume(i int) (float64, error) {
	if i < 0 || i >= len(m.Tets) {
		return 0, fmt.Errorf("cell index %d out of range [0,%d)", i, len(m.Tets))
	}
	t := m.Tets[i]
	a, b, c, d := m.Vertices[t[0]], m.Vertices[t[1]], m.Vertices[t[2]], m.Vertices[t[3]]
	return signedVolume(a, b, c, d), nil
}

func signedVolume(a, b, c, d r3.Vec) float64 {
	return r3.Dot(r3.Cross(r3.Sub(b, a), r3.Sub(c, a)), r3.Sub(d, a)) / 6.0
}

// Verify checks basic structural invariants: indices in range and positive
// cell volumes.
func (m *Mesh) Verify() error {
	nv := len(m.Vertices)
	for i, t := range m.Tets {
		for _, v := range t {
			if v < 0 || v >= nv {
				return fmt.Errorf("cell %d references vertex %d outside [0,%d)", i, v, nv)
			}
		}
		vol, _ := m.TetVolume(i)
		if vol <= 0 {
			return fmt.Errorf("cell %d has non-positive volume %g", i, vol)
		}
	}
	for i, f := range m.BoundaryFacets {
		for _, v := range f {
			if v < 0 || v >= nv {
				return fmt.Errorf("facet %d references vertex %d outside [0,%d)", i, v, nv)
			}
		}
	}
	return nil
}

// String returns a summary of the mesh dimensions.
func (m *Mesh) String() string {
	var sb strings.Builder
	sb.WriteString("=== Mesh Summary ===\n")
	sb.WriteString(fmt.Sprintf("  Generation: %d\n", m.Generation))
	sb.WriteString(fmt.Sprintf("  Vertices: %d\n", len(m.Vertices)))
	sb.WriteString(fmt.Sprintf("  Tetrahedra: %d\n", len(m.Tets)))
	sb.WriteString(fmt.Sprintf("  Boundary facets: %d\n", len(m.BoundaryFacets)))
	sb.WriteString(fmt.Sprintf("  DOFs: %d\n", m.DOFCount()))
	return sb.String()
}
