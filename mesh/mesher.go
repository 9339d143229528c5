package mesh

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"
)

// Mesher is the external mesh-generation collaborator. Implementations bind
// the imported surface geometry at construction time and produce a fresh
// mesh generation on every Generate call, so entity indices from earlier
// generations become invalid.
type Mesher interface {
	// Generate produces a refined volumetric mesh. Higher refinement
	// levels subdivide more finely. Each call bumps the mesh generation.
	Generate(refinementLevel int) (*Mesh, error)

	// Quality evaluates shape metrics for a generated mesh.
	Quality(m *Mesh) (QualityMetrics, error)
}

// BoxMesher meshes an axis-aligned box with a structured Kuhn subdivision,
// six tetrahedra per grid cell, all sharing the cell's main diagonal. The
// result is deterministic for a given configuration and refinement level,
// which the test suite and examples rely on.
type BoxMesher struct {
	Origin r3.Vec
	Size   r3.Vec
	// Base grid divisions per axis at refinement level 1
	Nx, Ny, Nz int

	gen uint64
}

// NewBoxMesher creates a box mesher with base divisions nx, ny, nz.
func NewBoxMesher(origin, size r3.Vec, nx, ny, nz int) (*BoxMesher, error) {
	if nx <= 0 || ny <= 0 || nz <= 0 {
		return nil, fmt.Errorf("invalid divisions: nx=%d, ny=%d, nz=%d", nx, ny, nz)
	}
	if size.X <= 0 || size.Y <= 0 || size.Z <= 0 {
		return nil, fmt.Errorf("invalid box size: %v", size)
	}
	return &BoxMesher{Origin: origin, Size: size, Nx: nx, Ny: ny, Nz: nz}, nil
}

// Generate meshes the box at the given refinement level. Level k multiplies
// the base divisions by k along every axis.
func (bm *BoxMesher) Generate(refinementLevel int) (*Mesh, error) {
	if refinementLevel < 1 {
		return nil, fmt.Errorf("refinement level must be >= 1, got %d", refinementLevel)
	}
	nx, ny, nz := bm.Nx*refinementLevel, bm.Ny*refinementLevel, bm.Nz*refinementLevel
	bm.gen++

	m := &Mesh{Generation: bm.gen}

	// Grid vertices, x fastest
	vid := func(i, j, k int) int { return i + (nx+1)*(j+(ny+1)*k) }
	m.Vertices = make([]r3.Vec, (nx+1)*(ny+1)*(nz+1))
	for k := 0; k <= nz; k++ {
		for j := 0; j <= ny; j++ {
			for i := 0; i <= nx; i++ {
				m.Vertices[vid(i, j, k)] = r3.Vec{
					X: bm.Origin.X + bm.Size.X*float64(i)/float64(nx),
					Y: bm.Origin.Y + bm.Size.Y*float64(j)/float64(ny),
					Z: bm.Origin.Z + bm.Size.Z*float64(k)/float64(nz),
				}
			}
		}
	}

	// Kuhn subdivision: six tets per cell, one per monotone path from the
	// min corner to the max corner. Sharing the main diagonal keeps the
	// triangulation conforming across neighboring cells.
	paths := [6][2][3]int{
		{{1, 0, 0}, {1, 1, 0}},
		{{1, 0, 0}, {1, 0, 1}},
		{{0, 1, 0}, {1, 1, 0}},
		{{0, 1, 0}, {0, 1, 1}},
		{{0, 0, 1}, {1, 0, 1}},
		{{0, 0, 1}, {0, 1, 1}},
	}
	m.Tets = make([][4]int, 0, 6*nx*ny*nz)
	for k := 0; k < nz; k++ {
		for j := 0; j < ny; j++ {
			for i := 0; i < nx; i++ {
				v000 := vid(i, j, k)
				v111 := vid(i+1, j+1, k+1)
				for _, p := range paths {
					a := vid(i+p[0][0], j+p[0][1], k+p[0][2])
					b := vid(i+p[1][0], j+p[1][1], k+p[1][2])
					tet := [4]int{v000, a, b, v111}
					if vol := signedVolume(m.Vertices[tet[0]], m.Vertices[tet[1]],
						m.Vertices[tet[2]], m.Vertices[tet[3]]); vol < 0 {
						tet[2], tet[3] = tet[3], tet[2]
					}
					m.Tets = append(m.Tets, tet)
				}
			}
		}
	}

	m.BoundaryFacets = extractBoundary(m.Tets)
	if err := m.Verify(); err != nil {
		return nil, fmt.Errorf("generated mesh failed verification: %w", err)
	}
	return m, nil
}

// Quality evaluates shape metrics for a generated mesh.
func (bm *BoxMesher) Quality(m *Mesh) (QualityMetrics, error) {
	if m == nil || len(m.Tets) == 0 {
		return QualityMetrics{}, fmt.Errorf("mesh has no cells")
	}
	return EvaluateQuality(m), nil
}

// extractBoundary collects tet faces that appear exactly once, oriented so
// the right-hand normal points out of the volume.
func extractBoundary(tets [][4]int) [][3]int {
	type faceKey [3]int
	counts := make(map[faceKey]int)
	oriented := make(map[faceKey][3]int)

	// Outward-oriented faces of a positive-volume tet (v0,v1,v2,v3)
	outward := [4][3]int{{0, 2, 1}, {0, 1, 3}, {0, 3, 2}, {1, 2, 3}}

	for _, t := range tets {
		for _, f := range outward {
			face := [3]int{t[f[0]], t[f[1]], t[f[2]]}
			key := faceKey{face[0], face[1], face[2]}
			sortTriple((*[3]int)(&key))
			counts[key]++
			oriented[key] = face
		}
	}

	var boundary [][3]int
	for key, n := range counts {
		if n == 1 {
			boundary = append(boundary, oriented[key])
		}
	}
	// Deterministic ordering for reproducible facet indices
	sortFaces(boundary)
	return boundary
}

func sortTriple(k *[3]int) {
	if k[0] > k[1] {
		k[0], k[1] = k[1], k[0]
	}
	if k[1] > k[2] {
		k[1], k[2] = k[2], k[1]
	}
	if k[0] > k[1] {
		k[0], k[1] = k[1], k[0]
	}
}

func sortFaces(faces [][3]int) {
	sort.Slice(faces, func(i, j int) bool {
		ka, kb := faces[i], faces[j]
		sortTriple(&ka)
		sortTriple(&kb)
		for n := 0; n < 3; n++ {
			if ka[n] != kb[n] {
				return ka[n] < kb[n]
			}
		}
		return false
	})
}
