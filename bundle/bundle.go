// Package bundle normalizes solver output into a versioned,
// self-describing result bundle: a result mesh with per-entity solution
// fields, a mesh-quality record and a solution summary, all sharing one
// bundle identifier and schema version. Packaging is pure transformation;
// persistence is atomic so a concurrent reader never observes a partial
// bundle.
package bundle

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/structmesh/femcore/mesh"
	"github.com/structmesh/femcore/problem"
	"github.com/structmesh/femcore/solver"
)

// SchemaVersion identifies the bundle layout.
const SchemaVersion = "1"

// SolutionSummary is the record that lets a reviewer judge the solve later
// without re-running it.
type SolutionSummary struct {
	BundleID      string    `json:"bundle_id"`
	SchemaVersion string    `json:"schema_version"`
	CreatedAt     time.Time `json:"created_at"`

	Problem  problem.Summary `json:"problem"`
	Strategy string          `json:"strategy"`
	Fallback bool            `json:"fallback_used"`

	Iterations      int     `json:"iterations"`
	Residual        float64 `json:"residual"`
	WallTimeSeconds float64 `json:"wall_time_seconds"`
	DOFCount        int     `json:"dof_count"`

	MaxDisplacement       float64 `json:"max_displacement"`
	MaxDisplacementVertex int     `json:"max_displacement_vertex"`
	MaxVonMises           float64 `json:"max_von_mises"`
}

// QualityRecord is the persisted metric-name to value mapping.
type QualityRecord struct {
	BundleID      string             `json:"bundle_id"`
	SchemaVersion string             `json:"schema_version"`
	Metrics       map[string]float64 `json:"metrics"`
}

// ResultMesh is the geometry plus per-entity solution fields consumed by
// the visualization collaborator.
type ResultMesh struct {
	BundleID      string `json:"bundle_id"`
	SchemaVersion string `json:"schema_version"`

	Generation uint64   `json:"mesh_generation"`
	Vertices   []r3.Vec `json:"vertices"`
	Tets       [][4]int `json:"tets"`

	Displacement []r3.Vec  `json:"displacement"`
	VonMises     []float64 `json:"von_mises"`
	StrainEq     []float64 `json:"strain_eq"`
}

// Bundle is the complete packaged result.
type Bundle struct {
	ID         string
	Summary    SolutionSummary
	Quality    QualityRecord
	ResultMesh ResultMesh
}

// Package assembles a bundle from a solve result, its descriptor, the mesh
// it was solved on and the mesh quality metrics. Pure transformation: no
// I/O.
func Package(result *solver.SolveResult, desc *problem.Descriptor, m *mesh.Mesh, quality mesh.QualityMetrics) (*Bundle, error) {
	if result == nil || desc == nil || m == nil {
		return nil, fmt.Errorf("bundle: result, descriptor and mesh are all required")
	}
	if len(result.Displacement) != m.VertexCount() {
		return nil, fmt.Errorf("bundle: result has %d displacement entries for %d vertices",
			len(result.Displacement), m.VertexCount())
	}
	if desc.MeshGeneration != m.Generation {
		return nil, fmt.Errorf("bundle: descriptor generation %d does not match mesh generation %d",
			desc.MeshGeneration, m.Generation)
	}

	id := uuid.NewString()
	maxDisp, maxAt := result.MaxDisplacement()
	maxVM := 0.0
	for _, vm := range result.VonMises {
		if vm > maxVM {
			maxVM = vm
		}
	}

	b := &Bundle{
		ID: id,
		Summary: SolutionSummary{
			BundleID:              id,
			SchemaVersion:         SchemaVersion,
			CreatedAt:             time.Now().UTC(),
			Problem:               desc.Summarize(),
			Strategy:              result.Diagnostics.Strategy.String(),
			Fallback:              result.Diagnostics.FallbackUsed,
			Iterations:            result.Diagnostics.Iterations,
			Residual:              result.Diagnostics.Residual,
			WallTimeSeconds:       result.Diagnostics.WallTime.Seconds(),
			DOFCount:              result.Diagnostics.DOFCount,
			MaxDisplacement:       maxDisp,
			MaxDisplacementVertex: maxAt,
			MaxVonMises:           maxVM,
		},
		Quality: QualityRecord{
			BundleID:      id,
			SchemaVersion: SchemaVersion,
			Metrics:       quality.ToMap(),
		},
		ResultMesh: ResultMesh{
			BundleID:      id,
			SchemaVersion: SchemaVersion,
			Generation:    m.Generation,
			Vertices:      m.Vertices,
			Tets:          m.Tets,
			Displacement:  result.Displacement,
			VonMises:      result.VonMises,
			StrainEq:      result.StrainEq,
		},
	}
	return b, nil
}
