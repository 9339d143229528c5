package bundle

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/structmesh/femcore/constraint"
	"github.com/structmesh/femcore/mesh"
	"github.com/structmesh/femcore/problem"
	"github.com/structmesh/femcore/solver"
)

func testInputs(t *testing.T) (*solver.SolveResult, *problem.Descriptor, *mesh.Mesh, mesh.QualityMetrics) {
	t.Helper()
	bm, err := mesh.NewBoxMesher(r3.Vec{}, r3.Vec{X: 1, Y: 1, Z: 1}, 1, 1, 1)
	require.NoError(t, err)
	m, err := bm.Generate(1)
	require.NoError(t, err)
	quality, err := bm.Quality(m)
	require.NoError(t, err)

	nv := m.VertexCount()
	res := &solver.SolveResult{
		Displacement: make([]r3.Vec, nv),
		VonMises:     make([]float64, nv),
		StrainEq:     make([]float64, nv),
		Diagnostics: solver.Diagnostics{
			Strategy:   solver.DirectFallback(),
			Iterations: 12,
			Residual:   3.2e-9,
			WallTime:   42 * time.Millisecond,
			DOFCount:   m.DOFCount(),
		},
	}
	for v := range res.Displacement {
		res.Displacement[v] = r3.Vec{Z: -0.001 * float64(v)}
		res.VonMises[v] = float64(v) * 1e6
	}
	d := &problem.Descriptor{
		SchemaVersion:  problem.DescriptorSchemaVersion,
		MeshGeneration: m.Generation,
		Material:       constraint.StructuralSteel,
		DOFCount:       m.DOFCount(),
	}
	return res, d, m, quality
}

func TestPackageBuildsConsistentRecords(t *testing.T) {
	res, d, m, q := testInputs(t)

	b, err := Package(res, d, m, q)
	require.NoError(t, err)

	assert.NotEmpty(t, b.ID)
	assert.Equal(t, b.ID, b.Summary.BundleID)
	assert.Equal(t, b.ID, b.Quality.BundleID)
	assert.Equal(t, b.ID, b.ResultMesh.BundleID)
	assert.Equal(t, SchemaVersion, b.Summary.SchemaVersion)

	assert.Equal(t, constraint.StructuralSteel.Name, b.Summary.Problem.MaterialName)
	assert.Equal(t, 12, b.Summary.Iterations)
	assert.Equal(t, m.Generation, b.ResultMesh.Generation)
	assert.Len(t, b.ResultMesh.Displacement, m.VertexCount())

	wantMax := 0.001 * float64(m.VertexCount()-1)
	assert.InDelta(t, wantMax, b.Summary.MaxDisplacement, 1e-12)
	assert.Equal(t, m.VertexCount()-1, b.Summary.MaxDisplacementVertex)
	assert.InDelta(t, float64(m.VertexCount()-1)*1e6, b.Summary.MaxVonMises, 1e-6)
	assert.Equal(t, q.ToMap(), b.Quality.Metrics)

	// Two packagings of the same result are distinct bundles.
	b2, err := Package(res, d, m, q)
	require.NoError(t, err)
	assert.NotEqual(t, b.ID, b2.ID)
}

func TestPackageRejectsMismatchedInputs(t *testing.T) {
	res, d, m, q := testInputs(t)

	_, err := Package(nil, d, m, q)
	assert.Error(t, err)

	short := *res
	short.Displacement = short.Displacement[:1]
	_, err = Package(&short, d, m, q)
	assert.Error(t, err)

	stale := *d
	stale.MeshGeneration++
	_, err = Package(res, &stale, m, q)
	assert.Error(t, err)
}

func TestPersistLoadRoundTrip(t *testing.T) {
	res, d, m, q := testInputs(t)
	b, err := Package(res, d, m, q)
	require.NoError(t, err)

	dir := t.TempDir()
	path, err := Persist(b, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "bundle-"+b.ID), path)

	for _, name := range []string{summaryFile, qualityFile, resultMeshFile} {
		_, err := os.Stat(filepath.Join(path, name))
		assert.NoError(t, err, name)
	}

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, b.ID, loaded.ID)
	assert.Equal(t, b.Summary.Iterations, loaded.Summary.Iterations)
	assert.Equal(t, b.Quality.Metrics, loaded.Quality.Metrics)
	assert.Equal(t, b.ResultMesh.Tets, loaded.ResultMesh.Tets)
	assert.InDelta(t, b.Summary.MaxDisplacement, loaded.Summary.MaxDisplacement, 1e-15)
}

func TestPersistLeavesNothingBehindOnFailure(t *testing.T) {
	res, d, m, q := testInputs(t)
	b, err := Package(res, d, m, q)
	require.NoError(t, err)

	orig := writeFile
	defer func() { writeFile = orig }()
	calls := 0
	writeFile = func(name string, data []byte, perm os.FileMode) error {
		calls++
		if calls == 2 {
			return fmt.Errorf("disk full")
		}
		return orig(name, data, perm)
	}

	dir := t.TempDir()
	_, err = Persist(b, dir)
	require.Error(t, err)

	// The failed bundle must not be observable, not even partially.
	_, err = os.Stat(filepath.Join(dir, "bundle-"+b.ID))
	assert.True(t, os.IsNotExist(err))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "staging residue must be cleaned up")
}

func TestLoadRejectsInconsistentRecords(t *testing.T) {
	res, d, m, q := testInputs(t)
	b, err := Package(res, d, m, q)
	require.NoError(t, err)

	dir := t.TempDir()
	path, err := Persist(b, dir)
	require.NoError(t, err)

	// Corrupt the quality record's identity.
	qpath := filepath.Join(path, qualityFile)
	require.NoError(t, os.WriteFile(qpath,
		[]byte(`{"bundle_id":"other","schema_version":"1","metrics":{}}`), 0o644))

	_, err = Load(path)
	assert.Error(t, err)
}

func TestLoadMissingDirectory(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)
}
