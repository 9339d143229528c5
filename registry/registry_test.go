package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/structmesh/femcore/mesh"
)

func unitBoxMesh(t *testing.T, bm *mesh.BoxMesher, level int) *mesh.Mesh {
	t.Helper()
	m, err := bm.Generate(level)
	require.NoError(t, err)
	return m
}

func newTestRegistry(t *testing.T) (*Registry, *mesh.Mesh, *mesh.BoxMesher) {
	t.Helper()
	bm, err := mesh.NewBoxMesher(r3.Vec{}, r3.Vec{X: 1, Y: 1, Z: 1}, 2, 2, 2)
	require.NoError(t, err)
	m := unitBoxMesh(t, bm, 1)
	r, err := New(m, 0, nil)
	require.NoError(t, err)
	return r, m, bm
}

func TestRegisterResolveRoundTrip(t *testing.T) {
	r, m, _ := newTestRegistry(t)

	id, err := r.Register(Vertex, 5)
	require.NoError(t, err)
	assert.Equal(t, m.Generation, id.Generation)
	assert.Equal(t, Vertex, id.Kind)
	assert.Equal(t, 5, id.Index)

	geom, err := r.Resolve(id)
	require.NoError(t, err)
	want, err := m.VertexPosition(5)
	require.NoError(t, err)
	assert.Equal(t, want, geom.Centroid)
}

func TestRegisterIsIdempotent(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	a, err := r.Register(Facet, 3)
	require.NoError(t, err)
	b, err := r.Register(Facet, 3)
	require.NoError(t, err)
	assert.Equal(t, a, b, "re-registering the same entity mints the same id")
}

func TestRegisterRejectsOutOfRange(t *testing.T) {
	r, m, _ := newTestRegistry(t)

	_, err := r.Register(Vertex, m.VertexCount())
	assert.Error(t, err)
	_, err = r.Register(Cell, -1)
	assert.Error(t, err)
}

func TestResolveStaleGeneration(t *testing.T) {
	r, m, bm := newTestRegistry(t)

	id, err := r.Register(Vertex, 0)
	require.NoError(t, err)

	// Remesh at the same resolution; the old id's generation is now stale.
	m2 := unitBoxMesh(t, bm, 1)
	require.Greater(t, m2.Generation, m.Generation)
	_, err = r.Remap(m2)
	require.NoError(t, err)

	_, err = r.Resolve(id)
	assert.ErrorIs(t, err, ErrStaleGeneration)
}

func TestResolveUnknownID(t *testing.T) {
	r, m, _ := newTestRegistry(t)

	_, err := r.Resolve(EntityID{Generation: m.Generation, Kind: Cell, Index: 7})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemapIdenticalMeshMapsEverything(t *testing.T) {
	r, _, bm := newTestRegistry(t)

	var ids []EntityID
	for _, kind := range []EntityKind{Vertex, Facet, Cell} {
		for i := 0; i < 4; i++ {
			id, err := r.Register(kind, i)
			require.NoError(t, err)
			ids = append(ids, id)
		}
	}

	m2 := unitBoxMesh(t, bm, 1)
	result, err := r.Remap(m2)
	require.NoError(t, err)
	assert.Empty(t, result.Unmappable)
	require.Len(t, result.Mapping, len(ids))

	// A structured remesh at the same resolution reproduces every centroid,
	// so each entity maps onto the same index in the new generation.
	for _, old := range ids {
		mapped, ok := result.Mapping[old]
		require.True(t, ok, "missing mapping for %s", old)
		assert.Equal(t, old.Index, mapped.Index)
		assert.Equal(t, old.Kind, mapped.Kind)
		assert.Equal(t, m2.Generation, mapped.Generation)

		_, err := r.Resolve(mapped)
		assert.NoError(t, err)
	}
}

func TestRemapRefinedMeshReportsUnmappable(t *testing.T) {
	r, m, bm := newTestRegistry(t)

	// A cell centroid of the coarse mesh does not survive refinement.
	cellID, err := r.Register(Cell, 0)
	require.NoError(t, err)
	// The box corner vertex survives any structured refinement.
	corner, err := r.Register(Vertex, 0)
	require.NoError(t, err)
	cornerPos, err := m.VertexPosition(0)
	require.NoError(t, err)

	fine := unitBoxMesh(t, bm, 2)
	result, err := r.Remap(fine)
	require.NoError(t, err)

	assert.Contains(t, result.Unmappable, cellID)
	_, err = result.MappingFor(cellID)
	assert.ErrorIs(t, err, ErrUnmappable)

	mapped, err := result.MappingFor(corner)
	require.NoError(t, err)
	geom, err := r.Resolve(mapped)
	require.NoError(t, err)
	assert.InDelta(t, 0, r3.Norm(r3.Sub(geom.Centroid, cornerPos)), 1e-12)
}

func TestBuildGateBlocksMutation(t *testing.T) {
	r, _, bm := newTestRegistry(t)

	require.NoError(t, r.BeginBuild())

	_, err := r.Register(Vertex, 1)
	assert.ErrorIs(t, err, ErrRegistryBusy)

	_, err = r.Remap(unitBoxMesh(t, bm, 1))
	assert.ErrorIs(t, err, ErrRegistryBusy)

	err = r.BeginBuild()
	assert.ErrorIs(t, err, ErrRegistryBusy)

	r.EndBuild()
	_, err = r.Register(Vertex, 1)
	assert.NoError(t, err)
}

func TestDefaultTolerance(t *testing.T) {
	bm, err := mesh.NewBoxMesher(r3.Vec{}, r3.Vec{X: 1, Y: 1, Z: 1}, 1, 1, 1)
	require.NoError(t, err)
	r, err := New(unitBoxMesh(t, bm, 1), -1, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultRemapTolerance, r.tolerance)
}
