package mesh

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func TestBoxMesherGeneratesValidMesh(t *testing.T) {
	bm, err := NewBoxMesher(r3.Vec{}, r3.Vec{X: 1, Y: 1, Z: 1}, 2, 2, 2)
	require.NoError(t, err)

	m, err := bm.Generate(1)
	require.NoError(t, err)
	require.NoError(t, m.Verify())

	assert.Equal(t, 27, m.VertexCount(), "3x3x3 vertex lattice")
	assert.Equal(t, 48, m.CellCount(), "6 tets per hex cell")
	assert.Equal(t, 48, m.FacetCount(), "2 triangles per boundary quad, 24 quads")
}

func TestBoxMesherTetsHavePositiveVolume(t *testing.T) {
	bm, err := NewBoxMesher(r3.Vec{X: -1, Y: 2, Z: 0.5}, r3.Vec{X: 2, Y: 0.5, Z: 3}, 3, 2, 4)
	require.NoError(t, err)
	m, err := bm.Generate(1)
	require.NoError(t, err)

	total := 0.0
	for c := 0; c < m.CellCount(); c++ {
		v, err := m.TetVolume(c)
		require.NoError(t, err)
		assert.Greater(t, v, 0.0, "cell %d", c)
		total += v
	}
	assert.InDelta(t, 2*0.5*3, total, 1e-10, "tet volumes must tile the box")
}

func TestBoxMesherRefinementDoublesDivisions(t *testing.T) {
	bm, err := NewBoxMesher(r3.Vec{}, r3.Vec{X: 1, Y: 1, Z: 1}, 1, 1, 1)
	require.NoError(t, err)

	coarse, err := bm.Generate(1)
	require.NoError(t, err)
	fine, err := bm.Generate(2)
	require.NoError(t, err)

	assert.Equal(t, 6, coarse.CellCount())
	assert.Equal(t, 48, fine.CellCount())
	assert.Greater(t, fine.Generation, coarse.Generation, "each generate mints a new generation")
}

func TestBoxMesherRejectsBadInput(t *testing.T) {
	_, err := NewBoxMesher(r3.Vec{}, r3.Vec{X: 1, Y: 1, Z: 1}, 0, 1, 1)
	assert.Error(t, err)

	_, err = NewBoxMesher(r3.Vec{}, r3.Vec{X: 1, Y: -1, Z: 1}, 1, 1, 1)
	assert.Error(t, err)
}

func TestBoundaryFacetsPointOutward(t *testing.T) {
	bm, err := NewBoxMesher(r3.Vec{}, r3.Vec{X: 1, Y: 1, Z: 1}, 2, 2, 2)
	require.NoError(t, err)
	m, err := bm.Generate(1)
	require.NoError(t, err)

	center := r3.Vec{X: 0.5, Y: 0.5, Z: 0.5}
	for f := 0; f < m.FacetCount(); f++ {
		n, err := m.FacetNormal(f)
		require.NoError(t, err)
		c, err := m.FacetCentroid(f)
		require.NoError(t, err)
		assert.Greater(t, r3.Dot(n, r3.Sub(c, center)), 0.0,
			"facet %d normal must point away from the box center", f)
	}
}

func TestEvaluateQualityOnUnitBox(t *testing.T) {
	bm, err := NewBoxMesher(r3.Vec{}, r3.Vec{X: 1, Y: 1, Z: 1}, 2, 2, 2)
	require.NoError(t, err)
	m, err := bm.Generate(1)
	require.NoError(t, err)

	q, err := bm.Quality(m)
	require.NoError(t, err)

	assert.Equal(t, m.CellCount(), q.ElementCount)
	assert.Zero(t, q.DegenerateCount)
	assert.Greater(t, q.MinDihedralAngleDeg, 0.0)
	assert.Less(t, q.MinDihedralAngleDeg, 90.0)
	assert.Greater(t, q.MinQuality, 0.0)
	assert.LessOrEqual(t, q.MinQuality, q.AvgQuality)
	assert.LessOrEqual(t, q.AvgQuality, 1.0+1e-12)
	assert.GreaterOrEqual(t, q.MaxAspectRatio, 1.0)
}

func TestQualityMapRoundTrip(t *testing.T) {
	q := QualityMetrics{
		ElementCount:        10,
		LowQualityCount:     2,
		MinDihedralAngleDeg: 31.5,
		MaxAspectRatio:      4.2,
		MinQuality:          0.21,
		AvgQuality:          0.77,
	}
	mp := q.ToMap()
	assert.Equal(t, 10.0, mp["element_count"])
	assert.Equal(t, 2.0, mp["low_quality_count"])
	assert.Equal(t, 0.21, mp["min_quality"])
}

func TestFacetAreaMatchesGeometry(t *testing.T) {
	bm, err := NewBoxMesher(r3.Vec{}, r3.Vec{X: 2, Y: 2, Z: 2}, 1, 1, 1)
	require.NoError(t, err)
	m, err := bm.Generate(1)
	require.NoError(t, err)

	total := 0.0
	for f := 0; f < m.FacetCount(); f++ {
		a, err := m.FacetArea(f)
		require.NoError(t, err)
		total += a
	}
	assert.InDelta(t, 24.0, total, 1e-10, "surface area of a 2x2x2 box")
}

func TestVerifyRejectsDegenerateTet(t *testing.T) {
	m := &Mesh{
		Generation: 1,
		Vertices: []r3.Vec{
			{}, {X: 1}, {Y: 1}, {X: 1, Y: 1}, // coplanar
		},
		Tets: [][4]int{{0, 1, 2, 3}},
	}
	assert.Error(t, m.Verify())

	v, err := m.TetVolume(0)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, math.Abs(v), 1e-14)
}
