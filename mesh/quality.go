package mesh

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// QualityMetrics summarizes per-element shape quality for one mesh
// generation. A well-formed mesh reports MinDihedralAngleDeg > 0 and
// DegenerateCount == 0.
type QualityMetrics struct {
	ElementCount        int
	DegenerateCount     int // cells with non-positive volume
	LowQualityCount     int // cells with shape quality below 0.2
	MinDihedralAngleDeg float64
	MaxAspectRatio      float64 // longest edge / inradius, worst cell
	MinQuality          float64 // normalized shape quality, worst cell
	AvgQuality          float64
}

// ToMap returns the metrics as a metric-name -> value mapping for the
// persisted quality record.
func (q QualityMetrics) ToMap() map[string]float64 {
	return map[string]float64{
		"element_count":          float64(q.ElementCount),
		"degenerate_count":       float64(q.DegenerateCount),
		"low_quality_count":      float64(q.LowQualityCount),
		"min_dihedral_angle_deg": q.MinDihedralAngleDeg,
		"max_aspect_ratio":       q.MaxAspectRatio,
		"min_quality":            q.MinQuality,
		"avg_quality":            q.AvgQuality,
	}
}

// EvaluateQuality computes shape metrics over every tetrahedron.
//
// Per cell:
//   - dihedral angles along all six edges
//   - aspect ratio: longest edge over inradius (3V / surface area)
//   - shape quality: 6*sqrt(2)*V / l_rms^3, which is 1 for a regular tet
//     and tends to 0 for slivers
func EvaluateQuality(m *Mesh) QualityMetrics {
	q := QualityMetrics{
		ElementCount:        len(m.Tets),
		MinDihedralAngleDeg: math.Inf(1),
		MinQuality:          math.Inf(1),
	}
	if len(m.Tets) == 0 {
		q.MinDihedralAngleDeg = 0
		q.MinQuality = 0
		return q
	}

	var qualitySum float64
	for i := range m.Tets {
		t := m.Tets[i]
		v := [4]r3.Vec{m.Vertices[t[0]], m.Vertices[t[1]], m.Vertices[t[2]], m.Vertices[t[3]]}

		vol := signedVolume(v[0], v[1], v[2], v[3])
		if vol <= 0 {
			q.DegenerateCount++
			q.MinDihedralAngleDeg = 0
			q.MinQuality = 0
			continue
		}

		// Edge lengths
		var sumSq, longest float64
		for a := 0; a < 4; a++ {
			for b := a + 1; b < 4; b++ {
				l := r3.Norm(r3.Sub(v[b], v[a]))
				sumSq += l * l
				if l > longest {
					longest = l
				}
			}
		}
		lrms := math.Sqrt(sumSq / 6.0)
		shape := 6.0 * math.Sqrt2 * vol / (lrms * lrms * lrms)
		qualitySum += shape
		if shape < q.MinQuality {
			q.MinQuality = shape
		}
		if shape < 0.2 {
			q.LowQualityCount++
		}

		// Inradius from total surface area
		var area float64
		faces := [4][3]int{{1, 2, 3}, {0, 2, 3}, {0, 1, 3}, {0, 1, 2}}
		for _, f := range faces {
			area += 0.5 * r3.Norm(r3.Cross(r3.Sub(v[f[1]], v[f[0]]), r3.Sub(v[f[2]], v[f[0]])))
		}
		inradius := 3.0 * vol / area
		if ar := longest / inradius; ar > q.MaxAspectRatio {
			q.MaxAspectRatio = ar
		}

		if d := minDihedralDeg(v); d < q.MinDihedralAngleDeg {
			q.MinDihedralAngleDeg = d
		}
	}
	q.AvgQuality = qualitySum / float64(len(m.Tets))
	return q
}

// minDihedralDeg returns the smallest dihedral angle of a tet in degrees.
// The angle along edge (a,b) is measured between the in-face components of
// the two remaining vertices projected off the edge direction.
func minDihedralDeg(v [4]r3.Vec) float64 {
	edges := [6][4]int{
		// edge endpoints, then the two opposite vertices
		{0, 1, 2, 3}, {0, 2, 1, 3}, {0, 3, 1, 2},
		{1, 2, 0, 3}, {1, 3, 0, 2}, {2, 3, 0, 1},
	}
	minAngle := math.Inf(1)
	for _, e := range edges {
		a, b := v[e[0]], v[e[1]]
		u := r3.Sub(b, a)
		un := r3.Norm(u)
		if un == 0 {
			return 0
		}
		u = r3.Scale(1/un, u)
		p1 := perpComponent(r3.Sub(v[e[2]], a), u)
		p2 := perpComponent(r3.Sub(v[e[3]], a), u)
		n1, n2 := r3.Norm(p1), r3.Norm(p2)
		if n1 == 0 || n2 == 0 {
			return 0
		}
		cosA := r3.Dot(p1, p2) / (n1 * n2)
		cosA = math.Max(-1, math.Min(1, cosA))
		angle := math.Acos(cosA) * 180.0 / math.Pi
		if angle < minAngle {
			minAngle = angle
		}
	}
	return minAngle
}

func perpComponent(w, unit r3.Vec) r3.Vec {
	return r3.Sub(w, r3.Scale(r3.Dot(w, unit), unit))
}
