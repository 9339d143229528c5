package constraint

import (
	"fmt"
	"math"
)

// Material holds the elastic parameters of an isotropic linear-elastic
// material. Exactly one material is active per solve.
type Material struct {
	Name          string  `json:"name"`
	YoungsModulus float64 `json:"youngs_modulus"` // Pa
	PoissonRatio  float64 `json:"poisson_ratio"`
	Density       float64 `json:"density"` // kg/m^3
}

// Built-in material catalog. Values follow the original supported set.
var (
	StructuralSteel = Material{Name: "Structural Steel", YoungsModulus: 210e9, PoissonRatio: 0.30, Density: 7850}
	Titanium        = Material{Name: "Titanium", YoungsModulus: 110e9, PoissonRatio: 0.34, Density: 4500}
)

// MaterialByName looks up a catalog material.
func MaterialByName(name string) (Material, error) {
	switch name {
	case StructuralSteel.Name:
		return StructuralSteel, nil
	case Titanium.Name:
		return Titanium, nil
	default:
		return Material{}, fmt.Errorf("constraint: unknown material %q", name)
	}
}

// Validate checks that the elastic parameters describe a physically
// admissible material.
func (m Material) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("constraint: material has no name")
	}
	if m.YoungsModulus <= 0 || math.IsInf(m.YoungsModulus, 0) || math.IsNaN(m.YoungsModulus) {
		return fmt.Errorf("constraint: material %q has invalid Young's modulus %g", m.Name, m.YoungsModulus)
	}
	if m.PoissonRatio <= -1 || m.PoissonRatio >= 0.5 {
		return fmt.Errorf("constraint: material %q has Poisson ratio %g outside (-1, 0.5)", m.Name, m.PoissonRatio)
	}
	if m.Density < 0 || math.IsInf(m.Density, 0) || math.IsNaN(m.Density) {
		return fmt.Errorf("constraint: material %q has invalid density %g", m.Name, m.Density)
	}
	return nil
}

// LameMu returns the shear modulus mu = E / (2(1+nu)).
func (m Material) LameMu() float64 {
	return m.YoungsModulus / (2 * (1 + m.PoissonRatio))
}

// LameLambda returns the first Lame parameter
// lambda = E*nu / ((1+nu)(1-2nu)).
func (m Material) LameLambda() float64 {
	return m.YoungsModulus * m.PoissonRatio /
		((1 + m.PoissonRatio) * (1 - 2*m.PoissonRatio))
}
