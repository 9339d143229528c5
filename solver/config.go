package solver

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Preconditioner is the closed set of preconditioners supported for the
// iterative strategy.
type Preconditioner uint8

const (
	// PrecondJacobi scales by the inverse diagonal. Cheap, weak.
	PrecondJacobi Preconditioner = iota
	// PrecondILU is an incomplete LU factorization.
	PrecondILU
	// PrecondAMG is algebraic multigrid, the usual choice for elasticity.
	PrecondAMG
)

// String returns the string representation of a Preconditioner.
func (p Preconditioner) String() string {
	switch p {
	case PrecondJacobi:
		return "jacobi"
	case PrecondILU:
		return "ilu"
	case PrecondAMG:
		return "amg"
	default:
		return fmt.Sprintf("Preconditioner(%d)", uint8(p))
	}
}

// ParsePreconditioner parses a configuration value into a Preconditioner.
func ParsePreconditioner(s string) (Preconditioner, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "jacobi":
		return PrecondJacobi, nil
	case "ilu":
		return PrecondILU, nil
	case "amg":
		return PrecondAMG, nil
	default:
		return 0, fmt.Errorf("solver: unknown preconditioner %q (want jacobi, ilu or amg)", s)
	}
}

// Config is the configuration surface consumed by strategy selection and
// the orchestrator. All values have documented defaults and can be
// overridden by config file or FEMCORE_* environment variables.
type Config struct {
	// DOFThreshold switches direct to iterative at or above this many
	// degrees of freedom. Default 10000.
	DOFThreshold int

	// MaxIterations is the iterative solve budget. Default 1000.
	MaxIterations int

	// Tolerance is the relative residual convergence criterion.
	// Default 1e-6.
	Tolerance float64

	// Precond selects the iterative preconditioner. Default amg.
	Precond Preconditioner

	// TimeoutSeconds is the wall-clock budget per solve. Default 600.
	TimeoutSeconds float64

	// RemapTolerance is the centroid-proximity tolerance the entity
	// registry uses after a remesh. Default 1e-6.
	RemapTolerance float64
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		DOFThreshold:   10000,
		MaxIterations:  1000,
		Tolerance:      1e-6,
		Precond:        PrecondAMG,
		TimeoutSeconds: 600,
		RemapTolerance: 1e-6,
	}
}

// Validate rejects configurations that cannot drive a solve.
func (c Config) Validate() error {
	if c.DOFThreshold < 0 {
		return fmt.Errorf("solver: dof_threshold must be >= 0, got %d", c.DOFThreshold)
	}
	if c.MaxIterations <= 0 {
		return fmt.Errorf("solver: max_iterations must be > 0, got %d", c.MaxIterations)
	}
	if c.Tolerance <= 0 || c.Tolerance >= 1 {
		return fmt.Errorf("solver: tolerance must be in (0,1), got %g", c.Tolerance)
	}
	if c.TimeoutSeconds <= 0 {
		return fmt.Errorf("solver: timeout_seconds must be > 0, got %g", c.TimeoutSeconds)
	}
	if c.RemapTolerance <= 0 {
		return fmt.Errorf("solver: remap_tolerance must be > 0, got %g", c.RemapTolerance)
	}
	return nil
}

// LoadConfig reads configuration from an optional YAML file plus FEMCORE_*
// environment overrides (e.g. FEMCORE_SOLVER_DOF_THRESHOLD). A missing file
// is not an error; defaults apply.
func LoadConfig(path string) (Config, error) {
	v := viper.New()

	v.SetDefault("solver.dof_threshold", 10000)
	v.SetDefault("solver.max_iterations", 1000)
	v.SetDefault("solver.tolerance", 1e-6)
	v.SetDefault("solver.preconditioner", "amg")
	v.SetDefault("solver.timeout_seconds", 600.0)
	v.SetDefault("registry.remap_tolerance", 1e-6)

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("solver: reading config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("FEMCORE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	precond, err := ParsePreconditioner(v.GetString("solver.preconditioner"))
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		DOFThreshold:   v.GetInt("solver.dof_threshold"),
		MaxIterations:  v.GetInt("solver.max_iterations"),
		Tolerance:      v.GetFloat64("solver.tolerance"),
		Precond:        precond,
		TimeoutSeconds: v.GetFloat64("solver.timeout_seconds"),
		RemapTolerance: v.GetFloat64("registry.remap_tolerance"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
