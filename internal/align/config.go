package align

import (
	"errors"
	"fmt"
	"runtime"
	"sort"

	"github.com/banshee-data/align/internal/solver"
	"github.com/banshee-data/align/internal/trackfit"
)

// ErrInvalidConfig is wrapped by every Config.Validate failure.
var ErrInvalidConfig = errors.New("invalid alignment config")

// BatchMode selects which tracks feed each iteration.
type BatchMode string

const (
	// BatchSequential feeds iteration k the tracks [k·B, (k+1)·B) and stops
	// when the supply runs out.
	BatchSequential BatchMode = "sequential"
	// BatchRepeat feeds every iteration the same first B tracks.
	BatchRepeat BatchMode = "repeat"
)

// DefaultConstraintWeight is the diagonal value written into pinned blocks
// of the normal-equations matrix.
const DefaultConstraintWeight = 1e10

// Config is the alignment session configuration.
type Config struct {
	Layers     int
	BatchSize  int
	Iterations int
	StepSize   float64
	// Lambda is added to every diagonal entry of AᵀA.
	Lambda float64

	UseMomentum bool
	MomentumEta float64

	// FixLayer pins FixedLayer to zero correction.
	FixLayer   bool
	FixedLayer int
	// AnchorLayers are pinned in addition to FixedLayer.
	AnchorLayers []int

	// AngleAlign enables the three rotation parameters of every layer.
	AngleAlign bool

	Solver        solver.Method
	SolverOptions solver.Options

	// Resolution is nil or one sigma per measurement, x0,y0,x1,y1,...
	Resolution []float64

	ConstraintWeight   float64
	BatchMode          BatchMode
	MinChi2Improvement float64
	SkipMalformed      bool
	// Workers bounds the goroutines filling the design matrix. Zero means
	// GOMAXPROCS.
	Workers int
}

// DefaultConfig mirrors config/align.defaults.json.
func DefaultConfig() Config {
	return Config{
		Layers:           5,
		BatchSize:        100,
		Iterations:       30,
		StepSize:         0.5,
		Lambda:           0,
		UseMomentum:      false,
		MomentumEta:      0.9,
		FixLayer:         true,
		FixedLayer:       0,
		AngleAlign:       false,
		Solver:           solver.MethodSVD,
		SolverOptions:    solver.DefaultOptions(),
		ConstraintWeight: DefaultConstraintWeight,
		BatchMode:        BatchSequential,
	}
}

// Validate reports the first inconsistency in c.
func (c Config) Validate() error {
	bad := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}
	if c.Layers < trackfit.MinPoints {
		return bad("layers must be at least %d, got %d", trackfit.MinPoints, c.Layers)
	}
	if c.BatchSize < 1 {
		return bad("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.Iterations < 1 {
		return bad("iterations must be positive, got %d", c.Iterations)
	}
	if c.StepSize <= 0 {
		return bad("step_size must be positive, got %g", c.StepSize)
	}
	if c.Lambda < 0 {
		return bad("regularization_lambda must not be negative, got %g", c.Lambda)
	}
	if c.UseMomentum && (c.MomentumEta < 0 || c.MomentumEta > 1) {
		return bad("momentum_eta must be in [0, 1], got %g", c.MomentumEta)
	}
	if c.FixLayer && (c.FixedLayer < 0 || c.FixedLayer >= c.Layers) {
		return bad("fixed_layer_index %d out of range [0, %d)", c.FixedLayer, c.Layers)
	}
	for _, l := range c.AnchorLayers {
		if l < 0 || l >= c.Layers {
			return bad("anchor layer %d out of range [0, %d)", l, c.Layers)
		}
	}
	if _, err := solver.ParseMethod(string(c.Solver)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.Resolution != nil {
		if len(c.Resolution) != 2*c.Layers {
			return bad("resolution needs %d entries, got %d", 2*c.Layers, len(c.Resolution))
		}
		for i, r := range c.Resolution {
			if r <= 0 {
				return bad("resolution[%d] must be positive, got %g", i, r)
			}
		}
	}
	if c.ConstraintWeight <= 0 {
		return bad("constraint_weight must be positive, got %g", c.ConstraintWeight)
	}
	switch c.BatchMode {
	case BatchSequential, BatchRepeat:
	default:
		return bad("unknown batch_mode %q", c.BatchMode)
	}
	if c.MinChi2Improvement < 0 {
		return bad("min_chi2_improvement must not be negative, got %g", c.MinChi2Improvement)
	}
	if c.Workers < 0 {
		return bad("workers must not be negative, got %d", c.Workers)
	}
	return nil
}

// PinnedLayers returns the sorted, de-duplicated set of layers whose
// correction is held at zero.
func (c Config) PinnedLayers() []int {
	seen := make(map[int]bool)
	var out []int
	add := func(l int) {
		if !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}
	if c.FixLayer {
		add(c.FixedLayer)
	}
	for _, l := range c.AnchorLayers {
		add(l)
	}
	sort.Ints(out)
	return out
}

func (c Config) workers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.GOMAXPROCS(0)
}
