package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/banshee-data/align/internal/align"
	"github.com/banshee-data/align/internal/solver"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is the path to the canonical alignment defaults file.
const DefaultConfigPath = "config/align.defaults.json"

// AlignConfig is the file form of an alignment run configuration. Every
// field is optional; the Get* methods supply the default for omitted ones.
type AlignConfig struct {
	// Detector and batching
	Layers     *int    `json:"layers,omitempty" yaml:"layers,omitempty"`
	BatchSize  *int    `json:"batch_size,omitempty" yaml:"batch_size,omitempty"`
	BatchMode  *string `json:"batch_mode,omitempty" yaml:"batch_mode,omitempty"` // "sequential" or "repeat"
	Iterations *int    `json:"iterations,omitempty" yaml:"iterations,omitempty"`

	// Update damping
	StepSize             *float64 `json:"step_size,omitempty" yaml:"step_size,omitempty"`
	RegularizationLambda *float64 `json:"regularization_lambda,omitempty" yaml:"regularization_lambda,omitempty"`
	UseMomentum          *bool    `json:"use_momentum,omitempty" yaml:"use_momentum,omitempty"`
	MomentumEta          *float64 `json:"momentum_eta,omitempty" yaml:"momentum_eta,omitempty"`
	MinChi2Improvement   *float64 `json:"min_chi2_improvement,omitempty" yaml:"min_chi2_improvement,omitempty"` // 0 disables early stop

	// Constraints
	FixLayers        *bool    `json:"fix_layers,omitempty" yaml:"fix_layers,omitempty"`
	FixedLayerIndex  *int     `json:"fixed_layer_index,omitempty" yaml:"fixed_layer_index,omitempty"`
	AnchorLayers     []int    `json:"anchor_layers,omitempty" yaml:"anchor_layers,omitempty"`
	AngleAlign       *bool    `json:"angle_align,omitempty" yaml:"angle_align,omitempty"`
	ConstraintWeight *float64 `json:"constraint_weight,omitempty" yaml:"constraint_weight,omitempty"`

	// Linear solver
	Solver              *string  `json:"solver,omitempty" yaml:"solver,omitempty"`
	SolverTolerance     *float64 `json:"solver_tolerance,omitempty" yaml:"solver_tolerance,omitempty"`
	SolverMaxIterations *int     `json:"solver_max_iterations,omitempty" yaml:"solver_max_iterations,omitempty"`
	GMRESRestart        *int     `json:"gmres_restart,omitempty" yaml:"gmres_restart,omitempty"`

	// Measurement model. A single resolution value applies to every
	// measurement; otherwise one per measurement, x0,y0,x1,y1,...
	Resolution []float64 `json:"resolution,omitempty" yaml:"resolution,omitempty"`

	SkipMalformedTracks *bool `json:"skip_malformed_tracks,omitempty" yaml:"skip_malformed_tracks,omitempty"`
	Workers             *int  `json:"workers,omitempty" yaml:"workers,omitempty"` // 0 means GOMAXPROCS
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyAlignConfig returns an AlignConfig with every field unset.
func EmptyAlignConfig() *AlignConfig {
	return &AlignConfig{}
}

// LoadAlignConfig loads an AlignConfig from a JSON or YAML file. The file
// must have a .json, .yaml or .yml extension and be at most 1MB. Omitted
// fields keep their defaults.
func LoadAlignConfig(path string) (*AlignConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	switch ext {
	case ".json", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyAlignConfig()
	if ext == ".json" {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath from the current directory or
// one of its parents. It panics when the file cannot be found; it is meant
// for tests and tools run inside the repository.
func MustLoadDefaultConfig() *AlignConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath, // from internal/config/ and cmd/align/
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadAlignConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run from the repository root")
}

// Validate checks that the configuration describes a runnable session.
func (c *AlignConfig) Validate() error {
	_, err := c.ToSession()
	return err
}

// ToSession resolves defaults and returns the session configuration.
func (c *AlignConfig) ToSession() (align.Config, error) {
	method, err := solver.ParseMethod(c.GetSolver())
	if err != nil {
		return align.Config{}, err
	}
	layers := c.GetLayers()
	resolution := c.Resolution
	if len(resolution) == 1 {
		resolution = make([]float64, 2*layers)
		for i := range resolution {
			resolution[i] = c.Resolution[0]
		}
	}

	cfg := align.Config{
		Layers:       layers,
		BatchSize:    c.GetBatchSize(),
		Iterations:   c.GetIterations(),
		StepSize:     c.GetStepSize(),
		Lambda:       c.GetRegularizationLambda(),
		UseMomentum:  c.GetUseMomentum(),
		MomentumEta:  c.GetMomentumEta(),
		FixLayer:     c.GetFixLayers(),
		FixedLayer:   c.GetFixedLayerIndex(),
		AnchorLayers: c.AnchorLayers,
		AngleAlign:   c.GetAngleAlign(),
		Solver:       method,
		SolverOptions: solver.Options{
			Tolerance:     c.GetSolverTolerance(),
			MaxIterations: c.GetSolverMaxIterations(),
			Restart:       c.GetGMRESRestart(),
			Epsilon:       solver.DefaultOptions().Epsilon,
		},
		Resolution:         resolution,
		ConstraintWeight:   c.GetConstraintWeight(),
		BatchMode:          align.BatchMode(c.GetBatchMode()),
		MinChi2Improvement: c.GetMinChi2Improvement(),
		SkipMalformed:      c.GetSkipMalformedTracks(),
		Workers:            c.GetWorkers(),
	}
	if err := cfg.Validate(); err != nil {
		return align.Config{}, err
	}
	if o := cfg.SolverOptions; o.Tolerance < 0 || o.MaxIterations < 0 || o.Restart < 0 {
		return align.Config{}, fmt.Errorf("%w: solver_tolerance, solver_max_iterations and gmres_restart must not be negative", align.ErrInvalidConfig)
	}
	return cfg, nil
}

// GetLayers returns the layers value or the default.
func (c *AlignConfig) GetLayers() int {
	if c.Layers == nil {
		return 5
	}
	return *c.Layers
}

// GetBatchSize returns the batch_size value or the default.
func (c *AlignConfig) GetBatchSize() int {
	if c.BatchSize == nil {
		return 100
	}
	return *c.BatchSize
}

// GetBatchMode returns the batch_mode value or the default.
func (c *AlignConfig) GetBatchMode() string {
	if c.BatchMode == nil || *c.BatchMode == "" {
		return string(align.BatchSequential)
	}
	return *c.BatchMode
}

// GetIterations returns the iterations value or the default.
func (c *AlignConfig) GetIterations() int {
	if c.Iterations == nil {
		return 30
	}
	return *c.Iterations
}

// GetStepSize returns the step_size value or the default.
func (c *AlignConfig) GetStepSize() float64 {
	if c.StepSize == nil {
		return 0.5
	}
	return *c.StepSize
}

// GetRegularizationLambda returns the regularization_lambda value or the default.
func (c *AlignConfig) GetRegularizationLambda() float64 {
	if c.RegularizationLambda == nil {
		return 0
	}
	return *c.RegularizationLambda
}

// GetUseMomentum returns the use_momentum value or the default.
func (c *AlignConfig) GetUseMomentum() bool {
	if c.UseMomentum == nil {
		return false
	}
	return *c.UseMomentum
}

// GetMomentumEta returns the momentum_eta value or the default.
func (c *AlignConfig) GetMomentumEta() float64 {
	if c.MomentumEta == nil {
		return 0.9
	}
	return *c.MomentumEta
}

// GetMinChi2Improvement returns the min_chi2_improvement value or the default.
func (c *AlignConfig) GetMinChi2Improvement() float64 {
	if c.MinChi2Improvement == nil {
		return 0
	}
	return *c.MinChi2Improvement
}

// GetFixLayers returns the fix_layers value or the default.
func (c *AlignConfig) GetFixLayers() bool {
	if c.FixLayers == nil {
		return true
	}
	return *c.FixLayers
}

// GetFixedLayerIndex returns the fixed_layer_index value or the default.
func (c *AlignConfig) GetFixedLayerIndex() int {
	if c.FixedLayerIndex == nil {
		return 0
	}
	return *c.FixedLayerIndex
}

// GetAngleAlign returns the angle_align value or the default.
func (c *AlignConfig) GetAngleAlign() bool {
	if c.AngleAlign == nil {
		return false
	}
	return *c.AngleAlign
}

// GetConstraintWeight returns the constraint_weight value or the default.
func (c *AlignConfig) GetConstraintWeight() float64 {
	if c.ConstraintWeight == nil {
		return align.DefaultConstraintWeight
	}
	return *c.ConstraintWeight
}

// GetSolver returns the solver value or the default.
func (c *AlignConfig) GetSolver() string {
	if c.Solver == nil || *c.Solver == "" {
		return string(solver.MethodSVD)
	}
	return *c.Solver
}

// GetSolverTolerance returns the solver_tolerance value or the default.
func (c *AlignConfig) GetSolverTolerance() float64 {
	if c.SolverTolerance == nil {
		return solver.DefaultOptions().Tolerance
	}
	return *c.SolverTolerance
}

// GetSolverMaxIterations returns the solver_max_iterations value or the
// default. Zero lets the solver pick 10·n.
func (c *AlignConfig) GetSolverMaxIterations() int {
	if c.SolverMaxIterations == nil {
		return 0
	}
	return *c.SolverMaxIterations
}

// GetGMRESRestart returns the gmres_restart value or the default.
func (c *AlignConfig) GetGMRESRestart() int {
	if c.GMRESRestart == nil {
		return solver.DefaultOptions().Restart
	}
	return *c.GMRESRestart
}

// GetSkipMalformedTracks returns the skip_malformed_tracks value or the default.
func (c *AlignConfig) GetSkipMalformedTracks() bool {
	if c.SkipMalformedTracks == nil {
		return false
	}
	return *c.SkipMalformedTracks
}

// GetWorkers returns the workers value or the default.
func (c *AlignConfig) GetWorkers() int {
	if c.Workers == nil {
		return 0
	}
	return *c.Workers
}
