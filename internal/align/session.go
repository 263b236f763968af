// Package align runs iterative global alignment of a planar detector stack.
//
// Each Session.Step rebuilds the linearised system for one batch of tracks
// against the current layer corrections, pins the reference layers, solves
// the normal equations and turns the global part of the solution into a
// damped correction. The correction is subtracted from the parameters at the
// start of the following step, never at the end of the one that produced it.
package align

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/align/internal/geometry"
	"github.com/banshee-data/align/internal/monitoring"
	"github.com/banshee-data/align/internal/solver"
	"github.com/banshee-data/align/internal/timeutil"

	"gonum.org/v1/gonum/mat"
)

// ErrEmptyBatch is returned when a step has no usable tracks.
var ErrEmptyBatch = errors.New("empty track batch")

// Phase names the stages of one alignment step, in execution order.
type Phase string

const (
	PhaseReady           Phase = "ready"
	PhaseApplyDelta      Phase = "apply-delta"
	PhaseAssemble        Phase = "assemble"
	PhaseNormalEquations Phase = "normal-equations"
	PhaseConstrain       Phase = "constrain"
	PhaseSolve           Phase = "solve"
	PhaseUpdate          Phase = "update"
)

// StepResult reports one completed step.
type StepResult struct {
	Iteration  int `json:"iteration"`
	BatchStart int `json:"batch_start"`
	BatchSize  int `json:"batch_size"`
	// Skipped counts malformed tracks dropped from the batch.
	Skipped   int     `json:"skipped"`
	ChiSquare float64 `json:"chi_square"`
	// Params is the state the batch was evaluated against.
	Params geometry.Params `json:"params"`
	// Delta will be subtracted from Params at the start of the next step.
	Delta geometry.Params `json:"delta"`

	SolverConverged  bool          `json:"solver_converged"`
	SolverIterations int           `json:"solver_iterations"`
	SolverResidual   float64       `json:"solver_residual"`
	Elapsed          time.Duration `json:"elapsed"`
}

// Corrected returns Params - Delta, the parameters the next step will use.
func (r StepResult) Corrected() geometry.Params {
	return r.Params.Sub(r.Delta)
}

// StepObserver receives every completed step. An observer error aborts Run.
type StepObserver interface {
	ObserveStep(StepResult) error
}

// StepObserverFunc adapts a function to StepObserver.
type StepObserverFunc func(StepResult) error

// ObserveStep calls f.
func (f StepObserverFunc) ObserveStep(r StepResult) error { return f(r) }

// Session owns the global parameter state of one alignment run. It is not
// safe for concurrent use.
type Session struct {
	cfg       Config
	pinned    []int
	assembler *Assembler
	solver    solver.Solver

	params geometry.Params
	delta  geometry.Params

	iteration int
	phase     Phase
	observers []StepObserver
	clock     timeutil.Clock
}

// NewSession validates cfg and returns a session starting from zero
// corrections.
func NewSession(cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s, err := solver.New(cfg.Solver, cfg.SolverOptions)
	if err != nil {
		return nil, err
	}
	sess := &Session{
		cfg:       cfg,
		pinned:    cfg.PinnedLayers(),
		assembler: NewAssembler(cfg),
		solver:    s,
		params:    geometry.NewParams(cfg.Layers),
		delta:     geometry.NewParams(cfg.Layers),
		phase:     PhaseReady,
		clock:     timeutil.RealClock{},
	}
	monitoring.Logf("align: layers=%d batch=%d (%s) iterations=%d step=%g lambda=%g momentum=%t eta=%g pinned=%v angles=%t solver=%s",
		cfg.Layers, cfg.BatchSize, cfg.BatchMode, cfg.Iterations, cfg.StepSize, cfg.Lambda,
		cfg.UseMomentum, cfg.MomentumEta, sess.pinned, cfg.AngleAlign, cfg.Solver)
	return sess, nil
}

// SetInitialParams replaces the starting parameters. It may only be called
// before the first step.
func (s *Session) SetInitialParams(p geometry.Params) error {
	if s.iteration > 0 {
		return fmt.Errorf("initial parameters set after %d steps", s.iteration)
	}
	if len(p) != s.cfg.Layers {
		return fmt.Errorf("initial parameters have %d layers, want %d", len(p), s.cfg.Layers)
	}
	s.params = p.Clone()
	return nil
}

// SetClock replaces the clock used to time steps.
func (s *Session) SetClock(c timeutil.Clock) {
	s.clock = c
}

// AddObserver registers o for every subsequent step of Run.
func (s *Session) AddObserver(o StepObserver) {
	s.observers = append(s.observers, o)
}

// Config returns the session configuration.
func (s *Session) Config() Config { return s.cfg }

// Params returns a copy of the current global parameter state.
func (s *Session) Params() geometry.Params { return s.params.Clone() }

// Delta returns a copy of the pending correction.
func (s *Session) Delta() geometry.Params { return s.delta.Clone() }

// Corrected returns the parameters with the pending correction applied.
func (s *Session) Corrected() geometry.Params { return s.params.Sub(s.delta) }

// Iteration returns the number of completed steps.
func (s *Session) Iteration() int { return s.iteration }

// Phase returns the stage the session is in. Outside Step it is always
// PhaseReady.
func (s *Session) Phase() Phase { return s.phase }

// Step runs one alignment step over batch. On error the parameter state is
// left as it was before the call.
func (s *Session) Step(ctx context.Context, batch []geometry.Track) (StepResult, error) {
	start := s.clock.Now()
	defer func() { s.phase = PhaseReady }()

	batch, skipped, err := s.screen(batch)
	if err != nil {
		return StepResult{}, err
	}

	s.phase = PhaseApplyDelta
	params := s.params.Sub(s.delta)

	s.phase = PhaseAssemble
	sys, err := s.assembler.Build(ctx, batch, params)
	if err != nil {
		return StepResult{}, s.fail(err)
	}

	s.phase = PhaseNormalEquations
	a2, b := sys.NormalEquations(s.cfg.Lambda)

	s.phase = PhaseConstrain
	for _, l := range s.pinned {
		if err := PinLayer(a2, b, l, s.cfg.ConstraintWeight); err != nil {
			return StepResult{}, s.fail(err)
		}
	}
	if !s.cfg.AngleAlign {
		if err := FreezeRotations(a2, b, s.cfg.Layers, s.cfg.ConstraintWeight); err != nil {
			return StepResult{}, s.fail(err)
		}
	}

	s.phase = PhaseSolve
	sol, err := s.solver.Solve(a2, b)
	if err != nil {
		return StepResult{}, s.fail(err)
	}
	if !sol.Converged {
		monitoring.Logf("align: iteration %d: %s did not converge after %d iterations (residual %.3g, breakdown=%t)",
			s.iteration, s.solver.Method(), sol.Iterations, sol.Residual, sol.Breakdown)
	}

	s.phase = PhaseUpdate
	raw, err := geometry.ParamsFromVector(mat.Col(nil, 0, sol.X), s.cfg.Layers)
	if err != nil {
		return StepResult{}, s.fail(err)
	}
	delta := raw.Scale(s.cfg.StepSize)
	if s.cfg.UseMomentum {
		delta = Blend(s.delta, delta, s.cfg.MomentumEta)
	}

	s.params = params
	s.delta = delta
	res := StepResult{
		Iteration:        s.iteration,
		BatchSize:        len(batch),
		Skipped:          skipped,
		ChiSquare:        sys.ChiSquare,
		Params:           params.Clone(),
		Delta:            delta.Clone(),
		SolverConverged:  sol.Converged,
		SolverIterations: sol.Iterations,
		SolverResidual:   sol.Residual,
		Elapsed:          s.clock.Since(start),
	}
	s.iteration++
	return res, nil
}

func (s *Session) fail(err error) error {
	return fmt.Errorf("iteration %d: %s: %w", s.iteration, s.phase, err)
}

// screen checks that every track in batch has one hit per layer. Malformed tracks
// fail the step unless SkipMalformed is set.
func (s *Session) screen(batch []geometry.Track) ([]geometry.Track, int, error) {
	var bad []int
	for j, t := range batch {
		if err := t.Validate(s.cfg.Layers); err != nil {
			if !s.cfg.SkipMalformed {
				return nil, 0, fmt.Errorf("iteration %d: track %d: %w", s.iteration, j, err)
			}
			bad = append(bad, j)
		}
	}
	if len(bad) > 0 {
		kept := make([]geometry.Track, 0, len(batch)-len(bad))
		next := 0
		for j, t := range batch {
			if next < len(bad) && bad[next] == j {
				next++
				continue
			}
			kept = append(kept, t)
		}
		monitoring.Logf("align: iteration %d: skipped %d malformed tracks (indices %v)", s.iteration, len(bad), bad)
		batch = kept
	}
	if len(batch) == 0 {
		return nil, len(bad), fmt.Errorf("iteration %d: %w", s.iteration, ErrEmptyBatch)
	}
	return batch, len(bad), nil
}
