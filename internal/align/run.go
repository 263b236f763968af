package align

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/align/internal/geometry"
	"github.com/banshee-data/align/internal/monitoring"
)

// StopReason explains why Run returned.
type StopReason string

const (
	StopIterations StopReason = "iterations"
	StopExhausted  StopReason = "exhausted"
	StopConverged  StopReason = "converged"
)

// RunResult summarises a completed run.
type RunResult struct {
	Steps []StepResult
	// Params is the final state with the last pending correction applied.
	Params geometry.Params
	Reason StopReason
}

// ChiSquares returns the chi-square of every step in order.
func (r *RunResult) ChiSquares() []float64 {
	out := make([]float64, len(r.Steps))
	for i, st := range r.Steps {
		out[i] = st.ChiSquare
	}
	return out
}

// BatchBounds returns the half-open track range used by iteration it, and
// false when the supply of n tracks is exhausted.
func (c Config) BatchBounds(it, n int) (int, int, bool) {
	start := 0
	if c.BatchMode == BatchSequential {
		start = it * c.BatchSize
	}
	if start >= n {
		return 0, 0, false
	}
	end := start + c.BatchSize
	if end > n {
		end = n
	}
	return start, end, true
}

// Run steps the session over tracks for the configured number of
// iterations. It stops early when the track supply runs out, when the
// relative chi-square improvement drops to MinChi2Improvement, or when ctx
// is cancelled.
func (s *Session) Run(ctx context.Context, tracks []geometry.Track) (*RunResult, error) {
	res := &RunResult{Reason: StopIterations}
	runStart := s.clock.Now()
	for it := 0; it < s.cfg.Iterations; it++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		start, end, ok := s.cfg.BatchBounds(it, len(tracks))
		if !ok {
			monitoring.Logf("align: track supply exhausted after %d iterations (%d tracks)", it, len(tracks))
			res.Reason = StopExhausted
			break
		}

		step, err := s.Step(ctx, tracks[start:end])
		if err != nil {
			return res, err
		}
		step.BatchStart = start
		res.Steps = append(res.Steps, step)
		monitoring.Logf("align: iteration %d: tracks [%d,%d) chi2=%.6f elapsed=%s",
			step.Iteration, start, end, step.ChiSquare, step.Elapsed.Round(time.Millisecond))
		monitoring.Debugf("align: iteration %d parameters:\n%v", step.Iteration, step.Params)

		for _, o := range s.observers {
			if err := o.ObserveStep(step); err != nil {
				return res, fmt.Errorf("iteration %d: observer: %w", step.Iteration, err)
			}
		}

		if n := len(res.Steps); n > 1 && s.cfg.MinChi2Improvement > 0 {
			prev := res.Steps[n-2].ChiSquare
			if prev > 0 && (prev-step.ChiSquare)/prev <= s.cfg.MinChi2Improvement {
				monitoring.Logf("align: chi2 improvement below %g at iteration %d, stopping", s.cfg.MinChi2Improvement, step.Iteration)
				res.Reason = StopConverged
				break
			}
		}
	}
	res.Params = s.Corrected()
	monitoring.Logf("align: finished %d iterations in %s (%s)", len(res.Steps), s.clock.Since(runStart).Round(time.Millisecond), res.Reason)
	return res, nil
}
