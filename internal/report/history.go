// Package report renders the outcome of an alignment run: the chi-square
// history text file, the parameter matrix dump, a convergence PNG and an
// interactive HTML page.
package report

import (
	"strconv"
	"sync"

	"github.com/banshee-data/align/internal/align"
	"github.com/banshee-data/align/internal/geometry"
	"gonum.org/v1/gonum/floats"
)

// Settings are the run parameters that label every report.
type Settings struct {
	StepSize    float64
	UseMomentum bool
	MomentumEta float64
	Lambda      float64
	Method      string
	// Descriptor is an optional free-form suffix for output file names.
	Descriptor string
}

// SettingsFromConfig extracts the report labels from a session config.
func SettingsFromConfig(cfg align.Config) Settings {
	return Settings{
		StepSize:    cfg.StepSize,
		UseMomentum: cfg.UseMomentum,
		MomentumEta: cfg.MomentumEta,
		Lambda:      cfg.Lambda,
		Method:      string(cfg.Solver),
	}
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// History collects the per-iteration results of a run. It implements
// align.StepObserver.
type History struct {
	mu       sync.Mutex
	settings Settings
	steps    []align.StepResult
}

var _ align.StepObserver = (*History)(nil)

// NewHistory returns an empty history labelled with s.
func NewHistory(s Settings) *History {
	return &History{settings: s}
}

// ObserveStep records r.
func (h *History) ObserveStep(r align.StepResult) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.steps = append(h.steps, r)
	return nil
}

// Settings returns the labels the history was created with.
func (h *History) Settings() Settings {
	return h.settings
}

// Len returns the number of recorded steps.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.steps)
}

// ChiSquares returns the recorded chi-square values in iteration order.
func (h *History) ChiSquares() []float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]float64, len(h.steps))
	for i, st := range h.steps {
		out[i] = st.ChiSquare
	}
	return out
}

// Corrected returns, for every recorded step, the parameter state the next
// step starts from.
func (h *History) Corrected() []geometry.Params {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]geometry.Params, len(h.steps))
	for i, st := range h.steps {
		out[i] = st.Corrected()
	}
	return out
}

// Final returns the last corrected state, or nil before the first step.
func (h *History) Final() geometry.Params {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.steps) == 0 {
		return nil
	}
	return h.steps[len(h.steps)-1].Corrected()
}

// Best returns the iteration with the lowest chi-square and its value. ok is
// false for an empty history.
func (h *History) Best() (iteration int, chi2 float64, ok bool) {
	values := h.ChiSquares()
	if len(values) == 0 {
		return 0, 0, false
	}
	i := floats.MinIdx(values)
	return i, values[i], true
}
