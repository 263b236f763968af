package report

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/banshee-data/align/internal/fsutil"
	"github.com/banshee-data/align/internal/geometry"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// ErrNoSteps is returned when a plot is requested for an empty history.
var ErrNoSteps = errors.New("no iterations recorded")

var paramNames = [geometry.ParamsPerLayer]string{"dx", "dy", "dz", "ax", "ay", "az"}

// ParamName returns the short label of a layer parameter index.
func ParamName(param int) string {
	if param < 0 || param >= geometry.ParamsPerLayer {
		return fmt.Sprintf("p%d", param)
	}
	return paramNames[param]
}

// ConvergencePlot draws chi-square against iteration.
func ConvergencePlot(h *History) (*plot.Plot, error) {
	chi2 := h.ChiSquares()
	if len(chi2) == 0 {
		return nil, ErrNoSteps
	}
	s := h.Settings()

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Chi-square - step %s, lambda %s, %s", formatNumber(s.StepSize), formatNumber(s.Lambda), s.Method)
	p.X.Label.Text = "Iteration"
	p.Y.Label.Text = "Chi-square"

	pts := make(plotter.XYs, len(chi2))
	for i, v := range chi2 {
		pts[i] = plotter.XY{X: float64(i), Y: v}
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return nil, err
	}
	line.Width = vg.Points(1)
	p.Add(line)
	return p, nil
}

// ParamPlot draws one parameter of every layer against iteration, using the
// corrected state after each step.
func ParamPlot(h *History, param int) (*plot.Plot, error) {
	states := h.Corrected()
	if len(states) == 0 {
		return nil, ErrNoSteps
	}
	if param < 0 || param >= geometry.ParamsPerLayer {
		return nil, fmt.Errorf("parameter index %d out of range", param)
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Layer %s per iteration", ParamName(param))
	p.X.Label.Text = "Iteration"
	p.Y.Label.Text = ParamName(param)

	layers := len(states[0])
	colors := layerColors(layers)
	for l := 0; l < layers; l++ {
		pts := make(plotter.XYs, len(states))
		for i, st := range states {
			pts[i] = plotter.XY{X: float64(i), Y: st[l][param]}
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, err
		}
		line.Color = colors[l]
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(fmt.Sprintf("layer %d", l), line)
	}
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p, nil
}

// WritePNG renders p as a 14x6 inch PNG.
func WritePNG(w io.Writer, p *plot.Plot) error {
	wt, err := p.WriterTo(14*vg.Inch, 6*vg.Inch, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}

// SavePlots writes chi2.png and one params_<name>.png per translation into
// dir. Rotation plots are added when any recorded angle is non-zero. It
// returns the paths written.
func SavePlots(fsys fsutil.FileSystem, dir string, h *History) ([]string, error) {
	if h.Len() == 0 {
		return nil, ErrNoSteps
	}
	if err := fsys.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}

	conv, err := ConvergencePlot(h)
	if err != nil {
		return nil, err
	}
	var written []string
	path := filepath.Join(dir, "chi2.png")
	if err := savePNG(fsys, path, conv); err != nil {
		return written, err
	}
	written = append(written, path)

	for _, param := range plottedParams(h) {
		p, err := ParamPlot(h, param)
		if err != nil {
			return written, err
		}
		path := filepath.Join(dir, fmt.Sprintf("params_%s.png", ParamName(param)))
		if err := savePNG(fsys, path, p); err != nil {
			return written, err
		}
		written = append(written, path)
	}
	return written, nil
}

func savePNG(fsys fsutil.FileSystem, path string, p *plot.Plot) error {
	f, err := fsys.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := WritePNG(f, p); err != nil {
		f.Close()
		return fmt.Errorf("save plot %s: %w", path, err)
	}
	return f.Close()
}

// plottedParams lists the translations plus any rotation that moved.
func plottedParams(h *History) []int {
	params := []int{geometry.ParamDX, geometry.ParamDY, geometry.ParamDZ}
	states := h.Corrected()
	for _, param := range []int{geometry.ParamAX, geometry.ParamAY, geometry.ParamAZ} {
	search:
		for _, st := range states {
			for _, lp := range st {
				if lp[param] != 0 {
					params = append(params, param)
					break search
				}
			}
		}
	}
	return params
}
