package report

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/banshee-data/align/internal/fsutil"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// RenderHTML writes an interactive page with the chi-square curve and one
// chart per plotted layer parameter.
func RenderHTML(w io.Writer, h *History) error {
	chi2 := h.ChiSquares()
	if len(chi2) == 0 {
		return ErrNoSteps
	}
	s := h.Settings()

	iterations := make([]int, len(chi2))
	for i := range iterations {
		iterations[i] = i
	}

	conv := charts.NewLine()
	conv.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Alignment convergence", Width: "1200px", Height: "500px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Chi-square",
			Subtitle: fmt.Sprintf("step=%s lambda=%s method=%s", formatNumber(s.StepSize), formatNumber(s.Lambda), s.Method),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Iteration", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Chi-square", Type: "value"}),
	)
	data := make([]opts.LineData, len(chi2))
	for i, v := range chi2 {
		data[i] = opts.LineData{Value: v}
	}
	conv.SetXAxis(iterations).AddSeries("chi2", data)

	page := components.NewPage()
	page.SetPageTitle("Alignment report")
	page.AddCharts(conv)

	states := h.Corrected()
	layers := len(states[0])
	colors := layerColors(layers)
	for _, param := range plottedParams(h) {
		line := charts.NewLine()
		line.SetGlobalOptions(
			charts.WithInitializationOpts(opts.Initialization{Width: "1200px", Height: "400px"}),
			charts.WithTitleOpts(opts.Title{Title: fmt.Sprintf("Layer %s", ParamName(param))}),
			charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
			charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10"}),
			charts.WithXAxisOpts(opts.XAxis{Name: "Iteration", NameLocation: "middle", NameGap: 25}),
			charts.WithYAxisOpts(opts.YAxis{Name: ParamName(param), Type: "value"}),
		)
		line.SetXAxis(iterations)
		for l := 0; l < layers; l++ {
			series := make([]opts.LineData, len(states))
			for i, st := range states {
				series[i] = opts.LineData{Value: st[l][param]}
			}
			line.AddSeries(fmt.Sprintf("layer %d", l), series,
				charts.WithItemStyleOpts(opts.ItemStyle{Color: hexColor(colors[l])}),
			)
		}
		page.AddCharts(line)
	}

	return page.Render(w)
}

// SaveHTML renders the report into dir/report.html and returns the path.
func SaveHTML(fsys fsutil.FileSystem, dir string, h *History) (string, error) {
	if err := fsys.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}
	path := filepath.Join(dir, "report.html")
	f, err := fsys.Create(path)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}
	if err := RenderHTML(f, h); err != nil {
		f.Close()
		return "", fmt.Errorf("render %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", path, err)
	}
	return path, nil
}
