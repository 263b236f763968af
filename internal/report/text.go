package report

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/banshee-data/align/internal/fsutil"
	"github.com/banshee-data/align/internal/geometry"
)

// ChiSquareFileName returns the name of the chi-square history file for s,
// for example chi2_step_size_0.5_no_momentum_regularization_lambda_0_svd.txt.
func ChiSquareFileName(s Settings) string {
	var b strings.Builder
	b.WriteString("chi2_step_size_")
	b.WriteString(formatNumber(s.StepSize))
	if s.UseMomentum {
		b.WriteString("_momentum_eta_")
		b.WriteString(formatNumber(s.MomentumEta))
	} else {
		b.WriteString("_no_momentum")
	}
	b.WriteString("_regularization_lambda_")
	b.WriteString(formatNumber(s.Lambda))
	if s.Method != "" {
		b.WriteString("_" + s.Method)
	}
	if s.Descriptor != "" {
		b.WriteString("_" + s.Descriptor)
	}
	b.WriteString(".txt")
	return b.String()
}

// WriteChiSquares writes the settings line followed by the chi-square values
// with four decimals, separated by two spaces.
func WriteChiSquares(w io.Writer, s Settings, chi2 []float64) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "step_size = %s, momentum_eta = %s, regularization_lambda = %s, method = %s\n",
		formatNumber(s.StepSize), formatNumber(s.MomentumEta), formatNumber(s.Lambda), s.Method)
	for i, v := range chi2 {
		if i > 0 {
			bw.WriteString("  ")
		}
		fmt.Fprintf(bw, "%.4f", v)
	}
	return bw.Flush()
}

// SaveChiSquares writes the history into dir under ChiSquareFileName and
// returns the path written.
func SaveChiSquares(fsys fsutil.FileSystem, dir string, h *History) (string, error) {
	if err := fsys.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}
	path := filepath.Join(dir, ChiSquareFileName(h.Settings()))
	f, err := fsys.Create(path)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}
	if err := WriteChiSquares(f, h.Settings(), h.ChiSquares()); err != nil {
		f.Close()
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", path, err)
	}
	return path, nil
}

// FormatParams renders the parameter matrix one layer per line, each value
// as %12.6f:
//
//	[     0.000000      1.000000   ...  ]
func FormatParams(p geometry.Params) string {
	var b strings.Builder
	for _, lp := range p {
		b.WriteString("[ ")
		for i, v := range lp {
			if i > 0 {
				b.WriteString("   ")
			}
			fmt.Fprintf(&b, "%12.6f", v)
		}
		b.WriteString(" ]\n")
	}
	return b.String()
}
