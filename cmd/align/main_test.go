package main

import (
	"flag"
	"strings"
	"testing"

	"github.com/banshee-data/align/internal/align"
	"github.com/banshee-data/align/internal/config"
	"github.com/banshee-data/align/internal/solver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyOverrides(t *testing.T) {
	for name, value := range map[string]string{
		"solver":     "minres",
		"iterations": "7",
		"batch":      "40",
		"batch-mode": "repeat",
		"momentum":   "0.5",
		"anchors":    "2, 4",
		"resolution": "0.08",
	} {
		require.NoError(t, flag.CommandLine.Set(name, value))
	}

	acfg := config.EmptyAlignConfig()
	fileLambda := 1e-6
	acfg.RegularizationLambda = &fileLambda
	require.NoError(t, applyOverrides(acfg))

	cfg, err := acfg.ToSession()
	require.NoError(t, err)
	assert.Equal(t, solver.MethodMINRES, cfg.Solver)
	assert.Equal(t, 7, cfg.Iterations)
	assert.Equal(t, 40, cfg.BatchSize)
	assert.Equal(t, align.BatchRepeat, cfg.BatchMode)
	assert.True(t, cfg.UseMomentum)
	assert.Equal(t, 0.5, cfg.MomentumEta)
	assert.Equal(t, 1e-6, cfg.Lambda, "file values survive when the flag is unset")
	assert.Equal(t, 0.5, cfg.StepSize)
	assert.Equal(t, []int{0, 2, 4}, cfg.PinnedLayers())
	assert.Len(t, cfg.Resolution, 10)
	assert.False(t, cfg.AngleAlign, "unset flags keep defaults")
}

func TestParseLists(t *testing.T) {
	ints, err := parseInts(" 1,2 ,,3")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, ints)

	_, err = parseInts("1,x")
	assert.Error(t, err)

	floats, err := parseFloats("0.1,1e-3")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 1e-3}, floats)

	empty, err := parseFloats("")
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestFormatChi2(t *testing.T) {
	assert.Equal(t, "12.0000  0.1235", formatChi2([]float64{12, 0.12346}))
	assert.Equal(t, "", formatChi2(nil))
}

func TestConfigFlagNamesFormats(t *testing.T) {
	usage := flag.Lookup("config").Usage
	for _, ext := range []string{".json", ".yaml", ".yml"} {
		assert.True(t, strings.Contains(usage, ext), "-config usage %q does not mention %s", usage, ext)
	}
}
