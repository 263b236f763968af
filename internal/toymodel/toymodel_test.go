package toymodel

import (
	"testing"

	"github.com/banshee-data/align/internal/geometry"
	"github.com/banshee-data/align/internal/trackfit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallConfig() Config {
	cfg := DefaultConfig()
	cfg.Events = 50
	return cfg
}

func TestGenerate_Deterministic(t *testing.T) {
	t.Parallel()
	a, err := Generate(smallConfig())
	require.NoError(t, err)
	b, err := Generate(smallConfig())
	require.NoError(t, err)
	assert.Equal(t, a, b)

	cfg := smallConfig()
	cfg.Seed = 2
	c, err := Generate(cfg)
	require.NoError(t, err)
	assert.NotEqual(t, a[0].Measured, c[0].Measured)
}

func TestGenerate_Shape(t *testing.T) {
	t.Parallel()
	cfg := smallConfig()
	events, err := Generate(cfg)
	require.NoError(t, err)
	require.Len(t, events, cfg.Events)

	for _, ev := range events {
		require.NoError(t, ev.Measured.Validate(len(cfg.Z)))
		require.NoError(t, ev.Truth.Validate(len(cfg.Z)))
		assert.LessOrEqual(t, ev.Slope[0], cfg.SlopeRange)
		assert.GreaterOrEqual(t, ev.Slope[0], -cfg.SlopeRange)
		for i, z := range cfg.Z {
			assert.Equal(t, z, ev.Truth[i].Z)
			// No rotations in the default setup: measured = truth + offset.
			assert.InDelta(t, cfg.Offsets[i][geometry.ParamDX], ev.Measured[i].X-ev.Truth[i].X, 1e-12)
			assert.InDelta(t, cfg.Offsets[i][geometry.ParamDY], ev.Measured[i].Y-ev.Truth[i].Y, 1e-12)
		}
	}
	assert.Len(t, Measured(events), cfg.Events)
	assert.Equal(t, events[3].Truth, Truth(events)[3])
}

func TestGenerate_NoResolutionGivesStraightTruth(t *testing.T) {
	t.Parallel()
	cfg := smallConfig()
	cfg.Resolution = 0
	events, err := Generate(cfg)
	require.NoError(t, err)

	f := trackfit.NewFitter()
	for _, ev := range events {
		res, err := f.Fit(ev.Truth, nil)
		require.NoError(t, err)
		assert.InDelta(t, 0, res.ChiSquare, 1e-12)
		kx, ky := res.Slopes()
		assert.InDelta(t, ev.Slope[0], kx, 1e-9)
		assert.InDelta(t, ev.Slope[1], ky, 1e-9)

		misaligned, err := f.Fit(ev.Measured, nil)
		require.NoError(t, err)
		assert.Greater(t, misaligned.ChiSquare, 1e-3)
	}
}

func TestGenerate_ResolutionSmearsHits(t *testing.T) {
	t.Parallel()
	cfg := smallConfig()
	cfg.Events = 500
	events, err := Generate(cfg)
	require.NoError(t, err)

	var sum float64
	var n int
	for _, ev := range events {
		for i := 1; i < len(cfg.Z); i++ {
			dz := ev.Truth[i].Z - ev.Truth[0].Z
			ideal := ev.Truth[0].X + dz*ev.Slope[0]
			d := ev.Truth[i].X - ideal
			sum += d * d
			n++
		}
	}
	sigma2 := sum / float64(n)
	// Variance of the smeared hits is the configured resolution squared.
	assert.InDelta(t, cfg.Resolution*cfg.Resolution, sigma2, 0.2*cfg.Resolution*cfg.Resolution)
}

func TestGenerate_Rotation(t *testing.T) {
	t.Parallel()
	cfg := smallConfig()
	cfg.Resolution = 0
	cfg.Offsets[2] = geometry.LayerParams{0.5, 0, 0, 0, 0, 0.01}
	events, err := Generate(cfg)
	require.NoError(t, err)
	ev := events[0]
	want := geometry.RotateExact(geometry.Point3{X: ev.Truth[2].X + 0.5, Y: ev.Truth[2].Y, Z: ev.Truth[2].Z}, 0, 0, 0.01)
	assert.Equal(t, want, ev.Measured[2])
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no events", func(c *Config) { c.Events = 0 }},
		{"two layers", func(c *Config) { c.Z = c.Z[:2]; c.Offsets = c.Offsets[:2] }},
		{"offset count", func(c *Config) { c.Offsets = c.Offsets[:4] }},
		{"negative resolution", func(c *Config) { c.Resolution = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			_, err := NewGenerator(cfg)
			assert.Error(t, err)
		})
	}
}
