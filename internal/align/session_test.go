package align

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/banshee-data/align/internal/geometry"
	"github.com/banshee-data/align/internal/solver"
	"github.com/banshee-data/align/internal/timeutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sagitta is the part of a per-layer offset pattern that a straight track
// can see: the deviation of layer 1 from the line through layers 0 and 2.
func sagitta(d0, d1, d2 float64) float64 {
	return d1 - d0 - (d2-d0)*(testZ[1]-testZ[0])/(testZ[2]-testZ[0])
}

func assertChi2NonIncreasing(t *testing.T, chi2 []float64) {
	t.Helper()
	for i := 1; i < len(chi2); i++ {
		assert.LessOrEqual(t, chi2[i], chi2[i-1]*(1+1e-9)+1e-12, "chi2 rose at iteration %d: %v", i, chi2)
	}
}

func TestSession_EndToEnd_FixedReferenceLayer(t *testing.T) {
	t.Parallel()
	offsets := []geometry.Point3{{}, {X: 0.2, Y: -0.15}, {X: -0.1, Y: 0.05}}
	tracks := misalignedTracks(offsets)

	sess, err := NewSession(testConfig())
	require.NoError(t, err)
	res, err := sess.Run(context.Background(), tracks)
	require.NoError(t, err)

	require.Len(t, res.Steps, 30)
	assert.Equal(t, StopIterations, res.Reason)
	chi2 := res.ChiSquares()
	assert.Greater(t, chi2[0], 0.0)
	assertChi2NonIncreasing(t, chi2)
	assert.Less(t, chi2[len(chi2)-1], 1e-8)

	p := res.Params
	for k := 0; k < geometry.ParamsPerLayer; k++ {
		assert.InDelta(t, 0, p[0][k], 1e-9, "reference layer must not move")
	}
	// Shear of the whole stack is invisible to straight tracks, so only the
	// sagitta is determined by the data.
	assert.InDelta(t, -sagitta(offsets[0].X, offsets[1].X, offsets[2].X),
		sagitta(p[0][geometry.ParamDX], p[1][geometry.ParamDX], p[2][geometry.ParamDX]), 1e-3)
	assert.InDelta(t, -sagitta(offsets[0].Y, offsets[1].Y, offsets[2].Y),
		sagitta(p[0][geometry.ParamDY], p[1][geometry.ParamDY], p[2][geometry.ParamDY]), 1e-3)
	for _, lp := range p {
		for k := geometry.ParamAX; k < geometry.ParamsPerLayer; k++ {
			assert.InDelta(t, 0, lp[k], 1e-9, "rotations are frozen")
		}
	}
}

func TestSession_AnchorLayersRecoverOffsets(t *testing.T) {
	t.Parallel()
	offsets := []geometry.Point3{{}, {X: 0.3, Y: -0.2}, {}}
	tracks := misalignedTracks(offsets)

	cfg := testConfig()
	cfg.AnchorLayers = []int{2}
	sess, err := NewSession(cfg)
	require.NoError(t, err)
	res, err := sess.Run(context.Background(), tracks)
	require.NoError(t, err)

	assertChi2NonIncreasing(t, res.ChiSquares())
	p := res.Params
	assert.InDelta(t, -0.3, p[1][geometry.ParamDX], 1e-3)
	assert.InDelta(t, 0.2, p[1][geometry.ParamDY], 1e-3)
	assert.InDelta(t, 0, p[1][geometry.ParamDZ], 1e-3)
	for _, l := range []int{0, 2} {
		for k := 0; k < geometry.ParamsPerLayer; k++ {
			assert.InDelta(t, 0, p[l][k], 1e-9, "anchored layer %d param %d", l, k)
		}
	}
}

func TestSession_SolversAgree(t *testing.T) {
	t.Parallel()
	offsets := []geometry.Point3{{}, {X: 0.3, Y: -0.2}, {}}
	tracks := misalignedTracks(offsets)

	for _, m := range []solver.Method{solver.MethodSVD, solver.MethodLin, solver.MethodMINRES} {
		t.Run(string(m), func(t *testing.T) {
			cfg := testConfig()
			cfg.AnchorLayers = []int{2}
			cfg.Iterations = 1
			cfg.StepSize = 1
			cfg.Solver = m
			cfg.Lambda = 1e-9
			sess, err := NewSession(cfg)
			require.NoError(t, err)
			res, err := sess.Run(context.Background(), tracks)
			require.NoError(t, err)
			assert.InDelta(t, -0.3, res.Params[1][geometry.ParamDX], 1e-3)
			assert.InDelta(t, 0.2, res.Params[1][geometry.ParamDY], 1e-3)
		})
	}
}

func TestSession_DeltaAppliedAtNextStep(t *testing.T) {
	t.Parallel()
	tracks := misalignedTracks([]geometry.Point3{{}, {X: 0.3}, {}})
	cfg := testConfig()
	cfg.AnchorLayers = []int{2}
	sess, err := NewSession(cfg)
	require.NoError(t, err)
	ctx := context.Background()

	first, err := sess.Step(ctx, tracks)
	require.NoError(t, err)
	assert.Equal(t, geometry.NewParams(3), first.Params, "first step runs against the initial state")
	assert.NotEqual(t, geometry.NewParams(3), first.Delta)
	assert.Equal(t, geometry.NewParams(3), sess.Params())
	assert.Equal(t, PhaseReady, sess.Phase())

	second, err := sess.Step(ctx, tracks)
	require.NoError(t, err)
	assert.Equal(t, first.Corrected(), second.Params)
	assert.Equal(t, 1, second.Iteration)
	assert.Equal(t, 2, sess.Iteration())
	assert.Less(t, second.ChiSquare, first.ChiSquare)

	assert.Error(t, sess.SetInitialParams(geometry.NewParams(3)))
}

func TestSession_MomentumZeroEtaMatchesPlain(t *testing.T) {
	t.Parallel()
	tracks := misalignedTracks([]geometry.Point3{{}, {X: 0.2, Y: 0.1}, {}})
	cfg := testConfig()
	cfg.AnchorLayers = []int{2}
	cfg.Iterations = 4

	plain, err := NewSession(cfg)
	require.NoError(t, err)
	cfg.UseMomentum = true
	cfg.MomentumEta = 0
	damped, err := NewSession(cfg)
	require.NoError(t, err)

	a, err := plain.Run(context.Background(), tracks)
	require.NoError(t, err)
	b, err := damped.Run(context.Background(), tracks)
	require.NoError(t, err)
	for i := range a.Steps {
		assert.Equal(t, a.Steps[i].Delta, b.Steps[i].Delta)
	}
}

func TestSession_MomentumBlendsPreviousDelta(t *testing.T) {
	t.Parallel()
	tracks := misalignedTracks([]geometry.Point3{{}, {X: 0.2, Y: 0.1}, {}})
	cfg := testConfig()
	cfg.AnchorLayers = []int{2}
	cfg.UseMomentum = true
	cfg.MomentumEta = 0.5
	sess, err := NewSession(cfg)
	require.NoError(t, err)

	first, err := sess.Step(context.Background(), tracks)
	require.NoError(t, err)
	// Starting from a zero previous delta, the first blended delta is half
	// the raw one; with step 0.5 that is a quarter of the full correction.
	assert.InDelta(t, 0.2*0.5*0.5, first.Delta[1][geometry.ParamDX], 1e-3)
}

func TestSession_MalformedTracks(t *testing.T) {
	t.Parallel()
	tracks := misalignedTracks([]geometry.Point3{{}, {X: 0.1}, {}})
	tracks[2] = tracks[2][:2]

	t.Run("fatal by default", func(t *testing.T) {
		sess, err := NewSession(testConfig())
		require.NoError(t, err)
		_, err = sess.Step(context.Background(), tracks)
		require.Error(t, err)
		assert.True(t, errors.Is(err, geometry.ErrTrackLength))
		assert.Equal(t, geometry.NewParams(3), sess.Params())
		assert.Equal(t, 0, sess.Iteration())
	})

	t.Run("skipped when enabled", func(t *testing.T) {
		cfg := testConfig()
		cfg.SkipMalformed = true
		sess, err := NewSession(cfg)
		require.NoError(t, err)
		res, err := sess.Step(context.Background(), tracks)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Skipped)
		assert.Equal(t, 4, res.BatchSize)
	})

	t.Run("nothing left", func(t *testing.T) {
		cfg := testConfig()
		cfg.SkipMalformed = true
		sess, err := NewSession(cfg)
		require.NoError(t, err)
		_, err = sess.Step(context.Background(), []geometry.Track{tracks[2]})
		assert.True(t, errors.Is(err, ErrEmptyBatch))
	})
}

func TestRun_StopReasons(t *testing.T) {
	t.Parallel()
	tracks := misalignedTracks([]geometry.Point3{{}, {X: 0.2}, {}})

	t.Run("exhausted", func(t *testing.T) {
		cfg := testConfig()
		cfg.BatchMode = BatchSequential
		cfg.BatchSize = 2
		cfg.Iterations = 10
		cfg.AnchorLayers = []int{2}
		sess, err := NewSession(cfg)
		require.NoError(t, err)
		res, err := sess.Run(context.Background(), tracks)
		require.NoError(t, err)
		assert.Equal(t, StopExhausted, res.Reason)
		require.Len(t, res.Steps, 3)
		assert.Equal(t, []int{0, 2, 4}, []int{res.Steps[0].BatchStart, res.Steps[1].BatchStart, res.Steps[2].BatchStart})
		assert.Equal(t, 1, res.Steps[2].BatchSize)
	})

	t.Run("converged", func(t *testing.T) {
		cfg := testConfig()
		cfg.AnchorLayers = []int{2}
		cfg.MinChi2Improvement = 0.9
		sess, err := NewSession(cfg)
		require.NoError(t, err)
		res, err := sess.Run(context.Background(), tracks)
		require.NoError(t, err)
		assert.Equal(t, StopConverged, res.Reason)
		assert.Len(t, res.Steps, 2)
	})

	t.Run("cancelled", func(t *testing.T) {
		sess, err := NewSession(testConfig())
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err = sess.Run(ctx, tracks)
		assert.True(t, errors.Is(err, context.Canceled))
	})

	t.Run("observer error", func(t *testing.T) {
		sess, err := NewSession(testConfig())
		require.NoError(t, err)
		boom := errors.New("boom")
		var seen int
		sess.AddObserver(StepObserverFunc(func(r StepResult) error {
			seen++
			if r.Iteration == 1 {
				return boom
			}
			return nil
		}))
		_, err = sess.Run(context.Background(), tracks)
		assert.True(t, errors.Is(err, boom))
		assert.Equal(t, 2, seen)
	})
}

func TestBatchBounds(t *testing.T) {
	t.Parallel()
	tests := []struct {
		mode       BatchMode
		it, n      int
		start, end int
		ok         bool
	}{
		{BatchSequential, 0, 10, 0, 4, true},
		{BatchSequential, 1, 10, 4, 8, true},
		{BatchSequential, 2, 10, 8, 10, true},
		{BatchSequential, 3, 10, 0, 0, false},
		{BatchRepeat, 7, 10, 0, 4, true},
		{BatchRepeat, 0, 2, 0, 2, true},
		{BatchRepeat, 0, 0, 0, 0, false},
	}
	for _, tt := range tests {
		cfg := Config{BatchSize: 4, BatchMode: tt.mode}
		start, end, ok := cfg.BatchBounds(tt.it, tt.n)
		if start != tt.start || end != tt.end || ok != tt.ok {
			t.Errorf("%s BatchBounds(%d, %d) = (%d, %d, %t), want (%d, %d, %t)",
				tt.mode, tt.it, tt.n, start, end, ok, tt.start, tt.end, tt.ok)
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"too few layers", func(c *Config) { c.Layers = 2 }},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }},
		{"zero iterations", func(c *Config) { c.Iterations = 0 }},
		{"zero step", func(c *Config) { c.StepSize = 0 }},
		{"negative lambda", func(c *Config) { c.Lambda = -1 }},
		{"eta out of range", func(c *Config) { c.UseMomentum = true; c.MomentumEta = 1.5 }},
		{"fixed layer out of range", func(c *Config) { c.FixedLayer = 3 }},
		{"anchor out of range", func(c *Config) { c.AnchorLayers = []int{-1} }},
		{"unknown solver", func(c *Config) { c.Solver = "qmr" }},
		{"short resolution", func(c *Config) { c.Resolution = []float64{1} }},
		{"zero resolution", func(c *Config) { c.Resolution = []float64{1, 1, 1, 0, 1, 1} }},
		{"zero weight", func(c *Config) { c.ConstraintWeight = 0 }},
		{"batch mode", func(c *Config) { c.BatchMode = "random" }},
		{"negative improvement", func(c *Config) { c.MinChi2Improvement = -0.1 }},
		{"negative workers", func(c *Config) { c.Workers = -1 }},
	}
	require.NoError(t, testConfig().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			assert.True(t, errors.Is(err, ErrInvalidConfig), "got %v", err)
			_, err = NewSession(cfg)
			assert.Error(t, err)
		})
	}

	cfg := testConfig()
	cfg.FixLayer = false
	cfg.FixedLayer = 99
	assert.NoError(t, cfg.Validate(), "fixed layer index is ignored when fixing is off")
}

func TestConfig_PinnedLayers(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.FixedLayer = 1
	cfg.AnchorLayers = []int{2, 1, 0, 2}
	assert.Equal(t, []int{0, 1, 2}, cfg.PinnedLayers())
	cfg.FixLayer = false
	cfg.AnchorLayers = nil
	assert.Empty(t, cfg.PinnedLayers())
}

// tickingClock moves forward by tick after every Now.
type tickingClock struct {
	*timeutil.MockClock
	tick time.Duration
}

func (c tickingClock) Now() time.Time {
	now := c.MockClock.Now()
	c.Advance(c.tick)
	return now
}

func TestSession_ElapsedUsesClock(t *testing.T) {
	t.Parallel()
	tracks := misalignedTracks([]geometry.Point3{{}, {X: 0.3}, {}})
	cfg := testConfig()
	cfg.AnchorLayers = []int{2}
	cfg.Iterations = 3
	sess, err := NewSession(cfg)
	require.NoError(t, err)
	sess.SetClock(tickingClock{
		MockClock: timeutil.NewMockClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)),
		tick:      250 * time.Millisecond,
	})

	res, err := sess.Run(context.Background(), tracks)
	require.NoError(t, err)
	require.NotEmpty(t, res.Steps)
	for _, step := range res.Steps {
		assert.Equal(t, 250*time.Millisecond, step.Elapsed, "iteration %d", step.Iteration)
	}
}
