package align

import (
	"context"
	"fmt"

	"github.com/banshee-data/align/internal/geometry"
	"github.com/banshee-data/align/internal/trackfit"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// LocalParamsPerTrack is the number of local columns owned by each track:
// kx, bx, ky, by.
const LocalParamsPerTrack = 4

// System is the linearised alignment problem for one batch.
//
// A has 2·layers·tracks rows, ordered track-major then layer, x row before y
// row. Its columns are the 6·layers global parameters followed by the
// 4·tracks local parameters.
type System struct {
	A *mat.Dense
	R *mat.VecDense

	Layers int
	Tracks int
	// Fits holds the local fit of every track in batch order.
	Fits      []trackfit.Result
	ChiSquare float64
}

// GlobalCols is the number of global parameter columns.
func (s *System) GlobalCols() int { return s.Layers * geometry.ParamsPerLayer }

// NormalEquations returns AᵀA + λI and Aᵀr.
func (s *System) NormalEquations(lambda float64) (*mat.SymDense, *mat.VecDense) {
	_, cols := s.A.Dims()
	a2 := mat.NewSymDense(cols, nil)
	a2.SymOuterK(1, s.A.T())
	if lambda != 0 {
		for i := 0; i < cols; i++ {
			a2.SetSym(i, i, a2.At(i, i)+lambda)
		}
	}
	b := mat.NewVecDense(cols, nil)
	b.MulVec(s.A.T(), s.R)
	return a2, b
}

// Assembler fills the design matrix for a batch of tracks.
type Assembler struct {
	layers     int
	angleAlign bool
	pinned     map[int]bool
	resolution []float64
	workers    int
	fitter     *trackfit.Fitter
}

// NewAssembler returns an assembler for cfg. cfg must already be valid.
func NewAssembler(cfg Config) *Assembler {
	pinned := make(map[int]bool)
	for _, l := range cfg.PinnedLayers() {
		pinned[l] = true
	}
	return &Assembler{
		layers:     cfg.Layers,
		angleAlign: cfg.AngleAlign,
		pinned:     pinned,
		resolution: cfg.Resolution,
		workers:    cfg.workers(),
		fitter:     trackfit.NewFitter(),
	}
}

// Build transforms every track with params, fits it and fills its rows of A
// and r. Tracks are independent; each goroutine writes only its own rows and
// local columns. Every track must hold exactly one hit per layer.
func (as *Assembler) Build(ctx context.Context, tracks []geometry.Track, params geometry.Params) (*System, error) {
	if len(params) != as.layers {
		return nil, fmt.Errorf("parameter matrix has %d layers, want %d", len(params), as.layers)
	}
	if len(tracks) == 0 {
		return nil, ErrEmptyBatch
	}
	nTracks := len(tracks)
	rows := 2 * as.layers * nTracks
	cols := as.layers*geometry.ParamsPerLayer + LocalParamsPerTrack*nTracks

	sys := &System{
		A:      mat.NewDense(rows, cols, nil),
		R:      mat.NewVecDense(rows, nil),
		Layers: as.layers,
		Tracks: nTracks,
		Fits:   make([]trackfit.Result, nTracks),
	}
	chi2 := make([]float64, nTracks)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(as.workers)
	for j := range tracks {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			fit, err := as.fillTrack(sys, j, tracks[j], params)
			if err != nil {
				return fmt.Errorf("track %d: %w", j, err)
			}
			sys.Fits[j] = fit
			chi2[j] = fit.ChiSquare
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, c := range chi2 {
		sys.ChiSquare += c
	}
	return sys, nil
}

// fillTrack writes rows [2·layers·j, 2·layers·(j+1)) and local columns
// [6·layers + 4j, 6·layers + 4j + 4).
func (as *Assembler) fillTrack(sys *System, j int, track geometry.Track, params geometry.Params) (trackfit.Result, error) {
	if err := track.Validate(as.layers); err != nil {
		return trackfit.Result{}, err
	}
	transformed := geometry.TransformTrack(track, params)
	fit, err := as.fitter.Fit(transformed, as.resolution)
	if err != nil {
		return trackfit.Result{}, err
	}
	kx, ky := fit.Slopes()

	colLocal := sys.GlobalCols() + LocalParamsPerTrack*j
	for i := 0; i < as.layers; i++ {
		orig := track[i]
		hit := transformed[i]
		proj, err := fit.At(hit.Z)
		if err != nil {
			return trackfit.Result{}, err
		}

		rowX := 2 * (as.layers*j + i)
		rowY := rowX + 1
		sys.R.SetVec(rowX, hit.X-proj.X)
		sys.R.SetVec(rowY, hit.Y-proj.Y)

		sys.A.Set(rowX, colLocal+0, -hit.Z)
		sys.A.Set(rowX, colLocal+1, -1)
		sys.A.Set(rowY, colLocal+2, -hit.Z)
		sys.A.Set(rowY, colLocal+3, -1)

		if as.pinned[i] {
			continue
		}
		dx := [geometry.ParamsPerLayer]float64{
			1, 0, -kx,
			-kx * orig.Y, orig.Z + kx*orig.X, -orig.Y,
		}
		dy := [geometry.ParamsPerLayer]float64{
			0, 1, -ky,
			-(orig.Z + ky*orig.Y), ky * orig.X, orig.X,
		}
		n := geometry.ParamsPerLayer
		if !as.angleAlign {
			n = geometry.ParamAX
		}
		colGlobal := i * geometry.ParamsPerLayer
		for k := 0; k < n; k++ {
			sys.A.Set(rowX, colGlobal+k, dx[k])
			sys.A.Set(rowY, colGlobal+k, dy[k])
		}
	}
	return fit, nil
}
