// Package trackfit fits a straight line to the hits of one track in the two
// measuring projections, x(z) and y(z).
package trackfit

import (
	"errors"
	"fmt"

	"github.com/banshee-data/align/internal/geometry"
	"github.com/banshee-data/align/internal/solver"

	"gonum.org/v1/gonum/mat"
)

// MinPoints is the smallest number of hits a line fit accepts.
const MinPoints = 3

var (
	// ErrTooFewPoints is returned when a track has fewer than MinPoints hits.
	ErrTooFewPoints = errors.New("too few points for a line fit")
	// ErrResolutionLength is returned when the resolution vector is not
	// ordered x0,y0,x1,y1,... for every hit.
	ErrResolutionLength = errors.New("resolution vector length mismatch")
)

// Result is a fitted line.
//
// Direction is (kx, ky, 1) and is not normalised; consumers use the ratios
// Direction.X/Direction.Z and Direction.Y/Direction.Z only. CrossPoint is
// where the line crosses z=0.
type Result struct {
	Direction  geometry.Point3
	CrossPoint geometry.Point3
	ChiSquare  float64
}

// Slopes returns (kx, ky).
func (r Result) Slopes() (float64, float64) {
	return r.Direction.X / r.Direction.Z, r.Direction.Y / r.Direction.Z
}

// At returns the point of the line at z.
func (r Result) At(z float64) (geometry.Point3, error) {
	return geometry.Project(r.CrossPoint, r.Direction, z)
}

// Fitter solves the stacked 2N×4 least-squares problem
//
//	x_i = kx·z_i + bx
//	y_i = ky·z_i + by
//
// through its 4×4 normal equations. A Fitter holds no per-fit state and may
// be shared between goroutines.
type Fitter struct {
	solver solver.Solver
}

// NewFitter returns a fitter backed by the SVD pseudo-inverse, which stays
// finite when every hit sits at the same z.
func NewFitter() *Fitter {
	s, err := solver.New(solver.MethodSVD, solver.DefaultOptions())
	if err != nil {
		// MethodSVD is always available.
		panic(err)
	}
	return &Fitter{solver: s}
}

// Fit fits track by ordinary least squares. resolution is either nil or
// holds one sigma per measurement, ordered x0,y0,x1,y1,...; it does not
// weight the fit, only the chi-square, where each residual is divided by
// its sigma before squaring. On error the zero Result is returned.
func (f *Fitter) Fit(track geometry.Track, resolution []float64) (Result, error) {
	n := len(track)
	if n < MinPoints {
		return Result{}, fmt.Errorf("%w: got %d, need %d", ErrTooFewPoints, n, MinPoints)
	}
	if resolution != nil {
		if len(resolution) != 2*n {
			return Result{}, fmt.Errorf("%w: got %d, want %d", ErrResolutionLength, len(resolution), 2*n)
		}
		for i, sigma := range resolution {
			if sigma <= 0 {
				return Result{}, fmt.Errorf("resolution of measurement %d must be positive", i)
			}
		}
	}

	// Columns: kx, bx, ky, by.
	g := mat.NewDense(2*n, 4, nil)
	obs := mat.NewVecDense(2*n, nil)
	for i, p := range track {
		g.Set(2*i, 0, p.Z)
		g.Set(2*i, 1, 1)
		obs.SetVec(2*i, p.X)
		g.Set(2*i+1, 2, p.Z)
		g.Set(2*i+1, 3, 1)
		obs.SetVec(2*i+1, p.Y)
	}

	var gtg mat.SymDense
	gtg.SymOuterK(1, g.T())
	var gtb mat.VecDense
	gtb.MulVec(g.T(), obs)

	sol, err := f.solver.Solve(&gtg, &gtb)
	if err != nil {
		return Result{}, fmt.Errorf("line fit: %w", err)
	}

	var res mat.VecDense
	res.MulVec(g, sol.X)
	res.SubVec(&res, obs)
	if resolution != nil {
		for i, sigma := range resolution {
			res.SetVec(i, res.AtVec(i)/sigma)
		}
	}
	chi2 := mat.Dot(&res, &res)

	kx, bx := sol.X.AtVec(0), sol.X.AtVec(1)
	ky, by := sol.X.AtVec(2), sol.X.AtVec(3)
	return Result{
		Direction:  geometry.Point3{X: kx, Y: ky, Z: 1},
		CrossPoint: geometry.Point3{X: bx, Y: by, Z: 0},
		ChiSquare:  chi2,
	}, nil
}
