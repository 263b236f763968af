package solver

import (
	"errors"
	"fmt"
	"math"

	"github.com/banshee-data/align/internal/monitoring"

	"gonum.org/v1/gonum/mat"
)

type luSolver struct {
	fallback *svdSolver
}

func (s *luSolver) Method() Method { return MethodLin }

func (s *luSolver) Solve(a mat.Symmetric, b mat.Vector) (Result, error) {
	if _, err := checkDims(a, b); err != nil {
		return Result{}, err
	}
	var x mat.VecDense
	converged := true
	if err := x.SolveVec(a, b); err != nil {
		var cond mat.Condition
		switch {
		case errors.Is(err, mat.ErrSingular),
			errors.As(err, &cond) && math.IsInf(float64(cond), 1):
			monitoring.Logf("solver: lin: singular matrix, falling back to svd")
			return s.fallback.Solve(a, b)
		case errors.As(err, &cond):
			// The solution is still computed; only its accuracy is suspect.
			monitoring.Logf("solver: lin: ill-conditioned system (condition %.3g)", float64(cond))
			converged = false
		default:
			return Result{}, fmt.Errorf("lin solve: %w", err)
		}
	}
	if !finite(&x) {
		monitoring.Logf("solver: lin: non-finite solution, falling back to svd")
		return s.fallback.Solve(a, b)
	}
	return Result{
		X:          &x,
		Iterations: 1,
		Residual:   RelativeResidual(a, &x, b),
		Converged:  converged,
	}, nil
}

type choleskySolver struct {
	fallback *svdSolver
}

func (s *choleskySolver) Method() Method { return MethodCholesky }

func (s *choleskySolver) Solve(a mat.Symmetric, b mat.Vector) (Result, error) {
	if _, err := checkDims(a, b); err != nil {
		return Result{}, err
	}
	var ch mat.Cholesky
	if ok := ch.Factorize(a); !ok {
		monitoring.Logf("solver: cholesky: matrix not positive definite, falling back to svd")
		return s.fallback.Solve(a, b)
	}
	var x mat.VecDense
	converged := true
	if err := ch.SolveVecTo(&x, b); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return Result{}, fmt.Errorf("cholesky solve: %w", err)
		}
		monitoring.Logf("solver: cholesky: ill-conditioned system (condition %.3g)", float64(cond))
		converged = false
	}
	return Result{
		X:          &x,
		Iterations: 1,
		Residual:   RelativeResidual(a, &x, b),
		Converged:  converged,
	}, nil
}

// svdSolver computes x = V·diag(1/(s+eps))·Uᵀ·b. The epsilon keeps zero
// singular values from producing infinities; near-null directions are
// amplified by at most 1/eps.
type svdSolver struct {
	opts Options
}

func (s *svdSolver) Method() Method { return MethodSVD }

func (s *svdSolver) Solve(a mat.Symmetric, b mat.Vector) (Result, error) {
	if _, err := checkDims(a, b); err != nil {
		return Result{}, err
	}
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return Result{}, fmt.Errorf("svd: %w", ErrFactorize)
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	values := svd.Values(nil)

	var utb mat.VecDense
	utb.MulVec(u.T(), b)
	for i, sv := range values {
		utb.SetVec(i, utb.AtVec(i)/(sv+s.opts.Epsilon))
	}
	var x mat.VecDense
	x.MulVec(&v, &utb)

	return Result{
		X:          &x,
		Iterations: 1,
		Residual:   RelativeResidual(a, &x, b),
		Converged:  true,
	}, nil
}
