// Package solver solves the square symmetric systems produced by the
// alignment normal equations. A Method names one algorithm; New turns it into
// a Solver once, at configuration time, so the iteration loop never compares
// strings.
//
// Direct methods (lin, cholesky) and the SVD pseudo-inverse always return
// Converged=true unless the factorisation failed. The Krylov methods return
// their best estimate together with Converged=false when they run out of
// iterations or break down; callers decide whether to log or act on it.
package solver

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Method identifies a linear solver algorithm.
type Method string

const (
	// MethodLin is an LU direct solve that falls back to SVD when the
	// matrix is exactly singular.
	MethodLin Method = "lin"
	// MethodCholesky is a Cholesky direct solve for positive definite
	// systems that falls back to SVD when factorisation fails.
	MethodCholesky Method = "cholesky"
	// MethodSVD is the pseudo-inverse solve with an epsilon added to every
	// singular value.
	MethodSVD Method = "svd"

	MethodCG       Method = "cg"
	MethodCGS      Method = "cgs"
	MethodBiCG     Method = "bicg"
	MethodBiCGStab Method = "bicgstab"
	MethodMINRES   Method = "minres"
	MethodGMRES    Method = "gmres"
	MethodTFQMR    Method = "tfqmr"
)

var (
	// ErrUnknownMethod is returned for a method name no solver implements.
	ErrUnknownMethod = errors.New("unsupported matrix solver")
	// ErrDimension is returned when the matrix and right-hand side disagree.
	ErrDimension = errors.New("dimension mismatch")
	// ErrFactorize is returned when a factorisation fails outright.
	ErrFactorize = errors.New("matrix factorisation failed")
)

var allMethods = map[Method]bool{
	MethodLin:      true,
	MethodCholesky: true,
	MethodSVD:      true,
	MethodCG:       true,
	MethodCGS:      true,
	MethodBiCG:     true,
	MethodBiCGStab: true,
	MethodMINRES:   true,
	MethodGMRES:    true,
	MethodTFQMR:    true,
}

// Methods returns every supported method name in sorted order.
func Methods() []Method {
	out := make([]Method, 0, len(allMethods))
	for m := range allMethods {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseMethod validates a configured solver name. Matching is case
// insensitive and ignores surrounding space.
func ParseMethod(s string) (Method, error) {
	m := Method(strings.ToLower(strings.TrimSpace(s)))
	if !allMethods[m] {
		return "", fmt.Errorf("%w: %q", ErrUnknownMethod, s)
	}
	return m, nil
}

// IsIterative reports whether m is a Krylov method.
func (m Method) IsIterative() bool {
	switch m {
	case MethodLin, MethodCholesky, MethodSVD:
		return false
	}
	return allMethods[m]
}

// Options tunes the solvers. Zero fields take the defaults from
// DefaultOptions.
type Options struct {
	// Tolerance is the relative residual |b - Ax| / |b| at which the Krylov
	// methods stop.
	Tolerance float64
	// MaxIterations bounds the number of Krylov iterations (matrix-vector
	// products for GMRES). Zero means 10*n.
	MaxIterations int
	// Restart is the GMRES restart length. Zero means min(20, n).
	Restart int
	// Epsilon is added to every singular value before inversion in the SVD
	// solve.
	Epsilon float64
}

// DefaultOptions returns the solver defaults.
func DefaultOptions() Options {
	return Options{
		Tolerance: 1e-10,
		Restart:   20,
		Epsilon:   1e-10,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Tolerance <= 0 {
		o.Tolerance = d.Tolerance
	}
	if o.Restart <= 0 {
		o.Restart = d.Restart
	}
	if o.Epsilon <= 0 {
		o.Epsilon = d.Epsilon
	}
	return o
}

func (o Options) maxIter(n int) int {
	if o.MaxIterations > 0 {
		return o.MaxIterations
	}
	return 10 * n
}

// Result is the outcome of one solve.
type Result struct {
	X *mat.VecDense
	// Iterations is 1 for direct methods.
	Iterations int
	// Residual is the relative residual |b - Ax| / |b| of X.
	Residual float64
	// Converged is false when an iterative method stopped early or broke
	// down, or when a direct method hit an ill-conditioned matrix.
	Converged bool
	// Breakdown is set when a Krylov recurrence divided by zero.
	Breakdown bool
}

// Solver solves a·x = b for square symmetric a.
type Solver interface {
	Method() Method
	Solve(a mat.Symmetric, b mat.Vector) (Result, error)
}

// New returns the solver implementing m.
func New(m Method, opts Options) (Solver, error) {
	opts = opts.withDefaults()
	switch m {
	case MethodLin:
		return &luSolver{fallback: &svdSolver{opts: opts}}, nil
	case MethodCholesky:
		return &choleskySolver{fallback: &svdSolver{opts: opts}}, nil
	case MethodSVD:
		return &svdSolver{opts: opts}, nil
	case MethodCG, MethodCGS, MethodBiCG, MethodBiCGStab, MethodMINRES, MethodGMRES, MethodTFQMR:
		return &krylovSolver{method: m, opts: opts}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, string(m))
}

func checkDims(a mat.Symmetric, b mat.Vector) (int, error) {
	n := a.SymmetricDim()
	if n == 0 {
		return 0, fmt.Errorf("%w: empty matrix", ErrDimension)
	}
	if b.Len() != n {
		return 0, fmt.Errorf("%w: matrix is %dx%d, rhs has %d entries", ErrDimension, n, n, b.Len())
	}
	return n, nil
}

// RelativeResidual returns |b - a·x| / |b|, or |a·x| when b is zero.
func RelativeResidual(a mat.Matrix, x, b mat.Vector) float64 {
	var r mat.VecDense
	r.MulVec(a, x)
	r.SubVec(b, &r)
	rn := mat.Norm(&r, 2)
	bn := mat.Norm(b, 2)
	if bn == 0 {
		return rn
	}
	return rn / bn
}

func finite(v *mat.VecDense) bool {
	for i := 0; i < v.Len(); i++ {
		if f := v.AtVec(i); math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
