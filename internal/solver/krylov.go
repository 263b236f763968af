package solver

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// krylovSolver runs one of the iterative methods from a zero initial guess.
// All of them stop when |b - Ax| <= Tolerance*|b|.
type krylovSolver struct {
	method Method
	opts   Options
}

func (s *krylovSolver) Method() Method { return s.method }

// krylovState is what every recurrence hands back before the residual is
// recomputed from scratch.
type krylovState struct {
	x          *mat.VecDense
	iterations int
	converged  bool
	breakdown  bool
}

func (s *krylovSolver) Solve(a mat.Symmetric, b mat.Vector) (Result, error) {
	n, err := checkDims(a, b)
	if err != nil {
		return Result{}, err
	}

	var st krylovState
	if mat.Norm(b, 2) == 0 {
		st = krylovState{x: mat.NewVecDense(n, nil), converged: true}
	} else {
		switch s.method {
		case MethodCG:
			st = s.cg(a, b, n)
		case MethodCGS:
			st = s.cgs(a, b, n)
		case MethodBiCG:
			st = s.bicg(a, b, n)
		case MethodBiCGStab:
			st = s.bicgstab(a, b, n)
		case MethodMINRES:
			st = s.minres(a, b, n)
		case MethodGMRES:
			st = s.gmres(a, b, n)
		case MethodTFQMR:
			st = s.tfqmr(a, b, n)
		default:
			return Result{}, ErrUnknownMethod
		}
	}

	return Result{
		X:          st.x,
		Iterations: st.iterations,
		Residual:   RelativeResidual(a, st.x, b),
		Converged:  st.converged && !st.breakdown && finite(st.x),
		Breakdown:  st.breakdown,
	}, nil
}

func (s *krylovSolver) cg(a mat.Matrix, b mat.Vector, n int) krylovState {
	tol := s.opts.Tolerance * mat.Norm(b, 2)
	x := mat.NewVecDense(n, nil)
	r := mat.VecDenseCopyOf(b)
	p := mat.VecDenseCopyOf(b)
	ap := mat.NewVecDense(n, nil)
	rs := mat.Dot(r, r)

	maxIter := s.opts.maxIter(n)
	for it := 0; it < maxIter; it++ {
		if math.Sqrt(rs) <= tol {
			return krylovState{x: x, iterations: it, converged: true}
		}
		ap.MulVec(a, p)
		pap := mat.Dot(p, ap)
		if pap == 0 {
			return krylovState{x: x, iterations: it, breakdown: true}
		}
		alpha := rs / pap
		x.AddScaledVec(x, alpha, p)
		r.AddScaledVec(r, -alpha, ap)
		rsNew := mat.Dot(r, r)
		p.AddScaledVec(r, rsNew/rs, p)
		rs = rsNew
	}
	return krylovState{x: x, iterations: maxIter, converged: math.Sqrt(rs) <= tol}
}

func (s *krylovSolver) cgs(a mat.Matrix, b mat.Vector, n int) krylovState {
	tol := s.opts.Tolerance * mat.Norm(b, 2)
	x := mat.NewVecDense(n, nil)
	r := mat.VecDenseCopyOf(b)
	rt := mat.VecDenseCopyOf(b)
	p := mat.NewVecDense(n, nil)
	u := mat.NewVecDense(n, nil)
	q := mat.NewVecDense(n, nil)
	uq := mat.NewVecDense(n, nil)
	v := mat.NewVecDense(n, nil)
	aq := mat.NewVecDense(n, nil)
	var rhoPrev float64

	maxIter := s.opts.maxIter(n)
	for it := 0; it < maxIter; it++ {
		if mat.Norm(r, 2) <= tol {
			return krylovState{x: x, iterations: it, converged: true}
		}
		rho := mat.Dot(rt, r)
		if rho == 0 {
			return krylovState{x: x, iterations: it, breakdown: true}
		}
		if it == 0 {
			u.CopyVec(r)
			p.CopyVec(r)
		} else {
			beta := rho / rhoPrev
			u.AddScaledVec(r, beta, q)
			// p = u + beta*(q + beta*p)
			p.AddScaledVec(q, beta, p)
			p.AddScaledVec(u, beta, p)
		}
		v.MulVec(a, p)
		rv := mat.Dot(rt, v)
		if rv == 0 {
			return krylovState{x: x, iterations: it, breakdown: true}
		}
		alpha := rho / rv
		q.AddScaledVec(u, -alpha, v)
		uq.AddVec(u, q)
		x.AddScaledVec(x, alpha, uq)
		aq.MulVec(a, uq)
		r.AddScaledVec(r, -alpha, aq)
		rhoPrev = rho
	}
	return krylovState{x: x, iterations: maxIter, converged: mat.Norm(r, 2) <= tol}
}

func (s *krylovSolver) bicg(a mat.Matrix, b mat.Vector, n int) krylovState {
	tol := s.opts.Tolerance * mat.Norm(b, 2)
	x := mat.NewVecDense(n, nil)
	r := mat.VecDenseCopyOf(b)
	rt := mat.VecDenseCopyOf(b)
	p := mat.NewVecDense(n, nil)
	pt := mat.NewVecDense(n, nil)
	q := mat.NewVecDense(n, nil)
	qt := mat.NewVecDense(n, nil)
	var rhoPrev float64

	maxIter := s.opts.maxIter(n)
	for it := 0; it < maxIter; it++ {
		if mat.Norm(r, 2) <= tol {
			return krylovState{x: x, iterations: it, converged: true}
		}
		rho := mat.Dot(r, rt)
		if rho == 0 {
			return krylovState{x: x, iterations: it, breakdown: true}
		}
		if it == 0 {
			p.CopyVec(r)
			pt.CopyVec(rt)
		} else {
			beta := rho / rhoPrev
			p.AddScaledVec(r, beta, p)
			pt.AddScaledVec(rt, beta, pt)
		}
		q.MulVec(a, p)
		qt.MulVec(a.T(), pt)
		ptq := mat.Dot(pt, q)
		if ptq == 0 {
			return krylovState{x: x, iterations: it, breakdown: true}
		}
		alpha := rho / ptq
		x.AddScaledVec(x, alpha, p)
		r.AddScaledVec(r, -alpha, q)
		rt.AddScaledVec(rt, -alpha, qt)
		rhoPrev = rho
	}
	return krylovState{x: x, iterations: maxIter, converged: mat.Norm(r, 2) <= tol}
}

func (s *krylovSolver) bicgstab(a mat.Matrix, b mat.Vector, n int) krylovState {
	tol := s.opts.Tolerance * mat.Norm(b, 2)
	x := mat.NewVecDense(n, nil)
	r := mat.VecDenseCopyOf(b)
	rhat := mat.VecDenseCopyOf(b)
	p := mat.NewVecDense(n, nil)
	v := mat.NewVecDense(n, nil)
	sv := mat.NewVecDense(n, nil)
	t := mat.NewVecDense(n, nil)
	rho, alpha, omega := 1.0, 1.0, 1.0

	maxIter := s.opts.maxIter(n)
	for it := 0; it < maxIter; it++ {
		if mat.Norm(r, 2) <= tol {
			return krylovState{x: x, iterations: it, converged: true}
		}
		rhoNew := mat.Dot(rhat, r)
		if rhoNew == 0 || omega == 0 {
			return krylovState{x: x, iterations: it, breakdown: true}
		}
		if it == 0 {
			p.CopyVec(r)
		} else {
			beta := (rhoNew / rho) * (alpha / omega)
			// p = r + beta*(p - omega*v)
			p.AddScaledVec(p, -omega, v)
			p.AddScaledVec(r, beta, p)
		}
		v.MulVec(a, p)
		rv := mat.Dot(rhat, v)
		if rv == 0 {
			return krylovState{x: x, iterations: it, breakdown: true}
		}
		alpha = rhoNew / rv
		sv.AddScaledVec(r, -alpha, v)
		if mat.Norm(sv, 2) <= tol {
			x.AddScaledVec(x, alpha, p)
			return krylovState{x: x, iterations: it + 1, converged: true}
		}
		t.MulVec(a, sv)
		tt := mat.Dot(t, t)
		if tt == 0 {
			return krylovState{x: x, iterations: it, breakdown: true}
		}
		omega = mat.Dot(t, sv) / tt
		x.AddScaledVec(x, alpha, p)
		x.AddScaledVec(x, omega, sv)
		r.AddScaledVec(sv, -omega, t)
		rho = rhoNew
	}
	return krylovState{x: x, iterations: maxIter, converged: mat.Norm(r, 2) <= tol}
}

// minres is the Paige–Saunders recurrence for symmetric, possibly
// indefinite, systems. phibar tracks the residual norm without an extra
// matrix-vector product.
func (s *krylovSolver) minres(a mat.Matrix, b mat.Vector, n int) krylovState {
	bnorm := mat.Norm(b, 2)
	tol := s.opts.Tolerance * bnorm
	x := mat.NewVecDense(n, nil)
	r1 := mat.VecDenseCopyOf(b)
	r2 := mat.VecDenseCopyOf(b)
	y := mat.VecDenseCopyOf(b)
	v := mat.NewVecDense(n, nil)
	w := mat.NewVecDense(n, nil)
	w1 := mat.NewVecDense(n, nil)
	w2 := mat.NewVecDense(n, nil)

	beta := bnorm
	var oldb, dbar, epsln float64
	phibar := beta
	cs, sn := -1.0, 0.0

	maxIter := s.opts.maxIter(n)
	for it := 1; it <= maxIter; it++ {
		v.ScaleVec(1/beta, y)
		y.MulVec(a, v)
		if it >= 2 {
			y.AddScaledVec(y, -beta/oldb, r1)
		}
		alfa := mat.Dot(v, y)
		y.AddScaledVec(y, -alfa/beta, r2)
		r1.CopyVec(r2)
		r2.CopyVec(y)
		oldb = beta
		beta = mat.Norm(r2, 2)

		oldeps := epsln
		delta := cs*dbar + sn*alfa
		gbar := sn*dbar - cs*alfa
		epsln = sn * beta
		dbar = -cs * beta

		gamma := math.Hypot(gbar, beta)
		if gamma == 0 {
			return krylovState{x: x, iterations: it, breakdown: true}
		}
		cs = gbar / gamma
		sn = beta / gamma
		phi := cs * phibar
		phibar = sn * phibar

		w1, w2, w = w2, w, w1
		w.ScaleVec(1/gamma, v)
		w.AddScaledVec(w, -oldeps/gamma, w1)
		w.AddScaledVec(w, -delta/gamma, w2)
		x.AddScaledVec(x, phi, w)

		if phibar <= tol || beta == 0 {
			return krylovState{x: x, iterations: it, converged: true}
		}
	}
	return krylovState{x: x, iterations: maxIter, converged: phibar <= tol}
}

// gmres is restarted GMRES(m) with Givens rotations on the Hessenberg
// matrix. Iterations count matrix-vector products.
func (s *krylovSolver) gmres(a mat.Matrix, b mat.Vector, n int) krylovState {
	tol := s.opts.Tolerance * mat.Norm(b, 2)
	m := s.opts.Restart
	if m > n {
		m = n
	}
	x := mat.NewVecDense(n, nil)
	r := mat.NewVecDense(n, nil)
	w := mat.NewVecDense(n, nil)

	h := make([][]float64, m+1)
	for i := range h {
		h[i] = make([]float64, m)
	}
	cs := make([]float64, m)
	sn := make([]float64, m)
	g := make([]float64, m+1)
	basis := make([]*mat.VecDense, m+1)
	for i := range basis {
		basis[i] = mat.NewVecDense(n, nil)
	}

	maxIter := s.opts.maxIter(n)
	total := 0
	for total < maxIter {
		r.MulVec(a, x)
		r.SubVec(b, r)
		beta := mat.Norm(r, 2)
		if beta <= tol {
			return krylovState{x: x, iterations: total, converged: true}
		}
		for i := range g {
			g[i] = 0
		}
		g[0] = beta
		basis[0].ScaleVec(1/beta, r)

		k := 0
		done := false
		for j := 0; j < m && total < maxIter; j++ {
			total++
			w.MulVec(a, basis[j])
			for i := 0; i <= j; i++ {
				h[i][j] = mat.Dot(w, basis[i])
				w.AddScaledVec(w, -h[i][j], basis[i])
			}
			hNext := mat.Norm(w, 2)
			h[j+1][j] = hNext

			for i := 0; i < j; i++ {
				tmp := cs[i]*h[i][j] + sn[i]*h[i+1][j]
				h[i+1][j] = -sn[i]*h[i][j] + cs[i]*h[i+1][j]
				h[i][j] = tmp
			}
			d := math.Hypot(h[j][j], h[j+1][j])
			if d == 0 {
				return krylovState{x: x, iterations: total, breakdown: true}
			}
			cs[j] = h[j][j] / d
			sn[j] = h[j+1][j] / d
			h[j][j] = d
			h[j+1][j] = 0
			g[j+1] = -sn[j] * g[j]
			g[j] = cs[j] * g[j]
			k = j + 1

			if math.Abs(g[j+1]) <= tol || hNext == 0 {
				done = true
				break
			}
			basis[j+1].ScaleVec(1/hNext, w)
		}

		// Back substitution on the rotated upper triangle.
		y := make([]float64, k)
		for i := k - 1; i >= 0; i-- {
			sum := g[i]
			for l := i + 1; l < k; l++ {
				sum -= h[i][l] * y[l]
			}
			y[i] = sum / h[i][i]
		}
		for i := 0; i < k; i++ {
			x.AddScaledVec(x, y[i], basis[i])
		}
		if done {
			return krylovState{x: x, iterations: total, converged: true}
		}
	}

	r.MulVec(a, x)
	r.SubVec(b, r)
	return krylovState{x: x, iterations: total, converged: mat.Norm(r, 2) <= tol}
}

// tfqmr is Freund's transpose-free QMR. tau*sqrt(it+1) bounds the residual
// norm.
func (s *krylovSolver) tfqmr(a mat.Matrix, b mat.Vector, n int) krylovState {
	tol := s.opts.Tolerance * mat.Norm(b, 2)
	x := mat.NewVecDense(n, nil)
	r := mat.VecDenseCopyOf(b)
	u := mat.VecDenseCopyOf(r)
	w := mat.VecDenseCopyOf(r)
	rstar := mat.VecDenseCopyOf(r)
	v := mat.NewVecDense(n, nil)
	v.MulVec(a, r)
	uhat := mat.VecDenseCopyOf(v)
	uNext := mat.NewVecDense(n, nil)
	d := mat.NewVecDense(n, nil)

	var theta, eta, alpha float64
	rho := mat.Dot(rstar, r)
	rhoLast := rho
	tau := math.Sqrt(rho)

	maxIter := s.opts.maxIter(n)
	for it := 0; it < maxIter; it++ {
		even := it%2 == 0
		if even {
			vr := mat.Dot(rstar, v)
			if vr == 0 || rho == 0 {
				return krylovState{x: x, iterations: it, breakdown: true}
			}
			alpha = rho / vr
			uNext.AddScaledVec(u, -alpha, v)
		}
		w.AddScaledVec(w, -alpha, uhat)
		d.AddScaledVec(u, theta*theta/alpha*eta, d)
		theta = mat.Norm(w, 2) / tau
		c := 1 / math.Sqrt(1+theta*theta)
		tau *= theta * c
		eta = c * c * alpha
		x.AddScaledVec(x, eta, d)

		if tau*math.Sqrt(float64(it+1)) <= tol {
			return krylovState{x: x, iterations: it + 1, converged: true}
		}

		if !even {
			rho = mat.Dot(rstar, w)
			if rhoLast == 0 {
				return krylovState{x: x, iterations: it + 1, breakdown: true}
			}
			beta := rho / rhoLast
			u.AddScaledVec(w, beta, u)
			// v = beta*uhat + beta^2*v, then uhat = A·u, v += uhat
			v.ScaleVec(beta*beta, v)
			v.AddScaledVec(v, beta, uhat)
			uhat.MulVec(a, u)
			v.AddVec(v, uhat)
		} else {
			uhat.MulVec(a, uNext)
			u.CopyVec(uNext)
			rhoLast = rho
		}
	}

	r.MulVec(a, x)
	r.SubVec(b, r)
	return krylovState{x: x, iterations: maxIter, converged: mat.Norm(r, 2) <= tol}
}
