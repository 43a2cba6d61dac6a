// Package ekf implements an extended Kalman filter over a generic nonlinear
// process and measurement model. One instance represents a Gaussian belief
// (μ, Σ) over a latent state; landmark estimators in the SLAM pipeline are
// thin specialisations of it.
//
// The measurement model is rebindable after construction so that h and its
// Jacobians can depend on the current robot pose without the pose being
// stored inside the filter (the context value is threaded verbatim into
// every model call).
package ekf

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
)

// regularisationEps is added to the diagonal of a non-invertible innovation
// covariance before one retry. The value is fixed so recovery is
// deterministic across runs.
const regularisationEps = 1e-9

// ErrSingularInnovation is returned when the innovation covariance S cannot
// be factorised even after diagonal regularisation. Callers in the hot loop
// skip the update and leave weights unchanged.
var ErrSingularInnovation = errors.New("ekf: innovation covariance is singular")

// MotionFunc evaluates the process model g(x, u) with zero process noise.
type MotionFunc func(x, u *mat.VecDense) *mat.VecDense

// MotionJacFunc evaluates ∂g/∂x or ∂g/∂m at (x, u).
type MotionJacFunc func(x, u *mat.VecDense) *mat.Dense

// MeasureFunc evaluates the measurement model h(x) with zero measurement
// noise. ctx carries the per-call measurement geometry.
type MeasureFunc func(x *mat.VecDense, ctx any) *mat.VecDense

// MeasureJacFunc evaluates ∂h/∂x or ∂h/∂n at x.
type MeasureJacFunc func(x *mat.VecDense, ctx any) *mat.Dense

// DiffFunc computes the innovation z−ẑ on the measurement space. Angular
// components must be wrapped to (−π, π].
type DiffFunc func(z, zhat *mat.VecDense) *mat.VecDense

// Sub is the default DiffFunc: plain element-wise subtraction.
func Sub(z, zhat *mat.VecDense) *mat.VecDense {
	y := mat.NewVecDense(z.Len(), nil)
	y.SubVec(z, zhat)
	return y
}

// Config holds the initial belief and the process model for a filter.
type Config struct {
	Mu0  *mat.VecDense // initial mean (n)
	Cov0 *mat.Dense    // initial covariance (n×n)

	// MinCov, when non-nil, is an element-wise lower bound applied to the
	// covariance diagonal after every update to stop the belief collapsing
	// to a singular point. Off-diagonal entries are left alone.
	MinCov *mat.Dense

	G  MotionFunc    // g(x, u)
	Gx MotionJacFunc // ∂g/∂x
	Gm MotionJacFunc // ∂g/∂m
}

// EKF is a Gaussian belief with attached process and measurement models.
// It is not safe for concurrent use.
type EKF struct {
	mu  *mat.VecDense
	cov *mat.Dense

	minCov *mat.Dense

	g  MotionFunc
	gx MotionJacFunc
	gm MotionJacFunc

	h   MeasureFunc
	hx  MeasureJacFunc
	hn  MeasureJacFunc
	ctx any
}

// New builds a filter from cfg. The mean and covariance are copied.
func New(cfg Config) *EKF {
	n := cfg.Mu0.Len()
	mu := mat.NewVecDense(n, nil)
	mu.CopyVec(cfg.Mu0)
	cov := mat.NewDense(n, n, nil)
	cov.Copy(cfg.Cov0)
	e := &EKF{
		mu:  mu,
		cov: cov,
		g:   cfg.G,
		gx:  cfg.Gx,
		gm:  cfg.Gm,
	}
	if cfg.MinCov != nil {
		e.minCov = mat.NewDense(n, n, nil)
		e.minCov.Copy(cfg.MinCov)
	}
	return e
}

// SetSensorModel rebinds the measurement model and its Jacobians.
func (e *EKF) SetSensorModel(h MeasureFunc, hx, hn MeasureJacFunc) {
	e.h = h
	e.hx = hx
	e.hn = hn
}

// SetContext rebinds the opaque context passed to h and its Jacobians.
func (e *EKF) SetContext(ctx any) { e.ctx = ctx }

// Mean returns the current state mean. The caller must not mutate it.
func (e *EKF) Mean() *mat.VecDense { return e.mu }

// Covariance returns the current state covariance. The caller must not
// mutate it.
func (e *EKF) Covariance() *mat.Dense { return e.cov }

// Dim returns the state dimension.
func (e *EKF) Dim() int { return e.mu.Len() }

// Clone returns an independent copy of the belief sharing the model
// functions. Used when particle maps diverge after a resample.
func (e *EKF) Clone() *EKF {
	n := e.mu.Len()
	c := &EKF{
		mu:  mat.NewVecDense(n, nil),
		cov: mat.NewDense(n, n, nil),
		g:   e.g,
		gx:  e.gx,
		gm:  e.gm,
		h:   e.h,
		hx:  e.hx,
		hn:  e.hn,
		ctx: e.ctx,
	}
	c.mu.CopyVec(e.mu)
	c.cov.Copy(e.cov)
	if e.minCov != nil {
		c.minCov = mat.NewDense(n, n, nil)
		c.minCov.Copy(e.minCov)
	}
	return c
}

// Predict propagates the belief through the process model:
//
//	μ ← g(μ, u)
//	Σ ← Gx Σ Gxᵀ + Gm Gmᵀ
func (e *EKF) Predict(u *mat.VecDense) {
	gx := e.gx(e.mu, u)
	gm := e.gm(e.mu, u)
	e.mu = e.g(e.mu, u)

	n := e.mu.Len()
	var prop, noise mat.Dense
	prop.Product(gx, e.cov, gx.T())
	noise.Mul(gm, gm.T())
	cov := mat.NewDense(n, n, nil)
	cov.Add(&prop, &noise)
	e.cov = cov
}

// innovation computes y = diff(z, h(μ)), the innovation covariance
// S = Hx Σ Hxᵀ + Hn Hnᵀ and its Cholesky factorisation, plus Hx.
// S is regularised once with εI when the first factorisation fails.
func (e *EKF) innovation(z *mat.VecDense, diff DiffFunc) (y *mat.VecDense, chol *mat.Cholesky, hx *mat.Dense, err error) {
	if diff == nil {
		diff = Sub
	}
	zhat := e.h(e.mu, e.ctx)
	y = diff(z, zhat)

	hx = e.hx(e.mu, e.ctx)
	hn := e.hn(e.mu, e.ctx)

	var hph, noise, s mat.Dense
	hph.Product(hx, e.cov, hx.T())
	noise.Mul(hn, hn.T())
	s.Add(&hph, &noise)

	k := z.Len()
	sym := mat.NewSymDense(k, nil)
	for i := 0; i < k; i++ {
		for j := i; j < k; j++ {
			sym.SetSym(i, j, 0.5*(s.At(i, j)+s.At(j, i)))
		}
	}

	chol = new(mat.Cholesky)
	if chol.Factorize(sym) {
		return y, chol, hx, nil
	}
	// Regularise once with a fixed ε on the diagonal; repeated identical
	// measurements with zero-variance models can make S exactly singular.
	for i := 0; i < k; i++ {
		sym.SetSym(i, i, sym.At(i, i)+regularisationEps)
	}
	if chol.Factorize(sym) {
		return y, chol, hx, nil
	}
	return nil, nil, nil, ErrSingularInnovation
}

// Update folds the measurement z into the belief:
//
//	K = Σ Hxᵀ S⁻¹
//	μ ← μ + K y
//	Σ ← (I − K Hx) Σ
//
// followed by the MinCov diagonal clamp. A singular innovation covariance
// leaves the belief untouched and returns ErrSingularInnovation.
func (e *EKF) Update(z *mat.VecDense, diff DiffFunc) error {
	y, chol, hx, err := e.innovation(z, diff)
	if err != nil {
		return err
	}

	n := e.mu.Len()
	k := z.Len()

	sInv := mat.NewSymDense(k, nil)
	if err := chol.InverseTo(sInv); err != nil {
		return ErrSingularInnovation
	}

	var gain mat.Dense // n×k
	gain.Product(e.cov, hx.T(), sInv)

	var corr mat.VecDense
	corr.MulVec(&gain, y)
	e.mu.AddVec(e.mu, &corr)

	var kh mat.Dense
	kh.Mul(&gain, hx)
	ikh := identity(n)
	ikh.Sub(ikh, &kh)
	cov := mat.NewDense(n, n, nil)
	cov.Mul(ikh, e.cov)
	e.cov = cov

	e.clampCovariance()
	return nil
}

// MahalanobisSq computes yᵀ S⁻¹ y for the measurement z without mutating
// the belief. Used for association gating.
func (e *EKF) MahalanobisSq(z *mat.VecDense, diff DiffFunc) (float64, error) {
	y, chol, _, err := e.innovation(z, diff)
	if err != nil {
		return math.Inf(1), err
	}
	return solveQuadratic(chol, y)
}

// Likelihood evaluates the Gaussian density of the innovation under S.
// With normalize=false the (2π)^(−k/2) |S|^(−½) prefactor is dropped;
// across particles only relative likelihoods matter and the bare
// exponential avoids underflow.
func (e *EKF) Likelihood(z *mat.VecDense, diff DiffFunc, normalize bool) (float64, error) {
	y, chol, _, err := e.innovation(z, diff)
	if err != nil {
		return 0, err
	}
	d2, err := solveQuadratic(chol, y)
	if err != nil {
		return 0, err
	}
	if !normalize {
		return math.Exp(-0.5 * d2), nil
	}
	k := float64(y.Len())
	logNorm := -0.5*k*math.Log(2*math.Pi) - 0.5*chol.LogDet()
	return math.Exp(logNorm - 0.5*d2), nil
}

// clampCovariance applies the element-wise diagonal lower bound.
func (e *EKF) clampCovariance() {
	if e.minCov == nil {
		return
	}
	n := e.mu.Len()
	for i := 0; i < n; i++ {
		if e.cov.At(i, i) < e.minCov.At(i, i) {
			e.cov.Set(i, i, e.minCov.At(i, i))
		}
	}
}

func solveQuadratic(chol *mat.Cholesky, y *mat.VecDense) (float64, error) {
	var w mat.VecDense
	if err := chol.SolveVecTo(&w, y); err != nil {
		return math.Inf(1), ErrSingularInnovation
	}
	return mat.Dot(y, &w), nil
}

func identity(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// IdentityMotion is the static process model used by landmark estimators:
// the state does not move and carries no process noise.
func IdentityMotion(n int) (MotionFunc, MotionJacFunc, MotionJacFunc) {
	g := func(x, _ *mat.VecDense) *mat.VecDense { return x }
	gx := func(_, _ *mat.VecDense) *mat.Dense { return identity(n) }
	gm := func(_, _ *mat.VecDense) *mat.Dense { return mat.NewDense(n, n, nil) }
	return g, gx, gm
}
