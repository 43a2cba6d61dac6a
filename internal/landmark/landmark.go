// Package landmark defines the landmark estimators carried by SLAM
// particles. There are three fixed measurement geometries: an unoriented
// point (fiducial position only), an oriented point (fiducial position plus
// in-plane orientation) and an infinite line in (ρ, α) form. Each wraps an
// EKF with the kind's dimension, innovation diff and measurement model.
package landmark

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/rover-data/slam.report/internal/ekf"
	"github.com/rover-data/slam.report/internal/geom"
)

// Kind selects a landmark geometry.
type Kind int

const (
	// Unoriented is a 2-D point landmark (x, y).
	Unoriented Kind = iota
	// Oriented is a 3-D point landmark with in-plane orientation (x, y, ψ).
	Oriented
	// Line is an infinite line (ρ, α) with ρ ≥ 0 and α ∈ (−π, π].
	Line
)

func (k Kind) String() string {
	switch k {
	case Unoriented:
		return "unoriented"
	case Oriented:
		return "oriented"
	case Line:
		return "line"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Dim returns the state (and measurement) dimension of the kind.
func (k Kind) Dim() int {
	if k == Oriented {
		return 3
	}
	return 2
}

// Diff returns the innovation operator for the kind's measurement space.
func (k Kind) Diff() ekf.DiffFunc {
	switch k {
	case Oriented:
		return diffOriented
	case Line:
		return diffLine
	default:
		return ekf.Sub
	}
}

// Model returns the kind's measurement model h, its inverse and both
// Jacobians.
func (k Kind) Model() (h ekf.MeasureFunc, hInv ekf.MeasureFunc, hx, hn ekf.MeasureJacFunc) {
	switch k {
	case Oriented:
		return hOriented, hInvOriented, jxOriented, jnOriented
	case Line:
		return hLine, hInvLine, jxLine, jnLine
	default:
		return hUnoriented, hInvUnoriented, jxUnoriented, jnUnoriented
	}
}

// diffOriented subtracts the xy components and wraps the angular third.
func diffOriented(z, zhat *mat.VecDense) *mat.VecDense {
	return mat.NewVecDense(3, []float64{
		z.AtVec(0) - zhat.AtVec(0),
		z.AtVec(1) - zhat.AtVec(1),
		geom.AngleDiff(z.AtVec(2), zhat.AtVec(2)),
	})
}

// diffLine subtracts ρ and wraps α.
func diffLine(z, zhat *mat.VecDense) *mat.VecDense {
	return mat.NewVecDense(2, []float64{
		z.AtVec(0) - zhat.AtVec(0),
		geom.AngleDiff(z.AtVec(1), zhat.AtVec(1)),
	})
}

// Landmark is one mapped feature: an EKF belief plus bookkeeping used by
// data association and confirmation.
type Landmark struct {
	kind Kind
	est  *ekf.EKF

	// latest accepted measurement in state-space coordinates (via h⁻¹)
	latestState *mat.VecDense

	// times this landmark has been observed; 1 on creation, incremented on
	// every accepted update
	seenCount int
}

// New creates a landmark of the given kind from an initial state mean and
// covariance, with the kind's measurement model installed.
func New(kind Kind, mu0 *mat.VecDense, cov0 *mat.Dense) *Landmark {
	n := kind.Dim()
	g, gx, gm := ekf.IdentityMotion(n)
	est := ekf.New(ekf.Config{
		Mu0:  mu0,
		Cov0: cov0,
		G:    g,
		Gx:   gx,
		Gm:   gm,
	})
	h, _, hx, hn := kind.Model()
	est.SetSensorModel(h, hx, hn)
	latest := mat.NewVecDense(n, nil)
	latest.CopyVec(mu0)
	return &Landmark{
		kind:        kind,
		est:         est,
		latestState: latest,
		seenCount:   1,
	}
}

// Kind returns the landmark geometry.
func (l *Landmark) Kind() Kind { return l.kind }

// SeenCount returns how many observations this landmark has absorbed.
func (l *Landmark) SeenCount() int { return l.seenCount }

// Mean returns the state mean. The caller must not mutate it.
func (l *Landmark) Mean() *mat.VecDense { return l.est.Mean() }

// Covariance returns the state covariance. The caller must not mutate it.
func (l *Landmark) Covariance() *mat.Dense { return l.est.Covariance() }

// LatestState returns the last accepted measurement mapped into state
// space, or the initial mean if none has been accepted yet.
func (l *Landmark) LatestState() *mat.VecDense { return l.latestState }

// MahalanobisSq gates the measurement z (robot frame) against the belief
// under the context ctx.
func (l *Landmark) MahalanobisSq(z *mat.VecDense, ctx any) (float64, error) {
	l.est.SetContext(ctx)
	return l.est.MahalanobisSq(z, l.kind.Diff())
}

// Likelihood evaluates the measurement density of z under the belief.
func (l *Landmark) Likelihood(z *mat.VecDense, ctx any, normalize bool) (float64, error) {
	l.est.SetContext(ctx)
	return l.est.Likelihood(z, l.kind.Diff(), normalize)
}

// Update folds the state-space measurement zx (i.e. h⁻¹ of the raw
// observation) into the belief and bumps the seen count. The raw
// measurement is reconstructed through h so the innovation is formed on the
// measurement space.
func (l *Landmark) Update(zx *mat.VecDense, ctx any) error {
	l.est.SetContext(ctx)
	h, _, _, _ := l.kind.Model()
	z := h(zx, ctx)
	if err := l.est.Update(z, l.kind.Diff()); err != nil {
		return err
	}
	l.latestState.CopyVec(zx)
	l.seenCount++
	return nil
}

// Clone returns a deep copy. Particle maps call this when they diverge
// after a resample.
func (l *Landmark) Clone() *Landmark {
	latest := mat.NewVecDense(l.latestState.Len(), nil)
	latest.CopyVec(l.latestState)
	return &Landmark{
		kind:        l.kind,
		est:         l.est.Clone(),
		latestState: latest,
		seenCount:   l.seenCount,
	}
}
