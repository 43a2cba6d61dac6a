package landmark

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/rover-data/slam.report/internal/geom"
)

// Context is the per-call measurement geometry threaded into h and its
// Jacobians: the robot position and heading at observation time, the
// measurement noise gain and the lidar mounting offset in the robot frame.
// It is built fresh for every observation and never stored in a landmark.
type Context struct {
	Px, Py float64
	Theta  float64

	// NGain scales zero-mean unit-covariance measurement noise into sensor
	// units; z-dim square, usually diagonal std-devs.
	NGain *mat.Dense

	// LidarOffset is the lidar origin in the robot frame (line model only).
	LidarOffset [2]float64
}

func ctxOf(v any) *Context { return v.(*Context) }

// CanonicalLine maps (ρ, α) onto the canonical set {ρ ≥ 0, α ∈ (−π, π]}.
// (−ρ, α+π) names the same line and is reflected through the origin.
func CanonicalLine(rho, alpha float64) (float64, float64) {
	alpha = geom.WrapAngle(alpha)
	if rho < 0 {
		return -rho, geom.WrapAngle(alpha + math.Pi)
	}
	return rho, alpha
}

// Unoriented point model. z is the landmark position in the robot frame.

func hUnoriented(x *mat.VecDense, v any) *mat.VecDense {
	ctx := ctxOf(v)
	zx, zy := geom.RotateRobotFromWorld(ctx.Theta, x.AtVec(0)-ctx.Px, x.AtVec(1)-ctx.Py)
	return mat.NewVecDense(2, []float64{zx, zy})
}

func hInvUnoriented(z *mat.VecDense, v any) *mat.VecDense {
	ctx := ctxOf(v)
	wx, wy := geom.RotateWorldFromRobot(ctx.Theta, z.AtVec(0), z.AtVec(1))
	return mat.NewVecDense(2, []float64{wx + ctx.Px, wy + ctx.Py})
}

func jxUnoriented(_ *mat.VecDense, v any) *mat.Dense {
	ctx := ctxOf(v)
	c, s := math.Cos(ctx.Theta), math.Sin(ctx.Theta)
	return mat.NewDense(2, 2, []float64{c, s, -s, c})
}

// jnUnoriented maps unit radial/tangential noise through the observed
// offset: ∂h/∂n = [[z₀, −z₁], [z₁, z₀]]·NGain with z = h(x).
func jnUnoriented(x *mat.VecDense, v any) *mat.Dense {
	ctx := ctxOf(v)
	z := hUnoriented(x, v)
	dir := mat.NewDense(2, 2, []float64{
		z.AtVec(0), -z.AtVec(1),
		z.AtVec(1), z.AtVec(0),
	})
	var jn mat.Dense
	jn.Mul(dir, ctx.NGain)
	return &jn
}

// Oriented point model: the xy part behaves like the unoriented model and
// the third component is the marker orientation relative to the robot
// heading.

func hOriented(x *mat.VecDense, v any) *mat.VecDense {
	ctx := ctxOf(v)
	zx, zy := geom.RotateRobotFromWorld(ctx.Theta, x.AtVec(0)-ctx.Px, x.AtVec(1)-ctx.Py)
	return mat.NewVecDense(3, []float64{zx, zy, x.AtVec(2) - ctx.Theta})
}

func hInvOriented(z *mat.VecDense, v any) *mat.VecDense {
	ctx := ctxOf(v)
	wx, wy := geom.RotateWorldFromRobot(ctx.Theta, z.AtVec(0), z.AtVec(1))
	return mat.NewVecDense(3, []float64{wx + ctx.Px, wy + ctx.Py, z.AtVec(2) + ctx.Theta})
}

func jxOriented(_ *mat.VecDense, v any) *mat.Dense {
	ctx := ctxOf(v)
	c, s := math.Cos(ctx.Theta), math.Sin(ctx.Theta)
	return mat.NewDense(3, 3, []float64{
		c, s, 0,
		-s, c, 0,
		0, 0, 1,
	})
}

func jnOriented(x *mat.VecDense, v any) *mat.Dense {
	ctx := ctxOf(v)
	zx, zy := geom.RotateRobotFromWorld(ctx.Theta, x.AtVec(0)-ctx.Px, x.AtVec(1)-ctx.Py)
	dir := mat.NewDense(2, 2, []float64{
		zx, -zy,
		zy, zx,
	})
	gainXY := mat.NewDense(2, 2, []float64{
		ctx.NGain.At(0, 0), ctx.NGain.At(0, 1),
		ctx.NGain.At(1, 0), ctx.NGain.At(1, 1),
	})
	var dxy mat.Dense
	dxy.Mul(dir, gainXY)
	jn := mat.NewDense(3, 3, nil)
	jn.Set(0, 0, dxy.At(0, 0))
	jn.Set(0, 1, dxy.At(0, 1))
	jn.Set(1, 0, dxy.At(1, 0))
	jn.Set(1, 1, dxy.At(1, 1))
	jn.Set(2, 2, ctx.NGain.At(2, 2))
	return jn
}

// Line model. The state is the world-frame (ρ, α); the measurement is the
// robot-frame (ρ, α) seen from the lidar origin. Both sides are kept on the
// canonical set.

func hLine(x *mat.VecDense, v any) *mat.VecDense {
	ctx := ctxOf(v)
	rhoW, alphaW := x.AtVec(0), x.AtVec(1)
	alphaR := geom.WrapAngle(alphaW - ctx.Theta)

	// foot of the world-frame normal, moved into the lidar frame
	fx := rhoW*math.Cos(alphaW) - ctx.Px
	fy := rhoW*math.Sin(alphaW) - ctx.Py
	rx, ry := geom.RotateRobotFromWorld(ctx.Theta, fx, fy)
	rx -= ctx.LidarOffset[0]
	ry -= ctx.LidarOffset[1]

	rhoR := rx*math.Cos(alphaR) + ry*math.Sin(alphaR)
	rhoR, alphaR = CanonicalLine(rhoR, alphaR)
	return mat.NewVecDense(2, []float64{rhoR, alphaR})
}

func hInvLine(z *mat.VecDense, v any) *mat.VecDense {
	ctx := ctxOf(v)
	rhoR, alphaR := z.AtVec(0), z.AtVec(1)
	alphaW := geom.WrapAngle(alphaR + ctx.Theta)

	// foot of the robot-frame normal from the lidar origin, back in world
	rx := rhoR*math.Cos(alphaR) + ctx.LidarOffset[0]
	ry := rhoR*math.Sin(alphaR) + ctx.LidarOffset[1]
	wx, wy := geom.RotateWorldFromRobot(ctx.Theta, rx, ry)
	wx += ctx.Px
	wy += ctx.Py

	rhoW := wx*math.Cos(alphaW) + wy*math.Sin(alphaW)
	rhoW, alphaW = CanonicalLine(rhoW, alphaW)
	return mat.NewVecDense(2, []float64{rhoW, alphaW})
}

// jxLine linearises the world→robot line transform around x. The ρ row
// flips sign when the robot sits on the far side of the line; the α column
// couples through the robot position expressed in polar form.
func jxLine(x *mat.VecDense, v any) *mat.Dense {
	ctx := ctxOf(v)
	rhoW, alphaW := x.AtVec(0), x.AtVec(1)

	side := ctx.Px*math.Cos(alphaW) + ctx.Py*math.Sin(alphaW) - rhoW
	direction := 1.0
	if side > 0 {
		direction = -1.0
	}

	rhoP := math.Hypot(ctx.Px, ctx.Py)
	alphaP := math.Atan2(ctx.Py, ctx.Px)

	jx := mat.NewDense(2, 2, []float64{
		direction, rhoP * math.Sin(alphaW-alphaP+(1-direction)/2*math.Pi),
		0, 1,
	})
	return jx
}

func jnLine(_ *mat.VecDense, v any) *mat.Dense {
	return ctxOf(v).NGain
}
