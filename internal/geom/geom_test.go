package geom

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapAngle(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   float64
		want float64
	}{
		{"zero", 0, 0},
		{"pi stays pi", math.Pi, math.Pi},
		{"minus pi maps to pi", -math.Pi, math.Pi},
		{"three halves pi", 3 * math.Pi / 2, -math.Pi / 2},
		{"minus three halves pi", -3 * math.Pi / 2, math.Pi / 2},
		{"two pi", 2 * math.Pi, 0},
		{"large positive", 7 * math.Pi, math.Pi},
		{"large negative", -7 * math.Pi, math.Pi},
		{"small", 0.25, 0.25},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := WrapAngle(tc.in)
			assert.InDelta(t, tc.want, got, 1e-12)
			assert.True(t, got > -math.Pi && got <= math.Pi, "result %v outside (-pi, pi]", got)
		})
	}
}

func TestAngleDiffWraps(t *testing.T) {
	t.Parallel()

	// crossing the branch cut must give the short way round
	d := AngleDiff(math.Pi-0.1, -math.Pi+0.1)
	assert.InDelta(t, -0.2, d, 1e-12)

	d = AngleDiff(-math.Pi+0.1, math.Pi-0.1)
	assert.InDelta(t, 0.2, d, 1e-12)
}

func TestRotationsRoundTrip(t *testing.T) {
	t.Parallel()

	theta := 0.7
	vx, vy := 1.3, -0.4
	wx, wy := RotateWorldFromRobot(theta, vx, vy)
	rx, ry := RotateRobotFromWorld(theta, wx, wy)
	assert.InDelta(t, vx, rx, 1e-12)
	assert.InDelta(t, vy, ry, 1e-12)
}

func TestPoseWrapped(t *testing.T) {
	t.Parallel()

	p := Pose{X: 1, Y: 2, Theta: 3 * math.Pi}
	w := p.Wrapped()
	assert.Equal(t, 1.0, w.X)
	assert.Equal(t, 2.0, w.Y)
	assert.InDelta(t, math.Pi, w.Theta, 1e-12)
}
