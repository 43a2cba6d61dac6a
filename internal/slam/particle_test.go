package slam

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/rover-data/slam.report/internal/geom"
)

func fiducialGain() *mat.Dense {
	return mat.NewDense(2, 2, []float64{0.1, 0, 0, 0.05})
}

func lineGain() *mat.Dense {
	return mat.NewDense(2, 2, []float64{0.05, 0, 0, 0.05})
}

func TestParticleApplyActionWrapsHeading(t *testing.T) {
	t.Parallel()

	p := NewParticle(1)
	p.ApplyAction(func(pose geom.Pose) geom.Pose {
		pose.Theta += 3 * math.Pi
		return pose
	})
	assert.InDelta(t, math.Pi, p.Pose.Theta, 1e-12)
}

func TestFiducialObservationUsesShiftedKey(t *testing.T) {
	t.Parallel()

	p := NewParticle(1)
	changed := p.MakeUnorientedObservation(7, 2, 0, fiducialGain())
	assert.False(t, changed, "first sighting must not touch the weight")
	assert.Equal(t, 1.0, p.Weight)
	require.NotNil(t, p.Map().Landmark(7+FiducialIDOffset))

	changed = p.MakeUnorientedObservation(7, 2, 0, fiducialGain())
	assert.True(t, changed)
	assert.Equal(t, 1, p.Map().Len(), "same marker id must reuse its landmark")
}

func TestOrientedObservation(t *testing.T) {
	t.Parallel()

	p := NewParticle(1)
	gain := mat.NewDense(3, 3, []float64{0.1, 0, 0, 0, 0.05, 0, 0, 0, 0.1})

	p.MakeOrientedObservation(3, 2, 0, 0.5, gain)
	lm := p.Map().Landmark(3 + FiducialIDOffset)
	require.NotNil(t, lm)
	require.Equal(t, 3, lm.Mean().Len())
	// robot at origin facing +x: world position (2, 0), orientation 0.5
	assert.InDelta(t, 2, lm.Mean().AtVec(0), 1e-12)
	assert.InDelta(t, 0, lm.Mean().AtVec(1), 1e-12)
	assert.InDelta(t, 0.5, lm.Mean().AtVec(2), 1e-12)

	changed := p.MakeOrientedObservation(3, 2, 0, 0.5, gain)
	assert.True(t, changed)
	assert.InDelta(t, 1, p.Weight, 1e-9)
}

func TestLineAssociation(t *testing.T) {
	t.Parallel()

	p := NewParticle(1)
	tauSq := 9.0
	offset := [2]float64{}

	// first line: fresh key −1
	p.MakeLineObservation(1, 0, lineGain(), tauSq, offset)
	assert.Equal(t, []int{-1}, p.Map().LineIDs())

	// a clearly different line opens key −2
	p.MakeLineObservation(1, math.Pi/2, lineGain(), tauSq, offset)
	assert.Equal(t, []int{-2, -1}, p.Map().LineIDs())

	// re-observing the first line associates instead of allocating
	changed := p.MakeLineObservation(1.01, 0.01, lineGain(), tauSq, offset)
	assert.True(t, changed)
	assert.Equal(t, []int{-2, -1}, p.Map().LineIDs())
	assert.Equal(t, 2, p.Map().Landmark(-1).SeenCount())
	assert.Equal(t, 1, p.Map().Landmark(-2).SeenCount())
}

func TestLineObservationCanonicalisesInput(t *testing.T) {
	t.Parallel()

	p := NewParticle(1)
	p.MakeLineObservation(-1, 0, lineGain(), 9, [2]float64{})
	lm := p.Map().Landmark(-1)
	require.NotNil(t, lm)
	// (−1, 0) is the same line as (1, π)
	assert.InDelta(t, 1, lm.Mean().AtVec(0), 1e-9)
	assert.InDelta(t, math.Pi, math.Abs(lm.Mean().AtVec(1)), 1e-9)
}

func TestCopyOnWriteIsolation(t *testing.T) {
	t.Parallel()

	parent := NewParticle(1)
	parent.MakeUnorientedObservation(1, 2, 0, fiducialGain())

	a := parent.Copy()
	b := parent.Copy()
	require.Same(t, a.Map(), b.Map(), "copies share the map until mutation")

	a.MakeUnorientedObservation(1, 2.1, 0.05, fiducialGain())
	assert.NotSame(t, a.Map(), b.Map(), "mutation must trigger the clone")
	assert.Equal(t, 2, a.Map().Landmark(1+FiducialIDOffset).SeenCount())
	assert.Equal(t, 1, b.Map().Landmark(1+FiducialIDOffset).SeenCount(),
		"sibling descendant observed the mutation")

	// pose and weight are independent scalars
	a.Pose.X = 5
	a.Weight = 0.25
	assert.Zero(t, b.Pose.X)
	assert.Equal(t, 1.0, b.Weight)
}
