package slam

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rover-data/slam.report/internal/geom"
	"github.com/rover-data/slam.report/internal/landmark"
)

func testSettings(n int) Settings {
	return Settings{
		NumParticles:       n,
		TransNoiseStd:      0.01,
		RotNoiseStd:        0.005,
		FiducialRangeStd:   0.1,
		FiducialBearingStd: 0.05,
		FiducialOrientStd:  0.1,
		LineRhoStd:         0.05,
		LineAlphaStd:       0.05,
		LineTau:            3,
		ResampleEvery:      10,
		NeffFraction:       0.5,
		MinSeenCount:       3,
		LidarOffset:        [2]float64{-0.0625, 0},
		Seed:               42,
	}
}

func TestNewPopulation(t *testing.T) {
	t.Parallel()

	f := New(testSettings(20))
	require.Len(t, f.Particles(), 20)
	for _, p := range f.Particles() {
		assert.Equal(t, geom.Pose{}, p.Pose)
		assert.InDelta(t, 0.05, p.Weight, 1e-12)
		assert.Zero(t, p.Map().Len())
	}
	assert.InDelta(t, 20, f.Neff(), 1e-9)
}

func TestPerformActionMovesParticles(t *testing.T) {
	t.Parallel()

	f := New(testSettings(10))
	for i := 0; i < 5; i++ {
		f.PerformAction(0.1, 0)
	}
	for _, p := range f.Particles() {
		assert.InDelta(t, 0.5, p.Pose.X, 0.2)
		assert.InDelta(t, 0, p.Pose.Y, 0.2)
	}
}

func TestPerformActionNoiseDiffersAcrossParticles(t *testing.T) {
	t.Parallel()

	f := New(testSettings(10))
	f.PerformAction(1, 0)
	first := f.Particles()[0].Pose.X
	same := true
	for _, p := range f.Particles()[1:] {
		if p.Pose.X != first {
			same = false
		}
	}
	assert.False(t, same, "every particle drew the identical noise sample")
}

func TestMakeObservationShapeMismatch(t *testing.T) {
	t.Parallel()

	f := New(testSettings(5))
	err := f.MakeObservation(Observation{Kind: landmark.Oriented, ID: 1, Z: []float64{1, 2}})
	require.ErrorIs(t, err, ErrShapeMismatch)

	err = f.MakeObservation(Observation{Kind: landmark.Line, Z: []float64{1, 2, 3}})
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestResampleNormalises(t *testing.T) {
	t.Parallel()

	f := New(testSettings(8))
	for i, p := range f.Particles() {
		p.Weight = float64(i + 1)
	}
	require.NoError(t, f.Resample())

	var sum float64
	for _, p := range f.Particles() {
		assert.InDelta(t, 1.0/8, p.Weight, 1e-12)
		sum += p.Weight
	}
	assert.InDelta(t, 1, sum, 1e-12)
	assert.InDelta(t, 8, f.Neff(), 1e-9, "Neff must equal N right after a resample")
}

func TestResampleDegenerateWeights(t *testing.T) {
	t.Parallel()

	t.Run("all zero", func(t *testing.T) {
		f := New(testSettings(6))
		before := f.Particles()
		for _, p := range before {
			p.Weight = 0
		}
		err := f.Resample()
		require.ErrorIs(t, err, ErrWeightDegenerate)
		assert.Equal(t, 1, f.WeightResets)
		for i, p := range f.Particles() {
			assert.Same(t, before[i], p, "degenerate recovery must not draw a new population")
			assert.InDelta(t, 1.0/6, p.Weight, 1e-12)
		}
	})

	t.Run("non-finite", func(t *testing.T) {
		f := New(testSettings(6))
		f.Particles()[2].Weight = math.NaN()
		err := f.Resample()
		require.ErrorIs(t, err, ErrWeightDegenerate)
		for _, p := range f.Particles() {
			assert.InDelta(t, 1.0/6, p.Weight, 1e-12)
		}
	})
}

func TestResampleCollapsesOntoSurvivor(t *testing.T) {
	t.Parallel()

	f := New(testSettings(6))
	// scatter poses, then kill every weight but one
	f.PerformAction(0.5, 0.1)
	survivor := f.Particles()[3]
	for i, p := range f.Particles() {
		if i == 3 {
			p.Weight = 1
		} else {
			p.Weight = 0
		}
	}
	survivor.MakeUnorientedObservation(1, 2, 0, f.fiducialGain2)

	require.NoError(t, f.Resample())
	for _, p := range f.Particles() {
		assert.Equal(t, survivor.Pose, p.Pose)
		assert.InDelta(t, 1.0/6, p.Weight, 1e-12)
		require.NotNil(t, p.Map().Landmark(1+FiducialIDOffset))
	}

	// mutating one descendant must not leak into its siblings
	mutated := f.Particles()[0]
	mutated.MakeUnorientedObservation(1, 2.2, 0.1, f.fiducialGain2)
	assert.Equal(t, 2, mutated.Map().Landmark(1+FiducialIDOffset).SeenCount())
	for _, p := range f.Particles()[1:] {
		assert.Equal(t, 1, p.Map().Landmark(1+FiducialIDOffset).SeenCount(),
			"sibling map changed through a shared reference")
	}
}

func TestShouldResampleCadence(t *testing.T) {
	t.Parallel()

	s := testSettings(4)
	s.ResampleEvery = 2
	s.NeffFraction = 0 // Normalize restores 0.5; weights stay equal, so only the cadence fires
	f := New(s)

	obs := Observation{Kind: landmark.Unoriented, ID: 1, Z: []float64{2, 0}}
	require.NoError(t, f.MakeObservation(obs))
	assert.False(t, f.ShouldResample())
	require.NoError(t, f.MakeObservation(obs))
	assert.True(t, f.ShouldResample())

	require.NoError(t, f.Resample())
	assert.False(t, f.ShouldResample(), "cadence counter must reset on resample")
}

func TestLocationPrefersLowestIndexOnTies(t *testing.T) {
	t.Parallel()

	f := New(testSettings(4))
	f.Particles()[1].Pose = geom.Pose{X: 1}
	f.Particles()[2].Pose = geom.Pose{X: 2}
	// all weights equal: index 0 wins
	assert.Equal(t, geom.Pose{}, f.Location())

	f.Particles()[2].Weight = 10
	assert.Equal(t, geom.Pose{X: 2}, f.Location())
}

func TestConfirmedLandmarksFilterBySeenCount(t *testing.T) {
	t.Parallel()

	s := testSettings(1)
	s.MinSeenCount = 3
	f := New(s)

	obs := Observation{Kind: landmark.Unoriented, ID: 1, Z: []float64{2, 0}}
	require.NoError(t, f.MakeObservation(obs))
	require.NoError(t, f.MakeObservation(obs))
	assert.Empty(t, f.ConfirmedLandmarks(), "seen twice, threshold is three")

	require.NoError(t, f.MakeObservation(obs))
	confirmed := f.ConfirmedLandmarks()
	require.Len(t, confirmed, 1)
	assert.Equal(t, 1+FiducialIDOffset, confirmed[0].ID)
	assert.Equal(t, landmark.Unoriented, confirmed[0].Kind)
	assert.Equal(t, 3, confirmed[0].SeenCount)
	assert.Len(t, confirmed[0].Mean, 2)
	assert.Len(t, confirmed[0].Cov, 4)
}

func TestDeterminismAcrossRuns(t *testing.T) {
	t.Parallel()

	trace := func() []geom.Pose {
		f := New(testSettings(15))
		var poses []geom.Pose
		for i := 0; i < 30; i++ {
			f.PerformAction(0.05, 0.01)
			require.NoError(t, f.MakeObservation(Observation{
				Kind: landmark.Unoriented, ID: 1, Z: []float64{2, 0.1},
			}))
			if f.ShouldResample() {
				require.NoError(t, f.Resample())
			}
			poses = append(poses, f.Location())
		}
		return poses
	}

	a := trace()
	b := trace()
	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("identical seeds diverged (-first +second):\n%s", diff)
	}
}
