package slam

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/rover-data/slam.report/internal/geom"
	"github.com/rover-data/slam.report/internal/landmark"
)

// ErrShapeMismatch reports an observation whose dimension is inconsistent
// with its landmark kind. The stream is malformed; replay aborts on it.
var ErrShapeMismatch = errors.New("slam: observation dimension inconsistent with landmark kind")

// ErrWeightDegenerate reports that every particle weight was zero or
// non-finite at a resample boundary. The filter recovers by resetting to
// uniform weights without drawing a new population; callers should log and
// continue.
var ErrWeightDegenerate = errors.New("slam: particle weights degenerate, reset to uniform")

// Observation is one typed sensor event entering the filter.
// Z is (r, φ) for unoriented fiducials, (r, φ, ψ) for oriented fiducials
// and (ρ, α) for lines. ID is the external marker id and is ignored for
// lines, which are associated by Mahalanobis gating instead.
type Observation struct {
	Kind landmark.Kind
	ID   int
	Z    []float64
}

// Settings carries the filter configuration. Normalize fills zero values
// with defaults, except the odometry noise std-devs and the seed, which are
// kept as given; SettingsFromTuning builds one from the JSON tuning config.
type Settings struct {
	NumParticles int

	// Odometry process noise std-devs (metres, radians) applied per step.
	TransNoiseStd float64
	RotNoiseStd   float64

	// Measurement noise gains: std-devs per sensor channel.
	FiducialRangeStd   float64
	FiducialBearingStd float64
	FiducialOrientStd  float64
	LineRhoStd         float64
	LineAlphaStd       float64

	// LineTau is the Mahalanobis association gate τ; a best match with
	// squared distance above τ² starts a new line landmark.
	LineTau float64

	// Resampling: every ResampleEvery accepted observations, or as soon as
	// Neff drops below NeffFraction·N.
	ResampleEvery int
	NeffFraction  float64

	// MinSeenCount is the confirmation threshold for reported landmarks.
	MinSeenCount int

	// LidarOffset is the lidar origin in the robot frame.
	LidarOffset [2]float64

	Seed uint64
}

// Normalize fills unset fields with the filter defaults.
func (s Settings) Normalize() Settings {
	if s.NumParticles <= 0 {
		s.NumParticles = 50
	}
	if s.FiducialRangeStd == 0 {
		s.FiducialRangeStd = 0.1
	}
	if s.FiducialBearingStd == 0 {
		s.FiducialBearingStd = 0.05
	}
	if s.FiducialOrientStd == 0 {
		s.FiducialOrientStd = 0.1
	}
	if s.LineRhoStd == 0 {
		s.LineRhoStd = 0.05
	}
	if s.LineAlphaStd == 0 {
		s.LineAlphaStd = 0.05
	}
	if s.LineTau == 0 {
		s.LineTau = 3
	}
	if s.ResampleEvery <= 0 {
		s.ResampleEvery = 10
	}
	if s.NeffFraction == 0 {
		s.NeffFraction = 0.5
	}
	if s.MinSeenCount <= 0 {
		s.MinSeenCount = 3
	}
	if s.LidarOffset == ([2]float64{}) {
		s.LidarOffset = [2]float64{-0.0625, 0}
	}
	return s
}

// LandmarkEstimate is one confirmed landmark in the filter output.
type LandmarkEstimate struct {
	ID        int
	Kind      landmark.Kind
	Mean      []float64
	Cov       []float64 // row-major, Dim×Dim
	SeenCount int
}

// FastSLAM owns the particle population and the per-sensor noise models.
// It is single-threaded: each sensor event is processed to completion
// before the next begins.
type FastSLAM struct {
	settings  Settings
	particles []*Particle

	// one RNG stream per particle so motion sampling is deterministic for
	// a fixed seed and stays so if the per-particle loop is ever
	// parallelised; resampling draws from its own stream
	rngs        []*rand.Rand
	resampleRng *rand.Rand

	fiducialGain2 *mat.Dense // 2×2 diag(σ_r, σ_φ)
	fiducialGain3 *mat.Dense // 3×3 diag(σ_r, σ_φ, σ_ψ)
	lineGain      *mat.Dense // 2×2 diag(σ_ρ, σ_α)

	obsSinceResample int

	// WeightResets counts degenerate-weight recoveries at resample time.
	WeightResets int
}

// New constructs a filter with N identical particles at the origin, each
// holding weight 1/N and an empty map.
func New(settings Settings) *FastSLAM {
	s := settings.Normalize()
	n := s.NumParticles

	f := &FastSLAM{
		settings:  s,
		particles: make([]*Particle, n),
		rngs:      make([]*rand.Rand, n),
		fiducialGain2: mat.NewDense(2, 2, []float64{
			s.FiducialRangeStd, 0,
			0, s.FiducialBearingStd,
		}),
		fiducialGain3: mat.NewDense(3, 3, []float64{
			s.FiducialRangeStd, 0, 0,
			0, s.FiducialBearingStd, 0,
			0, 0, s.FiducialOrientStd,
		}),
		lineGain: mat.NewDense(2, 2, []float64{
			s.LineRhoStd, 0,
			0, s.LineAlphaStd,
		}),
	}
	for i := 0; i < n; i++ {
		f.particles[i] = NewParticle(1 / float64(n))
		f.rngs[i] = rand.New(rand.NewPCG(s.Seed, uint64(i)+1))
	}
	f.resampleRng = rand.New(rand.NewPCG(s.Seed, uint64(n)+1))
	return f
}

// Settings returns the normalised settings the filter runs with.
func (f *FastSLAM) Settings() Settings { return f.settings }

// Particles returns the current population in order.
func (f *FastSLAM) Particles() []*Particle { return f.particles }

// PerformAction propagates every particle through the odometry delta
// (Δs, Δθ) with an independent motion-noise realisation:
//
//	x' = x + (Δs + ε_s) cos(θ + Δθ/2)
//	y' = y + (Δs + ε_s) sin(θ + Δθ/2)
//	θ' = wrap(θ + Δθ + ε_θ)
func (f *FastSLAM) PerformAction(ds, dtheta float64) {
	for i, p := range f.particles {
		epsS := distuv.Normal{Mu: 0, Sigma: f.settings.TransNoiseStd, Src: f.rngs[i]}.Rand()
		epsT := distuv.Normal{Mu: 0, Sigma: f.settings.RotNoiseStd, Src: f.rngs[i]}.Rand()
		p.ApplyAction(func(pose geom.Pose) geom.Pose {
			heading := pose.Theta + dtheta/2
			return geom.Pose{
				X:     pose.X + (ds+epsS)*math.Cos(heading),
				Y:     pose.Y + (ds+epsS)*math.Sin(heading),
				Theta: pose.Theta + dtheta + epsT,
			}
		})
	}
}

// MakeObservation routes one observation through every particle. Weights
// accumulate multiplicatively; normalization happens only at the resample
// boundary.
func (f *FastSLAM) MakeObservation(obs Observation) error {
	if len(obs.Z) != obs.Kind.Dim() {
		return fmt.Errorf("%w: %s wants %d values, got %d", ErrShapeMismatch, obs.Kind, obs.Kind.Dim(), len(obs.Z))
	}
	tauSq := f.settings.LineTau * f.settings.LineTau
	for _, p := range f.particles {
		switch obs.Kind {
		case landmark.Unoriented:
			p.MakeUnorientedObservation(obs.ID, obs.Z[0], obs.Z[1], f.fiducialGain2)
		case landmark.Oriented:
			p.MakeOrientedObservation(obs.ID, obs.Z[0], obs.Z[1], obs.Z[2], f.fiducialGain3)
		case landmark.Line:
			p.MakeLineObservation(obs.Z[0], obs.Z[1], f.lineGain, tauSq, f.settings.LidarOffset)
		}
	}
	f.obsSinceResample++
	return nil
}

// Neff returns the effective sample size (Σw)² / Σw² of the current
// weights.
func (f *FastSLAM) Neff() float64 {
	var sum, sumSq float64
	for _, p := range f.particles {
		sum += p.Weight
		sumSq += p.Weight * p.Weight
	}
	if sumSq == 0 {
		return 0
	}
	return sum * sum / sumSq
}

// ShouldResample reports whether the cadence or the adaptive Neff trigger
// has fired since the last resample.
func (f *FastSLAM) ShouldResample() bool {
	if f.obsSinceResample >= f.settings.ResampleEvery {
		return true
	}
	return f.Neff() < f.settings.NeffFraction*float64(f.settings.NumParticles)
}

// Resample replaces the population by low-variance (systematic)
// resampling. Weights are normalised first; if the total is zero or
// non-finite the population is kept and weights reset to uniform, returning
// ErrWeightDegenerate as a recoverable warning. After a successful resample
// every weight is 1/N and descendants of a shared parent are isolated by
// clone-on-write.
func (f *FastSLAM) Resample() error {
	n := len(f.particles)
	uniform := 1 / float64(n)

	var total float64
	finite := true
	for _, p := range f.particles {
		if math.IsNaN(p.Weight) || math.IsInf(p.Weight, 0) {
			finite = false
			break
		}
		total += p.Weight
	}
	if !finite || total <= 0 {
		for _, p := range f.particles {
			p.Weight = uniform
		}
		f.WeightResets++
		f.obsSinceResample = 0
		return ErrWeightDegenerate
	}

	for _, p := range f.particles {
		p.Weight /= total
	}

	// Systematic resampling: one uniform offset, then equal strides of
	// 1/N through the cumulative weights.
	u := f.resampleRng.Float64() * uniform
	next := make([]*Particle, n)
	cum := f.particles[0].Weight
	src := 0
	for k := 0; k < n; k++ {
		target := u + float64(k)*uniform
		for cum < target && src < n-1 {
			src++
			cum += f.particles[src].Weight
		}
		next[k] = f.particles[src].Copy()
		next[k].Weight = uniform
	}

	// Drop the old population's map references so clone-on-write counts
	// only live owners.
	for _, p := range f.particles {
		p.m.refs--
	}

	f.particles = next
	f.obsSinceResample = 0
	return nil
}

// BestParticle returns the maximum-weight particle, lowest index winning
// ties.
func (f *FastSLAM) BestParticle() *Particle {
	best := f.particles[0]
	for _, p := range f.particles[1:] {
		if p.Weight > best.Weight {
			best = p
		}
	}
	return best
}

// Location returns the best particle's pose.
func (f *FastSLAM) Location() geom.Pose {
	return f.BestParticle().Pose
}

// ConfirmedLandmarks returns the best particle's landmarks whose seen
// count has reached the confirmation threshold, in ascending id order.
func (f *FastSLAM) ConfirmedLandmarks() []LandmarkEstimate {
	best := f.BestParticle()
	var out []LandmarkEstimate
	for _, id := range best.Map().IDs() {
		lm := best.Map().Landmark(id)
		if lm.SeenCount() < f.settings.MinSeenCount {
			continue
		}
		dim := lm.Kind().Dim()
		mean := make([]float64, dim)
		for i := 0; i < dim; i++ {
			mean[i] = lm.Mean().AtVec(i)
		}
		cov := make([]float64, 0, dim*dim)
		for i := 0; i < dim; i++ {
			for j := 0; j < dim; j++ {
				cov = append(cov, lm.Covariance().At(i, j))
			}
		}
		out = append(out, LandmarkEstimate{
			ID:        id,
			Kind:      lm.Kind(),
			Mean:      mean,
			Cov:       cov,
			SeenCount: lm.SeenCount(),
		})
	}
	return out
}
