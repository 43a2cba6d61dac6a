package slam

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/rover-data/slam.report/internal/geom"
	"github.com/rover-data/slam.report/internal/landmark"
)

// Particle is one trajectory hypothesis: a pose, the map conditioned on
// that trajectory and an importance weight.
type Particle struct {
	Pose   geom.Pose
	Weight float64

	m *Map
}

// NewParticle returns a fresh particle at the origin with weight w and an
// empty map.
func NewParticle(w float64) *Particle {
	return &Particle{Weight: w, m: NewMap()}
}

// Map exposes the particle's map for inspection. Callers must not mutate
// landmarks through it; mutation goes through the observation methods so
// copy-on-write stays correct.
func (p *Particle) Map() *Map { return p.m }

// Copy produces a descendant sharing this particle's map. The map is
// cloned lazily on the first mutating observation, so resampling the same
// parent many times costs nothing until the descendants diverge.
func (p *Particle) Copy() *Particle {
	return &Particle{Pose: p.Pose, Weight: p.Weight, m: p.m.share()}
}

// ownMap makes the particle the sole owner of its map, cloning if the map
// is still shared with siblings from a resample.
func (p *Particle) ownMap() {
	if p.m.refs > 1 {
		p.m.refs--
		p.m = p.m.clone()
	}
}

// ApplyAction moves the pose through a sampled motion model. f is invoked
// once with this particle's pose; the filter supplies a fresh noise
// realisation per particle.
func (p *Particle) ApplyAction(f func(geom.Pose) geom.Pose) {
	p.Pose = f(p.Pose).Wrapped()
}

// MakeUnorientedObservation folds a range/bearing fiducial detection into
// the map. The landmark id is the external marker id shifted into the
// fiducial key range. Reports whether the weight changed.
func (p *Particle) MakeUnorientedObservation(markerID int, r, phi float64, nGain *mat.Dense) bool {
	p.ownMap()

	z := mat.NewVecDense(2, []float64{r * math.Cos(phi), r * math.Sin(phi)})
	ctx := &landmark.Context{
		Px: p.Pose.X, Py: p.Pose.Y, Theta: p.Pose.Theta,
		NGain: nGain,
	}
	w, ok := p.m.Update(markerID+FiducialIDOffset, landmark.Unoriented, z, ctx)
	if !ok {
		return false
	}
	p.Weight *= w
	return true
}

// MakeOrientedObservation folds a range/bearing/orientation fiducial
// detection into the map. ψ is the marker's in-plane orientation in the
// robot frame.
func (p *Particle) MakeOrientedObservation(markerID int, r, phi, psi float64, nGain *mat.Dense) bool {
	p.ownMap()

	z := mat.NewVecDense(3, []float64{r * math.Cos(phi), r * math.Sin(phi), psi})
	ctx := &landmark.Context{
		Px: p.Pose.X, Py: p.Pose.Y, Theta: p.Pose.Theta,
		NGain: nGain,
	}
	w, ok := p.m.Update(markerID+FiducialIDOffset, landmark.Oriented, z, ctx)
	if !ok {
		return false
	}
	p.Weight *= w
	return true
}

// MakeLineObservation associates a robot-frame line measurement (ρ, α)
// with the nearest existing line landmark by squared Mahalanobis distance,
// or creates a new one when the best match is outside tauSq. Reports
// whether the weight changed.
func (p *Particle) MakeLineObservation(rho, alpha float64, nGain *mat.Dense, tauSq float64, lidarOffset [2]float64) bool {
	p.ownMap()

	rho, alpha = landmark.CanonicalLine(rho, alpha)
	z := mat.NewVecDense(2, []float64{rho, alpha})
	ctx := &landmark.Context{
		Px: p.Pose.X, Py: p.Pose.Y, Theta: p.Pose.Theta,
		NGain:       nGain,
		LidarOffset: lidarOffset,
	}

	bestID := 0
	bestDistSq := math.Inf(1)
	for _, id := range p.m.LineIDs() {
		distSq, err := p.m.Landmark(id).MahalanobisSq(z, ctx)
		if err != nil {
			continue
		}
		if distSq < bestDistSq {
			bestDistSq, bestID = distSq, id
		}
	}
	if bestDistSq > tauSq {
		bestID = p.m.NextLineID()
	}

	w, ok := p.m.Update(bestID, landmark.Line, z, ctx)
	if !ok {
		return false
	}
	p.Weight *= w
	return true
}
