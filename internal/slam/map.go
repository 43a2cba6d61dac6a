// Package slam implements the Rao-Blackwellized particle filter: per-particle
// landmark maps with online data association, the particles themselves and
// the FastSLAM filter loop with low-variance resampling.
package slam

import (
	"log"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/rover-data/slam.report/internal/landmark"
)

// FiducialIDOffset shifts external marker ids into the positive key range
// reserved for fiducial landmarks so they can never collide with the
// negative keys handed to lines.
const FiducialIDOffset = 1000

// Map is the landmark map owned by one particle: landmark id → estimator.
// Fiducial keys are strictly positive, line keys strictly negative.
//
// Maps are shared between particles after a resample and cloned on first
// mutation; see Particle. The refs counter tracks how many particles
// currently point at this map.
type Map struct {
	landmarks map[int]*landmark.Landmark
	refs      int
}

// NewMap returns an empty map owned by a single particle.
func NewMap() *Map {
	return &Map{landmarks: make(map[int]*landmark.Landmark), refs: 1}
}

// Landmark returns the landmark stored under id, or nil.
func (m *Map) Landmark(id int) *landmark.Landmark { return m.landmarks[id] }

// Len returns the number of landmarks.
func (m *Map) Len() int { return len(m.landmarks) }

// IDs returns all landmark ids in ascending order. Sorted so that every
// iteration over the map is deterministic for a fixed seed.
func (m *Map) IDs() []int {
	ids := make([]int, 0, len(m.landmarks))
	for id := range m.landmarks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// LineIDs returns the ids of line landmarks (negative keys), ascending.
func (m *Map) LineIDs() []int {
	ids := make([]int, 0, len(m.landmarks))
	for id := range m.landmarks {
		if id < 0 {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

// NextLineID returns the key for a fresh line landmark: one less than the
// current minimum line key, or −1 when no line exists yet.
func (m *Map) NextLineID() int {
	next := -1
	for id := range m.landmarks {
		if id < 0 && id <= next {
			next = id - 1
		}
	}
	return next
}

// share hands the map to one more particle.
func (m *Map) share() *Map {
	m.refs++
	return m
}

// clone deep-copies every landmark into a fresh single-owner map.
func (m *Map) clone() *Map {
	c := &Map{landmarks: make(map[int]*landmark.Landmark, len(m.landmarks)), refs: 1}
	for id, lm := range m.landmarks {
		c.landmarks[id] = lm.Clone()
	}
	return c
}

// Update folds one observation into the map and returns the particle's
// multiplicative weight factor.
//
// An unknown id initialises a new landmark from the measurement: the state
// is h⁻¹(z) and the covariance is the measurement noise projected into
// state space, Hx⁻¹ Hn Hnᵀ Hx⁻ᵀ. Creation returns ok=false — the NO-UPDATE
// sentinel — because a fresh landmark carries no evidence about the
// particle and must not touch its weight.
//
// A known id contributes the unnormalized measurement likelihood as the
// weight factor and then updates the landmark's EKF. A singular innovation
// covariance skips the update and also reports ok=false.
func (m *Map) Update(id int, kind landmark.Kind, z *mat.VecDense, ctx *landmark.Context) (weight float64, ok bool) {
	lm, exists := m.landmarks[id]
	if !exists {
		_, hInv, hx, hn := kind.Model()
		x0 := hInv(z, ctx)

		jn := hn(x0, ctx)
		jx := hx(x0, ctx)
		var jxInv mat.Dense
		if err := jxInv.Inverse(jx); err != nil {
			log.Printf("slam: dropping %s observation for id %d: measurement Jacobian not invertible: %v", kind, id, err)
			return 0, false
		}
		var cov0 mat.Dense
		cov0.Product(&jxInv, jn, jn.T(), jxInv.T())

		m.landmarks[id] = landmark.New(kind, x0, &cov0)
		return 0, false
	}

	likelihood, err := lm.Likelihood(z, ctx, false)
	if err != nil {
		log.Printf("slam: skipping update for landmark %d: %v", id, err)
		return 0, false
	}
	_, hInv, _, _ := kind.Model()
	if err := lm.Update(hInv(z, ctx), ctx); err != nil {
		log.Printf("slam: skipping update for landmark %d: %v", id, err)
		return 0, false
	}
	return likelihood, true
}
