// Package replay drives a FastSLAM filter from a recorded sensor-data
// container. Events are merged in timestamp order; within one timestamp
// odometry is applied before lidar-derived observations, and camera
// detections come last, so motion always precedes the measurements of the
// same step.
package replay

import (
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/rover-data/slam.report/internal/geom"
	"github.com/rover-data/slam.report/internal/landmark"
	"github.com/rover-data/slam.report/internal/sensordata"
	"github.com/rover-data/slam.report/internal/slam"
	"github.com/rover-data/slam.report/internal/timeutil"
)

// ErrOrderViolation reports a stream whose timestamps go backwards. The
// container is malformed; replay aborts rather than reorder (best-effort
// reordering belongs to the producer).
var ErrOrderViolation = errors.New("replay: non-monotonic timestamps")

// Step is the filter output after one processed event.
type Step struct {
	UnixNanos int64
	Source    string // "odometry", "lidar", "lines" or "camera"
	Pose      geom.Pose
	Neff      float64
	Resampled bool
}

// Options configure a replay run.
type Options struct {
	// Realtime paces events by their recorded spacing on Clock.
	Realtime bool
	Clock    timeutil.Clock

	// OnStep, when non-nil, receives the filter output after every event.
	OnStep func(Step)
}

// Driver replays one container through one filter.
type Driver struct {
	filter *slam.FastSLAM
	data   *sensordata.SensorData
	opts   Options

	havePrevOdom bool
	prevOdom     sensordata.OdometrySample
}

// New builds a driver. The filter must be freshly constructed; replaying
// into a filter that has already consumed events mixes trajectories.
func New(filter *slam.FastSLAM, data *sensordata.SensorData, opts Options) *Driver {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	return &Driver{filter: filter, data: data, opts: opts}
}

// stream priorities fix the intra-timestamp order.
const (
	srcOdometry = iota
	srcLidar
	srcLines
	srcCamera
)

var srcNames = [...]string{"odometry", "lidar", "lines", "camera"}

// Run replays the container to end-of-stream. It returns on the first
// order or shape violation; numerical trouble inside the filter recovers
// locally and only logs.
func (d *Driver) Run() error {
	if err := checkMonotonic(d.data); err != nil {
		return err
	}

	var cursor [4]int
	next := func(src int) (int64, bool) {
		switch src {
		case srcOdometry:
			if cursor[src] < len(d.data.Odometry) {
				return d.data.Odometry[cursor[src]].UnixNanos, true
			}
		case srcLidar:
			if cursor[src] < len(d.data.Lidar) {
				return d.data.Lidar[cursor[src]].UnixNanos, true
			}
		case srcLines:
			if cursor[src] < len(d.data.Lines) {
				return d.data.Lines[cursor[src]].UnixNanos, true
			}
		case srcCamera:
			if cursor[src] < len(d.data.Camera) {
				return d.data.Camera[cursor[src]].UnixNanos, true
			}
		}
		return 0, false
	}

	var t0 int64
	haveT0 := false
	start := d.opts.Clock.Now()

	for {
		src, t := -1, int64(math.MaxInt64)
		// scan in priority order so ties resolve odometry → lidar →
		// lines → camera
		for s := srcOdometry; s <= srcCamera; s++ {
			if ts, ok := next(s); ok && ts < t {
				src, t = s, ts
			}
		}
		if src < 0 {
			return nil
		}

		if !haveT0 {
			t0, haveT0 = t, true
		}
		if d.opts.Realtime {
			target := time.Duration(t - t0)
			if lag := target - d.opts.Clock.Since(start); lag > 0 {
				d.opts.Clock.Sleep(lag)
			}
		}

		resampled, err := d.process(src, cursor[src])
		if err != nil {
			return fmt.Errorf("replay: event at %d ns: %w", t, err)
		}
		cursor[src]++

		if d.opts.OnStep != nil {
			d.opts.OnStep(Step{
				UnixNanos: t,
				Source:    srcNames[src],
				Pose:      d.filter.Location(),
				Neff:      d.filter.Neff(),
				Resampled: resampled,
			})
		}
	}
}

func (d *Driver) process(src, idx int) (resampled bool, err error) {
	switch src {
	case srcOdometry:
		sample := d.data.Odometry[idx]
		if d.havePrevOdom {
			// successive differences: translation magnitude and wrapped
			// heading change between consecutive readings
			ds := math.Hypot(sample.X-d.prevOdom.X, sample.Y-d.prevOdom.Y)
			dtheta := geom.AngleDiff(sample.Theta, d.prevOdom.Theta)
			d.filter.PerformAction(ds, dtheta)
		}
		d.prevOdom, d.havePrevOdom = sample, true
		return false, nil

	case srcLidar:
		// raw scans only mark time; line extraction is the producer's job
		return false, nil

	case srcLines:
		sample := d.data.Lines[idx]
		if len(sample.Lines)%2 != 0 {
			return false, fmt.Errorf("%w: odd-length line array", slam.ErrShapeMismatch)
		}
		for i := 0; i+1 < len(sample.Lines); i += 2 {
			obs := slam.Observation{Kind: landmark.Line, Z: sample.Lines[i : i+2]}
			if err := d.filter.MakeObservation(obs); err != nil {
				return false, err
			}
		}
		return d.maybeResample(), nil

	case srcCamera:
		sample := d.data.Camera[idx]
		for _, det := range sample.Detections {
			obs := slam.Observation{
				Kind: landmark.Oriented,
				ID:   det.MarkerID,
				Z:    []float64{det.Range, det.Bearing, det.Orient},
			}
			if err := d.filter.MakeObservation(obs); err != nil {
				return false, err
			}
		}
		return d.maybeResample(), nil
	}
	return false, nil
}

func (d *Driver) maybeResample() bool {
	if !d.filter.ShouldResample() {
		return false
	}
	if err := d.filter.Resample(); err != nil {
		// recoverable: weights were reset to uniform
		log.Printf("replay: %v", err)
	}
	return true
}

func checkMonotonic(data *sensordata.SensorData) error {
	for i := 1; i < len(data.Odometry); i++ {
		if data.Odometry[i].UnixNanos < data.Odometry[i-1].UnixNanos {
			return fmt.Errorf("%w: odometry[%d]", ErrOrderViolation, i)
		}
	}
	for i := 1; i < len(data.Lidar); i++ {
		if data.Lidar[i].UnixNanos < data.Lidar[i-1].UnixNanos {
			return fmt.Errorf("%w: lidar[%d]", ErrOrderViolation, i)
		}
	}
	for i := 1; i < len(data.Lines); i++ {
		if data.Lines[i].UnixNanos < data.Lines[i-1].UnixNanos {
			return fmt.Errorf("%w: lines[%d]", ErrOrderViolation, i)
		}
	}
	for i := 1; i < len(data.Camera); i++ {
		if data.Camera[i].UnixNanos < data.Camera[i-1].UnixNanos {
			return fmt.Errorf("%w: camera[%d]", ErrOrderViolation, i)
		}
	}
	return nil
}
