// Package sensordata defines the persisted sensor-data container shared by
// the capture producer and the replay tool: timestamped odometry, lidar and
// camera streams plus provenance metadata. Files are zstd-compressed CBOR
// envelopes; a SHA-1 content hash over the pose-relevant streams serves as
// the replay cache key.
package sensordata

import (
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"math"
)

// OdometrySample is one odometric pose reading in the world frame.
type OdometrySample struct {
	UnixNanos int64   `cbor:"t"`
	Theta     float64 `cbor:"theta"`
	X         float64 `cbor:"x"`
	Y         float64 `cbor:"y"`
}

// LidarSample is one raw scan. Turning ranges into line observations is an
// external concern; when the producer has already extracted lines they ride
// in the Lines stream instead.
type LidarSample struct {
	UnixNanos int64     `cbor:"t"`
	Ranges    []float64 `cbor:"ranges"`
}

// LineSample is one set of extracted line observations (ρ, α) in the robot
// frame, interleaved [ρ₀, α₀, ρ₁, α₁, …].
type LineSample struct {
	UnixNanos int64     `cbor:"t"`
	Lines     []float64 `cbor:"lines"`
}

// Detection is one fiducial marker detection in the robot frame.
type Detection struct {
	MarkerID int     `cbor:"id"`
	Bearing  float64 `cbor:"bearing"`
	Range    float64 `cbor:"range"`
	Orient   float64 `cbor:"orient"`
}

// CameraSample is one camera frame's detections. Image holds the optional
// compressed frame bytes; the filter never reads them and the content hash
// excludes them.
type CameraSample struct {
	UnixNanos  int64       `cbor:"t"`
	Detections []Detection `cbor:"detections"`
	Image      []byte      `cbor:"image,omitempty"`
}

// Simulation is the optional ground-truth annotation attached to
// synthetically generated containers.
type Simulation struct {
	SamplingTime float64     `cbor:"sampling_time"`
	Poses        [][3]float64 `cbor:"poses"`     // (x, y, θ) per step
	Landmarks    [][2]float64 `cbor:"landmarks"` // true landmark positions
}

// SensorData is the container payload.
type SensorData struct {
	Odometry []OdometrySample `cbor:"odometry"`
	Lidar    []LidarSample    `cbor:"lidar"`
	Lines    []LineSample     `cbor:"lines,omitempty"`
	Camera   []CameraSample   `cbor:"camera"`

	Comment    string      `cbor:"comment,omitempty"`
	FromRosbag bool        `cbor:"from_rosbag,omitempty"`
	Sim        *Simulation `cbor:"sim,omitempty"`

	hash string
}

// Hash returns the SHA-1 content hash over the odometry and lidar streams
// plus camera detection ids and arrays. Timestamps are hashed as IEEE-754
// float64 little-endian bytes followed by the row-major array values, so
// the result is deterministic across platforms. Images, comments and other
// pose-irrelevant fields are excluded. The value is memoised.
func (d *SensorData) Hash() string {
	if d.hash != "" {
		return d.hash
	}
	h := sha1.New()
	buf := make([]byte, 8)
	writeF64 := func(v float64) {
		binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
		h.Write(buf)
	}
	for _, o := range d.Odometry {
		writeF64(float64(o.UnixNanos))
		writeF64(o.Theta)
		writeF64(o.X)
		writeF64(o.Y)
	}
	for _, l := range d.Lidar {
		writeF64(float64(l.UnixNanos))
		for _, r := range l.Ranges {
			writeF64(r)
		}
	}
	for _, c := range d.Camera {
		writeF64(float64(c.UnixNanos))
		for _, det := range c.Detections {
			writeF64(float64(det.MarkerID))
			writeF64(det.Bearing)
			writeF64(det.Range)
			writeF64(det.Orient)
		}
	}
	d.hash = hex.EncodeToString(h.Sum(nil))
	return d.hash
}
