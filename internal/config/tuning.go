// Package config loads the filter tuning parameters from JSON. Fields are
// pointers so a partial file overrides only what it names; every getter
// returns a documented default when the field is absent.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig represents the root configuration for filter tuning. The
// same JSON schema is accepted by the CLI -config flag.
type TuningConfig struct {
	// Particle filter params
	NumParticles *int    `json:"num_particles,omitempty"`
	Seed         *uint64 `json:"seed,omitempty"`

	// Odometry process noise (std-devs per step)
	TransNoiseStd *float64 `json:"trans_noise_std,omitempty"`
	RotNoiseStd   *float64 `json:"rot_noise_std,omitempty"`

	// Fiducial measurement noise
	FiducialRangeStd   *float64 `json:"fiducial_range_std,omitempty"`
	FiducialBearingStd *float64 `json:"fiducial_bearing_std,omitempty"`
	FiducialOrientStd  *float64 `json:"fiducial_orient_std,omitempty"`

	// Line measurement noise and association gate
	LineRhoStd   *float64 `json:"line_rho_std,omitempty"`
	LineAlphaStd *float64 `json:"line_alpha_std,omitempty"`
	LineTau      *float64 `json:"line_tau,omitempty"`

	// Resampling
	ResampleEvery *int     `json:"resample_every,omitempty"`
	NeffFraction  *float64 `json:"neff_fraction,omitempty"`

	// Landmark confirmation
	MinSeenCount *int `json:"min_seen_count,omitempty"`

	// Lidar mounting offset in the robot frame (metres)
	LidarOffsetX *float64 `json:"lidar_offset_x,omitempty"`
	LidarOffsetY *float64 `json:"lidar_offset_y,omitempty"`
}

// EmptyTuningConfig returns a TuningConfig with all fields unset; getters
// fall back to defaults.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file. Fields omitted
// from the file retain their defaults, so partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Cap file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	raw, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := &TuningConfig{}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", cleanPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", cleanPath, err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults file and panics if it
// cannot be read. Intended for binaries that have already validated config
// availability.
func MustLoadDefaultConfig() *TuningConfig {
	cfg, err := LoadTuningConfig(DefaultConfigPath)
	if err != nil {
		panic(fmt.Sprintf("config: cannot load %s: %v", DefaultConfigPath, err))
	}
	return cfg
}

// Validate rejects values that would make the filter meaningless.
func (c *TuningConfig) Validate() error {
	if c.NumParticles != nil && *c.NumParticles <= 0 {
		return fmt.Errorf("num_particles must be positive, got %d", *c.NumParticles)
	}
	for name, v := range map[string]*float64{
		"trans_noise_std":      c.TransNoiseStd,
		"rot_noise_std":        c.RotNoiseStd,
		"fiducial_range_std":   c.FiducialRangeStd,
		"fiducial_bearing_std": c.FiducialBearingStd,
		"fiducial_orient_std":  c.FiducialOrientStd,
		"line_rho_std":         c.LineRhoStd,
		"line_alpha_std":       c.LineAlphaStd,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%s must be non-negative, got %g", name, *v)
		}
	}
	if c.LineTau != nil && *c.LineTau <= 0 {
		return fmt.Errorf("line_tau must be positive, got %g", *c.LineTau)
	}
	if c.ResampleEvery != nil && *c.ResampleEvery <= 0 {
		return fmt.Errorf("resample_every must be positive, got %d", *c.ResampleEvery)
	}
	if c.NeffFraction != nil && (*c.NeffFraction < 0 || *c.NeffFraction > 1) {
		return fmt.Errorf("neff_fraction must be in [0, 1], got %g", *c.NeffFraction)
	}
	if c.MinSeenCount != nil && *c.MinSeenCount <= 0 {
		return fmt.Errorf("min_seen_count must be positive, got %d", *c.MinSeenCount)
	}
	return nil
}

// Getters with defaults.

func (c *TuningConfig) GetNumParticles() int {
	if c.NumParticles != nil {
		return *c.NumParticles
	}
	return 50
}

func (c *TuningConfig) GetSeed() uint64 {
	if c.Seed != nil {
		return *c.Seed
	}
	return 1
}

func (c *TuningConfig) GetTransNoiseStd() float64 {
	if c.TransNoiseStd != nil {
		return *c.TransNoiseStd
	}
	return 0.01
}

func (c *TuningConfig) GetRotNoiseStd() float64 {
	if c.RotNoiseStd != nil {
		return *c.RotNoiseStd
	}
	return 0.005
}

func (c *TuningConfig) GetFiducialRangeStd() float64 {
	if c.FiducialRangeStd != nil {
		return *c.FiducialRangeStd
	}
	return 0.1
}

func (c *TuningConfig) GetFiducialBearingStd() float64 {
	if c.FiducialBearingStd != nil {
		return *c.FiducialBearingStd
	}
	return 0.05
}

func (c *TuningConfig) GetFiducialOrientStd() float64 {
	if c.FiducialOrientStd != nil {
		return *c.FiducialOrientStd
	}
	return 0.1
}

func (c *TuningConfig) GetLineRhoStd() float64 {
	if c.LineRhoStd != nil {
		return *c.LineRhoStd
	}
	return 0.05
}

func (c *TuningConfig) GetLineAlphaStd() float64 {
	if c.LineAlphaStd != nil {
		return *c.LineAlphaStd
	}
	return 0.05
}

func (c *TuningConfig) GetLineTau() float64 {
	if c.LineTau != nil {
		return *c.LineTau
	}
	return 3
}

func (c *TuningConfig) GetResampleEvery() int {
	if c.ResampleEvery != nil {
		return *c.ResampleEvery
	}
	return 10
}

func (c *TuningConfig) GetNeffFraction() float64 {
	if c.NeffFraction != nil {
		return *c.NeffFraction
	}
	return 0.5
}

func (c *TuningConfig) GetMinSeenCount() int {
	if c.MinSeenCount != nil {
		return *c.MinSeenCount
	}
	return 3
}

func (c *TuningConfig) GetLidarOffsetX() float64 {
	if c.LidarOffsetX != nil {
		return *c.LidarOffsetX
	}
	return -0.0625
}

func (c *TuningConfig) GetLidarOffsetY() float64 {
	if c.LidarOffsetY != nil {
		return *c.LidarOffsetY
	}
	return 0
}
