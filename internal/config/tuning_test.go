package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyConfigUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg := EmptyTuningConfig()
	assert.Equal(t, 50, cfg.GetNumParticles())
	assert.Equal(t, uint64(1), cfg.GetSeed())
	assert.InDelta(t, 0.01, cfg.GetTransNoiseStd(), 1e-12)
	assert.InDelta(t, 0.005, cfg.GetRotNoiseStd(), 1e-12)
	assert.InDelta(t, 3, cfg.GetLineTau(), 1e-12)
	assert.Equal(t, 10, cfg.GetResampleEvery())
	assert.InDelta(t, 0.5, cfg.GetNeffFraction(), 1e-12)
	assert.Equal(t, 3, cfg.GetMinSeenCount())
	assert.InDelta(t, -0.0625, cfg.GetLidarOffsetX(), 1e-12)
	assert.InDelta(t, 0, cfg.GetLidarOffsetY(), 1e-12)
}

func TestPartialConfigOverridesOnlyNamedFields(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tuning.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"num_particles": 200, "line_tau": 4.5}`), 0o644))

	cfg, err := LoadTuningConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 200, cfg.GetNumParticles())
	assert.InDelta(t, 4.5, cfg.GetLineTau(), 1e-12)
	// untouched fields keep their defaults
	assert.Equal(t, 10, cfg.GetResampleEvery())
	assert.InDelta(t, 0.05, cfg.GetLineRhoStd(), 1e-12)
}

func TestLoadRejectsNonJSONExtension(t *testing.T) {
	t.Parallel()

	_, err := LoadTuningConfig("tuning.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), ".json")
}

func TestLoadRejectsMissingFile(t *testing.T) {
	t.Parallel()

	_, err := LoadTuningConfig(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		mut  func(*TuningConfig)
	}{
		{"zero particles", func(c *TuningConfig) { n := 0; c.NumParticles = &n }},
		{"negative noise", func(c *TuningConfig) { v := -0.1; c.TransNoiseStd = &v }},
		{"zero tau", func(c *TuningConfig) { v := 0.0; c.LineTau = &v }},
		{"neff fraction above one", func(c *TuningConfig) { v := 1.5; c.NeffFraction = &v }},
		{"zero resample cadence", func(c *TuningConfig) { n := 0; c.ResampleEvery = &n }},
		{"zero seen count", func(c *TuningConfig) { n := 0; c.MinSeenCount = &n }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := EmptyTuningConfig()
			tc.mut(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	t.Run("empty config is valid", func(t *testing.T) {
		assert.NoError(t, EmptyTuningConfig().Validate())
	})
}
