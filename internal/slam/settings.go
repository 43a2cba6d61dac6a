package slam

import "github.com/rover-data/slam.report/internal/config"

// SettingsFromTuning builds filter settings from a loaded tuning config.
// Use this in binaries where the TuningConfig is already loaded; tests
// construct Settings directly.
func SettingsFromTuning(cfg *config.TuningConfig) Settings {
	return Settings{
		NumParticles:       cfg.GetNumParticles(),
		Seed:               cfg.GetSeed(),
		TransNoiseStd:      cfg.GetTransNoiseStd(),
		RotNoiseStd:        cfg.GetRotNoiseStd(),
		FiducialRangeStd:   cfg.GetFiducialRangeStd(),
		FiducialBearingStd: cfg.GetFiducialBearingStd(),
		FiducialOrientStd:  cfg.GetFiducialOrientStd(),
		LineRhoStd:         cfg.GetLineRhoStd(),
		LineAlphaStd:       cfg.GetLineAlphaStd(),
		LineTau:            cfg.GetLineTau(),
		ResampleEvery:      cfg.GetResampleEvery(),
		NeffFraction:       cfg.GetNeffFraction(),
		MinSeenCount:       cfg.GetMinSeenCount(),
		LidarOffset:        [2]float64{cfg.GetLidarOffsetX(), cfg.GetLidarOffsetY()},
	}.Normalize()
}
