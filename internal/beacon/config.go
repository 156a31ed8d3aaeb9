package beacon

import (
	"time"

	"github.com/banshee-data/beacon.report/internal/config"
)

// Config holds the resolved engine parameters. It is built once from a
// config.DetectionConfig and passed by value to the pure functions.
type Config struct {
	ActiveWindow time.Duration

	SimilarityThreshold   float64
	MergeMargin           time.Duration
	DefaultRotationGap    time.Duration
	RSSIMergeEnvelope     float64
	ManufacturerPrefixLen int

	MovementDistanceMeters float64
	StationaryRadiusMeters float64
	MovementHysteresis     int

	Scoring        ScoringConfig
	AnalysisWindow time.Duration
	ScoreHalfLife  time.Duration

	Policy AlertPolicy

	BatchParallelism int
	Retention        time.Duration
}

// ConfigFromTuning converts the JSON-backed tuning config into engine values.
func ConfigFromTuning(cfg *config.DetectionConfig) Config {
	if cfg == nil {
		cfg = config.EmptyDetectionConfig()
	}
	return Config{
		ActiveWindow: cfg.GetActiveWindow(),

		SimilarityThreshold:   cfg.GetSimilarityThreshold(),
		MergeMargin:           cfg.GetMergeMargin(),
		DefaultRotationGap:    cfg.GetDefaultRotationGap(),
		RSSIMergeEnvelope:     cfg.GetRSSIMergeEnvelope(),
		ManufacturerPrefixLen: cfg.GetManufacturerPrefixLen(),

		MovementDistanceMeters: cfg.GetMovementDistanceMeters(),
		StationaryRadiusMeters: cfg.GetStationaryRadiusMeters(),
		MovementHysteresis:     cfg.GetMovementHysteresis(),

		Scoring: ScoringConfig{
			DistinctLocationMeters: cfg.GetDistinctLocationMeters(),
			LocationScale:          cfg.GetLocationScale(),
			SpanScale:              cfg.GetSpanScale(),
			StreakScale:            cfg.GetStreakScale(),
			RSSIVarianceScale:      cfg.GetRSSIVarianceScale(),
			WeightLocations:        cfg.GetWeightLocations(),
			WeightSpan:             cfg.GetWeightSpan(),
			WeightStreak:           cfg.GetWeightStreak(),
			WeightStability:        cfg.GetWeightStability(),
		},
		AnalysisWindow: cfg.GetAnalysisWindow(),
		ScoreHalfLife:  cfg.GetScoreHalfLife(),

		Policy: AlertPolicy{
			Threshold:          cfg.GetAlertThreshold(),
			Cooldown:           cfg.GetAlertCooldown(),
			KnownTrackerWeight: cfg.GetKnownTrackerWeight(),
			StationaryDamping:  cfg.GetStationaryDamping(),
		},

		BatchParallelism: cfg.GetBatchParallelism(),
		Retention:        cfg.GetRetention(),
	}
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return ConfigFromTuning(nil)
}

// maxRotationGap bounds the learned rotation gap. The merge window is
// RotationGap + MergeMargin, so it never exceeds twice the margin.
func (c Config) maxRotationGap() time.Duration {
	return c.MergeMargin
}
