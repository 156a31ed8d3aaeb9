package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical detection defaults file.
const DefaultConfigPath = "config/detection.defaults.json"

// DetectionConfig is the root configuration for the tracker detection engine.
// Every field is optional; the Get* accessors supply the built-in default for
// anything the JSON omits, so partial files are safe.
type DetectionConfig struct {
	// Profile aggregation
	ActiveWindow *string `json:"active_window,omitempty"` // duration string like "5m"

	// Identity resolution
	SimilarityThreshold   *float64 `json:"similarity_threshold,omitempty"`
	MergeMargin           *string  `json:"merge_margin,omitempty"`
	DefaultRotationGap    *string  `json:"default_rotation_gap,omitempty"`
	RSSIMergeEnvelope     *float64 `json:"rssi_merge_envelope,omitempty"`
	ManufacturerPrefixLen *int     `json:"manufacturer_prefix_len,omitempty"`

	// Movement classification
	MovementDistanceMeters *float64 `json:"movement_distance_meters,omitempty"`
	StationaryRadiusMeters *float64 `json:"stationary_radius_meters,omitempty"`
	MovementHysteresis     *int     `json:"movement_hysteresis,omitempty"`

	// Following score
	DistinctLocationMeters *float64 `json:"distinct_location_meters,omitempty"`
	AnalysisWindow         *string  `json:"analysis_window,omitempty"`
	LocationScale          *float64 `json:"location_scale,omitempty"`
	SpanScale              *string  `json:"span_scale,omitempty"`
	StreakScale            *float64 `json:"streak_scale,omitempty"`
	RSSIVarianceScale      *float64 `json:"rssi_variance_scale,omitempty"`
	WeightLocations        *float64 `json:"weight_locations,omitempty"`
	WeightSpan             *float64 `json:"weight_span,omitempty"`
	WeightStreak           *float64 `json:"weight_streak,omitempty"`
	WeightStability        *float64 `json:"weight_stability,omitempty"`
	ScoreHalfLife          *string  `json:"score_half_life,omitempty"`

	// Alert policy
	KnownTrackerWeight *float64 `json:"known_tracker_weight,omitempty"`
	StationaryDamping  *float64 `json:"stationary_damping,omitempty"`
	AlertThreshold     *float64 `json:"alert_threshold,omitempty"`
	AlertCooldown      *string  `json:"alert_cooldown,omitempty"`

	// Ingestion and housekeeping
	BatchParallelism  *int    `json:"batch_parallelism,omitempty"`
	FlushInterval     *string `json:"flush_interval,omitempty"`
	MaxBatchSize      *int    `json:"max_batch_size,omitempty"`
	Retention         *string `json:"retention,omitempty"`
	HousekeepInterval *string `json:"housekeep_interval,omitempty"`

	// Analytics
	SnapshotInterval *string `json:"snapshot_interval,omitempty"`

	// Optional path to extra tracker signatures (JSON).
	SignaturesPath *string `json:"signatures_path,omitempty"`
}

// EmptyDetectionConfig returns a DetectionConfig with all fields nil, so every
// accessor yields its built-in default.
func EmptyDetectionConfig() *DetectionConfig {
	return &DetectionConfig{}
}

// LoadDetectionConfig loads a DetectionConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
func LoadDetectionConfig(path string) (*DetectionConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyDetectionConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents. Panics if the file cannot be loaded; intended
// for test setup and binaries run from the repository root.
func MustLoadDefaultConfig() *DetectionConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from cmd/tools/x/
	}
	for _, path := range candidates {
		if cfg, err := LoadDetectionConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run from repository root")
}

// Validate checks that the configured values are usable.
func (c *DetectionConfig) Validate() error {
	unit := map[string]*float64{
		"similarity_threshold": c.SimilarityThreshold,
		"known_tracker_weight": c.KnownTrackerWeight,
		"stationary_damping":   c.StationaryDamping,
		"alert_threshold":      c.AlertThreshold,
		"weight_locations":     c.WeightLocations,
		"weight_span":          c.WeightSpan,
		"weight_streak":        c.WeightStreak,
		"weight_stability":     c.WeightStability,
	}
	for name, v := range unit {
		if v != nil && (*v < 0 || *v > 1) {
			return fmt.Errorf("%s must be between 0 and 1, got %f", name, *v)
		}
	}
	// A zero weight would make a known tracker signature count for nothing.
	if c.KnownTrackerWeight != nil && *c.KnownTrackerWeight == 0 {
		return fmt.Errorf("known_tracker_weight must be above 0, got %f", *c.KnownTrackerWeight)
	}

	positive := map[string]*float64{
		"rssi_merge_envelope":      c.RSSIMergeEnvelope,
		"movement_distance_meters": c.MovementDistanceMeters,
		"stationary_radius_meters": c.StationaryRadiusMeters,
		"distinct_location_meters": c.DistinctLocationMeters,
		"location_scale":           c.LocationScale,
		"streak_scale":             c.StreakScale,
		"rssi_variance_scale":      c.RSSIVarianceScale,
	}
	for name, v := range positive {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%s must be positive, got %f", name, *v)
		}
	}

	durations := map[string]*string{
		"active_window":        c.ActiveWindow,
		"merge_margin":         c.MergeMargin,
		"default_rotation_gap": c.DefaultRotationGap,
		"analysis_window":      c.AnalysisWindow,
		"span_scale":           c.SpanScale,
		"score_half_life":      c.ScoreHalfLife,
		"alert_cooldown":       c.AlertCooldown,
		"flush_interval":       c.FlushInterval,
		"retention":            c.Retention,
		"housekeep_interval":   c.HousekeepInterval,
		"snapshot_interval":    c.SnapshotInterval,
	}
	for name, v := range durations {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, *v)
		}
	}

	if c.StationaryRadiusMeters != nil && c.MovementDistanceMeters != nil &&
		*c.StationaryRadiusMeters >= *c.MovementDistanceMeters {
		return fmt.Errorf("stationary_radius_meters (%f) must be below movement_distance_meters (%f)",
			*c.StationaryRadiusMeters, *c.MovementDistanceMeters)
	}

	ints := map[string]*int{
		"manufacturer_prefix_len": c.ManufacturerPrefixLen,
		"movement_hysteresis":     c.MovementHysteresis,
		"batch_parallelism":       c.BatchParallelism,
		"max_batch_size":          c.MaxBatchSize,
	}
	for name, v := range ints {
		if v != nil && *v < 1 {
			return fmt.Errorf("%s must be at least 1, got %d", name, *v)
		}
	}

	return nil
}

// weightSumTolerance is how far the following weights may sum from 1 before
// Warnings reports it.
const weightSumTolerance = 1e-6

// Warnings reports settings that are valid but probably unintended.
func (c *DetectionConfig) Warnings() []string {
	var out []string
	sum := c.GetWeightLocations() + c.GetWeightSpan() + c.GetWeightStreak() + c.GetWeightStability()
	if math.Abs(sum-1) > weightSumTolerance {
		out = append(out, fmt.Sprintf(
			"following weights sum to %.4f, not 1; following scores are clamped to [0, 1] and will not span the full range", sum))
	}
	return out
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // default on parse error
	}
	return d
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

// GetActiveWindow returns the streak window; gaps longer than this reset
// the consecutive-detection counter.
func (c *DetectionConfig) GetActiveWindow() time.Duration {
	return durationOr(c.ActiveWindow, 5*time.Minute)
}

// GetSimilarityThreshold returns the minimum fingerprint similarity for a merge.
func (c *DetectionConfig) GetSimilarityThreshold() float64 {
	return floatOr(c.SimilarityThreshold, 0.8)
}

// GetMergeMargin returns the safety margin added to an identity's rotation gap.
func (c *DetectionConfig) GetMergeMargin() time.Duration {
	return durationOr(c.MergeMargin, 60*time.Second)
}

// GetDefaultRotationGap returns the rotation gap assumed before one is learned.
func (c *DetectionConfig) GetDefaultRotationGap() time.Duration {
	return durationOr(c.DefaultRotationGap, 30*time.Second)
}

// GetRSSIMergeEnvelope returns the maximum RSSI jump (dB) tolerated across a merge.
func (c *DetectionConfig) GetRSSIMergeEnvelope() float64 {
	return floatOr(c.RSSIMergeEnvelope, 15)
}

// GetManufacturerPrefixLen returns how many manufacturer payload bytes are compared.
func (c *DetectionConfig) GetManufacturerPrefixLen() int {
	return intOr(c.ManufacturerPrefixLen, 2)
}

// GetMovementDistanceMeters returns D, the displacement that counts as movement.
func (c *DetectionConfig) GetMovementDistanceMeters() float64 {
	return floatOr(c.MovementDistanceMeters, 150)
}

// GetStationaryRadiusMeters returns the radius within which sightings cluster.
func (c *DetectionConfig) GetStationaryRadiusMeters() float64 {
	return floatOr(c.StationaryRadiusMeters, 50)
}

// GetMovementHysteresis returns K, the contradicting evidences needed to flip.
func (c *DetectionConfig) GetMovementHysteresis() int {
	return intOr(c.MovementHysteresis, 2)
}

// GetDistinctLocationMeters returns the pairwise separation of distinct locations.
func (c *DetectionConfig) GetDistinctLocationMeters() float64 {
	return floatOr(c.DistinctLocationMeters, 100)
}

// GetAnalysisWindow returns how much sighting history the scorer considers.
func (c *DetectionConfig) GetAnalysisWindow() time.Duration {
	return durationOr(c.AnalysisWindow, 24*time.Hour)
}

// GetLocationScale returns the saturation scale for distinct locations.
func (c *DetectionConfig) GetLocationScale() float64 {
	return floatOr(c.LocationScale, 1.0)
}

// GetSpanScale returns the saturation scale for the sighting time span.
func (c *DetectionConfig) GetSpanScale() time.Duration {
	return durationOr(c.SpanScale, 10*time.Minute)
}

// GetStreakScale returns the saturation scale for the detection streak.
func (c *DetectionConfig) GetStreakScale() float64 {
	return floatOr(c.StreakScale, 3.0)
}

// GetRSSIVarianceScale returns the variance (dB²) at which stability halves.
func (c *DetectionConfig) GetRSSIVarianceScale() float64 {
	return floatOr(c.RSSIVarianceScale, 25.0)
}

// GetWeightLocations returns the base weight of the distinct-location factor.
func (c *DetectionConfig) GetWeightLocations() float64 {
	return floatOr(c.WeightLocations, 0.5)
}

// GetWeightSpan returns the weight of the time-span factor.
func (c *DetectionConfig) GetWeightSpan() float64 {
	return floatOr(c.WeightSpan, 0.2)
}

// GetWeightStreak returns the weight of the streak factor.
func (c *DetectionConfig) GetWeightStreak() float64 {
	return floatOr(c.WeightStreak, 0.15)
}

// GetWeightStability returns the weight of the RSSI stability factor.
func (c *DetectionConfig) GetWeightStability() float64 {
	return floatOr(c.WeightStability, 0.15)
}

// GetScoreHalfLife returns the half-life applied to scores of silent devices.
func (c *DetectionConfig) GetScoreHalfLife() time.Duration {
	return durationOr(c.ScoreHalfLife, 24*time.Hour)
}

// GetKnownTrackerWeight returns the share of the suspicion score reserved for
// a known tracker signature.
func (c *DetectionConfig) GetKnownTrackerWeight() float64 {
	return floatOr(c.KnownTrackerWeight, 0.25)
}

// GetStationaryDamping returns the multiplier applied to the following score
// of a device classified as stationary.
func (c *DetectionConfig) GetStationaryDamping() float64 {
	return floatOr(c.StationaryDamping, 0.5)
}

// GetAlertThreshold returns T.
func (c *DetectionConfig) GetAlertThreshold() float64 {
	return floatOr(c.AlertThreshold, 0.5)
}

// GetAlertCooldown returns C.
func (c *DetectionConfig) GetAlertCooldown() time.Duration {
	return durationOr(c.AlertCooldown, 30*time.Minute)
}

// GetBatchParallelism returns how many identities are processed concurrently.
func (c *DetectionConfig) GetBatchParallelism() int {
	return intOr(c.BatchParallelism, 4)
}

// GetFlushInterval returns how long the ingestor buffers events before flushing.
func (c *DetectionConfig) GetFlushInterval() time.Duration {
	return durationOr(c.FlushInterval, 2*time.Second)
}

// GetMaxBatchSize returns the event count that forces an early flush.
func (c *DetectionConfig) GetMaxBatchSize() int {
	return intOr(c.MaxBatchSize, 64)
}

// GetRetention returns how long sightings, fixes and patterns are kept.
func (c *DetectionConfig) GetRetention() time.Duration {
	return durationOr(c.Retention, 30*24*time.Hour)
}

// GetHousekeepInterval returns how often the housekeeper runs.
func (c *DetectionConfig) GetHousekeepInterval() time.Duration {
	return durationOr(c.HousekeepInterval, 15*time.Minute)
}

// GetSnapshotInterval returns how often analytics snapshots are taken.
func (c *DetectionConfig) GetSnapshotInterval() time.Duration {
	return durationOr(c.SnapshotInterval, 15*time.Minute)
}

// GetSignaturesPath returns the optional extra signatures file, or "".
func (c *DetectionConfig) GetSignaturesPath() string {
	if c.SignaturesPath == nil {
		return ""
	}
	return *c.SignaturesPath
}
