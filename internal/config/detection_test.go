package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func ptrFloat64(v float64) *float64 { return &v }
func ptrInt(v int) *int             { return &v }
func ptrString(v string) *string    { return &v }

func TestEmptyDetectionConfig_Defaults(t *testing.T) {
	cfg := EmptyDetectionConfig()

	if got := cfg.GetActiveWindow(); got != 5*time.Minute {
		t.Errorf("GetActiveWindow() = %v, want 5m", got)
	}
	if got := cfg.GetSimilarityThreshold(); got != 0.8 {
		t.Errorf("GetSimilarityThreshold() = %v, want 0.8", got)
	}
	if got := cfg.GetMergeMargin(); got != time.Minute {
		t.Errorf("GetMergeMargin() = %v, want 1m", got)
	}
	if got := cfg.GetMovementHysteresis(); got != 2 {
		t.Errorf("GetMovementHysteresis() = %v, want 2", got)
	}
	if got := cfg.GetAlertThreshold(); got != 0.5 {
		t.Errorf("GetAlertThreshold() = %v, want 0.5", got)
	}
	if got := cfg.GetAlertCooldown(); got != 30*time.Minute {
		t.Errorf("GetAlertCooldown() = %v, want 30m", got)
	}
	if got := cfg.GetRetention(); got != 720*time.Hour {
		t.Errorf("GetRetention() = %v, want 720h", got)
	}
	if got := cfg.GetSignaturesPath(); got != "" {
		t.Errorf("GetSignaturesPath() = %q, want empty", got)
	}

	sum := cfg.GetWeightLocations() + cfg.GetWeightSpan() + cfg.GetWeightStreak() + cfg.GetWeightStability()
	if diff := sum - 1.0; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("default following weights sum to %v, want 1", sum)
	}
}

func TestGetDuration_BadValueFallsBack(t *testing.T) {
	cfg := &DetectionConfig{AlertCooldown: ptrString("soon")}
	if got := cfg.GetAlertCooldown(); got != 30*time.Minute {
		t.Errorf("GetAlertCooldown() with bad value = %v, want default", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *DetectionConfig
		wantErr string
	}{
		{"empty is valid", EmptyDetectionConfig(), ""},
		{"threshold above one", &DetectionConfig{AlertThreshold: ptrFloat64(1.5)}, "alert_threshold"},
		{"negative similarity", &DetectionConfig{SimilarityThreshold: ptrFloat64(-0.1)}, "similarity_threshold"},
		{"zero scale", &DetectionConfig{StreakScale: ptrFloat64(0)}, "streak_scale"},
		{"bad duration", &DetectionConfig{MergeMargin: ptrString("1 minute")}, "merge_margin"},
		{"negative duration", &DetectionConfig{Retention: ptrString("-1h")}, "retention"},
		{"zero hysteresis", &DetectionConfig{MovementHysteresis: ptrInt(0)}, "movement_hysteresis"},
		{"zero known tracker weight", &DetectionConfig{KnownTrackerWeight: ptrFloat64(0)}, "known_tracker_weight"},
		{"known tracker weight above one", &DetectionConfig{KnownTrackerWeight: ptrFloat64(1.2)}, "known_tracker_weight"},
		{"known tracker weight of one", &DetectionConfig{KnownTrackerWeight: ptrFloat64(1)}, ""},
		{"bad snapshot interval", &DetectionConfig{SnapshotInterval: ptrString("0s")}, "snapshot_interval"},
		{
			"radius above movement distance",
			&DetectionConfig{StationaryRadiusMeters: ptrFloat64(200), MovementDistanceMeters: ptrFloat64(150)},
			"stationary_radius_meters",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestWarnings(t *testing.T) {
	if w := EmptyDetectionConfig().Warnings(); len(w) != 0 {
		t.Errorf("Warnings() for defaults = %v, want none", w)
	}

	cfg := &DetectionConfig{WeightLocations: ptrFloat64(0.9), WeightSpan: ptrFloat64(0.5)}
	w := cfg.Warnings()
	if len(w) != 1 {
		t.Fatalf("Warnings() = %v, want one warning", w)
	}
	if !strings.Contains(w[0], "1.7000") {
		t.Errorf("Warnings()[0] = %q, want it to report the sum", w[0])
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, uneven weights are a warning, not an error", err)
	}
}

func TestLoadDetectionConfig(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "partial.json")
	content := `{"alert_threshold": 0.6, "alert_cooldown": "10m"}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadDetectionConfig(path)
	if err != nil {
		t.Fatalf("LoadDetectionConfig: %v", err)
	}
	if got := cfg.GetAlertThreshold(); got != 0.6 {
		t.Errorf("GetAlertThreshold() = %v, want 0.6", got)
	}
	if got := cfg.GetAlertCooldown(); got != 10*time.Minute {
		t.Errorf("GetAlertCooldown() = %v, want 10m", got)
	}
	// Unset fields keep defaults.
	if got := cfg.GetSimilarityThreshold(); got != 0.8 {
		t.Errorf("GetSimilarityThreshold() = %v, want default 0.8", got)
	}
}

func TestLoadDetectionConfig_Errors(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(yamlPath, []byte("a: 1"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadDetectionConfig(yamlPath); err == nil {
		t.Error("expected error for non-json extension")
	}

	if _, err := LoadDetectionConfig(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}

	badPath := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(badPath, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadDetectionConfig(badPath); err == nil {
		t.Error("expected error for malformed json")
	}

	invalidPath := filepath.Join(dir, "invalid.json")
	if err := os.WriteFile(invalidPath, []byte(`{"alert_threshold": 3}`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadDetectionConfig(invalidPath); err == nil {
		t.Error("expected validation error")
	}
}

func TestMustLoadDefaultConfig(t *testing.T) {
	cfg := MustLoadDefaultConfig()
	if cfg.ActiveWindow == nil {
		t.Fatal("defaults file should set active_window explicitly")
	}
	empty := EmptyDetectionConfig()
	if cfg.GetAlertThreshold() != empty.GetAlertThreshold() {
		t.Errorf("defaults file alert_threshold %v differs from built-in %v",
			cfg.GetAlertThreshold(), empty.GetAlertThreshold())
	}
	if cfg.GetRetention() != empty.GetRetention() {
		t.Errorf("defaults file retention %v differs from built-in %v",
			cfg.GetRetention(), empty.GetRetention())
	}
	if cfg.GetManufacturerPrefixLen() != empty.GetManufacturerPrefixLen() {
		t.Errorf("defaults file manufacturer_prefix_len %v differs from built-in %v",
			cfg.GetManufacturerPrefixLen(), empty.GetManufacturerPrefixLen())
	}
}
