// Package bridgeconfig loads and validates the device-assignment
// configuration the coordinator needs at startup: the bridge identity, the
// timer assignment, the sensor assignments, and the detector/calibration/
// correlation tuning knobs from spec.md §6.
package bridgeconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// defaultPaths are tried, in order, when no explicit path is given.
var defaultPaths = []string{
	"./bridge.yaml",
	"./bridge.yml",
	"~/.config/shotbridge/bridge.yaml",
	"/etc/shotbridge/bridge.yaml",
}

// Config is the full device-assignment configuration for one bridge
// process.
type Config struct {
	BridgeID    string `yaml:"bridge_id" json:"bridge_id" validate:"required"`
	DisplayName string `yaml:"display_name" json:"display_name"`
	StageID     string `yaml:"stage_id" json:"stage_id"`

	Timer   TimerAssignment    `yaml:"timer" json:"timer" validate:"required"`
	Sensors []SensorAssignment `yaml:"sensors" json:"sensors" validate:"required,min=1,dive"`

	Detector    DetectorConfig    `yaml:"detector" json:"detector"`
	Calibration CalibrationConfig `yaml:"calibration" json:"calibration"`
	Correlation CorrelationConfig `yaml:"correlation" json:"correlation"`
	Reconnect   ReconnectConfig   `yaml:"reconnect" json:"reconnect"`

	VerboseSampleCapture bool `yaml:"verbose_sample_capture" json:"verbose_sample_capture"`
	RecalibrateOnReconnect bool `yaml:"recalibrate_on_reconnect" json:"recalibrate_on_reconnect"`

	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Storage StorageConfig `yaml:"storage" json:"storage"`
	NDJSON  NDJSONConfig  `yaml:"ndjson" json:"ndjson"`
	MQTT    MQTTConfig    `yaml:"mqtt" json:"mqtt"`
	WS      WSFanoutConfig `yaml:"ws_fanout" json:"ws_fanout"`
}

// TimerAssignment identifies the shot timer device. Vendor is fixed to AMG
// for this core (spec.md §3).
type TimerAssignment struct {
	MAC                string `yaml:"mac" json:"mac" validate:"required"`
	Vendor             string `yaml:"vendor" json:"vendor"`
	ServiceUUID        string `yaml:"service_uuid" json:"service_uuid" validate:"required"`
	CharacteristicUUID string `yaml:"characteristic_uuid" json:"characteristic_uuid" validate:"required"`
}

// SensorAssignment identifies one accelerometer sensor and the target it
// is mounted on.
type SensorAssignment struct {
	MAC                string `yaml:"mac" json:"mac" validate:"required"`
	Label              string `yaml:"label" json:"label"`
	TargetID           string `yaml:"target_id" json:"target_id" validate:"required"`
	BatteryPercent     *int   `yaml:"battery_percent,omitempty" json:"battery_percent,omitempty"`
	ServiceUUID        string `yaml:"service_uuid" json:"service_uuid" validate:"required"`
	CharacteristicUUID string `yaml:"characteristic_uuid" json:"characteristic_uuid" validate:"required"`
}

// DetectorConfig tunes the onset/impact detector (spec.md §4.4).
type DetectorConfig struct {
	PeakThreshold    float64 `yaml:"peak_threshold" json:"peak_threshold"`
	OnsetThreshold   float64 `yaml:"onset_threshold" json:"onset_threshold"`
	LookbackSamples  int     `yaml:"lookback_samples" json:"lookback_samples"`
	RestSamples      int     `yaml:"rest_samples" json:"rest_samples"` // K
	DeadTimeMS       int     `yaml:"dead_time_ms" json:"dead_time_ms"`
	SigmaFloorFactor float64 `yaml:"sigma_floor_factor" json:"sigma_floor_factor"`
}

// CalibrationConfig tunes the per-sensor baseline/noise estimator
// (spec.md §4.3).
type CalibrationConfig struct {
	TargetSamples int           `yaml:"target_samples" json:"target_samples"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
	IQRMultiplier float64       `yaml:"iqr_multiplier" json:"iqr_multiplier"`
}

// CorrelationConfig tunes the shot↔impact correlator and timing calibrator
// (spec.md §4.5, §4.6).
type CorrelationConfig struct {
	PriorMeanMS     float64       `yaml:"prior_mean_ms" json:"prior_mean_ms"`
	PriorSigmaMS    float64       `yaml:"prior_sigma_ms" json:"prior_sigma_ms"`
	WindowSigma     float64       `yaml:"window_sigma" json:"window_sigma"`
	MinSamples      int           `yaml:"min_samples" json:"min_samples"`
	LateArrival     time.Duration `yaml:"late_arrival_tolerance" json:"late_arrival_tolerance"`
	CheckpointEvery int           `yaml:"checkpoint_every" json:"checkpoint_every"`
	CheckpointEach  time.Duration `yaml:"checkpoint_interval" json:"checkpoint_interval"`
}

// ReconnectConfig tunes BLE reconnect backoff (spec.md §4.2).
type ReconnectConfig struct {
	InitialBackoff time.Duration `yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" json:"max_backoff"`
	ConnectDeadline time.Duration `yaml:"connect_deadline" json:"connect_deadline"`
}

// LoggingConfig configures internal/bridgelog.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
	File   string `yaml:"file" json:"file"`
}

// StorageConfig points at the two sqlite databases.
type StorageConfig struct {
	ConfigPath  string `yaml:"config_path" json:"config_path"`
	CapturePath string `yaml:"capture_path" json:"capture_path"`
}

// NDJSONConfig configures the forensic event logger.
type NDJSONConfig struct {
	Path          string `yaml:"path" json:"path"`
	MaxSizeBytes  int64  `yaml:"max_size_bytes" json:"max_size_bytes"`
	RotateDaily   bool   `yaml:"rotate_daily" json:"rotate_daily"`
}

// MQTTConfig configures the best-effort forensic mirror publisher.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	BrokerURL string `yaml:"broker_url" json:"broker_url"`
	ClientID string `yaml:"client_id" json:"client_id"`
	Topic    string `yaml:"topic" json:"topic"`
}

// WSFanoutConfig configures the loopback WebSocket broadcaster.
type WSFanoutConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
	Path    string `yaml:"path" json:"path"`
}

// DefaultConfig returns the zero-config defaults documented in spec.md §6.
func DefaultConfig() *Config {
	return &Config{
		Detector: DetectorConfig{
			PeakThreshold:    10,
			OnsetThreshold:   3,
			LookbackSamples:  10,
			RestSamples:      3,
			DeadTimeMS:       50,
			SigmaFloorFactor: 3,
		},
		Calibration: CalibrationConfig{
			TargetSamples: 100,
			Timeout:       30 * time.Second,
			IQRMultiplier: 1.5,
		},
		Correlation: CorrelationConfig{
			PriorMeanMS:     526,
			PriorSigmaMS:    94,
			WindowSigma:     3,
			MinSamples:      10,
			LateArrival:     250 * time.Millisecond,
			CheckpointEvery: 50,
			CheckpointEach:  10 * time.Second,
		},
		Reconnect: ReconnectConfig{
			InitialBackoff:  1 * time.Second,
			MaxBackoff:      30 * time.Second,
			ConnectDeadline: 15 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text", Output: "stdout"},
		Storage: StorageConfig{ConfigPath: "./bridge-config.db", CapturePath: "./bridge-capture.db"},
		NDJSON:  NDJSONConfig{Path: "./bridge-events.ndjson", MaxSizeBytes: 50 * 1024 * 1024, RotateDaily: true},
	}
}

// Load loads configuration from path, or from the first default path that
// exists, or returns DefaultConfig() if nothing is found.
func Load(path string) (*Config, error) {
	if path != "" {
		return loadFile(path)
	}

	for _, p := range defaultPaths {
		if len(p) > 0 && p[0] == '~' {
			home, err := os.UserHomeDir()
			if err == nil {
				p = filepath.Join(home, p[2:])
			}
		}
		if _, err := os.Stat(p); err == nil {
			return loadFile(p)
		}
	}

	return DefaultConfig(), nil
}

func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bridgeconfig: read %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("bridgeconfig: parse %s: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks struct tags plus the domain invariants spec.md §7 names
// as fatal-at-startup: missing or duplicate MACs (including a sensor that
// reuses the timer's MAC), duplicate targets, and a missing timer
// assignment. The format of a MAC string is not checked.
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("bridgeconfig: invalid configuration: %w", err)
	}

	seenMAC := make(map[string]bool, len(cfg.Sensors))
	seenTarget := make(map[string]bool, len(cfg.Sensors))
	for _, s := range cfg.Sensors {
		if seenMAC[s.MAC] {
			return fmt.Errorf("bridgeconfig: duplicate sensor MAC %q", s.MAC)
		}
		seenMAC[s.MAC] = true

		if seenTarget[s.TargetID] {
			return fmt.Errorf("bridgeconfig: duplicate target id %q", s.TargetID)
		}
		seenTarget[s.TargetID] = true

		if s.MAC == cfg.Timer.MAC {
			return fmt.Errorf("bridgeconfig: sensor %q shares a MAC with the timer assignment", s.MAC)
		}
	}

	return nil
}

// Save writes cfg to path as YAML, creating parent directories as needed.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	return os.WriteFile(path, data, 0644)
}
