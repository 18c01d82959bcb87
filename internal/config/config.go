// Package config loads runtime settings from environment variables plus an
// optional YAML overlay for the numeric tunables.
//
// Follows config.go's general shape — environment and file-driven settings
// merged into one struct before the rest of the program starts — drastically
// reduced here: that config.go parses a large line-oriented directive file
// for a C program's worth of radio/modem/digipeater options, none of which
// this gateway's domain needs.
// What survives is the "defaults, then override" merge order and the
// env-var names the original Python settings.py already established
// (INFLUXDB_*, DEBUG_FRAME_PARSING, LOG_LEVEL, IS_TEST_ENV).
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fieldwatch/sensorgw/internal/dispatch"
	"github.com/fieldwatch/sensorgw/internal/image"
	"github.com/fieldwatch/sensorgw/internal/protocol"
	"github.com/fieldwatch/sensorgw/internal/source"
)

// Config is the fully merged runtime configuration.
type Config struct {
	SerialPort string
	BaudRate   int

	ImageScratchDir  string
	ImageFinalDir    string
	ImageNamePattern string

	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	DebugFrameParsing bool
	LogLevel          string
	LogFile           string
	IsTestEnv         bool

	MaxPayload           uint32
	MaxTotalBuffer       int64
	MaxConcurrentStreams int
	IdleTimeout          time.Duration
	SleepDedupWindow     time.Duration
	PostEOFDelay         time.Duration

	VoltageThresholdPercent float64
	SleepDurationDefault    time.Duration
	SleepDurationLong       time.Duration
	SleepDurationMedium     time.Duration
	SleepDurationNormal     time.Duration
}

// Overlay is the shape of the optional YAML tunables file; zero values mean
// "not set, keep default."
type Overlay struct {
	MaxPayload                  *uint32  `yaml:"max_payload"`
	MaxTotalBufferBytes         *int64   `yaml:"max_total_buffer_bytes"`
	MaxConcurrentStreams        *int     `yaml:"max_concurrent_streams"`
	IdleTimeoutSeconds          *int     `yaml:"idle_timeout_seconds"`
	SleepDedupWindowSeconds     *int     `yaml:"sleep_dedup_window_seconds"`
	VoltageThresholdPercent     *float64 `yaml:"voltage_threshold_percent"`
	SleepDurationDefaultSeconds *int     `yaml:"sleep_duration_default_seconds"`
	SleepDurationLongSeconds    *int     `yaml:"sleep_duration_long_seconds"`
	SleepDurationMediumSeconds  *int     `yaml:"sleep_duration_medium_seconds"`
	SleepDurationNormalSeconds  *int     `yaml:"sleep_duration_normal_seconds"`
}

// Default returns the documented defaults before any environment
// or overlay is applied.
func Default() Config {
	return Config{
		SerialPort: "/dev/ttyACM0",
		BaudRate:   115200,

		ImageScratchDir:  "scratch",
		ImageFinalDir:    "images",
		ImageNamePattern: "%Y%m%d-%H%M%S",

		InfluxOrg:    "agri",
		InfluxBucket: "balcony",

		LogLevel: "info",

		MaxPayload:           protocol.DefaultMaxPayload,
		MaxTotalBuffer:       10 * 1024 * 1024,
		MaxConcurrentStreams: image.MaxConcurrentStreams,
		IdleTimeout:          source.DefaultIdleTimeout,
		SleepDedupWindow:     dispatch.SleepDedupWindow,
		PostEOFDelay:         dispatch.PostEOFDelay,

		VoltageThresholdPercent: dispatch.LowVoltageThresholdPercent,
		SleepDurationDefault:    dispatch.DefaultSleep,
		SleepDurationLong:       dispatch.LongSleep,
		SleepDurationMedium:     dispatch.MediumSleep,
		SleepDurationNormal:     dispatch.NormalSleep,
	}
}

// Load builds a Config from process environment variables, then applies the
// YAML file at overlayPath if it is non-empty and exists.
func Load(overlayPath string) (Config, error) {
	cfg := Default()
	applyEnv(&cfg)

	if overlayPath == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(overlayPath)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}

	var ov Overlay
	if err := yaml.Unmarshal(data, &ov); err != nil {
		return cfg, err
	}
	applyOverlay(&cfg, ov)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SERIAL_PORT"); v != "" {
		cfg.SerialPort = v
	}
	if v := os.Getenv("BAUD_RATE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BaudRate = n
		}
	}

	cfg.InfluxURL = os.Getenv("INFLUXDB_URL")
	cfg.InfluxToken = os.Getenv("INFLUXDB_TOKEN")
	if v := os.Getenv("INFLUXDB_ORG"); v != "" {
		cfg.InfluxOrg = v
	}
	if v := os.Getenv("INFLUXDB_BUCKET"); v != "" {
		cfg.InfluxBucket = v
	}

	cfg.DebugFrameParsing = envBool("DEBUG_FRAME_PARSING", true)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	cfg.LogFile = os.Getenv("LOG_FILE")

	// Matches the original settings.py's PYTEST_CURRENT_TEST detection,
	// generalized to an explicit flag since Go test binaries don't set
	// that variable.
	cfg.IsTestEnv = envBool("IS_TEST_ENV", false)
}

func envBool(name string, def bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true") || v == "1"
}

func applyOverlay(cfg *Config, ov Overlay) {
	if ov.MaxPayload != nil {
		cfg.MaxPayload = *ov.MaxPayload
	}
	if ov.MaxTotalBufferBytes != nil {
		cfg.MaxTotalBuffer = *ov.MaxTotalBufferBytes
	}
	if ov.MaxConcurrentStreams != nil {
		cfg.MaxConcurrentStreams = *ov.MaxConcurrentStreams
	}
	if ov.IdleTimeoutSeconds != nil {
		cfg.IdleTimeout = time.Duration(*ov.IdleTimeoutSeconds) * time.Second
	}
	if ov.SleepDedupWindowSeconds != nil {
		cfg.SleepDedupWindow = time.Duration(*ov.SleepDedupWindowSeconds) * time.Second
	}
	if ov.VoltageThresholdPercent != nil {
		cfg.VoltageThresholdPercent = *ov.VoltageThresholdPercent
	}
	if ov.SleepDurationDefaultSeconds != nil {
		cfg.SleepDurationDefault = time.Duration(*ov.SleepDurationDefaultSeconds) * time.Second
	}
	if ov.SleepDurationLongSeconds != nil {
		cfg.SleepDurationLong = time.Duration(*ov.SleepDurationLongSeconds) * time.Second
	}
	if ov.SleepDurationMediumSeconds != nil {
		cfg.SleepDurationMedium = time.Duration(*ov.SleepDurationMediumSeconds) * time.Second
	}
	if ov.SleepDurationNormalSeconds != nil {
		cfg.SleepDurationNormal = time.Duration(*ov.SleepDurationNormalSeconds) * time.Second
	}
}
