// Package config loads and validates daemon configuration from environment
// variables and an optional YAML file. Environment variables win over file
// values; unset knobs fall back to defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig is the validated configuration snapshot used by all components.
type AppConfig struct {
	// Server
	ListenAddr string `yaml:"listen"`
	LogLevel   string `yaml:"log_level"`

	// Storage
	DataDir     string `yaml:"data_dir"`     // sqlite databases, key file
	DownloadDir string `yaml:"download_dir"` // finished audio output

	// Upstream
	APIBase   string `yaml:"api_base"`
	UserAgent string `yaml:"user_agent"`

	// Schedule / DVR
	DVRWindowHours int           `yaml:"dvr_window_hours"`
	PollInterval   time.Duration `yaml:"poll_interval"`

	// Sessions
	RefreshThreshold time.Duration `yaml:"refresh_threshold"` // refresh session this close to expiry
	LeaseTTL         time.Duration `yaml:"lease_ttl"`         // stale stream lease sweep threshold

	// Retry tuning
	SegmentRetries   int           `yaml:"segment_retries"`
	SegmentBackoff   time.Duration `yaml:"segment_backoff"`
	AuthRetries      int           `yaml:"auth_retries"`
	AuthBackoff      time.Duration `yaml:"auth_backoff"`
	GracefulStopWait time.Duration `yaml:"graceful_stop_wait"` // max wait for a track boundary

	// External tools
	FFmpegPath string `yaml:"ffmpeg_path"`
}

// Defaults returns the baseline configuration before env/file overrides.
func Defaults() AppConfig {
	return AppConfig{
		ListenAddr:       ":8787",
		LogLevel:         "info",
		DataDir:          "data",
		DownloadDir:      "downloads",
		APIBase:          "https://api.edge-gateway.siriusxm.com",
		UserAgent:        "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36",
		DVRWindowHours:   5,
		PollInterval:     15 * time.Second,
		RefreshThreshold: 30 * time.Minute,
		LeaseTTL:         5 * time.Minute,
		SegmentRetries:   3,
		SegmentBackoff:   500 * time.Millisecond,
		AuthRetries:      3,
		AuthBackoff:      time.Second,
		GracefulStopWait: 5 * time.Minute,
		FFmpegPath:       "ffmpeg",
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// any), then environment overrides, then validation.
func Load(path string) (AppConfig, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks invariants that would otherwise fail at runtime.
func (c AppConfig) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listen address must not be empty")
	}
	if c.DVRWindowHours < 1 || c.DVRWindowHours > 5 {
		return fmt.Errorf("config: dvr_window_hours must be 1..5, got %d", c.DVRWindowHours)
	}
	if c.PollInterval < time.Second {
		return fmt.Errorf("config: poll_interval must be at least 1s, got %s", c.PollInterval)
	}
	if c.SegmentRetries < 0 || c.AuthRetries < 0 {
		return fmt.Errorf("config: retry counts must not be negative")
	}
	if c.GracefulStopWait <= 0 {
		return fmt.Errorf("config: graceful_stop_wait must be positive, got %s", c.GracefulStopWait)
	}
	if !filepath.IsAbs(c.DataDir) && c.DataDir == "" {
		return fmt.Errorf("config: data_dir must not be empty")
	}
	return nil
}

// DatabasePath returns the path of the main sqlite database.
func (c AppConfig) DatabasePath() string {
	return filepath.Join(c.DataDir, "archivexm.db")
}

// KeyFilePath returns the path of the secret-encryption key file.
func (c AppConfig) KeyFilePath() string {
	return filepath.Join(c.DataDir, ".encryption_key")
}
