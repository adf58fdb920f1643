// Package appconfig manages application settings and runtime file paths.
// Tunnel definitions live in a separate TOML file handled by internal/config.
package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/treykane/tunneltop/internal/util"
)

// UIConfig contains dashboard display settings.
type UIConfig struct {
	RefreshSeconds int  `yaml:"refresh_seconds"`
	NoHeader       bool `yaml:"no_header"`
}

// ProcessConfig tunes process termination.
type ProcessConfig struct {
	GraceMS int `yaml:"grace_ms"`
}

// ProbeConfig tunes the health-check scheduler.
type ProbeConfig struct {
	DefaultTimeoutSeconds int `yaml:"default_timeout_seconds"`
	InitialDelayMS        int `yaml:"initial_delay_ms"`
}

// LogConfig selects where and how verbosely the dashboard logs.
type LogConfig struct {
	File  string `yaml:"file"`
	Level string `yaml:"level"`
}

// MetricsConfig enables the Prometheus endpoint when Listen is non-empty.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// JournalConfig controls the transition journal.
type JournalConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Config holds application-level configuration.
type Config struct {
	TunnelsFile string        `yaml:"tunnels_file"`
	WatchConfig bool          `yaml:"watch_config"`
	UI          UIConfig      `yaml:"ui"`
	Process     ProcessConfig `yaml:"process"`
	Probe       ProbeConfig   `yaml:"probe"`
	Log         LogConfig     `yaml:"log"`
	Metrics     MetricsConfig `yaml:"metrics"`
	Journal     JournalConfig `yaml:"journal"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		TunnelsFile: "~/.tunneltop.toml",
		WatchConfig: false,
		UI:          UIConfig{RefreshSeconds: util.DefaultRefreshSeconds},
		Process:     ProcessConfig{GraceMS: int(util.DefaultGracePeriod / time.Millisecond)},
		Probe: ProbeConfig{
			DefaultTimeoutSeconds: int(util.DefaultProbeTimeout / time.Second),
			InitialDelayMS:        int(util.DefaultInitialProbeDelay / time.Millisecond),
		},
		Log:     LogConfig{Level: "info"},
		Journal: JournalConfig{Enabled: true},
	}
}

// GracePeriod returns the terminate escalation interval.
func (c Config) GracePeriod() time.Duration {
	return time.Duration(c.Process.GraceMS) * time.Millisecond
}

// DefaultProbeTimeout returns the deadline applied to probes with test_timeout = 0.
func (c Config) DefaultProbeTimeout() time.Duration {
	return time.Duration(c.Probe.DefaultTimeoutSeconds) * time.Second
}

// InitialProbeDelay returns the delay before a new scheduler entry first fires.
func (c Config) InitialProbeDelay() time.Duration {
	return time.Duration(c.Probe.InitialDelayMS) * time.Millisecond
}

// RefreshInterval returns the dashboard redraw interval.
func (c Config) RefreshInterval() time.Duration {
	return time.Duration(c.UI.RefreshSeconds) * time.Second
}

// ConfigDir returns the application config directory path.
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config/tunneltop.
func ConfigDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "tunneltop"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	return filepath.Join(home, ".config", "tunneltop"), nil
}

// LogFilePath returns the configured log file, defaulting to tunneltop.log in
// the config directory.
func (c Config) LogFilePath() (string, error) {
	if strings.TrimSpace(c.Log.File) != "" {
		return ExpandHome(c.Log.File)
	}
	d, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "tunneltop.log"), nil
}

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// Load reads config.yaml from the config directory.
// If the file doesn't exist, creates it with defaults.
func Load() (Config, error) {
	d, err := ConfigDir()
	if err != nil {
		return Config{}, err
	}
	if err := os.MkdirAll(d, 0o700); err != nil {
		return Config{}, err
	}
	path := filepath.Join(d, "config.yaml")
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			if err := Save(cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return Config{}, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	def := Default()
	if cfg.UI.RefreshSeconds <= 0 {
		cfg.UI.RefreshSeconds = def.UI.RefreshSeconds
	}
	if cfg.Process.GraceMS <= 0 {
		cfg.Process.GraceMS = def.Process.GraceMS
	}
	if cfg.Probe.DefaultTimeoutSeconds <= 0 {
		cfg.Probe.DefaultTimeoutSeconds = def.Probe.DefaultTimeoutSeconds
	}
	if cfg.Probe.InitialDelayMS < 0 {
		cfg.Probe.InitialDelayMS = 0
	}
	if strings.TrimSpace(cfg.TunnelsFile) == "" {
		cfg.TunnelsFile = def.TunnelsFile
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Log.Level)) {
	case "debug", "info", "warn", "error":
		cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	default:
		cfg.Log.Level = def.Log.Level
	}
}

// Save writes config to config.yaml.
func Save(cfg Config) error {
	d, err := ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(d, 0o700); err != nil {
		return err
	}
	path := filepath.Join(d, "config.yaml")
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}
