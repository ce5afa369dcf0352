// Package config loads patcher configuration from a yaml file, with
// platform defaults derived from the XDG base directories.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

const appDir = "papatcher"

// Duration wraps time.Duration with yaml string parsing ("500ms", "30s").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Downloads bounds the download coordinator.
type Downloads struct {
	MaxConcurrent int      `yaml:"max_concurrent"`
	MaxRetries    int      `yaml:"max_retries"`
	BackoffBase   Duration `yaml:"backoff_base"`
	BackoffMax    Duration `yaml:"backoff_max"`

	// RateLimit caps download throughput in bytes per second; 0 disables.
	RateLimit int64 `yaml:"rate_limit"`
}

// Config is the on-disk patcher configuration.
type Config struct {
	InstallRoot string    `yaml:"install_root"`
	CacheRoot   string    `yaml:"cache_root"`
	Stream      string    `yaml:"stream"`
	Downloads   Downloads `yaml:"downloads"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		InstallRoot: filepath.Join(xdg.DataHome, appDir),
		CacheRoot:   filepath.Join(xdg.CacheHome, appDir),
		Downloads: Downloads{
			MaxConcurrent: 4,
			MaxRetries:    3,
			BackoffBase:   Duration(500 * time.Millisecond),
			BackoffMax:    Duration(30 * time.Second),
		},
	}
}

// DefaultPath returns the conventional config file location.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, appDir, "papatcher.yaml")
}

// Load reads the config at path, layering file values over defaults.
// A missing file yields the defaults; a malformed file is an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultPath()
	}
	raw, err := os.ReadFile(path) //nolint:gosec // config path chosen by the user
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if cfg.Downloads.MaxConcurrent < 0 {
		return nil, fmt.Errorf("config %s: max_concurrent must be >= 0", path)
	}
	if cfg.Downloads.MaxRetries < 0 {
		return nil, fmt.Errorf("config %s: max_retries must be >= 0", path)
	}
	return cfg, nil
}
