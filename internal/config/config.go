// Package config loads and validates mirrord configuration. Precedence is
// defaults -> TOML config file -> environment variables -> CLI flags, so a
// one-off override never requires editing the config file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Duration wraps time.Duration so TOML files can say "36h" or "45m".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", string(text), err)
	}

	d.Duration = parsed

	return nil
}

// Resource configures one synced external collection.
type Resource struct {
	// ID is the stable resource identifier, namespacing all persisted state.
	ID string `toml:"id"`

	// Connector names the adapter serving this resource (e.g. "replay").
	Connector string `toml:"connector"`

	// Lookback overrides the connector's default full-sync window.
	Lookback Duration `toml:"lookback"`
}

// Config is the root configuration.
type Config struct {
	DBPath          string   `toml:"db_path"`
	TokenDir        string   `toml:"token_dir"`
	Listen          string   `toml:"listen"`
	CallbackBaseURL string   `toml:"callback_base_url"`
	Workers         int      `toml:"workers"`
	RenewalFraction float64  `toml:"renewal_fraction"`
	RenewalFloor    Duration `toml:"renewal_floor"`
	ReactiveHorizon Duration `toml:"reactive_horizon"`

	Resources []Resource `toml:"resources"`
}

// Defaults mirror the renewal tuning in engine.DefaultWatchConfig.
const (
	defaultListen          = "127.0.0.1:8477"
	defaultWorkers         = 4
	defaultRenewalFraction = 0.2
	defaultRenewalFloor    = 4 * time.Hour
	defaultReactiveHorizon = 2 * time.Hour
)

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		DBPath:          filepath.Join(defaultDataDir(), "mirrord.db"),
		TokenDir:        filepath.Join(defaultDataDir(), "tokens"),
		Listen:          defaultListen,
		Workers:         defaultWorkers,
		RenewalFraction: defaultRenewalFraction,
		RenewalFloor:    Duration{defaultRenewalFloor},
		ReactiveHorizon: Duration{defaultReactiveHorizon},
	}
}

// DefaultConfigPath is where Load looks without an explicit --config.
func DefaultConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.toml")
}

// defaultConfigDir honors XDG_CONFIG_HOME with a ~/.config fallback.
func defaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "mirrord")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "mirrord")
}

// defaultDataDir honors XDG_DATA_HOME with a ~/.local/share fallback.
func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "mirrord")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".local", "share", "mirrord")
}

// ResourceByID returns the configured resource, or nil when unknown.
func (c *Config) ResourceByID(id string) *Resource {
	for i := range c.Resources {
		if c.Resources[i].ID == id {
			return &c.Resources[i]
		}
	}

	return nil
}
