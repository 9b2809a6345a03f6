package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, applies environment overrides,
// and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		// Silently ignoring a typo in a config file leads to hard-to-debug
		// behavior, so unknown keys are fatal.
		return nil, fmt.Errorf("config: unknown key %q in %s", undecoded[0].String(), path)
	}

	applyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadOrDefault reads a config file if it exists, otherwise returns the
// defaults with environment overrides applied. Supports zero-config runs
// for status and write-back commands.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := DefaultConfig()
		applyEnv(cfg)

		return cfg, Validate(cfg)
	}

	return Load(path)
}

// applyEnv overlays MIRRORD_* environment variables onto the config.
func applyEnv(cfg *Config) {
	if v := os.Getenv("MIRRORD_DB_PATH"); v != "" {
		cfg.DBPath = v
	}

	if v := os.Getenv("MIRRORD_TOKEN_DIR"); v != "" {
		cfg.TokenDir = v
	}

	if v := os.Getenv("MIRRORD_LISTEN"); v != "" {
		cfg.Listen = v
	}

	if v := os.Getenv("MIRRORD_CALLBACK_BASE_URL"); v != "" {
		cfg.CallbackBaseURL = v
	}
}

// Validate rejects configurations the engine cannot run with.
func Validate(cfg *Config) error {
	if cfg.DBPath == "" {
		return errors.New("config: db_path must not be empty")
	}

	if cfg.Workers < 1 {
		return fmt.Errorf("config: workers must be >= 1, got %d", cfg.Workers)
	}

	if cfg.RenewalFraction <= 0 || cfg.RenewalFraction >= 1 {
		return fmt.Errorf("config: renewal_fraction must be in (0, 1), got %g", cfg.RenewalFraction)
	}

	if cfg.RenewalFloor.Duration <= 0 {
		return errors.New("config: renewal_floor must be positive")
	}

	if cfg.ReactiveHorizon.Duration <= 0 {
		return errors.New("config: reactive_horizon must be positive")
	}

	seen := make(map[string]bool, len(cfg.Resources))

	for i := range cfg.Resources {
		res := &cfg.Resources[i]

		if res.ID == "" {
			return fmt.Errorf("config: resources[%d] missing id", i)
		}

		if res.Connector == "" {
			return fmt.Errorf("config: resource %s missing connector", res.ID)
		}

		if seen[res.ID] {
			return fmt.Errorf("config: duplicate resource id %s", res.ID)
		}

		seen[res.ID] = true
	}

	return nil
}
