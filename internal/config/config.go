// Package config loads quire settings from a JSON config file with
// environment variable overrides.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Storage StorageConfig
	Archive ArchiveConfig
	Log     LogConfig
}

type StorageConfig struct {
	DataDir string `env:"QUIRE_DATA_DIR"`
}

type ArchiveConfig struct {
	// Default is the archive activated on startup when none is given on
	// the command line.
	Default string `env:"QUIRE_ARCHIVE"`
}

type LogConfig struct {
	Level string `env:"QUIRE_LOG_LEVEL"`
}

func defaults() Config {
	return Config{
		Storage: StorageConfig{DataDir: defaultDataDir()},
		Archive: ArchiveConfig{Default: "anonymous"},
		Log:     LogConfig{Level: "info"},
	}
}

// Load reads configuration in ascending precedence: built-in defaults, the
// JSON file at $XDG_CONFIG_HOME/quire/config.json, then QUIRE_* environment
// variables.
func Load() (Config, error) {
	return loadWith(newFileBackend())
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing environment overrides: %w", err)
	}

	return cfg, nil
}
