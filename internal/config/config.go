// Package config loads daemon configuration from an optional YAML file with
// environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the pioveed daemon configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`
	// PollSchedule is the cron expression driving the polling wake source.
	PollSchedule string `yaml:"poll_schedule"`

	Blob     BlobConfig     `yaml:"blob"`
	Metadata MetadataConfig `yaml:"metadata"`
}

// BlobConfig selects and configures the blob storage driver.
type BlobConfig struct {
	// Driver is fs, s3, or memory (default fs). S3 settings come from the
	// environment; see internal/infra/blob/s3.
	Driver string `yaml:"driver"`
	// FSRoot is the filesystem driver's root directory.
	FSRoot string `yaml:"fs_root"`
}

// MetadataConfig selects and configures the metadata store driver.
type MetadataConfig struct {
	// Driver is sqlite, postgres, or memory (default sqlite).
	Driver string `yaml:"driver"`
	// Path is the sqlite database file.
	Path string `yaml:"path"`
	// DSN is the postgres connection string.
	DSN string `yaml:"dsn"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen:       ":8080",
		PollSchedule: "@every 30s",
		Blob:         BlobConfig{Driver: "fs", FSRoot: "./blobdata"},
		Metadata:     MetadataConfig{Driver: "sqlite", Path: "piovee.db"},
	}
}

// Load reads path (if non-empty and present) over the defaults, then applies
// environment overrides. A missing explicit path is an error; a missing
// default path is not.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config file %s: %w", path, err)
			}
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

// Environment overrides, highest precedence.
func applyEnv(cfg *Config) {
	set := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	set(&cfg.Listen, "PIOVEE_LISTEN")
	set(&cfg.PollSchedule, "PIOVEE_POLL_SCHEDULE")
	set(&cfg.Blob.Driver, "PIOVEE_BLOB_DRIVER")
	set(&cfg.Blob.FSRoot, "PIOVEE_BLOB_FS_ROOT")
	set(&cfg.Metadata.Driver, "PIOVEE_METADATA_DRIVER")
	set(&cfg.Metadata.Path, "PIOVEE_METADATA_PATH")
	set(&cfg.Metadata.DSN, "PIOVEE_METADATA_DSN")
}
