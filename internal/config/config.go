// SPDX-License-Identifier: MPL-2.0

// Package config loads the importer configuration from environment variables.
package config

import (
	"fmt"
	"strings"
)

// Config holds all settings of an import run.
type Config struct {
	Import  ImportConfig
	Store   StoreConfig
	Logging LoggingConfig
}

// ImportConfig selects the subject and the raw files to import.
type ImportConfig struct {
	// DataDir is the root below which every subject has its own tree
	DataDir string `env:"EDFSPLIT_DATA_DIR" required:"true"`

	// Subject names the patient or session the files belong to
	Subject string `env:"EDFSPLIT_SUBJECT" required:"true"`

	// IntakeDir is scanned for raw files
	IntakeDir string `env:"EDFSPLIT_INTAKE_DIR" required:"true"`

	// Extension of raw files (default: .edf)
	Extension string `env:"EDFSPLIT_EXTENSION" default:".edf"`

	// Copy raw files into the subject's raw directory (default: true)
	Copy bool `env:"EDFSPLIT_COPY" default:"true"`

	// Overwrite re-imports files already in the catalog (default: false)
	Overwrite bool `env:"EDFSPLIT_OVERWRITE" default:"false"`

	// Workers is the number of channels written in parallel (default: 1)
	Workers int `env:"EDFSPLIT_WORKERS" default:"1"`
}

// StoreConfig holds split-channel store settings.
type StoreConfig struct {
	// CompressionLevel is the gzip level of stored samples, 0 disables compression (default: 0)
	CompressionLevel int `env:"EDFSPLIT_COMPRESSION_LEVEL" default:"0"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the output format: json, console (default: json)
	Format string `env:"LOG_FORMAT" default:"json"`
}

// Validate checks that the configuration is valid.
// Returns an error describing all validation failures.
func (c *Config) Validate() error {
	var errs []string

	if c.Import.DataDir == "" {
		errs = append(errs, "EDFSPLIT_DATA_DIR is required")
	}
	if c.Import.Subject == "" {
		errs = append(errs, "EDFSPLIT_SUBJECT is required")
	}
	if c.Import.IntakeDir == "" {
		errs = append(errs, "EDFSPLIT_INTAKE_DIR is required")
	}
	if !strings.HasPrefix(c.Import.Extension, ".") {
		errs = append(errs, fmt.Sprintf("EDFSPLIT_EXTENSION (%q) must start with a dot", c.Import.Extension))
	}
	if c.Import.Workers <= 0 {
		errs = append(errs, "EDFSPLIT_WORKERS must be positive")
	}

	if c.Store.CompressionLevel < 0 || c.Store.CompressionLevel > 9 {
		errs = append(errs, fmt.Sprintf("EDFSPLIT_COMPRESSION_LEVEL (%d) must be 0-9", c.Store.CompressionLevel))
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level))
	}

	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT (%q) must be one of: json, console", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}
