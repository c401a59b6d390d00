// Package config provides configuration loading for the profiler.
//
// Configuration is layered: defaults, then an optional YAML file, then
// MEMPROF_* environment variables. The result is validated once at the end.
package config

import (
	"errors"
	"fmt"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/coral-mesh/memprof/internal/safe"
	"github.com/coral-mesh/memprof/internal/tracers/fd"
	"github.com/coral-mesh/memprof/internal/tracers/objects"
	"github.com/coral-mesh/memprof/internal/tracers/track"
)

// Config is the profiler configuration.
type Config struct {
	Logging LoggingConfig `yaml:"logging"`
	Host    HostConfig    `yaml:"host"`
	Dump    DumpConfig    `yaml:"dump"`

	// Tracers lists the tracers to register, in dump order.
	Tracers []string `yaml:"tracers" env:"TRACERS"`

	// Profiles is an extra build profile file, consulted before the builtin
	// profiles.
	Profiles string `yaml:"profiles,omitempty" env:"PROFILES"`
}

// LoggingConfig controls the logger.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Pretty bool   `yaml:"pretty" env:"LOG_PRETTY"`
}

// HostConfig overrides what is detected about the host interpreter.
type HostConfig struct {
	// Binary is the host executable; by default the first image mapped.
	Binary string `yaml:"binary,omitempty" env:"HOST_BINARY"`
	// Description replaces the description given by the host binding.
	Description string `yaml:"description,omitempty" env:"HOST_DESCRIPTION"`
	Flags       string `yaml:"flags,omitempty" env:"HOST_FLAGS"`
}

// DumpConfig controls heap dumps.
type DumpConfig struct {
	// Filter is a CEL expression over handle, file, line and size that a
	// heap record must satisfy to be dumped.
	Filter string `yaml:"filter,omitempty" env:"DUMP_FILTER"`
}

// KnownTracers are the tracers that can be enabled, in default order.
var KnownTracers = []string{objects.ID, track.ID, fd.ID}

var validLevels = []string{"trace", "debug", "info", "warn", "error", "disabled"}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info"},
		Tracers: slices.Clone(KnownTracers),
	}
}

// Load reads the file at path, if any, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := safe.ReadFile(path, safe.DefaultMaxFileSize)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := LoadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every problem with the configuration.
func (c *Config) Validate() error {
	var errs []error

	if !slices.Contains(validLevels, c.Logging.Level) {
		errs = append(errs, fmt.Errorf("invalid log level %q", c.Logging.Level))
	}

	seen := make(map[string]bool, len(c.Tracers))
	for _, name := range c.Tracers {
		if !slices.Contains(KnownTracers, name) {
			errs = append(errs, fmt.Errorf("unknown tracer %q", name))
			continue
		}
		if seen[name] {
			errs = append(errs, fmt.Errorf("tracer %q listed twice", name))
		}
		seen[name] = true
	}

	if c.Dump.Filter != "" {
		if _, err := objects.CompileFilter(c.Dump.Filter); err != nil {
			errs = append(errs, fmt.Errorf("invalid dump filter: %w", err))
		}
	}

	return errors.Join(errs...)
}

// Enabled reports whether the named tracer is enabled.
func (c *Config) Enabled(name string) bool {
	return slices.Contains(c.Tracers, name)
}
