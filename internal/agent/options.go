package agent

import (
	"os"
	"slices"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/memprof/internal/config"
	"github.com/coral-mesh/memprof/internal/logging"
	"github.com/coral-mesh/memprof/internal/tracers"
)

// OptionsFromConfig maps a loaded configuration onto agent options. Fields
// the configuration does not cover keep their zero value, which selects
// the live process.
func OptionsFromConfig(cfg *config.Config, logger zerolog.Logger) Options {
	return Options{
		Logger:       logger,
		Binary:       cfg.Host.Binary,
		Description:  cfg.Host.Description,
		Flags:        cfg.Host.Flags,
		ProfilesPath: cfg.Profiles,
		Tracers:      slices.Clone(cfg.Tracers),
		Filter:       cfg.Dump.Filter,
	}
}

// Load reads the configuration at path (may be empty) and the MEMPROF_*
// environment, and creates an agent for the current process. This is what
// a host binding calls before Attach.
func Load(path string, interceptors tracers.Interceptors) (*Agent, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Logging.Level
	logCfg.Pretty = cfg.Logging.Pretty
	logCfg.Output = os.Stderr

	opts := OptionsFromConfig(cfg, logging.NewWithComponent(logCfg, "memprof"))
	opts.Interceptors = interceptors
	return New(opts), nil
}
