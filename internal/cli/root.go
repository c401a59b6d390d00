// Package cli implements the memprof command line.
package cli

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/coral-mesh/memprof/internal/config"
	"github.com/coral-mesh/memprof/internal/logging"
	"github.com/coral-mesh/memprof/pkg/version"
)

// ExitError asks main to exit with Code. Err has already been reported
// when it is nil.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	logLevel   string
	pretty     bool
	output     string
}

func addGlobalFlags(fs *pflag.FlagSet, opts *globalOptions) {
	fs.StringVarP(&opts.configPath, "config", "c", "", "Path to a memprof YAML config file")
	fs.StringVar(&opts.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	fs.BoolVar(&opts.pretty, "pretty", false, "Human-readable log output")
	fs.StringVarP(&opts.output, "output", "o", string(FormatTable), "Output format (table, json, csv)")
}

// load reads the configuration and builds a logger on the command's
// stderr. Flags override the file and the environment.
func (o *globalOptions) load(cmd *cobra.Command) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if cmd.Flags().Changed("pretty") {
		cfg.Logging.Pretty = o.pretty
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Logging.Level
	logCfg.Pretty = cfg.Logging.Pretty
	logCfg.Output = cmd.ErrOrStderr()
	return cfg, logging.NewWithComponent(logCfg, "cli"), nil
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "memprof",
		Short: "memprof - in-process heap profiler for interpreter hosts",
		Long: `memprof attaches to an interpreter running in the same process, locates
its internal symbols and structure layouts, hooks the allocator and dumps
the live heap.

The commands here inspect a host binary offline: what can be resolved,
through which strategy, and which build profiles are known.`,
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("{{.Version}}\n")
	addGlobalFlags(cmd.PersistentFlags(), opts)

	cmd.AddCommand(newResolveCmd(opts))
	cmd.AddCommand(newProfilesCmd(opts))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("memprof version %s\n", version.Version)
			cmd.Printf("Git commit: %s\n", version.GitCommit)
			cmd.Printf("Build date: %s\n", version.BuildDate)
			cmd.Printf("Go version: %s\n", version.GoVersion)
		},
	}
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
