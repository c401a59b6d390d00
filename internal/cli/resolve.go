package cli

import (
	"cmp"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/memprof/internal/agent"
	memerrors "github.com/coral-mesh/memprof/internal/errors"
	"github.com/coral-mesh/memprof/internal/hostinfo"
	"github.com/coral-mesh/memprof/internal/procconfig"
	"github.com/coral-mesh/memprof/internal/resolver"
)

type resolveOptions struct {
	description string
	flags       string
	profiles    string
}

// entryRow is one line of the resolve table.
type entryRow struct {
	Name   string `header:"NAME" json:"name"`
	Kind   string `header:"KIND" json:"kind"`
	Value  string `header:"VALUE" json:"value"`
	Size   string `header:"SIZE" json:"size,omitempty"`
	Source string `header:"SOURCE" json:"source"`
	Note   string `header:"NOTE" json:"note,omitempty"`
}

type resolveResult struct {
	Binary          string     `json:"binary"`
	Description     string     `json:"description"`
	Fingerprint     string     `json:"fingerprint"`
	Profile         string     `json:"profile,omitempty"`
	Entries         []entryRow `json:"entries"`
	Degraded        bool       `json:"degraded"`
	MissingHeap     []string   `json:"missing_heap,omitempty"`
	MissingCritical []string   `json:"missing_critical,omitempty"`
}

func newResolveCmd(global *globalOptions) *cobra.Command {
	opts := &resolveOptions{}

	cmd := &cobra.Command{
		Use:   "resolve [binary]",
		Short: "Resolve the interpreter internals of a host binary",
		Long: `Runs the resolver against a host binary without attaching to it and
prints every symbol, structure size and member offset memprof needs, with
the strategy that found it.

Exits with status 70 when a critical primitive cannot be resolved, printing
the same diagnostic as attaching would.`,
		Example: `  memprof resolve /usr/bin/ruby1.8
  memprof resolve ./ruby --description "ruby 1.8.7 (2012-02-08) Ruby Enterprise Edition" -o json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(cmd, global, opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.description, "description", "", "Host build description (RUBY_DESCRIPTION)")
	cmd.Flags().StringVar(&opts.flags, "flags", "", "Host build flags (CFLAGS)")
	cmd.Flags().StringVar(&opts.profiles, "profiles", "", "Extra build profile file")
	memerrors.Must(cmd.MarkFlagFilename("profiles", "yaml", "yml"), "mark --profiles")
	return cmd
}

func runResolve(cmd *cobra.Command, global *globalOptions, opts *resolveOptions, args []string) error {
	cfg, logger, err := global.load(cmd)
	if err != nil {
		return err
	}

	binary := cfg.Host.Binary
	if len(args) > 0 {
		binary = args[0]
	}
	if binary == "" {
		return fmt.Errorf("no host binary given")
	}

	info, err := hostinfo.Collect(binary,
		cmp.Or(opts.description, cfg.Host.Description),
		cmp.Or(opts.flags, cfg.Host.Flags))
	if err != nil {
		return err
	}

	profiles, err := resolver.LoadProfiles(cmp.Or(opts.profiles, cfg.Profiles))
	if err != nil {
		return err
	}
	profile := resolver.SelectProfile(profiles, resolver.Host{
		Description: info.Description,
		Arch:        info.Arch,
		Fingerprint: info.Fingerprint,
	})

	r, closer, err := resolver.OpenBinary(binary, profile, logger)
	if err != nil {
		return err
	}
	defer memerrors.DeferClose(logger, closer, "Failed to close host binary")

	ptrSize := strconv.IntSize / 8
	if imgs, ok := closer.(resolver.Images); ok && imgs.Main() != nil {
		ptrSize = imgs.Main().PointerSize()
	}

	pc, report := procconfig.Build(r, procconfig.Options{
		Description: info.Description,
		Flags:       info.Flags,
		PageSize:    os.Getpagesize(),
		PointerSize: ptrSize,
	}, logger)

	result := resolveResult{
		Binary:          info.Binary,
		Description:     info.Description,
		Fingerprint:     info.Fingerprint,
		Entries:         entryRows(report),
		MissingCritical: pc.MissingCritical(),
	}
	if profile != nil {
		result.Profile = profile.Name
	}
	result.Degraded, result.MissingHeap = pc.Degraded()

	format := OutputFormat(global.output)
	out := cmd.OutOrStdout()
	if err := writeOutput(out, format, result.Entries, result); err != nil {
		return err
	}

	if format == FormatTable {
		degraded := "no"
		if result.Degraded {
			degraded = "heap dumps unavailable, missing " + strings.Join(result.MissingHeap, ", ")
		}
		_, _ = fmt.Fprintf(out, "\nbinary:    %s (%s)\nprofile:   %s\ndegraded:  %s\n",
			result.Binary, result.Fingerprint, cmp.Or(result.Profile, "none"), degraded)
	}

	if len(result.MissingCritical) > 0 {
		agent.Diagnose(cmd.ErrOrStderr(), result.MissingCritical, report, info)
		return &ExitError{
			Code: agent.ExitSoftware,
			Err:  fmt.Errorf("%w: %s", agent.ErrCritical, strings.Join(result.MissingCritical, ", ")),
		}
	}
	return nil
}

func entryRows(report *procconfig.Report) []entryRow {
	rows := make([]entryRow, 0, len(report.Entries))
	for _, e := range report.Entries {
		row := entryRow{Name: e.Name, Kind: string(e.Kind), Value: "-", Source: "-"}
		if e.Resolved() {
			row.Source = e.Source.String()
			if e.Kind == resolver.KindSymbol {
				row.Value = fmt.Sprintf("%#x", e.Value)
				if e.Size != 0 && e.Size != resolver.Unresolved {
					row.Size = strconv.FormatUint(e.Size, 10)
				}
			} else {
				row.Value = strconv.FormatUint(e.Value, 10)
			}
		}
		switch {
		case e.Folded != "":
			row.Note = "folded into " + e.Folded
		case !e.Resolved():
			row.Note = "unresolved"
		}
		rows = append(rows, row)
	}
	return rows
}
