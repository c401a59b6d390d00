package cli

import (
	"github.com/spf13/cobra"

	memerrors "github.com/coral-mesh/memprof/internal/errors"
	"github.com/coral-mesh/memprof/internal/resolver"
)

type profileRow struct {
	Name        string `header:"NAME"`
	Description string `header:"DESCRIPTION"`
	Arch        string `header:"ARCH"`
	Fingerprint string `header:"FINGERPRINT"`
	Symbols     int    `header:"SYMBOLS"`
	Types       int    `header:"TYPES"`
}

func newProfilesCmd(global *globalOptions) *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "List the known build profiles",
		Long: `Lists the build profiles used when a host binary carries no debug
information, in the order they are matched. Profiles from --profiles come
before the builtin ones.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := global.load(cmd)
			if err != nil {
				return err
			}
			if path == "" {
				path = cfg.Profiles
			}

			profiles, err := resolver.LoadProfiles(path)
			if err != nil {
				return err
			}

			rows := make([]profileRow, 0, len(profiles))
			for _, p := range profiles {
				rows = append(rows, profileRow{
					Name:        p.Name,
					Description: orDash(p.Match.Description),
					Arch:        orDash(p.Match.Arch),
					Fingerprint: orDash(p.Match.Fingerprint),
					Symbols:     len(p.Symbols),
					Types:       len(p.Types),
				})
			}
			return writeOutput(cmd.OutOrStdout(), OutputFormat(global.output), rows, profiles)
		},
	}

	cmd.Flags().StringVar(&path, "profiles", "", "Extra build profile file")
	memerrors.Must(cmd.MarkFlagFilename("profiles", "yaml", "yml"), "mark --profiles")
	return cmd
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
