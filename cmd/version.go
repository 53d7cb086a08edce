package cmd

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/shaharia-lab/outagewatch/internal/build"
)

// NewVersionCmd returns the "version" subcommand.
func NewVersionCmd() *cobra.Command {
	var short bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			info := build.Get()
			if short {
				fmt.Fprintln(out, info.Version)
				return nil
			}
			kind := okStyle.Render("release")
			if _, err := releaseVersion(info.Version); err != nil {
				kind = warnStyle.Render("development build")
			}
			fmt.Fprintln(out, lipgloss.JoinVertical(lipgloss.Left,
				titleStyle.Render("outagewatch"),
				field("version", info.Version+" "+kind),
				field("commit", info.Commit),
				field("built", info.BuildDate),
				field("go", info.GoVersion),
				field("platform", info.Platform),
			))
			return nil
		},
	}
	cmd.Flags().BoolVar(&short, "short", false, "Print only the version number")
	return cmd
}
