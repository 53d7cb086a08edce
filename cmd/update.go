package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/creativeprojects/go-selfupdate"
	"github.com/spf13/cobra"

	"github.com/shaharia-lab/outagewatch/internal/build"
)

const (
	releaseRepo      = "shaharia-lab/outagewatch"
	releaseChecksums = "checksums.txt"
)

type updateOptions struct {
	yes       bool
	checkOnly bool
	in        io.Reader
	out       io.Writer
}

// NewUpdateCmd returns the "update" subcommand that replaces the binary with
// the latest GitHub release.
func NewUpdateCmd() *cobra.Command {
	var opts updateOptions

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update outagewatch to the latest release",
		Long: "Check GitHub releases for a newer outagewatch, verify the archive against the " +
			"published checksums and replace the binary in place. A running serve process keeps " +
			"the old version until it is restarted.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.in = cmd.InOrStdin()
			opts.out = cmd.OutOrStdout()
			return runUpdate(cmd.Context(), opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.yes, "yes", "y", false, "Skip confirmation prompt")
	cmd.Flags().BoolVar(&opts.checkOnly, "check", false, "Only report whether a newer release exists")
	return cmd
}

// releaseVersion parses the running build's version, rejecting dev builds.
func releaseVersion(v string) (*semver.Version, error) {
	current, err := semver.NewVersion(strings.TrimPrefix(v, "v"))
	if err != nil {
		return nil, fmt.Errorf("cannot update a dev build (%s); install a tagged release first", v)
	}
	return current, nil
}

func runUpdate(ctx context.Context, opts updateOptions) error {
	current, err := releaseVersion(build.Version)
	if err != nil {
		return err
	}

	updater, err := selfupdate.NewUpdater(selfupdate.Config{
		Validator: &selfupdate.ChecksumValidator{UniqueFilename: releaseChecksums},
	})
	if err != nil {
		return fmt.Errorf("creating updater: %w", err)
	}

	release, found, err := updater.DetectLatest(ctx, selfupdate.ParseSlug(releaseRepo))
	if err != nil {
		return fmt.Errorf("checking %s releases: %w", releaseRepo, err)
	}
	if !found || !release.GreaterThan(current.String()) {
		fmt.Fprintln(opts.out, field("version", current.String()+" "+okStyle.Render("up to date")))
		return nil
	}

	fmt.Fprintln(opts.out, field("installed", current.String()))
	fmt.Fprintln(opts.out, field("available", warnStyle.Render(release.Version())))
	if release.URL != "" {
		fmt.Fprintln(opts.out, field("notes", release.URL))
	}
	if opts.checkOnly {
		return nil
	}

	if !opts.yes && !confirm(opts.in, opts.out, fmt.Sprintf("Update to %s? [y/N] ", release.Version())) {
		fmt.Fprintln(opts.out, "Update canceled.")
		return nil
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("finding current executable: %w", err)
	}
	if err := updater.UpdateTo(ctx, release, exe); err != nil {
		return fmt.Errorf("updating to %s: %w", release.Version(), err)
	}

	fmt.Fprintln(opts.out, okStyle.Render("Updated to "+release.Version()+".")+
		" Restart any running outagewatch serve process to pick it up.")
	return nil
}

func confirm(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprint(out, prompt)
	line, _ := bufio.NewReader(in).ReadString('\n')
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
