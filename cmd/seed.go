package cmd

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/shaharia-lab/outagewatch/internal/logger"
	"github.com/shaharia-lab/outagewatch/internal/storage"
)

// NewSeedCmd returns the "seed" subcommand that loads directory fixtures.
func NewSeedCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load areas, users and outages from a YAML fixture",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log := logger.NewConsoleLogger(cmd.ErrOrStderr(), cfg.SlogLevel())

			fx, err := storage.LoadFixture(file)
			if err != nil {
				return err
			}
			db, _, err := storage.NewSQLiteDB(cfg.DBPath())
			if err != nil {
				return err
			}
			defer db.Close() //nolint:errcheck

			stats, err := fx.Apply(cmd.Context(), storage.NewSQLiteDirectoryStore(db))
			if err != nil {
				return fmt.Errorf("seeding %s: %w", file, err)
			}
			log.Info("fixture applied", "file", file, "db", cfg.DBPath())

			fmt.Fprintln(cmd.OutOrStdout(), lipgloss.JoinVertical(lipgloss.Left,
				titleStyle.Render("Directory seeded"),
				field("areas", strconv.Itoa(stats.Areas)),
				field("users", strconv.Itoa(stats.Users)),
				field("outages", strconv.Itoa(stats.Outages)),
			))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Fixture YAML file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
