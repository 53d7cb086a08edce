package cmd

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"github.com/shaharia-lab/outagewatch/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "outagewatch",
	Short: "Outage notification dispatcher",
	Long: "Notifies subscribers about planned and unplanned utility outages over email, " +
		"SMS, push and WhatsApp, with deduplication, advance notices and delivery tracking.",
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		if noColor, _ := cmd.Flags().GetBool("no-color"); noColor || os.Getenv("NO_COLOR") != "" {
			lipgloss.SetColorProfile(termenv.Ascii)
		}
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory (overrides OUTAGEWATCH_DATA_DIR env var)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL env var)")
	rootCmd.PersistentFlags().Bool("no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().Bool("dev", false, "Log instead of sending on channels without a provider (overrides OUTAGEWATCH_DEV_MODE env var)")

	rootCmd.AddCommand(NewServeCmd())
	rootCmd.AddCommand(NewTickCmd())
	rootCmd.AddCommand(NewSeedCmd())
	rootCmd.AddCommand(NewNotificationsCmd())
	rootCmd.AddCommand(NewPublishCmd())
	rootCmd.AddCommand(NewWhatsAppPairCmd())
	rootCmd.AddCommand(NewUpdateCmd())
	rootCmd.AddCommand(NewVersionCmd())
}

// loadConfig reads the environment and applies flag overrides. Flags win
// over env vars.
func loadConfig(cmd *cobra.Command) (*config.AppConfig, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir, _ = cmd.Flags().GetString("data-dir")
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel, _ = cmd.Flags().GetString("log-level")
	}
	if cmd.Flags().Changed("dev") {
		cfg.DevMode, _ = cmd.Flags().GetBool("dev")
	}
	if f := cmd.Flags().Lookup("port"); f != nil && f.Changed {
		cfg.Port, _ = cmd.Flags().GetInt("port")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
