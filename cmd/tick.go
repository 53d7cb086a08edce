package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

// NewTickCmd returns the "tick" subcommand that runs one scheduler pass.
func NewTickCmd() *cobra.Command {
	var (
		recoverStale bool
		wait         time.Duration
	)

	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run one advance-notice pass and exit",
		Long: "Scan upcoming outages once, submit due advance notices, wait for their " +
			"delivery attempts and exit. Useful from cron when the dispatcher is not running as a service.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTick(cmd, recoverStale, wait)
		},
	}
	cmd.Flags().BoolVar(&recoverStale, "recover", false, "Also re-queue PENDING notifications whose lease expired")
	cmd.Flags().DurationVar(&wait, "wait", 2*time.Minute, "How long to wait for queued sends to finish")
	return cmd
}

func runTick(cmd *cobra.Command, recoverStale bool, wait time.Duration) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	sched, err := a.newScheduler(nil)
	if err != nil {
		return errors.Join(err, a.close(context.Background()))
	}

	a.engine.Start()
	res, tickErr := sched.Tick(ctx)

	recovered := 0
	if recoverStale && tickErr == nil {
		stale, err := a.tracker.Stale(ctx, 500)
		if err == nil && len(stale) > 0 {
			err = a.engine.Recover(ctx, stale)
		}
		if err != nil {
			tickErr = fmt.Errorf("recovering stale notifications: %w", err)
		}
		recovered = len(stale)
	}

	wctx, wcancel := context.WithTimeout(ctx, wait)
	idleErr := a.engine.WaitIdle(wctx)
	wcancel()

	sctx, scancel := shutdownContext()
	defer scancel()
	closeErr := a.shutdown(sctx)

	fmt.Println(lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render("Advance-notice pass"),
		field("outages", strconv.Itoa(res.Outages)),
		field("candidates", strconv.Itoa(res.Candidates)),
		field("submitted", strconv.Itoa(res.Submitted)),
		field("recovered", strconv.Itoa(recovered)),
	))
	if idleErr != nil {
		fmt.Println(warnStyle.Render("some sends were still running when the wait expired; they resume on the next pass"))
	}
	return errors.Join(tickErr, closeErr)
}
