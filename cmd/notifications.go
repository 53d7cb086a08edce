package cmd

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaharia-lab/outagewatch/internal/storage"
)

// NewNotificationsCmd returns the "notifications" subcommand that lists
// delivery records.
func NewNotificationsCmd() *cobra.Command {
	var (
		filter storage.NotificationFilter
		status string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "notifications",
		Short: "List notification delivery records",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if status != "" {
				filter.Status = storage.NotificationStatus(status)
				if !filter.Status.Valid() {
					return fmt.Errorf("unknown status %q", status)
				}
			}

			db, _, err := storage.NewSQLiteDB(cfg.DBPath())
			if err != nil {
				return err
			}
			defer db.Close() //nolint:errcheck

			list, err := storage.NewSQLiteNotificationStore(db).ListNotifications(cmd.Context(), filter)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(list)
			}
			if len(list) == 0 {
				fmt.Fprintln(out, "no notifications")
				return nil
			}

			t := newTable("ID", "OUTAGE", "USER", "CHANNEL", "KIND", "STATUS", "RETRIES", "UPDATED")
			for _, n := range list {
				t.Row(
					shortID(n.ID),
					n.Key.OutageID,
					n.Key.UserID,
					string(n.Key.Channel),
					string(n.Key.Kind),
					statusStyle(n.Status).Render(string(n.Status)),
					strconv.Itoa(n.RetryCount),
					n.UpdatedAt.Local().Format(time.DateTime),
				)
			}
			fmt.Fprintln(out, t.Render())
			return nil
		},
	}
	cmd.Flags().StringVar(&filter.OutageID, "outage", "", "Only records for this outage id")
	cmd.Flags().StringVar(&filter.UserID, "user", "", "Only records for this user id")
	cmd.Flags().StringVar(&status, "status", "", "Only records in this status (PENDING, SENT, FAILED, DELIVERED)")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "Maximum records to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
