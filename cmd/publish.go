package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaharia-lab/outagewatch/internal/ingest"
	"github.com/shaharia-lab/outagewatch/internal/service"
)

// NewPublishCmd returns the "publish" subcommand that writes lifecycle events
// to the Kafka topic the dispatcher consumes.
func NewPublishCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish outage lifecycle events to Kafka",
		Long: "Read one JSON event object, or an array of them, from a file (or stdin with -f -) " +
			"and publish it to KAFKA_TOPIC keyed by outage id.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if len(cfg.KafkaBrokers) == 0 {
				return errors.New("KAFKA_BROKERS is not set")
			}

			var r io.Reader = cmd.InOrStdin()
			if file != "-" {
				f, err := os.Open(file) //nolint:gosec // operator-supplied path
				if err != nil {
					return err
				}
				defer f.Close() //nolint:errcheck
				r = f
			}
			events, err := decodeEvents(r)
			if err != nil {
				return err
			}

			pub := ingest.NewPublisher(ingest.NewWriter(cfg.KafkaBrokers, cfg.KafkaTopic))
			if err := pub.Publish(cmd.Context(), events...); err != nil {
				_ = pub.Close()
				return err
			}
			if err := pub.Close(); err != nil {
				return fmt.Errorf("flushing kafka writer: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render(fmt.Sprintf("published %d event(s) to %s", len(events), cfg.KafkaTopic)))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "Event JSON file, - for stdin")
	return cmd
}

func decodeEvents(r io.Reader) ([]service.OutageEvent, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading events: %w", err)
	}
	var events []service.OutageEvent
	if err := json.Unmarshal(raw, &events); err == nil {
		return events, nil
	}
	var ev service.OutageEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("decoding event: %w", err)
	}
	return []service.OutageEvent{ev}, nil
}
