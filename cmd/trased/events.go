package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"trase-agent/internal/events"
)

func newEventsCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect task run events",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "tail",
		Short: "Stream task run events from the configured queue",
		Long: `Consume task run events from the configured redis list or rabbitmq
queue and print one JSON document per line until interrupted. Consumed
events are removed from the queue.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			switch cfg.Events.Driver {
			case events.DriverRedis, events.DriverRabbitMQ:
			default:
				return fmt.Errorf("events tail requires the redis or rabbitmq driver, got %q", cfg.Events.Driver)
			}
			queue, err := events.Open(cmd.Context(), cfg.Events)
			if err != nil {
				return err
			}
			defer queue.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			err = queue.Consume(cmd.Context(), func(_ context.Context, evt events.Event) error {
				return enc.Encode(evt)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	})
	return cmd
}
