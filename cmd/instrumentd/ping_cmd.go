package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"pkt.systems/instrumentd"
	"pkt.systems/instrumentd/api"
)

func newPingCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Spawn (or reuse) the worker and measure a liveness round trip",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cfg, err := bindConfig()
			if err != nil {
				return err
			}
			logger := leveledLogger(baseLogger, "cli.ping")
			broker, err := instrumentd.NewBroker(cfg, instrumentd.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+time.Second)
				defer cancel()
				_ = broker.Close(closeCtx)
			}()

			ctx := cmd.Context()
			h, err := broker.Acquire(ctx)
			if err != nil {
				return err
			}
			defer h.Release(context.Background())

			start := time.Now()
			resp, err := broker.Send(ctx, api.CommandPing, nil)
			if err != nil {
				return err
			}
			rtt := time.Since(start).Round(time.Microsecond)
			var payload map[string]any
			state := "unknown"
			if err := resp.DecodePayload(&payload); err == nil {
				if s, ok := payload["state"].(string); ok {
					state = s
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "worker %s, rtt %s\n", state, rtt)
			return nil
		},
	}
	return cmd
}
