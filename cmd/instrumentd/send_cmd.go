package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"pkt.systems/instrumentd"
)

func newSendCommand(baseLogger pslog.Logger) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "send <command> [params-json]",
		Short: "Send one command to the instrument and print its response",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			var params map[string]any
			if len(args) == 2 {
				if err := json.Unmarshal([]byte(args[1]), &params); err != nil {
					return fmt.Errorf("parse params: %w", err)
				}
			}
			cfg, err := bindConfig()
			if err != nil {
				return err
			}
			logger := leveledLogger(baseLogger, "cli.send")
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
			resp, err := broker.SendTimeout(ctx, args[0], params, timeout)
			if err != nil {
				return err
			}
			elapsed := time.Since(start).Round(time.Microsecond)
			if !resp.OK() {
				if resp.Error != nil {
					return fmt.Errorf("%s: %s (%s)", resp.Error.Code, resp.Error.Detail, elapsed)
				}
				return fmt.Errorf("command failed without error info (%s)", elapsed)
			}
			out := cmd.OutOrStdout()
			if len(resp.Payload) > 0 {
				var pretty bytes.Buffer
				if err := json.Indent(&pretty, resp.Payload, "", "  "); err != nil {
					fmt.Fprintf(out, "%s\n", resp.Payload)
				} else {
					fmt.Fprintf(out, "%s\n", pretty.String())
				}
			}
			logger.Info("command completed", "command", args[0], "elapsed", elapsed.String())
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "response timeout for this command (0 uses --send-timeout)")
	return cmd
}
