package main

import (
	"os"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"pkt.systems/instrumentd/internal/harness"
	"pkt.systems/instrumentd/internal/instrument"
)

// newWorkerCommand is the process the broker spawns: the harness speaking
// NDJSON envelopes on stdin/stdout, logs on stderr. EOF on stdin means the
// owning broker is gone and the worker tears down instead of lingering.
func newWorkerCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the worker harness over stdio (normally spawned by the broker)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cfg, err := bindConfig()
			if err != nil {
				return err
			}
			logger := leveledLogger(baseLogger, "worker")
			profile, err := cfg.ResolveProfile()
			if err != nil {
				return err
			}
			var conn instrument.Connector
			if cfg.Mock {
				conn = instrument.NewMock()
			} else {
				conn = instrument.NewRawTCP(cfg.Target, cfg.SendTimeout)
			}
			h, err := harness.New(harness.Config{
				Connector:       conn,
				Logger:          logger,
				ConnectAttempts: cfg.ConnectAttempts,
				ConnectBackoff:  cfg.ConnectBackoff,
				Profile:         profile,
				MaxMessageBytes: cfg.MaxMessageBytes,
			})
			if err != nil {
				return err
			}
			logger.Info("worker starting",
				"pid", os.Getpid(),
				"mock", cfg.Mock,
				"target", cfg.Target,
				"profile", cfg.Profile,
			)
			return h.Run(cmd.Context(), os.Stdin, os.Stdout)
		},
	}
	return cmd
}
