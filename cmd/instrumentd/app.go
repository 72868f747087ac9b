package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/instrumentd"
	"pkt.systems/instrumentd/internal/svcfields"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("INSTRUMENTD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "instrumentd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "instrumentd",
		Short:         "instrumentd multiplexes concurrent callers over one exclusive instrument connection",
		SilenceErrors: true,
		Example: `
  # One-shot read against a controller, sharing the worker with other callers
  instrumentd send read '{"channel":"z","samples":16}' --target spm-controller:6742

  # Apply a named settings profile right after connecting
  instrumentd send status --target spm-controller:6742 --profile tunneling --profiles profiles.yaml

  # Liveness round trip against the simulated instrument
  instrumentd ping --mock

  # The worker side, normally spawned by the broker, speaking NDJSON on stdio
  instrumentd worker --target spm-controller:6742
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("target", "t", "", "instrument address handed to the worker's connector")
	persistentFlags.String("profile", "", "settings profile applied after connecting")
	persistentFlags.String("profiles", instrumentd.DefaultProfilesFileName, "path to the YAML profiles file")
	persistentFlags.Bool("mock", false, "replace the instrument with the deterministic simulator")
	persistentFlags.Duration("send-timeout", instrumentd.DefaultSendTimeout, "default per-command response timeout")
	persistentFlags.Duration("ping-timeout", instrumentd.DefaultPingTimeout, "worker liveness check timeout (first connect can be slow)")
	persistentFlags.Duration("shutdown-grace", instrumentd.DefaultShutdownGrace, "orderly worker shutdown budget before force-termination")
	persistentFlags.Int("connect-attempts", instrumentd.DefaultConnectAttempts, "instrument connect retries before giving up")
	persistentFlags.Duration("connect-backoff", instrumentd.DefaultConnectBackoff, "fixed pause between connect retries")
	persistentFlags.String("max-message", humanizeBytes(instrumentd.DefaultMaxMessageBytes), "maximum envelope size on the broker/worker pipe")
	persistentFlags.String("worker-binary", "", "worker executable override (defaults to re-executing this binary)")
	persistentFlags.String("metrics-listen", instrumentd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	persistentFlags.String("pprof-listen", instrumentd.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	persistentFlags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	persistentFlags.String("log-level", "", "log level override (trace, debug, info, warn, error)")

	viper.SetEnvPrefix("INSTRUMENTD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	names := []string{
		"target", "profile", "profiles", "mock",
		"send-timeout", "ping-timeout", "shutdown-grace",
		"connect-attempts", "connect-backoff", "max-message", "worker-binary",
		"metrics-listen", "pprof-listen", "otlp-endpoint", "log-level",
	}
	bindFlag := func(flag *pflag.Flag) {
		if flag == nil {
			panic("nil flag binding")
		}
		if err := viper.BindPFlag(flag.Name, flag); err != nil {
			panic(err)
		}
	}
	for _, name := range names {
		bindFlag(persistentFlags.Lookup(name))
	}

	cmd.AddCommand(newWorkerCommand(baseLogger))
	cmd.AddCommand(newSendCommand(baseLogger))
	cmd.AddCommand(newPingCommand(baseLogger))
	cmd.AddCommand(newProfilesCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

// bindConfig assembles a broker config from viper's flag/env view.
func bindConfig() (instrumentd.Config, error) {
	cfg := instrumentd.Config{
		Target:          viper.GetString("target"),
		Profile:         viper.GetString("profile"),
		ProfilesPath:    viper.GetString("profiles"),
		Mock:            viper.GetBool("mock"),
		SendTimeout:     viper.GetDuration("send-timeout"),
		PingTimeout:     viper.GetDuration("ping-timeout"),
		ShutdownGrace:   viper.GetDuration("shutdown-grace"),
		ConnectAttempts: viper.GetInt("connect-attempts"),
		ConnectBackoff:  viper.GetDuration("connect-backoff"),
		WorkerBinary:    viper.GetString("worker-binary"),
		MetricsListen:   viper.GetString("metrics-listen"),
		PprofListen:     viper.GetString("pprof-listen"),
		OTLPEndpoint:    viper.GetString("otlp-endpoint"),
	}
	if raw := strings.TrimSpace(viper.GetString("max-message")); raw != "" {
		size, err := humanize.ParseBytes(raw)
		if err != nil {
			return cfg, fmt.Errorf("parse max-message: %w", err)
		}
		cfg.MaxMessageBytes = int64(size)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// leveledLogger applies the --log-level override, when given, to the
// environment-derived base logger.
func leveledLogger(baseLogger pslog.Logger, subsystem string) pslog.Logger {
	if raw := strings.TrimSpace(viper.GetString("log-level")); raw != "" {
		if level, ok := pslog.ParseLevel(raw); ok {
			baseLogger = baseLogger.LogLevel(level)
		}
	}
	return svcfields.WithSubsystem(baseLogger, subsystem)
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
