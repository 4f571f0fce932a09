// Command conveyormon runs the conveyor monitor against a sensor source.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/flexforge/conveyor"
	"github.com/flexforge/conveyor/internal/sensor"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type app struct {
	configPath string
	cfg        conveyor.Config
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "conveyormon",
		Short:         "Production-line conveyor monitor",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "YAML configuration file")
	root.AddCommand(newRunCmd(a), newConfigCmd(a), newArchiveCmd(a))
	return root
}

func (a *app) load(cmd *cobra.Command) error {
	cfg := conveyor.DefaultConfig()
	if a.configPath != "" {
		var err error
		if cfg, err = conveyor.LoadConfig(a.configPath); err != nil {
			return err
		}
	}
	a.cfg = cfg
	a.logger = newLogger(cmd.ErrOrStderr(), cfg.Logging)
	slog.SetDefault(a.logger)
	return nil
}

func newLogger(w io.Writer, cfg conveyor.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
		NoColor:    cfg.NoColor,
	}))
}

func newRunCmd(a *app) *cobra.Command {
	var (
		source  string
		replay  string
		loop    bool
		jam     bool
		httpOn  bool
		address string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the monitor until interrupted",
		Example: `  conveyormon run --config line1.yaml
  conveyormon run --source replay --replay shift.jsonl --loop
  conveyormon run --jam --http`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := a.cfg
			if cmd.Flags().Changed("source") {
				cfg.Sensor.Kind = source
			}
			if replay != "" {
				cfg.Sensor.Kind = sensor.KindReplay
				cfg.Sensor.ReplayPath = replay
			}
			if loop {
				cfg.Sensor.Loop = true
			}
			if httpOn {
				cfg.HTTP.Enabled = true
			}
			if address != "" {
				cfg.HTTP.Addr = address
			}
			if cfg.Sensor.NominalSpeedRPM <= 0 {
				cfg.Sensor.NominalSpeedRPM = cfg.Anomaly.NominalSpeedRPM
			}

			src, closeSrc, err := sensor.New(cfg.Sensor)
			if err != nil {
				return err
			}
			defer func() { _ = closeSrc() }()
			if syn, ok := src.(*sensor.Synthetic); ok && jam {
				syn.ForceJam(true)
			}

			m, err := conveyor.New(cfg, conveyor.WithLogger(a.logger))
			if err != nil {
				return err
			}
			defer func() { _ = m.Close() }()
			return m.Run(cmd.Context(), src)
		},
	}
	cmd.Flags().StringVar(&source, "source", sensor.KindSynthetic, "sensor source: synthetic or replay")
	cmd.Flags().StringVar(&replay, "replay", "", "JSON-lines snapshot file to replay")
	cmd.Flags().BoolVar(&loop, "loop", false, "rewind the replay file at the end")
	cmd.Flags().BoolVar(&jam, "jam", false, "start the synthetic belt jammed")
	cmd.Flags().BoolVar(&httpOn, "http", false, "serve the operator HTTP API")
	cmd.Flags().StringVar(&address, "addr", "", "HTTP listen address")
	return cmd
}

func newConfigCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := a.cfg.Redacted().YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

func newArchiveCmd(a *app) *cobra.Command {
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Upload journaled telemetry to object storage once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := a.cfg
			cfg.Archive.Enabled = true
			cfg.HTTP.Enabled = false
			m, err := conveyor.New(cfg, conveyor.WithLogger(a.logger))
			if err != nil {
				return err
			}
			defer func() { _ = m.Close() }()

			from := time.Now().Add(-since)
			if since <= 0 {
				from = time.Time{}
			}
			res, err := m.Archive(cmd.Context(), from)
			for _, r := range res {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d records\t%d bytes\n", r.Key, r.Records, r.Bytes)
			}
			return err
		},
	}
	cmd.Flags().DurationVar(&since, "since", time.Hour, "archive records newer than this; 0 archives everything")
	return cmd
}
