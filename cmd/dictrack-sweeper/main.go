package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/geminixiang/dictrack/internal/pkg/service/sweeperd"
	"github.com/geminixiang/dictrack/internal/pkg/servicectx"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Printf("fatal error: %s\n", err.Error()) // nolint:forbidigo
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "dictrack-sweeper",
		Short:         "Periodic maintenance daemon for dictrack tracker groups",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "dictrack.yaml", "path to the configuration file")
	return cmd
}

func run(configPath string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := sweeperd.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	proc, err := servicectx.New(ctx, cancel, logger)
	if err != nil {
		return err
	}

	if err := sweeperd.Start(ctx, proc, cfg, logger); err != nil {
		return err
	}

	proc.WaitForShutdown()
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	return cfg.Build()
}
