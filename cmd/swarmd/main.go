package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"cosmossdk.io/log"
	"github.com/spf13/cobra"

	"github.com/paw-chain/swarm/api"
	"github.com/paw-chain/swarm/swarm"
	"github.com/paw-chain/swarm/swarm/registry"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "swarmd",
		Short: "Decentralized compute swarm coordinator",
		Long: `swarmd runs the swarm coordinator: it registers compute peers,
splits submitted tasks into pieces, distributes them rarest-first with
redundancy, verifies results by hash consensus or TEE attestation, and
tracks peer reputation across restarts.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "path to config file (toml)")
	cmd.Flags().String("api-host", "0.0.0.0", "API listen host")
	cmd.Flags().String("api-port", "5000", "API listen port")
	cmd.Flags().Int("metrics-port", defaultMetricsPort, "Prometheus metrics port (0 disables)")
	cmd.Flags().String("data-dir", defaultDataDir(), "directory for persisted peer records")
	cmd.Flags().String("log-level", "info", "log level (debug|info|warn|error)")
	cmd.Flags().Int("max-piece-retries", 3, "redistribution attempts per piece after a consensus split")

	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the swarmd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func run(ctx context.Context, cfg *daemonConfig) error {
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var storage registry.Storage
	if cfg.DataDir != "" {
		storage, err = registry.NewFileStorage(cfg.DataDir)
		if err != nil {
			return err
		}
	}

	orch, err := swarm.New(storage, cfg.Swarm, logger.With("component", "swarm"))
	if err != nil {
		return err
	}
	defer orch.Close()

	if cfg.MetricsPort > 0 {
		startPrometheusServer(cfg.MetricsPort)
	}

	server := api.NewServer(orch, cfg.API, logger.With("component", "api"))
	logger.Info("swarmd started",
		"api", fmt.Sprintf("%s:%s", cfg.API.Host, cfg.API.Port),
		"metrics_port", cfg.MetricsPort,
		"data_dir", cfg.DataDir)
	return server.Run(ctx)
}

func newLogger(level string) (log.Logger, error) {
	lvl, err := log.ParseLogLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return log.NewLogger(os.Stderr, log.FilterOption(lvl)), nil
}
