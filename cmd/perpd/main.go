// Command perpd runs the perpetual futures engine behind JSON-RPC,
// WebSocket and Prometheus endpoints, with an in-process keeper.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/luxfi/log"
	"github.com/luxfi/perps/pkg/config"
	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "perpd",
		Short:        "Perpetual futures accounting engine",
		Long:         `perpd keeps pair vaults, positions, funding and risk in an embedded database and serves them over JSON-RPC and WebSocket.`,
		SilenceUsage: true,
		RunE:         runNode,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "check-config",
		Short: "Load the config and validate every pair",
		RunE:  checkConfig,
	})
	return rootCmd
}

func loadConfig() (*config.Config, log.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	level, err := log.ToLevel(cfg.Logging.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
	}
	return cfg, log.NewTestLogger(level), nil
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	node, err := NewNode(cfg, logger)
	if err != nil {
		return err
	}
	defer node.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := node.Run(ctx); err != nil {
		return err
	}
	logger.Info("perpd stopped")
	return nil
}

func checkConfig(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if _, err := cfg.Oracle.Build(); err != nil {
		return err
	}
	for _, pc := range cfg.Pairs {
		pair, err := pc.Build()
		if err != nil {
			return err
		}
		if err := pair.Validate(); err != nil {
			return fmt.Errorf("pair %d: %w", pc.PairIndex, err)
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "config ok: %d pairs\n", len(cfg.Pairs))
	return nil
}
