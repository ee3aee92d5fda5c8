// Package cmd wires the CLI entrypoints.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tomeshelf/tomeshelf/internal/config"
	"github.com/tomeshelf/tomeshelf/internal/logging"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tomeshelf",
		Short: "Offline manga download and storage engine.",
		Long: `tomeshelf downloads manga chapters through installed extensions and
stores them in a local library for offline reading. Downloads run in a
supervised worker process; the serve command exposes an admin API over it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (built-in defaults apply when unset)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newWorkerCmd())
	cmd.AddCommand(newArchiveCmd())
	return cmd
}

// loadConfig reads the config file named by --config, falling back to
// defaults and TOMESHELF_* environment overrides.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "tomeshelf:", err)
		os.Exit(1)
	}
}

func syncLogger(logger *zap.Logger) {
	// Sync on stderr fails on some platforms; nothing actionable.
	_ = logger.Sync()
}

func buildLogger(cfg config.Config) (*zap.Logger, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}
