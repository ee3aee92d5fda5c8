package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tomeshelf/tomeshelf/internal/fetch"
	"github.com/tomeshelf/tomeshelf/internal/logging"
	"github.com/tomeshelf/tomeshelf/internal/offline"
	"github.com/tomeshelf/tomeshelf/internal/offline/perf"
	"github.com/tomeshelf/tomeshelf/internal/protocol"
	"github.com/tomeshelf/tomeshelf/internal/source"
	"github.com/tomeshelf/tomeshelf/internal/store"
	"github.com/tomeshelf/tomeshelf/internal/worker"
)

// newWorkerCmd is the hidden entrypoint the supervisor spawns. All
// configuration arrives in the init envelope on stdin; stdout carries only
// protocol frames, so logs go to stderr.
func newWorkerCmd() *cobra.Command {
	var development bool
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run the download worker process (spawned by serve).",
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := logging.NewWorker(development)
			if err != nil {
				return fmt.Errorf("build worker logger: %w", err)
			}
			defer syncLogger(logger)

			deps := worker.Deps{
				OpenStore: func(cfg protocol.InitConfig) (offline.QueueStore, error) {
					return store.Open(cfg.DatabasePath)
				},
				NewFetcher: func(cfg protocol.InitConfig, tracker *perf.Tracker) (offline.PageFetcher, error) {
					return fetch.New(fetch.Config{
						MaxRetries:     cfg.Tuning.MaxPageRetries,
						AttemptTimeout: cfg.Tuning.PageTimeout,
						BackoffBase:    cfg.Tuning.RetryBackoffBase,
					}, tracker, logger.Named("fetch")), nil
				},
				NewSource: func(cfg protocol.InitConfig) (offline.MetadataSource, error) {
					return source.NewFileSource(cfg.ExtensionDir, logger.Named("source")), nil
				},
			}
			return worker.Run(cmd.Context(), os.Stdin, os.Stdout, deps, logger)
		},
	}
	cmd.Flags().BoolVar(&development, "dev-logging", false, "use the development log encoder")
	return cmd
}
