package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tomeshelf/tomeshelf/internal/api"
	"github.com/tomeshelf/tomeshelf/internal/protocol"
	"github.com/tomeshelf/tomeshelf/internal/supervisor"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the download supervisor and the admin HTTP API.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := buildLogger(cfg)
			if err != nil {
				return err
			}
			defer syncLogger(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			host := supervisor.New(supervisor.Config{
				Init:           cfg.InitConfig(),
				InitTimeout:    cfg.InitTimeout(),
				StopTimeout:    cfg.StopTimeout(),
				RequestTimeout: cfg.RequestTimeout(),
				AutoRestart:    cfg.Supervisor.AutoRestart,
				MaxRestarts:    cfg.Supervisor.MaxRestarts,
				RestartWindow:  cfg.RestartWindow(),
				Logger:         logger.Named("supervisor"),
			}, supervisor.ExecLauncher{})
			defer host.Destroy()

			host.OnEvent(func(evt protocol.Event) {
				logger.Debug("worker event",
					zap.String("kind", string(evt.Kind)),
					zap.String("queue_id", evt.QueueID))
			})

			if err := host.Start(ctx); err != nil {
				return fmt.Errorf("start worker: %w", err)
			}
			// Reclaim downloads a previous run left mid-transfer.
			if ids, err := host.RetryFrozenDownloads(ctx); err != nil {
				logger.Warn("frozen download sweep failed", zap.Error(err))
			} else if len(ids) > 0 {
				logger.Info("requeued frozen downloads", zap.Strings("ids", ids))
			}

			server := &http.Server{
				Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
				Handler:           api.NewServer(host, logger.Named("api")).Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				logger.Info("admin API listening", zap.Int("port", cfg.Server.Port))
				errCh <- server.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
				logger.Info("shutting down")
			case err := <-errCh:
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("admin API: %w", err)
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Warn("admin API shutdown", zap.Error(err))
			}
			if err := host.Stop(shutdownCtx); err != nil {
				logger.Warn("worker stop", zap.Error(err))
			}
			return nil
		},
	}
}
