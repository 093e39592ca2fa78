package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/KevinKickass/OpenDeviceCore/internal/system"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the backend with its REST, WebSocket and gRPC APIs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			lifecycle, err := system.NewLifecycleManager(cfg, logger)
			if err != nil {
				return err
			}

			if err := lifecycle.Start(); err != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer cancel()
				lifecycle.Shutdown(shutdownCtx)
				return err
			}

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigChan)

			select {
			case sig := <-sigChan:
				logger.Info("Shutdown signal received", zap.String("signal", sig.String()))
			case <-lifecycle.Done():
				// Shut down through the API.
				return nil
			}

			ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := lifecycle.Shutdown(ctx); err != nil {
				logger.Error("Shutdown failed", zap.Error(err))
				return err
			}

			logger.Info("OpenDeviceCore stopped successfully")
			return nil
		},
	}
}
