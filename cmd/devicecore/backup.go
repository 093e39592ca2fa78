package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/KevinKickass/OpenDeviceCore/internal/backend"
	"github.com/KevinKickass/OpenDeviceCore/internal/system"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newBackupCmd() *cobra.Command {
	var (
		flagWait    time.Duration
		flagTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "backup <dest>",
		Short: "Back up the internal storage of the attached device into dest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dest, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}

			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			// One-shot: no servers, no auto update check.
			cfg.Updates.AutoCheck = false
			lifecycle, err := system.NewLifecycleManager(cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer cancel()
				lifecycle.Shutdown(ctx)
			}()

			coordinator := lifecycle.Coordinator()
			lifecycle.StartDevice()

			ctx, cancel := context.WithTimeout(cmd.Context(), flagWait)
			defer cancel()
			logger.Info("Waiting for device", zap.Duration("timeout", flagWait))
			if _, err := waitForMode(ctx, coordinator, backend.Mode.Idle); err != nil {
				return fmt.Errorf("no device ready: %w", err)
			}

			if err := coordinator.CreateBackup(dest); err != nil {
				return err
			}

			ctx, cancel = context.WithTimeout(cmd.Context(), flagTimeout)
			defer cancel()
			mode, err := waitForMode(ctx, coordinator, func(m backend.Mode) bool {
				return m == backend.ModeFinished || m == backend.ModeErrorOccured
			})
			if err != nil {
				coordinator.CancelOperation()
				return fmt.Errorf("backup did not finish: %w", err)
			}

			status := coordinator.Status()
			coordinator.FinalizeOperation()
			if mode == backend.ModeErrorOccured {
				if status.Error != nil {
					return status.Error
				}
				return errors.New("backup failed")
			}

			fmt.Fprintf(cmd.OutOrStdout(), "backup written to %s\n", dest)
			return nil
		},
	}
	cmd.Flags().DurationVar(&flagWait, "wait", 30*time.Second, "how long to wait for the device to show up")
	cmd.Flags().DurationVar(&flagTimeout, "timeout", 30*time.Minute, "upper bound for the backup itself")
	return cmd
}

// waitForMode blocks until the coordinator reaches a mode accepted by done.
func waitForMode(ctx context.Context, c *backend.Coordinator, done func(backend.Mode) bool) (backend.Mode, error) {
	changes, unsubscribe := c.Subscribe()
	defer unsubscribe()

	for {
		if mode := c.Mode(); done(mode) {
			return mode, nil
		}
		select {
		case <-ctx.Done():
			return c.Mode(), ctx.Err()
		case _, ok := <-changes:
			if !ok {
				return c.Mode(), errors.New("backend closed")
			}
		}
	}
}
