package main

import (
	"fmt"
	"os"

	"github.com/KevinKickass/OpenDeviceCore/internal/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:           "devicecore",
	Short:         "Operation orchestration for a USB serial device",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	rootConfigPath string
	rootDebug      bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&rootConfigPath, "config", "c", "", "YAML config file (defaults and ODC_* environment if empty)")
	rootCmd.PersistentFlags().BoolVar(&rootDebug, "debug", false, "human-readable debug logging")
	rootCmd.AddCommand(
		newServeCmd(),
		newPortsCmd(),
		newBackupCmd(),
		newStatusCmd(),
		newHashPasswordCmd(),
		newTokenCmd(),
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "devicecore:", err)
		os.Exit(1)
	}
}

func newLogger() (*zap.Logger, error) {
	if rootDebug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// setup loads the config and builds the logger every device command needs.
func setup() (*config.Config, *zap.Logger, error) {
	logger, err := newLogger()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}

	cfg, err := config.Load(rootConfigPath)
	if err != nil {
		logger.Sync()
		return nil, nil, err
	}
	logger.Debug("Config loaded", zap.String("path", rootConfigPath))

	return cfg, logger, nil
}
