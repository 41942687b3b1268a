package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/user/minipy/internal/config"
	"github.com/user/minipy/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "minipy",
	Short: "MiniPy runs editor code in a persistent interpreter session",
	Long: `MiniPy keeps one interpreter session alive and runs code from an editor
surface in it, streaming output to the browser console, the terminal and the
run history.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	config.RegisterFlags(rootCmd.PersistentFlags())
}

// loadConfig reads the config file and flags and installs the logger.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	logger := logging.New(level)
	slog.SetDefault(logger)
	return cfg, logger, nil
}
