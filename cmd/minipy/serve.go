package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/minipy/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the browser console and control API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		a, err := app.New(app.Options{Config: cfg, Logger: logger, Version: version, Serve: true})
		if err != nil {
			return err
		}
		defer func() {
			if err := a.Close(); err != nil {
				logger.Error("shutdown failed", "error", err)
			}
		}()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// A failed start is shown on the console; Restart can recover it.
		if err := a.Start(ctx); err != nil {
			logger.Error("interpreter session failed to start", "profile", cfg.Profile, "error", err)
		}

		url := fmt.Sprintf("http://localhost:%d", cfg.Port)
		if cfg.PrintToken {
			url += "?token=" + cfg.Token
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\nminipy running at %s (profile %s)\n\n", url, a.Profile.ID)
		return a.Serve(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
