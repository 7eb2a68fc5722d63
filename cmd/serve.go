package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-archiver/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the archive HTTP service",
		Long: `Starts the HTTP API, the capture sessions, and the archive pipeline.
SIGINT/SIGTERM drain and stop the service; SIGHUP performs an administrative
reset. Tenant limits are reloaded when the config file changes.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	l, err := resolveConfig(cmd.Context())
	if err != nil {
		return err
	}
	app, err := server.Build(cmd.Context(), l.cfg)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	if l.path != "" {
		if err := app.WatchConfig(l.path); err != nil {
			zap.L().Warn("config watch disabled", zap.String("path", l.path), zap.Error(err))
		}
	}
	if err := app.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run server: %w", err)
	}
	return nil
}
