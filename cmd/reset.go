package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/listing-archiver/internal/logging"
	"github.com/JakeFAU/listing-archiver/internal/server"
)

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Clears every capture lock, tenant queue, and worker count",
		Long: `Force-clears the shared coordination state in Redis. There is no drain:
sessions running in live servers keep going, but their locks and worker
slots are gone.`,
		RunE: runReset,
	}
}

func runReset(cmd *cobra.Command, _ []string) error {
	l, err := resolveConfig(cmd.Context())
	if err != nil {
		return err
	}
	logger, err := logging.New(l.cfg.Logging.Development, logging.WithLevel(l.cfg.Logging.Level))
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	report, err := server.Reset(cmd.Context(), l.cfg, logger)
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
