// Package cmd defines and implements the CLI commands for the listing-archiver executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/listing-archiver/internal/config"
	configsearch "github.com/JakeFAU/listing-archiver/pkg/config"
)

// configKeyType is the key for storing the loaded Config in the context.
type configKeyType string

const configKey configKeyType = "config"

// loaded is what the root command hands its subcommands.
type loaded struct {
	cfg  config.Config
	path string
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "listing-archiver",
		Short: "Archives marketplace listing pages on demand.",
		Long: `listing-archiver renders listing pages for many tenants, stores the
rendered HTML, indexes it in Redis, and announces every archive on the
configured publishers.`,
		SilenceUsage: true,

		// Config is resolved once here so every subcommand sees the same view.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			path, err := configsearch.Locate(cfgFile)
			if err != nil {
				return fmt.Errorf("locate config: %w", err)
			}
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, loaded{cfg: cfg, path: path}))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml, /etc/listing-archiver/ or $HOME/.listing-archiver)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newResetCmd())

	return cmd
}

func resolveConfig(ctx context.Context) (loaded, error) {
	l, ok := ctx.Value(configKey).(loaded)
	if !ok {
		return loaded{}, errors.New("configuration not loaded")
	}
	return l, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
