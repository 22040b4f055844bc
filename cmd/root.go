// Package cmd defines and implements the CLI commands for the harvester executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/app"
	"github.com/JakeFAU/catalog-harvester/internal/config"
)

// Version is stamped at build time with -ldflags.
var Version = "dev"

// newApp is the application factory. It's a variable so tests can register
// collectors on a private registry.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
	return app.New(ctx, cfg, app.WithLogger(logger))
}

// newRootCmd creates the root command. Flags bind into v so that they take
// precedence over the config file and HARVESTER_* environment variables.
func newRootCmd(v *viper.Viper) *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Mirrors a tagged catalog of translated works to disk.",
		Long: `harvester walks every index page of a catalog tag, then downloads the
description and the full text of each listed work into its own directory.
Index pages and items are fetched concurrently with one of several execution
strategies, and every fetch is retried with a bounded budget.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	cmd.AddCommand(newHarvestCmd(v, &cfgFile))
	return cmd
}

// Execute is the main entry point. It returns the process exit code.
func Execute() int {
	if err := newRootCmd(viper.New()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "harvester:", err)
		return 1
	}
	return 0
}
