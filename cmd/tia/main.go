// Package main implements the tia command: it collects security news, drops what recent
// runs already covered and summarizes the rest through a chain of text generators.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zarguell/tia-n-list-sub002/internal/app"
	"github.com/zarguell/tia-n-list-sub002/internal/config"
	"github.com/zarguell/tia-n-list-sub002/internal/logger"
)

var (
	configPath string
	version    = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tia",
	Short: "Threat intel digest with cross-run deduplication",
	Long: `tia pulls the configured feeds, scores and tiers every item, skips what the
last week of runs already reported and writes a digest of the rest.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "configs/tia.yaml", "path to the YAML config file")
}

// setup loads the configuration and builds the logger and application.
func setup(ctx context.Context) (*config.Config, *zap.Logger, *app.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}

	log, err := logger.New(logger.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		_ = log.Sync()
		return nil, nil, nil, fmt.Errorf("failed to initialize: %w", err)
	}
	return cfg, log, a, nil
}
