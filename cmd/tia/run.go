package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zarguell/tia-n-list-sub002/internal/app"
)

var (
	runItemsPath string
	runDryRun    bool
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runItemsPath, "items", "", "read items from a JSON file instead of the configured feeds")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "classify and filter only; generate and persist nothing")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one ingestion and generation pass",
	Long: `Run one pass: collect items, score and tier them, filter out content covered
in the deduplication window, generate summaries and record the run.

Examples:
  # Regular run against the configured feeds
  tia run

  # Preview what would be generated without touching memory
  tia run --dry-run

  # Replay a captured batch
  tia run --items testdata/items.json`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, log, a, err := setup(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()
		defer func() {
			if err := a.Close(); err != nil {
				log.Warn("failed to release resources", zap.Error(err))
			}
		}()

		if cfg.Monitoring.Enabled {
			srv := startMonitoringServer(cfg.Monitoring.Port, a.Metrics(), log)
			defer shutdownMonitoringServer(srv, log)
		}

		res, err := a.Run(ctx, app.RunOptions{ItemsPath: runItemsPath, DryRun: runDryRun})
		if res != nil {
			app.PrintSummary(os.Stdout, res, a.Usage(), 2)
		}
		return err
	},
}
