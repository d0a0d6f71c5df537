package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zarguell/tia-n-list-sub002/internal/app"
	"github.com/zarguell/tia-n-list-sub002/internal/config"
	"github.com/zarguell/tia-n-list-sub002/internal/dedup"
	"github.com/zarguell/tia-n-list-sub002/internal/logger"
)

var (
	pruneOlderThan time.Duration
	resetConfirm   bool
)

func init() {
	rootCmd.AddCommand(memoryCmd)
	rootCmd.AddCommand(sourcesCmd)
	memoryCmd.AddCommand(memoryStatsCmd)
	memoryCmd.AddCommand(memoryPruneCmd)
	memoryCmd.AddCommand(memoryResetCmd)

	memoryPruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 30*24*time.Hour, "delete records older than this")
	memoryResetCmd.Flags().BoolVar(&resetConfirm, "confirm", false, "required; reset discards every record")
}

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Inspect and maintain the deduplication memory",
}

var memoryStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show record counts and the covered time range",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withMemory(cmd.Context(), func(ctx context.Context, mem *dedup.Memory) error {
			st, err := mem.Stats(ctx)
			if err != nil {
				return err
			}
			app.PrintStats(os.Stdout, st)
			return nil
		})
	},
}

var memoryPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete records older than --older-than",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if pruneOlderThan <= 0 {
			return errors.New("--older-than must be positive")
		}
		return withMemory(cmd.Context(), func(ctx context.Context, mem *dedup.Memory) error {
			n, err := mem.Prune(ctx, pruneOlderThan)
			if err != nil {
				return err
			}
			fmt.Printf("pruned %d records older than %s\n", n, pruneOlderThan)
			return nil
		})
	},
}

var memoryResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Discard all records, including an unreadable memory file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if !resetConfirm {
			return errors.New("refusing to reset without --confirm")
		}
		return withMemory(cmd.Context(), func(ctx context.Context, mem *dedup.Memory) error {
			if err := mem.Reset(ctx); err != nil {
				return err
			}
			fmt.Println("memory reset")
			return nil
		})
	},
}

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List known sources with their current scores",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		sources, err := app.LoadSources(cfg, time.Now())
		if err != nil {
			return err
		}
		app.PrintSources(os.Stdout, sources)
		return nil
	},
}

func withMemory(ctx context.Context, fn func(context.Context, *dedup.Memory) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := logger.New(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	mem, closer, err := app.OpenMemory(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := closer.Close(); err != nil {
			log.Warn("failed to close memory store", zap.Error(err))
		}
	}()
	return fn(ctx, mem)
}
