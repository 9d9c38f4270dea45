package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quarrylabs/quarry/internal/app"
	"github.com/quarrylabs/quarry/internal/config"
)

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the vector index from the chunk store",
	Long: `Reindex replays every stored chunk embedding into a fresh in-process
vector index and persists it. Use this after restoring a database or
when the index files were lost.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runReindex(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(reindexCmd)
}

func runReindex(parent context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	// Setup already rebuilds when configured to; avoid doing it twice.
	cfg.RebuildOnStart = false

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := newLogger()
	a, err := app.Setup(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			logger.Warn("shutdown error", "error", closeErr)
		}
	}()

	if err := a.Index.Rebuild(ctx, a.Store); err != nil {
		return fmt.Errorf("rebuilding index: %w", err)
	}
	fmt.Println("vector index rebuilt")
	return nil
}
