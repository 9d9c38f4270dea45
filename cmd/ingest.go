package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quarrylabs/quarry/internal/app"
	"github.com/quarrylabs/quarry/internal/config"
	"github.com/quarrylabs/quarry/internal/ingest"
)

var ingestProject string

var ingestCmd = &cobra.Command{
	Use:   "ingest [sources...]",
	Short: "Ingest files, directories, or gs:// objects into a project",
	Long: `Ingest chunks the given sources, embeds them, and stores them in the
corpus. Directories are walked recursively honoring .gitignore; sources
prefixed with gs:// are downloaded from Google Cloud Storage first.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runIngest(cmd.Context(), args)
	},
}

func init() {
	ingestCmd.Flags().StringVarP(&ingestProject, "project", "p", "", "project id (required)")
	_ = ingestCmd.MarkFlagRequired("project")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(parent context.Context, sources []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

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

	sum, err := a.Ingest.Ingest(ctx, ingest.Request{ProjectID: ingestProject, Sources: sources})
	if err != nil {
		return fmt.Errorf("ingesting: %w", err)
	}

	fmt.Printf("ingested %d files (%d chunks), skipped %d, failed %d\n",
		sum.Files, sum.Chunks, sum.Skipped, sum.Failed)
	for _, fe := range sum.Errors {
		fmt.Printf("  failed: %s: %s\n", fe.Path, fe.Error)
	}
	if sum.Failed > 0 {
		return fmt.Errorf("%d sources failed", sum.Failed)
	}
	return nil
}
