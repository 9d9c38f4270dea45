// Package cmd implements the quarry command line interface.
package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/quarrylabs/quarry/internal/log"
)

var (
	verbose  bool
	jsonLogs bool
)

var rootCmd = &cobra.Command{
	Use:   "quarry",
	Short: "Hybrid retrieval and agent service over your documents",
	Long: `Quarry ingests source trees and documents into a PostgreSQL corpus,
retrieves with a hybrid of vector similarity and BM25, and answers
questions through a tool-calling agent.

Run "quarry serve" to start the HTTP API.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "log in JSON format")
}

// newLogger builds the process logger from the global flags.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return log.New(log.Config{Level: level, JSON: jsonLogs})
}
