package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quarrylabs/quarry/internal/agent"
	"github.com/quarrylabs/quarry/internal/app"
	"github.com/quarrylabs/quarry/internal/config"
)

var (
	queryProject  string
	queryPlanning bool
)

var queryCmd = &cobra.Command{
	Use:   "query <question>",
	Short: "Ask a question against the ingested corpus",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQuery(cmd.Context(), strings.Join(args, " "))
	},
}

func init() {
	queryCmd.Flags().StringVarP(&queryProject, "project", "p", "", "restrict retrieval to a project")
	queryCmd.Flags().BoolVar(&queryPlanning, "plan", false, "plan tool calls up front instead of looping")
	rootCmd.AddCommand(queryCmd)
}

func runQuery(parent context.Context, question string) error {
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

	result, err := a.Orchestrator.Run(ctx, agent.RunRequest{
		Query:     question,
		ProjectID: queryProject,
		Planning:  queryPlanning || cfg.EnablePlanning,
	})
	if err != nil {
		return fmt.Errorf("running agent: %w", err)
	}

	if verbose {
		for _, step := range result.Steps {
			switch step.Type {
			case agent.StepToolCall:
				fmt.Printf("-> %s(%v)\n", step.Tool, step.Input)
			case agent.StepNote, agent.StepPlan:
				fmt.Printf("[%s] %s\n", step.Type, step.Text)
			}
		}
	}
	fmt.Println(result.Answer)
	return nil
}
