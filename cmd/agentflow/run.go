package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/linkflow/agentflow/internal/execution/graph"
	"github.com/linkflow/agentflow/internal/workflow"
)

var runTimeout time.Duration

var runCmd = &cobra.Command{
	Use:   "run <workflow.json|workflow.yaml>",
	Short: "Execute a workflow once and print its results",
	Long: `Execute a workflow file against the workers in the config and print the
result as JSON. The exit status is 1 when the workflow fails.`,
	Example: `  agentflow run -c agentflow.yaml workflow.yaml
  agentflow run -c agentflow.yaml --timeout 2m workflow.json`,
	Args: cobra.ExactArgs(1),
	RunE: runWorkflow,
}

var planCmd = &cobra.Command{
	Use:   "plan <workflow.json|workflow.yaml>",
	Short: "Validate a workflow and print its execution levels",
	Args:  cobra.ExactArgs(1),
	RunE:  planWorkflow,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(planCmd)

	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "abort the workflow after this long (0 = no limit)")
}

func runWorkflow(cmd *cobra.Command, args []string) error {
	wf, err := workflow.ParseFile(args[0])
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, closer, err := newLogger(cfg.Logging, true)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runTimeout)
		defer cancel()
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			logger.Warn("shutdown incomplete", slog.String("error", err.Error()))
		}
	}()

	res, err := a.executor.Execute(ctx, wf)
	if err != nil {
		return err
	}
	if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
		return err
	}
	if res.Status != workflow.StatusCompleted {
		return errWorkflowFailed
	}
	return nil
}

// planWorkflow needs no workers, so it only checks structure and levels.
func planWorkflow(cmd *cobra.Command, args []string) error {
	wf, err := workflow.ParseFile(args[0])
	if err != nil {
		return err
	}
	if err := wf.Validate(); err != nil {
		return err
	}
	levels, err := graph.Plan(wf.Tasks)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "workflow %s: %d tasks, %d levels\n", wf.ID, len(wf.Tasks), len(levels))
	for i, level := range levels {
		fmt.Fprintf(out, "  level %d: %v\n", i, level)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
