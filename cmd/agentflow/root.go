package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/linkflow/agentflow/internal/config"
	"github.com/linkflow/agentflow/internal/observability/logging"
	"github.com/linkflow/agentflow/internal/version"
)

// errWorkflowFailed makes the process exit non-zero after the result has
// already been printed.
var errWorkflowFailed = errors.New("workflow failed")

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "agentflow",
	Short: "Multi-agent workflow execution engine",
	Long: `agentflow executes workflows of interdependent tasks on registered agents.

Tasks run level by level in dependency order. Tasks sharing a resource are
serialized by leases, and each agent is called within its own rate limit
and retry budget.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errWorkflowFailed) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate(fmt.Sprintf("agentflow %s (commit %s, built %s)\n",
		version.Version, version.GitCommit, version.BuildTime))
}

// loadConfig reads --config and applies --log-level on top.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// newLogger builds the process logger. Commands that print results to stdout
// pass quietStdout so log lines go to stderr instead.
func newLogger(cfg config.LoggingConfig, quietStdout bool) (*slog.Logger, io.Closer, error) {
	if quietStdout && (cfg.Output == "" || cfg.Output == "stdout") {
		cfg.Output = "stderr"
	}
	logger, closer, err := logging.New(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("logging: %w", err)
	}
	slog.SetDefault(logger)
	return logger, closer, nil
}
