package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/linkflow/agentflow/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "agentflow %s\n", version.Version)
		fmt.Fprintf(out, "  commit:  %s\n", version.GitCommit)
		fmt.Fprintf(out, "  built:   %s\n", version.BuildTime)
		fmt.Fprintf(out, "  go:      %s\n", runtime.Version())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
