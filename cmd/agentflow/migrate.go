package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/linkflow/agentflow/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the Postgres workflow store schema",
	Long:  `Apply or revert the embedded migrations against postgres.dsn.`,
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Args:  cobra.NoArgs,
	RunE: withMigrator(func(cmd *cobra.Command, m *store.Migrator, _ []string) error {
		n, err := m.Up(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", n)
		return nil
	}),
}

var migrateDownCmd = &cobra.Command{
	Use:   "down [steps]",
	Short: "Revert the last N migrations (default 1)",
	Args:  cobra.MaximumNArgs(1),
	RunE: withMigrator(func(cmd *cobra.Command, m *store.Migrator, args []string) error {
		steps := 1
		if len(args) == 1 {
			n, err := strconv.Atoi(args[0])
			if err != nil || n < 1 {
				return fmt.Errorf("invalid steps %q", args[0])
			}
			steps = n
		}
		n, err := m.Down(cmd.Context(), steps)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "reverted %d migration(s)\n", n)
		return nil
	}),
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show applied and pending migrations",
	Args:  cobra.NoArgs,
	RunE: withMigrator(func(cmd *cobra.Command, m *store.Migrator, _ []string) error {
		statuses, err := m.Status(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%-8s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
		for _, s := range statuses {
			status, appliedAt := "pending", "-"
			if s.Applied {
				status = "applied"
				if s.Dirty {
					status = "dirty"
				}
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(out, "%-8d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
		}
		return nil
	}),
}

var migrateForceCmd = &cobra.Command{
	Use:   "force <version>",
	Short: "Mark a version as applied and clean, without running it",
	Args:  cobra.ExactArgs(1),
	RunE: withMigrator(func(cmd *cobra.Command, m *store.Migrator, args []string) error {
		v, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version %q", args[0])
		}
		if err := m.Force(cmd.Context(), v); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "forced version %d\n", v)
		return nil
	}),
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateStatusCmd, migrateForceCmd)
	rootCmd.AddCommand(migrateCmd)
}

// withMigrator connects to postgres.dsn for the duration of one command.
func withMigrator(fn func(*cobra.Command, *store.Migrator, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Postgres.DSN == "" {
			return errors.New("postgres.dsn is not configured")
		}
		logger, closer, err := newLogger(cfg.Logging, true)
		if err != nil {
			return err
		}
		defer closer.Close()

		pool, err := connectPostgres(cmd.Context(), cfg.Postgres)
		if err != nil {
			return err
		}
		defer pool.Close()

		m, err := store.NewMigrator(pool, logger)
		if err != nil {
			return err
		}
		return fn(cmd, m, args)
	}
}
