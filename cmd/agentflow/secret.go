package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/linkflow/agentflow/internal/crypto"
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage enc: secrets for worker configuration",
}

var secretKeyCmd = &cobra.Command{
	Use:   "genkey",
	Short: "Generate a new master key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		key, err := crypto.GenerateMasterKey()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

var secretEncryptCmd = &cobra.Command{
	Use:   "encrypt <plaintext>",
	Short: "Encrypt a value with secrets.master_key",
	Long: `Encrypt a value with secrets.master_key. The output, including its enc:
prefix, can be pasted into any worker config value.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Secrets.MasterKey == "" {
			return errors.New("secrets.master_key is not configured")
		}
		enc, err := crypto.NewEncryptorFromString(cfg.Secrets.MasterKey)
		if err != nil {
			return err
		}
		sealed, err := enc.Seal(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), sealed)
		return nil
	},
}

func init() {
	secretCmd.AddCommand(secretKeyCmd, secretEncryptCmd)
	rootCmd.AddCommand(secretCmd)
}
