package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/centavo-app/centavo/internal/vault"
)

func vaultCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Manage the secret vault",
	}
	cmd.AddCommand(vaultKeyCmd())
	return cmd
}

func vaultKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "key",
		Short: "Generate a fresh vault master key",
		Long: `Generate a random 32-byte master key, printed as hex.

Store it in your configuration as vault.master_key (or the
CENTAVO_VAULT_MASTER_KEY environment variable). Losing the key makes
every stored secret unrecoverable.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := vault.GenerateMasterKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
}
