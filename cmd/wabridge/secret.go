package main

import (
	"fmt"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/sipeed/wabridge/pkg/config"
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage the inbound relay secret",
}

var secretSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Store the relay secret in the OS keyring",
	RunE: func(cmd *cobra.Command, _ []string) error {
		rl, err := readline.New("")
		if err != nil {
			return fmt.Errorf("failed to open terminal: %w", err)
		}
		defer rl.Close()

		secret, err := rl.ReadPassword("Relay secret: ")
		if err != nil {
			return err
		}
		again, err := rl.ReadPassword("Repeat secret: ")
		if err != nil {
			return err
		}
		if strings.TrimSpace(string(secret)) != strings.TrimSpace(string(again)) {
			return fmt.Errorf("secrets do not match")
		}

		fallback, err := config.StoreRelaySecret(string(secret))
		if err != nil {
			return fmt.Errorf("failed to store secret: %w", err)
		}
		out := cmd.OutOrStdout()
		if fallback {
			fmt.Fprintln(out, "⚠️  No OS keyring available, secret written to ~/.wabridge/.relay-secret (0600)")
		}
		fmt.Fprintf(out, "✓ Relay secret stored (%s)\n", config.MaskSecret(strings.TrimSpace(string(secret))))
		return nil
	},
}

var secretClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the stored relay secret",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := config.ClearRelaySecret(); err != nil {
			return fmt.Errorf("failed to clear secret: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "✓ Relay secret removed")
		return nil
	},
}

func init() {
	secretCmd.AddCommand(secretSetCmd, secretClearCmd)
}
