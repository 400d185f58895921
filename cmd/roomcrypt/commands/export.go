package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func exportCmd() *cobra.Command {
	var passphrase string
	cmd := &cobra.Command{
		Use:   "export <file>",
		Short: "Write a passphrase-sealed key export file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if passphrase == "" {
				return fmt.Errorf("--passphrase is required")
			}
			blob, err := wire.Engine.ExportRoomKeys(passphrase)
			if err != nil {
				return err
			}
			if err := os.WriteFile(args[0], blob, 0o600); err != nil {
				return err
			}
			fmt.Printf("Wrote key export to %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase sealing the export")
	return cmd
}

func importCmd() *cobra.Command {
	var passphrase string
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Install sessions from a key export file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if passphrase == "" {
				return fmt.Errorf("--passphrase is required")
			}
			blob, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			count, err := wire.Engine.ImportRoomKeys(passphrase, blob)
			if err != nil {
				return err
			}
			fmt.Printf("Imported %d sessions\n", count)
			return nil
		},
	}
	cmd.Flags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase sealing the export")
	return cmd
}
