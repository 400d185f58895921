package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"roomcrypt/internal/crypto"
	"roomcrypt/internal/domain"
)

func backupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Manage the server-side key backup",
	}
	cmd.AddCommand(backupCreateCmd(), backupUploadCmd(), backupRestoreCmd())
	return cmd
}

func backupCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Create a key backup version, printing the recovery key",
		RunE: func(cmd *cobra.Command, args []string) error {
			version, recoveryKey, err := wire.Backup.CreateVersion(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Created backup version %s\n", version.Version)
			fmt.Printf("Recovery key (store it safely, it is shown once):\n  %s\n",
				crypto.B64(recoveryKey.Slice()))
			return nil
		},
	}
}

func backupUploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload",
		Short: "Upload pending sessions to the backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			count, err := wire.Backup.UploadPending(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Uploaded %d sessions\n", count)
			return nil
		},
	}
}

func backupRestoreCmd() *cobra.Command {
	var version string
	cmd := &cobra.Command{
		Use:   "restore <recovery-key>",
		Short: "Restore sessions from a backup version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := crypto.FromB64(args[0])
			if err != nil || len(raw) != 32 {
				return fmt.Errorf("malformed recovery key")
			}
			var key domain.Curve25519Private
			copy(key[:], raw)

			count, err := wire.Backup.Restore(cmd.Context(), version, key)
			if err != nil {
				return err
			}
			fmt.Printf("Restored %d sessions\n", count)
			return nil
		},
	}
	cmd.Flags().StringVar(&version, "version", "", "backup version (default: server's current)")
	return cmd
}
