package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"roomcrypt/internal/domain"
)

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the device account and publish its keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" || deviceID == "" {
				return fmt.Errorf("--user and --device are required")
			}
			err := wire.Engine.EnsureAccount(cmd.Context(),
				domain.UserID(userID), domain.DeviceID(deviceID),
				wire.Config.OneTimeKeyTarget)
			if err != nil {
				return err
			}
			_, _, identity, signing, err := wire.Engine.Account()
			if err != nil {
				return err
			}
			fmt.Printf("Identity key: %s\n", identity.B64())
			fmt.Printf("Signing key:  %s\n", signing.B64())
			return nil
		},
	}
	return cmd
}
