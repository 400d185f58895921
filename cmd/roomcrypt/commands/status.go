package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show account identity and session counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, device, identity, signing, err := wire.Engine.Account()
			if err != nil {
				return err
			}
			total, err := wire.Engine.InboundSessionCount(false)
			if err != nil {
				return err
			}
			backedUp, err := wire.Engine.InboundSessionCount(true)
			if err != nil {
				return err
			}

			fmt.Printf("User:          %s\n", user)
			fmt.Printf("Device:        %s\n", device)
			fmt.Printf("Identity key:  %s\n", identity.B64())
			fmt.Printf("Signing key:   %s\n", signing.B64())
			fmt.Printf("Sessions held: %d (%d backed up)\n", total, backedUp)

			if version, ok, err := wire.Backup.Version(); err != nil {
				return err
			} else if ok {
				fmt.Printf("Backup:        version %s\n", version.Version)
			} else {
				fmt.Println("Backup:        none")
			}
			return nil
		},
	}
	return cmd
}
