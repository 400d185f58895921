package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"roomcrypt/internal/crypto"
	"roomcrypt/internal/domain"
)

func devicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices <user-id>",
		Short: "List a user's devices and their trust",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := wire.Engine.DevicesFor(cmd.Context(), domain.UserID(args[0]))
			if err != nil {
				return err
			}
			for _, device := range devices {
				state := wire.Engine.DeviceTrust(device).String()
				if device.Tombstoned {
					state = "removed"
				}
				fmt.Printf("%-12s %-10s %s\n", device.DeviceID, state,
					crypto.Fingerprint(device.IdentityKey.Slice()))
			}
			return nil
		},
	}
	return cmd
}

func verifyCmd() *cobra.Command {
	var block bool
	cmd := &cobra.Command{
		Use:   "verify <user-id> <device-id>",
		Short: "Mark a device verified or blocked",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			trust := domain.TrustVerified
			if block {
				trust = domain.TrustBlocked
			}
			if err := wire.Engine.SetDeviceTrust(domain.UserID(args[0]), domain.DeviceID(args[1]), trust); err != nil {
				return err
			}
			fmt.Printf("%s/%s is now %s\n", args[0], args[1], trust)
			return nil
		},
	}
	cmd.Flags().BoolVar(&block, "block", false, "block instead of verify")
	return cmd
}
